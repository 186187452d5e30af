// Package naming は、投稿から保存ファイル名を生成する処理をまとめたものです。
package naming

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"GoBooruArchiver/internal/model"
)

// PartialExt はダウンロード途中のファイルに付く拡張子です。
const PartialExt = "request"

// Placeholders は format で使用できるプレースホルダです。
var Placeholders = []string{
	"{id}", "{md5}", "{ext}", "{rating}", "{score}", "{fav_count}",
	"{artist}", "{width}", "{height}", "{file_size}", "{days_ago}", "{uploader_id}",
}

var placeholderPattern = regexp.MustCompile(`\{[^{}]*\}`)

// ValidateFormat は format に未知のプレースホルダが含まれていないか検査します。
func ValidateFormat(format string) error {
	known := make(map[string]bool, len(Placeholders))
	for _, p := range Placeholders {
		known[p] = true
	}
	for _, p := range placeholderPattern.FindAllString(format, -1) {
		if !known[p] {
			return fmt.Errorf("未知のプレースホルダ %s があります (使用可能: %s)", p, strings.Join(Placeholders, " "))
		}
	}
	return nil
}

// FileName は投稿の保存ファイル名を生成します。
//
//	format が空          : <id>.<ext>（includeMD5 なら <id>.<md5>.<ext>）
//	format が指定された場合: <format を展開した文字列>.<id>.<ext>
//
// IDは常に末尾から2番目の要素になるため、ParseID で復元できます。
func FileName(post *model.Post, format string, includeMD5 bool, now time.Time) string {
	id := strconv.FormatInt(post.ID, 10)
	ext := post.Ext
	if ext == "" {
		ext = "bin"
	}

	if format == "" {
		if includeMD5 && post.MD5 != "" {
			return SanitizeFilename(fmt.Sprintf("%s.%s.%s", id, post.MD5, ext))
		}
		return SanitizeFilename(fmt.Sprintf("%s.%s", id, ext))
	}

	artist := strings.Join(post.Artists, "+")
	if artist == "" {
		artist = "unknown_artist"
	}

	r := strings.NewReplacer(
		"{id}", id,
		"{md5}", post.MD5,
		"{ext}", ext,
		"{rating}", post.Rating,
		"{score}", strconv.Itoa(post.Score),
		"{fav_count}", strconv.Itoa(post.FavCount),
		"{artist}", artist,
		"{width}", strconv.Itoa(post.Width),
		"{height}", strconv.Itoa(post.Height),
		"{file_size}", strconv.FormatInt(post.Size, 10),
		"{days_ago}", strconv.Itoa(post.DaysAgo(now)),
		"{uploader_id}", strconv.FormatInt(post.UploaderID, 10),
	)

	prefix := strings.TrimSpace(r.Replace(format))
	if prefix == "" {
		return SanitizeFilename(fmt.Sprintf("%s.%s", id, ext))
	}
	return SanitizeFilename(fmt.Sprintf("%s.%s.%s", prefix, id, ext))
}

// ParseID は FileName が生成したファイル名（途中ファイルを含む）から投稿IDを取り出します。
func ParseID(filename string) (int64, bool) {
	parts := strings.Split(filename, ".")
	if len(parts) > 0 && parts[len(parts)-1] == PartialExt {
		parts = parts[:len(parts)-1]
	}
	if len(parts) < 2 {
		return 0, false
	}
	// <id>.<md5>.<ext> の形式
	if len(parts) == 3 && len(parts[1]) == 32 {
		if id, err := strconv.ParseInt(parts[0], 10, 64); err == nil {
			return id, true
		}
	}
	id, err := strconv.ParseInt(parts[len(parts)-2], 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// PartialName は途中ファイルのパスを返します。
func PartialName(path string) string {
	return path + "." + PartialExt
}

// IsPartial は途中ファイルかどうかを返します。
func IsPartial(path string) bool {
	return strings.HasSuffix(path, "."+PartialExt)
}

// SanitizeFilename は、ファイル名に使えない文字を全角文字に置き換えます。
func SanitizeFilename(name string) string {
	r := strings.NewReplacer(
		"/", "／",
		"\\", "＼",
		":", "：",
		"*", "＊",
		"?", "？",
		"\"", "”",
		"<", "＜",
		">", "＞",
		"|", "｜",
	)
	return r.Replace(name)
}
