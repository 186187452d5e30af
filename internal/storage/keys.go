package storage

import (
	"encoding/binary"
	"strings"
)

// キーの接頭辞
const (
	// prefixDownloaded はこれまでにダウンロードに成功したパスです。値は投稿ID。
	prefixDownloaded = "dl:"
	// prefixPost は投稿IDからパスを引く索引です。形式: post:<id 8byte BE><path>
	prefixPost = "post:"
	// prefixPrevious は今回の実行より前に把握していたパスです。
	prefixPrevious = "prev:"
	// prefixCurrent は今回の実行で配置を確認したパスです。
	prefixCurrent = "cur:"
	// prefixStoredPost はローカル再生用に保存した投稿です。形式: p:<id 8byte BE>
	prefixStoredPost = "p:"
)

func encodeID(id int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(id))
	return b
}

func decodeID(b []byte) int64 {
	if len(b) < 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b[:8]))
}

// normalizePath はキーに使うパスの区切り文字を '/' に揃えます。
func normalizePath(path string) string {
	return strings.ReplaceAll(path, "\\", "/")
}

func keyDownloaded(path string) []byte {
	return []byte(prefixDownloaded + normalizePath(path))
}

func keyPostPath(id int64, path string) []byte {
	k := append([]byte(prefixPost), encodeID(id)...)
	return append(k, normalizePath(path)...)
}

func prefixPostPaths(id int64) []byte {
	return append([]byte(prefixPost), encodeID(id)...)
}

func keyPrevious(path string) []byte {
	return []byte(prefixPrevious + normalizePath(path))
}

func keyCurrent(path string) []byte {
	return []byte(prefixCurrent + normalizePath(path))
}

func keyStoredPost(id int64) []byte {
	return append([]byte(prefixStoredPost), encodeID(id)...)
}
