// Package adapter は、リモートのタグ付きメディアインデックスへのアクセスを抽象化する
// インターフェースと、その具体的な実装を提供します。
package adapter

import (
	"context"
	"fmt"
	"strings"
	"time"

	"GoBooruArchiver/internal/model"
)

// MaxResults は1ページあたりに要求する投稿数です。
const MaxResults = 320

// MaxOrderedPages は並び替え検索 (order:) で辿るページ数の上限です。
const MaxOrderedPages = 750

// Query は1ページ分の検索条件です。
type Query struct {
	// Tags はリモート検索に送るタグです (最大5個)。
	Tags []string
	// EarliestDate より古い投稿は検索対象外です。ゼロ値の場合は日付で絞り込みません。
	EarliestDate time.Time
	// Cursor は通常検索ではこのIDより古い投稿を要求するための before_id、
	// 並び替え検索ではページ番号です。queue.StartCursor 以上または 0 以下は先頭を意味します。
	Cursor int64
}

// Ordered は並び替え検索かどうかを返します。
func (q Query) Ordered() bool {
	return IsOrdered(q.Tags)
}

// IsOrdered は order: タグを含むかどうかを返します。
func IsOrdered(tags []string) bool {
	for _, t := range tags {
		if strings.HasPrefix(t, "order:") {
			return true
		}
	}
	return false
}

// Page は1回の取得結果です。
type Page struct {
	Posts []*model.Post
	// Next は次のページを要求するためのカーソルです。
	Next int64
	// Last はこれ以上ページが無いことを示します。
	Last bool
}

// SiteAdapter は、サイト固有の処理を抽象化するインターフェースです。
type SiteAdapter interface {
	// Name はアダプタの識別名を返します。
	Name() string
	// Page は q に一致する投稿を1ページ分取得します。
	Page(ctx context.Context, q Query) (Page, error)
	// ResolveAlias はユーザーが記述したタグを正規のタグ名に解決します。
	// 接頭辞 "-" と "~" は保持されます。
	ResolveAlias(ctx context.Context, tag string) (string, error)
	// KnownPost は ID を指定して投稿を1件取得します。
	KnownPost(ctx context.Context, id int64) (*model.Post, error)
}

// AliasResolutionError は、タグが存在しないか綴りが誤っていることを表します。
type AliasResolutionError struct {
	Tag string
}

func (e *AliasResolutionError) Error() string {
	return fmt.Sprintf("タグ '%s' は綴りが誤っているか存在しません", e.Tag)
}
