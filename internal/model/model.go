// Package model は、パイプライン全体で共有される投稿とワークアイテムの型を定義します。
package model

import (
	"encoding/json"
	"sort"
	"strconv"
	"time"
)

// PoolTagPrefix はプール所属から合成されるタグの接頭辞です (例: pool:1234)。
const PoolTagPrefix = "pool:"

// Post は、リモートインデックス上の単一の投稿を表します。
// NewPost で生成した後は変更しない前提で、複数のゴルーチンから読み取られます。
type Post struct {
	ID          int64     `json:"id"`
	Tags        []string  `json:"tags"`
	Rating      string    `json:"rating"`
	Score       int       `json:"score"`
	FavCount    int       `json:"fav_count"`
	CreatedAt   time.Time `json:"created_at"`
	FileURL     string    `json:"file_url"`
	MD5         string    `json:"md5"`
	Ext         string    `json:"file_ext"`
	Size        int64     `json:"file_size"`
	Width       int       `json:"width"`
	Height      int       `json:"height"`
	Pools       []int64   `json:"pools,omitempty"`
	Artists     []string  `json:"artist,omitempty"`
	Sources     []string  `json:"sources,omitempty"`
	Description string    `json:"description,omitempty"`
	UploaderID  int64     `json:"uploader_id,omitempty"`

	tagSet map[string]struct{}
}

// NewPost は投稿を構築し、プール所属タグ (pool:<id>) を合成してタグ集合を作ります。
func NewPost(p Post) *Post {
	seen := make(map[string]struct{}, len(p.Tags)+len(p.Pools))
	tags := make([]string, 0, len(p.Tags)+len(p.Pools))
	for _, t := range p.Tags {
		if _, ok := seen[t]; ok || t == "" {
			continue
		}
		seen[t] = struct{}{}
		tags = append(tags, t)
	}
	for _, id := range p.Pools {
		t := PoolTagPrefix + strconv.FormatInt(id, 10)
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		tags = append(tags, t)
	}
	sort.Strings(tags)

	post := p
	post.Tags = tags
	post.Pools = append([]int64(nil), p.Pools...)
	post.tagSet = seen
	return &post
}

// TagSet はタグの集合を返します。戻り値を変更してはいけません。
func (p *Post) TagSet() map[string]struct{} {
	if p.tagSet == nil {
		// ゼロ値から直接作られた場合のフォールバック
		m := make(map[string]struct{}, len(p.Tags))
		for _, t := range p.Tags {
			m[t] = struct{}{}
		}
		return m
	}
	return p.tagSet
}

// HasTag はタグが付いているかどうかを返します。
func (p *Post) HasTag(tag string) bool {
	_, ok := p.TagSet()[tag]
	return ok
}

// DaysAgo は投稿日時から now までの経過日数（切り捨て）を返します。
func (p *Post) DaysAgo(now time.Time) int {
	if p.CreatedAt.IsZero() {
		return 0
	}
	d := now.Sub(p.CreatedAt)
	if d < 0 {
		return 0
	}
	return int(d / (24 * time.Hour))
}

// UnmarshalJSON はデコード後にタグ集合を再構築します。
func (p *Post) UnmarshalJSON(data []byte) error {
	type plain Post
	var raw plain
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*p = *NewPost(Post(raw))
	return nil
}

// WorkItem はキューを流れる単位です。
// Key は投稿を見つけた保存先（またはプレフィルタ）の名前で、Posts はページング順を保ちます。
type WorkItem struct {
	Key   string  `json:"key"`
	Posts []*Post `json:"posts"`
}

// LastID はバッチ末尾の投稿IDを返します。空の場合は 0 です。
func (w WorkItem) LastID() int64 {
	if len(w.Posts) == 0 {
		return 0
	}
	return w.Posts[len(w.Posts)-1].ID
}
