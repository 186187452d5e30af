package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"GoBooruArchiver/internal/model"
	"GoBooruArchiver/internal/network"
	"GoBooruArchiver/internal/queue"
)

// staticHost は file.url が返されない投稿のファイルURLを組み立てるためのホストです。
const staticHost = "https://static1.e621.net/data"

// E621Adapter は e621 互換の JSON API を扱います。
type E621Adapter struct {
	client  *network.Client
	baseURL string

	aliasMu sync.Mutex
	aliases map[string]string
}

// NewE621Adapter は、E621Adapterの新しいインスタンスを返します。
func NewE621Adapter(client *network.Client, baseURL string) SiteAdapter {
	return &E621Adapter{
		client:  client,
		baseURL: strings.TrimRight(baseURL, "/"),
		aliases: make(map[string]string),
	}
}

func (a *E621Adapter) Name() string { return "e621" }

// e621Post は API が返す投稿の形式です。
type e621Post struct {
	ID        int64     `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	File      struct {
		URL    string `json:"url"`
		MD5    string `json:"md5"`
		Ext    string `json:"ext"`
		Size   int64  `json:"size"`
		Width  int    `json:"width"`
		Height int    `json:"height"`
	} `json:"file"`
	Score struct {
		Total int `json:"total"`
	} `json:"score"`
	Tags        map[string][]string `json:"tags"`
	Rating      string              `json:"rating"`
	FavCount    int                 `json:"fav_count"`
	Pools       []int64             `json:"pools"`
	Sources     []string            `json:"sources"`
	Description string              `json:"description"`
	UploaderID  int64               `json:"uploader_id"`
}

// toPost は API の形式を model.Post に変換します。
func (p *e621Post) toPost() *model.Post {
	var tags []string
	for _, group := range p.Tags {
		tags = append(tags, group...)
	}

	fileURL := p.File.URL
	if fileURL == "" && len(p.File.MD5) >= 4 && p.File.Ext != "" {
		fileURL = fmt.Sprintf("%s/%s/%s/%s.%s", staticHost, p.File.MD5[0:2], p.File.MD5[2:4], p.File.MD5, p.File.Ext)
	}

	return model.NewPost(model.Post{
		ID:          p.ID,
		Tags:        tags,
		Rating:      p.Rating,
		Score:       p.Score.Total,
		FavCount:    p.FavCount,
		CreatedAt:   p.CreatedAt,
		FileURL:     fileURL,
		MD5:         p.File.MD5,
		Ext:         p.File.Ext,
		Size:        p.File.Size,
		Width:       p.File.Width,
		Height:      p.File.Height,
		Pools:       p.Pools,
		Artists:     p.Tags["artist"],
		Sources:     p.Sources,
		Description: p.Description,
		UploaderID:  p.UploaderID,
	})
}

// Page は /posts.json から1ページ分の投稿を取得します。
// 通常は before_id (page=b<id>) で新しい順に辿り、order: タグがある場合はページ番号で辿ります。
func (a *E621Adapter) Page(ctx context.Context, q Query) (Page, error) {
	search := strings.Join(q.Tags, " ")
	if !q.EarliestDate.IsZero() {
		search = strings.TrimSpace("date:>=" + q.EarliestDate.Format("2006-01-02") + " " + search)
	}

	params := url.Values{}
	params.Set("limit", strconv.Itoa(MaxResults))
	params.Set("tags", search)

	ordered := q.Ordered()
	pageNum := q.Cursor
	if ordered {
		if pageNum <= 0 || pageNum >= queue.StartCursor {
			pageNum = 1
		}
		params.Set("page", strconv.FormatInt(pageNum, 10))
	} else if q.Cursor > 0 && q.Cursor < queue.StartCursor {
		params.Set("page", "b"+strconv.FormatInt(q.Cursor, 10))
	}

	var resp struct {
		Posts []e621Post `json:"posts"`
	}
	if err := a.client.GetJSON(ctx, a.baseURL+"/posts.json?"+params.Encode(), &resp); err != nil {
		return Page{}, fmt.Errorf("投稿一覧の取得に失敗しました (tags=%q, cursor=%d): %w", search, q.Cursor, err)
	}

	page := Page{Posts: make([]*model.Post, 0, len(resp.Posts))}
	for i := range resp.Posts {
		page.Posts = append(page.Posts, resp.Posts[i].toPost())
	}
	page.Last = len(resp.Posts) < MaxResults

	if ordered {
		page.Next = pageNum + 1
		if pageNum >= MaxOrderedPages {
			page.Last = true
		}
	} else if n := len(page.Posts); n > 0 {
		page.Next = page.Posts[n-1].ID
	}
	return page, nil
}

// KnownPost は /posts/<id>.json から投稿を1件取得します。
func (a *E621Adapter) KnownPost(ctx context.Context, id int64) (*model.Post, error) {
	var resp struct {
		Post e621Post `json:"post"`
	}
	reqURL := fmt.Sprintf("%s/posts/%d.json", a.baseURL, id)
	if err := a.client.GetJSON(ctx, reqURL, &resp); err != nil {
		return nil, fmt.Errorf("投稿 %d の取得に失敗しました: %w", id, err)
	}
	return resp.Post.toPost(), nil
}

// ResolveAlias はタグの存在を確認し、エイリアスであれば正規のタグ名を返します。
// メタタグ (':' を含む) は検証できないためそのまま返します。結果はキャッシュされます。
func (a *E621Adapter) ResolveAlias(ctx context.Context, tag string) (string, error) {
	if tag == "" {
		return "", &AliasResolutionError{Tag: tag}
	}
	if strings.Contains(tag, ":") {
		log.Printf("WARNING: タグ %s が有効かどうかは確認できません", tag)
		return tag, nil
	}
	if prefix := tag[0]; prefix == '-' || prefix == '~' {
		resolved, err := a.ResolveAlias(ctx, tag[1:])
		if err != nil {
			var aliasErr *AliasResolutionError
			if errors.As(err, &aliasErr) {
				return "", &AliasResolutionError{Tag: tag}
			}
			return "", err
		}
		return string(prefix) + resolved, nil
	}

	a.aliasMu.Lock()
	cached, ok := a.aliases[tag]
	a.aliasMu.Unlock()
	if ok {
		return cached, nil
	}

	resolved, err := a.lookupTag(ctx, tag)
	if err != nil {
		return "", err
	}

	a.aliasMu.Lock()
	a.aliases[tag] = resolved
	a.aliasMu.Unlock()
	return resolved, nil
}

func (a *E621Adapter) lookupTag(ctx context.Context, tag string) (string, error) {
	var tags []struct {
		Name string `json:"name"`
	}
	if err := a.getList(ctx, "/tags.json", url.Values{"search[name_matches]": {tag}}, &tags); err != nil {
		return "", err
	}

	if strings.Contains(tag, "*") && len(tags) > 0 {
		log.Printf("INFO: タグ %s は有効です", tag)
		return tag, nil
	}
	for _, t := range tags {
		if t.Name == tag {
			log.Printf("INFO: タグ %s は有効です", tag)
			return tag, nil
		}
	}

	var aliases []struct {
		AntecedentName string `json:"antecedent_name"`
		ConsequentName string `json:"consequent_name"`
	}
	params := url.Values{
		"search[antecedent_name]": {tag},
		"search[status]":          {"active"},
	}
	if err := a.getList(ctx, "/tag_aliases.json", params, &aliases); err != nil {
		return "", err
	}
	for _, al := range aliases {
		if al.AntecedentName == tag && al.ConsequentName != "" {
			log.Printf("INFO: タグ %s は %s に変更されました", tag, al.ConsequentName)
			return al.ConsequentName, nil
		}
	}
	return "", &AliasResolutionError{Tag: tag}
}

// getList は一覧系エンドポイントを v にデコードします。
// 該当が無い場合、API は空配列ではなく {"<name>":[]} を返すため空として扱います。
func (a *E621Adapter) getList(ctx context.Context, path string, params url.Values, v any) error {
	reqURL := a.baseURL + path + "?" + params.Encode()
	var raw json.RawMessage
	if err := a.client.GetJSON(ctx, reqURL, &raw); err != nil {
		return fmt.Errorf("タグ情報の取得に失敗しました (%s): %w", reqURL, err)
	}
	if !bytes.HasPrefix(bytes.TrimSpace(raw), []byte("[")) {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("タグ情報のデコードに失敗しました (%s): %w", reqURL, err)
	}
	return nil
}
