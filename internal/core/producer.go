package core

import (
	"context"
	"fmt"
	"log"
	"time"

	"GoBooruArchiver/internal/adapter"
	"GoBooruArchiver/internal/config"
	"GoBooruArchiver/internal/model"
	"GoBooruArchiver/internal/queue"
	"GoBooruArchiver/internal/rule"
	"GoBooruArchiver/internal/storage"
)

// キューの深さの上限。取得結果をローカルにも保存している間は小さくします。
const (
	queueDepthIndexing = 3
	queueDepthDefault  = 10
)

// Producer はインデックスをページングし、条件に一致した投稿をキューに積みます。
type Producer struct {
	queue   *queue.Queue
	source  adapter.SiteAdapter
	store   *storage.PostStore
	index   bool
	rules   []*rule.Rule // 走査の優先順
	targets []*rule.Rule // カウントダウンを確認する保存先
	ignore  map[int64]bool
	offline bool
	stats   *SessionStats
	logger  *log.Logger
	now     func() time.Time
}

// ProducerOptions はプロデューサの設定です。
type ProducerOptions struct {
	// Store は post_source: db の保存先と offline モードが読み出す投稿ストアです。
	Store     *storage.PostStore
	// Index が true の場合、リモートから取得したページはすべて Store に保存されます。
	Index     bool
	Offline   bool
	IgnoreIDs []int64
}

// NewProducer はプロデューサを作ります。rules は走査する順に並べ、
// targets には実際にファイルを保存する保存先を渡します。
func NewProducer(q *queue.Queue, source adapter.SiteAdapter, rules, targets []*rule.Rule, opts ProducerOptions, stats *SessionStats, logger *log.Logger) *Producer {
	ignore := make(map[int64]bool, len(opts.IgnoreIDs))
	for _, id := range opts.IgnoreIDs {
		ignore[id] = true
	}
	return &Producer{
		queue:   q,
		source:  source,
		store:   opts.Store,
		index:   opts.Index && opts.Store != nil,
		rules:   rules,
		targets: targets,
		ignore:  ignore,
		offline: opts.Offline,
		stats:   stats,
		logger:  logger,
		now:     time.Now,
	}
}

// Run はすべての規則を優先順に走査します。
// 正常に走査を終えるとキューを完了にし、回復不能なエラーではキューを中断にしてエラーを返します。
func (p *Producer) Run(ctx context.Context) (err error) {
	defer func() {
		if err != nil {
			p.queue.SetAborted()
			return
		}
		p.queue.SetCompleted()
	}()

	for _, r := range p.rules {
		if p.queue.IsDrained(r.Name) {
			p.logger.Printf("INFO: '%s' は走査済みのためスキップします", r.Name)
			continue
		}
		if !p.anyRemaining() {
			p.logger.Println("INFO: すべての保存先がダウンロード上限に達しました")
			break
		}
		if err := p.drain(ctx, r); err != nil {
			return fmt.Errorf("'%s' の走査に失敗しました: %w", r.Name, err)
		}
		p.queue.MarkDrained(r.Name)
		if err := p.queue.Save(); err != nil {
			return err
		}
	}
	return nil
}

// drain は規則 r の検索結果を最後まで（または打ち切り条件まで）ページングします。
func (p *Producer) drain(ctx context.Context, r *rule.Rule) error {
	local := p.offline || r.PostSource == config.SourceDB
	depth := queueDepthDefault
	if p.index && !local {
		depth = queueDepthIndexing
	}
	ordered := adapter.IsOrdered(r.SearchTags) && !local

	cursor := p.queue.LastID()
	p.logger.Printf("INFO: '%s' の投稿を取得しています (cursor=%d)", r.Name, cursor)

	for {
		page, err := p.fetch(ctx, r, cursor, local)
		if err != nil {
			return err
		}
		if p.index && !local {
			if err := p.store.Append(page.Posts); err != nil {
				return err
			}
		}

		now := p.now()
		var batch []*model.Post
		tooOld := false
		for _, post := range page.Posts {
			if p.ignore[post.ID] {
				continue
			}
			if r.TooOld(post, now) {
				// ID順では以降の投稿もすべて古い
				if !ordered {
					tooOld = true
				}
				continue
			}
			if ok, _ := r.Match(post, now); ok {
				batch = append(batch, post)
			}
		}
		p.stats.Posts.Add(int64(len(page.Posts)))
		p.stats.Filtered.Add(int64(len(batch)))

		if len(batch) > 0 {
			if err := p.queue.Append(ctx, model.WorkItem{Key: r.Name, Posts: batch}, depth); err != nil {
				return err
			}
		}
		if page.Next > 0 {
			cursor = page.Next
			p.queue.SetLastID(cursor)
		}

		if page.Last || tooOld || len(page.Posts) == 0 {
			return nil
		}
		if !r.Countdown.HasRemaining() || !p.anyRemaining() {
			return nil
		}
	}
}

func (p *Producer) fetch(ctx context.Context, r *rule.Rule, cursor int64, local bool) (adapter.Page, error) {
	if !local {
		return p.source.Page(ctx, adapter.Query{
			Tags:         r.SearchTags,
			EarliestDate: r.EarliestDate(p.now()),
			Cursor:       cursor,
		})
	}
	if p.store == nil {
		return adapter.Page{}, fmt.Errorf("'%s' はローカルの投稿ストアを参照しますが、ストアが開かれていません", r.Name)
	}
	posts, err := p.store.Page(cursor, adapter.MaxResults)
	if err != nil {
		return adapter.Page{}, err
	}
	page := adapter.Page{Posts: posts, Last: len(posts) < adapter.MaxResults}
	if n := len(posts); n > 0 {
		page.Next = posts[n-1].ID
	}
	return page, nil
}

// anyRemaining はまだダウンロードできる保存先があるかどうかを返します。
func (p *Producer) anyRemaining() bool {
	for _, t := range p.targets {
		if t.Countdown.HasRemaining() {
			return true
		}
	}
	return false
}
