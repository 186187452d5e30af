package core

import (
	"context"
	"path/filepath"
	"slices"
	"testing"

	"GoBooruArchiver/internal/adapter"
	"GoBooruArchiver/internal/config"
	"GoBooruArchiver/internal/model"
	"GoBooruArchiver/internal/queue"
	"GoBooruArchiver/internal/rule"
)

func newTestQueue(t *testing.T) *queue.Queue {
	t.Helper()
	q, err := queue.Open(filepath.Join(t.TempDir(), "download_queue.json"))
	if err != nil {
		t.Fatal(err)
	}
	return q
}

func TestProducer_ResumesFromCursorAndSkipsDrained(t *testing.T) {
	// Arrange
	q := newTestQueue(t)
	q.MarkDrained("Cats")
	q.SetLastID(500)

	source := &fakeSource{pages: map[int64]adapter.Page{
		500: {Posts: []*model.Post{newPost(499, "dog"), newPost(498, "dog"), newPost(497, "cat")}, Next: 497, Last: true},
	}}
	cats := compileRule(t, "Cats", func(d *config.Destination) { d.Tags = []string{"cat"} })
	dogs := compileRule(t, "Dogs", func(d *config.Destination) { d.Tags = []string{"dog"} })
	rules := []*rule.Rule{cats, dogs}
	p := NewProducer(q, source, rules, rules, ProducerOptions{}, NewSessionStats(), discardLogger)

	// Act
	err := p.Run(context.Background())

	// Assert
	if err != nil {
		t.Fatalf("Run で予期せぬエラー: %v", err)
	}
	queries := source.Queries()
	if len(queries) != 1 {
		t.Fatalf("リクエスト数 = %d, 期待値 1: %+v", len(queries), queries)
	}
	if queries[0].Cursor != 500 {
		t.Errorf("Cursor = %d, 期待値 500", queries[0].Cursor)
	}
	if !slices.Contains(queries[0].Tags, "dog") {
		t.Errorf("Tags = %v, dog を含むはずです", queries[0].Tags)
	}

	item, st := q.Front()
	if st != queue.Ready {
		t.Fatalf("キューの状態 = %v, 期待値 Ready", st)
	}
	if item.Key != "Dogs" || len(item.Posts) != 2 {
		t.Errorf("item = %s (%d件), 期待値 Dogs (2件)", item.Key, len(item.Posts))
	}
	if !q.Completed() || q.Aborted() {
		t.Errorf("completed=%v aborted=%v", q.Completed(), q.Aborted())
	}
	if !q.IsDrained("Dogs") {
		t.Error("Dogs が走査済みになっていません")
	}
}

func TestProducer_PagesUntilTooOld(t *testing.T) {
	q := newTestQueue(t)
	old := newPost(10, "cat")
	old.CreatedAt = old.CreatedAt.AddDate(0, 0, -30)
	source := &fakeSource{pages: map[int64]adapter.Page{
		queue.StartCursor: {Posts: []*model.Post{newPost(30, "cat"), newPost(20, "cat")}, Next: 20},
		20:                {Posts: []*model.Post{old}, Next: 10},
		10:                {Posts: []*model.Post{newPost(5, "cat")}, Next: 5},
	}}
	cats := compileRule(t, "Cats", func(d *config.Destination) { d.Tags = []string{"cat"} })
	p := NewProducer(q, source, []*rule.Rule{cats}, []*rule.Rule{cats}, ProducerOptions{}, NewSessionStats(), discardLogger)

	if err := p.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	if n := len(source.Queries()); n != 2 {
		t.Errorf("リクエスト数 = %d, 期待値 2 (古い投稿で打ち切り)", n)
	}
	if q.Len() != 1 {
		t.Errorf("キューの長さ = %d, 期待値 1", q.Len())
	}
}

func TestProducer_OrderedSearchSkipsOldPostsWithoutStopping(t *testing.T) {
	q := newTestQueue(t)
	old := newPost(9, "cat")
	old.CreatedAt = old.CreatedAt.AddDate(0, 0, -30)
	source := &fakeSource{pages: map[int64]adapter.Page{
		queue.StartCursor: {Posts: []*model.Post{old}, Next: 2},
		2:                 {Posts: []*model.Post{newPost(8, "cat")}, Next: 3, Last: true},
	}}
	top := compileRule(t, "Top", func(d *config.Destination) { d.Tags = []string{"order:score", "cat"} })
	p := NewProducer(q, source, []*rule.Rule{top}, []*rule.Rule{top}, ProducerOptions{}, NewSessionStats(), discardLogger)

	if err := p.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	if n := len(source.Queries()); n != 2 {
		t.Errorf("リクエスト数 = %d, 期待値 2 (並び替え検索は古い投稿で打ち切らない)", n)
	}
	item, _ := q.Front()
	if len(item.Posts) != 1 || item.Posts[0].ID != 8 {
		t.Errorf("キューの投稿 = %v, 期待値 [8]", item.Posts)
	}
}

func TestProducer_IgnoreIDs(t *testing.T) {
	q := newTestQueue(t)
	source := &fakeSource{pages: map[int64]adapter.Page{
		queue.StartCursor: {Posts: []*model.Post{newPost(3), newPost(2)}, Next: 2, Last: true},
	}}
	all := compileRule(t, "All", nil)
	stats := NewSessionStats()
	p := NewProducer(q, source, []*rule.Rule{all}, []*rule.Rule{all}, ProducerOptions{IgnoreIDs: []int64{3}}, stats, discardLogger)

	if err := p.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	item, _ := q.Front()
	if len(item.Posts) != 1 || item.Posts[0].ID != 2 {
		t.Errorf("キューの投稿 = %v, 期待値 [2]", item.Posts)
	}
	if stats.Filtered.Load() != 1 {
		t.Errorf("Filtered = %d, 期待値 1", stats.Filtered.Load())
	}
}

func TestProducer_OfflineReadsPostStore(t *testing.T) {
	// Arrange
	q := newTestQueue(t)
	store := openPostStore(t)
	if err := store.Append([]*model.Post{newPost(1, "cat"), newPost(2, "dog"), newPost(3, "cat")}); err != nil {
		t.Fatal(err)
	}
	source := &fakeSource{}
	cats := compileRule(t, "Cats", func(d *config.Destination) { d.Tags = []string{"cat"} })
	p := NewProducer(q, source, []*rule.Rule{cats}, []*rule.Rule{cats}, ProducerOptions{Store: store, Offline: true}, NewSessionStats(), discardLogger)

	// Act
	err := p.Run(context.Background())

	// Assert
	if err != nil {
		t.Fatal(err)
	}
	if n := len(source.Queries()); n != 0 {
		t.Errorf("オフラインなのにリモートへ %d 回問い合わせました", n)
	}
	item, _ := q.Front()
	if len(item.Posts) != 2 {
		t.Errorf("キューの投稿数 = %d, 期待値 2", len(item.Posts))
	}
}

func TestProducer_StopsWhenCountdownExhausted(t *testing.T) {
	q := newTestQueue(t)
	source := &fakeSource{pages: map[int64]adapter.Page{
		queue.StartCursor: {Posts: []*model.Post{newPost(3)}, Next: 3},
	}}
	top := compileRule(t, "Top", func(d *config.Destination) { d.MaxDownloads = 0 })
	p := NewProducer(q, source, []*rule.Rule{top}, []*rule.Rule{top}, ProducerOptions{}, NewSessionStats(), discardLogger)

	if err := p.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	if n := len(source.Queries()); n != 0 {
		t.Errorf("リクエスト数 = %d, 期待値 0", n)
	}
	if !q.Completed() {
		t.Error("キューが完了になっていません")
	}
}
