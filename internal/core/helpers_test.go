package core

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"GoBooruArchiver/internal/adapter"
	"GoBooruArchiver/internal/config"
	"GoBooruArchiver/internal/model"
	"GoBooruArchiver/internal/network"
	"GoBooruArchiver/internal/rule"
	"GoBooruArchiver/internal/storage"
)

var discardLogger = log.New(io.Discard, "", 0)

func newPost(id int64, tags ...string) *model.Post {
	return model.NewPost(model.Post{
		ID:        id,
		Tags:      tags,
		Rating:    "s",
		CreatedAt: time.Now().Add(-time.Hour),
		FileURL:   fmt.Sprintf("https://files.invalid/%d.png", id),
		MD5:       fmt.Sprintf("%032d", id),
		Ext:       "png",
	})
}

func compileRule(t *testing.T, name string, mod func(*config.Destination)) *rule.Rule {
	t.Helper()
	d := config.DefaultDestination()
	d.Name = name
	if mod != nil {
		mod(&d)
	}
	r, err := rule.Compile(d, nil, nil)
	if err != nil {
		t.Fatalf("規則 %s の構築に失敗しました: %v", name, err)
	}
	return r
}

func openRegistry(t *testing.T) *storage.PathRegistry {
	t.Helper()
	db, err := storage.OpenInMemory()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return storage.NewPathRegistry(db)
}

func openPostStore(t *testing.T) *storage.PostStore {
	t.Helper()
	db, err := storage.OpenInMemory()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return storage.NewPostStore(db)
}

// fakeDownloader は URL ごとの同時転送数を記録しながらファイルを書き込みます。
type fakeDownloader struct {
	delay time.Duration
	fail  map[string]error

	mu       sync.Mutex
	inFlight map[string]int
	maxPerID int
	maxTotal int
	total    int
	calls    int
}

func newFakeDownloader(delay time.Duration) *fakeDownloader {
	return &fakeDownloader{delay: delay, fail: make(map[string]error), inFlight: make(map[string]int)}
}

func (f *fakeDownloader) Download(ctx context.Context, url, destPath string) (int64, error) {
	f.mu.Lock()
	f.calls++
	f.inFlight[url]++
	f.total++
	if f.inFlight[url] > f.maxPerID {
		f.maxPerID = f.inFlight[url]
	}
	if f.total > f.maxTotal {
		f.maxTotal = f.total
	}
	failErr := f.fail[url]
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inFlight[url]--
		f.total--
		f.mu.Unlock()
	}()

	select {
	case <-time.After(f.delay):
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	if failErr != nil {
		return 0, failErr
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return 0, err
	}
	data := []byte("data:" + url)
	return int64(len(data)), os.WriteFile(destPath, data, 0644)
}

func (f *fakeDownloader) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeSource はカーソルごとに用意したページを返すアダプタです。
type fakeSource struct {
	pages map[int64]adapter.Page
	posts map[int64]*model.Post

	mu      sync.Mutex
	queries []adapter.Query
}

func (f *fakeSource) Name() string { return "fake" }

func (f *fakeSource) Page(ctx context.Context, q adapter.Query) (adapter.Page, error) {
	f.mu.Lock()
	f.queries = append(f.queries, q)
	f.mu.Unlock()
	if p, ok := f.pages[q.Cursor]; ok {
		return p, nil
	}
	return adapter.Page{Last: true}, nil
}

func (f *fakeSource) ResolveAlias(ctx context.Context, tag string) (string, error) {
	return tag, nil
}

func (f *fakeSource) KnownPost(ctx context.Context, id int64) (*model.Post, error) {
	if p, ok := f.posts[id]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("投稿 %d: %w", id, network.ErrNotFound)
}

func (f *fakeSource) Queries() []adapter.Query {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]adapter.Query(nil), f.queries...)
}
