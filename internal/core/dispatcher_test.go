package core

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"GoBooruArchiver/internal/config"
	"GoBooruArchiver/internal/network"
	"GoBooruArchiver/internal/storage"
)

func newTestDispatcher(t *testing.T, dl Downloader, registry *storage.PathRegistry, workers int) (*Dispatcher, string) {
	t.Helper()
	root := t.TempDir()
	pools, err := storage.OpenPoolIndex(filepath.Join(t.TempDir(), "pools.json"))
	if err != nil {
		t.Fatal(err)
	}
	d := NewDispatcher(dl, registry, pools, NewSessionStats(), DispatcherOptions{Root: root, Workers: workers}, discardLogger)
	return d, root
}

func TestDispatcher_AtMostOneTransferPerPost(t *testing.T) {
	// Arrange
	dl := newFakeDownloader(20 * time.Millisecond)
	d, root := newTestDispatcher(t, dl, openRegistry(t), 2)
	post := newPost(100, "cat")
	r := compileRule(t, "Cats", nil)

	// Act
	batch := d.Begin(context.Background())
	for i := 0; i < 5; i++ {
		batch.Submit(Job{Post: post, FileName: "100.png", Dirs: []string{fmt.Sprintf("dir%d", i)}, Rule: r})
	}
	err := batch.Wait()

	// Assert
	if err != nil {
		t.Fatalf("Wait で予期せぬエラー: %v", err)
	}
	if dl.maxPerID != 1 {
		t.Errorf("同じ投稿の同時転送数 = %d, 期待値 1", dl.maxPerID)
	}
	if dl.Calls() != 1 {
		t.Errorf("転送回数 = %d, 期待値 1 (残りはコピー)", dl.Calls())
	}
	if got := d.stats.Copied.Load(); got != 4 {
		t.Errorf("Copied = %d, 期待値 4", got)
	}
	for i := 0; i < 5; i++ {
		if _, err := os.Stat(filepath.Join(root, fmt.Sprintf("dir%d", i), "100.png")); err != nil {
			t.Errorf("dir%d に配置されていません: %v", i, err)
		}
	}
}

func TestDispatcher_WorkerPoolBoundsConcurrency(t *testing.T) {
	dl := newFakeDownloader(10 * time.Millisecond)
	d, _ := newTestDispatcher(t, dl, openRegistry(t), 2)

	batch := d.Begin(context.Background())
	for id := int64(1); id <= 8; id++ {
		batch.Submit(Job{Post: newPost(id), FileName: fmt.Sprintf("%d.png", id), Dirs: []string{"a"}})
	}
	if err := batch.Wait(); err != nil {
		t.Fatalf("Wait で予期せぬエラー: %v", err)
	}

	if dl.maxTotal > 2 {
		t.Errorf("同時転送数 = %d, 上限 2", dl.maxTotal)
	}
	if got := d.stats.Downloaded.Load(); got != 8 {
		t.Errorf("Downloaded = %d, 期待値 8", got)
	}
}

func TestDispatcher_AlreadyExistsAndCopied(t *testing.T) {
	// Arrange
	registry := openRegistry(t)
	dl := newFakeDownloader(0)
	d, root := newTestDispatcher(t, dl, registry, 2)

	existing := filepath.Join(root, "Cats", "1.png")
	elsewhere := filepath.Join(root, "Old", "2.png")
	for _, p := range []string{existing, elsewhere} {
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := registry.IndexExisting(root, false); err != nil {
		t.Fatal(err)
	}

	// Act
	batch := d.Begin(context.Background())
	batch.Submit(Job{Post: newPost(1), FileName: "1.png", Dirs: []string{"Cats"}})
	batch.Submit(Job{Post: newPost(2), FileName: "2.png", Dirs: []string{"Cats"}})
	err := batch.Wait()

	// Assert
	if err != nil {
		t.Fatalf("Wait で予期せぬエラー: %v", err)
	}
	if dl.Calls() != 0 {
		t.Errorf("転送が %d 回行われました。期待値 0", dl.Calls())
	}
	if got := d.stats.AlreadyExist.Load(); got != 1 {
		t.Errorf("AlreadyExist = %d, 期待値 1", got)
	}
	if got := d.stats.Copied.Load(); got != 1 {
		t.Errorf("Copied = %d, 期待値 1", got)
	}
	if ok, _ := registry.IsDownloaded(filepath.Join(root, "Cats", "2.png")); !ok {
		t.Error("コピー先が台帳に記録されていません")
	}
}

func TestDispatcher_NotFoundRestoresCountdown(t *testing.T) {
	dl := newFakeDownloader(0)
	post := newPost(7)
	dl.fail[post.FileURL] = fmt.Errorf("HTTP 404: %w", network.ErrNotFound)
	d, _ := newTestDispatcher(t, dl, openRegistry(t), 2)
	r := compileRule(t, "Cats", func(d *config.Destination) { d.MaxDownloads = 1 })

	batch := d.Begin(context.Background())
	if !batch.Submit(Job{Post: post, FileName: "7.png", Dirs: []string{"Cats"}, Rule: r}) {
		t.Fatal("Submit が拒否されました")
	}
	err := batch.Wait()

	if err != nil {
		t.Fatalf("NotFound は致命的であってはいけません: %v", err)
	}
	if r.Countdown.Remaining() != 1 {
		t.Errorf("カウントダウン = %d, 期待値 1 (失敗時に戻される)", r.Countdown.Remaining())
	}
	if got := d.stats.NotFound.Load(); got != 1 {
		t.Errorf("NotFound = %d, 期待値 1", got)
	}
}

func TestDispatcher_FatalErrorLeavesRegistryUntouched(t *testing.T) {
	// Arrange
	registry := openRegistry(t)
	dl := newFakeDownloader(0)
	bad := newPost(2)
	dl.fail[bad.FileURL] = errors.New("connection reset")
	d, root := newTestDispatcher(t, dl, registry, 1)
	r := compileRule(t, "Cats", func(d *config.Destination) { d.MaxDownloads = 5 })

	// Act
	batch := d.Begin(context.Background())
	batch.Submit(Job{Post: newPost(1), FileName: "1.png", Dirs: []string{"Cats"}, Rule: r})
	batch.Submit(Job{Post: bad, FileName: "2.png", Dirs: []string{"Cats"}, Rule: r})
	err := batch.Wait()

	// Assert
	var fatal *FatalError
	if !errors.As(err, &fatal) {
		t.Fatalf("FatalError が期待されましたが %v が返されました", err)
	}
	if ok, _ := registry.IsDownloaded(filepath.Join(root, "Cats", "1.png")); ok {
		t.Error("失敗したバッチの変更が台帳に確定しています")
	}
	if r.Countdown.Remaining() != 4 {
		t.Errorf("カウントダウン = %d, 期待値 4", r.Countdown.Remaining())
	}
}

func TestDispatcher_CountdownCapsSubmissions(t *testing.T) {
	dl := newFakeDownloader(0)
	d, _ := newTestDispatcher(t, dl, openRegistry(t), 2)
	r := compileRule(t, "Top", func(d *config.Destination) { d.MaxDownloads = 2 })

	batch := d.Begin(context.Background())
	accepted := 0
	for id := int64(1); id <= 5; id++ {
		if batch.Submit(Job{Post: newPost(id), FileName: fmt.Sprintf("%d.png", id), Dirs: []string{"Top"}, Rule: r}) {
			accepted++
		}
	}
	if err := batch.Wait(); err != nil {
		t.Fatal(err)
	}

	if accepted != 2 || dl.Calls() != 2 {
		t.Errorf("accepted=%d calls=%d, 期待値 2", accepted, dl.Calls())
	}
}

func TestActiveSet_AcquireBlocksSameID(t *testing.T) {
	s := NewActiveSet(4)
	if err := s.Acquire(context.Background(), 1); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	acquired := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.Acquire(context.Background(), 1); err == nil {
			close(acquired)
			s.Release(1)
		}
	}()

	select {
	case <-acquired:
		t.Fatal("保持中のIDを別のタスクが取得しました")
	case <-time.After(30 * time.Millisecond):
	}

	s.Release(1)
	wg.Wait()
	select {
	case <-acquired:
	default:
		t.Error("解放後もIDを取得できませんでした")
	}
}

func TestActiveSet_AcquireHonorsContext(t *testing.T) {
	s := NewActiveSet(1)
	if err := s.Acquire(context.Background(), 1); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := s.Acquire(ctx, 2)

	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("エラー = %v, 期待値 DeadlineExceeded", err)
	}
	if s.Len() != 1 {
		t.Errorf("Len = %d, 期待値 1", s.Len())
	}
}
