package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"GoBooruArchiver/internal/fanout"
	"GoBooruArchiver/internal/model"
	"GoBooruArchiver/internal/naming"
	"GoBooruArchiver/internal/network"
	"GoBooruArchiver/internal/rule"
	"GoBooruArchiver/internal/storage"
)

// Downloader はファイル転送の実体です。network.Client が実装します。
type Downloader interface {
	Download(ctx context.Context, url, destPath string) (int64, error)
}

// Job は1件の投稿を、ファイル名 FileName で Dirs のすべてに配置する依頼です。
// Dirs は download_root からの相対パスです。
type Job struct {
	Post     *model.Post
	FileName string
	Dirs     []string
	Rule     *rule.Rule
}

// DispatcherOptions はディスパッチャの動作設定です。
type DispatcherOptions struct {
	Root         string // download_root
	CacheDir     string // 空の場合はキャッシュしない
	Hardlinks    bool
	NoRedownload bool
	Workers      int
}

// Dispatcher は、投稿IDごとの排他と重複排除を行いながらファイルを配置します。
type Dispatcher struct {
	dl       Downloader
	registry *storage.PathRegistry
	pools    *storage.PoolIndex
	active   *ActiveSet
	stats    *SessionStats
	opts     DispatcherOptions
	logger   *log.Logger
}

// NewDispatcher はディスパッチャを作ります。pools が nil の場合、プール索引は更新しません。
func NewDispatcher(dl Downloader, registry *storage.PathRegistry, pools *storage.PoolIndex, stats *SessionStats, opts DispatcherOptions, logger *log.Logger) *Dispatcher {
	if opts.Workers < 1 {
		opts.Workers = 2
	}
	return &Dispatcher{
		dl:       dl,
		registry: registry,
		pools:    pools,
		active:   NewActiveSet(opts.Workers),
		stats:    stats,
		opts:     opts,
		logger:   logger,
	}
}

// Batch は1チャンク分の投入をまとめます。
// 台帳への記録は Wait の成功時に1つのトランザクションで確定します。
type Batch struct {
	d   *Dispatcher
	g   *errgroup.Group
	ctx context.Context
	reg *storage.Batch
}

// Begin は新しいバッチを開始します。
func (d *Dispatcher) Begin(ctx context.Context) *Batch {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.opts.Workers)
	return &Batch{d: d, g: g, ctx: gctx, reg: d.registry.Begin()}
}

// Submit は job をワーカーに渡します。ワーカーに空きがない場合は空くまで待ちます。
// 保存先のカウントダウンは投入時に減らし、転送が失敗した場合に戻します。
// カウントダウンが尽きている場合は何もせずに false を返します。
func (b *Batch) Submit(job Job) bool {
	if job.Rule != nil && !job.Rule.Countdown.TryTake() {
		return false
	}
	b.g.Go(func() error {
		err := b.d.process(b.ctx, b.reg, job)
		if err == nil {
			return nil
		}
		if job.Rule != nil {
			job.Rule.Countdown.Restore()
		}
		if errors.Is(err, network.ErrNotFound) {
			b.d.stats.NotFound.Add(1)
			b.d.logger.Printf("WARNING: 投稿 %d のファイルはリモートに存在しません。スキップします: %v", job.Post.ID, err)
			return nil
		}
		if errors.Is(err, context.Canceled) {
			return err
		}
		return &FatalError{Op: fmt.Sprintf("投稿 %d のダウンロード", job.Post.ID), Err: err}
	})
	return true
}

// Wait はすべてのジョブの完了を待ち、台帳への変更を確定します。
// いずれかのジョブが回復不能なエラーを返した場合、変更は確定せずにそのエラーを返します。
func (b *Batch) Wait() error {
	if err := b.g.Wait(); err != nil {
		return err
	}
	if err := b.reg.Commit(); err != nil {
		return &FatalError{Op: "パス台帳の確定", Err: err}
	}
	return nil
}

// process は投稿IDを保持したうえで、各ディレクトリへの配置を順に行います。
func (d *Dispatcher) process(ctx context.Context, reg *storage.Batch, job Job) error {
	id := job.Post.ID
	if err := d.active.Acquire(ctx, id); err != nil {
		return err
	}
	defer d.active.Release(id)

	for _, dir := range job.Dirs {
		dest := filepath.Join(d.opts.Root, filepath.FromSlash(dir), job.FileName)
		if err := d.place(ctx, reg, job.Post, dest); err != nil {
			return err
		}
		if poolID, ok := fanout.PoolID(dir); ok && d.pools != nil {
			d.pools.Add(poolID, dir)
		}
	}
	return nil
}

// place は dest に投稿のファイルを用意します。
// 既にあればそのまま、別の場所に保存済みならコピー（リンク）、どちらでもなければ転送します。
func (d *Dispatcher) place(ctx context.Context, reg *storage.Batch, post *model.Post, dest string) error {
	if fileExists(dest) {
		d.stats.AlreadyExist.Add(1)
		reg.MarkDownloaded(dest, post.ID)
		return nil
	}

	known, err := reg.LookupPost(post.ID)
	if err != nil {
		return fmt.Errorf("投稿 %d の保存先の検索に失敗しました: %w", post.ID, err)
	}
	for _, src := range known {
		if src == dest || !fileExists(src) {
			continue
		}
		if err := duplicateFile(src, dest, d.opts.Hardlinks); err != nil {
			return fmt.Errorf("'%s' から '%s' へのコピーに失敗しました: %w", src, dest, err)
		}
		d.logger.Printf("INFO: 投稿 %d は別のフォルダに保存済みのためコピーしました: %s", post.ID, dest)
		d.stats.Copied.Add(1)
		reg.MarkDownloaded(dest, post.ID)
		return nil
	}

	if d.opts.NoRedownload && len(known) > 0 {
		d.logger.Printf("INFO: 投稿 %d は過去にダウンロード済みのためスキップします", post.ID)
		d.stats.AlreadyExist.Add(1)
		return nil
	}

	if post.FileURL == "" {
		return fmt.Errorf("投稿 %d にファイルURLがありません: %w", post.ID, network.ErrNotFound)
	}

	d.logger.Printf("INFO: 投稿 %d をダウンロードしています: %s", post.ID, dest)
	n, err := d.dl.Download(ctx, post.FileURL, dest)
	d.stats.BytesWritten.Add(n)
	if err != nil {
		return err
	}
	d.stats.Downloaded.Add(1)
	reg.MarkDownloaded(dest, post.ID)

	if d.opts.CacheDir != "" {
		cached := filepath.Join(d.opts.CacheDir, filepath.Base(dest))
		if !fileExists(cached) {
			if err := duplicateFile(dest, cached, d.opts.Hardlinks); err != nil {
				d.logger.Printf("WARNING: キャッシュへのコピーに失敗しました (%s): %v", cached, err)
			} else {
				reg.MarkDownloaded(cached, post.ID)
			}
		}
	}
	return nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// duplicateFile は src を dst に複製します。hardlink が true の場合はまずハードリンクを試みます。
func duplicateFile(src, dst string, hardlink bool) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	if hardlink {
		if err := os.Link(src, dst); err == nil {
			return nil
		}
	}
	return copyFile(src, dst)
}

// copyFile は途中ファイルに書き込んでからリネームします。
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := naming.PartialName(dst)
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}

	if _, err = io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	// 書き込みを確実に反映
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}
