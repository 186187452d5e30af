package core

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"GoBooruArchiver/internal/adapter"
	"GoBooruArchiver/internal/config"
	"GoBooruArchiver/internal/fanout"
	"GoBooruArchiver/internal/model"
	"GoBooruArchiver/internal/naming"
	"GoBooruArchiver/internal/network"
	"GoBooruArchiver/internal/queue"
	"GoBooruArchiver/internal/rule"
	"GoBooruArchiver/internal/storage"
)

// state_dir 以下のファイル名
const (
	QueueFile    = "download_queue.json"
	PoolsFile    = "pools.json"
	RegistryDir  = "registry"
	CacheDirName = "cache"
)

// Archiver は1つの設定ファイルの実行に必要な状態をまとめたものです。
// Open で構築し、Run で実行し、Close で閉じます。
type Archiver struct {
	cfg    *config.Config
	logger *log.Logger

	queue      *queue.Queue
	db         *storage.DB
	registry   *storage.PathRegistry
	posts      *storage.PostStore
	pools      *storage.PoolIndex
	client     *network.Client
	source     adapter.SiteAdapter
	dispatcher *Dispatcher
	stats      *SessionStats

	prefilters []*rule.Rule
	roots      []*rule.Rule
	nodes      map[string]*rule.Rule

	fresh bool
	state RunState
	now   func() time.Time
}

// Open は設定 cfg の実行を準備します。
// 永続化された状態を読み込み、タグのエイリアスを解決して保存先の規則を構築します。
// handler はアンチボットのチャレンジが出たときに呼び出されます (nil 可)。
func Open(ctx context.Context, cfg *config.Config, handler network.ChallengeHandler, logger *log.Logger) (_ *Archiver, err error) {
	a := &Archiver{
		cfg:    cfg,
		logger: logger,
		stats:  NewSessionStats(),
		nodes:  make(map[string]*rule.Rule),
		now:    time.Now,
	}
	a.setState(StateInitializing)

	stateDir := cfg.Settings.StateDir
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, fmt.Errorf("状態ディレクトリ '%s' の作成に失敗しました: %w", stateDir, err)
	}

	a.queue, err = queue.Open(filepath.Join(stateDir, QueueFile))
	if err != nil {
		return nil, err
	}
	if a.queue.CheckFingerprint(cfg.Fingerprint) {
		logger.Println("INFO: 設定が変更されたため、前回の進捗を破棄しました")
	}
	a.fresh = a.queue.Fresh()
	if !a.fresh {
		logger.Printf("INFO: 前回の実行を再開します (cursor=%d, pending=%d)", a.queue.LastID(), a.queue.Len())
	}

	a.db, err = storage.Open(filepath.Join(stateDir, RegistryDir), logger)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			a.db.Close()
		}
	}()
	a.registry = storage.NewPathRegistry(a.db)
	a.posts = storage.NewPostStore(a.db)
	if a.fresh {
		if err := a.registry.Rotate(); err != nil {
			return nil, err
		}
	}

	a.pools, err = storage.OpenPoolIndex(filepath.Join(stateDir, PoolsFile))
	if err != nil {
		return nil, err
	}

	a.client, err = network.NewClient(cfg.Network, logger)
	if err != nil {
		return nil, fmt.Errorf("ネットワーククライアントの初期化に失敗しました: %w", err)
	}
	a.client.SetChallengeHandler(handler)

	a.source, err = adapter.GetAdapter(cfg.Network.Site, a.client, cfg.Network.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("サイトアダプタの取得に失敗しました: %w", err)
	}

	if err := a.compileRules(ctx); err != nil {
		return nil, err
	}

	cacheDir := ""
	if cfg.Settings.MakeCache {
		cacheDir = filepath.Join(stateDir, CacheDirName)
	}
	a.dispatcher = NewDispatcher(a.client, a.registry, a.pools, a.stats, DispatcherOptions{
		Root:         cfg.Settings.DownloadRoot,
		CacheDir:     cacheDir,
		Hardlinks:    cfg.Settings.MakeHardlinks,
		NoRedownload: cfg.Settings.NoRedownload,
		Workers:      cfg.Settings.MaxConcurrentDownloads,
	}, logger)
	return a, nil
}

// compileRules はプレフィルタと保存先の規則を構築します。
// オフラインモードではタグのエイリアス解決を行いません。
func (a *Archiver) compileRules(ctx context.Context) error {
	var resolve rule.AliasFunc
	if !a.cfg.Settings.Offline {
		resolve = func(tag string) (string, error) {
			return a.source.ResolveAlias(ctx, tag)
		}
	}

	blacklist := a.cfg.Blacklist
	for _, pf := range a.cfg.Prefilters {
		r, err := rule.CompilePrefilter(pf, blacklist, resolve)
		if err != nil {
			return err
		}
		a.prefilters = append(a.prefilters, r)
	}
	for _, d := range a.cfg.Destinations {
		if !d.IsEnabled() {
			continue
		}
		r, err := rule.Compile(d, blacklist, resolve)
		if err != nil {
			return err
		}
		a.nodes[d.Name] = r
		if !d.SubfolderOnly {
			a.roots = append(a.roots, r)
		}
	}
	return nil
}

// Run はパイプライン全体を実行します。
// プロデューサが回復不能なエラーで止まった場合は、キューに残ったバッチを処理してからエラーを返します。
func (a *Archiver) Run(ctx context.Context) error {
	settings := a.cfg.Settings

	if !settings.Offline {
		a.setState(StateRecovering)
		n, err := FinishPartialDownloads(ctx, a.source, a.client, a.registry, settings.DownloadRoot, a.logger)
		if err != nil {
			return &FatalError{Op: "途中ファイルの再開", Err: err}
		}
		if n > 0 {
			a.logger.Printf("INFO: %d 件の途中ファイルを再開しました", n)
		}
	}

	a.setState(StateIndexing)
	n, err := a.registry.IndexExisting(settings.DownloadRoot, settings.PruneDownloads)
	if err != nil {
		return &FatalError{Op: "既存ファイルの索引付け", Err: err}
	}
	if settings.MakeCache {
		m, err := a.registry.IndexExisting(filepath.Join(settings.StateDir, CacheDirName), false)
		if err != nil {
			return &FatalError{Op: "キャッシュの索引付け", Err: err}
		}
		n += m
	}
	a.logger.Printf("INFO: 既存ファイル %d 件を索引に登録しました", n)

	scan := a.roots
	if len(a.prefilters) > 0 {
		scan = a.prefilters
	}
	producer := NewProducer(a.queue, a.source, scan, a.roots, ProducerOptions{
		Store:     a.posts,
		Index:     settings.DB,
		Offline:   settings.Offline,
		IgnoreIDs: settings.IgnoreIDs,
	}, a.stats, a.logger)
	producer.now = a.now

	a.setState(StateRunning)
	pctx, cancel := context.WithCancel(ctx)
	defer cancel()
	produced := make(chan error, 1)
	go func() {
		produced <- producer.Run(pctx)
	}()

	consumeErr := a.consume(ctx)
	if consumeErr != nil {
		cancel()
	}
	produceErr := <-produced

	if consumeErr != nil {
		a.setState(StateAborted)
		return consumeErr
	}
	if produceErr != nil {
		a.setState(StateAborted)
		if errors.Is(produceErr, context.Canceled) {
			return produceErr
		}
		return &FatalError{Op: "インデックスの取得", Err: produceErr}
	}

	if settings.PruneDownloads {
		a.setState(StatePruning)
		removed, err := Prune(a.registry, a.logger)
		if err != nil {
			a.logger.Printf("ERROR: 古いファイルの削除に失敗しました: %v", err)
		}
		a.logger.Printf("INFO: %d 件のファイルを削除しました", removed)
	}
	if settings.PoolDownloadGenerate {
		path := filepath.Join(settings.StateDir, PoolsConfigFile)
		count, err := WritePoolsConfig(path, a.pools, settings)
		if err != nil {
			a.logger.Printf("ERROR: %v", err)
		} else {
			a.logger.Printf("INFO: %d 件のプール用保存先を %s に書き出しました", count, path)
		}
	}

	if err := a.Flush(); err != nil {
		return &FatalError{Op: "状態の保存", Err: err}
	}
	a.setState(StateFinished)
	a.logger.Printf("INFO: %s", a.stats.FormatSessionInfo(a.client.Retries()))
	return nil
}

// consume はキューからバッチを取り出してディスパッチャに渡します。
// バッチは処理が終わってから取り除かれるため、途中で落ちても次回に同じバッチから再開されます。
func (a *Archiver) consume(ctx context.Context) error {
	for {
		st, err := a.queue.Wait(ctx)
		if err != nil {
			return err
		}
		if st == queue.Done {
			return nil
		}
		item, st := a.queue.Front()
		if st != queue.Ready {
			continue
		}

		if err := a.processItem(ctx, item); err != nil {
			return err
		}
		a.queue.PopFront()
		if err := a.Flush(); err != nil {
			return &FatalError{Op: "状態の保存", Err: err}
		}
		a.logger.Printf("INFO: %s", a.stats.FormatSessionInfo(a.client.Retries()))
	}
}

// processItem はバッチ内の各投稿をすべての保存先と照合し、配置先を決めてダウンロードします。
func (a *Archiver) processItem(ctx context.Context, item model.WorkItem) error {
	now := a.now()
	batch := a.dispatcher.Begin(ctx)
	for _, post := range item.Posts {
		for _, root := range a.roots {
			if !root.Countdown.HasRemaining() {
				continue
			}
			if ok, _ := root.Match(post, now); !ok {
				continue
			}
			dirs := fanout.Resolve(post, root.Name, a.nodes, now)
			if len(dirs) == 0 {
				continue
			}
			dirs = fanout.WithPools(dirs, post, root.Pools)
			batch.Submit(Job{
				Post:     post,
				FileName: naming.FileName(post, root.Format, a.cfg.Settings.IncludeMD5, now),
				Dirs:     dirs,
				Rule:     root,
			})
		}
	}
	return batch.Wait()
}

// Flush はキュー・プール索引・パス台帳をディスクに保存します。
func (a *Archiver) Flush() error {
	var errs []error
	if err := a.queue.Save(); err != nil {
		errs = append(errs, err)
	}
	if err := a.pools.Save(); err != nil {
		errs = append(errs, err)
	}
	if err := a.db.Sync(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Completed は今回の実行ですべての保存先の走査を終えたかどうかを返します。
func (a *Archiver) Completed() bool {
	return a.queue.Completed() && !a.queue.Aborted()
}

// Stats はセッション統計を返します。
func (a *Archiver) Stats() *SessionStats {
	return a.stats
}

// Close はデータベースを閉じます。
func (a *Archiver) Close() error {
	return a.db.Close()
}

func (a *Archiver) setState(s RunState) {
	a.state = s
	a.logger.Printf("INFO: 状態: %s", s)
}
