package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"GoBooruArchiver/internal/naming"
)

// PathRegistry は保存済みファイルのパスを記録する台帳です。
//
//   - downloaded: これまでにダウンロードに成功したパス。削除されても記録は残り、再ダウンロード防止に使います。
//   - previous:   今回の実行開始時点でディスク上に把握していたパス。
//   - current:    今回の実行で配置を確認したパス。
//
// previous - current が、設定から外れた古いファイル（prune 対象）です。
type PathRegistry struct {
	db *DB
}

// NewPathRegistry は db 上に台帳を作ります。
func NewPathRegistry(db *DB) *PathRegistry {
	return &PathRegistry{db: db}
}

// Rotate は新しい実行の開始時に previous と current を消去します。
// 前回の実行を再開する場合は呼び出しません。
func (r *PathRegistry) Rotate() error {
	if err := r.db.bdb.DropPrefix([]byte(prefixPrevious), []byte(prefixCurrent)); err != nil {
		return fmt.Errorf("パス台帳のローテーションに失敗しました: %w", err)
	}
	return nil
}

// IndexExisting は root 以下の既存ファイルを走査し、ダウンロード済みとして登録します。
// trackPrune が true の場合、見つけたファイルを previous にも登録します。
// 途中ファイルと、ファイル名から投稿IDを取り出せないファイルは無視します。
func (r *PathRegistry) IndexExisting(root string, trackPrune bool) (int, error) {
	wb := r.db.bdb.NewWriteBatch()
	defer wb.Cancel()

	count := 0
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() || naming.IsPartial(path) {
			return nil
		}
		id, ok := naming.ParseID(d.Name())
		if !ok {
			return nil
		}
		if err := wb.Set(keyDownloaded(path), encodeID(id)); err != nil {
			return err
		}
		if err := wb.Set(keyPostPath(id, path), nil); err != nil {
			return err
		}
		if trackPrune {
			if err := wb.Set(keyPrevious(path), nil); err != nil {
				return err
			}
		}
		count++
		return nil
	})
	if err != nil {
		return count, fmt.Errorf("'%s' の既存ファイルの索引付けに失敗しました: %w", root, err)
	}
	if err := wb.Flush(); err != nil {
		return count, fmt.Errorf("既存ファイルの索引の書き込みに失敗しました: %w", err)
	}
	return count, nil
}

// LookupPost は投稿 id が保存されたことのあるパスを返します。
func (r *PathRegistry) LookupPost(id int64) ([]string, error) {
	var paths []string
	prefix := prefixPostPaths(id)
	err := r.db.IterateKeys(IteratorOptions{Prefix: prefix}, func(key []byte) error {
		paths = append(paths, filepath.FromSlash(string(key[len(prefix):])))
		return nil
	})
	return paths, err
}

// EverDownloaded は投稿 id が一度でもダウンロードされたことがあるかどうかを返します。
func (r *PathRegistry) EverDownloaded(id int64) (bool, error) {
	n := 0
	err := r.db.IterateKeys(IteratorOptions{Prefix: prefixPostPaths(id), Limit: 1}, func([]byte) error {
		n++
		return nil
	})
	return n > 0, err
}

// IsDownloaded は path がダウンロード済みとして記録されているかどうかを返します。
func (r *PathRegistry) IsDownloaded(path string) (bool, error) {
	err := r.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(keyDownloaded(path))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Downloaded はダウンロード済みのすべてのパスについて fn を呼び出します。
func (r *PathRegistry) Downloaded(fn func(path string, id int64) error) error {
	prefix := []byte(prefixDownloaded)
	return r.db.IterateKeyValues(IteratorOptions{Prefix: prefix}, func(key, value []byte) error {
		return fn(filepath.FromSlash(string(key[len(prefix):])), decodeID(value))
	})
}

// Forget は path に関するすべての記録を削除します。
func (r *PathRegistry) Forget(path string) error {
	return r.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(keyDownloaded(path))
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
		case err != nil:
			return err
		default:
			v, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := txn.Delete(keyPostPath(decodeID(v), path)); err != nil {
				return err
			}
		}
		for _, k := range [][]byte{keyDownloaded(path), keyPrevious(path), keyCurrent(path)} {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// Stale は previous に含まれ current に含まれないパスを返します。
func (r *PathRegistry) Stale() ([]string, error) {
	var stale []string
	prev := []byte(prefixPrevious)
	err := r.db.View(func(txn *badger.Txn) error {
		return iterate(txn, IteratorOptions{Prefix: prev, KeysOnly: true}, func(key, _ []byte) error {
			path := key[len(prev):]
			_, err := txn.Get(append([]byte(prefixCurrent), path...))
			if errors.Is(err, badger.ErrKeyNotFound) {
				stale = append(stale, filepath.FromSlash(string(path)))
				return nil
			}
			return err
		})
	})
	sort.Strings(stale)
	return stale, err
}

// Begin は台帳への変更をまとめるバッチを開始します。
// バッチの変更は Commit まで台帳に反映されず、Commit は単一のトランザクションで書き込みます。
func (r *PathRegistry) Begin() *Batch {
	return &Batch{
		reg:        r,
		downloaded: make(map[string]int64),
		current:    make(map[string]struct{}),
	}
}

// Batch は PathRegistry への未確定の変更です。並行に使用できます。
type Batch struct {
	reg *PathRegistry

	mu         sync.Mutex
	downloaded map[string]int64
	current    map[string]struct{}
}

// MarkDownloaded は path に投稿 id を保存したことを記録します。path は current にもなります。
func (b *Batch) MarkDownloaded(path string, id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.downloaded[normalizePath(path)] = id
	b.current[normalizePath(path)] = struct{}{}
}

// MarkCurrent は path を今回の実行で確認したことを記録します。
func (b *Batch) MarkCurrent(path string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current[normalizePath(path)] = struct{}{}
}

// LookupPost は未確定の変更を含めて、投稿 id のパスを返します。
func (b *Batch) LookupPost(id int64) ([]string, error) {
	b.mu.Lock()
	var pending []string
	for path, pid := range b.downloaded {
		if pid == id {
			pending = append(pending, filepath.FromSlash(path))
		}
	}
	b.mu.Unlock()
	sort.Strings(pending)

	committed, err := b.reg.LookupPost(id)
	if err != nil {
		return nil, err
	}
	return append(pending, committed...), nil
}

// Len は未確定の変更の件数を返します。
func (b *Batch) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.downloaded) + len(b.current)
}

// Commit は変更を単一のトランザクションで書き込みます。
// 失敗した場合、台帳はバッチ開始前の状態のままです。
func (b *Batch) Commit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	err := b.reg.db.Update(func(txn *badger.Txn) error {
		for path, id := range b.downloaded {
			if err := txn.Set([]byte(prefixDownloaded+path), encodeID(id)); err != nil {
				return err
			}
			if err := txn.Set(keyPostPath(id, path), nil); err != nil {
				return err
			}
		}
		for path := range b.current {
			if err := txn.Set([]byte(prefixCurrent+path), nil); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("パス台帳のコミットに失敗しました (%d 件): %w", len(b.downloaded)+len(b.current), err)
	}
	b.downloaded = make(map[string]int64)
	b.current = make(map[string]struct{})
	return nil
}
