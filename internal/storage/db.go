// Package storage は、BadgerDB 上に構築されたパス台帳 (PathRegistry) と
// ローカル再生用の投稿ストア (PostStore)、およびプール索引を提供します。
package storage

import (
	"fmt"
	"log"

	"github.com/dgraph-io/badger/v4"
)

// DB は BadgerDB のラッパーです。
type DB struct {
	bdb *badger.DB
}

// Open は dir にあるデータベースを開きます。存在しない場合は作成されます。
// logger が nil の場合、badger のログは出力されません。
func Open(dir string, logger *log.Logger) (*DB, error) {
	opts := badger.DefaultOptions(dir).WithLogger(newBadgerLogger(logger))
	bdb, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("データベース '%s' を開けませんでした: %w", dir, err)
	}
	return &DB{bdb: bdb}, nil
}

// OpenInMemory はメモリ上のデータベースを開きます。主にテスト用です。
func OpenInMemory() (*DB, error) {
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	bdb, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("インメモリデータベースを開けませんでした: %w", err)
	}
	return &DB{bdb: bdb}, nil
}

// Close はデータベースを閉じます。
func (db *DB) Close() error {
	return db.bdb.Close()
}

// Sync は書き込み済みの内容をディスクに同期します。
func (db *DB) Sync() error {
	if err := db.bdb.Sync(); err != nil {
		return fmt.Errorf("データベースの同期に失敗しました: %w", err)
	}
	return nil
}

// View は読み取り専用トランザクションで fn を実行します。
func (db *DB) View(fn func(txn *badger.Txn) error) error {
	return db.bdb.View(fn)
}

// Update は読み書きトランザクションで fn を実行します。fn がエラーを返すと何も書き込まれません。
func (db *DB) Update(fn func(txn *badger.Txn) error) error {
	return db.bdb.Update(fn)
}

// badgerLogger は badger のログを *log.Logger に流します。INFO と DEBUG は捨てます。
type badgerLogger struct {
	l *log.Logger
}

func newBadgerLogger(l *log.Logger) badger.Logger {
	if l == nil {
		return nil
	}
	return badgerLogger{l: l}
}

func (b badgerLogger) Errorf(format string, args ...interface{}) {
	b.l.Printf("ERROR: [badger] "+format, args...)
}

func (b badgerLogger) Warningf(format string, args ...interface{}) {
	b.l.Printf("WARNING: [badger] "+format, args...)
}

func (b badgerLogger) Infof(string, ...interface{}) {}

func (b badgerLogger) Debugf(string, ...interface{}) {}
