package storage

import (
	"github.com/dgraph-io/badger/v4"
)

// IteratorOptions はキーの走査方法を指定します。
type IteratorOptions struct {
	// Prefix はこの接頭辞を持つキーだけを走査します。
	Prefix []byte
	// Seek は走査の開始位置です。Reverse の場合はこのキー以下の最大のキーから始まります。
	Seek []byte
	// Limit は返す件数の上限です (0 = 無制限)。
	Limit int
	// Reverse は降順に走査します。
	Reverse bool
	// KeysOnly は値を読みません。
	KeysOnly bool
}

// IterateKeyValues は条件に一致するキーと値の組ごとに fn を呼び出します。
// fn がエラーを返すと走査を中止し、そのエラーを返します。
func (db *DB) IterateKeyValues(opts IteratorOptions, fn func(key, value []byte) error) error {
	return db.View(func(txn *badger.Txn) error {
		return iterate(txn, opts, fn)
	})
}

// IterateKeys は条件に一致するキーごとに fn を呼び出します。
func (db *DB) IterateKeys(opts IteratorOptions, fn func(key []byte) error) error {
	opts.KeysOnly = true
	return db.IterateKeyValues(opts, func(key, _ []byte) error {
		return fn(key)
	})
}

// CountByPrefix は接頭辞を持つキーの数を返します。
func (db *DB) CountByPrefix(prefix []byte) (int, error) {
	count := 0
	err := db.IterateKeys(IteratorOptions{Prefix: prefix}, func([]byte) error {
		count++
		return nil
	})
	return count, err
}

func iterate(txn *badger.Txn, opts IteratorOptions, fn func(key, value []byte) error) error {
	badgerOpts := badger.DefaultIteratorOptions
	badgerOpts.Prefix = opts.Prefix
	badgerOpts.Reverse = opts.Reverse
	badgerOpts.PrefetchValues = !opts.KeysOnly

	it := txn.NewIterator(badgerOpts)
	defer it.Close()

	if opts.Seek != nil {
		it.Seek(opts.Seek)
	} else if opts.Reverse {
		// 降順の場合、接頭辞の直後から探す
		it.Seek(append(append([]byte(nil), opts.Prefix...), 0xFF))
	} else {
		it.Rewind()
	}

	count := 0
	for ; it.Valid(); it.Next() {
		if opts.Limit > 0 && count >= opts.Limit {
			break
		}

		item := it.Item()
		key := item.KeyCopy(nil)

		var value []byte
		if !opts.KeysOnly {
			v, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			value = v
		}
		if err := fn(key, value); err != nil {
			return err
		}
		count++
	}
	return nil
}
