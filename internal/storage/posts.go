package storage

import (
	"encoding/json"
	"fmt"

	"GoBooruArchiver/internal/model"
)

// PostStore はリモートから取得した投稿を保存し、オフラインで再生できるようにします。
// 投稿はIDの昇順のキーで保存され、新しいものから順に読み出されます。
type PostStore struct {
	db *DB
}

// NewPostStore は db 上に投稿ストアを作ります。
func NewPostStore(db *DB) *PostStore {
	return &PostStore{db: db}
}

// Append は投稿を保存します。同じIDの投稿は上書きされます。
func (s *PostStore) Append(posts []*model.Post) error {
	if len(posts) == 0 {
		return nil
	}
	wb := s.db.bdb.NewWriteBatch()
	defer wb.Cancel()

	for _, p := range posts {
		data, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("投稿 %d のエンコードに失敗しました: %w", p.ID, err)
		}
		if err := wb.Set(keyStoredPost(p.ID), data); err != nil {
			return fmt.Errorf("投稿 %d の保存に失敗しました: %w", p.ID, err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("投稿の保存に失敗しました (%d 件): %w", len(posts), err)
	}
	return nil
}

// Page は beforeID より小さいIDの投稿を、新しい順に最大 limit 件返します。
func (s *PostStore) Page(beforeID int64, limit int) ([]*model.Post, error) {
	if beforeID <= 1 {
		return nil, nil
	}
	var posts []*model.Post
	opts := IteratorOptions{
		Prefix:  []byte(prefixStoredPost),
		Seek:    keyStoredPost(beforeID - 1),
		Limit:   limit,
		Reverse: true,
	}
	err := s.db.IterateKeyValues(opts, func(key, value []byte) error {
		var p model.Post
		if err := json.Unmarshal(value, &p); err != nil {
			return fmt.Errorf("保存済み投稿 %d のデコードに失敗しました: %w", decodeID(key[len(prefixStoredPost):]), err)
		}
		posts = append(posts, &p)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return posts, nil
}

// Get は投稿を1件返します。見つからない場合は nil を返します。
func (s *PostStore) Get(id int64) (*model.Post, error) {
	posts, err := s.Page(id+1, 1)
	if err != nil || len(posts) == 0 || posts[0].ID != id {
		return nil, err
	}
	return posts[0], nil
}

// Len は保存済みの投稿数を返します。
func (s *PostStore) Len() (int, error) {
	return s.db.CountByPrefix([]byte(prefixStoredPost))
}
