package core

import (
	"context"
	"sync"
)

// ActiveSet は転送中の投稿IDの集合です。
// 同時に保持できるIDの数は max までで、同じIDを2つのタスクが同時に保持することはありません。
type ActiveSet struct {
	mu     sync.Mutex
	cond   *sync.Cond
	max    int
	active map[int64]struct{}
}

// NewActiveSet は最大 max 件の転送を許す集合を作ります。
func NewActiveSet(max int) *ActiveSet {
	if max < 1 {
		max = 1
	}
	s := &ActiveSet{max: max, active: make(map[int64]struct{})}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Acquire は空きがあり、かつ id が他のタスクに保持されていない状態になるまで待ってから id を保持します。
// ctx がキャンセルされた場合は何も保持せずに ctx.Err() を返します。
func (s *ActiveSet) Acquire(ctx context.Context, id int64) error {
	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	defer stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, busy := s.active[id]
		if !busy && len(s.active) < s.max {
			break
		}
		s.cond.Wait()
	}
	s.active[id] = struct{}{}
	return nil
}

// Release は id を解放します。
func (s *ActiveSet) Release(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, id)
	s.cond.Broadcast()
}

// Len は現在保持されているIDの数を返します。
func (s *ActiveSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}
