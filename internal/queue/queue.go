// Package queue は、インデックス生成側（プロデューサ）とダウンロード側
// （オーケストレータ）をつなぐ、上限付きで永続化されるFIFOキューを提供します。
//
// キューはページングカーソル、完了/中断フラグ、走査済みの保存先集合、
// 設定のフィンガープリントを合わせて保持し、Save/Load で原子的に
// スナップショットされます。
package queue

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"sync"

	"GoBooruArchiver/internal/atomicfile"
	"GoBooruArchiver/internal/model"
)

// StartCursor は「最新の投稿から開始する」ことを表すカーソルの番兵値です。
// 64bit環境でもリモートAPIが受け付ける値に収まるよう int32 の最大値を使います。
const StartCursor int64 = 0x7FFFFFFF

// Status は Front/PopFront/Wait の結果を表します。
type Status int

const (
	// Ready はアイテムが取り出せる状態です。
	Ready Status = iota
	// Empty は一時的に空の状態です。プロデューサがまだ動いています。
	Empty
	// Done は空で、プロデューサが完了または中断した状態です。これ以上アイテムは来ません。
	Done
)

// String は Status を人間可読な文字列に変換します。
func (s Status) String() string {
	switch s {
	case Ready:
		return "ready"
	case Empty:
		return "empty"
	case Done:
		return "done"
	default:
		return "unknown"
	}
}

// snapshot はディスクに保存される状態です。
type snapshot struct {
	LastID     int64            `json:"last_id"`
	Completed  bool             `json:"completed"`
	Aborted    bool             `json:"aborted"`
	Pending    []model.WorkItem `json:"pending"`
	Drained    []string         `json:"drained"`
	ConfigHash string           `json:"config_hash"`
}

// Queue は上限付きの永続化ワークキューです。すべてのメソッドは並行に呼び出せます。
type Queue struct {
	path string

	mu         sync.Mutex
	cond       *sync.Cond
	items      []model.WorkItem
	lastID     int64
	completed  bool
	aborted    bool
	drained    map[string]struct{}
	configHash string
}

// New は path に保存される空のキューを作成します。ディスクは読みません。
func New(path string) *Queue {
	q := &Queue{path: path}
	q.cond = sync.NewCond(&q.mu)
	q.resetLocked()
	return q
}

// Open は path からキューを読み込みます。ファイルが存在しない場合は空のキューを返します。
func Open(path string) (*Queue, error) {
	q := New(path)
	if err := q.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	return q, nil
}

// Load はスナップショットを読み込みます。
// 前回の実行が完了していた場合は、フィンガープリントのみを残して状態をリセットします。
// 中断フラグは読み込み時に必ず解除されます。
func (q *Queue) Load() error {
	var snap snapshot
	if err := atomicfile.ReadJSON(q.path, &snap); err != nil {
		return fmt.Errorf("キュー状態の読み込みに失敗しました: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.resetLocked()
	q.configHash = snap.ConfigHash
	if snap.Completed {
		return nil
	}
	q.items = snap.Pending
	q.lastID = snap.LastID
	if q.lastID <= 0 {
		q.lastID = StartCursor
	}
	for _, key := range snap.Drained {
		q.drained[key] = struct{}{}
	}
	return nil
}

// Save は現在の状態を原子的に保存します。
func (q *Queue) Save() error {
	q.mu.Lock()
	snap := snapshot{
		LastID:     q.lastID,
		Completed:  q.completed,
		Aborted:    q.aborted,
		Pending:    append([]model.WorkItem(nil), q.items...),
		Drained:    make([]string, 0, len(q.drained)),
		ConfigHash: q.configHash,
	}
	for key := range q.drained {
		snap.Drained = append(snap.Drained, key)
	}
	q.mu.Unlock()

	sort.Strings(snap.Drained)
	if err := atomicfile.WriteJSON(q.path, snap); err != nil {
		return fmt.Errorf("キュー状態の保存に失敗しました: %w", err)
	}
	return nil
}

// Append はキューの長さが maxDepth 未満になるまで待ってから item を末尾に追加します。
// 満杯のときにアイテムを捨てたり上書きしたりはしません。ctx がキャンセルされると ctx.Err() を返します。
func (q *Queue) Append(ctx context.Context, item model.WorkItem, maxDepth int) error {
	if maxDepth < 1 {
		maxDepth = 1
	}

	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) >= maxDepth {
		if err := ctx.Err(); err != nil {
			return err
		}
		q.cond.Wait()
	}
	q.items = append(q.items, item)
	q.cond.Broadcast()
	return nil
}

// Front は先頭のアイテムを取り除かずに返します。
func (q *Queue) Front() (model.WorkItem, Status) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return model.WorkItem{}, q.emptyStatusLocked()
	}
	return q.items[0], Ready
}

// PopFront は先頭のアイテムを取り除いて返します。
func (q *Queue) PopFront() (model.WorkItem, Status) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return model.WorkItem{}, q.emptyStatusLocked()
	}
	item := q.items[0]
	q.items[0] = model.WorkItem{}
	q.items = q.items[1:]
	q.cond.Broadcast()
	return item, Ready
}

// Wait はアイテムが届くか、キューが Done になるまで待ちます。
func (q *Queue) Wait(ctx context.Context) (Status, error) {
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 {
		if st := q.emptyStatusLocked(); st == Done {
			return Done, nil
		}
		if err := ctx.Err(); err != nil {
			return Empty, err
		}
		q.cond.Wait()
	}
	return Ready, nil
}

// Len は現在のキュー長を返します。
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// LastID はページングカーソルを返します。
func (q *Queue) LastID() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lastID
}

// SetLastID はページングカーソルを進めます。
func (q *Queue) SetLastID(id int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.lastID = id
}

// MarkDrained は保存先 key を走査済みにし、次の保存先のためにカーソルを番兵値へ戻します。
func (q *Queue) MarkDrained(key string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.drained[key] = struct{}{}
	q.lastID = StartCursor
}

// IsDrained は保存先 key が走査済みかどうかを返します。
func (q *Queue) IsDrained(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.drained[key]
	return ok
}

// SetCompleted はすべての保存先の走査が終わったことを記録します。
func (q *Queue) SetCompleted() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.completed = true
	q.cond.Broadcast()
}

// Completed は完了フラグを返します。
func (q *Queue) Completed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.completed
}

// SetAborted はプロデューサが回復不能なエラーで停止したことを記録します。
func (q *Queue) SetAborted() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.aborted = true
	q.cond.Broadcast()
}

// Aborted は中断フラグを返します。
func (q *Queue) Aborted() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.aborted
}

// ConfigHash は保存されているフィンガープリントを返します。
func (q *Queue) ConfigHash() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.configHash
}

// CheckFingerprint は fp が保存済みのものと異なる場合に全状態をリセットし、fp を記録します。
// 未完了の進捗を破棄した場合に true を返します。
func (q *Queue) CheckFingerprint(fp string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.configHash == fp {
		return false
	}
	discarded := len(q.items) > 0 || len(q.drained) > 0 || q.lastID != StartCursor
	q.resetLocked()
	q.configHash = fp
	return discarded
}

// Fresh は再開すべき進捗が何もないかどうかを返します。
func (q *Queue) Fresh() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) == 0 && len(q.drained) == 0 && q.lastID == StartCursor && !q.completed
}

// Reset はフィンガープリント以外の状態をすべて消去します。
func (q *Queue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.resetLocked()
}

func (q *Queue) resetLocked() {
	q.items = nil
	q.lastID = StartCursor
	q.completed = false
	q.aborted = false
	q.drained = make(map[string]struct{})
	if q.cond != nil {
		q.cond.Broadcast()
	}
}

func (q *Queue) emptyStatusLocked() Status {
	if q.completed || q.aborted {
		return Done
	}
	return Empty
}
