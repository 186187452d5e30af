package rule

import "sync/atomic"

// Countdown は保存先の残りダウンロード可能数です。負の値は無制限を表します。
//
// 投入時に楽観的に減らし、失敗が確定したら Restore で戻します。
// 並行して失敗が重なると、一時的に上限を超えて投入されることがあります。
type Countdown struct {
	n atomic.Int64
}

// NewCountdown は n 件までのカウントダウンを作ります。n < 0 は無制限です。
func NewCountdown(n int) *Countdown {
	c := &Countdown{}
	if n < 0 {
		n = -1
	}
	c.n.Store(int64(n))
	return c
}

// Unbounded は無制限かどうかを返します。
func (c *Countdown) Unbounded() bool {
	return c.n.Load() < 0
}

// Remaining は残数を返します。無制限の場合は -1 です。
func (c *Countdown) Remaining() int64 {
	return c.n.Load()
}

// HasRemaining はまだ投入できるかどうかを返します。
func (c *Countdown) HasRemaining() bool {
	return c.n.Load() != 0
}

// TryTake は1件分を確保します。残数がなければ false を返します。
func (c *Countdown) TryTake() bool {
	for {
		cur := c.n.Load()
		if cur < 0 {
			return true
		}
		if cur == 0 {
			return false
		}
		if c.n.CompareAndSwap(cur, cur-1) {
			return true
		}
	}
}

// Restore は TryTake で確保した1件分を戻します。
func (c *Countdown) Restore() {
	for {
		cur := c.n.Load()
		if cur < 0 {
			return
		}
		if c.n.CompareAndSwap(cur, cur+1) {
			return
		}
	}
}
