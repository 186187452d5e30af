// Package core は、インデックスのページング、保存先ごとの振り分け、
// ダウンロードの実行と状態の永続化を組み合わせたアーカイブ処理の中核です。
package core

import (
	"fmt"
	"sync/atomic"
	"time"
)

// RunState は1回の実行の進行状態を表すenumです。
type RunState int

const (
	StateInitializing RunState = iota // 初期化中
	StateRecovering                   // 途中ファイルの再開中
	StateIndexing                     // 既存ファイルの索引付け中
	StateRunning                      // 実行中
	StatePruning                      // 古いファイルの削除中
	StateFinished                     // 完了
	StateAborted                      // 中断
)

// String は RunState を人間可読な文字列に変換します。
func (s RunState) String() string {
	switch s {
	case StateInitializing:
		return "初期化中"
	case StateRecovering:
		return "途中ファイル再開中"
	case StateIndexing:
		return "索引付け中"
	case StateRunning:
		return "実行中"
	case StatePruning:
		return "整理中"
	case StateFinished:
		return "完了"
	case StateAborted:
		return "中断"
	default:
		return "不明"
	}
}

// SessionStats はセッション統計情報を管理します。すべてのカウンタは並行に更新できます。
type SessionStats struct {
	StartTime time.Time // 起動時刻

	Posts        atomic.Int64 // 取得した投稿数
	Filtered     atomic.Int64 // 条件に一致した投稿数
	Downloaded   atomic.Int64 // ダウンロードしたファイル数
	Copied       atomic.Int64 // 他の場所からコピー（リンク）したファイル数
	AlreadyExist atomic.Int64 // 既に存在したファイル数
	NotFound     atomic.Int64 // リモートで見つからなかったファイル数
	BytesWritten atomic.Int64 // 合計ダウンロードサイズ（バイト）
}

// NewSessionStats は現在時刻を起点に統計を作ります。
func NewSessionStats() *SessionStats {
	return &SessionStats{StartTime: time.Now()}
}

// FormatSessionInfo はセッション統計情報を文字列にフォーマットします。
// retries にはネットワーククライアントのリトライ回数を渡します。
func (s *SessionStats) FormatSessionInfo(retries int64) string {
	uptime := time.Since(s.StartTime)
	hours := int(uptime.Hours())
	minutes := int(uptime.Minutes()) % 60

	// サイズをMB単位に変換
	sizeMB := float64(s.BytesWritten.Load()) / (1024 * 1024)

	return fmt.Sprintf("経過: %dh%dm | 投稿: %d | 一致: %d | DL: %d | コピー: %d | 既存: %d | 欠損: %d | リトライ: %d | %.1fMB",
		hours, minutes, s.Posts.Load(), s.Filtered.Load(), s.Downloaded.Load(), s.Copied.Load(),
		s.AlreadyExist.Load(), s.NotFound.Load(), retries, sizeMB)
}
