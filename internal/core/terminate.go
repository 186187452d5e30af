package core

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// FatalError は状態を保存したうえでプロセスを終了すべきエラーです。
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("致命的なエラー (%s): %v", e.Op, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// Terminator は、通常終了・致命的エラー・シグナルのいずれの経路でも
// 登録された状態を保存してから終了するための仕組みです。
type Terminator struct {
	mu       sync.Mutex
	flushers []flusher
	nextID   int

	exitOnce sync.Once
	exit     func(code int)
	logger   *log.Logger

	sigCh chan os.Signal
}

type flusher struct {
	id   int
	name string
	fn   func() error
}

// NewTerminator は os.Exit で終了する Terminator を作ります。
func NewTerminator(logger *log.Logger) *Terminator {
	return &Terminator{exit: os.Exit, logger: logger}
}

// SetExitFunc は終了処理を差し替えます。テスト用です。
func (t *Terminator) SetExitFunc(exit func(code int)) {
	t.exit = exit
}

// Register は終了時に呼び出す保存処理を登録し、登録を解除する関数を返します。
func (t *Terminator) Register(name string, fn func() error) (unregister func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	id := t.nextID
	t.flushers = append(t.flushers, flusher{id: id, name: name, fn: fn})
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		for i, f := range t.flushers {
			if f.id == id {
				t.flushers = append(t.flushers[:i], t.flushers[i+1:]...)
				return
			}
		}
	}
}

// Flush は登録されたすべての保存処理を登録順に呼び出します。
// 失敗した処理があっても残りは実行し、最初のエラーを返します。
func (t *Terminator) Flush() error {
	t.mu.Lock()
	list := append([]flusher(nil), t.flushers...)
	t.mu.Unlock()

	var first error
	for _, f := range list {
		if err := f.fn(); err != nil {
			t.logger.Printf("ERROR: 終了時の保存に失敗しました (%s): %v", f.name, err)
			if first == nil {
				first = err
			}
		}
	}
	return first
}

// Fatal はエラーを報告し、状態を保存してから終了コード1でプロセスを終了します。
func (t *Terminator) Fatal(err error) {
	t.terminate(1, func() {
		t.logger.Printf("FATAL: %v", err)
	})
}

func (t *Terminator) terminate(code int, report func()) {
	t.exitOnce.Do(func() {
		report()
		t.Flush()
		t.exit(code)
	})
}

// Install は割り込み・終了シグナルを受け取ったときに状態を保存して終了するハンドラを登録します。
// シグナルを受けられない環境向けの通知フックも合わせて登録します。
func (t *Terminator) Install() {
	t.sigCh = make(chan os.Signal, 1)
	signal.Notify(t.sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	go func() {
		sig, ok := <-t.sigCh
		if !ok {
			return
		}
		t.terminate(130, func() {
			t.logger.Printf("INFO: シグナル %v を受信しました。状態を保存して終了します。", sig)
		})
	}()
	installCloseHandler(t)
}

// Stop はシグナルハンドラを解除します。
func (t *Terminator) Stop() {
	if t.sigCh == nil {
		return
	}
	signal.Stop(t.sigCh)
	close(t.sigCh)
	t.sigCh = nil
}

// onClose はコンソールが閉じられるときに呼び出されます。
func (t *Terminator) onClose() {
	t.terminate(1, func() {
		t.logger.Println("INFO: コンソールが閉じられます。状態を保存して終了します。")
	})
}
