//go:build windows

package core

import (
	"sync"
	"syscall"
)

const (
	ctrlCloseEvent    = 2
	ctrlLogoffEvent   = 5
	ctrlShutdownEvent = 6
)

var (
	closeHandlerMu sync.Mutex
	closeTarget    *Terminator
	closeCallback  uintptr
)

// installCloseHandler は、コンソールウィンドウが閉じられたときに状態を保存するハンドラを登録します。
func installCloseHandler(t *Terminator) {
	closeHandlerMu.Lock()
	defer closeHandlerMu.Unlock()
	closeTarget = t
	if closeCallback != 0 {
		return
	}

	closeCallback = syscall.NewCallback(func(ctrlType uint32) uintptr {
		switch ctrlType {
		case ctrlCloseEvent, ctrlLogoffEvent, ctrlShutdownEvent:
			closeHandlerMu.Lock()
			target := closeTarget
			closeHandlerMu.Unlock()
			if target != nil {
				target.onClose()
			}
			return 1
		}
		return 0
	})
	setConsoleCtrlHandler := syscall.NewLazyDLL("kernel32.dll").NewProc("SetConsoleCtrlHandler")
	setConsoleCtrlHandler.Call(closeCallback, 1)
}
