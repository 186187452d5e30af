//go:build !windows

package core

// installCloseHandler は何もしません。端末を閉じる操作は SIGHUP として届きます。
func installCloseHandler(*Terminator) {}
