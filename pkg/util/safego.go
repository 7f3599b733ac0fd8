// safego.go — goroutine 守护: panic 捕获 + 堆栈落日志, 进程不倒。
package util

import (
	"runtime/debug"

	"github.com/knowledge-agent/go-convsync/pkg/logger"
)

// SafeGo 在新 goroutine 中执行 fn, panic 被捕获并记录。
func SafeGo(fn func()) { SafeGoNamed("", fn) }

// SafeGoNamed 同 SafeGo, 日志额外带 goroutine 名便于定位长驻循环。
func SafeGoNamed(name string, fn func()) {
	go func() {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			args := []any{logger.FieldError, r, "stack", string(debug.Stack())}
			if name != "" {
				args = append(args, logger.FieldComponent, name)
			}
			logger.Error("goroutine panicked", args...)
		}()
		fn()
	}()
}
