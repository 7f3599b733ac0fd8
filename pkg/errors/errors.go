// Package errors 定义全仓统一的错误体系。
//
// 两层结构:
//   - 哨兵错误: 用 errors.Is 判定类别 (ErrNotFound / ErrConflict / ...)
//   - AppError: 携带操作名与错误码的应用级错误, 供 API 映射和日志聚合
package errors

import (
	"errors"
	"fmt"
)

// ========================================
// L1 — 哨兵错误
// ========================================

var (
	// ErrNotFound 目标资源不存在
	ErrNotFound = errors.New("not found")

	// ErrRowMissing 数据库查询没返回预期的行
	ErrRowMissing = errors.New("row missing")

	// ErrInvalidInput 参数校验不过
	ErrInvalidInput = errors.New("invalid input")

	// ErrConflict 同一会话已有发送在途 (per-key 互斥)
	ErrConflict = errors.New("send already in flight")

	// ErrStreamClosed 流会话已终止, 不再收事件
	ErrStreamClosed = errors.New("stream closed")

	// ErrUnavailable 流式传输层不可达或拒绝建立会话
	ErrUnavailable = errors.New("transport unavailable")

	// ErrTimeout 等待超时
	ErrTimeout = errors.New("timeout")

	// ErrInternal 兜底内部错误
	ErrInternal = errors.New("internal error")
)

// ========================================
// 错误码, API 映射与日志聚合共用
// ========================================

const (
	CodeConflict    = "CONFLICT"
	CodeNotFound    = "NOT_FOUND"
	CodeUnavailable = "UNAVAILABLE"
	CodeValidation  = "VALIDATION"
	CodeInternal    = "INTERNAL"
)

// ========================================
// L2 — AppError 应用级错误
// ========================================

// AppError 应用级错误, 带操作上下文。
type AppError struct {
	Op      string // 出错的操作, 如 "Session.SendMessage"
	Code    string // 错误码, 如 "CONFLICT"; 为空时由 CodeOf 按哨兵推断
	Message string // 人类可读描述
	Err     error  // 底层原因
}

func (e *AppError) Error() string {
	if e.Err == nil {
		return e.Op + ": " + e.Message
	}
	return e.Op + ": " + e.Message + ": " + e.Err.Error()
}

// Unwrap 让 errors.Is / errors.As 能沿链查找。
func (e *AppError) Unwrap() error { return e.Err }

// ========================================
// 构造与包装
// ========================================

// New 创建不带原因链的应用错误。
func New(op, message string) error {
	return &AppError{Op: op, Message: message}
}

// Newf 同 New, 消息走 printf 格式化。
func Newf(op, format string, args ...any) error {
	return New(op, fmt.Sprintf(format, args...))
}

// Wrap 给底层错误套上操作上下文。
func Wrap(err error, op, message string) error {
	return &AppError{Op: op, Message: message, Err: err}
}

// Wrapf 同 Wrap, 消息走 printf 格式化。
func Wrapf(err error, op, format string, args ...any) error {
	return Wrap(err, op, fmt.Sprintf(format, args...))
}

// sentinelCodes 哨兵 → 错误码映射, CodeOf 按序匹配。
var sentinelCodes = []struct {
	err  error
	code string
}{
	{ErrConflict, CodeConflict},
	{ErrNotFound, CodeNotFound},
	{ErrRowMissing, CodeNotFound},
	{ErrUnavailable, CodeUnavailable},
	{ErrInvalidInput, CodeValidation},
}

// CodeOf 提取错误码: 链上 AppError 显式 Code 优先, 其次按哨兵推断,
// 都不中则归为 INTERNAL。
func CodeOf(err error) string {
	var app *AppError
	if errors.As(err, &app) && app.Code != "" {
		return app.Code
	}
	for _, m := range sentinelCodes {
		if errors.Is(err, m.err) {
			return m.code
		}
	}
	return CodeInternal
}
