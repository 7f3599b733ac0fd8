// Package transport 定义面向平台的流式会话抽象。
//
// 一次 OpenSession 对应一条消息的完整流式往返: 建立连接、发送首帧、
// 持续回推事件、最终恰好一次 OnClose。调用方通过 Session.Abort 或
// 取消传入的 context 主动终止。
package transport

import (
	"context"

	"github.com/knowledge-agent/go-convsync/internal/convstate"
)

// SessionRequest 发起流式会话的参数。
type SessionRequest struct {
	ConversationID string
	ProjectID      string
	Content        string
}

// CloseReason 会话终止原因。三种互斥形态:
//   - 零值: 对端正常收尾 (流自然结束)
//   - Aborted: 本端主动中止 (Abort 调用或 context 取消)
//   - Err 非 nil: 连接异常或读超时
type CloseReason struct {
	Err     error
	Aborted bool
}

// EventSink 接收会话内事件回调。
//
// OnEvent 按接收顺序逐帧调用; OnClose 每会话恰好一次, 且是最后一次
// 回调。实现方不应在回调内做长时间阻塞, 否则会拖慢读循环。
type EventSink interface {
	OnEvent(ev convstate.WireEvent)
	OnClose(reason CloseReason)
}

// Session 一次进行中的流式会话句柄。
type Session interface {
	// Abort 主动中止会话。幂等; 终止原因为 Aborted。
	Abort()
}

// Transport 建立流式会话。
type Transport interface {
	OpenSession(ctx context.Context, req SessionRequest, sink EventSink) (Session, error)
}
