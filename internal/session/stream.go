// stream.go — 单次流式会话的事件路由与终态收尾。
package session

import (
	"strings"
	"sync"

	"github.com/knowledge-agent/go-convsync/internal/convstate"
	"github.com/knowledge-agent/go-convsync/internal/transport"
	"github.com/knowledge-agent/go-convsync/pkg/logger"
)

// closeOutcome 终态参数。
type closeOutcome struct {
	status   string // 收尾后的 StreamStatus ("" = idle)
	errMsg   string // 非空 → 写入会话错误字段
	rollback bool   // 回滚乐观插入
}

// streamSession 实现 transport.EventSink。
// 一个会话一个实例, 从 SendMessage 注册到终态收尾为止。
type streamSession struct {
	ctl            *Controller
	conversationID string
	optimisticID   string
	coalescer      *convstate.Coalescer

	mu            sync.Mutex
	session       transport.Session
	eventCount    int
	stopRequested bool
	finalized     bool
}

// attach 挂上传输会话句柄。挂载前已有停止请求时立即中止。
func (s *streamSession) attach(sess transport.Session) {
	s.mu.Lock()
	s.session = sess
	stop := s.stopRequested
	s.mu.Unlock()
	if stop {
		sess.Abort()
	}
}

// requestStop 标记停止并中止传输会话 (若已挂载)。
func (s *streamSession) requestStop() {
	s.mu.Lock()
	s.stopRequested = true
	sess := s.session
	s.mu.Unlock()
	if sess != nil {
		sess.Abort()
	}
}

// OnEvent 逐帧路由。终态之后的尾随帧直接丢弃。
func (s *streamSession) OnEvent(ev convstate.WireEvent) {
	s.mu.Lock()
	if s.finalized {
		s.mu.Unlock()
		return
	}
	s.eventCount++
	first := s.eventCount == 1
	s.mu.Unlock()

	if first {
		s.ctl.mgr.MarkStreamActive(s.conversationID)
	}

	switch ev.Type {
	case "error":
		// 流中错误: 部分进度保留, 错误上屏, 会话收尾。
		s.finalize(closeOutcome{
			status: convstate.StreamError,
			errMsg: errorMessageFrom(ev.Data),
		})
		return

	case "text_start":
		s.ctl.mgr.BeginDraft(s.conversationID)
		s.coalescer.Reset()
		return

	case "text_delta":
		if nev, ok := convstate.NormalizeEvent(ev, 0); ok && nev.Content != "" {
			s.coalescer.Add(nev.Content)
		}
		return

	case "text_end":
		s.coalescer.Flush()
		var full string
		if nev, ok := convstate.NormalizeEvent(ev, 0); ok {
			full = nev.Content
		}
		s.ctl.mgr.EndDraft(s.conversationID, full)
		return
	}

	nev, ok := convstate.NormalizeEvent(ev, 0)
	if !ok {
		// 未知类型静默丢弃。
		return
	}

	// 乐观插入窗口内, 服务器回显的用户消息丢弃 (本地副本已在时间线上)。
	if nev.Kind == convstate.KindUserMessage && s.optimisticID != "" {
		return
	}

	stored, appended := s.ctl.mgr.AppendEvent(s.conversationID, nev)
	if appended {
		s.ctl.mirrorAppend(s.conversationID, stored)
	}

	if ev.Type == "complete" {
		// 服务器随后还会关连接, 但用户不必等那一下。
		s.finalize(closeOutcome{})
	}
}

// OnClose 传输层唯一终止回调。
func (s *streamSession) OnClose(reason transport.CloseReason) {
	s.mu.Lock()
	count := s.eventCount
	stopRequested := s.stopRequested
	s.mu.Unlock()

	o := closeOutcome{}
	// 零事件即挂断 → 平台从未接单, 撤回乐观插入。显式停止除外。
	o.rollback = count == 0 && !stopRequested
	if reason.Err != nil {
		o.status = convstate.StreamError
		o.errMsg = "transport closed: " + reason.Err.Error()
	}
	s.finalize(o)
}

// finalize 幂等收尾: 第一个到达的终态生效, 其余 no-op。
func (s *streamSession) finalize(o closeOutcome) {
	s.mu.Lock()
	if s.finalized {
		s.mu.Unlock()
		return
	}
	s.finalized = true
	count := s.eventCount
	optimisticID := s.optimisticID
	s.mu.Unlock()

	s.coalescer.Stop()

	if o.rollback && optimisticID != "" {
		if s.ctl.mgr.RemoveEvent(s.conversationID, optimisticID) {
			s.ctl.mirrorDelete(s.conversationID, optimisticID)
		}
	}
	if o.errMsg != "" {
		s.ctl.mgr.SetStreamError(s.conversationID, o.errMsg)
	}
	s.ctl.mgr.EndStream(s.conversationID, o.status)
	s.ctl.mgr.ReleaseSend(s.conversationID)
	s.ctl.removeSession(s.conversationID, s)

	status := o.status
	if status == "" {
		status = convstate.StreamIdle
	}
	logger.Infow("session: stream finished",
		logger.FieldConversationID, s.conversationID,
		logger.FieldStatus, status,
		logger.FieldCount, count,
		"rolled_back", o.rollback)
}

// errorMessageFrom 从 error 帧提取人类可读消息。
func errorMessageFrom(data map[string]any) string {
	for _, key := range []string{"message", "error", "detail", "content"} {
		switch v := data[key].(type) {
		case string:
			if trimmed := strings.TrimSpace(v); trimmed != "" {
				return trimmed
			}
		case map[string]any:
			if msg, ok := v["message"].(string); ok && strings.TrimSpace(msg) != "" {
				return strings.TrimSpace(msg)
			}
		}
	}
	return "stream error"
}
