// ws.go — gorilla/websocket 流式会话实现。
package transport

import (
	"context"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"

	"github.com/knowledge-agent/go-convsync/internal/convstate"
	apperrors "github.com/knowledge-agent/go-convsync/pkg/errors"
	"github.com/knowledge-agent/go-convsync/pkg/logger"
	"github.com/knowledge-agent/go-convsync/pkg/util"
)

// ========================================
// 常量
// ========================================

const (
	defaultDialTimeout  = 10 * time.Second
	defaultWriteTimeout = 10 * time.Second

	// readIdleTimeout 读侧空闲上限。平台在长工具执行期间也会发心跳帧,
	// 超过该时长无任何帧视为连接已死。
	readIdleTimeout = 90 * time.Second

	pingInterval     = 30 * time.Second
	controlWriteWait = time.Second

	// maxLoggedFrame 告警日志中原始帧的截断长度。
	maxLoggedFrame = 200
)

// outboundFrame 出站帧, 与入站 WireEvent 同构 ({type, data})。
type outboundFrame struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

// ========================================
// WSTransport
// ========================================

// WSTransport 通过平台 WebSocket 端点建立流式会话。
type WSTransport struct {
	url          string
	dialTimeout  time.Duration
	writeTimeout time.Duration
}

// NewWSTransport 创建 WebSocket 传输层。超时参数非正时取默认值。
func NewWSTransport(url string, dialTimeout, writeTimeout time.Duration) *WSTransport {
	if dialTimeout <= 0 {
		dialTimeout = defaultDialTimeout
	}
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	return &WSTransport{
		url:          url,
		dialTimeout:  dialTimeout,
		writeTimeout: writeTimeout,
	}
}

// OpenSession 拨号、发送首帧并启动读循环。
//
// 返回错误时不会产生任何 sink 回调; 返回成功后 OnClose 恰好一次。
// 传入的 ctx 取消等价于调用 Abort。
func (t *WSTransport) OpenSession(ctx context.Context, req SessionRequest, sink EventSink) (Session, error) {
	const op = "WSTransport.OpenSession"

	if sink == nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalidInput, op, "nil sink")
	}
	convID := strings.TrimSpace(req.ConversationID)
	if convID == "" {
		return nil, apperrors.Wrap(apperrors.ErrInvalidInput, op, "empty conversation id")
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: t.dialTimeout,
		NetDialContext:   (&net.Dialer{Timeout: t.dialTimeout}).DialContext,
	}
	conn, _, err := dialer.DialContext(ctx, t.url, nil)
	if err != nil {
		return nil, &apperrors.AppError{
			Op:      op,
			Code:    apperrors.CodeUnavailable,
			Message: "dial " + t.url,
			Err:     err,
		}
	}

	sessCtx, cancel := context.WithCancel(ctx)
	s := &wsSession{
		conversationID: convID,
		conn:           conn,
		sink:           sink,
		cancel:         cancel,
		writeTimeout:   t.writeTimeout,
	}

	// 对端 pong 刷新读截止时间, 与每帧读取后的刷新互为兜底。
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readIdleTimeout))
	})

	first := outboundFrame{
		Type: "send",
		Data: map[string]any{
			"conversation_id": convID,
			"project_id":      req.ProjectID,
			"content":         req.Content,
		},
	}
	if err := s.writeJSON(first); err != nil {
		cancel()
		_ = conn.Close()
		return nil, &apperrors.AppError{
			Op:      op,
			Code:    apperrors.CodeUnavailable,
			Message: "write send frame",
			Err:     err,
		}
	}

	util.SafeGoNamed("ws-read", func() { s.readLoop() })
	util.SafeGoNamed("ws-ping", func() { s.pingLoop(sessCtx) })
	util.SafeGoNamed("ws-ctx-watch", func() { s.watchContext(sessCtx) })

	logger.Debug("transport: session opened",
		logger.FieldConversationID, convID,
		logger.FieldURL, t.url)
	return s, nil
}

// ========================================
// wsSession
// ========================================

// wsSession 单次会话的连接状态。
type wsSession struct {
	conversationID string
	conn           *websocket.Conn
	sink           EventSink
	cancel         context.CancelFunc

	writeMu      sync.Mutex
	writeTimeout time.Duration

	aborted   atomic.Bool
	finished  atomic.Bool
	closeOnce sync.Once
}

// Abort 主动中止: 挥手控制帧 + 关闭连接。幂等。
func (s *wsSession) Abort() {
	if s.aborted.Swap(true) {
		return
	}
	// 尽力挥手; 连接可能已不可写, 失败可忽略。
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client abort")
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(controlWriteWait))
	_ = s.conn.Close()
	s.cancel()
}

// writeJSON 序列化并写出一帧。写操作串行化, 每次写设置截止时间。
func (s *wsSession) writeJSON(v any) error {
	payload, err := sonic.Marshal(v)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

// readLoop 持续读帧并回调 sink, 直到连接终止。
func (s *wsSession) readLoop() {
	for {
		_ = s.conn.SetReadDeadline(time.Now().Add(readIdleTimeout))
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			s.finish(s.classifyReadError(err))
			return
		}

		var ev convstate.WireEvent
		if err := sonic.Unmarshal(payload, &ev); err != nil {
			logger.Warn("transport: malformed frame, skipping",
				logger.FieldConversationID, s.conversationID,
				logger.FieldError, err,
				"frame", truncateFrame(payload))
			continue
		}
		if ev.Type == "" {
			logger.Warn("transport: frame without type, skipping",
				logger.FieldConversationID, s.conversationID,
				"frame", truncateFrame(payload))
			continue
		}

		s.sink.OnEvent(ev)
	}
}

// pingLoop 周期性发送 ping 维持空闲连接。WriteControl 可与其他写并发。
func (s *wsSession) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(controlWriteWait)); err != nil {
				return
			}
		}
	}
}

// watchContext 把上层 context 取消翻译成 Abort。
func (s *wsSession) watchContext(ctx context.Context) {
	<-ctx.Done()
	if s.finished.Load() || s.aborted.Load() {
		return
	}
	s.Abort()
}

// finish 终止会话并投递唯一一次 OnClose。
func (s *wsSession) finish(reason CloseReason) {
	s.closeOnce.Do(func() {
		s.finished.Store(true)
		s.cancel()
		_ = s.conn.Close()

		if reason.Err != nil {
			logger.Warn("transport: session closed with error",
				logger.FieldConversationID, s.conversationID,
				logger.FieldError, reason.Err)
		} else {
			logger.Debug("transport: session closed",
				logger.FieldConversationID, s.conversationID,
				"aborted", reason.Aborted)
		}

		s.sink.OnClose(reason)
	})
}

// classifyReadError 把读循环错误归类为终止原因。
func (s *wsSession) classifyReadError(err error) CloseReason {
	if s.aborted.Load() {
		return CloseReason{Aborted: true}
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return CloseReason{}
	}
	return CloseReason{Err: err}
}

// truncateFrame 截断原始帧用于日志。
func truncateFrame(payload []byte) string {
	if len(payload) <= maxLoggedFrame {
		return string(payload)
	}
	return string(payload[:maxLoggedFrame]) + "...(truncated)"
}
