// sse.go — 内部总线到 SSE 的桥接。
package api

import (
	"io"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/knowledge-agent/go-convsync/internal/bus"
	"github.com/knowledge-agent/go-convsync/pkg/logger"
)

// sseHandler 把总线上的状态变更推给 SSE 客户端。
//
// ?conversation_id=c1 只订阅该会话 (topic 前缀 conv.c1), 缺省订阅
// 全部。空闲期间按 keepalive 间隔发 ping 事件, 帮助代理识别活连接。
func (s *Server) sseHandler(c *gin.Context) {
	filter := bus.TopicAll
	if convID := c.Query("conversation_id"); convID != "" {
		filter = bus.TopicConvPrefix + convID
	}

	clientID := "sse-" + uuid.NewString()
	sub := s.bus.Subscribe(clientID, filter)
	defer func() {
		s.bus.Unsubscribe(clientID)
		logger.Info("api: SSE client disconnected", logger.FieldSubscriber, clientID)
	}()

	logger.Info("api: SSE client connected",
		logger.FieldSubscriber, clientID,
		logger.FieldTopic, filter)

	c.Stream(func(w io.Writer) bool {
		keepalive := time.NewTimer(s.keepalive)
		defer keepalive.Stop()

		select {
		case msg, ok := <-sub.Ch:
			if !ok {
				// 总线侧注销 (如服务关闭)
				return false
			}
			c.SSEvent(msg.Type, msg)
			return true
		case <-keepalive.C:
			c.SSEvent("ping", "keepalive")
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}
