// Package api 提供会话同步服务的 HTTP 外沿 (REST + SSE)。
package api

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/knowledge-agent/go-convsync/internal/bus"
	"github.com/knowledge-agent/go-convsync/internal/convstate"
	"github.com/knowledge-agent/go-convsync/internal/store"
)

// SessionControl 流式会话控制器的 api 侧视图 (session.Controller 满足)。
type SessionControl interface {
	SendMessage(ctx context.Context, conversationID, projectID, text string) error
	StopStream(conversationID string) bool
	SetActive(ctx context.Context, conversationID string) error
	LoadEarlier(ctx context.Context, conversationID string) ([]convstate.TimelineEvent, bool, error)
	Drop(ctx context.Context, conversationID string) error
}

// ConversationDirectory 会话登记表的 api 侧视图 (store.ConversationStore 满足)。
type ConversationDirectory interface {
	Create(ctx context.Context, id, projectID, title string) (*store.Conversation, error)
	Get(ctx context.Context, id string) (*store.Conversation, error)
	List(ctx context.Context, projectID, keyword string, limit int) ([]store.Conversation, error)
}

// HistoryReader 时间线镜像的只读视图 (store.TimelineEventStore 满足)。
type HistoryReader interface {
	ListLatest(ctx context.Context, conversationID string, limit int) ([]convstate.TimelineEvent, bool, error)
	ListBefore(ctx context.Context, conversationID string, beforeSeq int64, limit int) ([]convstate.TimelineEvent, bool, error)
	ListFrom(ctx context.Context, conversationID string, fromSeq int64, limit int) ([]convstate.TimelineEvent, bool, error)
}

// Deps 聚合 Server 依赖 (DRY: 一次注入)。
type Deps struct {
	Manager       *convstate.Manager
	Control       SessionControl
	Conversations ConversationDirectory
	Events        HistoryReader
	Bus           *bus.MessageBus

	SSEKeepalive time.Duration // 零值取 30s
	PageSize     int           // 历史分页默认条数, 零值取 50
	MaxPageSize  int           // limit 参数上限, 零值取 200
}

// Server 会话同步 HTTP 服务。
type Server struct {
	router *gin.Engine
	mgr    *convstate.Manager
	ctl    SessionControl
	convs  ConversationDirectory
	events HistoryReader
	bus    *bus.MessageBus

	keepalive   time.Duration
	pageSize    int
	maxPageSize int
}

// NewServer 创建 HTTP 服务。
func NewServer(deps Deps) *Server {
	if deps.SSEKeepalive <= 0 {
		deps.SSEKeepalive = 30 * time.Second
	}
	if deps.PageSize <= 0 {
		deps.PageSize = 50
	}
	if deps.MaxPageSize <= 0 {
		deps.MaxPageSize = 200
	}
	s := &Server{
		router:      gin.Default(),
		mgr:         deps.Manager,
		ctl:         deps.Control,
		convs:       deps.Conversations,
		events:      deps.Events,
		bus:         deps.Bus,
		keepalive:   deps.SSEKeepalive,
		pageSize:    deps.PageSize,
		maxPageSize: deps.MaxPageSize,
	}
	s.registerRoutes()
	return s
}

// Engine 返回 Gin 引擎。
func (s *Server) Engine() *gin.Engine { return s.router }
