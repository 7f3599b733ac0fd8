// handler.go — REST API handlers。
package api

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/knowledge-agent/go-convsync/internal/convstate"
	"github.com/knowledge-agent/go-convsync/internal/store"
	"github.com/knowledge-agent/go-convsync/pkg/util"
)

// registerRoutes 注册 API 路由。
func (s *Server) registerRoutes() {
	api := s.router.Group("/api")

	api.POST("/conversations", s.createConversation)
	api.GET("/conversations", s.listConversations)
	api.DELETE("/conversations/:id", s.dropConversation)

	api.POST("/conversations/:id/messages", s.sendMessage)
	api.POST("/conversations/:id/stop", s.stopStream)

	api.POST("/active", s.setActive)
	api.GET("/state", s.activeState)

	api.GET("/conversations/:id/timeline", s.timeline)

	api.GET("/stream", s.sseHandler)
}

// queryLimit 从 query 读分页条数 (非法值回落默认, 上限截断)。
func (s *Server) queryLimit(c *gin.Context) int {
	v, _ := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(s.pageSize)))
	if v < 1 {
		return s.pageSize
	}
	if v > s.maxPageSize {
		return s.maxPageSize
	}
	return v
}

// ========================================
// 会话登记
// ========================================

func (s *Server) createConversation(c *gin.Context) {
	var req struct {
		ProjectID string `json:"project_id"`
		Title     string `json:"title"`
	}
	// 空请求体允许: 全部字段可缺省
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid_request", err.Error())
			return
		}
	}
	conv, err := s.convs.Create(c.Request.Context(), uuid.NewString(), req.ProjectID, req.Title)
	if err != nil {
		serverError(c, err)
		return
	}
	created(c, conv)
}

// conversationSummary 列表条目: 登记行 + 运行时标志。
type conversationSummary struct {
	store.Conversation
	Streaming bool `json:"streaming"`
	LockHeld  bool `json:"lock_held"`
}

func (s *Server) listConversations(c *gin.Context) {
	items, err := s.convs.List(c.Request.Context(),
		c.Query("project_id"), c.Query("keyword"), s.queryLimit(c))
	if err != nil {
		serverError(c, err)
		return
	}
	out := make([]conversationSummary, 0, len(items))
	for _, conv := range items {
		out = append(out, conversationSummary{
			Conversation: conv,
			Streaming:    s.mgr.IsStreaming(conv.ID),
			LockHeld:     s.mgr.LockHeld(conv.ID),
		})
	}
	success(c, out)
}

func (s *Server) dropConversation(c *gin.Context) {
	if err := s.ctl.Drop(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	success(c, gin.H{"ok": true})
}

// ========================================
// 发送与停止
// ========================================

func (s *Server) sendMessage(c *gin.Context) {
	id := c.Param("id")
	var req struct {
		Text      string `json:"text"`
		ProjectID string `json:"project_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_request", err.Error())
		return
	}

	conv, err := s.convs.Get(c.Request.Context(), id)
	if err != nil {
		serverError(c, err)
		return
	}
	if conv == nil {
		notFound(c, "conversation not found")
		return
	}
	projectID := util.FirstNonEmpty(req.ProjectID, conv.ProjectID)

	if err := s.ctl.SendMessage(c.Request.Context(), id, projectID, req.Text); err != nil {
		respondError(c, err)
		return
	}
	success(c, gin.H{"conversation_id": id, "streaming": true})
}

func (s *Server) stopStream(c *gin.Context) {
	success(c, gin.H{"stopped": s.ctl.StopStream(c.Param("id"))})
}

// ========================================
// 活跃会话
// ========================================

func (s *Server) setActive(c *gin.Context) {
	var req struct {
		ConversationID string `json:"conversation_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_request", err.Error())
		return
	}
	if err := s.ctl.SetActive(c.Request.Context(), req.ConversationID); err != nil {
		respondError(c, err)
		return
	}
	// 切换后直接带回视图, 客户端省一次 /api/state 往返
	view, _ := s.mgr.ActiveView()
	success(c, view)
}

func (s *Server) activeState(c *gin.Context) {
	view, ok := s.mgr.ActiveView()
	if !ok {
		success(c, gin.H{"active": false})
		return
	}
	success(c, gin.H{"active": true, "conversation": view})
}

// ========================================
// 历史读取
// ========================================

// timeline 历史分页。
//
// 活跃会话带 before_seq 的请求走受控翻页 (服务端游标为准, 批次同时
// 前插实时时间线); 其余请求为镜像只读, 不碰运行时状态。from_seq 向后
// 补读, 给 SSE 断线重连的客户端追平用。
func (s *Server) timeline(c *gin.Context) {
	id := c.Param("id")
	limit := s.queryLimit(c)
	ctx := c.Request.Context()

	raw := c.Query("before_seq")
	rawFrom := c.Query("from_seq")
	if raw != "" && rawFrom != "" {
		badRequest(c, "invalid_request", "before_seq and from_seq are mutually exclusive")
		return
	}

	if rawFrom != "" {
		fromSeq, err := strconv.ParseInt(rawFrom, 10, 64)
		if err != nil || fromSeq <= 0 {
			badRequest(c, "invalid_request", "from_seq must be a positive integer")
			return
		}
		events, hasMore, err := s.events.ListFrom(ctx, id, fromSeq, limit)
		if err != nil {
			serverError(c, err)
			return
		}
		timelinePage(c, events, hasMore)
		return
	}

	if raw == "" {
		events, hasMore, err := s.events.ListLatest(ctx, id, limit)
		if err != nil {
			serverError(c, err)
			return
		}
		timelinePage(c, events, hasMore)
		return
	}

	beforeSeq, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || beforeSeq <= 0 {
		badRequest(c, "invalid_request", "before_seq must be a positive integer")
		return
	}

	if id == s.mgr.ActiveID() {
		events, hasMore, err := s.ctl.LoadEarlier(ctx, id)
		if err != nil {
			respondError(c, err)
			return
		}
		timelinePage(c, events, hasMore)
		return
	}

	events, hasMore, err := s.events.ListBefore(ctx, id, beforeSeq, limit)
	if err != nil {
		serverError(c, err)
		return
	}
	timelinePage(c, events, hasMore)
}

func timelinePage(c *gin.Context, events []convstate.TimelineEvent, hasMore bool) {
	if events == nil {
		events = []convstate.TimelineEvent{}
	}
	success(c, gin.H{"events": events, "has_more": hasMore})
}
