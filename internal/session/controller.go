// Package session 编排一次消息发送的完整生命周期。
//
// 发送 = 获取会话锁 → 乐观插入用户事件 → 打开传输会话 → 逐帧路由
// (时间线追加 / 执行进度 / 草稿合并) → 终态收尾。无论成功、出错、
// 中止还是断连, 收尾后 IsStreaming 为假且发送锁已释放。
package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/knowledge-agent/go-convsync/internal/convstate"
	"github.com/knowledge-agent/go-convsync/internal/transport"
	apperrors "github.com/knowledge-agent/go-convsync/pkg/errors"
	"github.com/knowledge-agent/go-convsync/pkg/logger"
)

// mirrorTimeout 单次镜像写入的上限 (挂在 controller 基础 ctx 上)。
const mirrorTimeout = 5 * time.Second

// ========================================
// 持久层窄接口 (store 包的具体类型直接满足)
// ========================================

// HistoryStore 时间线事件镜像。
type HistoryStore interface {
	Insert(ctx context.Context, conversationID string, ev convstate.TimelineEvent) error
	DeleteByEventID(ctx context.Context, conversationID, eventID string) (bool, error)
	DeleteByConversation(ctx context.Context, conversationID string) (int64, error)
	ListLatest(ctx context.Context, conversationID string, limit int) ([]convstate.TimelineEvent, bool, error)
	ListBefore(ctx context.Context, conversationID string, beforeSeq int64, limit int) ([]convstate.TimelineEvent, bool, error)
}

// ConversationRegistry 会话登记表的控制器侧视图。
type ConversationRegistry interface {
	TouchLastSeq(ctx context.Context, id string, seq int64) error
	Delete(ctx context.Context, id string) error
}

// ========================================
// Controller
// ========================================

// Options 控制器调节项, 零值取默认。
type Options struct {
	CoalesceMaxChars int
	CoalesceInterval time.Duration
	HistoryPageSize  int
}

// Controller 流式会话控制器。所有状态挂在注入的 Manager 上,
// 一个进程一个实例, 无包级全局。
type Controller struct {
	mgr       *convstate.Manager
	transport transport.Transport
	history   HistoryStore
	registry  ConversationRegistry

	// baseCtx 是会话的宿主上下文 (来自 main)。流式会话必须比触发它的
	// HTTP 请求活得久, 所以不挂请求 ctx。
	baseCtx context.Context

	coalesceMaxChars int
	coalesceInterval time.Duration
	pageSize         int

	mu       sync.Mutex
	sessions map[string]*streamSession
}

// NewController 创建控制器。
func NewController(ctx context.Context, mgr *convstate.Manager, tp transport.Transport, history HistoryStore, registry ConversationRegistry, opts Options) *Controller {
	if opts.CoalesceMaxChars <= 0 {
		opts.CoalesceMaxChars = 50
	}
	if opts.CoalesceInterval <= 0 {
		opts.CoalesceInterval = 16 * time.Millisecond
	}
	if opts.HistoryPageSize <= 0 {
		opts.HistoryPageSize = 50
	}
	return &Controller{
		mgr:              mgr,
		transport:        tp,
		history:          history,
		registry:         registry,
		baseCtx:          ctx,
		coalesceMaxChars: opts.CoalesceMaxChars,
		coalesceInterval: opts.CoalesceInterval,
		pageSize:         opts.HistoryPageSize,
		sessions:         make(map[string]*streamSession),
	}
}

// SendMessage 发送一条用户消息并开启流式会话。
//
// 同一会话已有发送在途时返回 CONFLICT, 不产生任何副作用;
// 其他会话的发送互不影响。
func (c *Controller) SendMessage(ctx context.Context, conversationID, projectID, text string) error {
	const op = "Controller.SendMessage"

	conversationID = strings.TrimSpace(conversationID)
	text = strings.TrimSpace(text)
	if conversationID == "" {
		return apperrors.Wrap(apperrors.ErrInvalidInput, op, "empty conversation id")
	}
	if text == "" {
		return apperrors.Wrap(apperrors.ErrInvalidInput, op, "empty message text")
	}

	if !c.mgr.TryAcquireSend(conversationID) {
		return &apperrors.AppError{
			Op:      op,
			Code:    apperrors.CodeConflict,
			Message: "send already in flight",
			Err:     apperrors.ErrConflict,
		}
	}
	// 从这里起所有失败路径都必须释放锁。

	c.mgr.BeginStream(conversationID, projectID)

	// 乐观插入: 网络 I/O 之前用户消息就进时间线, seq 本地分配。
	optimistic, _ := c.mgr.AppendEvent(conversationID, convstate.TimelineEvent{
		ID:        uuid.NewString(),
		Kind:      convstate.KindUserMessage,
		Timestamp: time.Now().UnixMilli(),
		Content:   text,
	})
	c.mirrorAppend(conversationID, optimistic)

	s := &streamSession{
		ctl:            c,
		conversationID: conversationID,
		optimisticID:   optimistic.ID,
	}
	s.coalescer = convstate.NewCoalescer(c.coalesceMaxChars, c.coalesceInterval, func(segment string) {
		c.mgr.AppendDraft(conversationID, segment)
	})

	c.mu.Lock()
	c.sessions[conversationID] = s
	c.mu.Unlock()

	sess, err := c.transport.OpenSession(c.baseCtx, transport.SessionRequest{
		ConversationID: conversationID,
		ProjectID:      projectID,
		Content:        text,
	}, s)
	if err != nil {
		// 传输层拒绝: 乐观插入回滚, 错误上屏, 锁释放。
		c.mgr.RemoveEvent(conversationID, optimistic.ID)
		c.mirrorDelete(conversationID, optimistic.ID)
		c.mgr.SetStreamError(conversationID, err.Error())
		c.mgr.EndStream(conversationID, convstate.StreamError)
		c.mgr.ReleaseSend(conversationID)
		c.removeSession(conversationID, s)
		logger.Warn("session: open rejected",
			logger.FieldConversationID, conversationID,
			logger.FieldError, err)
		return err
	}
	s.attach(sess)

	logger.Info("session: stream opened",
		logger.FieldConversationID, conversationID,
		logger.FieldProjectID, projectID,
		logger.FieldLen, len(text))
	return nil
}

// StopStream 中止在途会话。返回是否确有会话被中止。
// 中止从不回滚乐观插入; 锁的释放走统一收尾路径。
func (c *Controller) StopStream(conversationID string) bool {
	c.mu.Lock()
	s := c.sessions[strings.TrimSpace(conversationID)]
	c.mu.Unlock()
	if s == nil {
		return false
	}
	s.requestStop()
	return true
}

// HasSession 是否有在途流式会话 (锁看门狗用)。
func (c *Controller) HasSession(conversationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[strings.TrimSpace(conversationID)] != nil
}

// SetActive 切换活跃会话。快照命中直接恢复; 未命中从镜像取最新一页
// 重建时间线。
func (c *Controller) SetActive(ctx context.Context, conversationID string) error {
	const op = "Controller.SetActive"

	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return apperrors.Wrap(apperrors.ErrInvalidInput, op, "empty conversation id")
	}

	if c.mgr.SetActiveConversation(conversationID) {
		return nil
	}

	events, hasEarlier, err := c.history.ListLatest(ctx, conversationID, c.pageSize)
	if err != nil {
		return apperrors.Wrap(err, op, "load latest history")
	}
	c.mgr.ReplaceTimeline(conversationID, events, hasEarlier)
	return nil
}

// LoadEarlier 向前翻一页历史并插入时间线头部。
//
// 已在加载中或没有更早边界时按竞态规约静默 no-op (nil, false, nil)。
func (c *Controller) LoadEarlier(ctx context.Context, conversationID string) ([]convstate.TimelineEvent, bool, error) {
	const op = "Controller.LoadEarlier"

	beforeSeq, ok := c.mgr.BeginLoadEarlier(conversationID)
	if !ok {
		return nil, false, nil
	}

	batch, hasMore, err := c.history.ListBefore(ctx, conversationID, beforeSeq, c.pageSize)
	if err != nil {
		c.mgr.AbortLoadEarlier(conversationID)
		return nil, false, apperrors.Wrap(err, op, "load history page")
	}
	c.mgr.FinishLoadEarlier(conversationID, batch, hasMore)
	return batch, hasMore, nil
}

// Drop 丢弃会话: 中止在途流, 清掉内存态与锁, 删除持久行。
func (c *Controller) Drop(ctx context.Context, conversationID string) error {
	const op = "Controller.Drop"

	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return apperrors.Wrap(apperrors.ErrInvalidInput, op, "empty conversation id")
	}

	c.StopStream(conversationID)
	c.mgr.DropConversation(conversationID)

	if n, err := c.history.DeleteByConversation(ctx, conversationID); err != nil {
		return apperrors.Wrap(err, op, "delete timeline rows")
	} else if n > 0 {
		logger.Infow("session: timeline rows deleted",
			logger.FieldConversationID, conversationID,
			logger.FieldCount, n)
	}
	if err := c.registry.Delete(ctx, conversationID); err != nil {
		return apperrors.Wrap(err, op, "delete conversation row")
	}
	return nil
}

// ========================================
// 镜像写入 (尽力而为: 失败记日志, 不打断流)
// ========================================

func (c *Controller) mirrorAppend(conversationID string, ev convstate.TimelineEvent) {
	ctx, cancel := context.WithTimeout(c.baseCtx, mirrorTimeout)
	defer cancel()
	if err := c.history.Insert(ctx, conversationID, ev); err != nil {
		logger.Error("session: mirror append failed",
			logger.FieldConversationID, conversationID,
			logger.FieldSeq, ev.Seq,
			logger.FieldError, err)
		return
	}
	if err := c.registry.TouchLastSeq(ctx, conversationID, ev.Seq); err != nil {
		logger.Warn("session: touch last_seq failed",
			logger.FieldConversationID, conversationID,
			logger.FieldError, err)
	}
}

func (c *Controller) mirrorDelete(conversationID, eventID string) {
	ctx, cancel := context.WithTimeout(c.baseCtx, mirrorTimeout)
	defer cancel()
	if _, err := c.history.DeleteByEventID(ctx, conversationID, eventID); err != nil {
		logger.Error("session: mirror rollback failed",
			logger.FieldConversationID, conversationID,
			logger.FieldID, eventID,
			logger.FieldError, err)
	}
}

func (c *Controller) removeSession(conversationID string, s *streamSession) {
	c.mu.Lock()
	defer c.mu.Unlock()
	// 同 id 的新会话可能已经注册, 只清理自己的条目。
	if c.sessions[conversationID] == s {
		delete(c.sessions, conversationID)
	}
}
