// timeline.go — 时间线追加/去重/分页/草稿操作。
package convstate

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/knowledge-agent/go-convsync/internal/bus"
	"github.com/knowledge-agent/go-convsync/pkg/util"
)

// lastSeqLocked 返回已存储的最大 seq (时间线按 seq 升序, 取尾部)。
func lastSeqLocked(st *ConversationState) int64 {
	if len(st.Timeline) == 0 {
		return 0
	}
	return st.Timeline[len(st.Timeline)-1].Seq
}

func int64Ptr(v int64) *int64 {
	return &v
}

// AppendEvent 向会话时间线尾部追加事件。
//
// 幂等去重: ev.Seq > 0 且 <= 已存储最大 seq 时静默丢弃 (重复投递
// no-op); ev.Seq <= 0 时由本方法分配 max+1。观察内容在入表前按
// 上限截断。返回实际存储的事件和是否真正追加。
func (m *Manager) AppendEvent(conversationID string, ev TimelineEvent) (TimelineEvent, bool) {
	id := strings.TrimSpace(conversationID)
	if id == "" {
		return TimelineEvent{}, false
	}

	m.mu.Lock()
	st := m.ensureStateLocked(id)
	last := lastSeqLocked(st)
	if ev.Seq > 0 && ev.Seq <= last {
		m.mu.Unlock()
		return TimelineEvent{}, false
	}
	if ev.Seq <= 0 {
		ev.Seq = last + 1
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().UnixMilli()
	}
	if ev.Kind == KindObserve {
		ev.Content = capContent(ev.Content, m.observationMaxBytes)
	}

	st.Timeline = append(st.Timeline, ev)
	st.LatestLoadedSeq = int64Ptr(ev.Seq)
	if st.EarliestLoadedSeq == nil {
		st.EarliestLoadedSeq = int64Ptr(ev.Seq)
	}
	st.LastAccessedAt = time.Now()

	usageChanged := applyProgressLocked(st, ev)
	var usage TokenUsage
	if usageChanged {
		usage = st.Usage
	}
	m.mu.Unlock()

	m.publish(bus.ConvTopic(id, bus.SubTimeline), bus.MsgTimelineAppend, ev)
	if usageChanged {
		m.publish(bus.ConvTopic(id, bus.SubStatus), bus.MsgUsageUpdate, usage)
	}
	return ev, true
}

// RemoveEvent 按事件 ID 从尾部向前查找并移除一条事件 (乐观插入回滚)。
// 返回是否找到并移除。
func (m *Manager) RemoveEvent(conversationID, eventID string) bool {
	id := strings.TrimSpace(conversationID)
	if id == "" || eventID == "" {
		return false
	}

	m.mu.Lock()
	st, ok := m.stateLocked(id)
	if !ok {
		m.mu.Unlock()
		return false
	}
	idx := -1
	for i := len(st.Timeline) - 1; i >= 0; i-- {
		if st.Timeline[i].ID == eventID {
			idx = i
			break
		}
	}
	if idx < 0 {
		m.mu.Unlock()
		return false
	}
	removed := st.Timeline[idx]
	st.Timeline = append(st.Timeline[:idx], st.Timeline[idx+1:]...)
	if len(st.Timeline) == 0 {
		st.EarliestLoadedSeq = nil
		st.LatestLoadedSeq = nil
	} else {
		st.EarliestLoadedSeq = int64Ptr(st.Timeline[0].Seq)
		st.LatestLoadedSeq = int64Ptr(st.Timeline[len(st.Timeline)-1].Seq)
	}
	m.mu.Unlock()

	m.publish(bus.ConvTopic(id, bus.SubTimeline), bus.MsgTimelineTruncate, map[string]any{
		"event_id": removed.ID,
		"seq":      removed.Seq,
	})
	return true
}

// Timeline 返回会话时间线的深拷贝 (未知会话返回 nil)。
func (m *Manager) Timeline(conversationID string) []TimelineEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.stateLocked(strings.TrimSpace(conversationID))
	if !ok {
		return nil
	}
	return cloneTimelineEvents(st.Timeline)
}

// ClearTimeline 清空时间线并将分页游标重置为 nil/false。
// 草稿与执行进度不受影响。
func (m *Manager) ClearTimeline(conversationID string) {
	id := strings.TrimSpace(conversationID)
	if id == "" {
		return
	}

	m.mu.Lock()
	st := m.ensureStateLocked(id)
	st.Timeline = []TimelineEvent{}
	st.EarliestLoadedSeq = nil
	st.LatestLoadedSeq = nil
	st.HasEarlier = false
	st.LoadingEarlier = false
	m.mu.Unlock()

	m.publish(bus.ConvTopic(id, bus.SubTimeline), bus.MsgTimelineReplace, map[string]any{
		"conversation_id": id,
		"count":           0,
		"has_earlier":     false,
	})
}

// ReplaceTimeline 用一批事件整体替换时间线 (快照未命中后的服务端
// 加载)。事件按 seq 升序排列, 游标取首尾 seq。
func (m *Manager) ReplaceTimeline(conversationID string, events []TimelineEvent, hasEarlier bool) {
	id := strings.TrimSpace(conversationID)
	if id == "" {
		return
	}

	ordered := make([]TimelineEvent, 0, len(events))
	ordered = append(ordered, events...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Seq < ordered[j].Seq
	})

	m.mu.Lock()
	st := m.ensureStateLocked(id)
	st.Timeline = ordered
	if len(ordered) > 0 {
		st.EarliestLoadedSeq = int64Ptr(ordered[0].Seq)
		st.LatestLoadedSeq = int64Ptr(ordered[len(ordered)-1].Seq)
	} else {
		st.EarliestLoadedSeq = nil
		st.LatestLoadedSeq = nil
	}
	st.HasEarlier = hasEarlier
	st.LoadingEarlier = false
	st.LastAccessedAt = time.Now()
	m.mu.Unlock()

	m.publish(bus.ConvTopic(id, bus.SubTimeline), bus.MsgTimelineReplace, map[string]any{
		"conversation_id": id,
		"count":           len(ordered),
		"has_earlier":     hasEarlier,
	})
}

// ========================================
// 向后分页 (加载更早历史)
// ========================================

// BeginLoadEarlier 尝试进入"加载更早历史"流程, 成功时返回分页上界
// (当前最早已载 seq)。已在加载中、没有更早边界、或时间线为空时
// 返回 false (防止重复触发)。
func (m *Manager) BeginLoadEarlier(conversationID string) (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.stateLocked(strings.TrimSpace(conversationID))
	if !ok {
		return 0, false
	}
	if st.LoadingEarlier || !st.HasEarlier || st.EarliestLoadedSeq == nil {
		return 0, false
	}
	st.LoadingEarlier = true
	return *st.EarliestLoadedSeq, true
}

// AbortLoadEarlier 历史拉取失败时清除加载标志。
func (m *Manager) AbortLoadEarlier(conversationID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.stateLocked(strings.TrimSpace(conversationID)); ok {
		st.LoadingEarlier = false
	}
}

// FinishLoadEarlier 把更早的历史批次插入时间线头部, 不重排已有事件
// 的 seq。只接受 seq 小于当前最早游标的事件; hasEarlier 来自服务端。
func (m *Manager) FinishLoadEarlier(conversationID string, batch []TimelineEvent, hasEarlier bool) {
	id := strings.TrimSpace(conversationID)
	if id == "" {
		return
	}

	m.mu.Lock()
	st, ok := m.stateLocked(id)
	if !ok {
		m.mu.Unlock()
		return
	}
	st.LoadingEarlier = false

	ordered := make([]TimelineEvent, 0, len(batch))
	for _, ev := range batch {
		if st.EarliestLoadedSeq != nil && ev.Seq >= *st.EarliestLoadedSeq {
			continue
		}
		ordered = append(ordered, ev)
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Seq < ordered[j].Seq
	})

	if len(ordered) > 0 {
		st.Timeline = append(ordered, st.Timeline...)
		st.EarliestLoadedSeq = int64Ptr(ordered[0].Seq)
		if st.LatestLoadedSeq == nil {
			st.LatestLoadedSeq = int64Ptr(st.Timeline[len(st.Timeline)-1].Seq)
		}
	}
	st.HasEarlier = hasEarlier
	st.LastAccessedAt = time.Now()
	count := len(ordered)
	m.mu.Unlock()

	m.publish(bus.ConvTopic(id, bus.SubTimeline), bus.MsgTimelineReplace, map[string]any{
		"conversation_id": id,
		"count":           count,
		"has_earlier":     hasEarlier,
		"prepended":       true,
	})
}

// ========================================
// 草稿 (流式助手文本)
// ========================================

// BeginDraft 重置草稿并标记文本流式开始 (text_start)。
func (m *Manager) BeginDraft(conversationID string) {
	id := strings.TrimSpace(conversationID)
	if id == "" {
		return
	}

	m.mu.Lock()
	st := m.ensureStateLocked(id)
	st.Draft = ""
	st.TextStreaming = true
	m.mu.Unlock()

	m.publishDraft(id, "", true)
}

// AppendDraft 把合并器刷出的文本段追加到草稿 (每次刷新恰好一次
// 状态变更 + 一次总线通知)。
func (m *Manager) AppendDraft(conversationID, segment string) {
	id := strings.TrimSpace(conversationID)
	if id == "" || segment == "" {
		return
	}

	m.mu.Lock()
	st := m.ensureStateLocked(id)
	st.Draft += segment
	st.TextStreaming = true
	draft := st.Draft
	m.mu.Unlock()

	m.publishDraft(id, draft, true)
}

// EndDraft 结束文本流式 (text_end): 服务端给出完整文本时覆盖已拼装
// 的草稿, 否则保留。
func (m *Manager) EndDraft(conversationID, fullText string) {
	id := strings.TrimSpace(conversationID)
	if id == "" {
		return
	}

	m.mu.Lock()
	st := m.ensureStateLocked(id)
	if fullText != "" {
		st.Draft = fullText
	}
	st.TextStreaming = false
	draft := st.Draft
	m.mu.Unlock()

	m.publishDraft(id, draft, false)
}

func (m *Manager) publishDraft(id, draft string, streaming bool) {
	m.publish(bus.ConvTopic(id, bus.SubDraft), bus.MsgDraftUpdate, map[string]any{
		"conversation_id": id,
		"draft":           draft,
		"streaming":       streaming,
	})
}

// capContent 按字节上限截断观察内容 (utf8 安全性由调用侧容忍:
// 截断只发生在超长诊断输出上)。
func capContent(content string, maxBytes int) string {
	if maxBytes <= 0 || len(content) <= maxBytes {
		return content
	}
	var b strings.Builder
	lw := util.NewLimitedWriter(&b, maxBytes)
	_, _ = lw.Write([]byte(content))
	return b.String()
}
