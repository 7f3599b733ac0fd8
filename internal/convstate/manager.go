package convstate

import (
	"strings"
	"sync"
	"time"

	"github.com/knowledge-agent/go-convsync/internal/bus"
)

const defaultObservationMaxBytes = 64 * 1024

// Manager 持有全部会话运行时状态: 活跃会话的实时状态、非活跃会话的
// 快照表、发送锁表。进程内只有一个实例, 在 main 中构造后注入使用方。
//
// 并发模型: 所有变更在写锁下执行, 读取在读锁下深拷贝返回。
// 同一会话内 Seq 是唯一的顺序权威, 跨会话不存在顺序约束。
// 事件按会话 ID 路由: 活跃会话写实时状态, 其余写各自的快照条目,
// 后台流式会话因此照常推进。
type Manager struct {
	mu sync.RWMutex

	active    *ConversationState            // 活跃会话实时状态, 可为 nil
	snapshots map[string]*ConversationState // key = conversation ID
	locks     map[string]time.Time          // 发送锁表: 存在即持有, value = 加锁时刻

	bus                 *bus.MessageBus // 可为 nil (测试)
	observationMaxBytes int
}

// NewManager 创建状态管理器。b 为 nil 时不发布任何通知;
// observationMaxBytes <= 0 时使用默认 64KB 上限。
func NewManager(b *bus.MessageBus, observationMaxBytes int) *Manager {
	if observationMaxBytes <= 0 {
		observationMaxBytes = defaultObservationMaxBytes
	}
	return &Manager{
		snapshots:           map[string]*ConversationState{},
		locks:               map[string]time.Time{},
		bus:                 b,
		observationMaxBytes: observationMaxBytes,
	}
}

// stateLocked 按 ID 查找会话状态: 活跃会话返回实时状态, 否则查快照表。
func (m *Manager) stateLocked(id string) (*ConversationState, bool) {
	if m.active != nil && m.active.ID == id {
		return m.active, true
	}
	st, ok := m.snapshots[id]
	return st, ok
}

// ensureStateLocked 同 stateLocked, 但缺失时在快照表中惰性创建。
func (m *Manager) ensureStateLocked(id string) *ConversationState {
	if st, ok := m.stateLocked(id); ok {
		return st
	}
	st := newConversationState(id)
	st.LastAccessedAt = time.Now()
	m.snapshots[id] = st
	return st
}

func (m *Manager) publish(topic, msgType string, payload any) {
	if m.bus == nil {
		return
	}
	m.bus.PublishTo(topic, "convstate", msgType, payload)
}

// ========================================
// 活跃会话与快照
// ========================================

// ActiveID 返回当前活跃会话 ID, 无活跃会话时为空串。
func (m *Manager) ActiveID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.active == nil {
		return ""
	}
	return m.active.ID
}

// ActiveView 返回活跃会话状态的深拷贝。
func (m *Manager) ActiveView() (ConversationState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.active == nil {
		return ConversationState{}, false
	}
	return *cloneState(m.active), true
}

// SetActiveConversation 切换活跃会话: 保存当前活跃会话快照 →
// 切换指针 → 恢复目标会话快照。返回 false 表示目标会话没有快照,
// 实时状态已置为全新空状态, 调用方应执行一次服务端历史加载。
func (m *Manager) SetActiveConversation(id string) bool {
	id = strings.TrimSpace(id)
	if id == "" {
		return false
	}

	m.mu.Lock()
	if m.active != nil && m.active.ID == id {
		m.active.LastAccessedAt = time.Now()
		m.mu.Unlock()
		return true
	}
	if m.active != nil {
		m.saveSnapshotLocked(m.active.ID)
	}
	restored := m.restoreSnapshotLocked(id)
	if !restored {
		st := newConversationState(id)
		st.LastAccessedAt = time.Now()
		m.active = st
	}
	m.mu.Unlock()

	m.publish(bus.ConvTopic(id, bus.SubStatus), bus.MsgConversationSwitch, map[string]any{
		"conversation_id": id,
		"restored":        restored,
	})
	return restored
}

// SaveSnapshot 将活跃会话的实时状态深拷贝存入快照表 (覆盖旧快照)。
// id 不是当前活跃会话时为 no-op。
func (m *Manager) SaveSnapshot(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveSnapshotLocked(id)
}

func (m *Manager) saveSnapshotLocked(id string) {
	if m.active == nil || m.active.ID != id {
		return
	}
	m.active.LastAccessedAt = time.Now()
	m.snapshots[id] = cloneState(m.active)
}

// RestoreSnapshot 用 id 的快照整体替换实时状态 (永不合并)。
// 返回 false 表示没有快照。恢复使用深拷贝, 实时状态不会与快照
// 共享任何 slice/map。
func (m *Manager) RestoreSnapshot(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.restoreSnapshotLocked(id)
}

func (m *Manager) restoreSnapshotLocked(id string) bool {
	snap, ok := m.snapshots[id]
	if !ok {
		return false
	}
	st := cloneState(snap)
	st.LastAccessedAt = time.Now()
	st.LoadingEarlier = false // 瞬态标志不跨恢复存活
	m.active = st
	return true
}

// IsStreaming 返回会话是否处于流式中: 活跃会话取实时标志,
// 其余取快照里冻结的标志, 未知会话为 false。
func (m *Manager) IsStreaming(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if st, ok := m.stateLocked(id); ok {
		return st.IsStreaming
	}
	return false
}

// DropConversation 丢弃会话: 删除快照、释放发送锁、若为活跃会话则
// 清空实时状态。持久化行的删除由调用方负责。
func (m *Manager) DropConversation(id string) {
	m.mu.Lock()
	delete(m.snapshots, id)
	delete(m.locks, id)
	if m.active != nil && m.active.ID == id {
		m.active = nil
	}
	m.mu.Unlock()

	m.publish(bus.ConvTopic(id, bus.SubStatus), bus.MsgConversationDrop, map[string]any{
		"conversation_id": id,
	})
}

// ========================================
// 发送锁表
// ========================================

// TryAcquireSend 尝试获取会话的发送锁。锁按会话 ID 惰性创建,
// 不存在即未持有; 锁永不进入快照。
func (m *Manager) TryAcquireSend(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, held := m.locks[id]; held {
		return false
	}
	m.locks[id] = time.Now()
	return true
}

// ReleaseSend 释放会话的发送锁 (未持有时为 no-op)。
func (m *Manager) ReleaseSend(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locks, id)
}

// LockHeld 返回会话的发送锁是否被持有。
func (m *Manager) LockHeld(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, held := m.locks[id]
	return held
}

// Locks 返回发送锁表的副本 (看门狗巡检用)。
func (m *Manager) Locks() map[string]time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]time.Time, len(m.locks))
	for id, since := range m.locks {
		out[id] = since
	}
	return out
}

// ========================================
// 流式会话状态
// ========================================

// BeginStream 标记会话进入流式: 清空瞬态执行进度与草稿,
// 置 IsStreaming / StreamStatus。Token 用量跨发送累计, 不清。
func (m *Manager) BeginStream(id, projectID string) {
	m.mu.Lock()
	st := m.ensureStateLocked(id)
	if projectID != "" {
		st.ProjectID = projectID
	}
	st.IsStreaming = true
	st.StreamStatus = StreamWaiting
	st.TextStreaming = false
	st.Draft = ""
	st.LastError = ""
	st.Steps = []ExecutionStep{}
	st.Tools = []ToolExecution{}
	st.LastAccessedAt = time.Now()
	m.mu.Unlock()

	m.publish(bus.ConvTopic(id, bus.SubStatus), bus.MsgStreamStarted, map[string]any{
		"conversation_id": id,
		"project_id":      projectID,
	})
}

// MarkStreamActive 在收到首个服务端事件时把状态从 waiting 推到 streaming。
func (m *Manager) MarkStreamActive(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.stateLocked(id)
	if !ok {
		return
	}
	if st.StreamStatus == StreamWaiting {
		st.StreamStatus = StreamActive
	}
}

// SetStreamError 把错误信息写到会话的 last_error 字段 (部分进度保留)。
func (m *Manager) SetStreamError(id, message string) {
	m.mu.Lock()
	st := m.ensureStateLocked(id)
	st.LastError = strings.TrimSpace(message)
	m.mu.Unlock()

	m.publish(bus.ConvTopic(id, bus.SubStatus), bus.MsgStreamError, map[string]any{
		"conversation_id": id,
		"message":         message,
	})
}

// EndStream 标记会话流式结束: 清 IsStreaming / TextStreaming / 草稿,
// StreamStatus 置为 status (空串视为 idle)。锁的释放由调用方负责。
func (m *Manager) EndStream(id, status string) {
	if status == "" {
		status = StreamIdle
	}

	m.mu.Lock()
	st, ok := m.stateLocked(id)
	if !ok {
		m.mu.Unlock()
		return
	}
	st.IsStreaming = false
	st.StreamStatus = status
	st.TextStreaming = false
	st.Draft = ""
	st.LastAccessedAt = time.Now()
	m.mu.Unlock()

	m.publish(bus.ConvTopic(id, bus.SubStatus), bus.MsgStreamStopped, map[string]any{
		"conversation_id": id,
		"status":          status,
	})
}

// ========================================
// 快照清理
// ========================================

// SweepSnapshots 回收空闲超过 ttl 的快照, 返回被回收的会话 ID。
// 流式中、持锁中、以及活跃会话的残留快照条目一律跳过。
func (m *Manager) SweepSnapshots(ttl time.Duration) []string {
	cutoff := time.Now().Add(-ttl)

	m.mu.Lock()
	defer m.mu.Unlock()

	var evicted []string
	for id, st := range m.snapshots {
		if m.active != nil && m.active.ID == id {
			continue
		}
		if st.IsStreaming {
			continue
		}
		if _, held := m.locks[id]; held {
			continue
		}
		if st.LastAccessedAt.After(cutoff) {
			continue
		}
		delete(m.snapshots, id)
		evicted = append(evicted, id)
	}
	return evicted
}

// Stats 返回诊断用计数。
func (m *Manager) Stats() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()

	totalEvents := 0
	for _, st := range m.snapshots {
		totalEvents += len(st.Timeline)
	}
	activeID := ""
	if m.active != nil {
		activeID = m.active.ID
		totalEvents += len(m.active.Timeline)
	}
	return map[string]any{
		"active_id":      activeID,
		"snapshot_count": len(m.snapshots),
		"lock_count":     len(m.locks),
		"total_events":   totalEvents,
	}
}
