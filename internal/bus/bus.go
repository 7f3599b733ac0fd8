// Package bus 提供进程内消息总线。
//
// 时间线的每次变更 (追加/原位更新/整体替换/回滚截断) 都会发布到总线,
// 订阅者按 topic 前缀接收:
//   - api/sse.go — 总线事件自动转发到 SSE 客户端
//   - monitor — 订阅 system topic 观察清理/看门狗动作
//
// 发布方永远不被慢订阅者阻塞: 通道满则丢弃 (SSE 客户端自行通过
// GET /timeline 重新对齐)。
package bus

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/knowledge-agent/go-convsync/pkg/logger"
)

// ========================================
// 消息类型
// ========================================

// Message 总线上流转的一条消息。
type Message struct {
	Topic     string          `json:"topic"` // conv.{id}.timeline / conv.{id}.stream / system.janitor
	From      string          `json:"from"`  // 来源组件 (session / manager / janitor / api)
	Type      string          `json:"type"`  // 消息类型 (timeline.append / stream.started / ...)
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
	Seq       int64           `json:"seq"` // 总线内单调递增
}

// 消息类型。
const (
	// --- 时间线变更 ---

	// MsgTimelineAppend 时间线尾部追加一条事件。
	MsgTimelineAppend = "timeline.append"
	// MsgTimelineReplace 时间线被整体替换或头部插入历史批次 (恢复/历史加载/清空/分页)。
	MsgTimelineReplace = "timeline.replace"
	// MsgTimelineTruncate 乐观插入被回滚, 对应事件被移除。
	MsgTimelineTruncate = "timeline.truncate"

	// --- 草稿 (流式助手文本) ---

	// MsgDraftUpdate 草稿缓冲变化 (合并器刷新/text_end 定稿/清空)。
	MsgDraftUpdate = "draft.update"

	// --- 流式会话 ---

	// MsgStreamStarted 流式会话开始 (发送锁已占用)。
	MsgStreamStarted = "stream.started"
	// MsgStreamStopped 流式会话结束 (完成/中断/出错, 发送锁已释放)。
	MsgStreamStopped = "stream.stopped"
	// MsgStreamError 会话错误已写入 last_error 字段。
	MsgStreamError = "stream.error"

	// --- 会话状态 ---

	// MsgUsageUpdate Token 用量更新。
	MsgUsageUpdate = "usage.update"
	// MsgConversationSwitch 活跃会话切换。
	MsgConversationSwitch = "conversation.switch"
	// MsgConversationDrop 会话快照被丢弃。
	MsgConversationDrop = "conversation.drop"

	// --- 系统 ---

	// MsgJanitorEvict 清理器回收了过期快照。
	MsgJanitorEvict = "janitor.evict"
	// MsgLockStuck 看门狗发现发送锁占用超时。
	MsgLockStuck = "lock.stuck"
	// MsgError 未归类的异常。
	MsgError = "error"
)

// Topic 命名。
const (
	// TopicConvPrefix 会话消息前缀: conv.{id}.{subtopic}。
	TopicConvPrefix = "conv."
	// TopicSystem 系统侧消息的根 topic。
	TopicSystem = "system"

	// TopicAll 通配订阅, 什么都收。
	TopicAll = "*"
)

// 会话 subtopic 常量。
const (
	// SubTimeline 时间线变更。
	SubTimeline = "timeline"
	// SubDraft 流式草稿缓冲。
	SubDraft = "draft"
	// SubStatus 会话状态 (流式开关/切换/丢弃/用量)。
	SubStatus = "status"
)

// ConvTopic 构造会话 topic: conv.{conversationID}.{sub}。
func ConvTopic(conversationID, sub string) string {
	return TopicConvPrefix + conversationID + "." + sub
}

// ========================================
// Subscriber
// ========================================

// subChanCap 订阅通道容量; 打满说明订阅方消费太慢, 之后的消息对它丢弃。
const subChanCap = 64

// Subscriber 一路订阅及其接收通道。
type Subscriber struct {
	ID     string       // 订阅方的唯一标识
	Filter string       // topic 前缀过滤 ("conv.c1" / "*" / "system")
	Ch     chan Message // 接收通道, 消费侧只读
}

// offer 过滤并非阻塞投递; 通道满时丢弃, 慢订阅者自己负责追平。
func (s *Subscriber) offer(msg Message) {
	if !matchTopic(s.Filter, msg.Topic) {
		return
	}
	select {
	case s.Ch <- msg:
	default:
	}
}

// ========================================
// MessageBus — topic pub/sub
// ========================================

// MessageBus 进程内 pub/sub。
//
// 匹配规则是 topic 前缀加广播:
//   - 订阅 "conv.c1" → 收到 conv.c1.timeline, conv.c1.stream 等
//   - 订阅 "*" → 全量接收
//   - 发布 conv.c1.timeline → 匹配 "conv.c1" 与 "*" 的订阅者
type MessageBus struct {
	mu        sync.RWMutex
	subs      map[string]*Subscriber // key = subscriber ID
	seq       int64
	onPublish func(Message) // 可选: 每条消息的全局回调 (锁外执行)
}

// NewMessageBus 创建空总线。
func NewMessageBus() *MessageBus {
	return &MessageBus{subs: make(map[string]*Subscriber)}
}

// SetOnPublish 设置全局发布回调, 每条消息发布后在锁外调用一次。
// 订阅过滤不适用时 (如全量落盘、跨进程转发) 用这个口子。
func (b *MessageBus) SetOnPublish(fn func(Message)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onPublish = fn
}

// Publish 给所有匹配的订阅者投递一条消息。
//
// seq 分配与 fan-out 在同一把锁下完成: 订阅者看到的消息顺序
// 必然与 seq 一致。全局回调挪到锁外, 回调耗时不拖累发布方。
func (b *MessageBus) Publish(msg Message) {
	b.mu.Lock()
	b.seq++
	msg.Seq = b.seq
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	hook := b.onPublish
	for _, sub := range b.subs {
		sub.offer(msg)
	}
	b.mu.Unlock()

	if hook != nil {
		hook(msg)
	}
}

// PublishTo 序列化 payload 并发布到指定 topic。
//
// 示例:
//
//	b.PublishTo(ConvTopic(convID, SubTimeline), "convstate", MsgTimelineAppend, event)
//	b.PublishTo(TopicSystem+".janitor", "janitor", MsgJanitorEvict, evicted)
func (b *MessageBus) PublishTo(topic, from, msgType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		logger.Error("bus: marshal payload failed", logger.FieldTopic, topic, logger.FieldError, err)
		return
	}
	b.Publish(Message{
		Topic:   topic,
		From:    from,
		Type:    msgType,
		Payload: data,
	})
}

// Subscribe 注册订阅。filter 为 topic 前缀 ("conv.c1" / "*" / "system");
// 同 id 重复订阅会顶掉旧通道。
func (b *MessageBus) Subscribe(id, filter string) *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscriber{
		ID:     id,
		Filter: filter,
		Ch:     make(chan Message, subChanCap),
	}
	b.subs[id] = sub
	return sub
}

// Unsubscribe 注销订阅并关闭其通道。
func (b *MessageBus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subs[id]
	if !ok {
		return
	}
	delete(b.subs, id)
	close(sub.Ch)
}

// SubscriberCount 当前订阅者数量。
func (b *MessageBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Seq 当前全局序列号。
func (b *MessageBus) Seq() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.seq
}

// ========================================
// Topic 匹配
// ========================================

// matchTopic 检查 topic 是否落在 filter 范围内。
//
//   - "*" 放行一切
//   - "conv.c1" 命中 "conv.c1" 本身及 "conv.c1.timeline" 等子 topic
//   - "system" 命中 "system", "system.janitor"
func matchTopic(filter, topic string) bool {
	switch {
	case filter == TopicAll, topic == filter:
		return true
	case strings.HasPrefix(topic, filter):
		// 只认 "." 边界, 防止 "conv.c1" 误吞 "conv.c10"
		return topic[len(filter)] == '.'
	default:
		return false
	}
}
