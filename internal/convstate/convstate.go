// convstate.go — 会话时间线状态类型常量与原始帧定义。
package convstate

// ========================================
// 事件类型常量
// ========================================

// EventKind 时间线事件类型 (11 种, 完整覆盖平台流式协议的可渲染事件)。
type EventKind string

const (
	KindUserMessage      EventKind = "user_message"
	KindAssistantMessage EventKind = "assistant_message"
	KindThought          EventKind = "thought"
	KindAct              EventKind = "act"
	KindObserve          EventKind = "observe"
	KindWorkPlan         EventKind = "work_plan"
	KindStepStart        EventKind = "step_start"
	KindStepEnd          EventKind = "step_end"
	KindTextStart        EventKind = "text_start"
	KindTextDelta        EventKind = "text_delta"
	KindTextEnd          EventKind = "text_end"
)

// 工具执行状态 (3 种)。
const (
	ToolRunning = "running"
	ToolSuccess = "success"
	ToolFailed  = "failed"
)

// 执行步骤状态 (4 种)。
const (
	StepPending   = "pending"
	StepRunning   = "running"
	StepCompleted = "completed"
	StepFailed    = "failed"
)

// 流式会话状态标签。
const (
	StreamIdle    = "idle"
	StreamWaiting = "waiting"   // 已发送, 尚未收到任何服务端事件
	StreamActive  = "streaming" // 正在接收流式事件
	StreamError   = "error"
)

// WireEvent 平台流式端点下发的原始帧。
//
// 帧格式为 {type, data} JSON 对象, 部分部署在顶层携带 seq,
// 其余在 data.seq 内; 两处都没有时由本地计数器编号。
type WireEvent struct {
	Type string         `json:"type"`
	Seq  int64          `json:"seq,omitempty"`
	Data map[string]any `json:"data"`
}
