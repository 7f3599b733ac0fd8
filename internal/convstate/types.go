package convstate

import "time"

// Artifact is a generated output attached to an assistant message.
type Artifact struct {
	ID      string `json:"id,omitempty"`
	Type    string `json:"type,omitempty"`
	Name    string `json:"name,omitempty"`
	URL     string `json:"url,omitempty"`
	Content string `json:"content,omitempty"`
}

// PlanStep is one declared step of a work plan.
type PlanStep struct {
	StepNumber  int    `json:"step_number"`
	Description string `json:"description"`
	Status      string `json:"status"`
}

// ToolExecution records one tool invocation from act through its observe.
type ToolExecution struct {
	ID         string         `json:"id"`
	ToolName   string         `json:"tool_name"`
	Input      map[string]any `json:"input,omitempty"`
	Status     string         `json:"status"`
	Result     string         `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
	StartTime  int64          `json:"start_time"`
	EndTime    int64          `json:"end_time,omitempty"`
	DurationMS int64          `json:"duration_ms,omitempty"`
}

// ExecutionStep tracks the live progress of one plan step. Steps are
// appended in arrival order and never reordered.
type ExecutionStep struct {
	StepNumber       int      `json:"step_number"`
	Description      string   `json:"description"`
	Status           string   `json:"status"`
	Thoughts         []string `json:"thoughts,omitempty"`
	ToolExecutionIDs []string `json:"tool_execution_ids,omitempty"`
}

// TimelineEvent is the unified timeline record, discriminated by Kind.
// Variant payloads live in the optional fields; fields not named by a
// kind stay zero.
type TimelineEvent struct {
	ID        string    `json:"id"`
	Kind      EventKind `json:"kind"`
	Seq       int64     `json:"seq"`
	Timestamp int64     `json:"timestamp"` // epoch 毫秒

	Content   string         `json:"content,omitempty"`
	Artifacts []Artifact     `json:"artifacts,omitempty"`
	Meta      map[string]any `json:"meta,omitempty"`

	StepNumber int    `json:"step_number,omitempty"`
	Status     string `json:"status,omitempty"`

	ToolName  string         `json:"tool_name,omitempty"`
	ToolInput map[string]any `json:"tool_input,omitempty"`
	CallID    string         `json:"call_id,omitempty"`
	IsError   bool           `json:"is_error,omitempty"`

	Steps     []PlanStep     `json:"steps,omitempty"`
	Execution *ToolExecution `json:"execution,omitempty"`
}

// TokenUsage stores cumulative token counters for one conversation.
type TokenUsage struct {
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
	TotalTokens  int    `json:"total_tokens"`
	UpdatedAt    string `json:"updated_at,omitempty"`
}

// ConversationState is the full per-conversation view state: timeline,
// pagination cursors, streaming flags, execution progress, draft and
// usage. The manager returns deep copies of it; snapshots are deep
// copies of it. The send-lock table is NOT part of this struct.
type ConversationState struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id,omitempty"`

	Timeline          []TimelineEvent `json:"timeline"`
	EarliestLoadedSeq *int64          `json:"earliest_loaded_seq,omitempty"`
	LatestLoadedSeq   *int64          `json:"latest_loaded_seq,omitempty"`
	HasEarlier        bool            `json:"has_earlier"`
	LoadingEarlier    bool            `json:"loading_earlier"`

	IsStreaming   bool   `json:"is_streaming"`
	StreamStatus  string `json:"stream_status"`
	TextStreaming bool   `json:"text_streaming"`
	Draft         string `json:"draft"`
	LastError     string `json:"last_error,omitempty"`

	Steps []ExecutionStep `json:"steps"`
	Tools []ToolExecution `json:"tools"`
	Usage TokenUsage      `json:"usage"`

	LastAccessedAt time.Time `json:"last_accessed_at"`
}

func newConversationState(id string) *ConversationState {
	return &ConversationState{
		ID:           id,
		Timeline:     []TimelineEvent{},
		StreamStatus: StreamIdle,
		Steps:        []ExecutionStep{},
		Tools:        []ToolExecution{},
	}
}
