package convstate

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NormalizeEvent 将平台原始帧归一化为时间线事件。
//
// 返回 false 表示该帧类型不受支持, 调用方直接丢弃 (永远不是错误)。
// 除 ID 缺省时生成 uuid 外为纯函数, 无状态, 无锁, 热路径安全。
//
// seq 解析: 帧携带正数 seq 时以其为准, 否则使用调用方提供的 nextSeq。
func NormalizeEvent(wire WireEvent, nextSeq int64) (TimelineEvent, bool) {
	data := wire.Data
	if data == nil {
		data = map[string]any{} // Prevent panic on subsequent lookups
	}

	ev := TimelineEvent{
		ID:        strings.TrimSpace(extractFirstString(data, "id", "event_id")),
		Seq:       resolveSeq(wire, data, nextSeq),
		Timestamp: resolveTimestamp(data),
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}

	switch wire.Type {
	case "message":
		role := strings.ToLower(strings.TrimSpace(extractFirstString(data, "role")))
		switch role {
		case "user":
			ev.Kind = KindUserMessage
		case "assistant":
			ev.Kind = KindAssistantMessage
		default:
			return TimelineEvent{}, false
		}
		ev.Content = extractFirstString(data, "content", "text", "message")

	case "complete":
		// 回合收敛帧: 完整的助手消息 + 产物 + trace 元数据。
		ev.Kind = KindAssistantMessage
		ev.Content = extractFirstString(data, "content", "text", "message")
		ev.Artifacts = parseArtifacts(data["artifacts"])
		ev.Meta = extractFirstMap(data, "meta", "metadata", "trace")

	case "thought":
		ev.Kind = KindThought
		ev.Content = extractFirstString(data, "content", "thought", "text")
		ev.StepNumber = extractStepNumber(data)

	case "act":
		ev.Kind = KindAct
		ev.ToolName = strings.TrimSpace(extractFirstString(data, "tool_name", "tool"))
		ev.ToolInput = extractFirstMap(data, "tool_input", "input", "args")
		ev.CallID = strings.TrimSpace(extractFirstString(data, "call_id", "tool_call_id"))
		ev.StepNumber = extractStepNumber(data)
		execID := ev.CallID
		if execID == "" {
			execID = uuid.NewString()
		}
		ev.Execution = &ToolExecution{
			ID:        execID,
			ToolName:  ev.ToolName,
			Input:     ev.ToolInput,
			Status:    ToolRunning,
			StartTime: ev.Timestamp,
		}

	case "observe", "tool_result":
		ev.Kind = KindObserve
		ev.Content = extractFirstString(data, "content", "result", "output")
		ev.CallID = strings.TrimSpace(extractFirstString(data, "call_id", "tool_call_id"))
		ev.StepNumber = extractStepNumber(data)
		// 显式 is_error 字段优先; 缺失时退回文本启发式判断
		if flag, ok := extractBoolAny(data["is_error"]); ok {
			ev.IsError = flag
		} else {
			ev.IsError = looksLikeError(ev.Content)
		}

	case "work_plan":
		ev.Kind = KindWorkPlan
		ev.Steps = parsePlanSteps(data["steps"])
		if len(ev.Steps) == 0 {
			ev.Steps = parsePlanSteps(data["plan"])
		}

	case "step_start":
		ev.Kind = KindStepStart
		ev.StepNumber = extractStepNumber(data)
		ev.Content = extractFirstString(data, "description", "content", "text")
		ev.Status = StepRunning

	case "step_end", "step_finish":
		ev.Kind = KindStepEnd
		ev.StepNumber = extractStepNumber(data)
		if success, _ := extractBoolAny(data["success"]); success {
			ev.Status = StepCompleted
		} else {
			ev.Status = StepFailed
		}

	case "text_start":
		ev.Kind = KindTextStart

	case "text_delta":
		ev.Kind = KindTextDelta
		ev.Content = extractFirstString(data, "content", "delta", "text")

	case "text_end":
		ev.Kind = KindTextEnd
		ev.Content = extractFirstString(data, "content", "text")

	default:
		// 未知帧类型: 静默丢弃
		return TimelineEvent{}, false
	}

	return ev, true
}

// BatchNormalize 批量归一化 (历史回放路径)。
//
// 过滤不支持的帧, 幸存者用每次调用独立的本地计数器从 1 开始编号;
// 帧自带正数 seq 时仍以其为准, 计数器跟随推进。
func BatchNormalize(events []WireEvent) []TimelineEvent {
	out := make([]TimelineEvent, 0, len(events))
	var next int64 = 1
	for _, wire := range events {
		ev, ok := NormalizeEvent(wire, next)
		if !ok {
			continue
		}
		out = append(out, ev)
		next = ev.Seq + 1
	}
	return out
}

func resolveSeq(wire WireEvent, data map[string]any, nextSeq int64) int64 {
	if wire.Seq > 0 {
		return wire.Seq
	}
	if v, ok := extractIntAny(data["seq"]); ok && v > 0 {
		return v
	}
	return nextSeq
}

func resolveTimestamp(data map[string]any) int64 {
	for _, key := range []string{"timestamp", "ts"} {
		if v, ok := extractIntAny(data[key]); ok && v > 0 {
			return v
		}
	}
	return time.Now().UnixMilli()
}

// looksLikeError 观察内容的错误启发式: "error:" 前缀或包含 "failed"。
func looksLikeError(content string) bool {
	l := strings.ToLower(strings.TrimSpace(content))
	return strings.HasPrefix(l, "error:") || strings.Contains(l, "failed")
}

func parseArtifacts(raw any) []Artifact {
	items, ok := raw.([]any)
	if !ok || len(items) == 0 {
		return nil
	}
	out := make([]Artifact, 0, len(items))
	for _, item := range items {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		artifact := Artifact{
			ID:      strings.TrimSpace(extractFirstString(entry, "id")),
			Type:    strings.TrimSpace(extractFirstString(entry, "type", "kind")),
			Name:    strings.TrimSpace(extractFirstString(entry, "name", "title")),
			URL:     strings.TrimSpace(extractFirstString(entry, "url", "uri")),
			Content: extractFirstString(entry, "content", "text"),
		}
		if artifact.ID == "" && artifact.Name == "" && artifact.URL == "" && artifact.Content == "" {
			continue
		}
		out = append(out, artifact)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func parsePlanSteps(raw any) []PlanStep {
	items, ok := raw.([]any)
	if !ok || len(items) == 0 {
		return nil
	}
	out := make([]PlanStep, 0, len(items))
	for _, item := range items {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		description := strings.TrimSpace(extractFirstString(entry, "description", "title", "text", "content"))
		number := 0
		for _, key := range []string{"step_number", "number", "step"} {
			if v, ok := extractIntAny(entry[key]); ok && v > 0 {
				number = int(v)
				break
			}
		}
		if description == "" && number == 0 {
			continue
		}
		if number == 0 {
			number = len(out) + 1
		}
		status := strings.ToLower(strings.TrimSpace(extractFirstString(entry, "status", "state")))
		if status == "" {
			status = StepPending
		}
		out = append(out, PlanStep{
			StepNumber:  number,
			Description: description,
			Status:      status,
		})
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// ========================================
// 通用字段提取
// ========================================

func extractFirstString(data map[string]any, keys ...string) string {
	for _, key := range keys {
		value, ok := data[key]
		if !ok {
			continue
		}
		if text, ok := value.(string); ok {
			return text
		}
	}
	return ""
}

func extractFirstMap(data map[string]any, keys ...string) map[string]any {
	for _, key := range keys {
		if m, ok := data[key].(map[string]any); ok {
			return m
		}
	}
	return nil
}

func extractStepNumber(data map[string]any) int {
	for _, key := range []string{"step_number", "step"} {
		if v, ok := extractIntAny(data[key]); ok && v > 0 {
			return int(v)
		}
	}
	return 0
}

func extractIntAny(value any) (int64, bool) {
	switch v := value.(type) {
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		return int64(v), true
	case json.Number:
		i, err := v.Int64()
		if err != nil {
			return 0, false
		}
		return i, true
	default:
		return 0, false
	}
}

func extractBoolAny(value any) (bool, bool) {
	b, ok := value.(bool)
	return b, ok
}
