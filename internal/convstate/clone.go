// clone.go — 会话状态深拷贝 (快照保存/恢复边界专用)。
package convstate

// cloneState 返回完全独立的状态副本: 所有切片、map 和指针字段均
// 重新分配, 修改副本不会影响原状态。
func cloneState(st *ConversationState) *ConversationState {
	if st == nil {
		return nil
	}
	out := *st
	out.Timeline = cloneTimelineEvents(st.Timeline)
	out.EarliestLoadedSeq = cloneInt64Ptr(st.EarliestLoadedSeq)
	out.LatestLoadedSeq = cloneInt64Ptr(st.LatestLoadedSeq)
	out.Steps = cloneSteps(st.Steps)
	out.Tools = cloneTools(st.Tools)
	return &out
}

func cloneTimelineEvents(events []TimelineEvent) []TimelineEvent {
	if events == nil {
		return nil
	}
	out := make([]TimelineEvent, len(events))
	for i, ev := range events {
		out[i] = cloneTimelineEvent(ev)
	}
	return out
}

func cloneTimelineEvent(ev TimelineEvent) TimelineEvent {
	out := ev
	if ev.Artifacts != nil {
		out.Artifacts = make([]Artifact, len(ev.Artifacts))
		copy(out.Artifacts, ev.Artifacts)
	}
	out.Meta = copyMap(ev.Meta)
	out.ToolInput = copyMap(ev.ToolInput)
	if ev.Steps != nil {
		out.Steps = make([]PlanStep, len(ev.Steps))
		copy(out.Steps, ev.Steps)
	}
	if ev.Execution != nil {
		exec := cloneToolExecution(*ev.Execution)
		out.Execution = &exec
	}
	return out
}

func cloneToolExecution(te ToolExecution) ToolExecution {
	out := te
	out.Input = copyMap(te.Input)
	return out
}

func cloneTools(tools []ToolExecution) []ToolExecution {
	if tools == nil {
		return nil
	}
	out := make([]ToolExecution, len(tools))
	for i, te := range tools {
		out[i] = cloneToolExecution(te)
	}
	return out
}

func cloneSteps(steps []ExecutionStep) []ExecutionStep {
	if steps == nil {
		return nil
	}
	out := make([]ExecutionStep, len(steps))
	for i, s := range steps {
		cp := s
		if s.Thoughts != nil {
			cp.Thoughts = make([]string, len(s.Thoughts))
			copy(cp.Thoughts, s.Thoughts)
		}
		if s.ToolExecutionIDs != nil {
			cp.ToolExecutionIDs = make([]string, len(s.ToolExecutionIDs))
			copy(cp.ToolExecutionIDs, s.ToolExecutionIDs)
		}
		out[i] = cp
	}
	return out
}

func cloneInt64Ptr(p *int64) *int64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// copyMap 浅拷贝一层 map (值为 any, 深层共享可接受: 事件载荷在
// 入库后视为只读)。nil 保持 nil。
func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
