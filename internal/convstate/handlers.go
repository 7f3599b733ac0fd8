// handlers.go — 时间线事件到执行进度结构的投影。
package convstate

import "github.com/google/uuid"

// progressHandler 在持有 Manager 锁的前提下把一条已追加的时间线
// 事件投影到执行进度结构 (步骤/工具/用量)。返回用量是否变化。
type progressHandler func(st *ConversationState, ev TimelineEvent) bool

var progressHandlers = map[EventKind]progressHandler{
	KindAssistantMessage: progressAssistantMessage,
	KindThought:          progressThought,
	KindAct:              progressAct,
	KindObserve:          progressObserve,
	KindWorkPlan:         progressWorkPlan,
	KindStepStart:        progressStepStart,
	KindStepEnd:          progressStepEnd,
}

// applyProgressLocked 追加事件后的进度投影入口。调用方必须持有
// m.mu 写锁。
func applyProgressLocked(st *ConversationState, ev TimelineEvent) bool {
	h, ok := progressHandlers[ev.Kind]
	if !ok {
		return false
	}
	return h(st, ev)
}

func progressAssistantMessage(st *ConversationState, ev TimelineEvent) bool {
	if len(ev.Meta) == 0 {
		return false
	}
	return applyUsageLocked(st, ev.Meta, ev.Timestamp)
}

func progressThought(st *ConversationState, ev TimelineEvent) bool {
	if ev.Content == "" {
		return false
	}
	idx := ensureStepIndexLocked(st, ev.StepNumber)
	st.Steps[idx].Thoughts = append(st.Steps[idx].Thoughts, ev.Content)
	return false
}

func progressAct(st *ConversationState, ev TimelineEvent) bool {
	var te ToolExecution
	if ev.Execution != nil {
		// 值拷贝入执行表, 时间线事件保留的指针停留在初始状态
		te = cloneToolExecution(*ev.Execution)
	} else {
		te = ToolExecution{
			ID:        ev.CallID,
			ToolName:  ev.ToolName,
			Input:     copyMap(ev.ToolInput),
			Status:    ToolRunning,
			StartTime: ev.Timestamp,
		}
	}
	if te.ID == "" {
		te.ID = uuid.NewString()
	}
	st.Tools = append(st.Tools, te)

	if ev.StepNumber > 0 {
		idx := ensureStepIndexLocked(st, ev.StepNumber)
		st.Steps[idx].ToolExecutionIDs = append(st.Steps[idx].ToolExecutionIDs, te.ID)
		if st.Steps[idx].Status == StepPending {
			st.Steps[idx].Status = StepRunning
		}
	}
	return false
}

func progressObserve(st *ConversationState, ev TimelineEvent) bool {
	idx := resolveToolIndexLocked(st, ev.CallID)
	if idx >= 0 {
		te := &st.Tools[idx]
		if ev.IsError {
			te.Status = ToolFailed
			te.Error = ev.Content
		} else {
			te.Status = ToolSuccess
			te.Result = ev.Content
		}
		te.EndTime = ev.Timestamp
		if te.StartTime > 0 && te.EndTime >= te.StartTime {
			te.DurationMS = te.EndTime - te.StartTime
		}
	}
	if ev.IsError && ev.StepNumber > 0 {
		sidx := ensureStepIndexLocked(st, ev.StepNumber)
		st.Steps[sidx].Status = StepFailed
	}
	return false
}

func progressWorkPlan(st *ConversationState, ev TimelineEvent) bool {
	// 计划事件整体替换步骤列表 (重规划视为全新执行纲要)
	steps := make([]ExecutionStep, 0, len(ev.Steps))
	for _, ps := range ev.Steps {
		status := ps.Status
		if status == "" {
			status = StepPending
		}
		steps = append(steps, ExecutionStep{
			StepNumber:  ps.StepNumber,
			Description: ps.Description,
			Status:      status,
		})
	}
	st.Steps = steps
	return false
}

func progressStepStart(st *ConversationState, ev TimelineEvent) bool {
	idx := ensureStepIndexLocked(st, ev.StepNumber)
	st.Steps[idx].Status = StepRunning
	if ev.Content != "" {
		st.Steps[idx].Description = ev.Content
	}
	return false
}

func progressStepEnd(st *ConversationState, ev TimelineEvent) bool {
	idx := ensureStepIndexLocked(st, ev.StepNumber)
	status := ev.Status
	if status != StepCompleted && status != StepFailed {
		status = StepCompleted
	}
	st.Steps[idx].Status = status
	return false
}

// ensureStepIndexLocked 返回步骤号对应的下标, 不存在则追加创建。
// 步骤号 <= 0 时落到最近的步骤 (无步骤时创建 1 号)。
func ensureStepIndexLocked(st *ConversationState, stepNumber int) int {
	if stepNumber <= 0 {
		if len(st.Steps) > 0 {
			return len(st.Steps) - 1
		}
		stepNumber = 1
	}
	for i := range st.Steps {
		if st.Steps[i].StepNumber == stepNumber {
			return i
		}
	}
	st.Steps = append(st.Steps, ExecutionStep{
		StepNumber: stepNumber,
		Status:     StepPending,
	})
	return len(st.Steps) - 1
}

// resolveToolIndexLocked 定位观察结果对应的工具执行: 优先按调用 ID
// 从尾部匹配, 缺省时取最近一个仍在运行的工具。找不到返回 -1。
func resolveToolIndexLocked(st *ConversationState, callID string) int {
	if callID != "" {
		for i := len(st.Tools) - 1; i >= 0; i-- {
			if st.Tools[i].ID == callID {
				return i
			}
		}
	}
	for i := len(st.Tools) - 1; i >= 0; i-- {
		if st.Tools[i].Status == ToolRunning {
			return i
		}
	}
	return -1
}
