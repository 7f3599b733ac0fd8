package convstate

import (
	"testing"
)

// ─── NormalizeEvent kind mapping (totality over wire types) ───

func TestNormalizeEvent_KindMapping(t *testing.T) {
	cases := []struct {
		name     string
		wire     WireEvent
		wantOK   bool
		wantKind EventKind
	}{
		{"user message", WireEvent{Type: "message", Data: map[string]any{"role": "user", "content": "hi"}}, true, KindUserMessage},
		{"assistant message", WireEvent{Type: "message", Data: map[string]any{"role": "assistant", "content": "hey"}}, true, KindAssistantMessage},
		{"role uppercase tolerated", WireEvent{Type: "message", Data: map[string]any{"role": "User", "content": "hi"}}, true, KindUserMessage},
		{"system role dropped", WireEvent{Type: "message", Data: map[string]any{"role": "system", "content": "x"}}, false, ""},
		{"roleless message dropped", WireEvent{Type: "message", Data: map[string]any{"content": "x"}}, false, ""},
		{"complete", WireEvent{Type: "complete", Data: map[string]any{"content": "done"}}, true, KindAssistantMessage},
		{"thought", WireEvent{Type: "thought", Data: map[string]any{"content": "thinking"}}, true, KindThought},
		{"act", WireEvent{Type: "act", Data: map[string]any{"tool_name": "search"}}, true, KindAct},
		{"observe", WireEvent{Type: "observe", Data: map[string]any{"content": "ok"}}, true, KindObserve},
		{"tool_result alias", WireEvent{Type: "tool_result", Data: map[string]any{"result": "ok"}}, true, KindObserve},
		{"work_plan", WireEvent{Type: "work_plan", Data: map[string]any{"steps": []any{map[string]any{"description": "a"}}}}, true, KindWorkPlan},
		{"step_start", WireEvent{Type: "step_start", Data: map[string]any{"step_number": float64(1)}}, true, KindStepStart},
		{"step_end", WireEvent{Type: "step_end", Data: map[string]any{"step_number": float64(1), "success": true}}, true, KindStepEnd},
		{"step_finish alias", WireEvent{Type: "step_finish", Data: map[string]any{"step_number": float64(1), "success": true}}, true, KindStepEnd},
		{"text_start", WireEvent{Type: "text_start", Data: map[string]any{}}, true, KindTextStart},
		{"text_delta", WireEvent{Type: "text_delta", Data: map[string]any{"delta": "ab"}}, true, KindTextDelta},
		{"text_end", WireEvent{Type: "text_end", Data: map[string]any{}}, true, KindTextEnd},
		{"unknown dropped", WireEvent{Type: "presence_ping", Data: map[string]any{}}, false, ""},
		{"empty type dropped", WireEvent{Type: "", Data: nil}, false, ""},
		{"nil data tolerated", WireEvent{Type: "text_start"}, true, KindTextStart},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev, ok := NormalizeEvent(tc.wire, 1)
			if ok != tc.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tc.wantOK)
			}
			if ok && ev.Kind != tc.wantKind {
				t.Errorf("kind = %q, want %q", ev.Kind, tc.wantKind)
			}
		})
	}
}

func TestNormalizeEvent_AssignsIDAndTimestamp(t *testing.T) {
	ev, ok := NormalizeEvent(WireEvent{Type: "thought", Data: map[string]any{"content": "x"}}, 7)
	if !ok {
		t.Fatal("normalize failed")
	}
	if ev.ID == "" {
		t.Error("ID not assigned")
	}
	if ev.Timestamp <= 0 {
		t.Error("timestamp not assigned")
	}
	if ev.Seq != 7 {
		t.Errorf("seq = %d, want fallback 7", ev.Seq)
	}
}

func TestNormalizeEvent_KeepsProvidedID(t *testing.T) {
	ev, _ := NormalizeEvent(WireEvent{Type: "thought", Data: map[string]any{"id": "ev-1", "content": "x"}}, 1)
	if ev.ID != "ev-1" {
		t.Errorf("ID = %q, want ev-1", ev.ID)
	}
}

// ─── seq resolution priority ───

func TestNormalizeEvent_SeqResolution(t *testing.T) {
	cases := []struct {
		name string
		wire WireEvent
		want int64
	}{
		{"top-level seq wins", WireEvent{Type: "thought", Seq: 42, Data: map[string]any{"seq": float64(9), "content": "x"}}, 42},
		{"data seq second", WireEvent{Type: "thought", Data: map[string]any{"seq": float64(9), "content": "x"}}, 9},
		{"fallback counter", WireEvent{Type: "thought", Data: map[string]any{"content": "x"}}, 5},
		{"zero seq ignored", WireEvent{Type: "thought", Seq: 0, Data: map[string]any{"content": "x"}}, 5},
		{"negative seq ignored", WireEvent{Type: "thought", Seq: -3, Data: map[string]any{"content": "x"}}, 5},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev, ok := NormalizeEvent(tc.wire, 5)
			if !ok {
				t.Fatal("normalize failed")
			}
			if ev.Seq != tc.want {
				t.Errorf("seq = %d, want %d", ev.Seq, tc.want)
			}
		})
	}
}

// ─── act: tool execution skeleton ───

func TestNormalizeEvent_ActBuildsExecution(t *testing.T) {
	wire := WireEvent{Type: "act", Data: map[string]any{
		"tool_name": "search",
		"call_id":   "t1",
		"tool_input": map[string]any{
			"query": "golang",
		},
		"timestamp": float64(1700000000000),
	}}
	ev, ok := NormalizeEvent(wire, 1)
	if !ok {
		t.Fatal("normalize failed")
	}
	if ev.ToolName != "search" || ev.CallID != "t1" {
		t.Fatalf("tool = %q call = %q", ev.ToolName, ev.CallID)
	}
	if ev.Execution == nil {
		t.Fatal("execution is nil")
	}
	if ev.Execution.ID != "t1" {
		t.Errorf("execution ID = %q, want call ID", ev.Execution.ID)
	}
	if ev.Execution.Status != ToolRunning {
		t.Errorf("status = %q, want running", ev.Execution.Status)
	}
	if ev.Execution.StartTime != 1700000000000 {
		t.Errorf("start time = %d", ev.Execution.StartTime)
	}
	if ev.Execution.Input["query"] != "golang" {
		t.Errorf("input = %v", ev.Execution.Input)
	}
}

func TestNormalizeEvent_ActWithoutCallIDGetsGeneratedID(t *testing.T) {
	ev, _ := NormalizeEvent(WireEvent{Type: "act", Data: map[string]any{"tool": "ls"}}, 1)
	if ev.Execution == nil || ev.Execution.ID == "" {
		t.Fatal("execution ID not generated")
	}
}

// ─── observe: explicit flag beats heuristic ───

func TestNormalizeEvent_ObserveErrorDetection(t *testing.T) {
	cases := []struct {
		name    string
		data    map[string]any
		wantErr bool
	}{
		{"explicit true", map[string]any{"content": "all good", "is_error": true}, true},
		{"explicit false overrides heuristic", map[string]any{"content": "Error: boom", "is_error": false}, false},
		{"heuristic error prefix", map[string]any{"content": "Error: not found"}, true},
		{"heuristic failed substring", map[string]any{"content": "command failed with exit 1"}, true},
		{"plain success", map[string]any{"content": "42 rows"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev, ok := NormalizeEvent(WireEvent{Type: "observe", Data: tc.data}, 1)
			if !ok {
				t.Fatal("normalize failed")
			}
			if ev.IsError != tc.wantErr {
				t.Errorf("is_error = %v, want %v", ev.IsError, tc.wantErr)
			}
		})
	}
}

// ─── step_end: completed iff success flag true ───

func TestNormalizeEvent_StepEndStatus(t *testing.T) {
	cases := []struct {
		name string
		data map[string]any
		want string
	}{
		{"success true", map[string]any{"step_number": float64(2), "success": true}, StepCompleted},
		{"success false", map[string]any{"step_number": float64(2), "success": false}, StepFailed},
		{"success missing", map[string]any{"step_number": float64(2)}, StepFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev, _ := NormalizeEvent(WireEvent{Type: "step_end", Data: tc.data}, 1)
			if ev.Status != tc.want {
				t.Errorf("status = %q, want %q", ev.Status, tc.want)
			}
			if ev.StepNumber != 2 {
				t.Errorf("step number = %d, want 2", ev.StepNumber)
			}
		})
	}
}

// ─── work_plan parsing ───

func TestNormalizeEvent_WorkPlanSteps(t *testing.T) {
	wire := WireEvent{Type: "work_plan", Data: map[string]any{
		"steps": []any{
			map[string]any{"step_number": float64(1), "description": "检索代码", "status": "completed"},
			map[string]any{"description": "修复问题"},
			"not-a-map",
		},
	}}
	ev, ok := NormalizeEvent(wire, 1)
	if !ok {
		t.Fatal("normalize failed")
	}
	if len(ev.Steps) != 2 {
		t.Fatalf("steps = %d, want 2", len(ev.Steps))
	}
	if ev.Steps[0].Status != "completed" {
		t.Errorf("step 1 status = %q", ev.Steps[0].Status)
	}
	if ev.Steps[1].StepNumber != 2 {
		t.Errorf("step 2 number = %d, want positional 2", ev.Steps[1].StepNumber)
	}
	if ev.Steps[1].Status != StepPending {
		t.Errorf("step 2 status = %q, want pending default", ev.Steps[1].Status)
	}
}

func TestNormalizeEvent_WorkPlanFallsBackToPlanKey(t *testing.T) {
	wire := WireEvent{Type: "work_plan", Data: map[string]any{
		"plan": []any{map[string]any{"description": "only step"}},
	}}
	ev, _ := NormalizeEvent(wire, 1)
	if len(ev.Steps) != 1 || ev.Steps[0].Description != "only step" {
		t.Fatalf("steps = %+v", ev.Steps)
	}
}

// ─── artifacts ───

func TestNormalizeEvent_CompleteArtifactsAndMeta(t *testing.T) {
	wire := WireEvent{Type: "complete", Data: map[string]any{
		"content": "done",
		"artifacts": []any{
			map[string]any{"id": "a1", "type": "file", "name": "report.md"},
			map[string]any{},
		},
		"meta": map[string]any{"total_tokens": float64(99)},
	}}
	ev, _ := NormalizeEvent(wire, 1)
	if len(ev.Artifacts) != 1 {
		t.Fatalf("artifacts = %d, want 1 (empty entry skipped)", len(ev.Artifacts))
	}
	if ev.Artifacts[0].Name != "report.md" {
		t.Errorf("artifact name = %q", ev.Artifacts[0].Name)
	}
	if ev.Meta == nil {
		t.Fatal("meta not carried")
	}
}

// ─── batch numbering ───

func TestBatchNormalize_CounterRestartsPerCall(t *testing.T) {
	batch := []WireEvent{
		{Type: "message", Data: map[string]any{"role": "user", "content": "q"}},
		{Type: "presence_ping", Data: map[string]any{}},
		{Type: "message", Data: map[string]any{"role": "assistant", "content": "a"}},
	}

	first := BatchNormalize(batch)
	second := BatchNormalize(batch)

	if len(first) != 2 || len(second) != 2 {
		t.Fatalf("lens = %d/%d, want 2/2 (unknown dropped)", len(first), len(second))
	}
	for _, got := range [2][]TimelineEvent{first, second} {
		if got[0].Seq != 1 || got[1].Seq != 2 {
			t.Errorf("seqs = %d,%d, want 1,2", got[0].Seq, got[1].Seq)
		}
	}
}

func TestBatchNormalize_CounterFollowsExplicitSeq(t *testing.T) {
	batch := []WireEvent{
		{Type: "message", Seq: 10, Data: map[string]any{"role": "user", "content": "q"}},
		{Type: "message", Data: map[string]any{"role": "assistant", "content": "a"}},
	}
	got := BatchNormalize(batch)
	if len(got) != 2 {
		t.Fatalf("len = %d", len(got))
	}
	if got[0].Seq != 10 || got[1].Seq != 11 {
		t.Errorf("seqs = %d,%d, want 10,11", got[0].Seq, got[1].Seq)
	}
}

// ─── heuristics ───

func TestLooksLikeError(t *testing.T) {
	cases := []struct {
		content string
		want    bool
	}{
		{"Error: file not found", true},
		{"  error: lowercase with padding", true},
		{"process failed midway", true},
		{"FAILED to connect", true},
		{"errors were saved to log", false},
		{"success", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := looksLikeError(tc.content); got != tc.want {
			t.Errorf("looksLikeError(%q) = %v, want %v", tc.content, got, tc.want)
		}
	}
}
