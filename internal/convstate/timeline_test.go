package convstate

import (
	"strings"
	"testing"
)

// ─── append + seq assignment ───

func TestAppendEvent_AssignsMonotonicSeq(t *testing.T) {
	m := newTestManager()

	for i, content := range []string{"a", "b", "c"} {
		ev, ok := m.AppendEvent("c1", TimelineEvent{Kind: KindUserMessage, Content: content})
		if !ok {
			t.Fatalf("append %d failed", i)
		}
		if ev.Seq != int64(i+1) {
			t.Errorf("seq = %d, want %d", ev.Seq, i+1)
		}
		if ev.ID == "" || ev.Timestamp <= 0 {
			t.Errorf("event %d missing ID/timestamp: %+v", i, ev)
		}
	}
}

func TestAppendEvent_DropsStaleSeq(t *testing.T) {
	m := newTestManager()
	m.AppendEvent("c1", TimelineEvent{Kind: KindUserMessage, Content: "first", Seq: 5})

	cases := []struct {
		name   string
		seq    int64
		wantOK bool
	}{
		{"duplicate seq dropped", 5, false},
		{"older seq dropped", 3, false},
		{"newer seq stored", 6, true},
		{"zero seq assigned next", 0, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, ok := m.AppendEvent("c1", TimelineEvent{Kind: KindThought, Content: "x", Seq: tc.seq})
			if ok != tc.wantOK {
				t.Errorf("ok = %v, want %v", ok, tc.wantOK)
			}
		})
	}

	events := m.Timeline("c1")
	if len(events) != 3 {
		t.Fatalf("timeline = %d events, want 3", len(events))
	}
	if events[2].Seq != 7 {
		t.Errorf("tail seq = %d, want 7 (6+1 assigned)", events[2].Seq)
	}
}

func TestAppendEvent_UserThenServerAssistant(t *testing.T) {
	m := newTestManager()

	user, _ := m.AppendEvent("c1", TimelineEvent{Kind: KindUserMessage, Content: "hello"})
	assistant, _ := m.AppendEvent("c1", TimelineEvent{Kind: KindAssistantMessage, Content: "world", Seq: 2})

	events := m.Timeline("c1")
	if len(events) != 2 {
		t.Fatalf("timeline = %d events, want 2", len(events))
	}
	if user.Seq != 1 || assistant.Seq != 2 {
		t.Errorf("seqs = %d, %d, want 1, 2", user.Seq, assistant.Seq)
	}
	if events[0].Content != "hello" || events[1].Content != "world" {
		t.Errorf("contents = %q, %q", events[0].Content, events[1].Content)
	}
}

func TestAppendEvent_EmptyConversationIDRejected(t *testing.T) {
	m := newTestManager()
	if _, ok := m.AppendEvent("  ", TimelineEvent{Kind: KindUserMessage, Content: "x"}); ok {
		t.Error("append accepted blank conversation ID")
	}
}

func TestAppendEvent_UpdatesCursors(t *testing.T) {
	m := newTestManager()
	m.AppendEvent("c1", TimelineEvent{Kind: KindUserMessage, Content: "a", Seq: 10})
	m.AppendEvent("c1", TimelineEvent{Kind: KindThought, Content: "b", Seq: 12})

	m.SetActiveConversation("c1")
	view, _ := m.ActiveView()
	if view.EarliestLoadedSeq == nil || *view.EarliestLoadedSeq != 10 {
		t.Errorf("earliest = %v, want 10", view.EarliestLoadedSeq)
	}
	if view.LatestLoadedSeq == nil || *view.LatestLoadedSeq != 12 {
		t.Errorf("latest = %v, want 12", view.LatestLoadedSeq)
	}
}

// ─── observation capping ───

func TestAppendEvent_CapsObserveContent(t *testing.T) {
	m := NewManager(nil, 16)

	long := strings.Repeat("x", 100)
	ev, _ := m.AppendEvent("c1", TimelineEvent{Kind: KindObserve, Content: long})
	if len(ev.Content) != 16 {
		t.Errorf("observe content = %d bytes, want capped 16", len(ev.Content))
	}

	msg, _ := m.AppendEvent("c1", TimelineEvent{Kind: KindAssistantMessage, Content: long})
	if len(msg.Content) != 100 {
		t.Errorf("assistant content = %d bytes, must not be capped", len(msg.Content))
	}
}

// ─── rollback removal ───

func TestRemoveEvent_RollsBackOptimisticInsert(t *testing.T) {
	m := newTestManager()
	ev, _ := m.AppendEvent("c1", TimelineEvent{Kind: KindUserMessage, Content: "doomed"})

	if !m.RemoveEvent("c1", ev.ID) {
		t.Fatal("remove failed")
	}
	if got := m.Timeline("c1"); len(got) != 0 {
		t.Fatalf("timeline = %d events, want 0", len(got))
	}

	m.SetActiveConversation("c1")
	view, _ := m.ActiveView()
	if view.EarliestLoadedSeq != nil || view.LatestLoadedSeq != nil {
		t.Error("cursors survived removal of the only event")
	}

	// 回滚后重新追加从 1 开始
	next, _ := m.AppendEvent("c1", TimelineEvent{Kind: KindUserMessage, Content: "retry"})
	if next.Seq != 1 {
		t.Errorf("post-rollback seq = %d, want 1", next.Seq)
	}
}

func TestRemoveEvent_RecomputesCursors(t *testing.T) {
	m := newTestManager()
	m.AppendEvent("c1", TimelineEvent{Kind: KindUserMessage, Content: "a", Seq: 1})
	m.AppendEvent("c1", TimelineEvent{Kind: KindThought, Content: "b", Seq: 2})
	tail, _ := m.AppendEvent("c1", TimelineEvent{Kind: KindThought, Content: "c", Seq: 3})

	m.RemoveEvent("c1", tail.ID)

	m.SetActiveConversation("c1")
	view, _ := m.ActiveView()
	if view.LatestLoadedSeq == nil || *view.LatestLoadedSeq != 2 {
		t.Errorf("latest = %v, want 2 after tail removal", view.LatestLoadedSeq)
	}
}

func TestRemoveEvent_UnknownIDReturnsFalse(t *testing.T) {
	m := newTestManager()
	m.AppendEvent("c1", TimelineEvent{Kind: KindUserMessage, Content: "a"})
	if m.RemoveEvent("c1", "no-such-event") {
		t.Error("remove reported success for unknown event")
	}
	if m.RemoveEvent("ghost", "whatever") {
		t.Error("remove reported success for unknown conversation")
	}
}

// ─── read isolation ───

func TestTimeline_ReturnsDeepCopy(t *testing.T) {
	m := newTestManager()
	m.AppendEvent("c1", TimelineEvent{Kind: KindAct, ToolName: "search", ToolInput: map[string]any{"k": "v"}})

	got := m.Timeline("c1")
	got[0].ToolInput["k"] = "tampered"
	got[0].Content = "tampered"

	fresh := m.Timeline("c1")
	if fresh[0].ToolInput["k"] != "v" {
		t.Error("map mutation leaked into manager state")
	}
	if fresh[0].Content == "tampered" {
		t.Error("field mutation leaked into manager state")
	}
}

func TestTimeline_UnknownConversationIsNil(t *testing.T) {
	m := newTestManager()
	if got := m.Timeline("ghost"); got != nil {
		t.Errorf("timeline = %v, want nil", got)
	}
}

// ─── replace + clear ───

func TestReplaceTimeline_SortsAndSetsCursors(t *testing.T) {
	m := newTestManager()
	m.ReplaceTimeline("c1", []TimelineEvent{
		{ID: "e6", Kind: KindAssistantMessage, Seq: 6},
		{ID: "e4", Kind: KindUserMessage, Seq: 4},
		{ID: "e5", Kind: KindThought, Seq: 5},
	}, true)

	events := m.Timeline("c1")
	if len(events) != 3 {
		t.Fatalf("timeline = %d events", len(events))
	}
	for i, want := range []int64{4, 5, 6} {
		if events[i].Seq != want {
			t.Errorf("events[%d].Seq = %d, want %d", i, events[i].Seq, want)
		}
	}

	m.SetActiveConversation("c1")
	view, _ := m.ActiveView()
	if *view.EarliestLoadedSeq != 4 || *view.LatestLoadedSeq != 6 {
		t.Errorf("cursors = %d/%d, want 4/6", *view.EarliestLoadedSeq, *view.LatestLoadedSeq)
	}
	if !view.HasEarlier {
		t.Error("has_earlier not carried")
	}
}

func TestReplaceTimeline_EmptyResetsCursors(t *testing.T) {
	m := newTestManager()
	m.AppendEvent("c1", TimelineEvent{Kind: KindUserMessage, Content: "x"})
	m.ReplaceTimeline("c1", nil, false)

	m.SetActiveConversation("c1")
	view, _ := m.ActiveView()
	if len(view.Timeline) != 0 || view.EarliestLoadedSeq != nil || view.LatestLoadedSeq != nil {
		t.Errorf("replace with empty batch left residue: %+v", view)
	}
}

func TestClearTimeline_KeepsDraft(t *testing.T) {
	m := newTestManager()
	m.AppendEvent("c1", TimelineEvent{Kind: KindUserMessage, Content: "x"})
	m.BeginDraft("c1")
	m.AppendDraft("c1", "half-written")

	m.ClearTimeline("c1")

	m.SetActiveConversation("c1")
	view, _ := m.ActiveView()
	if len(view.Timeline) != 0 || view.EarliestLoadedSeq != nil || view.HasEarlier {
		t.Error("clear left timeline residue")
	}
	if view.Draft != "half-written" {
		t.Errorf("draft = %q, must survive timeline clear", view.Draft)
	}
}

// ─── load-earlier pagination ───

func TestLoadEarlier_FullCycle(t *testing.T) {
	m := newTestManager()
	m.ReplaceTimeline("c1", []TimelineEvent{
		{ID: "e5", Kind: KindUserMessage, Seq: 5},
		{ID: "e6", Kind: KindAssistantMessage, Seq: 6},
	}, true)

	beforeSeq, ok := m.BeginLoadEarlier("c1")
	if !ok {
		t.Fatal("begin refused with has_earlier=true")
	}
	if beforeSeq != 5 {
		t.Fatalf("beforeSeq = %d, want earliest loaded 5", beforeSeq)
	}
	if _, ok := m.BeginLoadEarlier("c1"); ok {
		t.Fatal("begin accepted while already loading")
	}

	m.FinishLoadEarlier("c1", []TimelineEvent{
		{ID: "e4", Kind: KindThought, Seq: 4},
		{ID: "e3", Kind: KindUserMessage, Seq: 3},
	}, false)

	events := m.Timeline("c1")
	if len(events) != 4 {
		t.Fatalf("timeline = %d events, want 4", len(events))
	}
	for i, want := range []int64{3, 4, 5, 6} {
		if events[i].Seq != want {
			t.Errorf("events[%d].Seq = %d, want %d", i, events[i].Seq, want)
		}
	}

	m.SetActiveConversation("c1")
	view, _ := m.ActiveView()
	if *view.EarliestLoadedSeq != 3 {
		t.Errorf("earliest = %d, want 3", *view.EarliestLoadedSeq)
	}
	if view.HasEarlier || view.LoadingEarlier {
		t.Error("flags not cleared after finish")
	}
	if _, ok := m.BeginLoadEarlier("c1"); ok {
		t.Error("begin accepted with has_earlier=false")
	}
}

func TestLoadEarlier_GuardsEmptyTimeline(t *testing.T) {
	m := newTestManager()
	m.SetActiveConversation("c1")
	if _, ok := m.BeginLoadEarlier("c1"); ok {
		t.Error("begin accepted on empty timeline")
	}
	if _, ok := m.BeginLoadEarlier("ghost"); ok {
		t.Error("begin accepted for unknown conversation")
	}
}

func TestFinishLoadEarlier_FiltersOverlap(t *testing.T) {
	m := newTestManager()
	m.ReplaceTimeline("c1", []TimelineEvent{
		{ID: "e5", Kind: KindUserMessage, Seq: 5},
	}, true)
	m.BeginLoadEarlier("c1")

	// 批次里混入已加载区间的事件, 必须被过滤掉
	m.FinishLoadEarlier("c1", []TimelineEvent{
		{ID: "e4", Kind: KindThought, Seq: 4},
		{ID: "e5-dup", Kind: KindUserMessage, Seq: 5},
		{ID: "e7", Kind: KindThought, Seq: 7},
	}, false)

	events := m.Timeline("c1")
	if len(events) != 2 {
		t.Fatalf("timeline = %d events, want 2", len(events))
	}
	if events[0].Seq != 4 || events[1].Seq != 5 {
		t.Errorf("seqs = %d,%d, want 4,5", events[0].Seq, events[1].Seq)
	}
	if events[1].ID != "e5" {
		t.Error("existing event displaced by overlapping batch entry")
	}
}

func TestAbortLoadEarlier_AllowsRetry(t *testing.T) {
	m := newTestManager()
	m.ReplaceTimeline("c1", []TimelineEvent{{ID: "e5", Kind: KindUserMessage, Seq: 5}}, true)

	m.BeginLoadEarlier("c1")
	m.AbortLoadEarlier("c1")
	if _, ok := m.BeginLoadEarlier("c1"); !ok {
		t.Error("retry refused after abort")
	}
}

// ─── draft assembly ───

func TestDraft_AssemblyAcrossSegments(t *testing.T) {
	m := newTestManager()

	m.BeginDraft("c1")
	m.AppendDraft("c1", "Hel")
	m.AppendDraft("c1", "lo ")
	m.AppendDraft("c1", "世界")
	m.EndDraft("c1", "")

	m.SetActiveConversation("c1")
	view, _ := m.ActiveView()
	if view.Draft != "Hello 世界" {
		t.Errorf("draft = %q, want assembled text", view.Draft)
	}
	if view.TextStreaming {
		t.Error("text streaming flag survived end")
	}
}

func TestEndDraft_FullTextOverridesAssembly(t *testing.T) {
	m := newTestManager()
	m.BeginDraft("c1")
	m.AppendDraft("c1", "partial gar")
	m.EndDraft("c1", "authoritative full text")

	m.SetActiveConversation("c1")
	view, _ := m.ActiveView()
	if view.Draft != "authoritative full text" {
		t.Errorf("draft = %q, want server-provided text", view.Draft)
	}
}

func TestBeginDraft_ResetsPreviousSegment(t *testing.T) {
	m := newTestManager()
	m.BeginDraft("c1")
	m.AppendDraft("c1", "old segment")
	m.BeginDraft("c1")

	m.SetActiveConversation("c1")
	view, _ := m.ActiveView()
	if view.Draft != "" {
		t.Errorf("draft = %q, want reset", view.Draft)
	}
	if !view.TextStreaming {
		t.Error("text streaming flag not set")
	}
}
