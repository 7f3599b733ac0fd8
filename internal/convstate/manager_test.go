package convstate

import (
	"testing"
	"time"
)

func newTestManager() *Manager {
	return NewManager(nil, 0)
}

func seedUserEvent(t *testing.T, m *Manager, convID, content string) TimelineEvent {
	t.Helper()
	ev, ok := m.AppendEvent(convID, TimelineEvent{Kind: KindUserMessage, Content: content})
	if !ok {
		t.Fatalf("append %q failed", content)
	}
	return ev
}

// ─── active conversation switching ───

func TestSetActiveConversation_FreshState(t *testing.T) {
	m := newTestManager()

	restored := m.SetActiveConversation("c1")
	if restored {
		t.Error("restored = true for a never-seen conversation")
	}
	if m.ActiveID() != "c1" {
		t.Errorf("active = %q, want c1", m.ActiveID())
	}
	view, ok := m.ActiveView()
	if !ok {
		t.Fatal("no active view")
	}
	if len(view.Timeline) != 0 || view.StreamStatus != StreamIdle {
		t.Errorf("fresh state not empty: %+v", view)
	}
}

func TestSetActiveConversation_SaveAndRestoreRoundTrip(t *testing.T) {
	m := newTestManager()
	m.SetActiveConversation("c1")
	seedUserEvent(t, m, "c1", "hello")
	seedUserEvent(t, m, "c1", "world")

	if restored := m.SetActiveConversation("c2"); restored {
		t.Error("c2 should start fresh")
	}
	seedUserEvent(t, m, "c2", "other thread")

	if restored := m.SetActiveConversation("c1"); !restored {
		t.Fatal("c1 should restore from snapshot")
	}
	view, _ := m.ActiveView()
	if len(view.Timeline) != 2 {
		t.Fatalf("timeline = %d events, want 2", len(view.Timeline))
	}
	if view.Timeline[0].Content != "hello" || view.Timeline[1].Content != "world" {
		t.Errorf("restored contents = %q, %q", view.Timeline[0].Content, view.Timeline[1].Content)
	}
	if view.Timeline[0].Seq != 1 || view.Timeline[1].Seq != 2 {
		t.Errorf("restored seqs = %d, %d", view.Timeline[0].Seq, view.Timeline[1].Seq)
	}
}

func TestSetActiveConversation_SameIDIsNoOp(t *testing.T) {
	m := newTestManager()
	m.SetActiveConversation("c1")
	seedUserEvent(t, m, "c1", "hello")

	if restored := m.SetActiveConversation("c1"); !restored {
		t.Error("same-id switch should report restored")
	}
	view, _ := m.ActiveView()
	if len(view.Timeline) != 1 {
		t.Errorf("timeline = %d events, want 1 (state must survive)", len(view.Timeline))
	}
}

func TestRestore_DoesNotAliasSnapshot(t *testing.T) {
	m := newTestManager()
	m.SetActiveConversation("c1")
	m.AppendEvent("c1", TimelineEvent{
		Kind:      KindAct,
		ToolName:  "search",
		CallID:    "t1",
		ToolInput: map[string]any{"query": "a"},
	})

	m.SetActiveConversation("c2") // saves c1 snapshot
	m.SetActiveConversation("c1") // restores a deep copy

	// Mutating the restored live state must not leak into the saved copy.
	seedUserEvent(t, m, "c1", "post-restore")
	m.SetActiveConversation("c2")
	m.SetActiveConversation("c1")
	view, _ := m.ActiveView()
	if len(view.Timeline) != 2 {
		t.Fatalf("timeline = %d events, want 2 (snapshot cycle lost data)", len(view.Timeline))
	}
}

func TestActiveView_ReturnsDeepCopy(t *testing.T) {
	m := newTestManager()
	m.SetActiveConversation("c1")
	m.AppendEvent("c1", TimelineEvent{
		Kind:      KindAct,
		ToolName:  "search",
		ToolInput: map[string]any{"query": "original"},
	})

	view, _ := m.ActiveView()
	view.Timeline[0].ToolInput["query"] = "tampered"
	view.Timeline[0].Content = "tampered"

	fresh, _ := m.ActiveView()
	if fresh.Timeline[0].ToolInput["query"] != "original" {
		t.Error("map mutation leaked through view copy")
	}
	if fresh.Timeline[0].Content == "tampered" {
		t.Error("field mutation leaked through view copy")
	}
}

func TestActiveView_NoActiveConversation(t *testing.T) {
	m := newTestManager()
	if _, ok := m.ActiveView(); ok {
		t.Error("ok = true with no active conversation")
	}
}

// ─── send lock ───

func TestTryAcquireSend_MutualExclusion(t *testing.T) {
	m := newTestManager()

	if !m.TryAcquireSend("c1") {
		t.Fatal("first acquire failed")
	}
	if m.TryAcquireSend("c1") {
		t.Fatal("second acquire succeeded while held")
	}
	m.ReleaseSend("c1")
	if !m.TryAcquireSend("c1") {
		t.Fatal("acquire after release failed")
	}
}

func TestTryAcquireSend_IndependentAcrossConversations(t *testing.T) {
	m := newTestManager()

	if !m.TryAcquireSend("c1") {
		t.Fatal("c1 acquire failed")
	}
	if !m.TryAcquireSend("c2") {
		t.Fatal("c2 acquire blocked by c1 lock")
	}
	if !m.LockHeld("c1") || !m.LockHeld("c2") {
		t.Error("lock table lost an entry")
	}
	m.ReleaseSend("c1")
	if m.LockHeld("c1") {
		t.Error("c1 still held after release")
	}
	if !m.LockHeld("c2") {
		t.Error("c2 released by c1's release")
	}
}

func TestReleaseSend_UnheldIsNoOp(t *testing.T) {
	m := newTestManager()
	m.ReleaseSend("never-held") // must not panic
	if m.LockHeld("never-held") {
		t.Error("phantom lock appeared")
	}
}

// ─── stream lifecycle ───

func TestBeginStream_ResetsProgressAndDraft(t *testing.T) {
	m := newTestManager()
	m.SetActiveConversation("c1")
	m.AppendEvent("c1", TimelineEvent{Kind: KindThought, Content: "old thought", StepNumber: 1})
	m.BeginDraft("c1")
	m.AppendDraft("c1", "stale draft")

	m.BeginStream("c1", "proj-9")

	view, _ := m.ActiveView()
	if !view.IsStreaming || view.StreamStatus != StreamWaiting {
		t.Errorf("stream flags = %v/%q, want true/waiting", view.IsStreaming, view.StreamStatus)
	}
	if view.Draft != "" || view.TextStreaming {
		t.Errorf("draft not cleared: %q", view.Draft)
	}
	if len(view.Steps) != 0 || len(view.Tools) != 0 {
		t.Errorf("progress not reset: %d steps, %d tools", len(view.Steps), len(view.Tools))
	}
	if view.ProjectID != "proj-9" {
		t.Errorf("project = %q, want proj-9", view.ProjectID)
	}
	if len(view.Timeline) != 1 {
		t.Error("timeline must survive stream start")
	}
}

func TestBeginStream_BackgroundConversation(t *testing.T) {
	m := newTestManager()
	m.SetActiveConversation("c1")
	m.BeginStream("c2", "")

	if !m.IsStreaming("c2") {
		t.Error("background conversation not streaming")
	}
	if m.IsStreaming("c1") {
		t.Error("active conversation wrongly marked streaming")
	}
}

func TestMarkStreamActive_OnlyFromWaiting(t *testing.T) {
	m := newTestManager()
	m.BeginStream("c1", "")
	m.MarkStreamActive("c1")
	if !m.IsStreaming("c1") {
		t.Fatal("stream dropped")
	}

	m.EndStream("c1", "")
	m.MarkStreamActive("c1") // idle conversation: must stay idle
	if m.IsStreaming("c1") {
		t.Error("MarkStreamActive revived an ended stream")
	}
}

func TestEndStream_ClearsFlagsAndDraft(t *testing.T) {
	m := newTestManager()
	m.SetActiveConversation("c1")
	m.BeginStream("c1", "")
	m.BeginDraft("c1")
	m.AppendDraft("c1", "partial text")

	m.EndStream("c1", "")

	view, _ := m.ActiveView()
	if view.IsStreaming || view.TextStreaming {
		t.Error("stream flags survived EndStream")
	}
	if view.StreamStatus != StreamIdle {
		t.Errorf("status = %q, want idle", view.StreamStatus)
	}
	if view.Draft != "" {
		t.Errorf("draft = %q, want cleared", view.Draft)
	}
}

func TestEndStream_UnknownConversationIsNoOp(t *testing.T) {
	m := newTestManager()
	m.EndStream("ghost", "") // must not create state
	if m.Timeline("ghost") != nil {
		t.Error("EndStream created a conversation")
	}
}

func TestSetStreamError_RecordsMessage(t *testing.T) {
	m := newTestManager()
	m.BeginStream("c1", "")
	m.SetStreamError("c1", "  transport exploded  ")
	m.EndStream("c1", StreamError)

	m.SetActiveConversation("c1")
	view, _ := m.ActiveView()
	if view.LastError != "transport exploded" {
		t.Errorf("last error = %q", view.LastError)
	}
	if view.StreamStatus != StreamError {
		t.Errorf("status = %q, want error", view.StreamStatus)
	}
}

// ─── eviction sweep ───

func TestSweepSnapshots_EvictsOnlyIdleStale(t *testing.T) {
	m := newTestManager()

	m.SetActiveConversation("active")
	seedUserEvent(t, m, "stale", "old")
	seedUserEvent(t, m, "streaming", "old")
	seedUserEvent(t, m, "locked", "old")
	m.BeginStream("streaming", "")
	if !m.TryAcquireSend("locked") {
		t.Fatal("lock setup failed")
	}

	time.Sleep(5 * time.Millisecond)
	evicted := m.SweepSnapshots(time.Millisecond)

	if len(evicted) != 1 || evicted[0] != "stale" {
		t.Fatalf("evicted = %v, want [stale]", evicted)
	}
	if m.Timeline("stale") != nil {
		t.Error("stale snapshot still present")
	}
	if m.Timeline("streaming") == nil {
		t.Error("streaming snapshot evicted")
	}
	if m.Timeline("locked") == nil {
		t.Error("locked snapshot evicted")
	}
	if m.ActiveID() != "active" {
		t.Error("active conversation evicted")
	}
}

func TestSweepSnapshots_FreshEntriesSurvive(t *testing.T) {
	m := newTestManager()
	seedUserEvent(t, m, "fresh", "new")
	if evicted := m.SweepSnapshots(time.Hour); len(evicted) != 0 {
		t.Errorf("evicted fresh entry: %v", evicted)
	}
}

// ─── drop ───

func TestDropConversation_RemovesStateAndLock(t *testing.T) {
	m := newTestManager()
	seedUserEvent(t, m, "c1", "x")
	m.TryAcquireSend("c1")

	m.DropConversation("c1")

	if m.Timeline("c1") != nil {
		t.Error("state survived drop")
	}
	if m.LockHeld("c1") {
		t.Error("lock survived drop")
	}
}

func TestDropConversation_ActiveConversation(t *testing.T) {
	m := newTestManager()
	m.SetActiveConversation("c1")
	m.DropConversation("c1")
	if m.ActiveID() != "" {
		t.Errorf("active = %q after dropping it", m.ActiveID())
	}
}

// ─── stats ───

func TestStats_Counts(t *testing.T) {
	m := newTestManager()
	m.SetActiveConversation("c1")
	seedUserEvent(t, m, "c1", "one")
	seedUserEvent(t, m, "c2", "two")
	m.TryAcquireSend("c1")

	stats := m.Stats()
	if stats["active_id"] != "c1" {
		t.Errorf("active_id = %v", stats["active_id"])
	}
	if stats["snapshot_count"] != 1 {
		t.Errorf("snapshot_count = %v, want 1", stats["snapshot_count"])
	}
	if stats["lock_count"] != 1 {
		t.Errorf("lock_count = %v, want 1", stats["lock_count"])
	}
	if stats["total_events"] != 2 {
		t.Errorf("total_events = %v, want 2", stats["total_events"])
	}
}
