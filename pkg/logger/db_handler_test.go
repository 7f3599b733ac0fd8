package logger

import (
	"context"
	"log/slog"
	"testing"
	"time"
)

// ─── absorbAttr ───

func TestAbsorbAttrKnownColumns(t *testing.T) {
	row := &logRow{}
	cases := []struct {
		attr slog.Attr
		got  func() string
		want string
	}{
		{slog.String(FieldComponent, "session"), func() string { return row.Component }, "session"},
		{slog.String(FieldConversationID, "conv-1"), func() string { return row.ConversationID }, "conv-1"},
		{slog.String(FieldSessionID, "sess-abc"), func() string { return row.SessionID }, "sess-abc"},
		{slog.String(FieldEventType, "act"), func() string { return row.EventType }, "act"},
		{slog.String(FieldToolName, "search"), func() string { return row.ToolName }, "search"},
	}
	for _, tc := range cases {
		absorbAttr(row, tc.attr)
		if got := tc.got(); got != tc.want {
			t.Errorf("%s = %q, want %q", tc.attr.Key, got, tc.want)
		}
	}
	if row.Extra != nil {
		t.Errorf("known columns must not leak into Extra, got %v", row.Extra)
	}
}

func TestAbsorbAttrDuration(t *testing.T) {
	row := &logRow{}
	absorbAttr(row, slog.Int64(FieldDurationMS, 42))
	if row.DurationMS == nil || *row.DurationMS != 42 {
		t.Fatalf("DurationMS = %v, want 42", row.DurationMS)
	}

	// 非 int64 的 duration 丢弃, 不得污染 Extra
	row = &logRow{}
	absorbAttr(row, slog.String(FieldDurationMS, "fast"))
	if row.DurationMS != nil {
		t.Errorf("string duration should be ignored, got %v", *row.DurationMS)
	}
}

func TestAbsorbAttrUnknownKeyGoesToExtra(t *testing.T) {
	row := &logRow{}
	absorbAttr(row, slog.String("custom_field", "custom_value"))
	absorbAttr(row, slog.Int("retry", 3))

	if v, ok := row.Extra["custom_field"]; !ok || v != "custom_value" {
		t.Errorf("Extra[custom_field] = %v, want custom_value", v)
	}
	if v, ok := row.Extra["retry"]; !ok || v != int64(3) {
		t.Errorf("Extra[retry] = %v, want 3", v)
	}
}

// ─── encodeExtra ───

func TestEncodeExtra(t *testing.T) {
	if got := encodeExtra(nil); got != nil {
		t.Errorf("empty map should encode to nil, got %q", got)
	}
	if got := encodeExtra(map[string]any{}); got != nil {
		t.Errorf("empty map should encode to nil, got %q", got)
	}

	got := encodeExtra(map[string]any{"k": "v"})
	if string(got) != `{"k":"v"}` {
		t.Errorf("encodeExtra = %q", got)
	}

	// 不可序列化的值退回 NULL, 不得 panic
	if got := encodeExtra(map[string]any{"f": func() {}}); got != nil {
		t.Errorf("unmarshalable extra should encode to nil, got %q", got)
	}
}

// ─── MultiHandler ───

// recordSink 收集经过的 Record, 用于断言分发行为。
type recordSink struct {
	records *[]slog.Record
	level   slog.Level
}

func (s *recordSink) Enabled(_ context.Context, level slog.Level) bool {
	return level >= s.level
}

func (s *recordSink) Handle(_ context.Context, r slog.Record) error {
	*s.records = append(*s.records, r)
	return nil
}

func (s *recordSink) WithAttrs(_ []slog.Attr) slog.Handler { return s }
func (s *recordSink) WithGroup(_ string) slog.Handler      { return s }

func TestMultiHandlerFansOut(t *testing.T) {
	var left, right []slog.Record
	l := slog.New(NewMultiHandler(
		&recordSink{records: &left},
		&recordSink{records: &right},
	))

	l.Info("hello", FieldConversationID, "conv-1")

	if len(left) != 1 || len(right) != 1 {
		t.Fatalf("fan-out: got %d/%d records, want 1/1", len(left), len(right))
	}
	if left[0].Message != "hello" {
		t.Errorf("message = %q, want hello", left[0].Message)
	}
}

func TestMultiHandlerFiltersPerRoute(t *testing.T) {
	var warnOnly, all []slog.Record
	l := slog.New(NewMultiHandler(
		&recordSink{records: &warnOnly, level: slog.LevelWarn},
		&recordSink{records: &all, level: slog.LevelDebug},
	))

	l.Info("info line")
	l.Warn("warn line")

	if len(warnOnly) != 1 {
		t.Errorf("warn route got %d records, want 1", len(warnOnly))
	}
	if len(all) != 2 {
		t.Errorf("debug route got %d records, want 2", len(all))
	}
}

func TestMultiHandlerWithAttrsKeepsFanOut(t *testing.T) {
	var sink []slog.Record
	m := NewMultiHandler(&recordSink{records: &sink})

	derived, ok := m.WithAttrs([]slog.Attr{slog.String("k", "v")}).(*MultiHandler)
	if !ok {
		t.Fatal("WithAttrs should return a *MultiHandler")
	}
	if len(derived.handlers) != 1 {
		t.Fatalf("derived handler count = %d, want 1", len(derived.handlers))
	}
}

// ─── DBHandler 关闭语义 ───

func TestDBHandlerHandleAfterShutdownIsNoop(t *testing.T) {
	// pool 为 nil 也安全: Shutdown 先于任何攒批落库, 之后 Handle 直接丢弃。
	h := NewDBHandler(nil, slog.LevelWarn)
	h.Shutdown()

	rec := slog.NewRecord(time.Now(), slog.LevelError, "after shutdown", 0)
	if err := h.Handle(context.Background(), rec); err != nil {
		t.Fatalf("Handle after shutdown: %v", err)
	}

	// 幂等: 重复 Shutdown 不 panic
	h.Shutdown()
}

func TestDBHandlerClonesShareShutdown(t *testing.T) {
	h := NewDBHandler(nil, slog.LevelWarn)
	clone, ok := h.WithAttrs([]slog.Attr{slog.String(FieldComponent, "api")}).(*DBHandler)
	if !ok {
		t.Fatal("WithAttrs should return a *DBHandler")
	}
	if clone.closed != h.closed {
		t.Fatal("clone must share the closed flag with its origin")
	}

	h.Shutdown()

	// 克隆体在原 handler 关闭后同样只能丢弃
	rec := slog.NewRecord(time.Now(), slog.LevelError, "via clone", 0)
	if err := clone.Handle(context.Background(), rec); err != nil {
		t.Fatalf("clone Handle after shutdown: %v", err)
	}
}

func TestDBHandlerWithAttrsEmptyReturnsSelf(t *testing.T) {
	h := NewDBHandler(nil, slog.LevelWarn)
	defer h.Shutdown()

	if got := h.WithAttrs(nil); got != slog.Handler(h) {
		t.Error("WithAttrs(nil) should return the handler unchanged")
	}
}
