package logger

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// logRow 对应 system_logs 表的一行。
type logRow struct {
	Ts             time.Time
	Level          string
	Message        string
	Component      string
	ConversationID string
	SessionID      string
	EventType      string
	ToolName       string
	DurationMS     *int
	Extra          map[string]any
}

// ========================================
// DBHandler — slog → system_logs 异步落库
// ========================================

const (
	logQueueCap     = 1024
	logFlushBatch   = 100
	logFlushEvery   = 500 * time.Millisecond
	logWriteTimeout = 5 * time.Second
)

// DBHandler 实现 slog.Handler, 把日志攒批异步写进 PostgreSQL。
// 写路径完全不阻塞调用方: 队列满丢弃, DB 出错只打本地日志。
type DBHandler struct {
	pool   *pgxpool.Pool
	queue  chan logRow
	preset []slog.Attr
	group  string
	min    slog.Level
	done   chan struct{}
	// closed 被所有 WithAttrs/WithGroup 克隆体共享,
	// 保证 Shutdown 之后任何克隆体都不会再往已关闭的 queue 写。
	closed *atomic.Bool
}

// NewDBHandler 建 handler 并拉起后台落库 goroutine。
func NewDBHandler(pool *pgxpool.Pool, level slog.Level) *DBHandler {
	h := &DBHandler{
		pool:   pool,
		queue:  make(chan logRow, logQueueCap),
		min:    level,
		done:   make(chan struct{}),
		closed: &atomic.Bool{},
	}
	go h.run()
	return h
}

func (h *DBHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.min
}

// Handle 把 Record 压平成 logRow 后投入队列。
func (h *DBHandler) Handle(_ context.Context, r slog.Record) error {
	if h.closed.Load() {
		return nil
	}

	row := logRow{Ts: r.Time, Level: r.Level.String(), Message: r.Message}
	for _, a := range h.preset {
		absorbAttr(&row, a)
	}
	r.Attrs(func(a slog.Attr) bool {
		absorbAttr(&row, a)
		return true
	})

	h.enqueue(row)
	return nil
}

// enqueue 非阻塞投递, 队列满时丢弃该条。
// 与 Shutdown 并发时 send 可能撞上已关闭的 channel, recover 兜底。
func (h *DBHandler) enqueue(row logRow) {
	defer func() { _ = recover() }()
	select {
	case h.queue <- row:
	default:
	}
}

func (h *DBHandler) clone() *DBHandler {
	c := *h
	return &c
}

func (h *DBHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	c := h.clone()
	// 全切片表达式强制 append 复制, 克隆体之间互不串改 preset。
	c.preset = append(h.preset[:len(h.preset):len(h.preset)], attrs...)
	return c
}

func (h *DBHandler) WithGroup(name string) slog.Handler {
	c := h.clone()
	c.group = name
	return c
}

// Shutdown 幂等: 封口队列并等后台 goroutine 把存量写完。
func (h *DBHandler) Shutdown() {
	if !h.closed.CompareAndSwap(false, true) {
		return
	}
	close(h.queue)
	<-h.done
}

// run 攒批: 满 logFlushBatch 条或 logFlushEvery 到点就写一次。
func (h *DBHandler) run() {
	defer close(h.done)

	pending := make([]logRow, 0, logFlushBatch)
	tick := time.NewTicker(logFlushEvery)
	defer tick.Stop()

	flush := func() {
		if len(pending) == 0 {
			return
		}
		h.writeBatch(pending)
		pending = pending[:0]
	}

	for {
		select {
		case row, ok := <-h.queue:
			if !ok {
				flush()
				return
			}
			pending = append(pending, row)
			if len(pending) >= logFlushBatch {
				flush()
			}
		case <-tick.C:
			flush()
		}
	}
}

const insertLogSQL = `
	INSERT INTO system_logs
		(ts, level, message, component,
		 conversation_id, session_id, event_type, tool_name,
		 duration_ms, extra)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`

// writeBatch 整批走一次 SendBatch。写失败只记到控制台, 不往上抛 —
// 日志通道自己出问题不能反过来拖垮主流程。
func (h *DBHandler) writeBatch(rows []logRow) {
	ctx, cancel := context.WithTimeout(context.Background(), logWriteTimeout)
	defer cancel()

	b := &pgx.Batch{}
	for _, e := range rows {
		b.Queue(insertLogSQL,
			e.Ts, e.Level, e.Message, e.Component,
			e.ConversationID, e.SessionID, e.EventType, e.ToolName,
			e.DurationMS, encodeExtra(e.Extra),
		)
	}

	res := h.pool.SendBatch(ctx, b)
	defer func() { _ = res.Close() }()
	for range rows {
		if _, err := res.Exec(); err != nil {
			slog.Default().Warn("db log handler: batch insert failed", "error", err)
			return
		}
	}
}

// encodeExtra 序列化附加字段; 为空或序列化失败时落 NULL。
func encodeExtra(extra map[string]any) []byte {
	if len(extra) == 0 {
		return nil
	}
	data, err := json.Marshal(extra)
	if err != nil {
		slog.Default().Debug("db log handler: encode extra", "error", err)
		return nil
	}
	return data
}

// absorbAttr 把一条 slog.Attr 归进行的结构化列, 认不出的 key 收进 Extra。
func absorbAttr(row *logRow, a slog.Attr) {
	switch a.Key {
	case FieldComponent:
		row.Component = a.Value.String()
	case FieldConversationID:
		row.ConversationID = a.Value.String()
	case FieldSessionID:
		row.SessionID = a.Value.String()
	case FieldEventType:
		row.EventType = a.Value.String()
	case FieldToolName:
		row.ToolName = a.Value.String()
	case FieldDurationMS:
		if a.Value.Kind() == slog.KindInt64 {
			ms := int(a.Value.Int64())
			row.DurationMS = &ms
		}
	default:
		if row.Extra == nil {
			row.Extra = make(map[string]any)
		}
		row.Extra[a.Key] = a.Value.Any()
	}
}

// ========================================
// MultiHandler — 控制台 + DB 双路输出
// ========================================

// MultiHandler 把一条日志扇出给多个 slog.Handler。
type MultiHandler struct {
	handlers []slog.Handler
}

func NewMultiHandler(handlers ...slog.Handler) *MultiHandler {
	return &MultiHandler{handlers: handlers}
}

// Enabled 任意一路接受该级别即可。
func (m *MultiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

// Handle 逐路分发; 单路失败不影响其余。
func (m *MultiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, h := range m.handlers {
		if h.Enabled(ctx, r.Level) {
			_ = h.Handle(ctx, r)
		}
	}
	return nil
}

// fanout 对每一路做同样的变换, 返回新的 MultiHandler。
func (m *MultiHandler) fanout(transform func(slog.Handler) slog.Handler) slog.Handler {
	next := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		next[i] = transform(h)
	}
	return &MultiHandler{handlers: next}
}

func (m *MultiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return m.fanout(func(h slog.Handler) slog.Handler { return h.WithAttrs(attrs) })
}

func (m *MultiHandler) WithGroup(name string) slog.Handler {
	return m.fanout(func(h slog.Handler) slog.Handler { return h.WithGroup(name) })
}

// ========================================
// AttachDBHandler — 连接池就绪后动态挂载
// ========================================

var (
	attachMu  sync.Mutex
	dbHandler atomic.Pointer[DBHandler]
)

// unwrapBaseHandler 取出 MultiHandler 里的第一路 (控制台) handler。
// 反复 Attach 时避免 MultiHandler 套 MultiHandler。
func unwrapBaseHandler(h slog.Handler) slog.Handler {
	if mh, ok := h.(*MultiHandler); ok && len(mh.handlers) > 0 {
		return mh.handlers[0]
	}
	return h
}

// AttachDBHandler 在连接池就绪后把 DBHandler 挂成第二路输出:
// 此后 WARN 及以上双写 system_logs, 之前的日志只有控制台一份。
func AttachDBHandler(pool *pgxpool.Pool) {
	attachMu.Lock()
	defer attachMu.Unlock()

	if prev := dbHandler.Load(); prev != nil {
		prev.Shutdown()
	}

	dbh := NewDBHandler(pool, slog.LevelWarn)
	dbHandler.Store(dbh)

	console := unwrapBaseHandler(current().Handler())
	install(slog.New(NewMultiHandler(console, dbh)))
}

// ShutdownDBHandler 停写并清空缓冲, 进程退出前调用。
func ShutdownDBHandler() {
	if h := dbHandler.Load(); h != nil {
		h.Shutdown()
	}
}
