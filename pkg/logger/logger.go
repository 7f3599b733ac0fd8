// Package logger 是全仓统一的结构化日志入口, 底层为 slog。
//
// 提供:
//   - Init: 按环境选 handler (dev 走 tint 彩色终端, 其余 JSON)
//   - InitWithFile: stdout 与日志文件双写
//   - FromContext: 请求链路内携带日志器
//   - Info/Warn/Error/Debug 及 w/f 变体的包级快捷方法
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lmittmann/tint"

	pkgerr "github.com/knowledge-agent/go-convsync/pkg/errors"
)

// activeLogger 持有当前生效的日志器; atomic.Pointer 让热替换无锁且无 data race。
var activeLogger atomic.Pointer[slog.Logger]

var (
	logFile   *os.File   // 当前日志文件, ShutdownFileHandler 负责关闭
	logFileMu sync.Mutex // 串行化 logFile 的换入换出
)

// logTZ 固定东八区, 所有落盘时间按此时区渲染。
var logTZ = time.FixedZone("UTC+8", 8*60*60)

const logTimeLayout = "2006-01-02 15:04:05"

func init() { activeLogger.Store(newLogger(slog.LevelInfo, false)) }

func current() *slog.Logger { return activeLogger.Load() }

// install 替换当前日志器, 并保持 slog.SetDefault 同步。
func install(l *slog.Logger) {
	activeLogger.Store(l)
	slog.SetDefault(l)
}

// rewriteTimeAttr 把 slog 的时间属性改写成东八区的易读字符串。
func rewriteTimeAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Key != slog.TimeKey {
		return a
	}
	if t, ok := a.Value.Any().(time.Time); ok {
		a.Value = slog.StringValue(t.In(logTZ).Format(logTimeLayout))
	}
	return a
}

// ParseLevel 解析级别字符串, 大小写不敏感, 解析不了回落 INFO。
func ParseLevel(level string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func newLogger(level slog.Level, development bool) *slog.Logger {
	if development {
		return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
			Level:      level,
			AddSource:  true,
			TimeFormat: "15:04:05.000",
		}))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: rewriteTimeAttr,
	}))
}

// Init 初始化日志配置。
//
// level: "DEBUG"/"INFO"/"WARN"/"ERROR" (默认 INFO)。
// env: "development"/"dev" 走 tint 彩色终端, 其余为 JSON。
func Init(level, env string) {
	dev := env == "development" || env == "dev"
	install(newLogger(ParseLevel(level), dev))
}

// InitWithFile 初始化日志, stdout 与日志文件双写 (均为 JSON)。
//
// 文件名: {logDir}/convsync-{date}.log。重复调用先关旧文件。
// 调用者退出前应调 ShutdownFileHandler()。
func InitWithFile(level, logDir string) error {
	f, err := openDatedLogFile(logDir)
	if err != nil {
		return err
	}

	logFileMu.Lock()
	if logFile != nil {
		_ = logFile.Close()
	}
	logFile = f
	logFileMu.Unlock()

	sink := io.MultiWriter(os.Stdout, f)
	install(slog.New(slog.NewJSONHandler(sink, &slog.HandlerOptions{
		Level:       ParseLevel(level),
		ReplaceAttr: rewriteTimeAttr,
	})))

	slog.Info("log file opened", "path", f.Name())
	return nil
}

func openDatedLogFile(logDir string) (*os.File, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, pkgerr.Wrap(err, "Logger.Init", "create log dir")
	}
	name := fmt.Sprintf("convsync-%s.log", time.Now().Format("2006-01-02"))
	f, err := os.OpenFile(filepath.Join(logDir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, pkgerr.Wrap(err, "Logger.Init", "open log file")
	}
	return f, nil
}

// ShutdownFileHandler 刷盘并关闭日志文件, 可重复调用。
func ShutdownFileHandler() {
	logFileMu.Lock()
	defer logFileMu.Unlock()
	if logFile == nil {
		return
	}
	_ = logFile.Sync()
	_ = logFile.Close()
	logFile = nil
}

// ========================================
// Context 链路日志
// ========================================

type ctxKey struct{}

// WithContext 把日志器挂进 context, 供下游 FromContext 取用。
func WithContext(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext 取 context 里的日志器, 没有则回落全局默认。
func FromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok {
		return l
	}
	return current()
}

// ========================================
// 包级快捷方法
// ========================================

// Info/Error/Warn/Debug 记录结构化日志, args 为 key-value 对。
func Info(msg string, args ...any)  { current().Info(msg, args...) }
func Error(msg string, args ...any) { current().Error(msg, args...) }
func Warn(msg string, args ...any)  { current().Warn(msg, args...) }
func Debug(msg string, args ...any) { current().Debug(msg, args...) }

// Infof/Errorf/Warnf/Debugf 记录 printf 风格日志。
func Infof(format string, args ...any)  { current().Info(fmt.Sprintf(format, args...)) }
func Errorf(format string, args ...any) { current().Error(fmt.Sprintf(format, args...)) }
func Warnf(format string, args ...any)  { current().Warn(fmt.Sprintf(format, args...)) }
func Debugf(format string, args ...any) { current().Debug(fmt.Sprintf(format, args...)) }

// Infow/Warnw/Errorw/Debugw 等同无后缀版本, 兼容别名。
func Infow(msg string, keysAndValues ...any)  { current().Info(msg, keysAndValues...) }
func Warnw(msg string, keysAndValues ...any)  { current().Warn(msg, keysAndValues...) }
func Errorw(msg string, keysAndValues ...any) { current().Error(msg, keysAndValues...) }
func Debugw(msg string, keysAndValues ...any) { current().Debug(msg, keysAndValues...) }

// exitFunc 测试里替换掉, 拦截 os.Exit。
var exitFunc = os.Exit

// Fatal 记录致命错误并退出, 退出前先把 DB 日志与文件刷干净。
func Fatal(msg string, args ...any) {
	current().Error(msg, args...)
	ShutdownDBHandler()
	ShutdownFileHandler()
	exitFunc(1)
}

// With 返回带附加上下文的日志器。
func With(args ...any) *slog.Logger { return current().With(args...) }

// Get 返回底层 slog.Logger。
func Get() *slog.Logger { return current() }

// Attr 类型别名, 调用方不必直接 import slog。
type Attr = slog.Attr

func Any(key string, value any) Attr     { return slog.Any(key, value) }
func String(key, value string) Attr      { return slog.String(key, value) }
func Int64(key string, value int64) Attr { return slog.Int64(key, value) }

// 字段名常量 — 统一键名, 勿在调用点硬编码字符串。
const (
	FieldConversationID = "conversation_id"
	FieldProjectID      = "project_id"
	FieldSessionID      = "session_id"
	FieldTraceID        = "trace_id"
	FieldComponent      = "component"
	FieldError          = "error"
	FieldStatus         = "status"
	FieldLatencyMS      = "latency_ms"
	FieldCount          = "count"
	FieldPath           = "path"
	FieldMethod         = "method"
	FieldEventType      = "event_type"
	FieldKind           = "kind"
	FieldSeq            = "seq"
	FieldToolName       = "tool_name"
	FieldCallID         = "call_id"
	FieldStep           = "step"
	FieldDurationMS     = "duration_ms"
	FieldTopic          = "topic"
	FieldSubscriber     = "subscriber"
	FieldAddr           = "addr"
	FieldURL            = "url"
	FieldListen         = "listen"
	FieldPort           = "port"
	FieldLimit          = "limit"
	FieldReason         = "reason"
	FieldState          = "state"
	FieldID             = "id"
	FieldKey            = "key"
	FieldLen            = "len"
	FieldBytes          = "bytes"
	FieldVersion        = "version"
)
