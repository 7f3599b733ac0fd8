// Package config 集中声明全部运行参数。
//
// 字段通过 struct tag 绑定环境变量:
//
//	`env:"VAR_NAME" default:"value" min:"0"`
//
// Load() 反射填充, 新增配置只需加一个字段, 不用改加载代码。
package config

import (
	"github.com/knowledge-agent/go-convsync/pkg/util"
)

// Config 应用全局配置, 每个字段对应一个 .env 变量。
type Config struct {
	// 运行环境
	AppEnv   string `env:"APP_ENV" default:"production"`
	LogLevel string `env:"LOG_LEVEL" default:"INFO"`

	// HTTP API
	HTTPListenAddr  string `env:"HTTP_LISTEN_ADDR" default:":8080"`
	SSEKeepaliveSec int    `env:"SSE_KEEPALIVE_SEC" default:"30" min:"1"`

	// 平台流式端点 (WebSocket)
	PlatformWSURL           string `env:"PLATFORM_WS_URL" default:"ws://127.0.0.1:9020/stream"`
	PlatformDialTimeoutSec  int    `env:"PLATFORM_DIAL_TIMEOUT_SEC" default:"10" min:"1"`
	PlatformWriteTimeoutSec int    `env:"PLATFORM_WRITE_TIMEOUT_SEC" default:"10" min:"1"`

	// PostgreSQL
	PostgresConnStr        string `env:"POSTGRES_CONNECTION_STRING"`
	PostgresSchema         string `env:"POSTGRES_SCHEMA" default:"public"`
	PostgresPoolMinSize    int    `env:"POSTGRES_POOL_MIN_SIZE" default:"1" min:"1"`
	PostgresPoolMaxSize    int    `env:"POSTGRES_POOL_MAX_SIZE" default:"10" min:"1"`
	PostgresPoolTimeoutSec int    `env:"POSTGRES_POOL_TIMEOUT_SEC" default:"10" min:"1"`

	// 文本增量合并 (coalescer)
	CoalesceMaxChars int `env:"COALESCE_MAX_CHARS" default:"50" min:"1"`
	CoalesceFlushMS  int `env:"COALESCE_FLUSH_MS" default:"16" min:"1"`

	// 历史分页
	HistoryPageSize    int `env:"HISTORY_PAGE_SIZE" default:"50" min:"1"`
	HistoryMaxPageSize int `env:"HISTORY_MAX_PAGE_SIZE" default:"200" min:"1"`

	// 观察内容截断 (字节)
	ObservationMaxBytes int `env:"OBSERVATION_MAX_BYTES" default:"65536" min:"1024"`

	// 快照清理 + 锁看门狗
	JanitorIntervalSec int `env:"JANITOR_INTERVAL_SEC" default:"60" min:"1"`
	SnapshotTTLSec     int `env:"SNAPSHOT_TTL_SEC" default:"1800" min:"60"`
	LockStuckWarnSec   int `env:"LOCK_STUCK_WARN_SEC" default:"300" min:"1"`

	// system_logs 保留天数
	SystemLogRetentionDays int `env:"SYSTEM_LOG_RETENTION_DAYS" default:"30" min:"1"`
}

// Load 从环境变量加载配置, 并做跨字段兜底。
func Load() *Config {
	cfg := &Config{}
	util.LoadFromEnv(cfg)

	// 默认页不得大于最大页, 否则分页接口的钳位会前后打架
	cfg.HistoryPageSize = min(cfg.HistoryPageSize, cfg.HistoryMaxPageSize)
	return cfg
}
