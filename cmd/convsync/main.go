// cmd/convsync — 会话同步服务主入口。
package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/knowledge-agent/go-convsync/internal/api"
	"github.com/knowledge-agent/go-convsync/internal/bus"
	"github.com/knowledge-agent/go-convsync/internal/config"
	"github.com/knowledge-agent/go-convsync/internal/convstate"
	"github.com/knowledge-agent/go-convsync/internal/database"
	"github.com/knowledge-agent/go-convsync/internal/monitor"
	"github.com/knowledge-agent/go-convsync/internal/session"
	"github.com/knowledge-agent/go-convsync/internal/store"
	"github.com/knowledge-agent/go-convsync/internal/transport"
	"github.com/knowledge-agent/go-convsync/pkg/logger"
	"github.com/knowledge-agent/go-convsync/pkg/util"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg := config.Load()
	logger.Init(cfg.LogLevel, cfg.AppEnv)

	pool, err := database.NewPool(ctx, cfg)
	if err != nil {
		logger.Fatal("database init failed", logger.Any(logger.FieldError, err))
	}
	defer pool.Close()
	logger.AttachDBHandler(pool)
	defer logger.ShutdownDBHandler()

	if err := database.Migrate(ctx, pool, "./migrations"); err != nil {
		logger.Fatal("migration failed", logger.Any(logger.FieldError, err))
	}

	conversations := store.NewConversationStore(pool)
	events := store.NewTimelineEventStore(pool)
	systemLogs := store.NewSystemLogStore(pool)

	b := bus.NewMessageBus()
	mgr := convstate.NewManager(b, cfg.ObservationMaxBytes)

	tp := transport.NewWSTransport(cfg.PlatformWSURL,
		time.Duration(cfg.PlatformDialTimeoutSec)*time.Second,
		time.Duration(cfg.PlatformWriteTimeoutSec)*time.Second)

	ctl := session.NewController(ctx, mgr, tp, events, conversations, session.Options{
		CoalesceMaxChars: cfg.CoalesceMaxChars,
		CoalesceInterval: time.Duration(cfg.CoalesceFlushMS) * time.Millisecond,
		HistoryPageSize:  cfg.HistoryPageSize,
	})

	// 启动巡检
	janitor := monitor.NewJanitor(mgr, ctl, systemLogs, b, monitor.Options{
		Interval:         time.Duration(cfg.JanitorIntervalSec) * time.Second,
		SnapshotTTL:      time.Duration(cfg.SnapshotTTLSec) * time.Second,
		LockStuckAfter:   time.Duration(cfg.LockStuckWarnSec) * time.Second,
		LogRetentionDays: cfg.SystemLogRetentionDays,
	})
	janitor.Start(ctx)

	srv := api.NewServer(api.Deps{
		Manager:       mgr,
		Control:       ctl,
		Conversations: conversations,
		Events:        events,
		Bus:           b,
		SSEKeepalive:  time.Duration(cfg.SSEKeepaliveSec) * time.Second,
		PageSize:      cfg.HistoryPageSize,
		MaxPageSize:   cfg.HistoryMaxPageSize,
	})

	logger.Infow("convsync starting", logger.FieldPort, cfg.HTTPListenAddr)

	util.SafeGoNamed("http-server", func() {
		if err := srv.Engine().Run(cfg.HTTPListenAddr); err != nil {
			logger.Fatal("server failed", logger.Any(logger.FieldError, err))
		}
	})

	<-ctx.Done()
	logger.Info("shutting down")
}
