// Package monitor 提供后台巡检: 快照回收、发送锁看门狗、日志保留清理。
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/knowledge-agent/go-convsync/internal/bus"
	"github.com/knowledge-agent/go-convsync/pkg/logger"
	"github.com/knowledge-agent/go-convsync/pkg/util"
)

// ========================================
// 依赖接口 (DRY: 解耦 convstate / session / store)
// ========================================

// StateSweeper 状态管理器的巡检侧视图 (convstate.Manager 满足)。
type StateSweeper interface {
	SweepSnapshots(ttl time.Duration) []string
	Locks() map[string]time.Time
	Stats() map[string]any
}

// SessionProbe 在途流式会话探测 (session.Controller 满足)。
type SessionProbe interface {
	HasSession(conversationID string) bool
}

// LogCleaner system_logs 保留期清理 (store.SystemLogStore 满足)。
type LogCleaner interface {
	CleanupSystemLogs(ctx context.Context, retentionDays int) (int, error)
}

// Options 巡检参数, 零值取默认。
type Options struct {
	Interval         time.Duration // 巡检周期 (默认 60s)
	SnapshotTTL      time.Duration // 快照空闲回收阈值 (默认 30min)
	LockStuckAfter   time.Duration // 发送锁持有告警阈值 (默认 5min)
	LogRetentionDays int           // system_logs 保留天数 (默认 30)
}

// ========================================
// Janitor 巡检器
// ========================================

// Janitor 后台巡检器。
//
// 每周期: 回收空闲快照 → 巡检发送锁表 → (每日一次) 清理过期日志。
// 看门狗只告警不抢锁: 泄漏的锁属于 bug, 自动补救会把它藏起来。
type Janitor struct {
	mgr   StateSweeper
	probe SessionProbe
	logs  LogCleaner      // 可为 nil (无 DB 部署)
	bus   *bus.MessageBus // 可为 nil

	opts Options

	mu             sync.Mutex
	lastLogCleanup time.Time
}

// NewJanitor 创建巡检器。
func NewJanitor(mgr StateSweeper, probe SessionProbe, logs LogCleaner, b *bus.MessageBus, opts Options) *Janitor {
	if opts.Interval <= 0 {
		opts.Interval = 60 * time.Second
	}
	if opts.SnapshotTTL <= 0 {
		opts.SnapshotTTL = 30 * time.Minute
	}
	if opts.LockStuckAfter <= 0 {
		opts.LockStuckAfter = 5 * time.Minute
	}
	if opts.LogRetentionDays <= 0 {
		opts.LogRetentionDays = 30
	}
	return &Janitor{mgr: mgr, probe: probe, logs: logs, bus: b, opts: opts}
}

// SweepResult 单次巡检结果。
type SweepResult struct {
	Evicted    []string `json:"evicted"`
	StuckLocks []string `json:"stuck_locks"`
	LogsPurged int      `json:"logs_purged"`
}

// Start 启动定期巡检 (goroutine + ticker), ctx 取消即退出。
func (j *Janitor) Start(ctx context.Context) {
	util.SafeGoNamed("janitor", func() {
		ticker := time.NewTicker(j.opts.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				j.RunOnce(ctx)
			}
		}
	})
	logger.Infow("janitor started",
		"interval", j.opts.Interval.String(),
		"snapshot_ttl", j.opts.SnapshotTTL.String(),
		"lock_stuck_after", j.opts.LockStuckAfter.String())
}

// RunOnce 执行一次巡检周期。
func (j *Janitor) RunOnce(ctx context.Context) *SweepResult {
	result := &SweepResult{}

	result.Evicted = j.mgr.SweepSnapshots(j.opts.SnapshotTTL)
	if len(result.Evicted) > 0 {
		logger.Infow("janitor: snapshots evicted",
			logger.FieldCount, len(result.Evicted),
			"conversations", result.Evicted)
		j.publish(bus.MsgJanitorEvict, map[string]any{"conversations": result.Evicted})
	}

	result.StuckLocks = j.sweepLocks()
	result.LogsPurged = j.cleanupLogs(ctx)

	logger.Debugw("janitor: sweep complete", "stats", j.mgr.Stats())
	return result
}

// sweepLocks 巡检锁表: 持有超阈值且没有对应在途会话的锁视为卡死。
func (j *Janitor) sweepLocks() []string {
	now := time.Now()
	var stuck []string
	for id, since := range j.mgr.Locks() {
		age := now.Sub(since)
		if age < j.opts.LockStuckAfter {
			continue
		}
		if j.probe != nil && j.probe.HasSession(id) {
			// 长流式会话合法持锁
			continue
		}
		stuck = append(stuck, id)
		logger.Warnw("janitor: send lock stuck",
			logger.FieldConversationID, id,
			"held_for", age.Round(time.Second).String())
		j.publish(bus.MsgLockStuck, map[string]any{
			"conversation_id": id,
			"held_for_sec":    int(age.Seconds()),
		})
	}
	return stuck
}

// cleanupLogs 每 24h 跑一次保留期清理 (首个周期立即执行一次)。
func (j *Janitor) cleanupLogs(ctx context.Context) int {
	if j.logs == nil {
		return 0
	}

	j.mu.Lock()
	due := time.Since(j.lastLogCleanup) >= 24*time.Hour
	if due {
		j.lastLogCleanup = time.Now()
	}
	j.mu.Unlock()
	if !due {
		return 0
	}

	n, err := j.logs.CleanupSystemLogs(ctx, j.opts.LogRetentionDays)
	if err != nil {
		logger.Errorw("janitor: system log cleanup failed", logger.FieldError, err)
		return 0
	}
	if n > 0 {
		logger.Infow("janitor: system logs purged",
			logger.FieldCount, n,
			"retention_days", j.opts.LogRetentionDays)
	}
	return n
}

func (j *Janitor) publish(msgType string, payload any) {
	if j.bus == nil {
		return
	}
	j.bus.PublishTo(bus.TopicSystem+".janitor", "janitor", msgType, payload)
}
