// cmd/migrate — 独立迁移执行器 (部署流水线用, 不拉起服务)。
package main

import (
	"context"
	"os"

	"github.com/knowledge-agent/go-convsync/internal/config"
	"github.com/knowledge-agent/go-convsync/internal/database"
	"github.com/knowledge-agent/go-convsync/pkg/logger"
)

func main() {
	cfg := config.Load()
	logger.Init(cfg.LogLevel, cfg.AppEnv)

	dir := "./migrations"
	if len(os.Args) > 1 {
		dir = os.Args[1]
	}

	ctx := context.Background()
	pool, err := database.NewPool(ctx, cfg)
	if err != nil {
		logger.Fatal("database init failed", logger.Any(logger.FieldError, err))
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool, dir); err != nil {
		logger.Fatal("migration failed", logger.Any(logger.FieldError, err))
	}
	logger.Info("migrations up to date")
}
