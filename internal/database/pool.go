// Package database 管理 PostgreSQL 连接池与 SQL 迁移。
//
// pgxpool 直连, 裸 SQL, 不经 ORM。
package database

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/knowledge-agent/go-convsync/internal/config"
	"github.com/knowledge-agent/go-convsync/pkg/logger"
	"github.com/knowledge-agent/go-convsync/pkg/util"
)

// NewPool 建池并做一次带超时的连通性探测。
func NewPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolCfg, err := poolConfig(cfg)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, time.Duration(cfg.PostgresPoolTimeoutSec)*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	logger.Infow("postgres pool ready",
		"min_conns", cfg.PostgresPoolMinSize,
		"max_conns", cfg.PostgresPoolMaxSize,
		"schema", cfg.PostgresSchema)
	return pool, nil
}

// poolConfig 解析 DSN 并套用池参数与 search_path。
func poolConfig(cfg *config.Config) (*pgxpool.Config, error) {
	if cfg.PostgresConnStr == "" {
		return nil, fmt.Errorf("POSTGRES_CONNECTION_STRING is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.PostgresConnStr)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	poolCfg.MinConns = int32(util.ClampInt(cfg.PostgresPoolMinSize, 0, math.MaxInt32))
	poolCfg.MaxConns = int32(util.ClampInt(cfg.PostgresPoolMaxSize, 1, math.MaxInt32))

	// 非 public schema 时, 每条新连接都设置 search_path
	// (标识符经 Sanitize, 防注入)。
	if schema := cfg.PostgresSchema; schema != "" && schema != "public" {
		poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
			_, err := conn.Exec(ctx, "SET search_path TO "+pgx.Identifier{schema}.Sanitize())
			return err
		}
	}
	return poolCfg, nil
}
