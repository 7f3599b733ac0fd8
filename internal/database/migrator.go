// migrator.go — SQL 迁移执行器。
//
// migrations 目录下的 *.sql 按文件名序执行, 一个文件一个事务,
// 已执行版本登记在 schema_migrations 表。
package database

import (
	"context"
	"os"
	"path/filepath"

	"github.com/jackc/pgx/v5/pgxpool"

	apperrors "github.com/knowledge-agent/go-convsync/pkg/errors"
	"github.com/knowledge-agent/go-convsync/pkg/logger"
)

const createMigrationsTable = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version    TEXT PRIMARY KEY,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

// Migrate 把 migrationsDir 下未执行的迁移补齐到最新。
func Migrate(ctx context.Context, pool *pgxpool.Pool, migrationsDir string) error {
	if pool == nil {
		return apperrors.New("Migrate", "pool is required")
	}
	if _, err := pool.Exec(ctx, createMigrationsTable); err != nil {
		return apperrors.Wrap(err, "Migrate", "ensure schema_migrations")
	}

	files, err := migrationFiles(migrationsDir)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		logger.Info("no migration files found, skipping")
		return nil
	}

	applied, err := appliedVersions(ctx, pool)
	if err != nil {
		return err
	}
	pending := pendingCount(files, applied)
	if pending == 0 {
		return nil
	}
	logger.Infow("applying pending migrations", logger.FieldCount, pending)

	for _, name := range files {
		if applied[name] {
			continue
		}
		if err := runMigration(ctx, pool, migrationsDir, name); err != nil {
			return err
		}
		logger.Infow("migration applied", logger.FieldVersion, name)
	}
	return nil
}

// migrationFiles 列出目录下的 .sql 文件名 (字典序)。
// 目录不存在视为无迁移, 不算错误。
func migrationFiles(dir string) ([]string, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.sql"))
	if err != nil {
		return nil, apperrors.Wrap(err, "Migrate", "list migrations")
	}
	names := make([]string, 0, len(paths))
	for _, p := range paths {
		names = append(names, filepath.Base(p))
	}
	return names, nil
}

// appliedVersions 读出 schema_migrations 中已登记的版本集合。
func appliedVersions(ctx context.Context, pool *pgxpool.Pool) (map[string]bool, error) {
	rows, err := pool.Query(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, apperrors.Wrap(err, "Migrate", "query schema_migrations")
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, apperrors.Wrap(err, "Migrate", "scan version")
		}
		applied[version] = true
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(err, "Migrate", "iterate versions")
	}
	return applied, nil
}

// pendingCount 统计尚未执行的迁移数。
func pendingCount(files []string, applied map[string]bool) int {
	n := 0
	for _, name := range files {
		if !applied[name] {
			n++
		}
	}
	return n
}

// runMigration 在单个事务里执行迁移脚本并登记版本。
func runMigration(ctx context.Context, pool *pgxpool.Pool, dir, name string) error {
	script, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return apperrors.Wrapf(err, "Migrate", "read %s", name)
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return apperrors.Wrapf(err, "Migrate", "begin tx for %s", name)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, string(script)); err != nil {
		return apperrors.Wrapf(err, "Migrate", "exec %s", name)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, name); err != nil {
		return apperrors.Wrapf(err, "Migrate", "record %s", name)
	}
	if err := tx.Commit(ctx); err != nil {
		return apperrors.Wrapf(err, "Migrate", "commit %s", name)
	}
	return nil
}
