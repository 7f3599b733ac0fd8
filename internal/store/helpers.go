// helpers.go — store 层共用的查询脚手架。
//
// 各 store 复用同一套模式:
//   - QueryBuilder: 渐进拼 WHERE, 多列 LIKE 搜索, LIMIT 钳位
//   - collectRows / collectOne: pgx 行 → struct 的泛型扫描
//   - mustMarshalJSON: JSONB 列的兜底序列化
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/knowledge-agent/go-convsync/pkg/util"
)

// BaseStore 是所有 store 的嵌入基底, 只负责持有连接池。
//
//	type FooStore struct{ BaseStore }
//	func NewFooStore(pool *pgxpool.Pool) *FooStore { return &FooStore{NewBaseStore(pool)} }
type BaseStore struct{ pool *pgxpool.Pool }

func NewBaseStore(pool *pgxpool.Pool) BaseStore { return BaseStore{pool: pool} }

// Pool 暴露连接池, 子 store 做事务或批量操作时用。
func (b BaseStore) Pool() *pgxpool.Pool { return b.pool }

// ========================================
// QueryBuilder — 动态 WHERE 拼接
// ========================================

// QueryBuilder 渐进式拼接 WHERE 条件, 占位符编号自动递增。
type QueryBuilder struct {
	conds []string
	args  []any
	argn  int
}

func NewQueryBuilder() *QueryBuilder { return &QueryBuilder{} }

// placeholder 发放下一个 $N 占位符。
func (q *QueryBuilder) placeholder() string {
	q.argn++
	return "$" + strconv.Itoa(q.argn)
}

// Eq 追加等值条件; 空值直接跳过, 调用方不必自己判空。
func (q *QueryBuilder) Eq(col, val string) *QueryBuilder {
	if val == "" {
		return q
	}
	q.conds = append(q.conds, col+" = "+q.placeholder())
	q.args = append(q.args, val)
	return q
}

// KeywordLike 追加大小写不敏感的多列关键词搜索, 列之间 OR。
// 关键词先过 EscapeLike, 配合 ESCAPE 子句让 % _ \ 按字面匹配。
func (q *QueryBuilder) KeywordLike(keyword string, cols ...string) *QueryBuilder {
	if keyword == "" || len(cols) == 0 {
		return q
	}
	pattern := "%" + util.EscapeLike(strings.ToLower(keyword)) + "%"
	group := make([]string, 0, len(cols))
	for _, col := range cols {
		group = append(group, "LOWER("+col+") LIKE "+q.placeholder()+` ESCAPE E'\\'`)
		q.args = append(q.args, pattern)
	}
	q.conds = append(q.conds, "("+strings.Join(group, " OR ")+")")
	return q
}

// Build 组装最终 SQL: baseSQL + WHERE + ORDER BY + LIMIT。
// limit 钳位到 [1, 2000], 以占位符传参。
func (q *QueryBuilder) Build(baseSQL, orderBy string, limit int) (string, []any) {
	var sb strings.Builder
	sb.WriteString(baseSQL)
	sb.WriteString(q.WhereClause())
	if orderBy != "" {
		sb.WriteString(" ORDER BY ")
		sb.WriteString(orderBy)
	}
	sb.WriteString(" LIMIT ")
	sb.WriteString(q.placeholder())
	q.args = append(q.args, util.ClampInt(limit, 1, 2000))
	return sb.String(), q.args
}

// Params 返回已累积的参数, 供不走 Build 的语句 (如 INSERT) 使用。
func (q *QueryBuilder) Params() []any { return q.args }

// WhereClause 返回含前导 " WHERE " 的子句, 没有条件时为空串。
func (q *QueryBuilder) WhereClause() string {
	if len(q.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(q.conds, " AND ")
}

// ========================================
// 泛型行扫描
// ========================================

func collectRows[T any](rows pgx.Rows) ([]T, error) {
	return pgx.CollectRows(rows, pgx.RowToStructByName[T])
}

// collectOne 扫描首行; 结果集为空返回 (nil, nil) 而不是错误。
func collectOne[T any](rows pgx.Rows) (*T, error) {
	item, err := pgx.CollectOneRow(rows, pgx.RowToStructByName[T])
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// ========================================
// JSONB 序列化
// ========================================

// mustMarshalJSON 序列化失败时回退 "{}" — JSONB 列不收空串,
// nil 显式写成 "null"。
func mustMarshalJSON(v any) []byte {
	if v == nil {
		return []byte("null")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}

// ========================================
// 通用删除
// ========================================

// DeleteByKey 按主键删一条。表名列名过 Sanitize, 键值走占位符。
func DeleteByKey(ctx context.Context, pool *pgxpool.Pool, table, keyCol, keyVal string) error {
	stmt := fmt.Sprintf("DELETE FROM %s WHERE %s = $1",
		pgx.Identifier{table}.Sanitize(),
		pgx.Identifier{keyCol}.Sanitize())
	_, err := pool.Exec(ctx, stmt, keyVal)
	return err
}
