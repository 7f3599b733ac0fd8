// conversation.go — conversations 表 CRUD (会话登记)。
package store

import (
	"context"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ConversationStore conversations 存储。
type ConversationStore struct{ BaseStore }

// NewConversationStore 创建。
func NewConversationStore(pool *pgxpool.Pool) *ConversationStore {
	return &ConversationStore{NewBaseStore(pool)}
}

const convCols = "id, project_id, title, last_seq, created_at, updated_at"

// Create 登记新会话。
func (s *ConversationStore) Create(ctx context.Context, id, projectID, title string) (*Conversation, error) {
	now := time.Now().UTC()
	conv := &Conversation{
		ID:        id,
		ProjectID: projectID,
		Title:     strings.TrimSpace(title),
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO conversations (id, project_id, title, last_seq, created_at, updated_at)
		 VALUES ($1, $2, $3, 0, $4, $4)`,
		conv.ID, conv.ProjectID, conv.Title, now)
	if err != nil {
		return nil, err
	}
	return conv, nil
}

// Get 按 id 查询, 不存在返回 nil。
func (s *ConversationStore) Get(ctx context.Context, id string) (*Conversation, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT "+convCols+" FROM conversations WHERE id = $1", id)
	if err != nil {
		return nil, err
	}
	return collectOne[Conversation](rows)
}

// List 查询会话列表 (支持 project 过滤 + 标题关键词搜索, 最近更新在前)。
func (s *ConversationStore) List(ctx context.Context, projectID, keyword string, limit int) ([]Conversation, error) {
	q := NewQueryBuilder().
		Eq("project_id", projectID).
		KeywordLike(keyword, "title")
	sql, params := q.Build("SELECT "+convCols+" FROM conversations", "updated_at DESC", limit)
	rows, err := s.pool.Query(ctx, sql, params...)
	if err != nil {
		return nil, err
	}
	return collectRows[Conversation](rows)
}

// TouchLastSeq 推进 last_seq 水位 (只前进不后退) 并刷新 updated_at。
func (s *ConversationStore) TouchLastSeq(ctx context.Context, id string, seq int64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE conversations SET last_seq = GREATEST(last_seq, $2), updated_at = NOW() WHERE id = $1`,
		id, seq)
	return err
}

// UpdateTitle 更新标题。
func (s *ConversationStore) UpdateTitle(ctx context.Context, id, title string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE conversations SET title = $2, updated_at = NOW() WHERE id = $1`,
		id, strings.TrimSpace(title))
	return err
}

// Delete 删除会话登记行。
func (s *ConversationStore) Delete(ctx context.Context, id string) error {
	return DeleteByKey(ctx, s.pool, "conversations", "id", id)
}
