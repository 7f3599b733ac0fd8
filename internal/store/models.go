// Package store 提供 PostgreSQL 持久层。
//
// Go struct 的 db tag 直接对应表列名, 行扫描统一走
// pgx.CollectRows + RowToStructByName (见 helpers.go)。
package store

import (
	"encoding/json"
	"time"
)

// ========================================
// 会话 (Conversation) — 表 conversations
// ========================================

// Conversation 会话登记行。last_seq 冗余记录时间线尾部序号,
// 供列表页展示与一致性核对, 权威序号以 timeline_events 为准。
type Conversation struct {
	ID        string    `db:"id" json:"id"`
	ProjectID string    `db:"project_id" json:"project_id"`
	Title     string    `db:"title" json:"title"`
	LastSeq   int64     `db:"last_seq" json:"last_seq"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// ========================================
// 时间线事件 (TimelineEventRow) — 表 timeline_events
// ========================================

// TimelineEventRow 时间线事件镜像行。
//
// payload 存放完整事件 JSON; seq 列与 payload 内序号一致,
// (conversation_id, seq) 唯一约束吸收至少一次投递带来的重复写。
type TimelineEventRow struct {
	ID             int64           `db:"id" json:"id"`
	ConversationID string          `db:"conversation_id" json:"conversation_id"`
	EventID        string          `db:"event_id" json:"event_id"`
	Seq            int64           `db:"seq" json:"seq"`
	Kind           string          `db:"kind" json:"kind"`
	Payload        json.RawMessage `db:"payload" json:"payload"`
	Ts             time.Time       `db:"ts" json:"ts"`
}
