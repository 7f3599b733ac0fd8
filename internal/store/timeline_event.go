// timeline_event.go — timeline_events 表读写 (时间线镜像与历史分页)。
//
// 内存时间线的每次追加都会镜像到这里; 历史回放与向前翻页从这里读。
// 分页统一使用 limit+1 探测判断是否还有更多。
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/knowledge-agent/go-convsync/internal/convstate"
	apperrors "github.com/knowledge-agent/go-convsync/pkg/errors"
)

// TimelineEventStore timeline_events 存储。
type TimelineEventStore struct{ BaseStore }

// NewTimelineEventStore 创建。
func NewTimelineEventStore(pool *pgxpool.Pool) *TimelineEventStore {
	return &TimelineEventStore{NewBaseStore(pool)}
}

const teCols = "id, conversation_id, event_id, seq, kind, payload, ts"

// Insert 镜像一条时间线事件。
//
// (conversation_id, seq) 冲突时静默跳过: 至少一次投递下的重复镜像
// 不算错误。
func (s *TimelineEventStore) Insert(ctx context.Context, conversationID string, ev convstate.TimelineEvent) error {
	payload := mustMarshalJSON(ev)
	ts := time.UnixMilli(ev.Timestamp).UTC()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO timeline_events (conversation_id, event_id, seq, kind, payload, ts)
		 VALUES ($1, $2, $3, $4, $5::jsonb, $6)
		 ON CONFLICT (conversation_id, seq) DO NOTHING`,
		conversationID, ev.ID, ev.Seq, string(ev.Kind), string(payload), ts)
	return err
}

// DeleteByEventID 按事件 id 删除 (乐观插入回滚)。返回是否确有删除。
func (s *TimelineEventStore) DeleteByEventID(ctx context.Context, conversationID, eventID string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM timeline_events WHERE conversation_id = $1 AND event_id = $2`,
		conversationID, eventID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// ListLatest 取最新一页 (升序返回), hasMore 表示更早还有。
func (s *TimelineEventStore) ListLatest(ctx context.Context, conversationID string, limit int) ([]convstate.TimelineEvent, bool, error) {
	limit = normalizePageLimit(limit)
	rows, err := s.pool.Query(ctx,
		"SELECT "+teCols+" FROM timeline_events WHERE conversation_id = $1 ORDER BY seq DESC LIMIT $2",
		conversationID, limit+1)
	if err != nil {
		return nil, false, err
	}
	return s.collectPage(rows, limit, true)
}

// ListBefore 取 seq < beforeSeq 的一页 (升序返回), 向前翻页用。
func (s *TimelineEventStore) ListBefore(ctx context.Context, conversationID string, beforeSeq int64, limit int) ([]convstate.TimelineEvent, bool, error) {
	limit = normalizePageLimit(limit)
	rows, err := s.pool.Query(ctx,
		"SELECT "+teCols+" FROM timeline_events WHERE conversation_id = $1 AND seq < $2 ORDER BY seq DESC LIMIT $3",
		conversationID, beforeSeq, limit+1)
	if err != nil {
		return nil, false, err
	}
	return s.collectPage(rows, limit, true)
}

// ListFrom 取 seq >= fromSeq 的一页 (升序返回), hasMore 表示之后还有。
func (s *TimelineEventStore) ListFrom(ctx context.Context, conversationID string, fromSeq int64, limit int) ([]convstate.TimelineEvent, bool, error) {
	limit = normalizePageLimit(limit)
	rows, err := s.pool.Query(ctx,
		"SELECT "+teCols+" FROM timeline_events WHERE conversation_id = $1 AND seq >= $2 ORDER BY seq ASC LIMIT $3",
		conversationID, fromSeq, limit+1)
	if err != nil {
		return nil, false, err
	}
	return s.collectPage(rows, limit, false)
}

// DeleteByConversation 删除会话的全部事件行, 返回删除数。
func (s *TimelineEventStore) DeleteByConversation(ctx context.Context, conversationID string) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM timeline_events WHERE conversation_id = $1`, conversationID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// collectPage 扫描行、做 limit+1 探测并解码为事件 (descending 时反转为升序)。
func (s *TimelineEventStore) collectPage(rows pgx.Rows, limit int, descending bool) ([]convstate.TimelineEvent, bool, error) {
	rowsList, err := collectRows[TimelineEventRow](rows)
	if err != nil {
		return nil, false, err
	}
	page, hasMore := trimProbe(rowsList, limit)

	events := make([]convstate.TimelineEvent, 0, len(page))
	for _, row := range page {
		ev, err := decodeEventRow(row)
		if err != nil {
			return nil, false, err
		}
		events = append(events, ev)
	}
	if descending {
		reverseEvents(events)
	}
	return events, hasMore, nil
}

// normalizePageLimit 钳制页大小。
func normalizePageLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return 50
	}
	return limit
}

// trimProbe limit+1 探测: 行数超过 limit 即还有更多, 裁掉探测行。
func trimProbe(rowsList []TimelineEventRow, limit int) ([]TimelineEventRow, bool) {
	if len(rowsList) > limit {
		return rowsList[:limit], true
	}
	return rowsList, false
}

// decodeEventRow 把镜像行还原为时间线事件。seq/event_id 以列值为准。
func decodeEventRow(row TimelineEventRow) (convstate.TimelineEvent, error) {
	var ev convstate.TimelineEvent
	if err := json.Unmarshal(row.Payload, &ev); err != nil {
		return ev, apperrors.Wrapf(err, "TimelineEventStore.decode", "corrupt payload for seq %d", row.Seq)
	}
	ev.Seq = row.Seq
	if ev.ID == "" {
		ev.ID = row.EventID
	}
	return ev, nil
}

// reverseEvents 原地反转 (DESC 读取页转为升序)。
func reverseEvents(events []convstate.TimelineEvent) {
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
}
