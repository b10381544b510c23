package store

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/zerg-platform/zerg-core/internal/apierr"
	"github.com/zerg-platform/zerg-core/internal/model"
)

// AppendMessage appends an immutable message to a thread. Ordering is
// enforced by a monotonic per-thread sequence number assigned under the
// caller's transaction (or a dedicated one if tx is nil), satisfying the
// "messages within a thread are totally ordered" invariant.
func (s *Store) AppendMessage(ctx context.Context, tx *sql.Tx, msg *model.Message) error {
	if tx != nil {
		return s.appendMessageTx(ctx, tx, msg)
	}
	return retryOnBusy(ctx, 5, func() error {
		return s.WithTx(ctx, func(tx *sql.Tx) error {
			return s.appendMessageTx(ctx, tx, msg)
		})
	})
}

func (s *Store) appendMessageTx(ctx context.Context, tx *sql.Tx, msg *model.Message) error {
	var nextSeq sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(seq) FROM messages WHERE thread_id = ?;`, msg.ThreadID).Scan(&nextSeq); err != nil {
		return apierr.Wrap(apierr.KindPersistence, "read max seq", err)
	}
	seq := int64(1)
	if nextSeq.Valid {
		seq = nextSeq.Int64 + 1
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.Seq = seq
	_, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, thread_id, seq, role, content, tool_name, tool_call_id)
		VALUES (?, ?, ?, ?, ?, ?, ?);
	`, msg.ID, msg.ThreadID, seq, string(msg.Role), msg.Content, msg.ToolName, msg.ToolCallID)
	if err != nil {
		return apierr.Wrap(apierr.KindPersistence, "append message", err)
	}
	return nil
}

// ListMessages returns every message of a thread in ascending, totally-ordered sequence.
func (s *Store) ListMessages(ctx context.Context, threadID string) ([]*model.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, thread_id, seq, role, content, tool_name, tool_call_id, ts
		FROM messages WHERE thread_id = ? ORDER BY seq ASC;
	`, threadID)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindPersistence, "list messages", err)
	}
	defer rows.Close()

	var out []*model.Message
	for rows.Next() {
		var m model.Message
		var role string
		if err := rows.Scan(&m.ID, &m.ThreadID, &m.Seq, &role, &m.Content, &m.ToolName, &m.ToolCallID, &m.Timestamp); err != nil {
			return nil, apierr.Wrap(apierr.KindPersistence, "scan message", err)
		}
		m.Role = model.MessageRole(role)
		out = append(out, &m)
	}
	return out, rows.Err()
}
