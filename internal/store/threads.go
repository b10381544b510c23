package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/zerg-platform/zerg-core/internal/apierr"
	"github.com/zerg-platform/zerg-core/internal/model"
)

// CreateThread inserts a new thread for agentID, returning its generated ID.
// Pass tx to participate in an enclosing transaction (e.g. run-start).
func (s *Store) CreateThread(ctx context.Context, tx *sql.Tx, agentID string, typ model.ThreadType) (string, error) {
	id := uuid.NewString()
	exec := execer(s, tx)
	_, err := exec.ExecContext(ctx, `
		INSERT INTO threads (id, agent_id, type) VALUES (?, ?, ?);
	`, id, agentID, string(typ))
	if err != nil {
		return "", apierr.Wrap(apierr.KindPersistence, "create thread", err)
	}
	return id, nil
}

// GetThread loads a thread by ID.
func (s *Store) GetThread(ctx context.Context, threadID string) (*model.Thread, error) {
	var t model.Thread
	var typ string
	err := s.db.QueryRowContext(ctx, `SELECT id, agent_id, type, created_at FROM threads WHERE id = ?;`, threadID).
		Scan(&t.ID, &t.AgentID, &typ, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierr.NotFound("thread", threadID)
	}
	if err != nil {
		return nil, apierr.Wrap(apierr.KindPersistence, "get thread", err)
	}
	t.Type = model.ThreadType(typ)
	return &t, nil
}
