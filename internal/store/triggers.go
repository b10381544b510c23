package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/zerg-platform/zerg-core/internal/apierr"
	"github.com/zerg-platform/zerg-core/internal/model"
)

// GetTrigger loads a webhook trigger by ID, used by Trigger Ingress.
func (s *Store) GetTrigger(ctx context.Context, triggerID string) (*model.Trigger, error) {
	var t model.Trigger
	var active int
	err := s.db.QueryRowContext(ctx, `SELECT id, agent_id, secret, active FROM triggers WHERE id = ?;`, triggerID).
		Scan(&t.ID, &t.AgentID, &t.Secret, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierr.NotFound("trigger", triggerID)
	}
	if err != nil {
		return nil, apierr.Wrap(apierr.KindPersistence, "get trigger", err)
	}
	t.Active = active != 0
	return &t, nil
}

// CreateTrigger registers a new webhook trigger for an agent.
func (s *Store) CreateTrigger(ctx context.Context, t *model.Trigger) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO triggers (id, agent_id, secret, active) VALUES (?, ?, ?, ?);
	`, t.ID, t.AgentID, t.Secret, boolToInt(t.Active))
	if err != nil {
		return apierr.Wrap(apierr.KindPersistence, "create trigger", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
