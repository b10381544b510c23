package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/zerg-platform/zerg-core/internal/apierr"
	"github.com/zerg-platform/zerg-core/internal/model"
)

// CreateRun inserts a new AgentRun row with status=queued, returning its ID.
// tx participates in the atomic CreateRun+AppendMessage+UpdateAgentStatus
// group the Task Runner performs at run start.
func (s *Store) CreateRun(ctx context.Context, tx *sql.Tx, run *model.AgentRun) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	exec := execer(s, tx)
	_, err := exec.ExecContext(ctx, `
		INSERT INTO agent_runs (id, agent_id, thread_id, status, trigger)
		VALUES (?, ?, ?, ?, ?);
	`, run.ID, run.AgentID, run.ThreadID, string(model.RunStatusQueued), string(run.Trigger))
	if err != nil {
		return apierr.Wrap(apierr.KindPersistence, "create run", err)
	}
	return nil
}

// UpdateRun applies a forward status transition and terminal fields. It
// enforces the queued -> running -> {success, failed} partial order
// and sets finished_at iff the new status is terminal.
func (s *Store) UpdateRun(ctx context.Context, runID string, next model.RunStatus, fields RunUpdateFields) error {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if !run.Status.CanTransition(next) {
		return apierr.New(apierr.KindPersistence, "invalid run status transition "+string(run.Status)+" -> "+string(next))
	}

	var startedAt, finishedAt any
	if next == model.RunStatusRunning {
		now := time.Now().UTC()
		startedAt = now
	}
	if next.IsTerminal() {
		now := time.Now().UTC()
		finishedAt = now
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE agent_runs SET
			status = ?,
			started_at = COALESCE(?, started_at),
			finished_at = COALESCE(?, finished_at),
			duration_ms = ?,
			total_tokens = ?,
			total_cost_usd = ?,
			error = ?,
			summary = ?
		WHERE id = ?;
	`, string(next), startedAt, finishedAt, fields.DurationMs, fields.TotalTokens, fields.TotalCostUSD, fields.Error, fields.Summary, runID)
	if err != nil {
		return apierr.Wrap(apierr.KindPersistence, "update run", err)
	}
	return nil
}

// RunUpdateFields carries the optional terminal/progress fields for UpdateRun.
type RunUpdateFields struct {
	DurationMs   int64
	TotalTokens  int
	TotalCostUSD float64
	Error        string
	Summary      string
}

// GetRun loads a single run.
func (s *Store) GetRun(ctx context.Context, runID string) (*model.AgentRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, agent_id, thread_id, status, trigger, started_at, finished_at,
		       duration_ms, total_tokens, total_cost_usd, error, summary, created_at
		FROM agent_runs WHERE id = ?;
	`, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierr.NotFound("run", runID)
	}
	if err != nil {
		return nil, apierr.Wrap(apierr.KindPersistence, "get run", err)
	}
	return run, nil
}

// ListRuns paginates run history for an agent, most recent first.
func (s *Store) ListRuns(ctx context.Context, agentID string, limit int) ([]*model.AgentRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, thread_id, status, trigger, started_at, finished_at,
		       duration_ms, total_tokens, total_cost_usd, error, summary, created_at
		FROM agent_runs WHERE agent_id = ? ORDER BY created_at DESC LIMIT ?;
	`, agentID, limit)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindPersistence, "list runs", err)
	}
	defer rows.Close()

	var out []*model.AgentRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, apierr.Wrap(apierr.KindPersistence, "scan run", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanRun(row rowScanner) (*model.AgentRun, error) {
	var r model.AgentRun
	var status, trigger string
	var startedAt, finishedAt sql.NullTime
	err := row.Scan(&r.ID, &r.AgentID, &r.ThreadID, &status, &trigger, &startedAt, &finishedAt,
		&r.DurationMs, &r.TotalTokens, &r.TotalCostUSD, &r.Error, &r.Summary, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	r.Status = model.RunStatus(status)
	r.Trigger = model.RunTrigger(trigger)
	if startedAt.Valid {
		r.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		r.FinishedAt = &finishedAt.Time
	}
	return &r, nil
}
