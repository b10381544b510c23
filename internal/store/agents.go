package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/zerg-platform/zerg-core/internal/apierr"
	"github.com/zerg-platform/zerg-core/internal/model"
)

// CreateAgent inserts a new agent row.
func (s *Store) CreateAgent(ctx context.Context, a *model.Agent) error {
	allowlist, err := json.Marshal(a.ToolAllowlist)
	if err != nil {
		return fmt.Errorf("marshal tool allowlist: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agents (id, owner_id, system_instr, task_instr, model, cron_schedule, tool_allowlist, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?);
	`, a.ID, a.OwnerID, a.SystemInstr, a.TaskInstr, a.Model, a.CronSchedule, string(allowlist), string(model.AgentStatusIdle))
	if err != nil {
		return apierr.Wrap(apierr.KindPersistence, "create agent", err)
	}
	return nil
}

// GetAgent loads a single agent by ID.
func (s *Store) GetAgent(ctx context.Context, agentID string) (*model.Agent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, system_instr, task_instr, model, cron_schedule, tool_allowlist,
		       status, last_error, last_run_at, next_run_at, created_at, updated_at
		FROM agents WHERE id = ?;
	`, agentID)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierr.NotFound("agent", agentID)
	}
	if err != nil {
		return nil, apierr.Wrap(apierr.KindPersistence, "get agent", err)
	}
	return a, nil
}

// ListScheduledAgents returns every agent with a non-empty cron schedule,
// used by the Scheduler on startup.
func (s *Store) ListScheduledAgents(ctx context.Context) ([]*model.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, system_instr, task_instr, model, cron_schedule, tool_allowlist,
		       status, last_error, last_run_at, next_run_at, created_at, updated_at
		FROM agents WHERE cron_schedule != '';
	`)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindPersistence, "list scheduled agents", err)
	}
	defer rows.Close()

	var out []*model.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, apierr.Wrap(apierr.KindPersistence, "scan agent", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// UpdateAgentStatus transitions an agent's status and optional error/timestamps.
// Pass tx when called inside a larger atomic group.
func (s *Store) UpdateAgentStatus(ctx context.Context, tx *sql.Tx, agentID string, status model.AgentStatus, lastError string, lastRunAt *time.Time) error {
	exec := execer(s, tx)
	_, err := exec.ExecContext(ctx, `
		UPDATE agents SET status = ?, last_error = ?, last_run_at = COALESCE(?, last_run_at), updated_at = CURRENT_TIMESTAMP
		WHERE id = ?;
	`, string(status), lastError, lastRunAt, agentID)
	if err != nil {
		return apierr.Wrap(apierr.KindPersistence, "update agent status", err)
	}
	return nil
}

// SetAgentSchedule updates cron_schedule and next_run_at together, used by
// the Scheduler when an agent is upserted or its schedule is cleared.
func (s *Store) SetAgentSchedule(ctx context.Context, agentID, cronExpr string, nextRunAt *time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE agents SET cron_schedule = ?, next_run_at = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
	`, cronExpr, nextRunAt, agentID)
	if err != nil {
		return apierr.Wrap(apierr.KindPersistence, "set agent schedule", err)
	}
	return nil
}

// DeleteAgent removes an agent; cascades to threads and runs via FK.
func (s *Store) DeleteAgent(ctx context.Context, agentID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id = ?;`, agentID)
	if err != nil {
		return apierr.Wrap(apierr.KindPersistence, "delete agent", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*model.Agent, error) {
	var a model.Agent
	var allowlist string
	var lastRunAt, nextRunAt sql.NullTime
	err := row.Scan(&a.ID, &a.OwnerID, &a.SystemInstr, &a.TaskInstr, &a.Model, &a.CronSchedule,
		&allowlist, &a.Status, &a.LastError, &lastRunAt, &nextRunAt, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(allowlist), &a.ToolAllowlist); err != nil {
		return nil, fmt.Errorf("unmarshal tool allowlist: %w", err)
	}
	if lastRunAt.Valid {
		a.LastRunAt = &lastRunAt.Time
	}
	if nextRunAt.Valid {
		a.NextRunAt = &nextRunAt.Time
	}
	return &a, nil
}

// execer returns tx if non-nil, else the store's db handle, so write
// helpers can participate in a caller-supplied transaction or run
// standalone.
type sqlExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func execer(s *Store, tx *sql.Tx) sqlExecer {
	if tx != nil {
		return tx
	}
	return s.db
}
