package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/zerg-platform/zerg-core/internal/apierr"
	"github.com/zerg-platform/zerg-core/internal/model"
)

type canvasJSON struct {
	Nodes []model.WorkflowNode `json:"nodes"`
	Edges []model.WorkflowEdge `json:"edges"`
}

// GetWorkflow loads a workflow's canvas by ID.
func (s *Store) GetWorkflow(ctx context.Context, workflowID string) (*model.Workflow, error) {
	var w model.Workflow
	var canvas string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, name, canvas_json, created_at, updated_at FROM workflows WHERE id = ?;
	`, workflowID).Scan(&w.ID, &w.OwnerID, &w.Name, &canvas, &w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierr.NotFound("workflow", workflowID)
	}
	if err != nil {
		return nil, apierr.Wrap(apierr.KindPersistence, "get workflow", err)
	}
	var c canvasJSON
	if err := json.Unmarshal([]byte(canvas), &c); err != nil {
		return nil, apierr.Wrap(apierr.KindPersistence, "unmarshal canvas", err)
	}
	w.Nodes, w.Edges = c.Nodes, c.Edges
	return &w, nil
}

// CreateWorkflow stores a new workflow canvas.
func (s *Store) CreateWorkflow(ctx context.Context, w *model.Workflow) error {
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	canvas, err := json.Marshal(canvasJSON{Nodes: w.Nodes, Edges: w.Edges})
	if err != nil {
		return apierr.Wrap(apierr.KindPersistence, "marshal canvas", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflows (id, owner_id, name, canvas_json) VALUES (?, ?, ?, ?);
	`, w.ID, w.OwnerID, w.Name, string(canvas))
	if err != nil {
		return apierr.Wrap(apierr.KindPersistence, "create workflow", err)
	}
	return nil
}

type executionState struct {
	NodeOutputs    map[string]any  `json:"node_outputs"`
	CompletedNodes map[string]bool `json:"completed_nodes"`
	RunIDs         []string        `json:"run_ids"`
}

// CreateExecution records the start of a workflow execution.
func (s *Store) CreateExecution(ctx context.Context, exec *model.WorkflowExecution) error {
	if exec.ID == "" {
		exec.ID = uuid.NewString()
	}
	state, err := json.Marshal(executionState{
		NodeOutputs:    exec.NodeOutputs,
		CompletedNodes: exec.CompletedNodes,
		RunIDs:         exec.RunIDs,
	})
	if err != nil {
		return apierr.Wrap(apierr.KindPersistence, "marshal execution state", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_executions (id, workflow_id, status, state_json) VALUES (?, ?, ?, ?);
	`, exec.ID, exec.WorkflowID, string(model.ExecutionStatusRunning), string(state))
	if err != nil {
		return apierr.Wrap(apierr.KindPersistence, "create execution", err)
	}
	return nil
}

// PersistExecutionCheckpoint overwrites the shared state of an in-flight
// execution.
func (s *Store) PersistExecutionCheckpoint(ctx context.Context, exec *model.WorkflowExecution) error {
	state, err := json.Marshal(executionState{
		NodeOutputs:    exec.NodeOutputs,
		CompletedNodes: exec.CompletedNodes,
		RunIDs:         exec.RunIDs,
	})
	if err != nil {
		return apierr.Wrap(apierr.KindPersistence, "marshal execution state", err)
	}
	var finishedAt any
	if exec.FinishedAt != nil {
		finishedAt = *exec.FinishedAt
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE workflow_executions SET status = ?, state_json = ?, error = ?, finished_at = ? WHERE id = ?;
	`, string(exec.Status), string(state), exec.Error, finishedAt, exec.ID)
	if err != nil {
		return apierr.Wrap(apierr.KindPersistence, "checkpoint execution", err)
	}
	return nil
}

// GetExecution loads a workflow execution by ID.
func (s *Store) GetExecution(ctx context.Context, id string) (*model.WorkflowExecution, error) {
	var exec model.WorkflowExecution
	var status, state string
	var errStr string
	var finishedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, workflow_id, status, state_json, error, started_at, finished_at FROM workflow_executions WHERE id = ?;
	`, id).Scan(&exec.ID, &exec.WorkflowID, &status, &state, &errStr, &exec.StartedAt, &finishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierr.NotFound("workflow_execution", id)
	}
	if err != nil {
		return nil, apierr.Wrap(apierr.KindPersistence, "get execution", err)
	}
	exec.Status = model.ExecutionStatus(status)
	exec.Error = errStr
	if finishedAt.Valid {
		exec.FinishedAt = &finishedAt.Time
	}
	var s2 executionState
	if err := json.Unmarshal([]byte(state), &s2); err != nil {
		return nil, apierr.Wrap(apierr.KindPersistence, "unmarshal execution state", err)
	}
	exec.NodeOutputs, exec.CompletedNodes, exec.RunIDs = s2.NodeOutputs, s2.CompletedNodes, s2.RunIDs
	return &exec, nil
}

// ListNonTerminalExecutions returns executions that did not reach a
// terminal status, used to resume from checkpoint after a restart.
func (s *Store) ListNonTerminalExecutions(ctx context.Context) ([]*model.WorkflowExecution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM workflow_executions WHERE status = ?;
	`, string(model.ExecutionStatusRunning))
	if err != nil {
		return nil, apierr.Wrap(apierr.KindPersistence, "list non-terminal executions", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, apierr.Wrap(apierr.KindPersistence, "scan execution id", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	var out []*model.WorkflowExecution
	for _, id := range ids {
		exec, err := s.GetExecution(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	return out, nil
}
