package scheduler_test

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zerg-platform/zerg-core/internal/apierr"
	"github.com/zerg-platform/zerg-core/internal/model"
	"github.com/zerg-platform/zerg-core/internal/scheduler"
	"github.com/zerg-platform/zerg-core/internal/store"
	"github.com/zerg-platform/zerg-core/internal/taskrunner"
)

type countingRunner struct {
	calls int32
	busy  bool
}

func (r *countingRunner) Run(ctx context.Context, req taskrunner.Request) (*taskrunner.Result, error) {
	atomic.AddInt32(&r.calls, 1)
	if r.busy {
		return nil, apierr.AgentBusy(req.AgentID)
	}
	return &taskrunner.Result{Status: model.RunStatusSuccess}, nil
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "zerg.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// Cron's minimum granularity is one minute, too coarse to wait out in a
// unit test, so these exercise registration and persistence rather than
// a live fire.

func TestScheduler_UpsertPersistsNextRunAt(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateAgent(ctx, &model.Agent{ID: "a1", OwnerID: "u1", Model: "m", SystemInstr: "x", TaskInstr: "y"}))

	sched := scheduler.New(scheduler.Config{Store: s, Runner: &countingRunner{}})
	require.NoError(t, sched.Start(ctx))
	defer sched.Stop()

	agent, err := s.GetAgent(ctx, "a1")
	require.NoError(t, err)
	agent.CronSchedule = "*/5 * * * *"
	require.NoError(t, sched.Upsert(ctx, agent))

	updated, err := s.GetAgent(ctx, "a1")
	require.NoError(t, err)
	require.Equal(t, "*/5 * * * *", updated.CronSchedule)
	require.NotNil(t, updated.NextRunAt)
}

func TestScheduler_UpsertWithEmptyScheduleClearsIt(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateAgent(ctx, &model.Agent{ID: "a1", OwnerID: "u1", Model: "m", SystemInstr: "x", TaskInstr: "y", CronSchedule: "*/5 * * * *"}))

	sched := scheduler.New(scheduler.Config{Store: s, Runner: &countingRunner{}})
	require.NoError(t, sched.Start(ctx))
	defer sched.Stop()

	agent, err := s.GetAgent(ctx, "a1")
	require.NoError(t, err)
	agent.CronSchedule = ""
	require.NoError(t, sched.Upsert(ctx, agent))

	updated, err := s.GetAgent(ctx, "a1")
	require.NoError(t, err)
	require.Empty(t, updated.CronSchedule)
	require.Nil(t, updated.NextRunAt)
}

func TestScheduler_UpsertRejectsInvalidCronExpression(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateAgent(ctx, &model.Agent{ID: "a1", OwnerID: "u1", Model: "m", SystemInstr: "x", TaskInstr: "y"}))

	sched := scheduler.New(scheduler.Config{Store: s, Runner: &countingRunner{}})
	require.NoError(t, sched.Start(ctx))
	defer sched.Stop()

	agent, err := s.GetAgent(ctx, "a1")
	require.NoError(t, err)
	agent.CronSchedule = "not a cron expression"
	require.Error(t, sched.Upsert(ctx, agent))
}

func TestScheduler_StartRegistersPreexistingSchedules(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateAgent(ctx, &model.Agent{
		ID: "a1", OwnerID: "u1", Model: "m", SystemInstr: "x", TaskInstr: "y", CronSchedule: "0 * * * *",
	}))

	sched := scheduler.New(scheduler.Config{Store: s, Runner: &countingRunner{}})
	require.NoError(t, sched.Start(ctx))
	defer sched.Stop()

	updated, err := s.GetAgent(ctx, "a1")
	require.NoError(t, err)
	require.NotNil(t, updated.NextRunAt)
}
