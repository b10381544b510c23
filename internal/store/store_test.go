package store_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/zerg-platform/zerg-core/internal/model"
	"github.com/zerg-platform/zerg-core/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "zerg.db")
	s, err := store.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_AgentLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a := &model.Agent{ID: "a1", OwnerID: "u1", Model: "m", SystemInstr: "sys", TaskInstr: "say hi"}
	require.NoError(t, s.CreateAgent(ctx, a))

	got, err := s.GetAgent(ctx, "a1")
	require.NoError(t, err)
	require.Equal(t, model.AgentStatusIdle, got.Status)

	require.NoError(t, s.UpdateAgentStatus(ctx, nil, "a1", model.AgentStatusRunning, "", nil))
	got, err = s.GetAgent(ctx, "a1")
	require.NoError(t, err)
	require.Equal(t, model.AgentStatusRunning, got.Status)
}

func TestStore_MessageOrdering(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateAgent(ctx, &model.Agent{ID: "a1", OwnerID: "u1"}))
	threadID, err := s.CreateThread(ctx, nil, "a1", model.ThreadTypeManual)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.AppendMessage(ctx, nil, &model.Message{
			ThreadID: threadID,
			Role:     model.RoleUser,
			Content:  "msg",
		}))
	}

	msgs, err := s.ListMessages(ctx, threadID)
	require.NoError(t, err)
	require.Len(t, msgs, 5)
	for i, m := range msgs {
		require.Equal(t, int64(i+1), m.Seq)
	}
}

func TestStore_RunStatusTransitions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateAgent(ctx, &model.Agent{ID: "a1", OwnerID: "u1"}))
	threadID, err := s.CreateThread(ctx, nil, "a1", model.ThreadTypeManual)
	require.NoError(t, err)

	run := &model.AgentRun{AgentID: "a1", ThreadID: threadID, Trigger: model.RunTriggerManual}
	require.NoError(t, s.CreateRun(ctx, nil, run))

	require.NoError(t, s.UpdateRun(ctx, run.ID, model.RunStatusRunning, store.RunUpdateFields{}))
	require.NoError(t, s.UpdateRun(ctx, run.ID, model.RunStatusSuccess, store.RunUpdateFields{Summary: "done"}))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, model.RunStatusSuccess, got.Status)
	require.NotNil(t, got.FinishedAt)

	// Skipping "running" must be rejected: queued -> success is not a legal transition.
	run2 := &model.AgentRun{AgentID: "a1", ThreadID: threadID, Trigger: model.RunTriggerManual}
	require.NoError(t, s.CreateRun(ctx, nil, run2))
	err = s.UpdateRun(ctx, run2.ID, model.RunStatusSuccess, store.RunUpdateFields{})
	require.Error(t, err)
}

func TestStore_AgentLockTryAcquire(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateAgent(ctx, &model.Agent{ID: "a1", OwnerID: "u1"}))

	ok, err := s.TryAcquireAgentLock(ctx, "a1", "holder-1")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.TryAcquireAgentLock(ctx, "a1", "holder-2")
	require.NoError(t, err)
	require.False(t, ok, "second concurrent acquire must fail fast")

	require.NoError(t, s.ReleaseAgentLock(ctx, "a1", "holder-1"))
	ok, err = s.TryAcquireAgentLock(ctx, "a1", "holder-2")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestStore_RequeueExpiredLeasesClearsOldLocks(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateAgent(ctx, &model.Agent{ID: "a1", OwnerID: "u1"}))

	ok, err := s.TryAcquireAgentLock(ctx, "a1", "crashed-holder")
	require.NoError(t, err)
	require.True(t, ok)

	n, err := s.RequeueExpiredLeases(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	ok, err = s.TryAcquireAgentLock(ctx, "a1", "new-holder")
	require.NoError(t, err)
	require.True(t, ok, "lock should be free after requeue")
}

func TestStore_RequeueExpiredLeasesKeepsFreshLocks(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateAgent(ctx, &model.Agent{ID: "a1", OwnerID: "u1"}))
	_, err := s.TryAcquireAgentLock(ctx, "a1", "holder-1")
	require.NoError(t, err)

	n, err := s.RequeueExpiredLeases(ctx, time.Hour)
	require.NoError(t, err)
	require.Equal(t, int64(0), n)
}
