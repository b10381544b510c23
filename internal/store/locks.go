package store

import (
	"context"
	"fmt"
	"time"

	"github.com/zerg-platform/zerg-core/internal/apierr"
)

// TryAcquireAgentLock attempts to claim the advisory lock row for agentID
// under holder. It is non-blocking: if the row already exists the
// acquisition fails immediately rather than waiting. mattn/go-sqlite3
// has no native advisory locks, so a single-row INSERT OR IGNORE under
// SQLite's serialized writer gives the same non-blocking try-acquire
// semantics.
func (s *Store) TryAcquireAgentLock(ctx context.Context, agentID, holder string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO agent_locks (agent_id, holder) VALUES (?, ?);
	`, agentID, holder)
	if err != nil {
		return false, apierr.Wrap(apierr.KindPersistence, "acquire agent lock", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, apierr.Wrap(apierr.KindPersistence, "acquire agent lock rows affected", err)
	}
	return n == 1, nil
}

// ReleaseAgentLock releases the advisory lock if held by holder.
func (s *Store) ReleaseAgentLock(ctx context.Context, agentID, holder string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM agent_locks WHERE agent_id = ? AND holder = ?;
	`, agentID, holder)
	if err != nil {
		return apierr.Wrap(apierr.KindPersistence, "release agent lock", err)
	}
	return nil
}

// RequeueExpiredLeases deletes any agent_locks row older than staleAfter.
// Called once at startup: if the previous process crashed mid-run, its
// lock row would otherwise wedge that agent forever.
func (s *Store) RequeueExpiredLeases(ctx context.Context, staleAfter time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM agent_locks WHERE acquired_at < datetime('now', ?);
	`, fmt.Sprintf("-%d seconds", int64(staleAfter.Seconds())))
	if err != nil {
		return 0, apierr.Wrap(apierr.KindPersistence, "requeue expired leases", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, apierr.Wrap(apierr.KindPersistence, "requeue expired leases rows affected", err)
	}
	return n, nil
}
