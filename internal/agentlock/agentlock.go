// Package agentlock provides the single-writer guarantee for agents: at
// most one run or workflow node may hold an agent's lock at a time. It
// is a try-acquire-only advisory lock backed by internal/store's
// agent_locks table (claimed and released via lease_owner/
// lease_expires_at columns), with a process-local fallback for stores
// that lack it.
package agentlock

import (
	"context"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	zotel "github.com/zerg-platform/zerg-core/internal/otel"
	"github.com/zerg-platform/zerg-core/internal/store"
)

// Backend claims and releases an advisory, non-blocking, per-agent lock.
type Backend interface {
	TryAcquireAgentLock(ctx context.Context, agentID, holder string) (bool, error)
	ReleaseAgentLock(ctx context.Context, agentID, holder string) error
}

var _ Backend = (*store.Store)(nil)

// Manager brokers TryAcquire/Release calls against a Backend, falling
// back to a process-local map when the backend is nil (e.g. an
// in-memory-only deployment with no durable store configured).
type Manager struct {
	backend Backend
	logger  *slog.Logger
	metrics *zotel.Metrics

	mu    sync.Mutex
	local map[string]string // agentID -> holder, used only when backend is nil
}

// New returns a Manager. backend may be nil to use the process-local fallback only.
func New(backend Backend, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{backend: backend, logger: logger, local: make(map[string]string)}
}

// WithMetrics attaches instrument recording to an existing Manager.
func (m *Manager) WithMetrics(metrics *zotel.Metrics) *Manager {
	m.metrics = metrics
	return m
}

// TryAcquire attempts to claim agentID's lock for holder. It never
// blocks: if the lock is already held, it returns false immediately.
func (m *Manager) TryAcquire(ctx context.Context, agentID, holder string) (bool, error) {
	if m.backend != nil {
		ok, err := m.backend.TryAcquireAgentLock(ctx, agentID, holder)
		if err != nil {
			return false, err
		}
		return ok, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, held := m.local[agentID]; held {
		return false, nil
	}
	m.local[agentID] = holder
	return true, nil
}

// Release gives up agentID's lock if held by holder.
func (m *Manager) Release(ctx context.Context, agentID, holder string) error {
	if m.backend != nil {
		return m.backend.ReleaseAgentLock(ctx, agentID, holder)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.local[agentID] == holder {
		delete(m.local, agentID)
	}
	return nil
}

// WithLock runs fn only if agentID's lock was acquired for holder, then
// releases it unconditionally. It reports whether fn ran.
func (m *Manager) WithLock(ctx context.Context, agentID, holder string, fn func(ctx context.Context) error) (ran bool, err error) {
	ok, err := m.TryAcquire(ctx, agentID, holder)
	if err != nil {
		return false, err
	}
	if !ok {
		m.logger.Debug("agent lock busy, skipping", "agent_id", agentID, "holder", holder)
		if m.metrics != nil {
			m.metrics.AgentLockWaitTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("agent_id", agentID)))
		}
		return false, nil
	}
	defer func() {
		if relErr := m.Release(ctx, agentID, holder); relErr != nil {
			m.logger.Error("release agent lock failed", "agent_id", agentID, "error", relErr)
		}
	}()
	return true, fn(ctx)
}
