// Package scheduler fires agents on their configured cron schedule. Each
// agent owns its own github.com/robfig/cron/v3 job so its schedule is
// parsed once and fires on its own cadence rather than on a shared
// fixed-interval poll.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/zerg-platform/zerg-core/internal/apierr"
	"github.com/zerg-platform/zerg-core/internal/model"
	"github.com/zerg-platform/zerg-core/internal/store"
	"github.com/zerg-platform/zerg-core/internal/taskrunner"
)

var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Runner is the narrow dependency needed to dispatch a scheduled run.
type Runner interface {
	Run(ctx context.Context, req taskrunner.Request) (*taskrunner.Result, error)
}

// Config wires a Scheduler's dependencies.
type Config struct {
	Store  *store.Store
	Runner Runner
	Logger *slog.Logger
}

// Scheduler owns one robfig/cron/v3 instance per registered agent ID so
// schedules can be added, replaced, and removed independently as agents
// are edited, without disturbing the others.
type Scheduler struct {
	store  *store.Store
	runner Runner
	logger *slog.Logger

	mu      sync.Mutex
	cron    *cronlib.Cron
	entries map[string]cronlib.EntryID // agent_id -> cron entry
}

// New constructs a Scheduler. Call Start to begin firing jobs.
func New(cfg Config) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:   cfg.Store,
		runner:  cfg.Runner,
		logger:  logger,
		cron:    cronlib.New(cronlib.WithParser(cronParser)),
		entries: make(map[string]cronlib.EntryID),
	}
}

// Start loads every currently scheduled agent and begins the cron
// dispatcher. Safe to call once.
func (s *Scheduler) Start(ctx context.Context) error {
	agents, err := s.store.ListScheduledAgents(ctx)
	if err != nil {
		return err
	}
	for _, a := range agents {
		if err := s.Upsert(ctx, a); err != nil {
			s.logger.Error("scheduler: failed to register agent on startup", "agent_id", a.ID, "error", err)
		}
	}
	s.cron.Start()
	s.logger.Info("scheduler started", "registered", len(agents))
	return nil
}

// Stop halts the cron dispatcher and waits for in-flight jobs to return.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("scheduler stopped")
}

// Upsert (re)registers agentID's cron job. Call whenever an agent's
// CronSchedule field is created or changed. An empty CronSchedule
// removes any existing registration.
func (s *Scheduler) Upsert(ctx context.Context, agent *model.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.entries[agent.ID]; ok {
		s.cron.Remove(existing)
		delete(s.entries, agent.ID)
	}
	if agent.CronSchedule == "" {
		return s.store.SetAgentSchedule(ctx, agent.ID, "", nil)
	}

	sched, err := cronParser.Parse(agent.CronSchedule)
	if err != nil {
		return apierr.New(apierr.KindProtocol, "invalid cron expression: "+err.Error())
	}

	agentID, cronExpr := agent.ID, agent.CronSchedule
	entryID, err := s.cron.AddFunc(cronExpr, func() { s.fire(agentID, cronExpr) })
	if err != nil {
		return apierr.Wrap(apierr.KindProtocol, "register cron job", err)
	}
	s.entries[agentID] = entryID

	next := sched.Next(time.Now())
	return s.store.SetAgentSchedule(ctx, agentID, cronExpr, &next)
}

// Remove unregisters agentID's cron job, if any.
func (s *Scheduler) Remove(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entryID, ok := s.entries[agentID]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, agentID)
	}
}

// fire dispatches a scheduled run for agentID. An overrun (the agent's
// lock already held) is logged and skipped, never queued: the next tick
// will try again at the next cadence.
func (s *Scheduler) fire(agentID, cronExpr string) {
	ctx := context.Background()
	_, err := s.runner.Run(ctx, taskrunner.Request{
		AgentID: agentID, ThreadType: model.ThreadTypeSchedule, Trigger: model.RunTriggerSchedule,
	})
	if err != nil {
		if apierr.As(err, apierr.KindAgentBusy) {
			s.logger.Info("scheduler: skipped overrun, agent already running", "agent_id", agentID)
		} else {
			s.logger.Error("scheduler: scheduled run failed", "agent_id", agentID, "error", err)
		}
	}

	next, ok := s.nextRun(agentID)
	if !ok {
		return
	}
	if err := s.store.SetAgentSchedule(ctx, agentID, cronExpr, &next); err != nil {
		s.logger.Error("scheduler: persist next_run_at failed", "agent_id", agentID, "error", err)
	}
}

func (s *Scheduler) nextRun(agentID string) (time.Time, bool) {
	s.mu.Lock()
	id, ok := s.entries[agentID]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	return s.cron.Entry(id).Next, true
}
