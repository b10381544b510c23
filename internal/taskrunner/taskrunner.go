// Package taskrunner executes a single agent turn against a thread,
// streaming chunks out to clients and writing the durable run record.
// Invocation of the model itself sits behind a pluggable ModelRunner
// boundary — the LLM call is an external collaborator, never
// implemented here.
package taskrunner

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/zerg-platform/zerg-core/internal/agentlock"
	"github.com/zerg-platform/zerg-core/internal/apierr"
	"github.com/zerg-platform/zerg-core/internal/eventbus"
	"github.com/zerg-platform/zerg-core/internal/model"
	zotel "github.com/zerg-platform/zerg-core/internal/otel"
	"github.com/zerg-platform/zerg-core/internal/shared"
	"github.com/zerg-platform/zerg-core/internal/store"
)

// ChunkType enumerates the kinds of chunk a ModelRunner emits mid-turn.
type ChunkType string

const (
	ChunkAssistantToken ChunkType = "assistant_token"
	ChunkToolCall       ChunkType = "tool_call"
)

// Chunk is one unit of a ModelRunner's output stream.
type Chunk struct {
	Type       ChunkType
	Text       string
	ToolName   string
	ToolCallID string
	ToolArgs   map[string]any
}

// ModelRunner is the external LLM collaborator: given a thread's full
// message history and an agent's tool allowlist, it returns a channel of
// Chunks and closes it at stream end (or sends an error on errCh).
type ModelRunner interface {
	Run(ctx context.Context, messages []*model.Message, toolAllowlist []string) (<-chan Chunk, <-chan error)
}

// ToolExecutor resolves and invokes a named tool implementation. Each
// tool is a pure (input) -> output function registered by name.
type ToolExecutor interface {
	Execute(ctx context.Context, name string, args map[string]any) (string, error)
}

const summaryRuneLimit = 256

// Runner executes agent turns under the agent lock and emits lifecycle events.
type Runner struct {
	store   *store.Store
	bus     *eventbus.Bus
	locks   *agentlock.Manager
	models  ModelRunner
	tools   ToolExecutor
	logger  *slog.Logger
	metrics *zotel.Metrics
	tracer  trace.Tracer

	cancelMu sync.Mutex
	cancels  map[string]context.CancelFunc // run_id -> cancel
}

// Config wires a Runner's dependencies.
type Config struct {
	Store   *store.Store
	Bus     *eventbus.Bus
	Locks   *agentlock.Manager
	Models  ModelRunner
	Tools   ToolExecutor
	Logger  *slog.Logger
	Metrics *zotel.Metrics // optional; nil disables instrument recording
	Tracer  trace.Tracer   // optional; nil disables span recording
}

// New constructs a Runner.
func New(cfg Config) *Runner {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		store:   cfg.Store,
		bus:     cfg.Bus,
		locks:   cfg.Locks,
		models:  cfg.Models,
		tools:   cfg.Tools,
		logger:  logger,
		metrics: cfg.Metrics,
		tracer:  cfg.Tracer,
		cancels: make(map[string]context.CancelFunc),
	}
}

// Request describes one dispatch of the Task Runner.
type Request struct {
	AgentID      string
	ThreadID     string // required when ThreadType is chat or workflow reuse
	ThreadType   model.ThreadType
	Trigger      model.RunTrigger
	TaskOverride string
}

// Result is the outcome of a completed run.
type Result struct {
	RunID        string
	ThreadID     string
	Status       model.RunStatus
	Error        string
	Summary      string
	FinalText    string
	TotalTokens  int
	TotalCostUSD float64
}

// Run executes req under the agent's advisory lock. It returns
// apierr.KindAgentBusy if another run currently holds the lock.
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	agent, err := r.store.GetAgent(ctx, req.AgentID)
	if err != nil {
		return nil, err
	}

	runID := newRunHolderID()
	var result *Result
	ran, err := r.locks.WithLock(ctx, req.AgentID, runID, func(lockCtx context.Context) error {
		var runErr error
		result, runErr = r.execute(lockCtx, runID, agent, req)
		return runErr
	})
	if err != nil {
		return result, err
	}
	if !ran {
		return nil, apierr.AgentBusy(req.AgentID)
	}
	return result, nil
}

func (r *Runner) execute(ctx context.Context, runID string, agent *model.Agent, req Request) (result *Result, err error) {
	traceID := shared.NewTraceID()
	ctx = shared.WithTraceID(ctx, traceID)
	r.logger.Info("run started", "run_id", runID, "agent_id", agent.ID, "trace_id", traceID)

	var span trace.Span
	if r.tracer != nil {
		ctx, span = zotel.StartSpan(ctx, r.tracer, "agent.run",
			zotel.AttrAgentID.String(agent.ID), zotel.AttrRunID.String(runID), zotel.AttrModel.String(agent.Model))
		defer func() {
			if err != nil {
				span.RecordError(err)
			}
			span.End()
		}()
	}

	ctx, cancel := context.WithCancel(ctx)
	r.registerCancel(runID, cancel)
	defer r.unregisterCancel(runID)

	if req.ThreadType == model.ThreadTypeChat {
		if req.ThreadID == "" {
			return nil, apierr.New(apierr.KindProtocol, "chat run requires an existing thread_id")
		}
		if _, err := r.store.GetThread(ctx, req.ThreadID); err != nil {
			return nil, err
		}
	}

	run := &model.AgentRun{ID: runID, AgentID: agent.ID, Trigger: req.Trigger}
	var threadID string
	var threadCreated bool
	var seedMsg *model.Message

	// CreateRun, the seeded thread messages, and the agent's running
	// transition all land in one transaction: a crash partway through
	// must never leave the agent idle with an orphaned run, or vice versa.
	err = r.store.WithTx(ctx, func(tx *sql.Tx) error {
		if req.ThreadType == model.ThreadTypeChat {
			threadID = req.ThreadID
		} else {
			tid, err := r.store.CreateThread(ctx, tx, agent.ID, req.ThreadType)
			if err != nil {
				return err
			}
			threadID = tid
			threadCreated = true

			if err := r.store.AppendMessage(ctx, tx, &model.Message{ThreadID: threadID, Role: model.RoleSystem, Content: agent.SystemInstr}); err != nil {
				return err
			}
			taskText := req.TaskOverride
			if taskText == "" {
				taskText = agent.TaskInstr
			}
			seedMsg = &model.Message{ThreadID: threadID, Role: model.RoleUser, Content: taskText}
			if err := r.store.AppendMessage(ctx, tx, seedMsg); err != nil {
				return err
			}
		}

		run.ThreadID = threadID
		if err := r.store.CreateRun(ctx, tx, run); err != nil {
			return err
		}
		return r.store.UpdateAgentStatus(ctx, tx, agent.ID, model.AgentStatusRunning, "", nil)
	})
	if err != nil {
		return nil, err
	}
	if span != nil {
		span.SetAttributes(zotel.AttrThreadID.String(threadID))
	}

	if threadCreated {
		r.bus.Publish(eventbus.EventThreadCreated, eventbus.ThreadPayload{ID: threadID, AgentID: agent.ID})
	}
	r.bus.Publish(eventbus.EventRunCreated, eventbus.RunPayload{ID: run.ID, AgentID: agent.ID, ThreadID: threadID, Status: string(model.RunStatusQueued)})
	if seedMsg != nil {
		r.bus.Publish(eventbus.EventThreadMessageCreated, eventbus.ThreadMessagePayload{ThreadID: threadID, MessageID: seedMsg.ID, Role: string(model.RoleUser)})
	}
	r.bus.Publish(eventbus.EventAgentUpdated, eventbus.AgentPayload{ID: agent.ID, Status: string(model.AgentStatusRunning)})

	startedAt := time.Now().UTC()
	if err := r.store.UpdateRun(ctx, run.ID, model.RunStatusRunning, store.RunUpdateFields{}); err != nil {
		return nil, err
	}
	r.bus.Publish(eventbus.EventRunUpdated, eventbus.RunPayload{ID: run.ID, AgentID: agent.ID, ThreadID: threadID, Status: string(model.RunStatusRunning)})

	messages, err := r.store.ListMessages(ctx, threadID)
	if err != nil {
		return nil, err
	}

	finalText, totalTokens, totalCost, runErr := r.consumeStream(ctx, run.ID, threadID, messages, agent.ToolAllowlist)

	finishedAt := time.Now().UTC()
	duration := finishedAt.Sub(startedAt).Milliseconds()
	if r.metrics != nil {
		r.metrics.RunDuration.Record(ctx, float64(duration)/1000.0, metric.WithAttributes(attribute.String("agent_id", agent.ID)))
	}

	if runErr != nil {
		errMsg := truncateError(runErr)
		_ = r.store.UpdateRun(ctx, run.ID, model.RunStatusFailed, store.RunUpdateFields{
			DurationMs: duration, Error: errMsg,
		})
		_ = r.store.UpdateAgentStatus(ctx, nil, agent.ID, model.AgentStatusError, errMsg, nil)
		r.bus.Publish(eventbus.EventRunUpdated, eventbus.RunPayload{ID: run.ID, AgentID: agent.ID, ThreadID: threadID, Status: string(model.RunStatusFailed), Error: errMsg})
		r.bus.Publish(eventbus.EventAgentUpdated, eventbus.AgentPayload{ID: agent.ID, Status: string(model.AgentStatusError), LastError: errMsg})
		r.logger.Error("run failed", "run_id", run.ID, "agent_id", agent.ID, "trace_id", traceID, "error", errMsg)
		return &Result{RunID: run.ID, ThreadID: threadID, Status: model.RunStatusFailed, Error: errMsg}, nil
	}

	summary := truncateSummary(finalText)
	if err := r.store.UpdateRun(ctx, run.ID, model.RunStatusSuccess, store.RunUpdateFields{
		DurationMs: duration, TotalTokens: totalTokens, TotalCostUSD: totalCost, Summary: summary,
	}); err != nil {
		return nil, err
	}
	now := finishedAt
	if err := r.store.UpdateAgentStatus(ctx, nil, agent.ID, model.AgentStatusIdle, "", &now); err != nil {
		return nil, err
	}
	r.bus.Publish(eventbus.EventRunUpdated, eventbus.RunPayload{ID: run.ID, AgentID: agent.ID, ThreadID: threadID, Status: string(model.RunStatusSuccess), Summary: summary})
	r.bus.Publish(eventbus.EventAgentUpdated, eventbus.AgentPayload{ID: agent.ID, Status: string(model.AgentStatusIdle)})
	r.logger.Info("run finished", "run_id", run.ID, "agent_id", agent.ID, "trace_id", traceID, "duration_ms", duration)

	return &Result{
		RunID: run.ID, ThreadID: threadID, Status: model.RunStatusSuccess,
		Summary: summary, FinalText: finalText, TotalTokens: totalTokens, TotalCostUSD: totalCost,
	}, nil
}

// consumeStream drains the ModelRunner's chunk channel, persisting tool
// results and emitting STREAM_* events, until the channel closes or the
// run is cancelled.
func (r *Runner) consumeStream(ctx context.Context, runID, threadID string, messages []*model.Message, allowlist []string) (finalText string, totalTokens int, totalCost float64, err error) {
	r.bus.Publish(eventbus.EventStreamStart, eventbus.StreamStartPayload{ThreadID: threadID, RunID: runID})

	chunks, errs := r.models.Run(ctx, messages, allowlist)
	var sb strings.Builder

	for {
		select {
		case <-ctx.Done():
			r.bus.Publish(eventbus.EventStreamEnd, eventbus.StreamEndPayload{ThreadID: threadID, RunID: runID})
			return sb.String(), totalTokens, totalCost, fmt.Errorf("cancelled")
		case runErr, ok := <-errs:
			if ok && runErr != nil {
				r.bus.Publish(eventbus.EventStreamEnd, eventbus.StreamEndPayload{ThreadID: threadID, RunID: runID})
				return sb.String(), totalTokens, totalCost, runErr
			}
		case chunk, ok := <-chunks:
			if !ok {
				if err := r.store.AppendMessage(ctx, nil, &model.Message{ThreadID: threadID, Role: model.RoleAssistant, Content: sb.String()}); err != nil {
					return sb.String(), totalTokens, totalCost, err
				}
				r.bus.Publish(eventbus.EventStreamEnd, eventbus.StreamEndPayload{ThreadID: threadID, RunID: runID})
				return sb.String(), totalTokens, totalCost, nil
			}
			if err := r.handleChunk(ctx, runID, threadID, chunk, &sb); err != nil {
				r.bus.Publish(eventbus.EventStreamEnd, eventbus.StreamEndPayload{ThreadID: threadID, RunID: runID})
				return sb.String(), totalTokens, totalCost, err
			}
		}
	}
}

func (r *Runner) handleChunk(ctx context.Context, runID, threadID string, chunk Chunk, sb *strings.Builder) error {
	switch chunk.Type {
	case ChunkAssistantToken:
		sb.WriteString(chunk.Text)
		r.bus.Publish(eventbus.EventStreamChunk, eventbus.StreamChunkPayload{
			ThreadID: threadID, RunID: runID, ChunkType: eventbus.ChunkAssistantToken, Text: chunk.Text,
		})
		return nil
	case ChunkToolCall:
		toolCtx := ctx
		var toolSpan trace.Span
		if r.tracer != nil {
			toolCtx, toolSpan = zotel.StartClientSpan(ctx, r.tracer, "tool.execute",
				zotel.AttrRunID.String(runID), zotel.AttrToolName.String(chunk.ToolName))
		}
		toolStart := time.Now()
		output, toolErr := r.tools.Execute(toolCtx, chunk.ToolName, chunk.ToolArgs)
		if toolSpan != nil {
			if toolErr != nil {
				toolSpan.RecordError(toolErr)
			}
			toolSpan.End()
		}
		if r.metrics != nil {
			r.metrics.ToolCallDuration.Record(ctx, time.Since(toolStart).Seconds(), metric.WithAttributes(attribute.String("tool", chunk.ToolName)))
			if toolErr != nil {
				r.metrics.ToolCallErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("tool", chunk.ToolName)))
			}
		}
		if toolErr != nil {
			// A tool failure fails that call's result, not the run.
			output = fmt.Sprintf("error: %v", toolErr)
		}
		if err := r.store.AppendMessage(ctx, nil, &model.Message{
			ThreadID: threadID, Role: model.RoleTool, Content: output,
			ToolName: chunk.ToolName, ToolCallID: chunk.ToolCallID,
		}); err != nil {
			return err
		}
		r.bus.Publish(eventbus.EventStreamChunk, eventbus.StreamChunkPayload{
			ThreadID: threadID, RunID: runID, ChunkType: eventbus.ChunkToolOutput,
			Text: output, ToolName: chunk.ToolName, ToolCallID: chunk.ToolCallID,
		})
		return nil
	default:
		return fmt.Errorf("unknown chunk type %q", chunk.Type)
	}
}

// CancelRun sets the cooperative cancellation flag for an in-flight run.
// It is a no-op if the run is not currently executing on this process.
func (r *Runner) CancelRun(runID string) {
	r.cancelMu.Lock()
	cancel, ok := r.cancels[runID]
	r.cancelMu.Unlock()
	if ok {
		cancel()
	}
}

func (r *Runner) registerCancel(runID string, cancel context.CancelFunc) {
	r.cancelMu.Lock()
	r.cancels[runID] = cancel
	r.cancelMu.Unlock()
}

func (r *Runner) unregisterCancel(runID string) {
	r.cancelMu.Lock()
	delete(r.cancels, runID)
	r.cancelMu.Unlock()
}

func truncateSummary(text string) string {
	runes := []rune(text)
	if len(runes) <= summaryRuneLimit {
		return text
	}
	return string(runes[:summaryRuneLimit])
}

func truncateError(err error) string {
	msg := err.Error()
	if msg == "cancelled" {
		return "cancelled"
	}
	const limit = 512
	if len(msg) > limit {
		return msg[:limit]
	}
	return msg
}

func newRunHolderID() string {
	return uuid.NewString()
}
