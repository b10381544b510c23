package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/zerg-platform/zerg-core/internal/agentlock"
	"github.com/zerg-platform/zerg-core/internal/apierr"
	"github.com/zerg-platform/zerg-core/internal/audit"
	"github.com/zerg-platform/zerg-core/internal/config"
	"github.com/zerg-platform/zerg-core/internal/eventbus"
	"github.com/zerg-platform/zerg-core/internal/model"
	zotel "github.com/zerg-platform/zerg-core/internal/otel"
	"github.com/zerg-platform/zerg-core/internal/scheduler"
	"github.com/zerg-platform/zerg-core/internal/store"
	"github.com/zerg-platform/zerg-core/internal/taskrunner"
	"github.com/zerg-platform/zerg-core/internal/telemetry"
	"github.com/zerg-platform/zerg-core/internal/topics"
	"github.com/zerg-platform/zerg-core/internal/trigger"
	"github.com/zerg-platform/zerg-core/internal/workflow"
	"github.com/zerg-platform/zerg-core/internal/wshub"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// Audit is initialized before the logger so a logger-init failure is
	// itself audited.
	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, cfg.Quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "version", Version, "needs_init", cfg.NeedsInit)

	if cfg.AuthToken == "" {
		logger.Warn("auth_token is empty; every REST and WebSocket request will be rejected until one is configured")
	}
	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil {
		h := strings.ToLower(strings.TrimSpace(host))
		loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
		if !loopback && len(cfg.AllowOrigins) == 0 {
			logger.Warn("allow_origins is empty on a non-loopback bind; browser WebSocket connections will be rejected", "bind_addr", cfg.BindAddr)
		}
	}

	otelProvider, err := zotel.Init(ctx, zotel.Config{
		Enabled:        cfg.OTel.Enabled,
		Exporter:       cfg.OTel.Exporter,
		Endpoint:       cfg.OTel.Endpoint,
		ServiceName:    cfg.OTel.ServiceName,
		SampleRate:     cfg.OTel.SampleRate,
		MetricsEnabled: &cfg.OTel.MetricsEnabled,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(ctx)

	metrics, err := zotel.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_METRICS", err)
	}

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer db.Close()
	audit.SetDB(db.DB())
	logger.Info("startup phase", "phase", "schema_migrated")

	staleAfter := time.Duration(cfg.AgentLockStaleSeconds) * time.Second
	recovered, err := db.RequeueExpiredLeases(ctx, staleAfter)
	if err != nil {
		logger.Error("requeue expired agent locks failed", "error", err)
	} else if recovered > 0 {
		logger.Info("recovered stale agent locks from a prior crash", "count", recovered)
	}

	bus := eventbus.New(logger)
	locks := agentlock.New(db, logger).WithMetrics(metrics)
	instrumentBusMetrics(bus, metrics)

	runner := taskrunner.New(taskrunner.Config{
		Store:   db,
		Bus:     bus,
		Locks:   locks,
		Models:  unimplementedModelRunner{},
		Tools:   noopToolExecutor{},
		Logger:  logger,
		Metrics: metrics,
		Tracer:  otelProvider.Tracer,
	})

	engine := workflow.New(workflow.Config{
		Store:  db,
		Bus:    bus,
		Runner: runner,
		Tools:  noopToolExecutor{},
		Logger: logger,
		Tracer: otelProvider.Tracer,
	})
	if err := engine.ResumeAll(ctx); err != nil {
		logger.Error("resume in-flight workflow executions failed", "error", err)
	}
	logger.Info("startup phase", "phase", "workflows_resumed")

	sched := scheduler.New(scheduler.Config{Store: db, Runner: runner, Logger: logger})
	if err := sched.Start(ctx); err != nil {
		fatalStartup(logger, "E_SCHEDULER_START", err)
	}
	defer sched.Stop()
	logger.Info("startup phase", "phase", "scheduler_started")

	topicsMgr := topics.New(allowAllAuthorizer{}, logger)
	topics.BridgeEventBus(bus, topicsMgr)

	hub := wshub.New(wshub.Config{
		Topics:       topicsMgr,
		Tokens:       staticTokenValidator{token: cfg.AuthToken},
		Messages:     chatSink{store: db, bus: bus, runner: runner},
		AllowOrigins: cfg.AllowOrigins,
		Logger:       logger,
	})

	triggerHandler := trigger.New(trigger.Config{Store: db, Bus: bus, Runner: runner, Logger: logger, Tracer: otelProvider.Tracer})

	mux := http.NewServeMux()
	triggerHandler.Register(mux)
	mux.Handle("GET /ws", wsClientMetrics(metrics, hub))
	registerAPI(mux, apiDeps{
		store: db, bus: bus, runner: runner, engine: engine, logger: logger, authToken: cfg.AuthToken,
	})

	handler := requestMetrics(metrics, mux)

	server := &http.Server{Addr: cfg.BindAddr, Handler: handler}
	serverErr := make(chan error, 1)
	lc := &net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
		},
	}
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			fatalStartup(logger, "E_LISTENER_BIND", fmt.Errorf("%w (another process may already be bound to %s)", err, cfg.BindAddr))
		}
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	logger.Info("startup phase", "phase", "listener_bound", "addr", cfg.BindAddr)
	go func() {
		logger.Info("zergcore listening", "addr", cfg.BindAddr, "ws", "/ws")
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher failed to start", "error", err)
	} else {
		go func() {
			for ev := range watcher.Events() {
				logger.Info("config.yaml changed; restart zergcore to apply it", "path", ev.Path)
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("listener error", "error", err)
	}

	drainTimeout := time.Duration(cfg.DrainTimeoutSeconds) * time.Second
	if drainTimeout <= 0 {
		drainTimeout = 5 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown did not complete in time", "error", err)
	}
	logger.Info("shutdown complete")
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record("fatal", "runtime.startup", reasonCode, "", message)
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(os.Stderr,
			`{"timestamp":%q,"level":"ERROR","component":"runtime","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano), reasonCode, message)
	}
	os.Exit(1)
}

func isAddrInUse(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		var sysErr *os.SyscallError
		if errors.As(opErr.Err, &sysErr) {
			return sysErr.Err == syscall.EADDRINUSE
		}
	}
	return strings.Contains(err.Error(), "address already in use")
}

// instrumentBusMetrics wires the OTel counters that are most naturally
// expressed as reactions to lifecycle events, rather than threaded
// through every publisher as an explicit dependency.
func instrumentBusMetrics(bus *eventbus.Bus, metrics *zotel.Metrics) {
	bus.Subscribe(eventbus.EventRunCreated, func(eventbus.Event) {
		metrics.ActiveRuns.Add(context.Background(), 1)
	})
	bus.Subscribe(eventbus.EventRunUpdated, func(ev eventbus.Event) {
		payload, ok := ev.Payload.(eventbus.RunPayload)
		if !ok {
			return
		}
		if model.RunStatus(payload.Status).IsTerminal() {
			metrics.ActiveRuns.Add(context.Background(), -1)
		}
	})
	bus.Subscribe(eventbus.EventTriggerFired, func(eventbus.Event) {
		metrics.TriggerFiredTotal.Add(context.Background(), 1)
	})
	bus.Subscribe(eventbus.EventNodeState, func(ev eventbus.Event) {
		payload, ok := ev.Payload.(eventbus.NodeStatePayload)
		if !ok {
			return
		}
		if payload.Status == "success" || payload.Status == "failed" {
			metrics.WorkflowNodesTotal.Add(context.Background(), 1, metric.WithAttributes(attribute.String("status", payload.Status)))
		}
	})
}

func requestMetrics(metrics *zotel.Metrics, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		metrics.RequestDuration.Record(r.Context(), time.Since(start).Seconds(),
			metric.WithAttributes(attribute.String("path", r.Pattern), attribute.String("method", r.Method)))
	})
}

// wsClientMetrics counts concurrent clients. ServeHTTP on the hub blocks
// for the lifetime of the connection, so the increment/decrement pair
// brackets exactly one connection's lifespan.
func wsClientMetrics(metrics *zotel.Metrics, hub *wshub.Hub) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		metrics.WebSocketClients.Add(r.Context(), 1)
		defer metrics.WebSocketClients.Add(r.Context(), -1)
		hub.ServeHTTP(w, r)
	})
}

// staticTokenValidator implements wshub.TokenValidator against a single
// shared-secret bearer token. There is exactly one operator account;
// issuing and rotating the token itself is an external concern.
type staticTokenValidator struct {
	token string
}

func (v staticTokenValidator) ValidateToken(_ context.Context, token string) (string, error) {
	if v.token == "" || token != v.token {
		return "", apierr.New(apierr.KindAuth, "invalid token")
	}
	return "operator", nil
}

// allowAllAuthorizer implements topics.Authorizer for the single-operator
// deployment model: the one authenticated user may subscribe to any topic.
type allowAllAuthorizer struct{}

func (allowAllAuthorizer) Authorize(_ context.Context, userID, _ string) (bool, error) {
	return userID != "", nil
}

// chatSink implements wshub.MessageSink: append the inbound message,
// publish it, and dispatch a chat-triggered agent run on the owning
// thread.
type chatSink struct {
	store  *store.Store
	bus    *eventbus.Bus
	runner *taskrunner.Runner
}

func (s chatSink) SendMessage(ctx context.Context, _ string, threadID, content string) error {
	thread, err := s.store.GetThread(ctx, threadID)
	if err != nil {
		return err
	}
	msg := &model.Message{ThreadID: threadID, Role: model.RoleUser, Content: content}
	if err := s.store.AppendMessage(ctx, nil, msg); err != nil {
		return err
	}
	s.bus.Publish(eventbus.EventThreadMessageCreated, eventbus.ThreadMessagePayload{ThreadID: threadID, MessageID: msg.ID, Role: string(model.RoleUser)})
	_, err = s.runner.Run(ctx, taskrunner.Request{
		AgentID:    thread.AgentID,
		ThreadID:   threadID,
		ThreadType: model.ThreadTypeChat,
		Trigger:    model.RunTriggerAPI,
	})
	return err
}

// unimplementedModelRunner is the boundary the LLM invocation collaborator
// plugs into; wiring an actual provider client is out of scope here.
type unimplementedModelRunner struct{}

func (unimplementedModelRunner) Run(context.Context, []*model.Message, []string) (<-chan taskrunner.Chunk, <-chan error) {
	chunks := make(chan taskrunner.Chunk)
	errs := make(chan error, 1)
	close(chunks)
	errs <- apierr.New(apierr.KindModelRunner, "no ModelRunner configured")
	return chunks, errs
}

// noopToolExecutor is the boundary tool implementations plug into; this
// process ships with no built-in tools.
type noopToolExecutor struct{}

func (noopToolExecutor) Execute(_ context.Context, name string, _ map[string]any) (string, error) {
	return "", apierr.New(apierr.KindToolExecution, fmt.Sprintf("tool %q is not registered", name))
}

// apiDeps wires the REST surface's dependencies.
type apiDeps struct {
	store     *store.Store
	bus       *eventbus.Bus
	runner    *taskrunner.Runner
	engine    *workflow.Engine
	logger    *slog.Logger
	authToken string
}

func registerAPI(mux *http.ServeMux, d apiDeps) {
	auth := func(h http.HandlerFunc) http.HandlerFunc {
		return requireAuth(d.authToken, h)
	}

	mux.HandleFunc("POST /agents/{id}/task", auth(func(w http.ResponseWriter, r *http.Request) {
		agentID := r.PathValue("id")
		var body struct {
			Task string `json:"task"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		result, err := d.runner.Run(r.Context(), taskrunner.Request{
			AgentID: agentID, ThreadType: model.ThreadTypeManual,
			Trigger: model.RunTriggerAPI, TaskOverride: body.Task,
		})
		writeResult(w, result, err)
	}))

	mux.HandleFunc("POST /threads/{id}/messages", auth(func(w http.ResponseWriter, r *http.Request) {
		threadID := r.PathValue("id")
		var body struct {
			Content string `json:"content"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, apierr.New(apierr.KindProtocol, "invalid request body"))
			return
		}
		sink := chatSink{store: d.store, bus: d.bus, runner: d.runner}
		if err := sink.SendMessage(r.Context(), "operator", threadID, body.Content); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))

	mux.HandleFunc("GET /agents/{id}/runs", auth(func(w http.ResponseWriter, r *http.Request) {
		agentID := r.PathValue("id")
		limit := 20
		if v := r.URL.Query().Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				limit = n
			}
		}
		runs, err := d.store.ListRuns(r.Context(), agentID, limit)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, runs)
	}))

	mux.HandleFunc("POST /runs/{id}/cancel", auth(func(w http.ResponseWriter, r *http.Request) {
		d.runner.CancelRun(r.PathValue("id"))
		w.WriteHeader(http.StatusAccepted)
	}))

	mux.HandleFunc("POST /workflow-executions/{id}/start", auth(func(w http.ResponseWriter, r *http.Request) {
		workflowID := r.PathValue("id")
		var payload map[string]any
		_ = json.NewDecoder(r.Body).Decode(&payload)
		execID, err := d.engine.Start(r.Context(), workflowID, payload)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"execution_id": execID})
	}))

	mux.HandleFunc("POST /workflow-executions/{id}/cancel", auth(func(w http.ResponseWriter, r *http.Request) {
		d.engine.CancelExecution(r.PathValue("id"))
		w.WriteHeader(http.StatusAccepted)
	}))
}

func requireAuth(token string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if token == "" || !strings.HasPrefix(header, prefix) || header[len(prefix):] != token {
			writeError(w, apierr.New(apierr.KindAuth, "missing or invalid bearer token"))
			return
		}
		next(w, r)
	}
}

func writeResult(w http.ResponseWriter, result *taskrunner.Result, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"run_id": result.RunID, "status": result.Status})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, apierr.HTTPStatus(err), map[string]string{"error": err.Error()})
}
