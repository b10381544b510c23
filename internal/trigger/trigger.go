// Package trigger implements the HMAC-authenticated webhook ingress
// endpoint that dispatches an agent run from an external event. Routes
// mount directly on a stdlib http.ServeMux, using Go 1.22+ method+
// wildcard patterns rather than a third-party router. Signature
// verification uses crypto/hmac and crypto/sha256 directly: no
// webhook-signing library is warranted for this narrow
// constant-time-compare need.
package trigger

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/zerg-platform/zerg-core/internal/apierr"
	"github.com/zerg-platform/zerg-core/internal/eventbus"
	"github.com/zerg-platform/zerg-core/internal/model"
	zotel "github.com/zerg-platform/zerg-core/internal/otel"
	"github.com/zerg-platform/zerg-core/internal/store"
	"github.com/zerg-platform/zerg-core/internal/taskrunner"
)

// maxSkew is the allowed drift between X-Zerg-Timestamp and wall clock
// before a signature is rejected, guarding against replay.
const maxSkew = 300 * time.Second

// Runner is the narrow dependency needed to dispatch a triggered run.
type Runner interface {
	Run(ctx context.Context, req taskrunner.Request) (*taskrunner.Result, error)
}

// Handler serves POST /triggers/{id}/events.
type Handler struct {
	store  *store.Store
	bus    *eventbus.Bus
	runner Runner
	logger *slog.Logger
	tracer trace.Tracer
}

// Config wires a Handler's dependencies.
type Config struct {
	Store  *store.Store
	Bus    *eventbus.Bus
	Runner Runner
	Logger *slog.Logger
	Tracer trace.Tracer // optional; nil disables span recording
}

// New constructs a Handler.
func New(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{store: cfg.Store, bus: cfg.Bus, runner: cfg.Runner, logger: logger, tracer: cfg.Tracer}
}

// Register mounts the ingress route on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /triggers/{id}/events", h.handleEvent)
}

func (h *Handler) handleEvent(w http.ResponseWriter, r *http.Request) {
	triggerID := r.PathValue("id")

	if h.tracer != nil {
		ctx, span := zotel.StartServerSpan(r.Context(), h.tracer, "trigger.event", zotel.AttrTriggerID.String(triggerID))
		defer span.End()
		r = r.WithContext(ctx)
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, apierr.New(apierr.KindProtocol, "unreadable body"))
		return
	}

	timestampHeader := r.Header.Get("X-Zerg-Timestamp")
	signatureHeader := r.Header.Get("X-Zerg-Signature")
	if timestampHeader == "" || signatureHeader == "" {
		writeError(w, apierr.New(apierr.KindAuth, "missing signature headers"))
		return
	}

	ts, err := strconv.ParseInt(timestampHeader, 10, 64)
	if err != nil {
		writeError(w, apierr.New(apierr.KindAuth, "malformed timestamp"))
		return
	}
	skew := time.Since(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > maxSkew {
		writeError(w, apierr.New(apierr.KindAuth, "timestamp outside allowed skew"))
		return
	}

	trig, err := h.store.GetTrigger(r.Context(), triggerID)
	if err != nil {
		writeError(w, apierr.New(apierr.KindAuth, "unknown trigger"))
		return
	}
	if !trig.Active {
		writeError(w, apierr.New(apierr.KindAuth, "trigger is disabled"))
		return
	}

	if !verifySignature(trig.Secret, timestampHeader, body, signatureHeader) {
		writeError(w, apierr.New(apierr.KindAuth, "signature mismatch"))
		return
	}

	h.bus.Publish(eventbus.EventTriggerFired, eventbus.TriggerFiredPayload{
		TriggerID: triggerID, AgentID: trig.AgentID, Body: body,
	})

	result, err := h.runner.Run(r.Context(), taskrunner.Request{
		AgentID: trig.AgentID, ThreadType: model.ThreadTypeTrigger, Trigger: model.RunTriggerWebhook,
		TaskOverride: string(body),
	})
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]any{"run_id": result.RunID, "status": result.Status})
}

// verifySignature recomputes hex(hmac_sha256(secret, timestamp+"."+body))
// and compares it against signature in constant time.
func verifySignature(secret, timestamp string, body []byte, signature string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

func writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apierr.HTTPStatus(err))
	_ = json.NewEncoder(w).Encode(map[string]string{"error": fmt.Sprint(err)})
}
