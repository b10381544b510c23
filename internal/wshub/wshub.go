// Package wshub implements the WebSocket endpoint that streams lifecycle
// events to clients and accepts a narrow set of inbound control
// messages, using coder/websocket + wsjson, an origin allowlist, a
// per-connection client struct, and paired read/write loops dispatching
// a tagged envelope protocol.
package wshub

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/zerg-platform/zerg-core/internal/topics"
)

const (
	heartbeatInterval = 30 * time.Second
	pongTimeout       = 60 * time.Second

	// closeInvalidToken is sent before upgrade completes on auth failure.
	closeInvalidToken websocket.StatusCode = 4401
)

// TokenValidator resolves a bearer token to a user ID, or reports failure.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (userID string, err error)
}

// MessageSink is the narrow dependency the hub needs to handle
// send_message{thread_id, content}: append a user message and kick off
// a Task Runner invocation for the owning agent.
type MessageSink interface {
	SendMessage(ctx context.Context, userID, threadID, content string) error
}

// Config wires the hub's dependencies.
type Config struct {
	Topics       *topics.Manager
	Tokens       TokenValidator
	Messages     MessageSink
	AllowOrigins []string
	Logger       *slog.Logger
}

// Hub accepts WebSocket connections and bridges them to the topic manager.
type Hub struct {
	cfg Config
}

// New constructs a Hub.
func New(cfg Config) *Hub {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Hub{cfg: cfg}
}

type inboundEnvelope struct {
	V      int      `json:"v"`
	Type   string   `json:"type"`
	ReqID  string   `json:"req_id,omitempty"`
	Topics []string `json:"topics,omitempty"`
	Data   struct {
		ThreadID string `json:"thread_id,omitempty"`
		Content  string `json:"content,omitempty"`
	} `json:"data,omitempty"`
}

// ServeHTTP implements the GET /ws?token={jwt} endpoint.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	userID, err := h.cfg.Tokens.ValidateToken(r.Context(), token)
	if err != nil || userID == "" {
		// Close with 4401 *before* the upgrade completes.
		conn, acceptErr := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.cfg.AllowOrigins})
		if acceptErr != nil {
			return
		}
		_ = conn.Close(closeInvalidToken, "invalid or expired token")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.cfg.AllowOrigins})
	if err != nil {
		return
	}

	clientID := uuid.NewString()
	client := h.cfg.Topics.Register(clientID, userID, topics.DefaultQueueCapacity)
	defer h.cfg.Topics.Deregister(clientID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	pongCh := make(chan struct{}, 1)

	go h.writeLoop(ctx, conn, client)
	go h.heartbeatLoop(ctx, conn, cancel, pongCh)

	h.readLoop(ctx, conn, clientID, userID, pongCh)
}

func (h *Hub) readLoop(ctx context.Context, conn *websocket.Conn, clientID, userID string, pongCh chan<- struct{}) {
	for {
		var env inboundEnvelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			var closeErr websocket.CloseError
			if !errors.As(err, &closeErr) {
				h.cfg.Logger.Debug("wshub: read error", "error", err)
			}
			return
		}
		if env.V != 1 {
			h.sendError(ctx, conn, env.ReqID, "unsupported envelope version")
			continue
		}
		switch env.Type {
		case "ping":
			h.send(ctx, conn, "pong", "", env.ReqID, nil)
		case "pong":
			select {
			case pongCh <- struct{}{}:
			default:
			}
		case "subscribe":
			for _, topic := range env.Topics {
				if err := h.cfg.Topics.Subscribe(ctx, clientID, topic); err != nil {
					h.send(ctx, conn, "subscribe_error", topic, env.ReqID, map[string]any{"topics": []string{topic}, "error": err.Error()})
					continue
				}
				h.send(ctx, conn, "subscribe_ack", topic, env.ReqID, map[string]any{"topics": []string{topic}})
			}
		case "unsubscribe":
			for _, topic := range env.Topics {
				h.cfg.Topics.Unsubscribe(clientID, topic)
			}
		case "send_message":
			if err := h.cfg.Messages.SendMessage(ctx, userID, env.Data.ThreadID, env.Data.Content); err != nil {
				h.sendError(ctx, conn, env.ReqID, err.Error())
			}
		default:
			h.sendError(ctx, conn, env.ReqID, "unknown envelope type "+env.Type)
		}
	}
}

func (h *Hub) writeLoop(ctx context.Context, conn *websocket.Conn, client *topics.Client) {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, env := range client.Drain() {
				b, err := topics.MarshalEnvelope(env)
				if err != nil {
					h.cfg.Logger.Debug("wshub: marshal envelope failed", "error", err)
					continue
				}
				if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
					return
				}
			}
		}
	}
}

// heartbeatLoop pings every 30s and closes the connection if no pong is
// observed within 60s.
func (h *Hub) heartbeatLoop(ctx context.Context, conn *websocket.Conn, cancel context.CancelFunc, pongCh <-chan struct{}) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	timeout := time.NewTimer(pongTimeout)
	defer timeout.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.send(ctx, conn, "ping", "", "", nil)
		case <-pongCh:
			if !timeout.Stop() {
				<-timeout.C
			}
			timeout.Reset(pongTimeout)
		case <-timeout.C:
			_ = conn.Close(websocket.StatusPolicyViolation, "heartbeat timeout")
			cancel()
			return
		}
	}
}

func (h *Hub) send(ctx context.Context, conn *websocket.Conn, typ, topic, reqID string, data any) {
	env := map[string]any{"v": 1, "type": typ, "ts": time.Now().UnixMilli()}
	if topic != "" {
		env["topic"] = topic
	}
	if reqID != "" {
		env["req_id"] = reqID
	}
	if data != nil {
		env["data"] = data
	}
	if err := wsjson.Write(ctx, conn, env); err != nil {
		h.cfg.Logger.Debug("wshub: write error", "error", err)
	}
}

func (h *Hub) sendError(ctx context.Context, conn *websocket.Conn, reqID, message string) {
	h.send(ctx, conn, "error", "", reqID, map[string]any{"message": message})
}
