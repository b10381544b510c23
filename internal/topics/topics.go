// Package topics implements the topic-multiplexed fan-out between the
// event bus and connected WebSocket clients: per-topic subscription
// sets with authorization checks and bounded, FIFO-evicting outbound
// queues, rather than a single broadcast-everything model.
package topics

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/zerg-platform/zerg-core/internal/eventbus"
)

// DefaultQueueCapacity is the default bound on a client's outbound queue.
const DefaultQueueCapacity = 100

// Envelope is the uniform JSON wrapper for every WebSocket message.
type Envelope struct {
	V     int    `json:"v"`
	Type  string `json:"type"`
	Topic string `json:"topic,omitempty"`
	ReqID string `json:"req_id,omitempty"`
	TS    int64  `json:"ts"`
	Data  any    `json:"data,omitempty"`
}

func newEnvelope(typ, topic string, data any) Envelope {
	return Envelope{V: 1, Type: typ, Topic: topic, TS: time.Now().UnixMilli(), Data: data}
}

// Authorizer decides whether userID may subscribe to topic. Implemented
// by a thin adapter over internal/store in production; stubbed in tests.
type Authorizer interface {
	Authorize(ctx context.Context, userID, topic string) (bool, error)
}

// Client is a single connected subscriber: an outbound envelope queue
// plus the set of topics it is currently subscribed to.
type Client struct {
	ID     string
	UserID string

	mu       sync.Mutex
	topics   map[string]struct{}
	queue    []Envelope
	capacity int
}

func newClient(id, userID string, capacity int) *Client {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &Client{ID: id, UserID: userID, topics: make(map[string]struct{}), capacity: capacity}
}

// enqueue appends env, evicting the oldest pending envelope on overflow.
func (c *Client) enqueue(env Envelope, logger *slog.Logger) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) >= c.capacity {
		c.queue = c.queue[1:]
		logger.Warn("outbound queue overflow, evicted oldest envelope", "client_id", c.ID, "capacity", c.capacity)
	}
	c.queue = append(c.queue, env)
}

// Drain removes and returns every currently queued envelope, in FIFO order.
func (c *Client) Drain() []Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.queue
	c.queue = nil
	return out
}

func (c *Client) hasTopic(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.topics[topic]
	return ok
}

func (c *Client) addTopic(topic string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.topics[topic] = struct{}{}
}

func (c *Client) removeTopic(topic string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.topics, topic)
}

// Manager owns the bidirectional client/topic index and the bridge that
// turns event bus publications into topic broadcasts.
type Manager struct {
	mu      sync.RWMutex
	clients map[string]*Client
	byTopic map[string]map[string]struct{} // topic -> client IDs

	auth   Authorizer
	logger *slog.Logger
}

// New constructs a Manager. auth may be nil to allow every subscription
// (used in tests); logger defaults to slog.Default().
func New(auth Authorizer, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		clients: make(map[string]*Client),
		byTopic: make(map[string]map[string]struct{}),
		auth:    auth,
		logger:  logger,
	}
}

// Register adds a new client to the manager, returning its handle.
// capacity<=0 uses DefaultQueueCapacity.
func (m *Manager) Register(clientID, userID string, capacity int) *Client {
	c := newClient(clientID, userID, capacity)
	m.mu.Lock()
	m.clients[clientID] = c
	m.mu.Unlock()
	return c
}

// Deregister removes a client and all of its subscriptions.
func (m *Manager) Deregister(clientID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[clientID]
	if !ok {
		return
	}
	for topic := range c.topics {
		if set := m.byTopic[topic]; set != nil {
			delete(set, clientID)
			if len(set) == 0 {
				delete(m.byTopic, topic)
			}
		}
	}
	delete(m.clients, clientID)
}

// Subscribe validates topic's grammar and the client's authorization,
// then records the subscription. Idempotent: a repeat call on an
// already-subscribed topic succeeds again with no duplicate state.
// The caller is responsible for emitting the subscribe_ack/subscribe_error
// envelope using the returned error.
func (m *Manager) Subscribe(ctx context.Context, clientID, topic string) error {
	if err := validateTopicGrammar(topic); err != nil {
		return err
	}
	m.mu.RLock()
	c, ok := m.clients[clientID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown client %s", clientID)
	}
	if m.auth != nil {
		allowed, err := m.auth.Authorize(ctx, c.UserID, topic)
		if err != nil {
			return err
		}
		if !allowed {
			return fmt.Errorf("not authorized for topic %s", topic)
		}
	}

	m.mu.Lock()
	if m.byTopic[topic] == nil {
		m.byTopic[topic] = make(map[string]struct{})
	}
	m.byTopic[topic][clientID] = struct{}{}
	m.mu.Unlock()
	c.addTopic(topic)
	return nil
}

// Unsubscribe removes the client's subscription to topic. No-op if absent.
func (m *Manager) Unsubscribe(clientID, topic string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[clientID]
	if !ok {
		return
	}
	c.removeTopic(topic)
	if set := m.byTopic[topic]; set != nil {
		delete(set, clientID)
		if len(set) == 0 {
			delete(m.byTopic, topic)
		}
	}
}

// BroadcastToTopic enqueues envType/data as an envelope onto every
// client currently subscribed to topic.
func (m *Manager) BroadcastToTopic(topic, envType string, data any) {
	env := newEnvelope(envType, topic, data)
	m.mu.RLock()
	ids := make([]string, 0, len(m.byTopic[topic]))
	for id := range m.byTopic[topic] {
		ids = append(ids, id)
	}
	clients := m.clients
	m.mu.RUnlock()

	for _, id := range ids {
		if c := clients[id]; c != nil {
			c.enqueue(env, m.logger)
		}
	}
}

func validateTopicGrammar(topic string) error {
	if topic == "system" {
		return nil
	}
	parts := strings.SplitN(topic, ":", 2)
	if len(parts) != 2 || parts[1] == "" {
		return fmt.Errorf("malformed topic %q", topic)
	}
	switch parts[0] {
	case "agent", "thread", "user", "workflow_execution":
		return nil
	default:
		return fmt.Errorf("unknown topic kind %q", parts[0])
	}
}

// BridgeEventBus subscribes to every event type the core publishes and
// translates each Event into a topic broadcast, synthesising the target
// topic from the payload (e.g. "agent:{payload.id}" for agent events).
func BridgeEventBus(bus *eventbus.Bus, mgr *Manager) {
	bus.Subscribe(eventbus.EventAgentCreated, mgr.agentEventHandler(string(eventbus.EventAgentCreated)))
	bus.Subscribe(eventbus.EventAgentUpdated, mgr.agentEventHandler(string(eventbus.EventAgentUpdated)))
	bus.Subscribe(eventbus.EventAgentDeleted, mgr.agentEventHandler(string(eventbus.EventAgentDeleted)))

	bus.Subscribe(eventbus.EventThreadCreated, mgr.threadEventHandler(string(eventbus.EventThreadCreated)))
	bus.Subscribe(eventbus.EventThreadUpdated, mgr.threadEventHandler(string(eventbus.EventThreadUpdated)))
	bus.Subscribe(eventbus.EventThreadDeleted, mgr.threadEventHandler(string(eventbus.EventThreadDeleted)))

	bus.Subscribe(eventbus.EventThreadMessageCreated, func(e eventbus.Event) {
		p, ok := e.Payload.(eventbus.ThreadMessagePayload)
		if !ok {
			return
		}
		mgr.BroadcastToTopic("thread:"+p.ThreadID, string(eventbus.EventThreadMessageCreated), p)
	})

	bus.Subscribe(eventbus.EventRunCreated, mgr.runEventHandler(string(eventbus.EventRunCreated)))
	bus.Subscribe(eventbus.EventRunUpdated, mgr.runEventHandler(string(eventbus.EventRunUpdated)))

	bus.Subscribe(eventbus.EventUserUpdate, func(e eventbus.Event) {
		p, ok := e.Payload.(eventbus.UserUpdatePayload)
		if !ok {
			return
		}
		mgr.BroadcastToTopic("user:"+p.ID, string(eventbus.EventUserUpdate), p)
	})

	// NODE_STATE{running} -> NODE_LOG -> NODE_STATE{success|failed} must
	// reach workflow_execution:{id} in publish order, so all three share
	// one subscription instead of draining on independent goroutines.
	bus.SubscribeMany([]eventbus.EventType{
		eventbus.EventNodeState, eventbus.EventNodeLog, eventbus.EventExecutionFinished,
	}, func(e eventbus.Event) {
		switch p := e.Payload.(type) {
		case eventbus.NodeStatePayload:
			mgr.BroadcastToTopic("workflow_execution:"+p.ExecutionID, string(eventbus.EventNodeState), p)
		case eventbus.NodeLogPayload:
			mgr.BroadcastToTopic("workflow_execution:"+p.ExecutionID, string(eventbus.EventNodeLog), p)
		case eventbus.ExecutionFinishedPayload:
			mgr.BroadcastToTopic("workflow_execution:"+p.ExecutionID, string(eventbus.EventExecutionFinished), p)
		}
	})

	// STREAM_START -> STREAM_CHUNK* -> STREAM_END must likewise reach
	// thread:{id} in the order consumeStream published them.
	bus.SubscribeMany([]eventbus.EventType{
		eventbus.EventStreamStart, eventbus.EventStreamChunk, eventbus.EventStreamEnd,
	}, func(e eventbus.Event) {
		switch p := e.Payload.(type) {
		case eventbus.StreamStartPayload:
			mgr.BroadcastToTopic("thread:"+p.ThreadID, string(eventbus.EventStreamStart), p)
		case eventbus.StreamChunkPayload:
			mgr.BroadcastToTopic("thread:"+p.ThreadID, string(eventbus.EventStreamChunk), p)
		case eventbus.StreamEndPayload:
			mgr.BroadcastToTopic("thread:"+p.ThreadID, string(eventbus.EventStreamEnd), p)
		}
	})
}

func (m *Manager) agentEventHandler(envType string) eventbus.Handler {
	return func(e eventbus.Event) {
		p, ok := e.Payload.(eventbus.AgentPayload)
		if !ok {
			return
		}
		m.BroadcastToTopic("agent:"+p.ID, envType, p)
	}
}

func (m *Manager) threadEventHandler(envType string) eventbus.Handler {
	return func(e eventbus.Event) {
		p, ok := e.Payload.(eventbus.ThreadPayload)
		if !ok {
			return
		}
		m.BroadcastToTopic("thread:"+p.ID, envType, p)
		m.BroadcastToTopic("agent:"+p.AgentID, envType, p)
	}
}

func (m *Manager) runEventHandler(envType string) eventbus.Handler {
	return func(e eventbus.Event) {
		p, ok := e.Payload.(eventbus.RunPayload)
		if !ok {
			return
		}
		m.BroadcastToTopic("agent:"+p.AgentID, envType, p)
		m.BroadcastToTopic("thread:"+p.ThreadID, envType, p)
	}
}

// Drain removes and returns every envelope currently queued for clientID.
func (m *Manager) Drain(clientID string) []Envelope {
	m.mu.RLock()
	c := m.clients[clientID]
	m.mu.RUnlock()
	if c == nil {
		return nil
	}
	return c.Drain()
}

// MarshalEnvelope is a convenience used by the WebSocket hub's writer loop.
func MarshalEnvelope(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}
