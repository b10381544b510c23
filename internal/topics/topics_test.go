package topics_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/zerg-platform/zerg-core/internal/eventbus"
	"github.com/zerg-platform/zerg-core/internal/topics"
)

const (
	defaultWait = 2 * time.Second
	defaultTick = 10 * time.Millisecond
)

type allowAllAuth struct{}

func (allowAllAuth) Authorize(ctx context.Context, userID, topic string) (bool, error) { return true, nil }

type denyAuth struct{}

func (denyAuth) Authorize(ctx context.Context, userID, topic string) (bool, error) { return false, nil }

func TestManager_SubscribeIdempotent(t *testing.T) {
	mgr := topics.New(allowAllAuth{}, nil)
	mgr.Register("c1", "u1", 0)

	require.NoError(t, mgr.Subscribe(context.Background(), "c1", "agent:1"))
	require.NoError(t, mgr.Subscribe(context.Background(), "c1", "agent:1"))

	mgr.BroadcastToTopic("agent:1", "AGENT_UPDATED", nil)
	got := mgr.Drain("c1")
	require.Len(t, got, 1, "one logical subscription receives exactly one broadcast")
}

func TestManager_UnauthorizedSubscribeRejected(t *testing.T) {
	mgr := topics.New(denyAuth{}, nil)
	mgr.Register("c1", "u1", 0)
	err := mgr.Subscribe(context.Background(), "c1", "agent:1")
	require.Error(t, err)
}

func TestManager_MalformedTopicRejected(t *testing.T) {
	mgr := topics.New(allowAllAuth{}, nil)
	mgr.Register("c1", "u1", 0)
	require.Error(t, mgr.Subscribe(context.Background(), "c1", "bogus"))
	require.Error(t, mgr.Subscribe(context.Background(), "c1", "agent:"))
}

func TestManager_BoundedQueueEviction(t *testing.T) {
	mgr := topics.New(allowAllAuth{}, nil)
	mgr.Register("c1", "u1", 100)
	require.NoError(t, mgr.Subscribe(context.Background(), "c1", "agent:1"))

	for i := 0; i < 150; i++ {
		mgr.BroadcastToTopic("agent:1", "AGENT_UPDATED", i)
	}

	got := mgr.Drain("c1")
	require.Len(t, got, 100)
	first := got[0].Data.(int)
	last := got[len(got)-1].Data.(int)
	require.Equal(t, 50, first, "oldest 50 should have been evicted")
	require.Equal(t, 149, last)
}

func TestBridgeEventBus_AgentEventReachesAgentTopic(t *testing.T) {
	bus := eventbus.New(nil)
	mgr := topics.New(allowAllAuth{}, nil)
	topics.BridgeEventBus(bus, mgr)
	mgr.Register("c1", "u1", 0)
	require.NoError(t, mgr.Subscribe(context.Background(), "c1", "agent:42"))

	bus.Publish(eventbus.EventAgentUpdated, eventbus.AgentPayload{ID: "42", Status: "running"})

	require.Eventually(t, func() bool {
		return len(mgr.Drain("c1")) > 0
	}, defaultWait, defaultTick)
}

// TestBridgeEventBus_StreamEventsArriveInPublishOrder exercises the
// property a WebSocket client actually depends on: STREAM_START, every
// STREAM_CHUNK, then STREAM_END land on thread:{id} in the order
// consumeStream published them, end to end through BridgeEventBus.
func TestBridgeEventBus_StreamEventsArriveInPublishOrder(t *testing.T) {
	bus := eventbus.New(nil)
	mgr := topics.New(allowAllAuth{}, nil)
	topics.BridgeEventBus(bus, mgr)
	mgr.Register("c1", "u1", 0)
	require.NoError(t, mgr.Subscribe(context.Background(), "c1", "thread:t1"))

	bus.Publish(eventbus.EventStreamStart, eventbus.StreamStartPayload{ThreadID: "t1", RunID: "r1"})
	for i := 0; i < 10; i++ {
		bus.Publish(eventbus.EventStreamChunk, eventbus.StreamChunkPayload{ThreadID: "t1", RunID: "r1", Text: "x"})
	}
	bus.Publish(eventbus.EventStreamEnd, eventbus.StreamEndPayload{ThreadID: "t1", RunID: "r1"})

	var frames []topics.Envelope
	require.Eventually(t, func() bool {
		frames = append(frames, mgr.Drain("c1")...)
		return len(frames) == 12
	}, defaultWait, defaultTick)

	require.Equal(t, "STREAM_START", frames[0].Type)
	for _, f := range frames[1:11] {
		require.Equal(t, "STREAM_CHUNK", f.Type)
	}
	require.Equal(t, "STREAM_END", frames[11].Type)
}

// TestBridgeEventBus_NodeLifecycleArrivesInPublishOrder covers the
// workflow_execution:{id} side of the same property.
func TestBridgeEventBus_NodeLifecycleArrivesInPublishOrder(t *testing.T) {
	bus := eventbus.New(nil)
	mgr := topics.New(allowAllAuth{}, nil)
	topics.BridgeEventBus(bus, mgr)
	mgr.Register("c1", "u1", 0)
	require.NoError(t, mgr.Subscribe(context.Background(), "c1", "workflow_execution:e1"))

	bus.Publish(eventbus.EventNodeState, eventbus.NodeStatePayload{ExecutionID: "e1", NodeID: "n1", Status: "running"})
	bus.Publish(eventbus.EventNodeLog, eventbus.NodeLogPayload{ExecutionID: "e1", NodeID: "n1", Text: "working"})
	bus.Publish(eventbus.EventNodeState, eventbus.NodeStatePayload{ExecutionID: "e1", NodeID: "n1", Status: "success"})

	var frames []topics.Envelope
	require.Eventually(t, func() bool {
		frames = append(frames, mgr.Drain("c1")...)
		return len(frames) == 3
	}, defaultWait, defaultTick)

	require.Equal(t, []string{"NODE_STATE", "NODE_LOG", "NODE_STATE"}, []string{frames[0].Type, frames[1].Type, frames[2].Type})
	require.Equal(t, eventbus.NodeStatePayload{ExecutionID: "e1", NodeID: "n1", Status: "running"}, frames[0].Data)
	require.Equal(t, eventbus.NodeStatePayload{ExecutionID: "e1", NodeID: "n1", Status: "success"}, frames[2].Data)
}
