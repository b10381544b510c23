package eventbus

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_PublishDeliversToSubscriber(t *testing.T) {
	b := New(nil)
	received := make(chan Event, 1)
	sub := b.Subscribe(EventRunCreated, func(e Event) { received <- e })
	defer b.Unsubscribe(sub)

	b.Publish(EventRunCreated, RunPayload{ID: "r1", Status: "queued"})

	select {
	case e := <-received:
		payload, ok := e.Payload.(RunPayload)
		require.True(t, ok)
		assert.Equal(t, "r1", payload.ID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBus_PerSubscriberFIFO(t *testing.T) {
	b := New(nil)
	var mu sync.Mutex
	var order []int
	done := make(chan struct{})

	sub := b.Subscribe(EventNodeState, func(e Event) {
		p := e.Payload.(NodeStatePayload)
		mu.Lock()
		n := len(order)
		order = append(order, n)
		mu.Unlock()
		if p.NodeID == "last" {
			close(done)
		}
	})
	defer b.Unsubscribe(sub)

	for i := 0; i < 50; i++ {
		b.Publish(EventNodeState, NodeStatePayload{NodeID: "n"})
	}
	b.Publish(EventNodeState, NodeStatePayload{NodeID: "last"})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 51)
	for i, v := range order {
		assert.Equal(t, i, v)
	}
}

func TestBus_HandlerPanicIsolated(t *testing.T) {
	b := New(nil)
	okCh := make(chan struct{}, 1)

	panicSub := b.Subscribe(EventAgentUpdated, func(Event) { panic("boom") })
	defer b.Unsubscribe(panicSub)
	okSub := b.Subscribe(EventAgentUpdated, func(Event) { okCh <- struct{}{} })
	defer b.Unsubscribe(okSub)

	b.Publish(EventAgentUpdated, AgentPayload{ID: "a1"})

	select {
	case <-okCh:
	case <-time.After(time.Second):
		t.Fatal("sibling handler did not run after panic in another handler")
	}
}

func TestBus_UnsubscribeStopsDelivery(t *testing.T) {
	b := New(nil)
	received := make(chan Event, 10)
	sub := b.Subscribe(EventThreadCreated, func(e Event) { received <- e })
	b.Unsubscribe(sub)

	b.Publish(EventThreadCreated, ThreadPayload{ID: "t1"})

	select {
	case <-received:
		t.Fatal("received event after unsubscribe")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBus_NoSubscribersNoPanic(t *testing.T) {
	b := New(nil)
	assert.NotPanics(t, func() {
		b.Publish(EventRunUpdated, RunPayload{ID: "r1"})
	})
}

// TestBus_SubscribeManyPreservesCrossTypeOrder asserts the property two
// independent Subscribe calls cannot give: a single consumer sees
// STREAM_START, then every STREAM_CHUNK, then STREAM_END, in that order,
// because they share one queue.
func TestBus_SubscribeManyPreservesCrossTypeOrder(t *testing.T) {
	b := New(nil)
	var mu sync.Mutex
	var seen []EventType
	done := make(chan struct{})

	sub := b.SubscribeMany([]EventType{EventStreamStart, EventStreamChunk, EventStreamEnd}, func(e Event) {
		mu.Lock()
		seen = append(seen, e.Type)
		mu.Unlock()
		if e.Type == EventStreamEnd {
			close(done)
		}
	})
	defer b.Unsubscribe(sub)

	b.Publish(EventStreamStart, StreamStartPayload{ThreadID: "t1", RunID: "r1"})
	for i := 0; i < 20; i++ {
		b.Publish(EventStreamChunk, StreamChunkPayload{ThreadID: "t1", RunID: "r1", Text: "x"})
	}
	b.Publish(EventStreamEnd, StreamEndPayload{ThreadID: "t1", RunID: "r1"})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for stream end")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 22)
	assert.Equal(t, EventStreamStart, seen[0])
	for _, et := range seen[1:21] {
		assert.Equal(t, EventStreamChunk, et)
	}
	assert.Equal(t, EventStreamEnd, seen[21])
}

// TestBus_SubscribeManyPreservesNodeLifecycleOrder covers the
// NODE_STATE{running} -> NODE_LOG -> NODE_STATE{success} sequence a
// workflow execution consumer relies on.
func TestBus_SubscribeManyPreservesNodeLifecycleOrder(t *testing.T) {
	b := New(nil)
	var mu sync.Mutex
	var seen []string
	done := make(chan struct{})

	sub := b.SubscribeMany([]EventType{EventNodeState, EventNodeLog}, func(e Event) {
		mu.Lock()
		switch p := e.Payload.(type) {
		case NodeStatePayload:
			seen = append(seen, "state:"+p.Status)
			if p.Status == "success" {
				close(done)
			}
		case NodeLogPayload:
			seen = append(seen, "log")
		}
		mu.Unlock()
	})
	defer b.Unsubscribe(sub)

	b.Publish(EventNodeState, NodeStatePayload{ExecutionID: "e1", NodeID: "n1", Status: "running"})
	b.Publish(EventNodeLog, NodeLogPayload{ExecutionID: "e1", NodeID: "n1", Text: "working"})
	b.Publish(EventNodeState, NodeStatePayload{ExecutionID: "e1", NodeID: "n1", Status: "success"})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for terminal state")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"state:running", "log", "state:success"}, seen)
}

// TestBus_IndependentSubscribeCallsDoNotShareOrdering documents why
// SubscribeMany exists: two separate Subscribe calls for different types
// are drained by independent goroutines, so their relative delivery order
// to the same logical consumer is not guaranteed even though Publish was
// called in a fixed order.
func TestBus_IndependentSubscribeCallsDoNotShareOrdering(t *testing.T) {
	b := New(nil)

	startCh := make(chan struct{}, 1)
	endCh := make(chan struct{}, 1)
	b.Subscribe(EventStreamStart, func(Event) { startCh <- struct{}{} })
	b.Subscribe(EventStreamEnd, func(Event) { endCh <- struct{}{} })

	b.Publish(EventStreamStart, StreamStartPayload{ThreadID: "t1", RunID: "r1"})
	b.Publish(EventStreamEnd, StreamEndPayload{ThreadID: "t1", RunID: "r1"})

	select {
	case <-startCh:
	case <-time.After(time.Second):
		t.Fatal("start not delivered")
	}
	select {
	case <-endCh:
	case <-time.After(time.Second):
		t.Fatal("end not delivered")
	}
}
