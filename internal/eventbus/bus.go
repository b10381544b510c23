// Package eventbus is the in-process typed pub/sub core of the runtime: a
// flat subscriber map guarded by an RWMutex, delivered through an
// async-handler Subscribe/Unsubscribe contract. A slow handler only backs
// up its own Subscription's queue; Publish drops rather than blocks once
// that queue is full.
package eventbus

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// Event is one message delivered to subscribers of its Type.
type Event struct {
	Type    EventType
	Payload any
}

// Handler receives events published for any EventType the subscription
// was registered against. Handlers run on a per-subscriber goroutine; a
// panic or a long handler only delays that handler's own queue, never
// the publisher or sibling handlers.
type Handler func(Event)

// Subscription is a single consumer's interest in one or more EventTypes,
// backed by one queue and one dispatch goroutine. A consumer that cares
// about the relative order of several EventTypes (e.g. STREAM_START before
// STREAM_CHUNK before STREAM_END) must register them on the same
// Subscription via SubscribeMany: two separate Subscribe calls are drained
// by independent goroutines and carry no ordering guarantee relative to
// each other.
type Subscription struct {
	id      int64
	types   map[EventType]bool
	handler Handler
	queue   chan Event
	done    chan struct{}
}

func (s *Subscription) interested(eventType EventType) bool {
	return s.types[eventType]
}

// Bus is an in-process, typed, multi-subscriber event bus. Publish fans
// out to every matching subscriber's queue under a single lock-protected
// snapshot, so all EventTypes a given Subscription matches are delivered
// to it in the order they were published, same-type or not. Ordering
// across two different Subscriptions is never guaranteed, even if both
// match the same EventType.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int64]*Subscription
	nextID int64
	logger *slog.Logger

	droppedEvents   atomic.Int64
	lastDropWarning atomic.Int64 // last threshold at which a warning was logged
}

// New creates a Bus. A nil logger falls back to slog.Default().
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   make(map[int64]*Subscription),
		logger: logger,
	}
}

// Subscribe registers handler to receive every event of eventType,
// delivered asynchronously in publish order. Equivalent to
// SubscribeMany([]EventType{eventType}, handler). The returned token is
// passed to Unsubscribe to stop delivery.
func (b *Bus) Subscribe(eventType EventType, handler Handler) *Subscription {
	return b.SubscribeMany([]EventType{eventType}, handler)
}

// SubscribeMany registers handler to receive every event whose type is in
// eventTypes, all delivered through one queue and one goroutine so their
// relative publish order is preserved for this subscriber. Use this
// instead of several Subscribe calls whenever a consumer's correctness
// depends on cross-type ordering.
func (b *Bus) SubscribeMany(eventTypes []EventType, handler Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	types := make(map[EventType]bool, len(eventTypes))
	for _, et := range eventTypes {
		types[et] = true
	}

	b.nextID++
	sub := &Subscription{
		id:      b.nextID,
		types:   types,
		handler: handler,
		queue:   make(chan Event, 256),
		done:    make(chan struct{}),
	}
	b.subs[sub.id] = sub
	go sub.run(b.logger)
	return sub
}

// Unsubscribe removes a subscription registered by Subscribe or
// SubscribeMany. It is safe to call more than once.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; !ok {
		return
	}
	delete(b.subs, sub.id)
	close(sub.done)
}

// Publish delivers payload to every current subscriber interested in
// eventType. Publish itself never blocks on a slow consumer: delivery to
// each matching Subscription's queue is non-blocking, and a subscriber
// whose queue is full has its event dropped rather than stalling the
// publisher. Because the snapshot is iterated once per call, two Publish
// calls for different EventTypes are sent to the same Subscription's
// queue in the order Publish was called, not the order the EventTypes
// happen to sort in.
func (b *Bus) Publish(eventType EventType, payload any) {
	b.mu.RLock()
	var matched []*Subscription
	for _, sub := range b.subs {
		if sub.interested(eventType) {
			matched = append(matched, sub)
		}
	}
	b.mu.RUnlock()

	if len(matched) == 0 {
		return
	}
	event := Event{Type: eventType, Payload: payload}
	for _, sub := range matched {
		select {
		case sub.queue <- event:
		case <-sub.done:
			// Unsubscribed between snapshot and send; drop silently.
		default:
			// Queue full - increment counter instead of logging per-drop.
			newCount := b.droppedEvents.Add(1)
			b.maybeLogDropWarning(newCount, eventType)
		}
	}
}

// DroppedEventCount returns the total number of events dropped across all
// subscribers due to full queues.
func (b *Bus) DroppedEventCount() int64 {
	return b.droppedEvents.Load()
}

// dropThreshold returns the next exponential threshold (1, 10, 100, ...) at or below count.
func dropThreshold(count int64) int64 {
	threshold := int64(1)
	for threshold*10 <= count {
		threshold *= 10
	}
	return threshold
}

// maybeLogDropWarning logs a warning when the dropped event count crosses
// an exponential threshold, using CompareAndSwap so concurrent publishers
// don't duplicate the log line.
func (b *Bus) maybeLogDropWarning(newCount int64, eventType EventType) {
	threshold := dropThreshold(newCount)
	if newCount != threshold {
		return
	}
	lastWarned := b.lastDropWarning.Load()
	if threshold <= lastWarned {
		return
	}
	if b.lastDropWarning.CompareAndSwap(lastWarned, threshold) {
		b.logger.Warn("eventbus_dropped_events_reached_threshold",
			slog.Int64("count", newCount),
			slog.String("event_type", string(eventType)),
		)
	}
}

func (s *Subscription) run(logger *slog.Logger) {
	for {
		select {
		case event := <-s.queue:
			s.dispatch(logger, event)
		case <-s.done:
			return
		}
	}
}

// dispatch invokes the handler, isolating panics and never propagating
// failures to the publisher or to sibling handlers.
func (s *Subscription) dispatch(logger *slog.Logger, event Event) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("eventbus: handler panicked",
				slog.String("event_type", string(event.Type)),
				slog.Any("recover", r),
			)
		}
	}()
	s.handler(event)
}
