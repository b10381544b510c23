package taskrunner_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zerg-platform/zerg-core/internal/agentlock"
	"github.com/zerg-platform/zerg-core/internal/eventbus"
	"github.com/zerg-platform/zerg-core/internal/model"
	"github.com/zerg-platform/zerg-core/internal/store"
	"github.com/zerg-platform/zerg-core/internal/taskrunner"
)

type scriptedRunner struct {
	chunks []taskrunner.Chunk
	delay  time.Duration
}

func (s scriptedRunner) Run(ctx context.Context, messages []*model.Message, allowlist []string) (<-chan taskrunner.Chunk, <-chan error) {
	out := make(chan taskrunner.Chunk)
	errs := make(chan error, 1)
	go func() {
		defer close(out)
		for _, c := range s.chunks {
			if s.delay > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(s.delay):
				}
			}
			select {
			case <-ctx.Done():
				return
			case out <- c:
			}
		}
	}()
	return out, errs
}

type noopTools struct{}

func (noopTools) Execute(ctx context.Context, name string, args map[string]any) (string, error) {
	return "ok:" + name, nil
}

func newTestHarness(t *testing.T) (*store.Store, *eventbus.Bus, *agentlock.Manager) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "zerg.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, eventbus.New(nil), agentlock.New(s, nil)
}

func createAgent(t *testing.T, s *store.Store, id string) {
	t.Helper()
	require.NoError(t, s.CreateAgent(context.Background(), &model.Agent{
		ID: id, OwnerID: "u1", Model: "m", SystemInstr: "be terse", TaskInstr: "say hi",
	}))
}

func TestRunner_HappyPath(t *testing.T) {
	s, bus, locks := newTestHarness(t)
	createAgent(t, s, "a1")

	var events []eventbus.EventType
	var mu sync.Mutex
	for _, et := range []eventbus.EventType{
		eventbus.EventRunCreated, eventbus.EventRunUpdated, eventbus.EventAgentUpdated,
		eventbus.EventStreamStart, eventbus.EventStreamChunk, eventbus.EventStreamEnd,
	} {
		et := et
		bus.Subscribe(et, func(e eventbus.Event) {
			mu.Lock()
			events = append(events, et)
			mu.Unlock()
		})
	}

	runner := taskrunner.New(taskrunner.Config{
		Store: s, Bus: bus, Locks: locks,
		Models: scriptedRunner{chunks: []taskrunner.Chunk{
			{Type: taskrunner.ChunkAssistantToken, Text: "hi"},
			{Type: taskrunner.ChunkAssistantToken, Text: " there"},
		}},
		Tools: noopTools{},
	})

	result, err := runner.Run(context.Background(), taskrunner.Request{
		AgentID: "a1", ThreadType: model.ThreadTypeManual, Trigger: model.RunTriggerManual,
	})
	require.NoError(t, err)
	require.Equal(t, model.RunStatusSuccess, result.Status)
	require.Equal(t, "hi there", result.FinalText)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) >= 6
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRunner_ConcurrentDispatchOneWins(t *testing.T) {
	s, bus, locks := newTestHarness(t)
	createAgent(t, s, "a1")

	runner := taskrunner.New(taskrunner.Config{
		Store: s, Bus: bus, Locks: locks,
		Models: scriptedRunner{
			chunks: []taskrunner.Chunk{{Type: taskrunner.ChunkAssistantToken, Text: "x"}},
			delay:  50 * time.Millisecond,
		},
		Tools: noopTools{},
	})

	var wg sync.WaitGroup
	results := make([]error, 2)
	wg.Add(2)
	for i := 0; i < 2; i++ {
		go func(i int) {
			defer wg.Done()
			_, err := runner.Run(context.Background(), taskrunner.Request{
				AgentID: "a1", ThreadType: model.ThreadTypeManual, Trigger: model.RunTriggerManual,
			})
			results[i] = err
		}(i)
	}
	wg.Wait()

	busyCount, okCount := 0, 0
	for _, err := range results {
		if err == nil {
			okCount++
		} else {
			busyCount++
		}
	}
	require.Equal(t, 1, okCount)
	require.Equal(t, 1, busyCount)
}

func TestRunner_SummaryTruncatedTo256Runes(t *testing.T) {
	s, bus, locks := newTestHarness(t)
	createAgent(t, s, "a1")

	longText := ""
	for i := 0; i < 300; i++ {
		longText += "x"
	}

	runner := taskrunner.New(taskrunner.Config{
		Store: s, Bus: bus, Locks: locks,
		Models: scriptedRunner{chunks: []taskrunner.Chunk{{Type: taskrunner.ChunkAssistantToken, Text: longText}}},
		Tools:  noopTools{},
	})

	result, err := runner.Run(context.Background(), taskrunner.Request{
		AgentID: "a1", ThreadType: model.ThreadTypeManual, Trigger: model.RunTriggerManual,
	})
	require.NoError(t, err)
	require.Len(t, []rune(result.Summary), 256)
}

func TestRunner_CancelRunStopsInFlightRun(t *testing.T) {
	s, bus, locks := newTestHarness(t)
	createAgent(t, s, "a1")

	runner := taskrunner.New(taskrunner.Config{
		Store: s, Bus: bus, Locks: locks,
		Models: scriptedRunner{
			chunks: []taskrunner.Chunk{
				{Type: taskrunner.ChunkAssistantToken, Text: "x"},
				{Type: taskrunner.ChunkAssistantToken, Text: "y"},
			},
			delay: 200 * time.Millisecond,
		},
		Tools: noopTools{},
	})

	runIDCh := make(chan string, 1)
	bus.Subscribe(eventbus.EventRunCreated, func(e eventbus.Event) {
		runIDCh <- e.Payload.(eventbus.RunPayload).ID
	})

	go func() {
		runID := <-runIDCh
		runner.CancelRun(runID)
	}()

	result, err := runner.Run(context.Background(), taskrunner.Request{
		AgentID: "a1", ThreadType: model.ThreadTypeManual, Trigger: model.RunTriggerManual,
	})
	require.NoError(t, err)
	require.Equal(t, model.RunStatusFailed, result.Status)
	require.Equal(t, "cancelled", result.Error)
}
