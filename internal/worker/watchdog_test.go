package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/zmon/zmon-worker/internal/model"
	"github.com/zmon/zmon-worker/internal/testutil"
)

type fakeBus struct {
	mu           sync.Mutex
	pings        []*model.Ping
	batches      [][]model.Event
	terminations []string
}

func (b *fakeBus) SendPing(ping *model.Ping) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pings = append(b.pings, ping)
	return nil
}

func (b *fakeBus) SendEvents(origin string, events []model.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.batches = append(b.batches, events)
	return nil
}

func (b *fakeBus) RequestTermination(worker string, pid int, reason string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.terminations = append(b.terminations, reason)
	return nil
}

func (b *fakeBus) terminationCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.terminations)
}

func newTestWatchdog(t *testing.T) (*Watchdog, *fakeBus) {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	bus := &fakeBus{}
	events := NewEventCollector("worker-test-1", logger)
	w := NewWatchdog("worker-test-1", bus, events, logger)
	return w, bus
}

func TestBeginAppliesSoftLimit(t *testing.T) {
	w, _ := newTestWatchdog(t)

	taskCtx, end := w.Begin(context.Background(), "task-1", 0, 30)
	defer end()

	deadline, ok := taskCtx.Deadline()
	require.True(t, ok)
	require.InDelta(t, 30.0, time.Until(deadline).Seconds(), 1.0)
}

func TestBeginWithoutLimits(t *testing.T) {
	w, _ := newTestWatchdog(t)

	taskCtx, end := w.Begin(context.Background(), "task-1", 0, 0)
	_, ok := taskCtx.Deadline()
	require.False(t, ok)

	end()
	require.Equal(t, 1, w.TasksDone())
}

func TestHardLimitRequestsTerminationOnce(t *testing.T) {
	w, bus := newTestWatchdog(t)

	base := time.Now()
	now := base
	var mu sync.Mutex
	w.nowFn = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	_, end := w.Begin(context.Background(), "task-1", 10, 0)
	defer end()

	// Before the deadline nothing happens.
	w.enforce()
	require.Equal(t, 0, bus.terminationCount())

	mu.Lock()
	now = base.Add(11 * time.Second)
	mu.Unlock()

	w.enforce()
	require.Equal(t, 1, bus.terminationCount())
	require.Contains(t, bus.terminations[0], "task-1")

	// The request is sent once per task, not per tick.
	w.enforce()
	require.Equal(t, 1, bus.terminationCount())

	// The overrun was also recorded as an event.
	batch := w.events.Drain()
	require.Len(t, batch, 1)
	require.Equal(t, model.EventError, batch[0].Type)
}

func TestPingAccounting(t *testing.T) {
	w, bus := newTestWatchdog(t)

	base := time.Now()
	now := base
	var mu sync.Mutex
	w.nowFn = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	w.lastPing = base

	// One task covering 1 of 10 watchdog ticks and 3 seconds of wall time.
	_, end := w.Begin(context.Background(), "task-1", 0, 0)
	w.enforce()
	mu.Lock()
	now = base.Add(3 * time.Second)
	mu.Unlock()
	end()
	for i := 0; i < 9; i++ {
		w.enforce()
	}

	mu.Lock()
	now = base.Add(30 * time.Second)
	mu.Unlock()
	w.ping()

	require.Len(t, bus.pings, 1)
	ping := bus.pings[0]
	require.Equal(t, "worker-test-1", ping.Worker)
	require.Equal(t, 1, ping.TasksDone)
	require.InDelta(t, 90.0, ping.PercentIdle, 0.1)
	require.InDelta(t, 3.0, ping.TaskDuration, 0.01)

	// The window resets after each ping.
	mu.Lock()
	now = base.Add(60 * time.Second)
	mu.Unlock()
	w.ping()
	require.Len(t, bus.pings, 2)
	require.Equal(t, 0, bus.pings[1].TasksDone)
	require.InDelta(t, 100.0, bus.pings[1].PercentIdle, 0.1)
}

func TestPingReportsStuckTaskBusy(t *testing.T) {
	w, bus := newTestWatchdog(t)

	// A task that never completes keeps every tick busy, so the ping
	// shows zero idle even though nothing finished.
	_, end := w.Begin(context.Background(), "task-1", 0, 0)
	defer end()
	for i := 0; i < 20; i++ {
		w.enforce()
	}
	w.ping()

	require.Len(t, bus.pings, 1)
	require.Equal(t, 0, bus.pings[0].TasksDone)
	require.InDelta(t, 0.0, bus.pings[0].PercentIdle, 0.1)
}

func TestStopFlushesEvents(t *testing.T) {
	w, bus := newTestWatchdog(t)
	w.events.EmitRaw(model.EventException, "check failed")

	w.Start()
	w.Stop()

	require.Len(t, bus.batches, 1)
	require.Equal(t, "check failed", bus.batches[0][0].Body)
}

func TestWatchdogLoopEnforces(t *testing.T) {
	w, bus := newTestWatchdog(t)
	w.checkEvery = 10 * time.Millisecond

	_, end := w.Begin(context.Background(), "task-1", 1, 0)
	defer end()

	// Backdate the deadline so the next tick fires.
	w.mu.Lock()
	w.current.hardDeadline = time.Now().Add(-time.Second)
	w.mu.Unlock()

	w.Start()
	defer w.Stop()

	testutil.WaitFor(t, 2*time.Second, func() bool {
		return bus.terminationCount() == 1
	})
}

func TestEventCollectorDedup(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	c := NewEventCollector("worker-test-1", logger)

	c.EmitRaw(model.EventError, "boom")
	c.EmitRaw(model.EventError, "boom")
	c.EmitRaw(model.EventException, "boom")
	c.Emit(model.EventAction, map[string]interface{}{"action": "restart"})

	batch := c.Drain()
	require.Len(t, batch, 3)
	require.Equal(t, "worker-test-1", batch[0].Origin)
	require.Equal(t, 2, batch[0].Repeats)
	require.Equal(t, model.EventException, batch[1].Type)
	require.Equal(t, 1, batch[1].Repeats)
	require.JSONEq(t, `{"action":"restart"}`, batch[2].Body)

	// Drained collector starts a fresh window.
	require.Nil(t, c.Drain())
	c.EmitRaw(model.EventError, "boom")
	batch = c.Drain()
	require.Len(t, batch, 1)
	require.Equal(t, 1, batch[0].Repeats)
}
