package worker

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zmon/zmon-worker/internal/model"
)

// Bus is the child's view of the supervisor message bus.
type Bus interface {
	SendPing(ping *model.Ping) error
	SendEvents(origin string, events []model.Event) error
	RequestTermination(worker string, pid int, reason string) error
}

// Watchdog enforces task time limits and reports liveness. Soft limits
// cancel the task's context; hard limits ask the supervisor to kill the
// whole child, because a stuck evaluation cannot be trusted to honour
// cancellation.
type Watchdog struct {
	logger *zap.Logger
	bus    Bus
	events *EventCollector
	worker string
	pid    int
	nowFn  func() time.Time

	// Tick cadences, overridable in tests.
	checkEvery time.Duration
	pingEvery  time.Duration
	eventEvery time.Duration

	mu           sync.Mutex
	current      *taskRecord
	tasksDone    int
	busyWindow   time.Duration
	doneWindow   int
	ticks        int
	busyTicks    int
	lastPing     time.Time
	killRequests int

	stop chan struct{}
	done chan struct{}
}

type taskRecord struct {
	id           string
	started      time.Time
	hardDeadline time.Time
	killed       bool
}

// NewWatchdog creates a watchdog for this child process.
func NewWatchdog(worker string, bus Bus, events *EventCollector, logger *zap.Logger) *Watchdog {
	return &Watchdog{
		logger:     logger.Named("watchdog"),
		bus:        bus,
		events:     events,
		worker:     worker,
		pid:        os.Getpid(),
		nowFn:      time.Now,
		checkEvery: 200 * time.Millisecond,
		pingEvery:  30 * time.Second,
		eventEvery: 60 * time.Second,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start launches the watchdog loop.
func (w *Watchdog) Start() {
	w.mu.Lock()
	w.lastPing = w.nowFn()
	w.mu.Unlock()
	go w.run()
}

// Stop flushes pending events and terminates the loop.
func (w *Watchdog) Stop() {
	close(w.stop)
	<-w.done
}

// Begin registers a task. The returned context carries the soft limit as
// a deadline; end must be called when the task finishes.
func (w *Watchdog) Begin(ctx context.Context, taskID string, hardLimit, softLimit int) (context.Context, func()) {
	now := w.nowFn()
	record := &taskRecord{id: taskID, started: now}
	if hardLimit > 0 {
		record.hardDeadline = now.Add(time.Duration(hardLimit) * time.Second)
	}

	taskCtx := ctx
	cancel := func() {}
	if softLimit > 0 {
		taskCtx, cancel = context.WithTimeout(ctx, time.Duration(softLimit)*time.Second)
	}

	w.mu.Lock()
	w.current = record
	w.mu.Unlock()

	end := func() {
		cancel()
		elapsed := w.nowFn().Sub(record.started)
		w.mu.Lock()
		if w.current == record {
			w.current = nil
		}
		w.tasksDone++
		w.doneWindow++
		w.busyWindow += elapsed
		w.mu.Unlock()
	}
	return taskCtx, end
}

// TasksDone returns the number of completed tasks.
func (w *Watchdog) TasksDone() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.tasksDone
}

func (w *Watchdog) run() {
	defer close(w.done)

	check := time.NewTicker(w.checkEvery)
	ping := time.NewTicker(w.pingEvery)
	flush := time.NewTicker(w.eventEvery)
	defer check.Stop()
	defer ping.Stop()
	defer flush.Stop()

	for {
		select {
		case <-w.stop:
			w.flushEvents()
			return
		case <-check.C:
			w.enforce()
		case <-ping.C:
			w.ping()
		case <-flush.C:
			w.flushEvents()
		}
	}
}

// enforce requests termination when the running task overran its hard
// limit. The request is sent once per task. Each call also samples
// whether a task is in flight; the idle percentage reported with pings
// is the fraction of ticks that found none.
func (w *Watchdog) enforce() {
	w.mu.Lock()
	w.ticks++
	if w.current != nil {
		w.busyTicks++
	}
	record := w.current
	var overrun time.Duration
	due := record != nil && !record.killed && !record.hardDeadline.IsZero() && w.nowFn().After(record.hardDeadline)
	if due {
		record.killed = true
		w.killRequests++
		overrun = w.nowFn().Sub(record.started)
	}
	w.mu.Unlock()
	if !due {
		return
	}

	reason := fmt.Sprintf("task %s exceeded hard time limit after %.1fs", record.id, overrun.Seconds())
	w.logger.Error("Hard time limit exceeded, requesting termination",
		zap.String("task_id", record.id),
		zap.Duration("elapsed", overrun))
	w.events.EmitRaw(model.EventError, reason)
	if err := w.bus.RequestTermination(w.worker, w.pid, reason); err != nil {
		w.logger.Error("Failed to request termination", zap.Error(err))
	}
}

// ping reports the window since the last ping: tasks completed, the
// fraction of watchdog ticks that found no task in flight and the task
// time accumulated in between. A worker stuck inside one long task
// therefore pings busy even though nothing has completed yet.
func (w *Watchdog) ping() {
	now := w.nowFn()

	w.mu.Lock()
	elapsed := now.Sub(w.lastPing)
	busy := w.busyWindow
	count := w.doneWindow
	ticks := w.ticks
	busyTicks := w.busyTicks
	w.busyWindow = 0
	w.doneWindow = 0
	w.ticks = 0
	w.busyTicks = 0
	w.lastPing = now
	w.mu.Unlock()

	idle := 1.0
	if ticks > 0 {
		idle = 1 - float64(busyTicks)/float64(ticks)
	}

	err := w.bus.SendPing(&model.Ping{
		Worker:       w.worker,
		PID:          w.pid,
		Timestamp:    float64(now.UnixNano()) / 1e9,
		Timedelta:    elapsed.Seconds(),
		TasksDone:    count,
		PercentIdle:  idle * 100,
		TaskDuration: busy.Seconds(),
	})
	if err != nil {
		w.logger.Warn("Failed to send ping", zap.Error(err))
	}
}

func (w *Watchdog) flushEvents() {
	batch := w.events.Drain()
	if len(batch) == 0 {
		return
	}
	if err := w.bus.SendEvents(w.worker, batch); err != nil {
		w.logger.Warn("Failed to send events", zap.Int("count", len(batch)), zap.Error(err))
	}
}
