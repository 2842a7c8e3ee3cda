// Package supervisor owns the worker children: it spawns them, watches
// their pings, restarts the dead and kills the stuck.
package supervisor

import (
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/zmon/zmon-worker/internal/model"
)

// defaultPingCap bounds the in-memory ping ring per child. At one ping
// every 30 seconds this covers more than a day.
const defaultPingCap = 3000

// deadCap bounds how many dead-child records are kept for inspection.
const deadCap = 100

// limboGrace is how long a SIGKILLed child may linger before the kill
// is repeated.
const limboGrace = 500 * time.Millisecond

// Child is one tracked worker process.
type Child struct {
	Name      string
	Queue     string
	PID       int
	StartTime time.Time

	KillRequested bool
	KillReason    string
	KilledAt      time.Time

	cmd    *exec.Cmd
	exited chan struct{}
	pings  *pingRing
}

// Alive reports whether the process still exists.
func (c *Child) Alive() bool {
	select {
	case <-c.exited:
		return false
	default:
	}
	// cmd.Wait may lag the actual death; ask the OS as well.
	exists, err := process.PidExists(int32(c.PID))
	if err != nil {
		return true
	}
	return exists
}

// DeadChild is the retained record of an exited worker.
type DeadChild struct {
	Name      string    `json:"name"`
	Queue     string    `json:"queue"`
	PID       int       `json:"pid"`
	StartTime time.Time `json:"start_time"`
	DeadSince time.Time `json:"dead_since"`
	Reason    string    `json:"reason,omitempty"`
}

// pingRing is a bounded ring of ping summaries, newest last.
type pingRing struct {
	mu    sync.Mutex
	cap   int
	pings []model.Ping
}

func newPingRing(capacity int) *pingRing {
	return &pingRing{cap: capacity}
}

func (r *pingRing) Append(ping model.Ping) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pings = append(r.pings, ping)
	if len(r.pings) > r.cap {
		r.pings = r.pings[len(r.pings)-r.cap:]
	}
}

// Since returns the pings newer than the cutoff epoch, oldest first.
func (r *pingRing) Since(cutoff float64) []model.Ping {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.pings) - 1; i >= 0; i-- {
		if r.pings[i].Timestamp < cutoff {
			out := make([]model.Ping, len(r.pings)-i-1)
			copy(out, r.pings[i+1:])
			return out
		}
	}
	out := make([]model.Ping, len(r.pings))
	copy(out, r.pings)
	return out
}

// Last returns the newest ping, if any.
func (r *pingRing) Last() (model.Ping, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.pings) == 0 {
		return model.Ping{}, false
	}
	return r.pings[len(r.pings)-1], true
}

// Info is the externally visible summary of one child.
type Info struct {
	Name      string      `json:"name"`
	Queue     string      `json:"queue"`
	PID       int         `json:"pid"`
	StartTime time.Time   `json:"start_time"`
	Alive     bool        `json:"alive"`
	LastPing  *model.Ping `json:"last_ping,omitempty"`
}

// Info summarises a child for the control surface.
func (c *Child) Info() Info {
	info := Info{
		Name:      c.Name,
		Queue:     c.Queue,
		PID:       c.PID,
		StartTime: c.StartTime,
		Alive:     c.Alive(),
	}
	if ping, ok := c.pings.Last(); ok {
		info.LastPing = &ping
	}
	return info
}

// Spawner creates a worker child process for a queue. It exists so
// tests can fake process creation.
type Spawner func(name, queue string) (*exec.Cmd, error)

// Table tracks running and dead children.
type Table struct {
	logger  *zap.Logger
	spawner Spawner
	nowFn   func() time.Time

	mu       sync.Mutex
	children map[string]*Child
	dead     []DeadChild
	seq      int
}

// NewTable creates a process table using the given spawner.
func NewTable(spawner Spawner, logger *zap.Logger) *Table {
	return &Table{
		logger:   logger.Named("proctable"),
		spawner:  spawner,
		nowFn:    time.Now,
		children: make(map[string]*Child),
	}
}

// Spawn starts a new child for the queue and begins tracking it.
func (t *Table) Spawn(queue string) (*Child, error) {
	t.mu.Lock()
	t.seq++
	name := fmt.Sprintf("worker-%s-%d", queue, t.seq)
	t.mu.Unlock()

	cmd, err := t.spawner(name, queue)
	if err != nil {
		return nil, fmt.Errorf("failed to spawn worker for queue %s: %w", queue, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start worker for queue %s: %w", queue, err)
	}

	child := &Child{
		Name:      name,
		Queue:     queue,
		PID:       cmd.Process.Pid,
		StartTime: t.nowFn(),
		cmd:       cmd,
		exited:    make(chan struct{}),
		pings:     newPingRing(defaultPingCap),
	}
	go func() {
		cmd.Wait()
		close(child.exited)
	}()

	t.mu.Lock()
	t.children[name] = child
	t.mu.Unlock()

	t.logger.Info("Worker spawned",
		zap.String("worker", name),
		zap.String("queue", queue),
		zap.Int("pid", child.PID))
	return child, nil
}

// Get returns a tracked child by name.
func (t *Table) Get(name string) (*Child, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.children[name]
	return c, ok
}

// ByPID returns a tracked child by process id.
func (t *Table) ByPID(pid int) (*Child, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range t.children {
		if c.PID == pid {
			return c, true
		}
	}
	return nil, false
}

// Names returns the tracked child names.
func (t *Table) Names() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	names := make([]string, 0, len(t.children))
	for name := range t.children {
		names = append(names, name)
	}
	return names
}

// Children returns a snapshot of the running children.
func (t *Table) Children() []*Child {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Child, 0, len(t.children))
	for _, c := range t.children {
		out = append(out, c)
	}
	return out
}

// Dead returns the retained dead-child records, newest last.
func (t *Table) Dead() []DeadChild {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]DeadChild, len(t.dead))
	copy(out, t.dead)
	return out
}

// RecordPing appends a ping to the child it belongs to. Pings from
// unknown workers are dropped.
func (t *Table) RecordPing(ping *model.Ping) bool {
	child, ok := t.Get(ping.Worker)
	if !ok {
		return false
	}
	child.pings.Append(*ping)
	return true
}

// MarkForTermination flags a child for the next kill pass.
func (t *Table) MarkForTermination(name, reason string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	child, ok := t.children[name]
	if !ok {
		return false
	}
	child.KillRequested = true
	child.KillReason = reason
	return true
}

// bury moves a child to the dead list, keeping the list bounded.
func (t *Table) bury(child *Child, reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.children, child.Name)
	t.dead = append(t.dead, DeadChild{
		Name:      child.Name,
		Queue:     child.Queue,
		PID:       child.PID,
		StartTime: child.StartTime,
		DeadSince: t.nowFn(),
		Reason:    reason,
	})
	if len(t.dead) > deadCap {
		t.dead = t.dead[len(t.dead)-deadCap:]
	}
}
