package supervisor

import (
	"strings"
	"time"
)

// Status classifies a worker's recent behaviour.
type Status string

const (
	StatusOK           Status = "OK"
	StatusOKIdle       Status = "OK_IDLE"
	StatusOKInitiating Status = "OK_INITIATING"
	StatusWarnLongTask Status = "WARN_LONG_TASK"
	StatusBadNoPings   Status = "BAD_NO_PINGS"
	StatusBadDead      Status = "BAD_DEAD"
	StatusNotTracked   Status = "NOT_TRACKED"
)

// Healthy reports whether the status counts as working.
func (s Status) Healthy() bool {
	return strings.HasPrefix(string(s), "OK")
}

const (
	// initGrace is how long a fresh child may stay silent before its
	// missing pings turn into a problem.
	initGrace = 2 * time.Minute
	// lowIdleThreshold flags workers that were busy through the whole
	// window yet completed nothing, meaning one task has them stuck.
	lowIdleThreshold = 1.0
	// idleThreshold marks workers that did essentially nothing.
	idleThreshold = 98.0
)

// statusWindows are the intervals the status endpoint accepts.
var statusWindows = map[string]time.Duration{
	"5m":  5 * time.Minute,
	"30m": 30 * time.Minute,
	"1h":  time.Hour,
	"6h":  6 * time.Hour,
}

// ParseWindow maps an interval name to its duration, defaulting to 5m.
func ParseWindow(name string) (time.Duration, bool) {
	if name == "" {
		return statusWindows["5m"], true
	}
	d, ok := statusWindows[name]
	return d, ok
}

// WindowStats sums one worker's ping activity across a window.
type WindowStats struct {
	Pings        int     `json:"pings"`
	TasksDone    int     `json:"tasks_done"`
	PercentIdle  float64 `json:"percent_idle"`
	TaskDuration float64 `json:"task_duration"`
}

// WindowStats aggregates the pings for one worker over the window ending
// now. PercentIdle is the average across pings; the counters are sums.
func (t *Table) WindowStats(name string, window time.Duration) WindowStats {
	child, ok := t.Get(name)
	if !ok {
		return WindowStats{}
	}
	cutoff := float64(t.nowFn().Add(-window).UnixNano()) / 1e9
	pings := child.pings.Since(cutoff)

	stats := WindowStats{Pings: len(pings)}
	for _, p := range pings {
		stats.TasksDone += p.TasksDone
		stats.PercentIdle += p.PercentIdle
		stats.TaskDuration += p.TaskDuration
	}
	if len(pings) > 0 {
		stats.PercentIdle /= float64(len(pings))
	}
	return stats
}

// Status classifies one worker over the window ending now.
func (t *Table) Status(name string, window time.Duration) Status {
	child, ok := t.Get(name)
	if !ok {
		return StatusNotTracked
	}
	if !child.Alive() {
		return StatusBadDead
	}

	stats := t.WindowStats(name, window)
	if stats.Pings == 0 {
		if t.nowFn().Sub(child.StartTime) < initGrace {
			return StatusOKInitiating
		}
		return StatusBadNoPings
	}

	// Busy the whole window without completing a single task means one
	// task has the worker stuck.
	if stats.TasksDone == 0 && stats.PercentIdle < lowIdleThreshold {
		return StatusWarnLongTask
	}
	if stats.PercentIdle >= idleThreshold {
		return StatusOKIdle
	}
	return StatusOK
}

// StatusReport classifies every tracked worker.
func (t *Table) StatusReport(window time.Duration) map[string]Status {
	report := make(map[string]Status)
	for _, name := range t.Names() {
		report[name] = t.Status(name, window)
	}
	return report
}

// HealthyMajority reports whether strictly more than half of the
// tracked workers are in an OK state. An empty table is unhealthy.
func (t *Table) HealthyMajority(window time.Duration) bool {
	report := t.StatusReport(window)
	if len(report) == 0 {
		return false
	}
	healthy := 0
	for _, status := range report {
		if status.Healthy() {
			healthy++
		}
	}
	return healthy*2 > len(report)
}
