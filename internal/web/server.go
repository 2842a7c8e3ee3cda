// Package web is the supervisor's HTTP control surface: process
// inspection, status classification and a health check suitable for a
// load balancer.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/zmon/zmon-worker/internal/supervisor"
)

// EventSource looks up recent journaled events for one worker.
type EventSource interface {
	RecentEvents(ctx context.Context, origin string, limit int) ([]supervisor.JournalRecord, error)
}

// eventScanLimit caps how many journal rows a single status request
// reads per worker. The journal is pruned on a 24 hour horizon, so this
// comfortably covers the largest selectable window.
const eventScanLimit = 1000

// Server serves the control surface over plain HTTP.
type Server struct {
	logger *zap.Logger
	table  *supervisor.Table
	events EventSource
	http   *http.Server
}

// New creates the control surface bound to addr.
func New(addr string, table *supervisor.Table, events EventSource, logger *zap.Logger) *Server {
	s := &Server{
		logger: logger.Named("web"),
		table:  table,
		events: events,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/processes", s.handleProcesses)
	mux.HandleFunc("/processes/", s.handleProcess)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/health", s.handleHealth)

	s.http = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Start serves until Stop is called.
func (s *Server) Start() {
	go func() {
		s.logger.Info("Control surface listening", zap.String("addr", s.http.Addr))
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Control surface failed", zap.Error(err))
		}
	}()
}

// Stop shuts the listener down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

func (s *Server) handleProcesses(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	children := s.table.Children()
	infos := make([]supervisor.Info, 0, len(children))
	for _, child := range children {
		infos = append(infos, child.Info())
	}
	s.writeJSON(w, map[string]interface{}{
		"running": infos,
		"dead":    s.table.Dead(),
	})
}

// handleProcess returns one child, optionally narrowed to a single
// field with ?key=name|pid|queue.
func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	name := strings.TrimPrefix(r.URL.Path, "/processes/")
	if name == "" {
		http.NotFound(w, r)
		return
	}
	child, ok := s.table.Get(name)
	if !ok {
		http.NotFound(w, r)
		return
	}
	info := child.Info()

	switch key := r.URL.Query().Get("key"); key {
	case "":
		s.writeJSON(w, info)
	case "name":
		s.writeJSON(w, info.Name)
	case "pid":
		s.writeJSON(w, info.PID)
	case "queue":
		s.writeJSON(w, info.Queue)
	default:
		http.Error(w, fmt.Sprintf("unknown key %q", key), http.StatusBadRequest)
	}
}

// workerStatus is one worker's aggregate over the requested window.
type workerStatus struct {
	Status       supervisor.Status `json:"status"`
	TasksDone    int               `json:"tasks_done"`
	PercentIdle  float64           `json:"percent_idle"`
	TaskDuration float64           `json:"task_duration"`
	Events       int               `json:"events"`
}

// handleStatus reports each worker's classification together with the
// summed throughput, idle percentage and journaled event count over the
// requested interval, plus worker-wide totals.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	interval := r.URL.Query().Get("interval")
	window, ok := supervisor.ParseWindow(interval)
	if !ok {
		http.Error(w, fmt.Sprintf("unknown interval %q", interval), http.StatusBadRequest)
		return
	}

	cutoff := time.Now().Add(-window)
	workers := make(map[string]workerStatus)
	totalTasks, totalEvents := 0, 0
	idleSum, idleWorkers := 0.0, 0
	for _, name := range s.table.Names() {
		stats := s.table.WindowStats(name, window)
		events := s.countEvents(r.Context(), name, cutoff)
		workers[name] = workerStatus{
			Status:       s.table.Status(name, window),
			TasksDone:    stats.TasksDone,
			PercentIdle:  stats.PercentIdle,
			TaskDuration: stats.TaskDuration,
			Events:       events,
		}
		totalTasks += stats.TasksDone
		totalEvents += events
		if stats.Pings > 0 {
			idleSum += stats.PercentIdle
			idleWorkers++
		}
	}
	idle := 0.0
	if idleWorkers > 0 {
		idle = idleSum / float64(idleWorkers)
	}

	s.writeJSON(w, map[string]interface{}{
		"interval": interval,
		"workers":  workers,
		"totals": map[string]interface{}{
			"tasks_done":   totalTasks,
			"percent_idle": idle,
			"events":       totalEvents,
		},
	})
}

// countEvents sums journaled event repeats for one worker since the
// cutoff. Events carry wall-clock timestamps, so records that fail to
// parse are skipped rather than guessed at.
func (s *Server) countEvents(ctx context.Context, origin string, cutoff time.Time) int {
	if s.events == nil {
		return 0
	}
	records, err := s.events.RecentEvents(ctx, origin, eventScanLimit)
	if err != nil {
		s.logger.Warn("Failed to read journal", zap.String("worker", origin), zap.Error(err))
		return 0
	}
	count := 0
	for _, rec := range records {
		ts, err := time.Parse("2006-01-02T15:04:05.000Z07:00", rec.Timestamp)
		if err != nil || ts.Before(cutoff) {
			continue
		}
		repeats := rec.Repeats
		if repeats < 1 {
			repeats = 1
		}
		count += repeats
	}
	return count
}

// handleHealth answers 200 when a strict majority of workers is OK,
// 503 otherwise, so a balancer can drain a degraded host.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	window, _ := supervisor.ParseWindow("")
	if s.table.HealthyMajority(window) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "OK")
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	fmt.Fprintln(w, "DEGRADED")
}

func (s *Server) writeJSON(w http.ResponseWriter, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
