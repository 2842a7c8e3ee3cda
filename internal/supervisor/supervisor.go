package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/zmon/zmon-worker/internal/model"
	"github.com/zmon/zmon-worker/internal/rpc"
)

// QueueAssignment says how many children serve one queue.
type QueueAssignment struct {
	Queue   string
	Workers int
}

// Supervisor runs the embedded message bus, keeps the desired number of
// children alive per queue and executes kill requests.
type Supervisor struct {
	logger  *zap.Logger
	table   *Table
	journal *Journal
	cron    *cron.Cron

	server *natsserver.Server
	conn   *nats.Conn
	subs   []*nats.Subscription

	assignments  []QueueAssignment
	shuttingDown bool
}

// cronLogger adapts zap.Logger to cron.Logger.
type cronLogger struct {
	logger *zap.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Infow(msg, keysAndValues...)
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}

// New creates a supervisor. journal may be nil to skip persistence.
func New(table *Table, journal *Journal, logger *zap.Logger) *Supervisor {
	log := logger.Named("supervisor")
	return &Supervisor{
		logger:  log,
		table:   table,
		journal: journal,
		cron: cron.New(
			cron.WithChain(cron.Recover(&cronLogger{logger: log.Named("cron")})),
		),
	}
}

// Start launches the bus on the given port, spawns the assigned
// children and begins the periodic action loop.
func (s *Supervisor) Start(ctx context.Context, port int, assignments []QueueAssignment) error {
	server, err := natsserver.NewServer(&natsserver.Options{
		Host:   "127.0.0.1",
		Port:   port,
		NoLog:  true,
		NoSigs: true,
	})
	if err != nil {
		return fmt.Errorf("failed to create bus server: %w", err)
	}
	go server.Start()
	if !server.ReadyForConnections(10 * time.Second) {
		return fmt.Errorf("bus server did not become ready")
	}
	s.server = server

	conn, err := nats.Connect(server.ClientURL())
	if err != nil {
		server.Shutdown()
		return fmt.Errorf("failed to connect to bus: %w", err)
	}
	s.conn = conn

	if err := s.subscribe(ctx); err != nil {
		conn.Close()
		server.Shutdown()
		return err
	}

	s.assignments = assignments
	for _, a := range assignments {
		for i := 0; i < a.Workers; i++ {
			if _, err := s.table.Spawn(a.Queue); err != nil {
				s.logger.Error("Failed to spawn worker",
					zap.String("queue", a.Queue),
					zap.Error(err))
			}
		}
	}

	if _, err := s.cron.AddFunc("@every 1s", s.actionLoop); err != nil {
		return fmt.Errorf("failed to schedule action loop: %w", err)
	}
	if s.journal != nil {
		if _, err := s.cron.AddFunc("@every 1h", s.pruneJournal); err != nil {
			return fmt.Errorf("failed to schedule journal pruning: %w", err)
		}
	}
	s.cron.Start()

	s.logger.Info("Supervisor started",
		zap.String("bus_url", server.ClientURL()),
		zap.Int("children", len(s.table.Names())))
	return nil
}

// BusURL is the address children connect to.
func (s *Supervisor) BusURL() string {
	return s.server.ClientURL()
}

// Table exposes the process table for the control surface.
func (s *Supervisor) Table() *Table {
	return s.table
}

func (s *Supervisor) subscribe(ctx context.Context) error {
	subscriptions := []struct {
		subject string
		handler nats.MsgHandler
	}{
		{rpc.SubjectPing, func(msg *nats.Msg) { s.handlePing(ctx, msg) }},
		{rpc.SubjectEvents, func(msg *nats.Msg) { s.handleEvents(ctx, msg) }},
		{rpc.SubjectTerminate, func(msg *nats.Msg) { s.handleTerminate(msg) }},
	}
	for _, sub := range subscriptions {
		subscription, err := s.conn.Subscribe(sub.subject, sub.handler)
		if err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", sub.subject, err)
		}
		s.subs = append(s.subs, subscription)
	}
	return nil
}

func (s *Supervisor) handlePing(ctx context.Context, msg *nats.Msg) {
	var ping model.Ping
	if err := json.Unmarshal(msg.Data, &ping); err != nil {
		s.logger.Warn("Malformed ping", zap.Error(err))
		return
	}
	if !s.table.RecordPing(&ping) {
		s.logger.Warn("Ping from untracked worker",
			zap.String("worker", ping.Worker),
			zap.Int("pid", ping.PID))
		return
	}
	if s.journal != nil {
		if err := s.journal.StorePing(ctx, &ping); err != nil {
			s.logger.Warn("Failed to journal ping", zap.Error(err))
		}
	}
}

func (s *Supervisor) handleEvents(ctx context.Context, msg *nats.Msg) {
	var batch rpc.EventBatch
	if err := json.Unmarshal(msg.Data, &batch); err != nil {
		s.logger.Warn("Malformed event batch", zap.Error(err))
		return
	}
	for _, event := range batch.Events {
		if event.Type != model.EventAction {
			s.logger.Warn("Worker reported a problem",
				zap.String("worker", event.Origin),
				zap.String("type", string(event.Type)),
				zap.String("body", event.Body),
				zap.Int("repeats", event.Repeats))
		}
	}
	if s.journal != nil {
		if err := s.journal.StoreEvents(ctx, batch.Events); err != nil {
			s.logger.Warn("Failed to journal events", zap.Error(err))
		}
	}
}

func (s *Supervisor) handleTerminate(msg *nats.Msg) {
	var req rpc.TerminationRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("Malformed termination request", zap.Error(err))
		return
	}
	child, ok := s.table.Get(req.Worker)
	if !ok || child.PID != req.PID {
		s.logger.Warn("Termination request for untracked worker",
			zap.String("worker", req.Worker),
			zap.Int("pid", req.PID))
		return
	}
	s.logger.Warn("Worker requested its own termination",
		zap.String("worker", req.Worker),
		zap.String("reason", req.Reason))
	s.table.MarkForTermination(req.Worker, req.Reason)
}

// actionLoop is the 1Hz pass over the process table: execute kill
// requests, repeat kills on children stuck in limbo, bury the dead and
// respawn replacements.
func (s *Supervisor) actionLoop() {
	now := s.table.nowFn()
	for _, child := range s.table.Children() {
		switch {
		case child.KillRequested && child.KilledAt.IsZero():
			s.logger.Info("Killing worker",
				zap.String("worker", child.Name),
				zap.String("reason", child.KillReason))
			if err := child.cmd.Process.Kill(); err != nil {
				s.logger.Warn("Kill failed", zap.String("worker", child.Name), zap.Error(err))
			}
			child.KilledAt = now

		case !child.KilledAt.IsZero() && child.Alive() && now.Sub(child.KilledAt) > limboGrace:
			s.logger.Warn("Worker lingering after kill, repeating",
				zap.String("worker", child.Name))
			if err := child.cmd.Process.Kill(); err != nil {
				s.logger.Warn("Repeat kill failed", zap.String("worker", child.Name), zap.Error(err))
			}
			child.KilledAt = now

		case !child.Alive():
			reason := child.KillReason
			if reason == "" {
				reason = "process exited"
			}
			s.logger.Warn("Worker died",
				zap.String("worker", child.Name),
				zap.String("queue", child.Queue),
				zap.String("reason", reason))
			s.table.bury(child, reason)
			if !s.shuttingDown {
				if _, err := s.table.Spawn(child.Queue); err != nil {
					s.logger.Error("Failed to respawn worker",
						zap.String("queue", child.Queue),
						zap.Error(err))
				}
			}
		}
	}
}

func (s *Supervisor) pruneJournal() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.journal.DeleteBefore(ctx, time.Now().Add(-24*time.Hour)); err != nil {
		s.logger.Warn("Failed to prune journal", zap.Error(err))
	}
}

// Stop kills every child and shuts the bus down.
func (s *Supervisor) Stop() {
	s.shuttingDown = true
	<-s.cron.Stop().Done()

	for _, child := range s.table.Children() {
		if err := child.cmd.Process.Kill(); err != nil {
			s.logger.Warn("Failed to kill worker on shutdown",
				zap.String("worker", child.Name),
				zap.Error(err))
		}
		s.table.bury(child, "supervisor shutdown")
	}

	for _, sub := range s.subs {
		sub.Unsubscribe()
	}
	if s.conn != nil {
		s.conn.Close()
	}
	if s.server != nil {
		s.server.Shutdown()
	}
	if s.journal != nil {
		s.journal.Close()
	}
	s.logger.Info("Supervisor stopped")
}
