package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/zmon/zmon-worker/internal/alert"
	"github.com/zmon/zmon-worker/internal/check"
	"github.com/zmon/zmon-worker/internal/model"
	"github.com/zmon/zmon-worker/internal/queue"
	"github.com/zmon/zmon-worker/internal/shipper"
	"github.com/zmon/zmon-worker/internal/storage"
)

// Dequeuer pops tasks from the work queues.
type Dequeuer interface {
	Dequeue(ctx context.Context, queues []string, timeout time.Duration) (*queue.TaskMessage, error)
}

// Worker is one child's task loop: dequeue, execute, reconcile alerts,
// ship the report.
type Worker struct {
	logger   *zap.Logger
	name     string
	queues   []string
	dequeuer Dequeuer
	runner   *check.Runner
	alerts   *alert.Manager
	shipper  *shipper.Shipper
	store    storage.ResultStore
	watchdog *Watchdog
	events   *EventCollector
	nowFn    func() time.Time

	pollTimeout time.Duration
}

// New creates a worker loop. shipper may be nil in trial-only setups.
func New(name string, queues []string, dequeuer Dequeuer, runner *check.Runner, alerts *alert.Manager, sh *shipper.Shipper, store storage.ResultStore, watchdog *Watchdog, events *EventCollector, logger *zap.Logger) *Worker {
	return &Worker{
		logger:      logger.Named("worker"),
		name:        name,
		queues:      queues,
		dequeuer:    dequeuer,
		runner:      runner,
		alerts:      alerts,
		shipper:     sh,
		store:       store,
		watchdog:    watchdog,
		events:      events,
		nowFn:       time.Now,
		pollTimeout: 5 * time.Second,
	}
}

// Run consumes tasks until the context is cancelled. Individual task
// failures are logged and reported as events; only context cancellation
// ends the loop.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("Worker started",
		zap.String("worker", w.name),
		zap.Strings("queues", w.queues))

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Worker stopped", zap.String("worker", w.name))
			return ctx.Err()
		default:
		}

		msg, err := w.dequeuer.Dequeue(ctx, w.queues, w.pollTimeout)
		if err != nil {
			if errors.Is(err, queue.ErrIdle) || errors.Is(err, context.Canceled) {
				continue
			}
			w.logger.Warn("Dequeue failed", zap.Error(err))
			continue
		}

		if err := w.dispatch(ctx, msg); err != nil {
			w.logger.Error("Task failed",
				zap.String("task_id", msg.Body.ID),
				zap.String("task", string(msg.Body.Task)),
				zap.Error(err))
			w.events.EmitRaw(model.EventException,
				fmt.Sprintf("task %s (%s) failed: %v", msg.Body.ID, msg.Body.Task, err))
		}
	}
}

// dispatch routes one task. Expired tasks are dropped and counted
// without execution.
func (w *Worker) dispatch(ctx context.Context, msg *queue.TaskMessage) error {
	body := msg.Body

	expires, err := body.ExpiresAt()
	if err != nil {
		w.logger.Warn("Task with unparseable expiry, executing anyway",
			zap.String("task_id", body.ID),
			zap.Error(err))
	} else if !expires.IsZero() && w.nowFn().After(expires) {
		w.logger.Info("Dropping expired task",
			zap.String("task_id", body.ID),
			zap.Time("expired_at", expires))
		if err := w.store.IncrCounter(ctx, w.name, "tasks.expired", 1); err != nil {
			w.logger.Warn("Failed to count expired task", zap.Error(err))
		}
		return nil
	}

	taskCtx, end := w.watchdog.Begin(ctx, body.ID, body.HardLimit(), body.SoftLimit())
	defer end()

	switch body.Task {
	case model.TaskCheckAndNotify:
		return w.checkAndNotify(taskCtx, body)
	case model.TaskTrialRun:
		return w.trialRun(taskCtx, body)
	case model.TaskCleanup:
		return w.cleanup(taskCtx, body)
	default:
		return fmt.Errorf("unknown task type %q", body.Task)
	}
}

// checkAndNotify executes a check and reconciles every attached alert.
// A single alert failing does not stop the others; the report carries
// whatever was evaluated.
func (w *Worker) checkAndNotify(ctx context.Context, body *model.TaskBody) error {
	req, alerts, err := body.DecodeCheckAndNotify()
	if err != nil {
		return err
	}

	start := w.nowFn()
	result, err := w.runner.Run(ctx, req)
	if err != nil {
		return fmt.Errorf("check %d failed: %w", req.CheckID, err)
	}

	statuses := make(map[int]*model.AlertStatus, len(alerts))
	for i := range alerts {
		def := &alerts[i]
		status, err := w.alerts.Reconcile(ctx, def, req, result)
		if err != nil {
			w.logger.Error("Alert reconciliation failed",
				zap.Int("alert_id", def.ID),
				zap.Int("check_id", req.CheckID),
				zap.Error(err))
		}
		if status != nil {
			statuses[def.ID] = status
		}
	}

	if w.shipper != nil {
		w.shipper.Enqueue(&shipper.Item{
			CheckID:   req.CheckID,
			EntityID:  req.Entity.ID(),
			Time:      result.Time().UTC().Format("2006-01-02T15:04:05.000Z07:00"),
			RunTime:   w.nowFn().Sub(start).Seconds(),
			Result:    result,
			Exception: result.Exc,
			Alerts:    statuses,
			Entity:    entityView(req.Entity),
		})
	}
	return nil
}

// shippedEntityLabels are the entity fields forwarded with each report
// besides the id.
var shippedEntityLabels = []string{
	"type", "application_id", "application_version", "stack_name",
	"stack_version", "team", "account_alias", "region",
}

// entityView projects the entity onto the labels the data service wants.
func entityView(e model.Entity) map[string]interface{} {
	view := map[string]interface{}{"id": e.ID()}
	for _, label := range shippedEntityLabels {
		if v, ok := e[label]; ok {
			view[label] = v
		}
	}
	return view
}

// trialRun executes a check without touching live alert state. The
// outcome, including each alert condition's verdict, lands in the
// short-lived trial result hash for the frontend to poll.
func (w *Worker) trialRun(ctx context.Context, body *model.TaskBody) error {
	trialID, req, alerts, err := body.DecodeTrialRun()
	if err != nil {
		return err
	}

	result, err := w.runner.RunTrial(ctx, trialID, req)
	if err != nil {
		return fmt.Errorf("trial run %s failed: %w", trialID, err)
	}

	verdicts := make(map[int]map[string]interface{}, len(alerts))
	for i := range alerts {
		def := &alerts[i]
		isAlert, captures := w.alerts.EvaluateOnly(ctx, def, req, result)
		verdicts[def.ID] = map[string]interface{}{
			"in_alert": isAlert,
			"captures": captures,
		}
	}
	payload := map[string]interface{}{
		"value":     result.Value,
		"ts":        result.TS,
		"td":        result.TD,
		"worker":    result.Worker,
		"exc":       boolToInt(result.Exc),
		"entity_id": req.Entity.ID(),
		"alerts":    verdicts,
	}

	if err := w.store.StoreTrialRunResult(ctx, trialID, req.Entity.ID(), payload); err != nil {
		return fmt.Errorf("failed to store trial run result: %w", err)
	}
	return nil
}

// cleanup prunes stale check and alert keys against the controller's
// authoritative entity sets.
func (w *Worker) cleanup(ctx context.Context, body *model.TaskBody) error {
	checkEntities, alertEntities, err := body.DecodeCleanup()
	if err != nil {
		return err
	}
	stats, err := w.store.Cleanup(ctx, checkEntities, alertEntities)
	if err != nil {
		return fmt.Errorf("cleanup failed: %w", err)
	}
	w.logger.Info("Cleanup finished",
		zap.Int("checks_deleted", stats.ChecksDeleted),
		zap.Int("check_entities_removed", stats.CheckEntitiesRemoved),
		zap.Int("alerts_deleted", stats.AlertsDeleted),
		zap.Int("alert_entities_removed", stats.AlertEntitiesRemoved))
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
