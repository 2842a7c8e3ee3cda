package alert

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/zmon/zmon-worker/internal/alert/timeperiod"
	"github.com/zmon/zmon-worker/internal/model"
	"github.com/zmon/zmon-worker/internal/notify"
	"github.com/zmon/zmon-worker/internal/storage"
)

// Dispatcher delivers one notification expression. It returns the repeat
// interval in seconds requested by the expression, zero for one-shot.
type Dispatcher interface {
	Execute(ctx context.Context, expression string, req *notify.Request) (int, error)
}

// EventSink receives lifecycle events raised during reconciliation.
type EventSink interface {
	Emit(eventType model.EventType, body map[string]interface{})
}

// Manager reconciles alert evaluations against the persisted alert state
// and triggers notifications on transitions.
type Manager struct {
	logger     *zap.Logger
	store      storage.ResultStore
	evaluator  *Evaluator
	dispatcher Dispatcher
	events     EventSink
	worker     string
	nowFn      func() time.Time
}

// NewManager creates an alert manager. dispatcher and events may be nil
// when notifications or lifecycle events are not wanted.
func NewManager(store storage.ResultStore, evaluator *Evaluator, dispatcher Dispatcher, events EventSink, worker string, logger *zap.Logger) *Manager {
	return &Manager{
		logger:     logger.Named("alert"),
		store:      store,
		evaluator:  evaluator,
		dispatcher: dispatcher,
		events:     events,
		worker:     worker,
		nowFn:      time.Now,
	}
}

// EvaluateOnly runs the alert condition without touching persisted state
// or notifications. Trial runs use it to preview a condition.
func (m *Manager) EvaluateOnly(ctx context.Context, def *model.AlertDefinition, req *model.CheckRequest, result *model.CheckResult) (bool, map[string]interface{}) {
	return m.evaluator.Evaluate(ctx, def, req, result)
}

// Reconcile evaluates one alert against a fresh check result, applies the
// state transition and returns the per-alert report slice. Storage errors
// abort the reconciliation; evaluation errors do not, they surface as an
// active alert with an exception capture.
func (m *Manager) Reconcile(ctx context.Context, def *model.AlertDefinition, req *model.CheckRequest, result *model.CheckResult) (*model.AlertStatus, error) {
	evalStart := m.nowFn()
	isAlert, captures := m.evaluator.Evaluate(ctx, def, req, result)
	evaluationTS := m.nowFn().Sub(evalStart).Seconds()

	entityID := req.Entity.ID()
	now := m.nowFn()
	inPeriod, periodErr := m.inPeriod(def, now)
	if periodErr != "" {
		captures["time_period"] = periodErr
	}

	status := &model.AlertStatus{
		Active:            isAlert,
		InPeriod:          inPeriod,
		AlertEvaluationTS: evaluationTS,
		Captures:          captures,
	}
	if _, ok := captures["exception"]; ok {
		status.Exception = true
	}

	if !inPeriod {
		return status, m.reconcileOutOfPeriod(ctx, def, entityID, status)
	}

	var changed bool
	var err error
	if isAlert {
		changed, err = m.store.AddAlertEntity(ctx, def.ID, entityID)
	} else {
		changed, err = m.store.RemoveAlertEntity(ctx, def.ID, entityID)
	}
	if err != nil {
		return status, err
	}
	status.Changed = changed

	if isAlert && changed {
		if err := m.store.IncrCounter(ctx, m.worker, "alerts.active", 1); err != nil {
			m.logger.Warn("Failed to increment alert counter", zap.Error(err))
		}
	}

	// Captures are persisted for every evaluation, alerting or not, so
	// the frontend can show the latest capture values.
	if err := m.store.SetCaptures(ctx, def.ID, entityID, captures); err != nil {
		return status, err
	}

	downtimed, downtimes, err := m.reconcileDowntimes(ctx, def, entityID, now)
	if err != nil {
		m.logger.Warn("Failed to reconcile downtimes",
			zap.Int("alert_id", def.ID),
			zap.String("entity", entityID),
			zap.Error(err))
	}
	status.Downtimes = downtimes

	var startTime float64
	if isAlert {
		startTime, err = m.persistActiveState(ctx, def, entityID, result, captures, downtimes, changed, now)
		if err != nil {
			return status, err
		}
		iso := formatTimestamp(startTime)
		status.StartTime = &iso
	}

	duration := 0.0
	if startTime > 0 {
		duration = epoch(now) - startTime
	}

	if m.dispatcher != nil && !downtimed {
		m.notify(ctx, def, req, result, status, duration, now)
	}

	if !isAlert {
		// Falling edge or still inactive: drop the persisted state and
		// any pending notification repeats.
		if err := m.store.DeleteAlertState(ctx, def.ID, entityID); err != nil {
			return status, err
		}
	}
	return status, nil
}

// inPeriod decides whether the alert's time period covers now. Malformed
// periods fail open so a typo never silences an alert; the parse error is
// returned so the caller can surface it in the captures.
func (m *Manager) inPeriod(def *model.AlertDefinition, now time.Time) (bool, string) {
	if def.Period == "" {
		return true, ""
	}
	period, err := timeperiod.Parse(def.Period)
	if err != nil {
		m.logger.Warn("Malformed alert time period, treating as always active",
			zap.Int("alert_id", def.ID),
			zap.String("period", def.Period),
			zap.Error(err))
		return true, err.Error()
	}
	return period.Contains(now), ""
}

// reconcileOutOfPeriod forces the alert inactive when the evaluation falls
// outside its time period, tearing down any persisted state.
func (m *Manager) reconcileOutOfPeriod(ctx context.Context, def *model.AlertDefinition, entityID string, status *model.AlertStatus) error {
	wasActive, err := m.store.RemoveAlertEntity(ctx, def.ID, entityID)
	if err != nil {
		return err
	}
	status.Active = false
	status.Changed = wasActive
	if wasActive {
		if err := m.store.DeleteAlertState(ctx, def.ID, entityID); err != nil {
			return err
		}
	}
	return nil
}

// reconcileDowntimes classifies the provisioned downtimes for the pair,
// prunes expired ones and emits start/end events on transitions. It
// reports whether an active downtime currently suppresses notifications.
func (m *Manager) reconcileDowntimes(ctx context.Context, def *model.AlertDefinition, entityID string, now time.Time) (bool, []model.Downtime, error) {
	entries, err := m.store.Downtimes(ctx, def.ID, entityID)
	if err != nil {
		return false, nil, err
	}
	if len(entries) == 0 {
		return false, nil, nil
	}

	ts := epoch(now)
	var active []model.Downtime
	var expired []string
	for id, d := range entries {
		switch {
		case d.EndTime < ts:
			expired = append(expired, id)
			m.endDowntime(ctx, def, entityID, d)
		case d.StartTime <= ts:
			active = append(active, d)
			m.startDowntime(ctx, def, entityID, d)
		}
		// Future downtimes stay provisioned untouched.
	}

	if len(expired) > 0 {
		if err := m.store.RemoveDowntimes(ctx, def.ID, entityID, expired); err != nil {
			return len(active) > 0, active, err
		}
	}
	return len(active) > 0, active, nil
}

func (m *Manager) startDowntime(ctx context.Context, def *model.AlertDefinition, entityID string, d model.Downtime) {
	started, err := m.store.AddActiveDowntime(ctx, d.ID)
	if err != nil {
		m.logger.Warn("Failed to mark downtime active", zap.String("downtime_id", d.ID), zap.Error(err))
		return
	}
	if started && m.events != nil {
		m.events.Emit(model.EventAction, map[string]interface{}{
			"event":       "DOWNTIME_STARTED",
			"alert_id":    def.ID,
			"entity":      entityID,
			"downtime_id": d.ID,
			"created_by":  d.CreatedBy,
		})
	}
}

func (m *Manager) endDowntime(ctx context.Context, def *model.AlertDefinition, entityID string, d model.Downtime) {
	ended, err := m.store.RemoveActiveDowntime(ctx, d.ID)
	if err != nil {
		m.logger.Warn("Failed to unmark downtime", zap.String("downtime_id", d.ID), zap.Error(err))
		return
	}
	if ended && m.events != nil {
		m.events.Emit(model.EventAction, map[string]interface{}{
			"event":       "DOWNTIME_ENDED",
			"alert_id":    def.ID,
			"entity":      entityID,
			"downtime_id": d.ID,
			"created_by":  d.CreatedBy,
		})
	}
}

// persistActiveState writes the alert state record, preserving the start
// time across repeated active evaluations. It returns the start time.
func (m *Manager) persistActiveState(ctx context.Context, def *model.AlertDefinition, entityID string, result *model.CheckResult, captures map[string]interface{}, downtimes []model.Downtime, changed bool, now time.Time) (float64, error) {
	startTime := epoch(now)
	if !changed {
		prev, err := m.store.GetAlertState(ctx, def.ID, entityID)
		if err != nil {
			return 0, err
		}
		if prev != nil && prev.StartTime > 0 {
			startTime = prev.StartTime
		}
	}
	state := &model.AlertState{
		Active:    true,
		StartTime: startTime,
		Captures:  captures,
		Downtimes: downtimes,
		Result:    result,
		Worker:    m.worker,
	}
	return startTime, m.store.SetAlertState(ctx, def.ID, entityID, state)
}

// notify delivers the alert's notification expressions. Transitions fire
// every expression; steady active states fire only expressions whose
// repeat deadline has passed. A repeat interval returned by the transport
// schedules the next delivery.
func (m *Manager) notify(ctx context.Context, def *model.AlertDefinition, req *model.CheckRequest, result *model.CheckResult, status *model.AlertStatus, duration float64, now time.Time) {
	if len(def.Notifications) == 0 {
		return
	}

	nreq := &notify.Request{
		Alert:      def,
		Entity:     req.Entity,
		Result:     result,
		Captures:   status.Captures,
		IsAlert:    status.Active,
		Changed:    status.Changed,
		Duration:   duration,
		WorkerName: m.worker,
	}
	entityID := req.Entity.ID()
	ts := epoch(now)

	for _, expression := range def.Notifications {
		due := status.Changed
		if !due && status.Active {
			deadline, ok, err := m.store.NotificationDeadline(ctx, def.ID, entityID, expression)
			if err != nil {
				m.logger.Warn("Failed to read notification deadline",
					zap.Int("alert_id", def.ID),
					zap.Error(err))
				continue
			}
			due = ok && ts >= deadline
		}
		if !due {
			continue
		}

		repeat, err := m.dispatcher.Execute(ctx, expression, nreq)
		if err != nil {
			m.logger.Warn("Notification delivery failed",
				zap.Int("alert_id", def.ID),
				zap.String("entity", entityID),
				zap.String("expression", expression),
				zap.Error(err))
			continue
		}
		if err := m.store.IncrCounter(ctx, m.worker, "notifications.sent", 1); err != nil {
			m.logger.Warn("Failed to increment notification counter", zap.Error(err))
		}
		if repeat > 0 && status.Active {
			if err := m.store.SetNotificationDeadline(ctx, def.ID, entityID, expression, ts+float64(repeat)); err != nil {
				m.logger.Warn("Failed to schedule notification repeat",
					zap.Int("alert_id", def.ID),
					zap.Error(err))
			}
		}
	}
}

// formatTimestamp renders an epoch as ISO-8601 with millisecond precision.
func formatTimestamp(ts float64) string {
	sec := int64(ts)
	nsec := int64((ts - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC().Format("2006-01-02T15:04:05.000Z07:00")
}
