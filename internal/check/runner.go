// Package check executes one check request: build the evaluation context,
// run the command expression, enforce result limits and persist.
package check

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/zmon/zmon-worker/internal/eval"
	"github.com/zmon/zmon-worker/internal/kairosdb"
	"github.com/zmon/zmon-worker/internal/model"
	"github.com/zmon/zmon-worker/internal/storage"
)

// Limits bounds the size of a stored check result.
type Limits struct {
	// MaxResultSizeKB bounds the JSON-serialised result.
	MaxResultSizeKB int
	// MaxResultKeys bounds the flattened leaf-key count of dict results.
	MaxResultKeys int
	// HistorySize bounds the per-(check, entity) result history.
	HistorySize int
}

// DefaultLimits returns the documented default limits.
func DefaultLimits() Limits {
	return Limits{MaxResultSizeKB: 64, MaxResultKeys: 1000, HistorySize: 20}
}

// MetricsSink receives numeric leaves of successful check results.
type MetricsSink interface {
	Write(ctx context.Context, points []kairosdb.DataPoint) error
}

// Runner executes check requests.
type Runner struct {
	logger   *zap.Logger
	store    storage.ResultStore
	registry *eval.Registry
	policy   eval.CommandPolicy
	sink     MetricsSink
	worker   string
	limits   Limits
	timeout  time.Duration
	nowFn    func() time.Time
}

// NewRunner creates a check runner. sink may be nil when no time-series
// forwarding is configured.
func NewRunner(store storage.ResultStore, registry *eval.Registry, policy eval.CommandPolicy, sink MetricsSink, worker string, limits Limits, logger *zap.Logger) *Runner {
	return &Runner{
		logger:   logger.Named("check"),
		store:    store,
		registry: registry,
		policy:   policy,
		sink:     sink,
		worker:   worker,
		limits:   limits,
		timeout:  10 * time.Second,
		nowFn:    time.Now,
	}
}

// Run executes one check request and persists the outcome. Check-level
// failures never escape: they become the stored result with Exc set.
func (r *Runner) Run(ctx context.Context, req *model.CheckRequest) (*model.CheckResult, error) {
	start := r.nowFn()

	value, evalErr := r.execute(req)

	result := &model.CheckResult{
		TS:     epoch(start),
		TD:     r.nowFn().Sub(start).Seconds(),
		Worker: r.worker,
	}

	if evalErr != nil {
		result.Value = errorValue(evalErr)
		result.Exc = true
	} else if limitErr := r.enforceLimits(value); limitErr != nil {
		result.Value = limitErr.Error()
		result.Exc = true
	} else {
		result.Value = value
	}

	if err := r.store.StoreResult(ctx, req.CheckID, req.Entity.ID(), result, r.limits.HistorySize); err != nil {
		return result, fmt.Errorf("failed to persist result of check %d: %w", req.CheckID, err)
	}

	if err := r.store.IncrCounter(ctx, r.worker, "check.count", 1); err != nil {
		r.logger.Warn("Failed to increment check counter", zap.Error(err))
	}

	if r.sink != nil && !result.Exc {
		r.forwardMetrics(ctx, req, result)
	}

	return result, nil
}

// RunTrial mirrors Run for trial-run tasks: the result goes to the
// short-lived trial location and nothing touches history or metrics.
func (r *Runner) RunTrial(ctx context.Context, trialID string, req *model.CheckRequest) (*model.CheckResult, error) {
	start := r.nowFn()
	value, evalErr := r.execute(req)

	result := &model.CheckResult{
		TS:     epoch(start),
		TD:     r.nowFn().Sub(start).Seconds(),
		Worker: r.worker,
	}
	if evalErr != nil {
		result.Value = errorValue(evalErr)
		result.Exc = true
	} else {
		result.Value = value
	}

	if err := r.store.StoreTrialRunResult(ctx, trialID, req.Entity.ID(), result); err != nil {
		return result, fmt.Errorf("failed to persist trial run result: %w", err)
	}
	return result, nil
}

// execute evaluates the check command in a fresh restricted context.
func (r *Runner) execute(req *model.CheckRequest) (interface{}, error) {
	if !r.policy.IsCommandAllowed(req.Command) {
		return nil, &eval.SecurityError{Message: fmt.Sprintf("command of check %d is not in the safe command list", req.CheckID)}
	}

	env := eval.Builtins()
	for name, capability := range r.registry.BuildEnv(req.Entity, r.timeout) {
		env[name] = capability
	}

	return eval.Evaluate(req.Command, env)
}

// enforceLimits applies the key-count and byte-size limits.
func (r *Runner) enforceLimits(value interface{}) error {
	if dict, ok := value.(map[string]interface{}); ok && r.limits.MaxResultKeys > 0 {
		if leaves := CountLeaves(dict); leaves > r.limits.MaxResultKeys {
			return NewResultSizeError("ResultSizeError: result has %d keys, limit is %d", leaves, r.limits.MaxResultKeys)
		}
	}
	if r.limits.MaxResultSizeKB > 0 {
		data, err := json.Marshal(value)
		if err != nil {
			return NewResultSizeError("ResultSizeError: result is not serializable: %v", err)
		}
		if len(data) > r.limits.MaxResultSizeKB*1024 {
			return NewResultSizeError("ResultSizeError: result size %d exceeds %d KB", len(data), r.limits.MaxResultSizeKB)
		}
	}
	return nil
}

// forwardMetrics emits one datapoint per numeric leaf of the result value.
func (r *Runner) forwardMetrics(ctx context.Context, req *model.CheckRequest, result *model.CheckResult) {
	var leaves map[string]interface{}
	switch v := result.Value.(type) {
	case map[string]interface{}:
		leaves = Flatten(v)
	default:
		leaves = map[string]interface{}{"": v}
	}

	ts := int64(result.TS * 1000)
	if useScheduled, ok := leaves[model.ScheduleTimeKey].(bool); ok && useScheduled {
		ts = int64(req.ScheduleTime * 1000)
		delete(leaves, model.ScheduleTimeKey)
	}

	points := make([]kairosdb.DataPoint, 0, len(leaves))
	for path, leaf := range leaves {
		value, err := eval.ToFloat(leaf)
		if err != nil {
			continue
		}
		tags := map[string]string{
			"entity": sanitizeTag(req.Entity.ID()),
		}
		if path != "" {
			tags["key"] = sanitizeTag(path)
			segments := strings.Split(path, ".")
			tags["metric"] = sanitizeTag(segments[len(segments)-1])
		}
		points = append(points, kairosdb.DataPoint{
			Name:      fmt.Sprintf("zmon.check.%d", req.CheckID),
			Timestamp: ts,
			Value:     value,
			Tags:      tags,
		})
	}

	if err := r.sink.Write(ctx, points); err != nil {
		r.logger.Warn("Failed to forward metrics",
			zap.Int("check_id", req.CheckID),
			zap.Error(err))
	}
}

// sanitizeTag replaces characters KairosDB rejects in tag values.
func sanitizeTag(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-', r == '_', r == '.', r == '/':
			return r
		default:
			return '_'
		}
	}, s)
}

func errorValue(err error) string {
	switch err.(type) {
	case *eval.SecurityError:
		return "SecurityError: " + err.Error()
	case *eval.InsufficientPermissionsError:
		return "InsufficientPermissionsError: " + err.Error()
	case *eval.CheckError:
		return err.Error()
	default:
		return err.Error()
	}
}

func epoch(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}
