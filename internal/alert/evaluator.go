// Package alert evaluates alert definitions against check results and
// reconciles the persisted alert state.
package alert

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/zmon/zmon-worker/internal/eval"
	"github.com/zmon/zmon-worker/internal/model"
	"github.com/zmon/zmon-worker/internal/storage"
)

// relationalPrefixes trigger the "value " shorthand: a condition that
// starts with one of these is rewritten to compare against the check
// value, so ">0" means "value > 0".
var relationalPrefixes = []string{">=", "<=", "==", "!=", ">", "<", "in ", "not in "}

// PreprocessCondition prepends "value " when the condition starts with a
// relational or membership operator. Conditions already mentioning value
// anywhere are left untouched by construction.
func PreprocessCondition(condition string) string {
	trimmed := strings.TrimSpace(condition)
	for _, prefix := range relationalPrefixes {
		if strings.HasPrefix(trimmed, prefix) {
			return "value " + trimmed
		}
	}
	return trimmed
}

// Evaluator evaluates alert conditions.
type Evaluator struct {
	logger      *zap.Logger
	store       storage.ResultStore
	historySize int
	nowFn       func() time.Time
}

// NewEvaluator creates an alert condition evaluator. historySize bounds
// every historical read; longer windows belong to the time-series sink.
func NewEvaluator(store storage.ResultStore, historySize int, logger *zap.Logger) *Evaluator {
	return &Evaluator{
		logger:      logger.Named("alert"),
		store:       store,
		historySize: historySize,
		nowFn:       time.Now,
	}
}

// Evaluate runs the alert condition against the check result. It returns
// the alert outcome and the capture map. Evaluation failures force the
// alert active with the error stored under captures["exception"].
func (e *Evaluator) Evaluate(ctx context.Context, def *model.AlertDefinition, req *model.CheckRequest, result *model.CheckResult) (bool, map[string]interface{}) {
	captures := make(map[string]interface{})

	env, err := e.buildEnv(ctx, def, req, result, captures)
	if err != nil {
		captures["exception"] = err.Error()
		return true, captures
	}

	condition := PreprocessCondition(def.Condition)
	value, err := eval.Evaluate(condition, env)
	if err != nil {
		captures["exception"] = err.Error()
		return true, captures
	}

	isAlert, ok := value.(bool)
	if !ok {
		captures["exception"] = NewAlertError("alert condition returned %T, want bool", value).Error()
		return true, captures
	}
	return isAlert, captures
}

// buildEnv extends the check vocabulary with the capture function, typed
// parameters and the historical helpers.
func (e *Evaluator) buildEnv(ctx context.Context, def *model.AlertDefinition, req *model.CheckRequest, result *model.CheckResult, captures map[string]interface{}) (map[string]interface{}, error) {
	env := eval.Builtins()
	env["value"] = result.Value
	env["entity"] = map[string]interface{}(req.Entity)

	captureCounter := 0
	env["capture"] = func(args ...interface{}) (interface{}, error) {
		if len(args) == 0 || len(args) > 2 {
			return nil, NewAlertError("capture takes a value and an optional name")
		}
		name := ""
		if len(args) == 2 {
			s, ok := args[1].(string)
			if !ok {
				return nil, NewAlertError("capture name must be a string, got %T", args[1])
			}
			name = s
		}
		if name == "" {
			captureCounter++
			name = "capture_" + strconv.Itoa(captureCounter)
		}
		captures[name] = args[0]
		return args[0], nil
	}

	params := make(map[string]interface{}, len(def.Parameters))
	for name, param := range def.Parameters {
		coerced, err := coerceParameter(param)
		if err != nil {
			return nil, NewAlertError("parameter %s: %v", name, err)
		}
		params[name] = coerced
		env[name] = coerced
		captures[name] = coerced
	}
	env["params"] = params

	e.bindHistory(ctx, env, req)
	return env, nil
}

// bindHistory installs the historical accessors. All reads stay inside
// the configured history cap.
func (e *Evaluator) bindHistory(ctx context.Context, env map[string]interface{}, req *model.CheckRequest) {
	history := func(n int) ([]model.CheckResult, error) {
		if n <= 0 || n > e.historySize {
			n = e.historySize
		}
		return e.store.History(ctx, req.CheckID, req.Entity.ID(), n)
	}

	env["entity_values"] = func(count int) ([]interface{}, error) {
		results, err := history(count)
		if err != nil {
			return nil, err
		}
		values := make([]interface{}, 0, len(results))
		for _, r := range results {
			values = append(values, r.Value)
		}
		return values, nil
	}

	env["entity_results"] = func(count int) ([]interface{}, error) {
		results, err := history(count)
		if err != nil {
			return nil, err
		}
		out := make([]interface{}, 0, len(results))
		for _, r := range results {
			out = append(out, map[string]interface{}{
				"ts":    r.TS,
				"td":    r.TD,
				"value": r.Value,
			})
		}
		return out, nil
	}

	env["value_series"] = func(count int) ([]float64, error) {
		results, err := history(count)
		if err != nil {
			return nil, err
		}
		series := make([]float64, 0, len(results))
		for _, r := range results {
			if v, err := eval.ToFloat(r.Value); err == nil {
				series = append(series, v)
			}
		}
		return series, nil
	}

	// alert_series holds when the predicate holds for all of the last n
	// results. Predicate errors count as true; if every evaluation
	// errored the helper itself errors.
	env["alert_series"] = func(predicate string, n int) (bool, error) {
		results, err := history(n)
		if err != nil {
			return false, err
		}
		if len(results) == 0 {
			return false, nil
		}
		failures := 0
		for _, r := range results {
			predEnv := eval.Builtins()
			predEnv["value"] = r.Value
			v, err := eval.Evaluate(PreprocessCondition(predicate), predEnv)
			if err != nil {
				failures++
				continue
			}
			if holds, ok := v.(bool); !ok || !holds {
				if !ok {
					failures++
					continue
				}
				return false, nil
			}
		}
		if failures == len(results) {
			return false, NewAlertError("alert_series predicate failed for every result")
		}
		return true, nil
	}

	env["monotonic"] = func(count int, increasing, strictly bool) (bool, error) {
		results, err := history(count)
		if err != nil {
			return false, err
		}
		// History is newest first; compare in chronological order.
		series := make([]float64, 0, len(results))
		for i := len(results) - 1; i >= 0; i-- {
			v, err := eval.ToFloat(results[i].Value)
			if err != nil {
				return false, err
			}
			series = append(series, v)
		}
		for i := 1; i < len(series); i++ {
			prev, cur := series[i-1], series[i]
			switch {
			case increasing && strictly && cur <= prev:
				return false, nil
			case increasing && !strictly && cur < prev:
				return false, nil
			case !increasing && strictly && cur >= prev:
				return false, nil
			case !increasing && !strictly && cur > prev:
				return false, nil
			}
		}
		return true, nil
	}

	window := func(spec string) ([]float64, error) {
		dur, err := ParseTimeSpec(spec)
		if err != nil {
			return nil, err
		}
		results, err := history(e.historySize)
		if err != nil {
			return nil, err
		}
		cutoff := epoch(e.nowFn().Add(-dur))
		var series []float64
		for _, r := range results {
			if r.TS < cutoff {
				continue
			}
			if v, err := eval.ToFloat(r.Value); err == nil {
				series = append(series, v)
			}
		}
		if len(series) == 0 {
			return nil, NewAlertError("no numeric results within %s", spec)
		}
		return series, nil
	}

	env["timeseries_avg"] = func(spec string) (float64, error) {
		series, err := window(spec)
		if err != nil {
			return 0, err
		}
		total := 0.0
		for _, v := range series {
			total += v
		}
		return total / float64(len(series)), nil
	}
	env["timeseries_sum"] = func(spec string) (float64, error) {
		series, err := window(spec)
		if err != nil {
			return 0, err
		}
		total := 0.0
		for _, v := range series {
			total += v
		}
		return total, nil
	}
	env["timeseries_min"] = func(spec string) (float64, error) {
		series, err := window(spec)
		if err != nil {
			return 0, err
		}
		min := series[0]
		for _, v := range series[1:] {
			if v < min {
				min = v
			}
		}
		return min, nil
	}
	env["timeseries_max"] = func(spec string) (float64, error) {
		series, err := window(spec)
		if err != nil {
			return 0, err
		}
		max := series[0]
		for _, v := range series[1:] {
			if v > max {
				max = v
			}
		}
		return max, nil
	}
	// timeseries_first is the oldest value inside the window,
	// timeseries_delta the newest minus the oldest.
	env["timeseries_first"] = func(spec string) (float64, error) {
		series, err := window(spec)
		if err != nil {
			return 0, err
		}
		return series[len(series)-1], nil
	}
	env["timeseries_delta"] = func(spec string) (float64, error) {
		series, err := window(spec)
		if err != nil {
			return 0, err
		}
		return series[0] - series[len(series)-1], nil
	}
	env["timeseries_median"] = func(spec string) (float64, error) {
		series, err := window(spec)
		if err != nil {
			return 0, err
		}
		return percentile(series, 50), nil
	}
	env["timeseries_percentile"] = func(spec string, pct float64) (float64, error) {
		series, err := window(spec)
		if err != nil {
			return 0, err
		}
		return percentile(series, pct), nil
	}
}

// ParseTimeSpec parses a window like "30s", "5m", "2h" or "1d".
func ParseTimeSpec(spec string) (time.Duration, error) {
	spec = strings.TrimSpace(spec)
	if len(spec) < 2 {
		return 0, NewAlertError("invalid time spec %q", spec)
	}
	unit := spec[len(spec)-1]
	n, err := strconv.Atoi(spec[:len(spec)-1])
	if err != nil || n <= 0 {
		return 0, NewAlertError("invalid time spec %q", spec)
	}
	switch unit {
	case 's':
		return time.Duration(n) * time.Second, nil
	case 'm':
		return time.Duration(n) * time.Minute, nil
	case 'h':
		return time.Duration(n) * time.Hour, nil
	case 'd':
		return time.Duration(n) * 24 * time.Hour, nil
	default:
		return 0, NewAlertError("invalid time spec unit %q", string(unit))
	}
}

func percentile(series []float64, pct float64) float64 {
	sorted := make([]float64, len(series))
	copy(sorted, series)
	sort.Float64s(sorted)
	if pct <= 0 {
		return sorted[0]
	}
	if pct >= 100 {
		return sorted[len(sorted)-1]
	}
	rank := pct / 100 * float64(len(sorted)-1)
	lo := int(rank)
	frac := rank - float64(lo)
	if lo+1 >= len(sorted) {
		return sorted[len(sorted)-1]
	}
	return sorted[lo] + frac*(sorted[lo+1]-sorted[lo])
}

// coerceParameter converts a typed alert parameter to its Go value.
func coerceParameter(param model.AlertParameter) (interface{}, error) {
	switch param.Type {
	case "", "str":
		return param.Value, nil
	case "int":
		f, err := eval.ToFloat(param.Value)
		if err != nil {
			return nil, err
		}
		return int(f), nil
	case "float":
		return eval.ToFloat(param.Value)
	case "bool":
		if b, ok := param.Value.(bool); ok {
			return b, nil
		}
		if s, ok := param.Value.(string); ok {
			return strconv.ParseBool(s)
		}
		return nil, fmt.Errorf("value %v is not a bool", param.Value)
	case "datetime":
		s, ok := param.Value.(string)
		if !ok {
			return nil, fmt.Errorf("datetime value must be a string")
		}
		for _, layout := range []string{"2006-01-02T15:04:05", time.RFC3339} {
			if t, err := time.Parse(layout, s); err == nil {
				return t, nil
			}
		}
		return nil, fmt.Errorf("unparseable datetime %q", s)
	case "date":
		s, ok := param.Value.(string)
		if !ok {
			return nil, fmt.Errorf("date value must be a string")
		}
		t, err := time.Parse("2006-01-02", s)
		if err != nil {
			return nil, fmt.Errorf("unparseable date %q", s)
		}
		return t, nil
	default:
		return nil, fmt.Errorf("unknown parameter type %q", param.Type)
	}
}

func epoch(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}
