package alert

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/zmon/zmon-worker/internal/model"
	"github.com/zmon/zmon-worker/internal/storage"
	"github.com/zmon/zmon-worker/internal/testutil"
)

func newEvaluator(t *testing.T) (*Evaluator, *storage.RedisStore) {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	_, rdb := testutil.StartRedis(t)
	store := storage.NewRedisStore(rdb, logger)
	return NewEvaluator(store, 20, logger), store
}

func checkRequest() *model.CheckRequest {
	return &model.CheckRequest{
		CheckID: 123,
		Entity:  model.Entity{"id": "host-1", "type": "host"},
	}
}

func resultWith(value interface{}) *model.CheckResult {
	return &model.CheckResult{TS: 1000, TD: 0.1, Value: value}
}

func TestPreprocessCondition(t *testing.T) {
	cases := map[string]string{
		">0":              "value >0",
		"<= 10":           "value <= 10",
		"!= 'up'":         "value != 'up'",
		"in [1, 2]":       "value in [1, 2]",
		"not in [1]":      "value not in [1]",
		"value > 0":       "value > 0",
		"capture(value)":  "capture(value)",
		"  > 5  ":         "value > 5",
		"entity['id'] ==": "entity['id'] ==",
	}
	for condition, want := range cases {
		require.Equal(t, want, PreprocessCondition(condition), condition)
	}
}

func TestEvaluator_SimpleCondition(t *testing.T) {
	evaluator, _ := newEvaluator(t)

	def := &model.AlertDefinition{ID: 1, Condition: ">2"}
	isAlert, captures := evaluator.Evaluate(context.Background(), def, checkRequest(), resultWith(3.0))
	require.True(t, isAlert)
	require.NotContains(t, captures, "exception")

	isAlert, _ = evaluator.Evaluate(context.Background(), def, checkRequest(), resultWith(1.0))
	require.False(t, isAlert)
}

func TestEvaluator_Captures(t *testing.T) {
	evaluator, _ := newEvaluator(t)

	def := &model.AlertDefinition{ID: 1, Condition: `capture(value * 2) > 4`}
	isAlert, captures := evaluator.Evaluate(context.Background(), def, checkRequest(), resultWith(3.0))
	require.True(t, isAlert)
	require.Equal(t, 6.0, captures["capture_1"])

	def = &model.AlertDefinition{ID: 1, Condition: `capture(value, "load") > 2`}
	isAlert, captures = evaluator.Evaluate(context.Background(), def, checkRequest(), resultWith(3.0))
	require.True(t, isAlert)
	require.Equal(t, 3.0, captures["load"])
}

func TestEvaluator_Parameters(t *testing.T) {
	evaluator, _ := newEvaluator(t)

	def := &model.AlertDefinition{
		ID:        1,
		Condition: "value > threshold",
		Parameters: map[string]model.AlertParameter{
			"threshold": {Value: 5.0, Type: "int"},
		},
	}
	isAlert, captures := evaluator.Evaluate(context.Background(), def, checkRequest(), resultWith(7.0))
	require.True(t, isAlert)
	require.Equal(t, 5, captures["threshold"])

	isAlert, _ = evaluator.Evaluate(context.Background(), def, checkRequest(), resultWith(3.0))
	require.False(t, isAlert)
}

func TestEvaluator_ParamsMap(t *testing.T) {
	evaluator, _ := newEvaluator(t)

	def := &model.AlertDefinition{
		ID:        1,
		Condition: `value > params["limit"]`,
		Parameters: map[string]model.AlertParameter{
			"limit": {Value: 2.5, Type: "float"},
		},
	}
	isAlert, _ := evaluator.Evaluate(context.Background(), def, checkRequest(), resultWith(3.0))
	require.True(t, isAlert)
}

func TestEvaluator_ErrorForcesAlert(t *testing.T) {
	evaluator, _ := newEvaluator(t)

	// Syntax error.
	def := &model.AlertDefinition{ID: 1, Condition: "value >"}
	isAlert, captures := evaluator.Evaluate(context.Background(), def, checkRequest(), resultWith(1.0))
	require.True(t, isAlert)
	require.Contains(t, captures, "exception")

	// Non-boolean outcome.
	def = &model.AlertDefinition{ID: 1, Condition: "value * 2"}
	isAlert, captures = evaluator.Evaluate(context.Background(), def, checkRequest(), resultWith(1.0))
	require.True(t, isAlert)
	require.Contains(t, captures, "exception")

	// Unknown name.
	def = &model.AlertDefinition{ID: 1, Condition: "no_such_helper(value)"}
	isAlert, captures = evaluator.Evaluate(context.Background(), def, checkRequest(), resultWith(1.0))
	require.True(t, isAlert)
	require.Contains(t, captures, "exception")
}

func TestEvaluator_HistoryHelpers(t *testing.T) {
	evaluator, store := newEvaluator(t)
	ctx := context.Background()
	req := checkRequest()

	for i, v := range []float64{1, 2, 3, 4} {
		err := store.StoreResult(ctx, req.CheckID, req.Entity.ID(), &model.CheckResult{
			TS:    float64(1000 + i),
			Value: v,
		}, 20)
		require.NoError(t, err)
	}

	def := &model.AlertDefinition{ID: 1, Condition: `len(entity_values(4)) == 4`}
	isAlert, captures := evaluator.Evaluate(ctx, def, req, resultWith(4.0))
	require.True(t, isAlert, captures)

	def = &model.AlertDefinition{ID: 1, Condition: `alert_series("> 1", 3)`}
	isAlert, captures = evaluator.Evaluate(ctx, def, req, resultWith(4.0))
	require.NotContains(t, captures, "exception")
	require.True(t, isAlert)

	def = &model.AlertDefinition{ID: 1, Condition: `alert_series("> 1", 4)`}
	isAlert, _ = evaluator.Evaluate(ctx, def, req, resultWith(4.0))
	require.False(t, isAlert)

	def = &model.AlertDefinition{ID: 1, Condition: `monotonic(4, true, true)`}
	isAlert, captures = evaluator.Evaluate(ctx, def, req, resultWith(4.0))
	require.NotContains(t, captures, "exception")
	require.True(t, isAlert)
}

func TestParseTimeSpec(t *testing.T) {
	d, err := ParseTimeSpec("5m")
	require.NoError(t, err)
	require.Equal(t, "5m0s", d.String())

	d, err = ParseTimeSpec("2h")
	require.NoError(t, err)
	require.Equal(t, "2h0m0s", d.String())

	_, err = ParseTimeSpec("")
	require.Error(t, err)
	_, err = ParseTimeSpec("5x")
	require.Error(t, err)
	_, err = ParseTimeSpec("-1m")
	require.Error(t, err)
}
