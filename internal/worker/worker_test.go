package worker

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/zmon/zmon-worker/internal/alert"
	"github.com/zmon/zmon-worker/internal/check"
	"github.com/zmon/zmon-worker/internal/eval"
	"github.com/zmon/zmon-worker/internal/model"
	"github.com/zmon/zmon-worker/internal/notify"
	"github.com/zmon/zmon-worker/internal/queue"
	"github.com/zmon/zmon-worker/internal/shipper"
	"github.com/zmon/zmon-worker/internal/storage"
	"github.com/zmon/zmon-worker/internal/testutil"
)

type stubDispatcher struct {
	calls []string
}

func (d *stubDispatcher) Execute(_ context.Context, expression string, _ *notify.Request) (int, error) {
	d.calls = append(d.calls, expression)
	return 0, nil
}

type workerFixture struct {
	worker     *Worker
	store      *storage.RedisStore
	dispatcher *stubDispatcher
	bus        *fakeBus
}

func newTestWorker(t *testing.T) *workerFixture {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	_, rdb := testutil.StartRedis(t)
	store := storage.NewRedisStore(rdb, logger)

	registry := eval.NewRegistry(logger)
	registry.Register(eval.TimeFactory{})
	registry.Register(eval.EntityFactory{})
	runner := check.NewRunner(store, registry, eval.AllowAllPolicy{}, nil, "worker-test", check.DefaultLimits(), logger)

	dispatcher := &stubDispatcher{}
	evaluator := alert.NewEvaluator(store, 20, logger)
	events := NewEventCollector("worker-test", logger)
	manager := alert.NewManager(store, evaluator, dispatcher, events, "worker-test", logger)

	bus := &fakeBus{}
	watchdog := NewWatchdog("worker-test", bus, events, logger)

	w := New("worker-test", []string{"default"}, nil, runner, manager, nil, store, watchdog, events, logger)
	return &workerFixture{worker: w, store: store, dispatcher: dispatcher, bus: bus}
}

func checkAndNotifyTask(t *testing.T, command, condition string) *queue.TaskMessage {
	t.Helper()
	req, err := json.Marshal(model.CheckRequest{
		CheckID: 7,
		Entity:  model.Entity{"id": "host-1", "type": "host"},
		Command: command,
	})
	require.NoError(t, err)
	alerts, err := json.Marshal([]model.AlertDefinition{{
		ID:            1,
		CheckID:       7,
		Condition:     condition,
		Notifications: []string{"notify_mail()"},
	}})
	require.NoError(t, err)

	return &queue.TaskMessage{
		Queue: "default",
		Body: &model.TaskBody{
			Task: model.TaskCheckAndNotify,
			ID:   "task-1",
			Args: []json.RawMessage{req, alerts},
		},
	}
}

func TestDispatchCheckAndNotify(t *testing.T) {
	f := newTestWorker(t)
	ctx := context.Background()

	require.NoError(t, f.worker.dispatch(ctx, checkAndNotifyTask(t, "1 + 2", "> 2")))

	// The result is in history and the alert went active.
	history, err := f.store.History(ctx, 7, "host-1", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)

	state, err := f.store.GetAlertState(ctx, 1, "host-1")
	require.NoError(t, err)
	require.NotNil(t, state)
	require.True(t, state.Active)
	require.Equal(t, []string{"notify_mail()"}, f.dispatcher.calls)

	require.Equal(t, 1, f.worker.watchdog.TasksDone())
}

type sinkHandler struct {
	mu     sync.Mutex
	bodies [][]byte
}

func (h *sinkHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()
	body, _ := io.ReadAll(r.Body)
	h.bodies = append(h.bodies, body)
	w.WriteHeader(http.StatusOK)
}

func TestDispatchShipsFullResultRecord(t *testing.T) {
	f := newTestWorker(t)
	sink := &sinkHandler{}
	server := httptest.NewServer(sink)
	defer server.Close()

	logger, _ := zap.NewDevelopment()
	opts := shipper.Options{BufferSize: 10, Interval: time.Hour, MaxRetries: 1}
	ship := shipper.New(server.URL, "acct", "team", "eu-central-1", nil, opts, logger)
	ship.Start(context.Background())
	f.worker.shipper = ship

	require.NoError(t, f.worker.dispatch(context.Background(), checkAndNotifyTask(t, "10", "> 2")))
	ship.Stop()

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.bodies, 1)

	var envelope struct {
		Results []struct {
			CheckID     int                    `json:"check_id"`
			EntityID    string                 `json:"entity_id"`
			Time        string                 `json:"time"`
			CheckResult map[string]interface{} `json:"check_result"`
			Exception   bool                   `json:"exception"`
			Entity      map[string]interface{} `json:"entity"`
		} `json:"results"`
	}
	require.NoError(t, json.Unmarshal(sink.bodies[0], &envelope))
	require.Len(t, envelope.Results, 1)

	report := envelope.Results[0]
	require.Equal(t, 7, report.CheckID)
	require.Equal(t, "host-1", report.EntityID)
	require.NotEmpty(t, report.Time)
	require.Equal(t, 10.0, report.CheckResult["value"])
	require.Equal(t, "worker-test", report.CheckResult["worker"])
	require.Equal(t, false, report.CheckResult["exc"])
	require.Contains(t, report.CheckResult, "ts")
	require.Contains(t, report.CheckResult, "td")
	require.False(t, report.Exception)
	require.Equal(t, "host", report.Entity["type"])
}

func TestDispatchExpiredTaskIsDropped(t *testing.T) {
	f := newTestWorker(t)
	ctx := context.Background()

	msg := checkAndNotifyTask(t, "1 + 2", "> 2")
	msg.Body.Expires = time.Now().Add(-time.Minute).UTC().Format(time.RFC3339)

	require.NoError(t, f.worker.dispatch(ctx, msg))

	history, err := f.store.History(ctx, 7, "host-1", 10)
	require.NoError(t, err)
	require.Empty(t, history)
}

func TestDispatchUnknownTask(t *testing.T) {
	f := newTestWorker(t)

	err := f.worker.dispatch(context.Background(), &queue.TaskMessage{
		Body: &model.TaskBody{Task: "reticulate", ID: "task-1"},
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "reticulate")
}

func TestDispatchTrialRun(t *testing.T) {
	f := newTestWorker(t)
	ctx := context.Background()

	msg := checkAndNotifyTask(t, "5", "> 10")
	msg.Body.Task = model.TaskTrialRun
	msg.Body.Kwargs = map[string]interface{}{"uuid": "trial-9"}

	require.NoError(t, f.worker.dispatch(ctx, msg))

	// Live alert state stays untouched on trial runs.
	state, err := f.store.GetAlertState(ctx, 1, "host-1")
	require.NoError(t, err)
	require.Nil(t, state)
	require.Empty(t, f.dispatcher.calls)
}

func TestDispatchCleanup(t *testing.T) {
	f := newTestWorker(t)
	ctx := context.Background()

	require.NoError(t, f.store.StoreResult(ctx, 99, "host-1", &model.CheckResult{Value: 1.0}, 5))

	require.NoError(t, f.worker.dispatch(ctx, &queue.TaskMessage{
		Body: &model.TaskBody{
			Task:   model.TaskCleanup,
			ID:     "task-1",
			Kwargs: map[string]interface{}{},
		},
	}))

	history, err := f.store.History(ctx, 99, "host-1", 10)
	require.NoError(t, err)
	require.Empty(t, history)
}

type scriptedDequeuer struct {
	msgs chan *queue.TaskMessage
}

func (d *scriptedDequeuer) Dequeue(ctx context.Context, queues []string, timeout time.Duration) (*queue.TaskMessage, error) {
	select {
	case msg := <-d.msgs:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newTestWorker(t)
	dequeuer := &scriptedDequeuer{msgs: make(chan *queue.TaskMessage, 1)}
	dequeuer.msgs <- checkAndNotifyTask(t, "1 + 2", "> 2")
	f.worker.dequeuer = dequeuer

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.worker.Run(ctx) }()

	testutil.WaitFor(t, 5*time.Second, func() bool {
		return f.worker.watchdog.TasksDone() == 1
	})
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("worker loop did not stop")
	}
}
