package alert

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/zmon/zmon-worker/internal/model"
	"github.com/zmon/zmon-worker/internal/notify"
	"github.com/zmon/zmon-worker/internal/storage"
	"github.com/zmon/zmon-worker/internal/testutil"
)

type fakeDispatcher struct {
	mu     sync.Mutex
	calls  []string
	repeat int
}

func (d *fakeDispatcher) Execute(_ context.Context, expression string, _ *notify.Request) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, expression)
	return d.repeat, nil
}

func (d *fakeDispatcher) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

type fakeSink struct {
	mu     sync.Mutex
	events []string
}

func (s *fakeSink) Emit(_ model.EventType, body map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if event, ok := body["event"].(string); ok {
		s.events = append(s.events, event)
	}
}

func (s *fakeSink) seen() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.events...)
}

type managerFixture struct {
	manager    *Manager
	store      *storage.RedisStore
	rdb        *redis.Client
	dispatcher *fakeDispatcher
	sink       *fakeSink
	now        time.Time
}

func newManagerFixture(t *testing.T) *managerFixture {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	_, rdb := testutil.StartRedis(t)
	store := storage.NewRedisStore(rdb, logger)

	f := &managerFixture{
		store:      store,
		rdb:        rdb,
		dispatcher: &fakeDispatcher{},
		sink:       &fakeSink{},
		now:        time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC),
	}
	evaluator := NewEvaluator(store, 20, logger)
	f.manager = NewManager(store, evaluator, f.dispatcher, f.sink, "worker-test", logger)
	f.manager.nowFn = func() time.Time { return f.now }
	return f
}

func (f *managerFixture) advance(d time.Duration) {
	f.now = f.now.Add(d)
}

func alertDef() *model.AlertDefinition {
	return &model.AlertDefinition{
		ID:            1,
		CheckID:       123,
		Name:          "high load",
		Condition:     ">0",
		Notifications: []string{`notify_mail(["ops@example.org"])`},
	}
}

func TestManager_RisingEdge(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()
	req := checkRequest()

	status, err := f.manager.Reconcile(ctx, alertDef(), req, resultWith(1.0))
	require.NoError(t, err)
	require.True(t, status.Active)
	require.True(t, status.Changed)
	require.True(t, status.InPeriod)
	require.NotNil(t, status.StartTime)
	require.Equal(t, 1, f.dispatcher.callCount())

	state, err := f.store.GetAlertState(ctx, 1, "host-1")
	require.NoError(t, err)
	require.NotNil(t, state)
	require.True(t, state.Active)
	require.Equal(t, "worker-test", state.Worker)
}

func TestManager_SteadyActivePreservesStartTime(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()
	req := checkRequest()

	_, err := f.manager.Reconcile(ctx, alertDef(), req, resultWith(1.0))
	require.NoError(t, err)
	first, err := f.store.GetAlertState(ctx, 1, "host-1")
	require.NoError(t, err)

	f.advance(5 * time.Minute)
	status, err := f.manager.Reconcile(ctx, alertDef(), req, resultWith(2.0))
	require.NoError(t, err)
	require.True(t, status.Active)
	require.False(t, status.Changed)

	second, err := f.store.GetAlertState(ctx, 1, "host-1")
	require.NoError(t, err)
	require.Equal(t, first.StartTime, second.StartTime)

	// No repeat interval was requested, so the steady state does not
	// renotify.
	require.Equal(t, 1, f.dispatcher.callCount())
}

func TestManager_FallingEdge(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()
	req := checkRequest()

	_, err := f.manager.Reconcile(ctx, alertDef(), req, resultWith(1.0))
	require.NoError(t, err)

	status, err := f.manager.Reconcile(ctx, alertDef(), req, resultWith(0.0))
	require.NoError(t, err)
	require.False(t, status.Active)
	require.True(t, status.Changed)
	require.Nil(t, status.StartTime)
	require.Equal(t, 2, f.dispatcher.callCount())

	state, err := f.store.GetAlertState(ctx, 1, "host-1")
	require.NoError(t, err)
	require.Nil(t, state)
}

func TestManager_NotificationRepeat(t *testing.T) {
	f := newManagerFixture(t)
	f.dispatcher.repeat = 60
	ctx := context.Background()
	req := checkRequest()

	_, err := f.manager.Reconcile(ctx, alertDef(), req, resultWith(1.0))
	require.NoError(t, err)
	require.Equal(t, 1, f.dispatcher.callCount())

	// Before the deadline nothing fires.
	f.advance(30 * time.Second)
	_, err = f.manager.Reconcile(ctx, alertDef(), req, resultWith(1.0))
	require.NoError(t, err)
	require.Equal(t, 1, f.dispatcher.callCount())

	// Past the deadline the notification repeats and is rescheduled.
	f.advance(31 * time.Second)
	_, err = f.manager.Reconcile(ctx, alertDef(), req, resultWith(1.0))
	require.NoError(t, err)
	require.Equal(t, 2, f.dispatcher.callCount())

	deadline, ok, err := f.store.NotificationDeadline(ctx, 1, "host-1", alertDef().Notifications[0])
	require.NoError(t, err)
	require.True(t, ok)
	require.InDelta(t, float64(f.now.Unix())+60, deadline, 1)
}

func TestManager_DowntimeSuppressesNotifications(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()
	req := checkRequest()

	downtime := model.Downtime{
		ID:        "dt-1",
		StartTime: float64(f.now.Add(-time.Hour).Unix()),
		EndTime:   float64(f.now.Add(time.Hour).Unix()),
		CreatedBy: "jdoe",
	}
	raw, err := json.Marshal(downtime)
	require.NoError(t, err)
	require.NoError(t, f.rdb.HSet(ctx, "zmon:downtimes:1:host-1", "dt-1", raw).Err())

	status, err := f.manager.Reconcile(ctx, alertDef(), req, resultWith(1.0))
	require.NoError(t, err)
	require.True(t, status.Active)
	require.Len(t, status.Downtimes, 1)
	require.Equal(t, 0, f.dispatcher.callCount())
	require.Contains(t, f.sink.seen(), "DOWNTIME_STARTED")

	// The started event fires once, not on every evaluation.
	_, err = f.manager.Reconcile(ctx, alertDef(), req, resultWith(1.0))
	require.NoError(t, err)
	require.Equal(t, []string{"DOWNTIME_STARTED"}, f.sink.seen())
}

func TestManager_DowntimeExpiry(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()
	req := checkRequest()

	downtime := model.Downtime{
		ID:        "dt-1",
		StartTime: float64(f.now.Add(-time.Hour).Unix()),
		EndTime:   float64(f.now.Add(time.Minute).Unix()),
	}
	raw, err := json.Marshal(downtime)
	require.NoError(t, err)
	require.NoError(t, f.rdb.HSet(ctx, "zmon:downtimes:1:host-1", "dt-1", raw).Err())

	_, err = f.manager.Reconcile(ctx, alertDef(), req, resultWith(1.0))
	require.NoError(t, err)
	require.Contains(t, f.sink.seen(), "DOWNTIME_STARTED")

	f.advance(2 * time.Minute)
	status, err := f.manager.Reconcile(ctx, alertDef(), req, resultWith(1.0))
	require.NoError(t, err)
	require.Empty(t, status.Downtimes)
	require.Contains(t, f.sink.seen(), "DOWNTIME_ENDED")

	// Expired downtimes are pruned from the store.
	fields, err := f.rdb.HKeys(ctx, "zmon:downtimes:1:host-1").Result()
	require.NoError(t, err)
	require.Empty(t, fields)

	// With the downtime gone, steady-state delivery resumes on the next
	// transition.
	require.True(t, status.Active)
}

func TestManager_OutOfPeriodForcesInactive(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()
	req := checkRequest()

	// Become active first (noon is inside any empty period).
	_, err := f.manager.Reconcile(ctx, alertDef(), req, resultWith(1.0))
	require.NoError(t, err)

	def := alertDef()
	def.Period = "hours 0-5"
	status, err := f.manager.Reconcile(ctx, def, req, resultWith(1.0))
	require.NoError(t, err)
	require.False(t, status.InPeriod)
	require.False(t, status.Active)
	require.True(t, status.Changed)

	state, err := f.store.GetAlertState(ctx, 1, "host-1")
	require.NoError(t, err)
	require.Nil(t, state)
}

func TestManager_MalformedPeriodFailsOpen(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	def := alertDef()
	def.Period = "whenever I feel like it"
	status, err := f.manager.Reconcile(ctx, def, checkRequest(), resultWith(1.0))
	require.NoError(t, err)
	require.True(t, status.InPeriod)
	require.True(t, status.Active)

	// The parse error surfaces in the captures and is persisted with them.
	require.Contains(t, status.Captures, "time_period")
	require.NotEmpty(t, status.Captures["time_period"])

	raw, err := f.rdb.HGet(ctx, "zmon:alerts:1:entities", "host-1").Result()
	require.NoError(t, err)
	var stored map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(raw), &stored))
	require.Contains(t, stored, "time_period")
}
