package shipper

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

	"github.com/zmon/zmon-worker/internal/model"
)

type countingHandler struct {
	mu       sync.Mutex
	requests []string
	bodies   [][]byte
	auths    []string
	failures int
}

func (h *countingHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()
	body, _ := io.ReadAll(r.Body)
	h.requests = append(h.requests, r.Method+" "+r.URL.Path)
	h.bodies = append(h.bodies, body)
	h.auths = append(h.auths, r.Header.Get("Authorization"))
	if h.failures > 0 {
		h.failures--
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *countingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.requests)
}

func newTestShipper(t *testing.T, url string, maxRetries int) *Shipper {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	opts := Options{BufferSize: 10, Interval: time.Hour, MaxRetries: maxRetries}
	return New(url, "acct", "team", "eu-central-1", nil, opts, logger)
}

func item() *Item {
	return &Item{
		CheckID:  7,
		EntityID: "host-1",
		Time:     "2026-01-01T00:00:00.000Z",
		RunTime:  0.2,
		Result: &model.CheckResult{
			TS:     1767225600.0,
			TD:     0.1,
			Value:  3.5,
			Worker: "worker-1",
		},
		Alerts: map[int]*model.AlertStatus{},
		Entity: map[string]interface{}{"id": "host-1", "type": "host"},
	}
}

func TestShipper_DeliversGroupedByCheck(t *testing.T) {
	handler := &countingHandler{}
	server := httptest.NewServer(handler)
	defer server.Close()

	s := newTestShipper(t, server.URL, 3)
	s.Enqueue(item())
	other := item()
	other.EntityID = "host-2"
	s.Enqueue(other)
	s.flush(context.Background())

	require.Equal(t, 1, handler.count())
	require.Equal(t, "PUT /api/v2/data/acct/7/eu-central-1", handler.requests[0])

	var envelope struct {
		Team    string            `json:"team"`
		Account string            `json:"account"`
		Region  string            `json:"region"`
		Results []json.RawMessage `json:"results"`
	}
	require.NoError(t, json.Unmarshal(handler.bodies[0], &envelope))
	require.Equal(t, "team", envelope.Team)
	require.Equal(t, "acct", envelope.Account)
	require.Len(t, envelope.Results, 2)

	// Each report carries the full stored result record, not a bare value.
	var report struct {
		CheckID     int                    `json:"check_id"`
		CheckResult map[string]interface{} `json:"check_result"`
		Exception   bool                   `json:"exception"`
		Entity      map[string]interface{} `json:"entity"`
	}
	require.NoError(t, json.Unmarshal(envelope.Results[0], &report))
	require.Equal(t, 7, report.CheckID)
	require.Equal(t, 3.5, report.CheckResult["value"])
	require.Equal(t, 1767225600.0, report.CheckResult["ts"])
	require.Equal(t, 0.1, report.CheckResult["td"])
	require.Equal(t, "worker-1", report.CheckResult["worker"])
	require.Equal(t, false, report.CheckResult["exc"])
	require.Equal(t, "host-1", report.Entity["id"])
}

func TestShipper_BearerToken(t *testing.T) {
	handler := &countingHandler{}
	server := httptest.NewServer(handler)
	defer server.Close()

	t.Setenv("WORKER_OAUTH2_ACCESS_TOKEN", "sekrit")
	logger, _ := zap.NewDevelopment()
	opts := Options{BufferSize: 10, Interval: time.Hour, MaxRetries: 1}
	tokens := EnvTokenProvider{Variable: "WORKER_OAUTH2_ACCESS_TOKEN"}
	s := New(server.URL, "acct", "team", "eu-central-1", tokens, opts, logger)

	s.Enqueue(item())
	s.flush(context.Background())

	require.Equal(t, 1, handler.count())
	require.Equal(t, "Bearer sekrit", handler.auths[0])
}

func TestShipper_RetriesUntilSuccess(t *testing.T) {
	handler := &countingHandler{failures: 2}
	server := httptest.NewServer(handler)
	defer server.Close()

	s := newTestShipper(t, server.URL, 10)
	s.Enqueue(item())

	ctx := context.Background()
	s.flush(ctx) // 500
	s.flush(ctx) // 500
	s.flush(ctx) // 200
	s.flush(ctx) // queue empty, no request

	require.Equal(t, 3, handler.count())
}

func TestShipper_DropsAfterMaxRetries(t *testing.T) {
	handler := &countingHandler{failures: 1000}
	server := httptest.NewServer(handler)
	defer server.Close()

	s := newTestShipper(t, server.URL, 2)
	s.Enqueue(item())

	ctx := context.Background()
	for i := 0; i < 6; i++ {
		s.flush(ctx)
	}

	// Initial attempt plus two retries, then the item is gone.
	require.Equal(t, 3, handler.count())
}

func TestShipper_BufferOverflowDrops(t *testing.T) {
	s := newTestShipper(t, "http://127.0.0.1:1", 1)
	for i := 0; i < 15; i++ {
		s.Enqueue(item())
	}
	require.Equal(t, int64(5), s.Dropped())
}
