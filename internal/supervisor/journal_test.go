package supervisor

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/zmon/zmon-worker/internal/model"
)

func newTestJournal(t *testing.T) *Journal {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	j, err := NewJournal(filepath.Join(t.TempDir(), "journal.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func TestJournalEvents(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()

	err := j.StoreEvents(ctx, []model.Event{
		{Origin: "worker-default-1", Type: model.EventError, Body: "hard limit exceeded", Timestamp: "2026-01-01T00:00:00Z", Repeats: 1},
		{Origin: "worker-default-1", Type: model.EventException, Body: "check failed", Timestamp: "2026-01-01T00:01:00Z", Repeats: 3},
		{Origin: "worker-default-2", Type: model.EventAction, Body: "started", Timestamp: "2026-01-01T00:02:00Z", Repeats: 1},
	})
	require.NoError(t, err)

	records, err := j.RecentEvents(ctx, "worker-default-1", 10)
	require.NoError(t, err)
	require.Len(t, records, 2)

	// Newest first.
	require.Equal(t, model.EventException, records[0].Type)
	require.Equal(t, 3, records[0].Repeats)
	require.Equal(t, "hard limit exceeded", records[1].Body)

	records, err = j.RecentEvents(ctx, "worker-default-1", 1)
	require.NoError(t, err)
	require.Len(t, records, 1)
}

func TestJournalPing(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()

	err := j.StorePing(ctx, &model.Ping{
		Worker:       "worker-default-1",
		PID:          4711,
		Timestamp:    1700000000,
		TasksDone:    12,
		PercentIdle:  87.5,
		TaskDuration: 1.25,
	})
	require.NoError(t, err)
}

func TestJournalPrune(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()

	err := j.StoreEvents(ctx, []model.Event{
		{Origin: "worker-default-1", Type: model.EventError, Body: "old", Timestamp: "2026-01-01T00:00:00Z", Repeats: 1},
	})
	require.NoError(t, err)

	// Rows were just created; a cutoff in the past keeps them.
	require.NoError(t, j.DeleteBefore(ctx, time.Now().Add(-time.Hour)))
	records, err := j.RecentEvents(ctx, "worker-default-1", 10)
	require.NoError(t, err)
	require.Len(t, records, 1)

	// A cutoff in the future removes everything.
	require.NoError(t, j.DeleteBefore(ctx, time.Now().Add(time.Hour)))
	records, err = j.RecentEvents(ctx, "worker-default-1", 10)
	require.NoError(t, err)
	require.Empty(t, records)
}
