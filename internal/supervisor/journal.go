package supervisor

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/zmon/zmon-worker/internal/model"
)

// JournalRecord is one persisted worker event.
type JournalRecord struct {
	ID        int64           `json:"id"`
	Origin    string          `json:"origin"`
	Type      model.EventType `json:"type"`
	Body      string          `json:"body"`
	Timestamp string          `json:"timestamp"`
	Repeats   int             `json:"repeats"`
}

// Journal persists worker events and ping summaries to SQLite so a
// supervisor restart does not lose the recent history the status
// endpoints report on.
type Journal struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewJournal opens (or creates) the journal database.
func NewJournal(dbPath string, logger *zap.Logger) (*Journal, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal database: %w", err)
	}

	j := &Journal{
		logger: logger.Named("journal"),
		db:     db,
	}
	if err := j.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) initialize() error {
	_, err := j.db.Exec(`
		CREATE TABLE IF NOT EXISTS worker_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			origin TEXT NOT NULL,
			type TEXT NOT NULL,
			body TEXT,
			timestamp TEXT NOT NULL,
			repeats INTEGER DEFAULT 1,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_worker_events_origin ON worker_events(origin);
		CREATE INDEX IF NOT EXISTS idx_worker_events_created_at ON worker_events(created_at);

		CREATE TABLE IF NOT EXISTS worker_pings (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			worker TEXT NOT NULL,
			pid INTEGER NOT NULL,
			timestamp REAL NOT NULL,
			timedelta REAL,
			tasks_done INTEGER,
			percent_idle REAL,
			task_duration REAL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_worker_pings_worker ON worker_pings(worker);
		CREATE INDEX IF NOT EXISTS idx_worker_pings_created_at ON worker_pings(created_at);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize journal database: %w", err)
	}
	return nil
}

// StoreEvents appends a batch of worker events.
func (j *Journal) StoreEvents(ctx context.Context, events []model.Event) error {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin journal transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO worker_events (origin, type, body, timestamp, repeats)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare event insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range events {
		if _, err := stmt.ExecContext(ctx, e.Origin, string(e.Type), e.Body, e.Timestamp, e.Repeats); err != nil {
			return fmt.Errorf("failed to store event: %w", err)
		}
	}
	return tx.Commit()
}

// StorePing appends a ping summary.
func (j *Journal) StorePing(ctx context.Context, ping *model.Ping) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO worker_pings (worker, pid, timestamp, timedelta, tasks_done, percent_idle, task_duration)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, ping.Worker, ping.PID, ping.Timestamp, ping.Timedelta, ping.TasksDone, ping.PercentIdle, ping.TaskDuration)
	if err != nil {
		return fmt.Errorf("failed to store ping: %w", err)
	}
	return nil
}

// RecentEvents returns the newest events for one worker, newest first.
func (j *Journal) RecentEvents(ctx context.Context, origin string, limit int) ([]JournalRecord, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, origin, type, body, timestamp, repeats
		FROM worker_events
		WHERE origin = ?
		ORDER BY id DESC
		LIMIT ?
	`, origin, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var records []JournalRecord
	for rows.Next() {
		var r JournalRecord
		var typ string
		if err := rows.Scan(&r.ID, &r.Origin, &typ, &r.Body, &r.Timestamp, &r.Repeats); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		r.Type = model.EventType(typ)
		records = append(records, r)
	}
	return records, rows.Err()
}

// DeleteBefore prunes journal rows older than the cutoff.
func (j *Journal) DeleteBefore(ctx context.Context, before time.Time) error {
	cutoff := before.UTC().Format("2006-01-02 15:04:05")
	if _, err := j.db.ExecContext(ctx, `DELETE FROM worker_events WHERE created_at < ?`, cutoff); err != nil {
		return fmt.Errorf("failed to prune events: %w", err)
	}
	if _, err := j.db.ExecContext(ctx, `DELETE FROM worker_pings WHERE created_at < ?`, cutoff); err != nil {
		return fmt.Errorf("failed to prune pings: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}
