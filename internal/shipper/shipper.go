// Package shipper forwards evaluation reports to the central data
// service. Delivery is best-effort with bounded buffering; a slow or
// dead endpoint never blocks the workers.
package shipper

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/zmon/zmon-worker/internal/model"
)

// Item is one per-(check, entity) evaluation report. Result carries the
// whole stored record, not just the check value, so the data service sees
// the same ts/td/value/worker/exc tuple the history list holds.
type Item struct {
	CheckID   int                        `json:"check_id"`
	EntityID  string                     `json:"entity_id"`
	Time      string                     `json:"time,omitempty"`
	RunTime   float64                    `json:"run_time"`
	Result    *model.CheckResult         `json:"check_result"`
	Exception bool                       `json:"exception"`
	Alerts    map[int]*model.AlertStatus `json:"alerts"`
	Entity    map[string]interface{}     `json:"entity,omitempty"`

	retries int
}

// TokenProvider supplies OAuth2 bearer tokens for the data service.
type TokenProvider interface {
	Token() (string, error)
}

// Options tune the shipper.
type Options struct {
	// BufferSize bounds the in-flight queue; overflow is dropped.
	BufferSize int
	// Interval is the flush cadence; each tick is jittered +/-50%.
	Interval time.Duration
	// MaxRetries bounds redelivery attempts per item.
	MaxRetries int
}

// DefaultOptions returns the standard shipper tuning.
func DefaultOptions() Options {
	return Options{
		BufferSize: 5000,
		Interval:   10 * time.Second,
		MaxRetries: 10,
	}
}

// Shipper batches reports and PUTs them to the data service, grouped by
// check so the endpoint sees one envelope per check per flush.
type Shipper struct {
	logger  *zap.Logger
	client  *resty.Client
	opts    Options
	baseURL string
	account string
	team    string
	region  string
	tokens  TokenProvider

	queue chan *Item

	mu      sync.Mutex
	dropped int64

	stop chan struct{}
	done chan struct{}
}

// New creates a shipper. tokens may be nil when the endpoint is
// unauthenticated.
func New(baseURL, account, team, region string, tokens TokenProvider, opts Options, logger *zap.Logger) *Shipper {
	return &Shipper{
		logger:  logger.Named("shipper"),
		client:  resty.New().SetTimeout(30 * time.Second),
		opts:    opts,
		baseURL: baseURL,
		account: account,
		team:    team,
		region:  region,
		tokens:  tokens,
		queue:   make(chan *Item, opts.BufferSize),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Enqueue adds a report without blocking. When the buffer is full the
// report is dropped and counted.
func (s *Shipper) Enqueue(item *Item) {
	select {
	case s.queue <- item:
	default:
		s.mu.Lock()
		s.dropped++
		dropped := s.dropped
		s.mu.Unlock()
		s.logger.Warn("Shipper buffer full, dropping report",
			zap.Int("check_id", item.CheckID),
			zap.String("entity", item.EntityID),
			zap.Int64("dropped_total", dropped))
	}
}

// Dropped returns how many reports were discarded due to backpressure.
func (s *Shipper) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Start launches the flush loop.
func (s *Shipper) Start(ctx context.Context) {
	go s.run(ctx)
}

// Stop flushes once more and terminates the loop.
func (s *Shipper) Stop() {
	close(s.stop)
	<-s.done
}

func (s *Shipper) run(ctx context.Context) {
	defer close(s.done)
	timer := time.NewTimer(s.jitter())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			s.flush(context.Background())
			return
		case <-timer.C:
			s.flush(ctx)
			timer.Reset(s.jitter())
		}
	}
}

// jitter spreads flushes across workers so the data service is not hit
// in lockstep.
func (s *Shipper) jitter() time.Duration {
	half := s.opts.Interval / 2
	return half + time.Duration(rand.Int63n(int64(s.opts.Interval)))
}

// flush drains the queue and delivers everything currently buffered,
// grouped by check. Failed groups are requeued up to MaxRetries per item.
func (s *Shipper) flush(ctx context.Context) {
	byCheck := make(map[int][]*Item)
	for {
		select {
		case item := <-s.queue:
			byCheck[item.CheckID] = append(byCheck[item.CheckID], item)
		default:
			goto drain
		}
	}
drain:
	for checkID, items := range byCheck {
		if err := s.ship(ctx, checkID, items); err != nil {
			s.logger.Warn("Failed to ship results",
				zap.Int("check_id", checkID),
				zap.Int("count", len(items)),
				zap.Error(err))
			s.requeue(items)
		}
	}
}

func (s *Shipper) requeue(items []*Item) {
	for _, item := range items {
		item.retries++
		if item.retries > s.opts.MaxRetries {
			s.logger.Warn("Dropping report after repeated delivery failures",
				zap.Int("check_id", item.CheckID),
				zap.String("entity", item.EntityID),
				zap.Int("attempts", item.retries))
			continue
		}
		s.Enqueue(item)
	}
}

// ship PUTs one envelope for a check. Items that fail to serialise are
// logged and skipped without poisoning the rest of the batch.
func (s *Shipper) ship(ctx context.Context, checkID int, items []*Item) error {
	results := make([]json.RawMessage, 0, len(items))
	for _, item := range items {
		raw, err := json.Marshal(item)
		if err != nil {
			s.logger.Warn("Unserialisable report, skipping",
				zap.Int("check_id", item.CheckID),
				zap.String("entity", item.EntityID),
				zap.Error(err))
			continue
		}
		results = append(results, raw)
	}
	if len(results) == 0 {
		return nil
	}

	req := s.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]interface{}{
			"team":    s.team,
			"account": s.account,
			"region":  s.region,
			"results": results,
		})
	if s.tokens != nil {
		token, err := s.tokens.Token()
		if err != nil {
			return fmt.Errorf("failed to obtain token: %w", err)
		}
		req.SetAuthToken(token)
	}

	url := fmt.Sprintf("%s/api/v2/data/%s/%d/%s", s.baseURL, s.account, checkID, s.region)
	resp, err := req.Put(url)
	if err != nil {
		return fmt.Errorf("failed to put results: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("data service returned %d", resp.StatusCode())
	}
	return nil
}
