// Package queue consumes task envelopes from the Redis-backed work queues.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/zmon/zmon-worker/internal/model"
)

const queueKeyPrefix = "zmon:queue:"

// ErrIdle is returned by Dequeue when the poll timed out with no task.
var ErrIdle = errors.New("queue idle")

// Options tunes the reconnect and server-rotation behaviour.
type Options struct {
	// WaitInitial is the first reconnect delay after a connection error.
	WaitInitial time.Duration
	// WaitCap bounds a single reconnect delay.
	WaitCap time.Duration
	// WaitPerServer bounds the accumulated reconnect delay for one server
	// before rotating to the next.
	WaitPerServer time.Duration
	// WaitNoTasks rotates to the next server after this long without any
	// task being returned.
	WaitNoTasks time.Duration
}

// DefaultOptions returns the default reconnect behaviour.
func DefaultOptions() Options {
	return Options{
		WaitInitial:   100 * time.Millisecond,
		WaitCap:       15 * time.Second,
		WaitPerServer: 60 * time.Second,
		WaitNoTasks:   10 * time.Minute,
	}
}

// Client pops task envelopes from one of several configured Redis servers.
// It is owned by exactly one worker child and is not safe for concurrent
// use.
type Client struct {
	logger  *zap.Logger
	servers []serverAddr
	opts    Options

	current  int
	conn     *redis.Client
	wait     time.Duration
	waited   time.Duration
	lastTask time.Time
	sleepFn  func(time.Duration)
}

type serverAddr struct {
	addr string
	db   int
}

// parseServer parses a "host:port/db" endpoint. The /db suffix is optional.
func parseServer(s string) (serverAddr, error) {
	addr := s
	db := 0
	if idx := strings.LastIndex(s, "/"); idx > 0 {
		addr = s[:idx]
		parsed, err := strconv.Atoi(s[idx+1:])
		if err != nil {
			return serverAddr{}, fmt.Errorf("invalid redis db in %q: %w", s, err)
		}
		db = parsed
	}
	return serverAddr{addr: addr, db: db}, nil
}

// NewClient creates a queue client for the given "host:port/db" endpoints.
func NewClient(servers []string, opts Options, logger *zap.Logger) (*Client, error) {
	if len(servers) == 0 {
		return nil, errors.New("no queue servers configured")
	}
	parsed := make([]serverAddr, 0, len(servers))
	for _, s := range servers {
		sa, err := parseServer(s)
		if err != nil {
			return nil, err
		}
		parsed = append(parsed, sa)
	}
	return &Client{
		logger:   logger.Named("queue"),
		servers:  parsed,
		opts:     opts,
		wait:     opts.WaitInitial,
		lastTask: time.Now(),
		sleepFn:  time.Sleep,
	}, nil
}

// connect returns the current connection, establishing it if needed.
func (c *Client) connect() *redis.Client {
	if c.conn == nil {
		server := c.servers[c.current]
		c.conn = redis.NewClient(&redis.Options{
			Addr: server.addr,
			DB:   server.db,
		})
		c.logger.Info("Connected to queue server",
			zap.String("addr", server.addr),
			zap.Int("db", server.db))
	}
	return c.conn
}

// markDirty drops the current connection so the next use re-establishes it.
func (c *Client) markDirty() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// rotate advances to the next configured server and resets backoff state.
func (c *Client) rotate(reason string) {
	c.markDirty()
	c.current = (c.current + 1) % len(c.servers)
	c.wait = c.opts.WaitInitial
	c.waited = 0
	c.lastTask = time.Now()
	c.logger.Warn("Rotating queue server",
		zap.String("reason", reason),
		zap.String("addr", c.servers[c.current].addr))
}

// Dequeue blocks up to timeout for the next task on any of the given
// queues. It returns ErrIdle when the poll timed out empty. Connection
// errors are retried with exponential backoff and server rotation; the
// error is returned to the caller once the backoff has been applied.
func (c *Client) Dequeue(ctx context.Context, queues []string, timeout time.Duration) (*TaskMessage, error) {
	keys := make([]string, len(queues))
	for i, q := range queues {
		keys[i] = queueKeyPrefix + q
	}

	result, err := c.connect().BLPop(ctx, timeout, keys...).Result()
	if err == redis.Nil {
		if time.Since(c.lastTask) > c.opts.WaitNoTasks {
			c.rotate("no tasks")
		}
		return nil, ErrIdle
	}
	if err != nil {
		c.backoff(err)
		return nil, fmt.Errorf("queue pop failed: %w", err)
	}

	// BLPop returns [key, value].
	if len(result) != 2 {
		return nil, fmt.Errorf("unexpected BLPOP reply of length %d", len(result))
	}

	c.wait = c.opts.WaitInitial
	c.waited = 0
	c.lastTask = time.Now()

	body, err := DecodeEnvelope([]byte(result[1]))
	if err != nil {
		return nil, err
	}
	return &TaskMessage{
		Queue: strings.TrimPrefix(result[0], queueKeyPrefix),
		Body:  body,
	}, nil
}

// backoff sleeps out the current reconnect delay, doubles it up to the cap
// and rotates servers when the per-server budget is exhausted.
func (c *Client) backoff(err error) {
	c.markDirty()
	c.logger.Error("Queue connection error",
		zap.String("addr", c.servers[c.current].addr),
		zap.Duration("wait", c.wait),
		zap.Error(err))

	c.sleepFn(c.wait)
	c.waited += c.wait
	c.wait *= 2
	if c.wait > c.opts.WaitCap {
		c.wait = c.opts.WaitCap
	}
	if c.waited > c.opts.WaitPerServer {
		c.rotate("per-server wait budget exceeded")
	}
}

// Close releases the current connection.
func (c *Client) Close() {
	c.markDirty()
}

// TaskMessage is one decoded task popped from a queue.
type TaskMessage struct {
	Queue string
	Body  *model.TaskBody
}
