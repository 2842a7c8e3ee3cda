// Package rpc is the message bus between the supervisor and its worker
// children. The supervisor runs an embedded NATS server; children
// connect to it over loopback and publish pings, event batches and
// termination requests.
package rpc

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/zmon/zmon-worker/internal/model"
)

// Bus subjects.
const (
	SubjectPing      = "zmon.worker.ping"
	SubjectEvents    = "zmon.worker.events"
	SubjectTerminate = "zmon.worker.terminate"
)

// EventBatch is one delivery of deduplicated worker events.
type EventBatch struct {
	Origin string        `json:"origin"`
	Events []model.Event `json:"events"`
}

// TerminationRequest asks the supervisor to kill a child that overran a
// hard limit. Children request their own death instead of exiting so
// the supervisor's process table stays authoritative.
type TerminationRequest struct {
	Worker string `json:"worker"`
	PID    int    `json:"pid"`
	Reason string `json:"reason"`
}

// Client is the child-side bus handle.
type Client struct {
	logger *zap.Logger
	conn   *nats.Conn
}

// Connect dials the supervisor's embedded server.
func Connect(url string, logger *zap.Logger) (*Client, error) {
	conn, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to supervisor bus: %w", err)
	}
	return &Client{
		logger: logger.Named("rpc"),
		conn:   conn,
	}, nil
}

// Close terminates the connection, flushing pending publishes.
func (c *Client) Close() {
	if c.conn != nil {
		c.conn.Flush()
		c.conn.Close()
	}
}

// SendPing publishes a liveness summary.
func (c *Client) SendPing(ping *model.Ping) error {
	return c.publish(SubjectPing, ping)
}

// SendEvents publishes a batch of worker events.
func (c *Client) SendEvents(origin string, events []model.Event) error {
	if len(events) == 0 {
		return nil
	}
	return c.publish(SubjectEvents, &EventBatch{Origin: origin, Events: events})
}

// RequestTermination asks the supervisor to SIGKILL this child.
func (c *Client) RequestTermination(worker string, pid int, reason string) error {
	return c.publish(SubjectTerminate, &TerminationRequest{
		Worker: worker,
		PID:    pid,
		Reason: reason,
	})
}

func (c *Client) publish(subject string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", subject, err)
	}
	if err := c.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}
