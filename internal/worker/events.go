// Package worker is the child-process runtime: the task loop, the
// watchdog enforcing task time limits and the event reporting back to
// the supervisor.
package worker

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zmon/zmon-worker/internal/model"
)

// eventKey identifies equal events for deduplication.
type eventKey struct {
	origin string
	typ    model.EventType
	body   string
}

// EventCollector batches worker events and deduplicates repeats within a
// batch window by bumping the Repeats counter.
type EventCollector struct {
	logger *zap.Logger
	origin string
	nowFn  func() time.Time

	mu     sync.Mutex
	order  []eventKey
	events map[eventKey]*model.Event
}

// NewEventCollector creates a collector reporting under the given origin.
func NewEventCollector(origin string, logger *zap.Logger) *EventCollector {
	return &EventCollector{
		logger: logger.Named("events"),
		origin: origin,
		nowFn:  time.Now,
		events: make(map[eventKey]*model.Event),
	}
}

// Emit records an event. The body map is rendered to a stable string so
// identical occurrences collapse into one entry.
func (c *EventCollector) Emit(eventType model.EventType, body map[string]interface{}) {
	raw, err := json.Marshal(body)
	if err != nil {
		c.logger.Warn("Unserialisable event body, dropping", zap.Error(err))
		return
	}
	c.EmitRaw(eventType, string(raw))
}

// EmitRaw records an event with a preformatted body.
func (c *EventCollector) EmitRaw(eventType model.EventType, body string) {
	key := eventKey{origin: c.origin, typ: eventType, body: body}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.events[key]; ok {
		existing.Repeats++
		return
	}
	c.events[key] = &model.Event{
		Origin:    c.origin,
		Type:      eventType,
		Body:      body,
		Timestamp: c.nowFn().UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		Repeats:   1,
	}
	c.order = append(c.order, key)
}

// Drain returns the accumulated batch in emission order and resets the
// collector.
func (c *EventCollector) Drain() []model.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.order) == 0 {
		return nil
	}
	batch := make([]model.Event, 0, len(c.order))
	for _, key := range c.order {
		batch = append(batch, *c.events[key])
	}
	c.order = nil
	c.events = make(map[eventKey]*model.Event)
	return batch
}
