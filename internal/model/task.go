package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// TaskType identifies the kind of work carried by a queue envelope.
type TaskType string

const (
	TaskCheckAndNotify TaskType = "check_and_notify"
	TaskTrialRun       TaskType = "trial_run"
	TaskCleanup        TaskType = "cleanup"
)

// BodyEncoding identifies how the inner body of an envelope is encoded.
type BodyEncoding string

const (
	BodyEncodingNested BodyEncoding = "nested"
	BodyEncodingBase64 BodyEncoding = "base64"
	BodyEncodingSnappy BodyEncoding = "snappy"
)

// EnvelopeProperties carries the transport metadata of a queue envelope.
type EnvelopeProperties struct {
	BodyEncoding BodyEncoding           `json:"body_encoding"`
	DeliveryInfo map[string]interface{} `json:"delivery_info,omitempty"`
}

// Envelope is the outer message popped from a work queue. Body stays raw
// until the encoding named in Properties has been applied.
type Envelope struct {
	Body       json.RawMessage    `json:"body"`
	Properties EnvelopeProperties `json:"properties"`
}

// TaskBody is the decoded inner body of a queue envelope.
type TaskBody struct {
	Task      TaskType               `json:"task"`
	Args      []json.RawMessage      `json:"args"`
	Kwargs    map[string]interface{} `json:"kwargs,omitempty"`
	Timelimit []int                  `json:"timelimit,omitempty"`
	Expires   string                 `json:"expires,omitempty"`
	ID        string                 `json:"id"`
	UTC       bool                   `json:"utc,omitempty"`
}

// HardLimit returns the hard time limit in seconds, or 0 if unset.
func (b *TaskBody) HardLimit() int {
	if len(b.Timelimit) > 0 {
		return b.Timelimit[0]
	}
	return 0
}

// SoftLimit returns the soft time limit in seconds, or 0 if unset.
func (b *TaskBody) SoftLimit() int {
	if len(b.Timelimit) > 1 {
		return b.Timelimit[1]
	}
	return 0
}

// ExpiresAt parses the expiry timestamp. A zero time is returned when no
// expiry is set.
func (b *TaskBody) ExpiresAt() (time.Time, error) {
	if b.Expires == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{
		"2006-01-02T15:04:05.999999-07:00",
		"2006-01-02T15:04:05.999999",
		time.RFC3339,
	} {
		if t, err := time.Parse(layout, b.Expires); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable expiry timestamp %q", b.Expires)
}

// DecodeCheckAndNotify unpacks a check_and_notify task: the check
// request followed by the alert definitions attached to the check.
func (b *TaskBody) DecodeCheckAndNotify() (*CheckRequest, []AlertDefinition, error) {
	if len(b.Args) < 1 {
		return nil, nil, fmt.Errorf("check_and_notify task %s has no arguments", b.ID)
	}
	var req CheckRequest
	if err := json.Unmarshal(b.Args[0], &req); err != nil {
		return nil, nil, fmt.Errorf("failed to decode check request: %w", err)
	}
	var alerts []AlertDefinition
	if len(b.Args) > 1 {
		if err := json.Unmarshal(b.Args[1], &alerts); err != nil {
			return nil, nil, fmt.Errorf("failed to decode alert definitions: %w", err)
		}
	}
	return &req, alerts, nil
}

// DecodeTrialRun unpacks a trial_run task. The trial id comes from the
// uuid kwarg, falling back to the task id.
func (b *TaskBody) DecodeTrialRun() (string, *CheckRequest, []AlertDefinition, error) {
	req, alerts, err := b.DecodeCheckAndNotify()
	if err != nil {
		return "", nil, nil, err
	}
	trialID := b.ID
	if id, ok := b.Kwargs["uuid"].(string); ok && id != "" {
		trialID = id
	}
	return trialID, req, alerts, nil
}

// DecodeCleanup unpacks a cleanup task: the full sets of (check, entity)
// and (alert, entity) pairs the controller still knows about.
func (b *TaskBody) DecodeCleanup() (map[int][]string, map[int][]string, error) {
	checks, err := decodeEntityMap(b.Kwargs["check_entities"])
	if err != nil {
		return nil, nil, fmt.Errorf("failed to decode check_entities: %w", err)
	}
	alerts, err := decodeEntityMap(b.Kwargs["alert_entities"])
	if err != nil {
		return nil, nil, fmt.Errorf("failed to decode alert_entities: %w", err)
	}
	return checks, alerts, nil
}

func decodeEntityMap(raw interface{}) (map[int][]string, error) {
	if raw == nil {
		return map[int][]string{}, nil
	}
	m, ok := raw.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("expected an id to entity-list mapping, got %T", raw)
	}
	out := make(map[int][]string, len(m))
	for key, value := range m {
		var id int
		if _, err := fmt.Sscanf(key, "%d", &id); err != nil {
			return nil, fmt.Errorf("non-numeric id %q", key)
		}
		list, ok := value.([]interface{})
		if !ok {
			return nil, fmt.Errorf("entities for id %s are not a list", key)
		}
		entities := make([]string, 0, len(list))
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("entity %v for id %s is not a string", item, key)
			}
			entities = append(entities, s)
		}
		out[id] = entities
	}
	return out, nil
}

// Entity is the target a check runs against: a string id plus an open
// mapping of descriptive fields (host, port, region, ...).
type Entity map[string]interface{}

// ID returns the entity id, or the empty string when missing.
func (e Entity) ID() string {
	if id, ok := e["id"].(string); ok {
		return id
	}
	return ""
}

// StringField returns the named field rendered as a string, or "".
func (e Entity) StringField(name string) string {
	switch v := e[name].(type) {
	case string:
		return v
	case float64:
		return fmt.Sprintf("%g", v)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}

// CheckRequest is one scheduled execution of a check against an entity.
type CheckRequest struct {
	CheckID      int     `json:"check_id"`
	Entity       Entity  `json:"entity"`
	Command      string  `json:"command"`
	Interval     int     `json:"interval"`
	ScheduleTime float64 `json:"schedule_time"`
	CheckName    string  `json:"check_name,omitempty"`
	CreatedBy    string  `json:"created_by,omitempty"`
}
