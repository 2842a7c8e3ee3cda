package model

// Ping is a periodic liveness summary sent by each worker child to the
// supervisor, roughly every 30 seconds. TasksDone, PercentIdle and
// TaskDuration cover the window since the previous ping.
type Ping struct {
	Worker       string  `json:"worker"`
	PID          int     `json:"pid"`
	Timestamp    float64 `json:"timestamp"`
	Timedelta    float64 `json:"timedelta"`
	TasksDone    int     `json:"tasks_done"`
	PercentIdle  float64 `json:"percent_idle"`
	TaskDuration float64 `json:"task_duration"`
}

// EventType classifies a worker event.
type EventType string

const (
	EventAction    EventType = "ACTION"
	EventError     EventType = "ERROR"
	EventException EventType = "EXCEPTION"
)

// Event is an out-of-band occurrence reported by a worker child. Events
// with the same (origin, type, body) are deduplicated before delivery and
// the Repeats counter incremented instead.
type Event struct {
	Origin    string    `json:"origin"`
	Type      EventType `json:"type"`
	Body      string    `json:"body"`
	Timestamp string    `json:"timestamp"`
	Repeats   int       `json:"repeats"`
}
