package model

// AlertParameter is a typed parameter injected into an alert condition.
type AlertParameter struct {
	Value interface{} `json:"value"`
	Type  string      `json:"type,omitempty"`
}

// AlertDefinition is one alert attached to a check. It is passed alongside
// each CheckRequest and treated as immutable for the evaluation.
type AlertDefinition struct {
	ID              int                       `json:"id"`
	CheckID         int                       `json:"check_id"`
	Name            string                    `json:"name"`
	Condition       string                    `json:"condition"`
	Period          string                    `json:"period,omitempty"`
	Priority        int                       `json:"priority,omitempty"`
	Parameters      map[string]AlertParameter `json:"parameters,omitempty"`
	Notifications   []string                  `json:"notifications,omitempty"`
	Team            string                    `json:"team,omitempty"`
	ResponsibleTeam string                    `json:"responsible_team,omitempty"`
	Tags            []string                  `json:"tags,omitempty"`
}

// AlertState is the persisted record for an (alert, entity) pair that is
// currently active. It is created on the first active evaluation, updated
// on every subsequent one and deleted when the alert goes inactive.
type AlertState struct {
	Active    bool                   `json:"active"`
	StartTime float64                `json:"start_time"`
	Captures  map[string]interface{} `json:"captures,omitempty"`
	Downtimes []Downtime             `json:"downtimes,omitempty"`
	Result    *CheckResult           `json:"result,omitempty"`
	Worker    string                 `json:"worker,omitempty"`
}

// Downtime is a user-declared interval suppressing notifications for an
// (alert, entity) pair. Entries are provisioned externally in the KV store.
type Downtime struct {
	ID        string  `json:"id"`
	AlertID   int     `json:"alert_id,omitempty"`
	Entity    string  `json:"entity,omitempty"`
	StartTime float64 `json:"start_time"`
	EndTime   float64 `json:"end_time"`
	CreatedBy string  `json:"created_by,omitempty"`
	Comment   string  `json:"comment,omitempty"`
}

// AlertStatus is the per-alert slice of a shipped report: the outcome of
// one alert evaluation combined with the resulting state transition.
type AlertStatus struct {
	Active            bool                   `json:"active"`
	Changed           bool                   `json:"changed"`
	InPeriod          bool                   `json:"in_period"`
	AlertEvaluationTS float64                `json:"alert_evaluation_ts"`
	Captures          map[string]interface{} `json:"captures"`
	Downtimes         []Downtime             `json:"downtimes"`
	StartTime         *string                `json:"start_time"`
	Exception         bool                   `json:"exception"`
}
