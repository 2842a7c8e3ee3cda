package model

import "time"

// CheckResult is one executed check: the evaluated value plus timing and
// provenance. Exactly one is produced per executed task and appended to
// the bounded per-(check, entity) history.
type CheckResult struct {
	TS     float64     `json:"ts"`
	TD     float64     `json:"td"`
	Value  interface{} `json:"value"`
	Worker string      `json:"worker"`
	Exc    bool        `json:"exc"`
}

// Time returns the result timestamp as a time.Time.
func (r *CheckResult) Time() time.Time {
	sec := int64(r.TS)
	nsec := int64((r.TS - float64(sec)) * 1e9)
	return time.Unix(sec, nsec)
}

// ScheduleTimeKey is the sentinel key a check value may carry to request
// that time-series datapoints be aligned to the schedule time instead of
// the evaluation timestamp.
const ScheduleTimeKey = "use_scheduled_time"
