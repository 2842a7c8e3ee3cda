// Package notify evaluates notification expressions and delivers them
// over the registered transports.
package notify

import (
	"github.com/zmon/zmon-worker/internal/model"
)

// Request carries everything a transport needs to render and deliver one
// notification for an (alert, entity) pair.
type Request struct {
	Alert      *model.AlertDefinition
	Entity     model.Entity
	Result     *model.CheckResult
	Captures   map[string]interface{}
	IsAlert    bool
	Changed    bool
	Duration   float64
	WorkerName string
	// Link points at the alert-detail page on the configured frontend,
	// empty when no frontend host is configured.
	Link string
}
