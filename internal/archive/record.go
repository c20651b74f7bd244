// Package archive tees committed verdicts to external stores. A Redis list
// holds the recent window for dashboards; Postgres keeps the durable copy.
// Writes are best-effort behind a circuit breaker per sink: an unreachable
// store is skipped, never allowed to stall or fail the pipeline, which keeps
// its own gap-free trail in process.
package archive

import (
	"time"

	"github.com/decoyhq/mirage/internal/events"
)

// Record is one archived verdict. Every record corresponds to a committed
// audit entry; fail-closed verdicts never reach the archive.
type Record struct {
	AuditID       uint64    `json:"audit_id"`
	Time          time.Time `json:"time"`
	Fingerprint   string    `json:"fingerprint"`
	Action        string    `json:"action"`
	Level         string    `json:"level"`
	Category      string    `json:"category,omitempty"`
	Endpoint      string    `json:"endpoint"`
	RiskScore     float64   `json:"risk_score"`
	Confidence    float64   `json:"confidence"`
	Scenario      string    `json:"scenario,omitempty"`
	TrackingToken string    `json:"tracking_token,omitempty"`
}

// fromEvent maps a verdict event to a Record. Events without an action are
// not archivable.
func fromEvent(ev *events.Event) (*Record, bool) {
	action, ok := ev.Data["action"].(string)
	if !ok || action == "" {
		return nil, false
	}
	rec := &Record{
		Time:        ev.Time,
		Fingerprint: ev.Subject,
		Action:      action,
	}
	if id, ok := ev.Data["audit_id"].(uint64); ok {
		rec.AuditID = id
	}
	if s, ok := ev.Data["level"].(string); ok {
		rec.Level = s
	}
	if s, ok := ev.Data["category"].(string); ok {
		rec.Category = s
	}
	if s, ok := ev.Data["endpoint"].(string); ok {
		rec.Endpoint = s
	}
	if f, ok := ev.Data["risk_score"].(float64); ok {
		rec.RiskScore = f
	}
	if f, ok := ev.Data["confidence"].(float64); ok {
		rec.Confidence = f
	}
	if s, ok := ev.Data["scenario"].(string); ok {
		rec.Scenario = s
	}
	if s, ok := ev.Data["tracking_token"].(string); ok {
		rec.TrackingToken = s
	}
	return rec, true
}
