package pipeline

import (
	"fmt"

	"github.com/decoyhq/mirage/internal/deception"
	"github.com/decoyhq/mirage/internal/risk"
)

// InvariantError reports a verdict that failed one of the pipeline's
// self-checks before emission. It never reaches callers; the pipeline logs
// it and fails closed.
type InvariantError struct {
	Invariant string
	Detail    string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("internal invariant violated (%s): %s", e.Invariant, e.Detail)
}

// Verdict is the pipeline's answer for one request. Countermeasure verdicts
// always carry a tracking token and a payload; fail-closed verdicts are
// blocks with AuditID zero, meaning nothing was recorded.
type Verdict struct {
	Action       risk.Outcome    `json:"action"`
	AuditID      uint64          `json:"audit_id"`
	Fingerprint  string          `json:"fingerprint"`
	Assessment   risk.Assessment `json:"risk_assessment"`
	StageReached int             `json:"stage_reached"`
	Reasons      []string        `json:"reasons,omitempty"`

	TrackingToken string             `json:"tracking_token,omitempty"`
	Scenario      string             `json:"scenario,omitempty"`
	Payload       *deception.Payload `json:"payload,omitempty"`

	FailClosed bool `json:"fail_closed,omitempty"`
}
