package mirage

import "github.com/decoyhq/mirage/internal/pipeline"

// Verdict actions.
const (
	ActionAllow           = "allow"
	ActionBlock           = "block"
	ActionCountermeasures = "countermeasures"
)

// Ladder actions a verdict's Actions set may carry. The middleware enforces
// the two rate classes itself; the rest are signals for the embedder.
const (
	ActionLog                 = "log"
	ActionTrack               = "track"
	ActionRateLimit           = "rate_limit"
	ActionServeFake           = "serve_fake"
	ActionDeployCounter       = "deploy_counter"
	ActionAggressiveRateLimit = "aggressive_rate_limit"
	ActionSetTraps            = "set_traps"
	ActionReverseTracking     = "reverse_tracking"
)

// Request is the embedder-facing view of one inbound call. A zero Timestamp
// means "now"; everything else is optional apart from the source address
// and user agent that key the client fingerprint.
type Request struct {
	Timestamp     float64           `json:"timestamp"`
	SourceAddress string            `json:"source_address"`
	UserAgent     string            `json:"user_agent"`
	Endpoint      string            `json:"endpoint"`
	Query         string            `json:"query,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	Body          string            `json:"body,omitempty"`
	SessionID     string            `json:"session_id,omitempty"`
}

// Payload is rendered deceptive content, ready to serve with its own
// content type.
type Payload struct {
	Kind        string `json:"kind"`
	ContentType string `json:"content_type"`
	Body        []byte `json:"body"`
}

// Verdict is the pipeline's decision on one request.
type Verdict struct {
	Action         string   `json:"action"`
	AuditID        uint64   `json:"audit_id"`
	Fingerprint    string   `json:"fingerprint"`
	RiskScore      float64  `json:"risk_score"`
	RiskLevel      string   `json:"risk_level,omitempty"`
	ThreatCategory string   `json:"threat_category,omitempty"`
	Confidence     float64  `json:"confidence"`
	Actions        []string `json:"actions,omitempty"`
	Reasons        []string `json:"reasons,omitempty"`
	TrackingToken  string   `json:"tracking_token,omitempty"`
	Scenario       string   `json:"scenario,omitempty"`
	Payload        *Payload `json:"payload,omitempty"`
	FailClosed     bool     `json:"fail_closed,omitempty"`
}

// Demands reports whether the verdict's action set carries the named
// ladder action.
func (v *Verdict) Demands(action string) bool {
	for _, a := range v.Actions {
		if a == action {
			return true
		}
	}
	return false
}

func fromPipeline(v *pipeline.Verdict) *Verdict {
	out := &Verdict{
		Action:         string(v.Action),
		AuditID:        v.AuditID,
		Fingerprint:    v.Fingerprint,
		RiskScore:      v.Assessment.RiskScore,
		RiskLevel:      string(v.Assessment.Level),
		ThreatCategory: v.Assessment.ThreatCategory,
		Confidence:     v.Assessment.Confidence,
		Actions:        v.Assessment.Actions,
		Reasons:        v.Reasons,
		TrackingToken:  v.TrackingToken,
		Scenario:       v.Scenario,
		FailClosed:     v.FailClosed,
	}
	if v.Payload != nil {
		if body, err := v.Payload.Render(); err == nil {
			out.Payload = &Payload{
				Kind:        v.Payload.Kind,
				ContentType: v.Payload.ContentType,
				Body:        body,
			}
		}
	}
	return out
}
