// Package risk maps detection results onto the response-policy ladder: a
// level, a threat category, an action set, and a weighted confidence, plus
// the decision rule that turns an assessment into a verdict outcome.
package risk

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/decoyhq/mirage/internal/config"
	"github.com/decoyhq/mirage/internal/detect"
)

// Level is a risk band on the threshold ladder.
type Level string

const (
	LevelLow      Level = "LOW"
	LevelMedium   Level = "MEDIUM"
	LevelHigh     Level = "HIGH"
	LevelCritical Level = "CRITICAL"
)

// Outcome is the verdict action the decision rule selects.
type Outcome string

const (
	OutcomeAllow           Outcome = "allow"
	OutcomeCountermeasures Outcome = "countermeasures"
	OutcomeBlock           Outcome = "block"
)

// CategorySuspiciousBehavior is the fallback threat category when only
// timing or behavioral evidence fired and nothing named an attack class.
const CategorySuspiciousBehavior = "suspicious_behavior"

// Assessment is the scorer's output: the decision substrate for a verdict.
type Assessment struct {
	Level          Level    `json:"level"`
	RiskScore      float64  `json:"risk_score"`
	ThreatCategory string   `json:"threat_category"`
	Actions        []string `json:"actions"`
	Confidence     float64  `json:"confidence"`
	Summary        string   `json:"summary"`
}

// Scorer folds detection results through the policy ladder. Stateless apart
// from counters; safe for concurrent use.
type Scorer struct {
	assessments atomic.Int64
}

func NewScorer() *Scorer {
	return &Scorer{}
}

// Assess maps the detection result to a level, category, action set, and
// evidence-weighted confidence.
func (s *Scorer) Assess(policies *config.ResponsePolicies, det *detect.Result) Assessment {
	s.assessments.Add(1)

	level := levelFor(policies.RiskThresholds, det.RiskScore)
	category, _, ok := det.TopGroup()
	if !ok {
		category = CategorySuspiciousBehavior
	}

	actions := actionsFor(policies, level)
	if det.RiskScore >= policies.RiskThresholds.Critical && !contains(actions, config.ActionReverseTracking) {
		actions = append(actions, config.ActionReverseTracking)
	}

	confidence := det.Confidence * evidenceWeight(det)

	return Assessment{
		Level:          level,
		RiskScore:      det.RiskScore,
		ThreatCategory: category,
		Actions:        actions,
		Confidence:     confidence,
		Summary: fmt.Sprintf("%s %s score=%.0f patterns=%s",
			level, category, det.RiskScore, strings.Join(det.Patterns, ",")),
	}
}

// Decide applies the decision rule. Block outranks countermeasures; anything
// that clears neither confidence bar is allowed.
func (s *Scorer) Decide(policies *config.ResponsePolicies, a Assessment) Outcome {
	switch {
	case a.Level == LevelCritical && a.Confidence >= policies.BlockConfidence:
		return OutcomeBlock
	case (a.Level == LevelHigh || a.Level == LevelCritical) && a.Confidence >= policies.CountermeasureConfidence:
		return OutcomeCountermeasures
	default:
		return OutcomeAllow
	}
}

// Stats reports scorer counters for the status endpoint.
func (s *Scorer) Stats() map[string]interface{} {
	return map[string]interface{}{
		"assessments": s.assessments.Load(),
	}
}

func levelFor(t config.RiskThresholds, score float64) Level {
	switch {
	case score < t.Low:
		return LevelLow
	case score < t.Medium:
		return LevelMedium
	case score < t.High:
		return LevelHigh
	default:
		return LevelCritical
	}
}

// evidenceWeight discounts confidence by the strongest evidence family.
// A confirmed content or ML match carries full weight; behavioral shape
// most of it; timing alone, or content charged only on a blown scan budget,
// carries half.
func evidenceWeight(det *detect.Result) float64 {
	confirmed := false
	behavioral := false
	for _, name := range det.Patterns {
		ev := det.Evidence[name]
		switch ev.Kind {
		case detect.KindContent:
			if !ev.BudgetExceeded {
				confirmed = true
			}
		case detect.KindML:
			confirmed = true
		case detect.KindBehavioral:
			behavioral = true
		}
	}
	switch {
	case confirmed:
		return 1.0
	case behavioral:
		return 0.7
	default:
		return 0.5
	}
}

// actionsFor copies the ladder's action set so callers can extend it
// without mutating the shared policy book.
func actionsFor(policies *config.ResponsePolicies, level Level) []string {
	src := policies.Actions[strings.ToLower(string(level))]
	out := make([]string, len(src))
	copy(out, src)
	return out
}

func contains(set []string, want string) bool {
	for _, s := range set {
		if s == want {
			return true
		}
	}
	return false
}
