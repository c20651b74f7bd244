// Package detect runs the timing, behavioral, content, and ML-attack
// checks over a request and its history snapshot. Everything here is pure:
// given the same rule book, request, and snapshot, Detect returns the same
// result, byte for byte. No wall clock, no randomness.
package detect

// Kind labels which family of check produced a piece of evidence.
type Kind string

const (
	KindTiming     Kind = "timing"
	KindBehavioral Kind = "behavioral"
	KindContent    Kind = "content"
	KindML         Kind = "ml"
)

// Evidence records the numbers behind one detected pattern. Exactly one of
// the detail records is set, matching Kind.
type Evidence struct {
	Kind  Kind    `json:"kind"`
	Score float64 `json:"score"`

	// Group is the threat bucket this evidence argues for. Empty for
	// signals that say "automated" without saying what kind of attack.
	Group string `json:"group,omitempty"`

	// BudgetExceeded marks content evidence that was charged at the
	// minimum score because the scan budget ran out before the pattern
	// could be cleared.
	BudgetExceeded bool `json:"budget_exceeded,omitempty"`

	Timing   *TimingEvidence   `json:"timing,omitempty"`
	Sequence *SequenceEvidence `json:"sequence,omitempty"`
	Match    *MatchEvidence    `json:"match,omitempty"`
}

// TimingEvidence carries the interval statistics behind a timing signal.
type TimingEvidence struct {
	CV            float64 `json:"cv"`
	RatePerSecond float64 `json:"rate_per_second"`
	Intervals     int     `json:"intervals"`
}

// SequenceEvidence carries the counts behind behavioral and ML signals.
type SequenceEvidence struct {
	Key            string  `json:"key,omitempty"`
	RunLength      int     `json:"run_length,omitempty"`
	DistinctValues int     `json:"distinct_values,omitempty"`
	DistinctAgents int     `json:"distinct_agents,omitempty"`
	DistinctParams int     `json:"distinct_params,omitempty"`
	Requests       int     `json:"requests,omitempty"`
	UniqueRatio    float64 `json:"unique_ratio,omitempty"`
	DuplicateRatio float64 `json:"duplicate_ratio,omitempty"`
}

// MatchEvidence carries the pattern name and a bounded excerpt of what it
// matched, for the audit trail.
type MatchEvidence struct {
	Pattern string `json:"pattern"`
	Excerpt string `json:"excerpt,omitempty"`
}

// Result is the detector's verdict substrate: a score, the patterns that
// contributed, and the evidence behind each one.
type Result struct {
	IsSuspicious bool
	Confidence   float64
	RiskScore    float64

	// Patterns lists detected pattern names in check order: timing,
	// behavioral, content in rule-book order, then ML. The order is
	// deterministic and ties in later scoring break toward the earlier
	// pattern.
	Patterns []string

	// Evidence is keyed by pattern name.
	Evidence map[string]Evidence
}

func (r *Result) add(name string, ev Evidence) {
	r.Patterns = append(r.Patterns, name)
	r.Evidence[name] = ev
	r.RiskScore += ev.Score
}

// HasKind reports whether any detected pattern came from the given family.
func (r *Result) HasKind(k Kind) bool {
	for _, name := range r.Patterns {
		if r.Evidence[name].Kind == k {
			return true
		}
	}
	return false
}

// TopGroup returns the highest-scoring threat bucket among the detected
// patterns, walking in detection order so ties resolve deterministically.
// ok is false when no evidence named a bucket.
func (r *Result) TopGroup() (group string, score float64, ok bool) {
	for _, name := range r.Patterns {
		ev := r.Evidence[name]
		if ev.Group == "" {
			continue
		}
		if !ok || ev.Score > score {
			group, score, ok = ev.Group, ev.Score, true
		}
	}
	return group, score, ok
}
