package detect

import (
	"fmt"
	"log"
	"sync/atomic"

	"github.com/decoyhq/mirage/internal/config"
	"github.com/decoyhq/mirage/internal/history"
	"github.com/decoyhq/mirage/internal/request"
)

// Pattern names for signals that are not content patterns. Content
// evidence is keyed by the rule book's pattern names.
const (
	PatternConsistentTiming    = "consistent_timing"
	PatternBurstActivity       = "burst_activity"
	PatternEnumeration         = "systematic_enumeration"
	PatternTokenSweep          = "token_sweep"
	PatternFingerprintRotation = "fingerprint_rotation"
	PatternModelInversion      = "model_inversion"
	PatternMembershipInference = "membership_inference"
	PatternModelExtraction     = "model_extraction"
)

// Threat buckets argued for by non-content evidence.
const (
	GroupCredentialStuffing = "credential_stuffing"
	GroupMLAttack           = "ml_attack"
)

// BudgetExceededError reports that a content pattern could not be cleared
// within the scan budget. It never escapes the detector; the pattern is
// charged at the minimum score and the evidence is flagged instead.
type BudgetExceededError struct {
	Pattern string
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("detection budget exceeded for pattern %q", e.Pattern)
}

// Detector runs the four check families and sums their contributions.
type Detector struct {
	logger *log.Logger

	runs        atomic.Int64
	budgetTrips atomic.Int64
}

func NewDetector() *Detector {
	return &Detector{
		logger: log.New(log.Writer(), "[DETECT] ", log.LstdFlags),
	}
}

// Detect scores the request against the rule book using the history
// snapshot captured by the caller. Pure: same book, request, and snapshot
// always produce the same result.
func (d *Detector) Detect(book *config.RuleBook, req *request.Request, snap history.Snapshot) Result {
	d.runs.Add(1)
	res := Result{Evidence: make(map[string]Evidence)}
	rules := &book.Detection

	d.detectTiming(rules, snap, &res)
	d.detectBehavioral(rules, snap, &res)
	d.detectContent(rules, req, &res)
	d.detectML(rules, snap, &res)

	res.Confidence = res.RiskScore / 100
	if res.Confidence > 1 {
		res.Confidence = 1
	}
	if res.Confidence < 0 {
		res.Confidence = 0
	}
	res.IsSuspicious = res.RiskScore >= rules.MinSuspiciousScore
	return res
}

func (d *Detector) detectTiming(rules *config.DetectionRules, snap history.Snapshot, res *Result) {
	profile := ComputeTiming(snap.Entries, 0)

	if profile.Intervals >= rules.Timing.MinSamples && profile.CV <= rules.Timing.ConsistentTiming.Threshold {
		res.add(PatternConsistentTiming, Evidence{
			Kind:  KindTiming,
			Score: rules.Timing.ConsistentTiming.RiskScore,
			Timing: &TimingEvidence{
				CV:            profile.CV,
				RatePerSecond: profile.RatePerSecond,
				Intervals:     profile.Intervals,
			},
		})
	}
	if profile.BucketCount >= rules.Timing.MinSamples && profile.RatePerSecond >= rules.Timing.BurstActivity.Threshold {
		res.add(PatternBurstActivity, Evidence{
			Kind:  KindTiming,
			Score: rules.Timing.BurstActivity.RiskScore,
			Timing: &TimingEvidence{
				CV:            profile.CV,
				RatePerSecond: profile.RatePerSecond,
				Intervals:     profile.Intervals,
			},
		})
	}
}

func (d *Detector) detectBehavioral(rules *config.DetectionRules, snap history.Snapshot, res *Result) {
	run, key := LongestEnumerationRun(snap.Entries)
	if run >= rules.Behavioral.SystematicEnumeration.MinRun {
		res.add(PatternEnumeration, Evidence{
			Kind:     KindBehavioral,
			Score:    rules.Behavioral.SystematicEnumeration.RiskScore,
			Sequence: &SequenceEvidence{Key: key, RunLength: run},
		})
	}

	sweeps := ParamValueSweeps(snap.Entries)
	for _, name := range rules.Behavioral.TokenSweep.CredentialParams {
		if distinct := sweeps[name]; distinct >= rules.Behavioral.TokenSweep.MinValues {
			res.add(PatternTokenSweep, Evidence{
				Kind:     KindBehavioral,
				Group:    GroupCredentialStuffing,
				Score:    rules.Behavioral.TokenSweep.RiskScore,
				Sequence: &SequenceEvidence{Key: name, DistinctValues: distinct},
			})
			break
		}
	}

	if snap.DistinctAgents >= rules.Behavioral.FingerprintRotation.MinAgents {
		res.add(PatternFingerprintRotation, Evidence{
			Kind:     KindBehavioral,
			Score:    rules.Behavioral.FingerprintRotation.RiskScore,
			Sequence: &SequenceEvidence{DistinctAgents: snap.DistinctAgents},
		})
	}
}

func (d *Detector) detectContent(rules *config.DetectionRules, req *request.Request, res *Result) {
	for _, hit := range ScanContent(rules, req.ContentSurface()) {
		ev := Evidence{
			Kind:  KindContent,
			Group: hit.Group,
			Score: hit.Score,
			Match: &MatchEvidence{Pattern: hit.Pattern, Excerpt: hit.Excerpt},
		}
		if hit.BudgetExceeded {
			d.budgetTrips.Add(1)
			ev.BudgetExceeded = true
			d.logger.Printf("scan budget exhausted for %s, charging minimum score", hit.Pattern)
		}
		res.add(hit.Pattern, ev)
	}
}

func (d *Detector) detectML(rules *config.DetectionRules, snap history.Snapshot, res *Result) {
	n := len(snap.Entries)
	uniqueRatio, duplicateRatio := HashRatios(snap.Entries)
	run, _ := LongestEnumerationRun(snap.Entries)
	sweeps := ParamValueSweeps(snap.Entries)

	// Scattered distinct probes under machine-regular timing look like
	// boundary probing. A monotonic walk is plain enumeration and a
	// credential sweep is stuffing; both explain the distinctness and are
	// already charged as behavioral. The timing requirement keeps a human
	// browsing many distinct pages out of this bucket.
	profile := ComputeTiming(snap.Entries, 0)
	machineRegular := profile.Intervals >= rules.Timing.MinSamples &&
		profile.CV <= rules.Timing.ConsistentTiming.Threshold
	_, sweepFired := res.Evidence[PatternTokenSweep]
	inv := rules.ML.ModelInversion
	if n >= inv.MinSamples && uniqueRatio >= inv.UniqueRatio && machineRegular &&
		run < rules.Behavioral.SystematicEnumeration.MinRun && !sweepFired {
		res.add(PatternModelInversion, Evidence{
			Kind:     KindML,
			Group:    GroupMLAttack,
			Score:    inv.RiskScore,
			Sequence: &SequenceEvidence{Requests: n, UniqueRatio: uniqueRatio},
		})
	}

	mem := rules.ML.MembershipInference
	if n >= mem.MinSamples && duplicateRatio >= mem.DuplicateRatio {
		res.add(PatternMembershipInference, Evidence{
			Kind:     KindML,
			Group:    GroupMLAttack,
			Score:    mem.RiskScore,
			Sequence: &SequenceEvidence{Requests: n, DuplicateRatio: duplicateRatio},
		})
	}

	ext := rules.ML.ModelExtraction
	if len(sweeps) >= ext.MinParams && n >= ext.MinRequests {
		res.add(PatternModelExtraction, Evidence{
			Kind:     KindML,
			Group:    GroupMLAttack,
			Score:    ext.RiskScore,
			Sequence: &SequenceEvidence{Requests: n, DistinctParams: len(sweeps)},
		})
	}
}

// Stats reports detector counters for the status endpoint.
func (d *Detector) Stats() map[string]interface{} {
	return map[string]interface{}{
		"runs":         d.runs.Load(),
		"budget_trips": d.budgetTrips.Load(),
	}
}

// ContentHit is one content pattern outcome from a scan.
type ContentHit struct {
	Pattern        string
	Group          string
	Score          float64
	Excerpt        string
	BudgetExceeded bool
}

// ScanContent runs every compiled content pattern over the surface under
// the scan budget. A pattern that cannot be cleared within the budget comes
// back as a hit at the minimum suspicious score with BudgetExceeded set.
func ScanContent(rules *config.DetectionRules, surface string) []ContentHit {
	var hits []ContentHit
	for i := range rules.ContentPatterns {
		p := &rules.ContentPatterns[i]
		matched, excerpt, err := scanPattern(p, surface, rules.MaxRegexSteps)
		if err != nil {
			hits = append(hits, ContentHit{
				Pattern:        p.Name,
				Group:          p.Group,
				Score:          rules.MinSuspiciousScore,
				BudgetExceeded: true,
			})
			continue
		}
		if matched {
			hits = append(hits, ContentHit{
				Pattern: p.Name,
				Group:   p.Group,
				Score:   p.RiskScore,
				Excerpt: excerpt,
			})
		}
	}
	return hits
}

// scanPattern matches one pattern against the surface under the
// scan budget. The budget is spent as input bytes: a surface longer than
// the budget is scanned only up to it, and a miss there cannot prove the
// pattern absent, so the caller treats it as a flagged minimum-score hit.
func scanPattern(p *config.ContentPattern, surface string, maxSteps int) (bool, string, error) {
	budgeted := surface
	truncated := false
	if maxSteps > 0 && len(budgeted) > maxSteps {
		budgeted = budgeted[:maxSteps]
		truncated = true
	}
	if loc := p.Matcher().FindStringIndex(budgeted); loc != nil {
		return true, excerptOf(budgeted, loc[0], loc[1]), nil
	}
	if truncated {
		return false, "", &BudgetExceededError{Pattern: p.Name}
	}
	return false, "", nil
}

// excerptOf returns the matched text capped to a length that keeps audit
// records readable.
func excerptOf(s string, start, end int) string {
	const maxExcerpt = 80
	if end-start > maxExcerpt {
		end = start + maxExcerpt
	}
	return s[start:end]
}
