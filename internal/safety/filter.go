// Package safety implements the three-stage gate in front of the detector.
// Its whole job is refusing to escalate: most traffic leaves at the quick
// stage or clears the deep scan, and only evidence-backed requests come out
// unsafe. The filter classifies; it never scores risk and never writes
// reputation.
package safety

import (
	"log"
	"net"
	"path"
	"sync/atomic"

	"github.com/decoyhq/mirage/internal/config"
	"github.com/decoyhq/mirage/internal/detect"
	"github.com/decoyhq/mirage/internal/history"
	"github.com/decoyhq/mirage/internal/reputation"
	"github.com/decoyhq/mirage/internal/request"
)

// Reason strings attached to filter results. Stable, they end up in audit
// records.
const (
	ReasonWhitelistedAgent    = "whitelisted_user_agent"
	ReasonWhitelistedNetwork  = "whitelisted_network"
	ReasonWhitelistedEndpoint = "whitelisted_endpoint"
	ReasonTrustedReputation   = "trusted_reputation"
	ReasonBurstRate           = "burst_rate"
	ReasonMachineTiming       = "machine_timing"
	ReasonEnumeration         = "enumeration_signature"
	ReasonNoHumanNoise        = "no_human_noise"
	ReasonStrongTiming        = "strong_timing_regularity"
	ReasonContentMatch        = "content_match"
	ReasonScanBudget          = "content_scan_budget"
	ReasonParamSweep          = "parameter_sweep"
	ReasonBoundaryProbing     = "boundary_probing"
	ReasonDeepScanClean       = "deep_scan_clean"
)

// suspicionStep is the confidence delta one behavioral criterion
// contributes once the stage progresses.
const suspicionStep = 0.15

// minCVIntervals is the fewest intervals a coefficient of variation is
// read from. Below it the statistic says nothing.
const minCVIntervals = 3

// Result is the filter's outcome for one request. The behavioral stage
// never decides on its own; it accumulates suspicion that shades the
// confidence of whatever the deep stage concludes.
type Result struct {
	Safe         bool
	StageReached int
	Confidence   float64
	Reasons      []string
	Evidence     map[string]detect.Evidence
}

// Filter runs the staged checks. Safe for concurrent use; all per-request
// state lives on the stack.
type Filter struct {
	rep    *reputation.Table
	logger *log.Logger

	inspections atomic.Int64
	quickExits  atomic.Int64
	unsafeOuts  atomic.Int64
	budgetOuts  atomic.Int64
}

// NewFilter wires the filter to the reputation table it reads. The table
// may be nil in tests that only exercise whitelist and content paths.
func NewFilter(rep *reputation.Table) *Filter {
	return &Filter{
		rep:    rep,
		logger: log.New(log.Writer(), "[SAFETY] ", log.LstdFlags),
	}
}

// Inspect runs the three stages against the request and the history
// snapshot the caller captured on append. The snapshot already contains
// the current request's entry.
func (f *Filter) Inspect(book *config.RuleBook, req *request.Request, fp string, snap history.Snapshot) Result {
	f.inspections.Add(1)

	res := Result{Evidence: make(map[string]detect.Evidence)}
	var suspicion float64

	// Stage 1: whitelist, reputation, burst rate.
	if reason := matchWhitelist(&book.Safety.Whitelist, req); reason != "" {
		f.quickExits.Add(1)
		res.Safe = true
		res.StageReached = 1
		res.Confidence = 1
		res.Reasons = append(res.Reasons, reason)
		return res
	}

	var hits []detect.ContentHit
	scanned := false
	if f.rep != nil && f.rep.Score(fp, req.Timestamp) >= book.Safety.Reputation.SafeScore {
		// Trusted fingerprints exit early, but only with a clean
		// surface. A match falls through to the deep stage.
		hits = detect.ScanContent(&book.Detection, req.ContentSurface())
		scanned = true
		if len(hits) == 0 {
			f.quickExits.Add(1)
			res.Safe = true
			res.StageReached = 1
			res.Confidence = 0.9
			res.Reasons = append(res.Reasons, ReasonTrustedReputation)
			return res
		}
	}

	profile := detect.ComputeTiming(snap.Entries, 0)
	rate := countRate(snap.Entries, req.Timestamp)
	if profile.BucketCount >= book.Detection.Timing.MinSamples && profile.RatePerSecond > rate {
		rate = profile.RatePerSecond
	}
	if rate >= book.Safety.BurstThreshold {
		// Burst alone is never a verdict.
		suspicion += suspicionStep
		res.Reasons = append(res.Reasons, ReasonBurstRate)
	}

	// Stage 2: behavioral shape. A single quiet criterion is ignored as
	// noise; two of three, or one strong timing signal, carry forward.
	var fired []string
	window := detect.ComputeTiming(snap.Entries, book.Safety.BehavioralWindow)
	if window.Intervals >= minCVIntervals && window.CV <= book.Detection.Timing.ConsistentTiming.Threshold {
		fired = append(fired, ReasonMachineTiming)
	}
	run, _ := detect.LongestEnumerationRun(snap.Entries)
	sweepParam, sweepValues := widestSweep(snap.Entries)
	if run >= book.Detection.Behavioral.SystematicEnumeration.MinRun ||
		sweepValues >= book.Detection.Behavioral.TokenSweep.MinValues {
		fired = append(fired, ReasonEnumeration)
	}
	uniqueRatio, duplicateRatio := detect.HashRatios(snap.Entries)
	if len(snap.Entries) >= book.Safety.BehavioralWindow &&
		snap.DistinctAgents <= 1 && duplicateRatio < 0.1 {
		fired = append(fired, ReasonNoHumanNoise)
	}
	strong := window.Intervals >= book.Safety.BehavioralWindow &&
		window.CV < book.Detection.Timing.StrongCV
	if len(fired) >= 2 || strong {
		for _, reason := range fired {
			suspicion += suspicionStep
			res.Reasons = append(res.Reasons, reason)
		}
		if strong {
			suspicion += suspicionStep
			res.Reasons = append(res.Reasons, ReasonStrongTiming)
		}
	}

	// Stage 3: deep inspection. The first check that condemns, returns.
	if !scanned {
		hits = detect.ScanContent(&book.Detection, req.ContentSurface())
	}
	matched, truncated := false, false
	for _, hit := range hits {
		ev := detect.Evidence{Kind: detect.KindContent, Group: hit.Group, Score: hit.Score}
		if hit.BudgetExceeded {
			truncated = true
			ev.BudgetExceeded = true
		} else {
			matched = true
			ev.Match = &detect.MatchEvidence{Pattern: hit.Pattern, Excerpt: hit.Excerpt}
		}
		res.Evidence[hit.Pattern] = ev
	}
	if matched {
		f.unsafeOuts.Add(1)
		return f.condemn(res, clamp01(0.9+suspicion), ReasonContentMatch)
	}
	if truncated {
		// Scan budget ran out before the surface was cleared; the
		// detector will charge flagged patterns the minimum score.
		f.budgetOuts.Add(1)
		return f.condemn(res, clamp01(0.5+suspicion), ReasonScanBudget)
	}

	if sweepValues >= book.Safety.ParamSweepValues {
		res.Evidence[ReasonParamSweep] = detect.Evidence{
			Kind:     detect.KindBehavioral,
			Sequence: &detect.SequenceEvidence{Key: sweepParam, DistinctValues: sweepValues},
		}
		f.unsafeOuts.Add(1)
		return f.condemn(res, clamp01(0.9+suspicion), ReasonParamSweep)
	}

	inv := book.Detection.ML.ModelInversion
	machineRegular := profile.Intervals >= book.Detection.Timing.MinSamples &&
		profile.CV <= book.Detection.Timing.ConsistentTiming.Threshold
	if len(snap.Entries) >= inv.MinSamples && uniqueRatio >= inv.UniqueRatio &&
		run < book.Detection.Behavioral.SystematicEnumeration.MinRun && machineRegular {
		res.Evidence[ReasonBoundaryProbing] = detect.Evidence{
			Kind: detect.KindML,
			Sequence: &detect.SequenceEvidence{
				Requests:    len(snap.Entries),
				UniqueRatio: uniqueRatio,
				RunLength:   run,
			},
		}
		f.unsafeOuts.Add(1)
		return f.condemn(res, clamp01(0.9+suspicion), ReasonBoundaryProbing)
	}

	res.Safe = true
	res.StageReached = 3
	res.Confidence = clamp01(0.9 - suspicion)
	res.Reasons = append(res.Reasons, ReasonDeepScanClean)
	return res
}

// Stats reports filter counters for the status endpoint.
func (f *Filter) Stats() map[string]interface{} {
	return map[string]interface{}{
		"inspections":  f.inspections.Load(),
		"quick_exits":  f.quickExits.Load(),
		"unsafe":       f.unsafeOuts.Load(),
		"budget_stops": f.budgetOuts.Load(),
	}
}

func (f *Filter) condemn(res Result, confidence float64, reason string) Result {
	res.Safe = false
	res.StageReached = 3
	res.Confidence = confidence
	res.Reasons = append(res.Reasons, reason)
	return res
}

// matchWhitelist returns the reason for a whitelist pass, or empty when
// nothing matched. User agents match exactly, addresses by CIDR, endpoints
// by glob with a literal fallback for patterns that do not compile.
func matchWhitelist(w *config.Whitelist, req *request.Request) string {
	for _, ua := range w.UserAgents {
		if req.UserAgent == ua {
			return ReasonWhitelistedAgent
		}
	}
	if ip := parseAddress(req.SourceAddress); ip != nil {
		for _, n := range w.Nets() {
			if n.Contains(ip) {
				return ReasonWhitelistedNetwork
			}
		}
	}
	for _, pat := range w.Endpoints {
		if ok, err := path.Match(pat, req.Endpoint); err == nil && ok {
			return ReasonWhitelistedEndpoint
		}
		if pat == req.Endpoint {
			return ReasonWhitelistedEndpoint
		}
	}
	return ""
}

func parseAddress(addr string) net.IP {
	if ip := net.ParseIP(addr); ip != nil {
		return ip
	}
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return net.ParseIP(host)
	}
	return nil
}

// countRate is the stronger of the one and ten second request rates ending
// at now. The sixty second bucket is covered by the span-based sustained
// rate, which stays meaningful when the window caps out.
func countRate(entries []history.Entry, now float64) float64 {
	var last1, last10 int
	for i := len(entries) - 1; i >= 0; i-- {
		age := now - entries[i].Timestamp
		if age > 10 {
			break
		}
		if age <= 1 {
			last1++
		}
		last10++
	}
	rate := float64(last1)
	if r := float64(last10) / 10; r > rate {
		rate = r
	}
	return rate
}

// widestSweep returns the query parameter with the most distinct values in
// the window.
func widestSweep(entries []history.Entry) (string, int) {
	var name string
	var widest int
	for param, n := range detect.ParamValueSweeps(entries) {
		if n > widest || (n == widest && (name == "" || param < name)) {
			name, widest = param, n
		}
	}
	return name, widest
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
