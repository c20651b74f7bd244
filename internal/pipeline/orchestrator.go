// Package pipeline chains the defense stages end to end: history append,
// safety gate, detection, risk scoring, countermeasure synthesis, audit.
// One call, one verdict. Errors never surface; a failed payload build
// degrades to the generic template and anything that would leave a request
// unrecorded fails closed to a block.
package pipeline

import (
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/decoyhq/mirage/internal/audit"
	"github.com/decoyhq/mirage/internal/config"
	"github.com/decoyhq/mirage/internal/deception"
	"github.com/decoyhq/mirage/internal/detect"
	"github.com/decoyhq/mirage/internal/events"
	"github.com/decoyhq/mirage/internal/history"
	"github.com/decoyhq/mirage/internal/reputation"
	"github.com/decoyhq/mirage/internal/request"
	"github.com/decoyhq/mirage/internal/risk"
	"github.com/decoyhq/mirage/internal/safety"
	"github.com/decoyhq/mirage/internal/scenario"
)

// Reputation deltas per verdict. The orchestrator is the only writer; no
// stage adjusts standing on its own, and a fail-closed verdict adjusts
// nothing.
const (
	repPenaltyBlock           = -10.0
	repPenaltyCountermeasures = -5.0
	repCreditAllow            = 1.0
)

// view pins one generation of rule and policy books together with the
// registry built from it. Process loads the pointer once, so a reload mid
// flight never mixes generations within a request.
type view struct {
	books    *config.Books
	registry *scenario.Registry
}

// Deps carries the pipeline's collaborators. Manager is required; any nil
// field is built from the manager's initial books.
type Deps struct {
	Manager    *config.Manager
	History    *history.Store
	Reputation *reputation.Table
	Filter     *safety.Filter
	Detector   *detect.Detector
	Scorer     *risk.Scorer
	Factory    *deception.Factory
	Tokens     deception.Source
	Trail      *audit.Log
	Bus        *events.Bus
}

// Orchestrator runs requests through the stages and owns every cross-stage
// side effect: the audit append, the reputation adjustment, the event
// publish. Safe for concurrent use.
type Orchestrator struct {
	manager    *config.Manager
	history    *history.Store
	reputation *reputation.Table
	filter     *safety.Filter
	detector   *detect.Detector
	scorer     *risk.Scorer
	factory    *deception.Factory
	tokens     deception.Source
	trail      *audit.Log
	bus        *events.Bus
	logger     *log.Logger

	view atomic.Pointer[view]

	processed       atomic.Int64
	allows          atomic.Int64
	countermeasures atomic.Int64
	blocks          atomic.Int64
	failClosedOuts  atomic.Int64
	degradedBuilds  atomic.Int64
}

// New builds the pipeline around the manager's current books. The history
// store and reputation table size themselves from those books and keep
// their bounds until restart; reloads swap rules and policies, not capacity.
func New(d Deps) (*Orchestrator, error) {
	if d.Manager == nil {
		return nil, fmt.Errorf("pipeline: config manager is required")
	}
	books := d.Manager.Books()
	if d.History == nil {
		h := books.Rules.Detection.History
		d.History = history.NewStore(h.MaxEntries, h.RetentionSeconds)
	}
	if d.Reputation == nil {
		d.Reputation = reputation.NewTable(books.Rules.Safety.Reputation.MaxEntries)
	}
	if d.Filter == nil {
		d.Filter = safety.NewFilter(d.Reputation)
	}
	if d.Detector == nil {
		d.Detector = detect.NewDetector()
	}
	if d.Scorer == nil {
		d.Scorer = risk.NewScorer()
	}
	if d.Factory == nil {
		d.Factory = deception.NewFactory()
	}
	if d.Tokens == nil {
		d.Tokens = deception.CryptoSource{}
	}
	if d.Trail == nil {
		d.Trail = audit.NewLog(0, nil)
	}

	o := &Orchestrator{
		manager:    d.Manager,
		history:    d.History,
		reputation: d.Reputation,
		filter:     d.Filter,
		detector:   d.Detector,
		scorer:     d.Scorer,
		factory:    d.Factory,
		tokens:     d.Tokens,
		trail:      d.Trail,
		bus:        d.Bus,
		logger:     log.New(log.Writer(), "[PIPELINE] ", log.LstdFlags),
	}
	o.view.Store(&view{books: books, registry: scenario.NewRegistry(books.Policies)})
	d.Manager.OnSwap(func(b *config.Books) {
		o.view.Store(&view{books: b, registry: scenario.NewRegistry(b.Policies)})
		o.logger.Printf("config swapped: rules v%d, policies v%d", b.Rules.Version, b.Policies.Version)
		o.emit(events.TypeConfigReloaded, "", map[string]interface{}{
			"rules_version":    b.Rules.Version,
			"policies_version": b.Policies.Version,
			"content_patterns": len(b.Rules.Detection.ContentPatterns),
			"scenarios":        len(b.Policies.Scenarios),
		})
	})
	return o, nil
}

// Process runs one request through the stages and returns its verdict. It
// never returns an error: internal failures degrade the payload or fail
// closed to a block, and the verdict says which happened.
func (o *Orchestrator) Process(req *request.Request) *Verdict {
	o.processed.Add(1)
	v := o.view.Load()
	fp := req.Fingerprint()

	o.history.Append(fp, req.SourceAddress, req.UserAgent, history.Entry{
		Timestamp:   req.Timestamp,
		Endpoint:    req.HistoryEndpoint(),
		ContentHash: req.ContentHash(),
		Size:        req.Size(),
	})
	snap := o.history.Snapshot(fp, req.SourceAddress)

	sres := o.filter.Inspect(v.books.Rules, req, fp, snap)
	if sres.Safe {
		verdict := &Verdict{
			Action:       risk.OutcomeAllow,
			Fingerprint:  fp,
			StageReached: sres.StageReached,
			Reasons:      sres.Reasons,
			Assessment: risk.Assessment{
				Level:      risk.LevelLow,
				Actions:    []string{config.ActionLog},
				Confidence: sres.Confidence,
				Summary: fmt.Sprintf("safe at stage %d (%s)",
					sres.StageReached, strings.Join(sres.Reasons, ",")),
			},
		}
		return o.commit(req, fp, verdict, allowCredit(sres.StageReached))
	}

	det := o.detector.Detect(v.books.Rules, req, snap)
	assessment := o.scorer.Assess(&v.books.Rules.Response, &det)

	switch o.scorer.Decide(&v.books.Rules.Response, assessment) {
	case risk.OutcomeBlock:
		verdict := &Verdict{
			Action:       risk.OutcomeBlock,
			Fingerprint:  fp,
			Assessment:   assessment,
			StageReached: sres.StageReached,
			Reasons:      sres.Reasons,
		}
		return o.commit(req, fp, verdict, repPenaltyBlock)

	case risk.OutcomeCountermeasures:
		return o.countermeasure(v, req, fp, &sres, assessment)

	default:
		// Suspicious but under both confidence bars: let it through,
		// keep the fingerprint under watch.
		assessment.Actions = []string{config.ActionLog, config.ActionTrack}
		verdict := &Verdict{
			Action:       risk.OutcomeAllow,
			Fingerprint:  fp,
			Assessment:   assessment,
			StageReached: sres.StageReached,
			Reasons:      sres.Reasons,
		}
		return o.commit(req, fp, verdict, allowCredit(sres.StageReached))
	}
}

// countermeasure draws a tracking token, resolves the scenario, and builds
// the deceptive payload. A build failure degrades to the generic template
// under the same token; only a second failure, or no token at all, fails
// closed.
func (o *Orchestrator) countermeasure(v *view, req *request.Request, fp string, sres *safety.Result, assessment risk.Assessment) *Verdict {
	verdict := &Verdict{
		Action:       risk.OutcomeCountermeasures,
		Fingerprint:  fp,
		Assessment:   assessment,
		StageReached: sres.StageReached,
		Reasons:      sres.Reasons,
	}

	token, err := deception.NewToken(o.tokens)
	if err != nil {
		return o.failClosed(req, verdict, err)
	}

	sc, rerr := v.registry.Resolve(assessment.ThreatCategory)
	if rerr != nil {
		// The registry already fell back to a usable scenario.
		o.logger.Printf("scenario resolution: %v", rerr)
	}
	tier := scenario.TierFor(assessment.Level)
	intensity := v.registry.Intensity(sc, tier)

	payload, err := o.factory.Build(sc, intensity, token, req.Timestamp)
	if err != nil {
		o.degradedBuilds.Add(1)
		o.logger.Printf("payload for scenario %q degraded to generic: %v", sc.Name, err)
		o.emit(events.TypeDegradation, fp, map[string]interface{}{
			"scenario": sc.Name,
			"template": sc.TemplateID,
			"tier":     tier,
			"error":    err.Error(),
		})
		generic := &config.Scenario{Name: sc.Name, TemplateID: config.TemplateGeneric}
		if payload, err = o.factory.Build(generic, intensity, token, req.Timestamp); err != nil {
			return o.failClosed(req, verdict, err)
		}
	}

	verdict.TrackingToken = token
	verdict.Scenario = sc.Name
	verdict.Payload = payload
	return o.commit(req, fp, verdict, repPenaltyCountermeasures)
}

// commit finishes a verdict: invariant check, audit append, reputation
// adjustment, event publish, in that order. The append is the atomic step;
// if it fails the verdict converts to a fail-closed block and no side
// effect of the attempt survives.
func (o *Orchestrator) commit(req *request.Request, fp string, verdict *Verdict, repDelta float64) *Verdict {
	if verdict.Action == risk.OutcomeCountermeasures &&
		(verdict.TrackingToken == "" || verdict.Payload == nil) {
		return o.failClosed(req, verdict, &InvariantError{
			Invariant: "countermeasure_payload",
			Detail:    "countermeasure verdict missing tracking token or payload",
		})
	}

	id, err := o.trail.Append(audit.Entry{
		Timestamp:      req.Timestamp,
		Fingerprint:    fp,
		SourceAddr:     req.SourceAddress,
		Endpoint:       req.Endpoint,
		Action:         string(verdict.Action),
		RiskLevel:      string(verdict.Assessment.Level),
		RiskScore:      verdict.Assessment.RiskScore,
		ThreatCategory: verdict.Assessment.ThreatCategory,
		Confidence:     verdict.Assessment.Confidence,
		StageReached:   verdict.StageReached,
		Reasons:        verdict.Reasons,
		TrackingToken:  verdict.TrackingToken,
		Scenario:       verdict.Scenario,
	})
	if err != nil {
		return o.failClosed(req, verdict, err)
	}
	verdict.AuditID = id

	if repDelta != 0 {
		o.reputation.Adjust(fp, repDelta, req.Timestamp)
	}

	data := map[string]interface{}{
		"action":     string(verdict.Action),
		"endpoint":   req.Endpoint,
		"level":      string(verdict.Assessment.Level),
		"risk_score": verdict.Assessment.RiskScore,
		"category":   verdict.Assessment.ThreatCategory,
		"confidence": verdict.Assessment.Confidence,
		"audit_id":   verdict.AuditID,
	}
	switch verdict.Action {
	case risk.OutcomeBlock:
		o.blocks.Add(1)
		o.emit(events.TypeBlocked, fp, data)
	case risk.OutcomeCountermeasures:
		o.countermeasures.Add(1)
		data["scenario"] = verdict.Scenario
		data["tracking_token"] = verdict.TrackingToken
		o.emit(events.TypeCountermeasures, fp, data)
	default:
		o.allows.Add(1)
	}
	o.emit(events.TypeVerdict, fp, data)

	return verdict
}

// failClosed converts the verdict to a blocking one after an internal
// failure. No audit id is consumed, no reputation is adjusted, and nothing
// deceptive leaves with it.
func (o *Orchestrator) failClosed(req *request.Request, verdict *Verdict, cause error) *Verdict {
	o.failClosedOuts.Add(1)
	o.logger.Printf("failing closed for %s %s: %v", verdict.Fingerprint, req.Endpoint, cause)
	verdict.Action = risk.OutcomeBlock
	verdict.FailClosed = true
	verdict.AuditID = 0
	verdict.TrackingToken = ""
	verdict.Scenario = ""
	verdict.Payload = nil
	o.emit(events.TypeFailClosed, verdict.Fingerprint, map[string]interface{}{
		"endpoint": req.Endpoint,
		"error":    cause.Error(),
	})
	return verdict
}

// allowCredit is the reputation delta for an allow. Quick-stage exits earn
// nothing; only requests that survived the behavioral and deep stages vouch
// for the client.
func allowCredit(stage int) float64 {
	if stage >= 2 {
		return repCreditAllow
	}
	return 0
}

// StartSweeper launches the janitor that expires history windows and
// settles reputation decay. The returned stop function blocks until the
// janitor exits.
func (o *Orchestrator) StartSweeper(interval time.Duration) (stop func()) {
	ticker := time.NewTicker(interval)
	quit := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ticker.C:
				o.sweep(float64(time.Now().UnixNano()) / 1e9)
			case <-quit:
				ticker.Stop()
				return
			}
		}
	}()
	return func() {
		close(quit)
		<-done
	}
}

// sweep runs one janitor pass at the given time.
func (o *Orchestrator) sweep(now float64) {
	expired := o.history.Sweep(now)
	settled, dropped := o.reputation.Sweep(now)
	if expired > 0 || settled > 0 || dropped > 0 {
		o.logger.Printf("sweep: history expired=%d reputation settled=%d dropped=%d",
			expired, settled, dropped)
	}
}

func (o *Orchestrator) emit(eventType, subject string, data map[string]interface{}) {
	if o.bus != nil {
		o.bus.Emit(eventType, "pipeline", subject, data)
	}
}

// Trail exposes the audit log for query endpoints.
func (o *Orchestrator) Trail() *audit.Log { return o.trail }

// Reputation exposes the standing table for lookup endpoints.
func (o *Orchestrator) Reputation() *reputation.Table { return o.reputation }

// History exposes the sliding-window store.
func (o *Orchestrator) History() *history.Store { return o.history }

// Manager exposes the config manager for reload endpoints.
func (o *Orchestrator) Manager() *config.Manager { return o.manager }

// Stats aggregates pipeline and stage counters for the status endpoint.
func (o *Orchestrator) Stats() map[string]interface{} {
	return map[string]interface{}{
		"processed":       o.processed.Load(),
		"allowed":         o.allows.Load(),
		"countermeasures": o.countermeasures.Load(),
		"blocked":         o.blocks.Load(),
		"fail_closed":     o.failClosedOuts.Load(),
		"degraded_builds": o.degradedBuilds.Load(),
		"safety":          o.filter.Stats(),
		"detector":        o.detector.Stats(),
		"scorer":          o.scorer.Stats(),
		"factory":         o.factory.Stats(),
		"registry":        o.view.Load().registry.Stats(),
		"history":         o.history.Stats(),
		"reputation":      o.reputation.Stats(),
		"audit":           o.trail.Stats(),
	}
}
