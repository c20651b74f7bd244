// Package mirage embeds the request-defense pipeline in a Go service.
//
// Hostile requests are not rejected; they receive plausible deceptive
// payloads carrying tracking tokens, while benign traffic passes through
// untouched. Two integration patterns:
//
//  1. Direct: eng.Process(req) classifies a normalized request; the caller
//     acts on the verdict.
//  2. Middleware: eng.Middleware(handler) wraps any http.Handler so the
//     verdict is applied before the origin sees the request.
//
// Quick start:
//
//	eng, err := mirage.New(mirage.Config{
//	    RulesPath:    "configs/rules.yaml",
//	    PoliciesPath: "configs/policies.yaml",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer eng.Close()
//
//	http.Handle("/api/", eng.Middleware(apiHandler))
package mirage

import (
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/decoyhq/mirage/internal/config"
	"github.com/decoyhq/mirage/internal/events"
	"github.com/decoyhq/mirage/internal/middleware"
	"github.com/decoyhq/mirage/internal/pipeline"
	"github.com/decoyhq/mirage/internal/request"
)

// Config holds the engine configuration. Books come either from paths
// (reloadable via Reload) or from raw YAML documents (fixed for the
// engine's lifetime); paths win when both are set.
type Config struct {
	RulesPath    string
	PoliciesPath string

	RulesYAML    []byte
	PoliciesYAML []byte

	// SweepInterval runs the state janitor (history expiry, reputation
	// decay) in the background. Zero leaves sweeping to the embedder; the
	// pipeline stays correct either way since expiry is also applied on
	// read.
	SweepInterval time.Duration

	// Per-fingerprint budgets the middleware enforces when a verdict's
	// action set demands rate_limit or aggressive_rate_limit.
	RateLimitPerSecond      float64 // default 5
	AggressiveRatePerSecond float64 // default 1
}

// Engine owns one defense pipeline and its configuration snapshot.
type Engine struct {
	mgr  *config.Manager
	bus  *events.Bus
	pipe *pipeline.Orchestrator

	standard   *middleware.RateLimiter
	aggressive *middleware.RateLimiter
	throttled  atomic.Int64

	stopSweep func()
	closeOnce sync.Once
}

// New builds an engine from the configured books.
func New(cfg Config) (*Engine, error) {
	var mgr *config.Manager
	switch {
	case cfg.RulesPath != "" && cfg.PoliciesPath != "":
		m, err := config.NewManager(cfg.RulesPath, cfg.PoliciesPath)
		if err != nil {
			return nil, err
		}
		mgr = m
	case len(cfg.RulesYAML) > 0 && len(cfg.PoliciesYAML) > 0:
		rules, policies, err := config.LoadBytes(cfg.RulesYAML, cfg.PoliciesYAML)
		if err != nil {
			return nil, err
		}
		mgr = config.NewManagerFromBooks(rules, policies)
	default:
		return nil, errors.New("mirage: rule and policy books are required, by path or by document")
	}

	bus := events.NewBus()
	pipe, err := pipeline.New(pipeline.Deps{Manager: mgr, Bus: bus})
	if err != nil {
		return nil, err
	}

	if cfg.RateLimitPerSecond <= 0 {
		cfg.RateLimitPerSecond = 5
	}
	if cfg.AggressiveRatePerSecond <= 0 {
		cfg.AggressiveRatePerSecond = 1
	}

	e := &Engine{
		mgr:  mgr,
		bus:  bus,
		pipe: pipe,
		standard: middleware.NewRateLimiter(middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimitPerSecond,
		}),
		aggressive: middleware.NewRateLimiter(middleware.RateLimitConfig{
			RequestsPerSecond: cfg.AggressiveRatePerSecond,
		}),
	}
	if cfg.SweepInterval > 0 {
		e.stopSweep = pipe.StartSweeper(cfg.SweepInterval)
	}
	return e, nil
}

// Process classifies one request and returns the verdict. It never returns
// an error: internal failures fail closed to a block and the verdict says
// so.
func (e *Engine) Process(req *Request) *Verdict {
	ireq := &request.Request{
		Timestamp:     req.Timestamp,
		SourceAddress: req.SourceAddress,
		UserAgent:     req.UserAgent,
		Endpoint:      req.Endpoint,
		Params:        request.ParseQuery(req.Query),
		Headers:       lowerHeaders(req.Headers),
		Body:          req.Body,
		SessionID:     req.SessionID,
	}
	if ireq.Timestamp == 0 {
		ireq.Timestamp = float64(time.Now().UnixNano()) / 1e9
	}
	return fromPipeline(e.pipe.Process(ireq))
}

// Reload re-reads the books from their paths and swaps them in atomically.
// Engines built from raw documents return an error.
func (e *Engine) Reload() error { return e.mgr.Reload() }

// Stats aggregates counters from the engine's components.
func (e *Engine) Stats() map[string]interface{} {
	return map[string]interface{}{
		"pipeline": e.pipe.Stats(),
		"config":   e.mgr.Stats(),
		"events":   e.bus.Stats(),
		"middleware": map[string]interface{}{
			"throttled": e.throttled.Load(),
		},
	}
}

// Close stops the engine's background work. The engine must not be used
// afterwards.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		if e.stopSweep != nil {
			e.stopSweep()
		}
		e.standard.Close()
		e.aggressive.Close()
	})
}

// Orchestrator exposes the underlying pipeline for the daemon's management
// surfaces (audit queries, reputation lookups, live stats).
func (e *Engine) Orchestrator() *pipeline.Orchestrator { return e.pipe }

// EventBus exposes the defense event stream for hubs and archival tees.
func (e *Engine) EventBus() *events.Bus { return e.bus }

// allowRate consults the budget class the verdict demands. Verdicts that
// demand neither class always pass.
func (e *Engine) allowRate(v *Verdict) bool {
	switch {
	case v.Demands(ActionAggressiveRateLimit):
		return e.aggressive.Allow(v.Fingerprint)
	case v.Demands(ActionRateLimit):
		return e.standard.Allow(v.Fingerprint)
	default:
		return true
	}
}

func lowerHeaders(h map[string]string) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[strings.ToLower(k)] = v
	}
	return out
}
