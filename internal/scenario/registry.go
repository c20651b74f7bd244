// Package scenario indexes deception scenarios by threat category and maps
// risk levels onto the intensity tiers payloads scale by.
package scenario

import (
	"fmt"
	"log"
	"sync/atomic"

	"github.com/decoyhq/mirage/internal/config"
	"github.com/decoyhq/mirage/internal/risk"
)

// ResolutionMissError reports a threat category no scenario claims. The
// registry recovers by returning the fallback scenario; the error rides
// along so verdicts can record the miss.
type ResolutionMissError struct {
	Category string
}

func (e *ResolutionMissError) Error() string {
	return fmt.Sprintf("no scenario claims threat category %q", e.Category)
}

// Registry resolves threat categories to scenarios. Built once per validated
// policy book and immutable afterward, so reads need no locking; a config
// reload builds a fresh registry alongside the new book.
type Registry struct {
	byCategory map[string]*config.Scenario
	strategies map[string]*config.CounterStrategy
	fallback   *config.Scenario
	logger     *log.Logger

	resolutions atomic.Int64
	misses      atomic.Int64
}

// NewRegistry indexes the policy book. The book must have passed the
// loader's validation: every category has one owner and the fallback
// scenario is declared.
func NewRegistry(policies *config.PolicyBook) *Registry {
	r := &Registry{
		byCategory: make(map[string]*config.Scenario),
		strategies: make(map[string]*config.CounterStrategy),
		logger:     log.New(log.Writer(), "[SCENARIO] ", log.LstdFlags),
	}
	for i := range policies.Scenarios {
		s := &policies.Scenarios[i]
		for _, cat := range s.ThreatCategories {
			r.byCategory[cat] = s
		}
		if s.Name == policies.FallbackScenario {
			r.fallback = s
		}
	}
	for i := range policies.CounterStrategies {
		cs := &policies.CounterStrategies[i]
		r.strategies[cs.Name] = cs
	}
	return r
}

// Resolve returns the scenario owning the category. Unknown categories fall
// back to the policy book's fallback scenario with a ResolutionMissError
// describing the miss; the returned scenario is always usable.
func (r *Registry) Resolve(category string) (*config.Scenario, error) {
	r.resolutions.Add(1)
	if s, ok := r.byCategory[category]; ok {
		return s, nil
	}
	r.misses.Add(1)
	r.logger.Printf("no scenario for category %q, falling back to %q", category, r.fallback.Name)
	return r.fallback, &ResolutionMissError{Category: category}
}

// Intensity returns the numeric tier the scenario's counter-strategy
// declares. Validation guarantees the three canonical tiers exist.
func (r *Registry) Intensity(s *config.Scenario, tier string) config.IntensityTier {
	cs, ok := r.strategies[s.CounterStrategy]
	if !ok {
		return config.IntensityTier{}
	}
	return cs.Tiers[tier]
}

// Fallback returns the generic scenario verdicts degrade to.
func (r *Registry) Fallback() *config.Scenario {
	return r.fallback
}

// Stats reports registry counters for the status endpoint.
func (r *Registry) Stats() map[string]interface{} {
	return map[string]interface{}{
		"categories":  len(r.byCategory),
		"resolutions": r.resolutions.Load(),
		"misses":      r.misses.Load(),
	}
}

// TierFor maps a risk level to the intensity tier payloads scale by. HIGH
// and CRITICAL both draw the top tier: by the time countermeasures are
// served the client is confirmed hostile, and a thin payload reads as a
// tell.
func TierFor(level risk.Level) string {
	switch level {
	case risk.LevelCritical, risk.LevelHigh:
		return config.TierHigh
	case risk.LevelMedium:
		return config.TierMedium
	default:
		return config.TierLow
	}
}
