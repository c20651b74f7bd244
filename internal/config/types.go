// Package config loads and validates the two declarative documents the
// defense pipeline runs on: the rule book (detection patterns, thresholds,
// safety whitelist, response ladder) and the policy book (deception
// scenarios, counter-strategies, intensity tiers).
package config

import (
	"fmt"
	"net"
	"regexp"
)

// Template IDs tie scenario config to the in-code payload builders.
// New payload kinds are added by code, not config.
const (
	TemplateSQLHoneypot        = "sql_honeypot"
	TemplateAPIFlood           = "api_flood"
	TemplateCredentialHoneypot = "credential_honeypot"
	TemplateEnvDump            = "env_dump"
	TemplateFilesystemTree     = "filesystem_tree"
	TemplateGeneric            = "generic"
)

// KnownTemplateIDs is the closed set of payload builders the factory provides.
var KnownTemplateIDs = map[string]bool{
	TemplateSQLHoneypot:        true,
	TemplateAPIFlood:           true,
	TemplateCredentialHoneypot: true,
	TemplateEnvDump:            true,
	TemplateFilesystemTree:     true,
	TemplateGeneric:            true,
}

// Response actions form a closed vocabulary; the policy ladder may only
// reference these names.
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

// KnownActions is the closed response-action vocabulary.
var KnownActions = map[string]bool{
	ActionLog:                 true,
	ActionTrack:               true,
	ActionRateLimit:           true,
	ActionServeFake:           true,
	ActionDeployCounter:       true,
	ActionAggressiveRateLimit: true,
	ActionSetTraps:            true,
	ActionReverseTracking:     true,
}

// ConfigError reports a malformed or inconsistent document. Which names the
// offending document ("rules" or "policies").
type ConfigError struct {
	Which  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error in %s: %s", e.Which, e.Reason)
}

// ============================================================================
// RULE BOOK
// ============================================================================

// RuleBook is the validated detection-rule document. Immutable after load;
// reloads swap the whole book.
type RuleBook struct {
	Version   int              `yaml:"version"`
	Detection DetectionRules   `yaml:"detection"`
	Safety    SafetyRules      `yaml:"safety"`
	Response  ResponsePolicies `yaml:"response_policies"`
}

// DetectionRules configures the pattern detector.
type DetectionRules struct {
	MinSuspiciousScore float64          `yaml:"min_suspicious_score"`
	MaxRegexSteps      int              `yaml:"max_regex_steps"`
	History            HistoryRules     `yaml:"history"`
	Timing             TimingRules      `yaml:"timing"`
	Behavioral         BehavioralRules  `yaml:"behavioral"`
	ML                 MLRules          `yaml:"ml_patterns"`
	ContentPatterns    []ContentPattern `yaml:"content_patterns"`
}

// HistoryRules bounds the per-fingerprint sliding window.
type HistoryRules struct {
	MaxEntries       int     `yaml:"max_entries"`
	RetentionSeconds float64 `yaml:"retention_seconds"`
}

// ThresholdRule pairs a trigger threshold with the score it contributes.
type ThresholdRule struct {
	Threshold float64 `yaml:"threshold"`
	RiskScore float64 `yaml:"risk_score"`
}

// TimingRules configures the timing checks. ConsistentTiming fires when the
// coefficient of variation over recent intervals is at or below the
// threshold; BurstActivity fires when the sustained rate over the last
// minute is at or above it.
type TimingRules struct {
	ConsistentTiming ThresholdRule `yaml:"consistent_timing"`
	BurstActivity    ThresholdRule `yaml:"burst_activity"`
	StrongCV         float64       `yaml:"strong_cv"`
	MinSamples       int           `yaml:"min_samples"`
}

// BehavioralRules configures the sequence-shaped checks.
type BehavioralRules struct {
	SystematicEnumeration EnumerationRule `yaml:"systematic_enumeration"`
	TokenSweep            TokenSweepRule  `yaml:"token_sweep"`
	FingerprintRotation   RotationRule    `yaml:"fingerprint_rotation"`
}

// EnumerationRule fires on arithmetic-progression walks of endpoint suffixes.
type EnumerationRule struct {
	MinRun    int     `yaml:"min_run"`
	RiskScore float64 `yaml:"risk_score"`
}

// TokenSweepRule fires when a single query parameter is varied over a
// dictionary. Sweeps of a credential-shaped parameter are categorized as
// credential stuffing.
type TokenSweepRule struct {
	MinValues        int      `yaml:"min_values"`
	CredentialParams []string `yaml:"credential_params"`
	RiskScore        float64  `yaml:"risk_score"`
}

// RotationRule fires when one address cycles many user agents in a short
// window.
type RotationRule struct {
	MinAgents int     `yaml:"min_agents"`
	RiskScore float64 `yaml:"risk_score"`
}

// MLRules configures the model-attack heuristics.
type MLRules struct {
	ModelInversion      InversionRule  `yaml:"model_inversion"`
	MembershipInference InferenceRule  `yaml:"membership_inference"`
	ModelExtraction     ExtractionRule `yaml:"model_extraction"`
}

// InversionRule fires on boundary-exploring query sequences: a high ratio of
// distinct parameter vectors over the recent window.
type InversionRule struct {
	MinSamples  int     `yaml:"min_samples"`
	UniqueRatio float64 `yaml:"unique_ratio"`
	RiskScore   float64 `yaml:"risk_score"`
}

// InferenceRule fires on paired-query sweeps: a low ratio of distinct
// parameter vectors (the same queries replayed with slight variations).
type InferenceRule struct {
	MinSamples     int     `yaml:"min_samples"`
	DuplicateRatio float64 `yaml:"duplicate_ratio"`
	RiskScore      float64 `yaml:"risk_score"`
}

// ExtractionRule fires on systematic feature-space coverage: many distinct
// parameter names across many requests.
type ExtractionRule struct {
	MinParams   int     `yaml:"min_params"`
	MinRequests int     `yaml:"min_requests"`
	RiskScore   float64 `yaml:"risk_score"`
}

// ContentPattern is one compiled detection regex. Patterns with the same
// Group accumulate toward that group's threat category.
type ContentPattern struct {
	Name      string  `yaml:"name"`
	Group     string  `yaml:"group"`
	Regex     string  `yaml:"regex"`
	RiskScore float64 `yaml:"risk_score"`

	re *regexp.Regexp
}

// Matcher returns the compiled expression. Only valid after Load.
func (p *ContentPattern) Matcher() *regexp.Regexp { return p.re }

// SafetyRules configures the staged safety filter.
type SafetyRules struct {
	BurstThreshold   float64         `yaml:"burst_threshold"`
	BehavioralWindow int             `yaml:"behavioral_window"`
	ParamSweepValues int             `yaml:"param_sweep_values"`
	Reputation       ReputationRules `yaml:"reputation"`
	Whitelist        Whitelist       `yaml:"whitelist"`
}

// ReputationRules bounds the reputation table.
type ReputationRules struct {
	SafeScore  float64 `yaml:"safe_score"`
	MaxEntries int     `yaml:"max_entries"`
}

// Whitelist names traffic the quick stage clears without deeper checks.
type Whitelist struct {
	UserAgents []string `yaml:"user_agents"`
	CIDRs      []string `yaml:"cidrs"`
	Endpoints  []string `yaml:"endpoints"`

	nets []*net.IPNet
}

// Nets returns the parsed CIDR list. Populated during validation so the
// hot path never re-parses.
func (w *Whitelist) Nets() []*net.IPNet { return w.nets }

// ResponsePolicies maps risk levels to action sets and carries the threshold
// ladder. The ladder must be strictly increasing low < medium < high <
// critical; levels read the first three bounds, the top value is the
// full-countermeasures cut that adds reverse tracking.
type ResponsePolicies struct {
	RiskThresholds           RiskThresholds      `yaml:"risk_thresholds"`
	Actions                  map[string][]string `yaml:"actions"`
	CountermeasureConfidence float64             `yaml:"countermeasure_confidence"`
	BlockConfidence          float64             `yaml:"block_confidence"`
}

// RiskThresholds is the four-rung score ladder.
type RiskThresholds struct {
	Low      float64 `yaml:"low"`
	Medium   float64 `yaml:"medium"`
	High     float64 `yaml:"high"`
	Critical float64 `yaml:"critical"`
}

// ============================================================================
// POLICY BOOK
// ============================================================================

// PolicyBook is the validated deception-policy document.
type PolicyBook struct {
	Version           int               `yaml:"version"`
	FallbackScenario  string            `yaml:"fallback_scenario"`
	Scenarios         []Scenario        `yaml:"scenarios"`
	CounterStrategies []CounterStrategy `yaml:"counter_strategies"`
}

// Scenario binds threat categories to a payload recipe.
type Scenario struct {
	Name                 string   `yaml:"name"`
	ThreatCategories     []string `yaml:"threat_categories"`
	RequiredPayloadKinds []string `yaml:"required_payload_kinds"`
	TemplateID           string   `yaml:"template_id"`
	CounterStrategy      string   `yaml:"counter_strategy"`
	IsolationLevel       string   `yaml:"isolation_level"`
}

// CounterStrategy scales payloads through its intensity tiers.
type CounterStrategy struct {
	Name        string                   `yaml:"name"`
	Description string                   `yaml:"description"`
	Tiers       map[string]IntensityTier `yaml:"intensity_tiers"`
}

// IntensityTier sets the record count and size cap for one tier.
type IntensityTier struct {
	Records      int `yaml:"records"`
	PayloadBytes int `yaml:"payload_bytes"`
}

// Tier names, lowest to highest.
const (
	TierLow    = "low"
	TierMedium = "medium"
	TierHigh   = "high"
)

// Strategy returns the named counter-strategy, if declared.
func (b *PolicyBook) Strategy(name string) (*CounterStrategy, bool) {
	for i := range b.CounterStrategies {
		if b.CounterStrategies[i].Name == name {
			return &b.CounterStrategies[i], true
		}
	}
	return nil, false
}

// ScenarioByName returns the named scenario, if declared.
func (b *PolicyBook) ScenarioByName(name string) (*Scenario, bool) {
	for i := range b.Scenarios {
		if b.Scenarios[i].Name == name {
			return &b.Scenarios[i], true
		}
	}
	return nil, false
}
