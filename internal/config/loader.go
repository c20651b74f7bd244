package config

import (
	"fmt"
	"net"
	"os"
	"regexp"

	"gopkg.in/yaml.v2"
)

// Load parses and validates the rule and policy documents from disk.
func Load(rulesPath, policiesPath string) (*RuleBook, *PolicyBook, error) {
	rulesRaw, err := os.ReadFile(rulesPath)
	if err != nil {
		return nil, nil, &ConfigError{Which: "rules", Reason: err.Error()}
	}
	policiesRaw, err := os.ReadFile(policiesPath)
	if err != nil {
		return nil, nil, &ConfigError{Which: "policies", Reason: err.Error()}
	}
	return LoadBytes(rulesRaw, policiesRaw)
}

// LoadBytes parses and validates in-memory documents. Tests and embedders
// construct books through this path.
func LoadBytes(rulesRaw, policiesRaw []byte) (*RuleBook, *PolicyBook, error) {
	var rules RuleBook
	if err := yaml.Unmarshal(rulesRaw, &rules); err != nil {
		return nil, nil, &ConfigError{Which: "rules", Reason: err.Error()}
	}
	var policies PolicyBook
	if err := yaml.Unmarshal(policiesRaw, &policies); err != nil {
		return nil, nil, &ConfigError{Which: "policies", Reason: err.Error()}
	}

	applyRuleDefaults(&rules)
	applyPolicyDefaults(&policies)

	if err := validateRules(&rules); err != nil {
		return nil, nil, err
	}
	if err := validatePolicies(&policies); err != nil {
		return nil, nil, err
	}
	return &rules, &policies, nil
}

func applyRuleDefaults(r *RuleBook) {
	d := &r.Detection
	if d.MinSuspiciousScore == 0 {
		d.MinSuspiciousScore = 30
	}
	if d.MaxRegexSteps == 0 {
		d.MaxRegexSteps = 1 << 16
	}
	if d.History.MaxEntries == 0 {
		d.History.MaxEntries = 200
	}
	if d.History.RetentionSeconds == 0 {
		d.History.RetentionSeconds = 3600
	}
	if d.Timing.MinSamples == 0 {
		d.Timing.MinSamples = 10
	}
	if d.Timing.StrongCV == 0 {
		d.Timing.StrongCV = 0.05
	}

	s := &r.Safety
	if s.BurstThreshold == 0 {
		s.BurstThreshold = 5.0
	}
	if s.BehavioralWindow == 0 {
		s.BehavioralWindow = 10
	}
	if s.ParamSweepValues == 0 {
		s.ParamSweepValues = 50
	}
	if s.Reputation.SafeScore == 0 {
		s.Reputation.SafeScore = 50
	}
	if s.Reputation.MaxEntries == 0 {
		s.Reputation.MaxEntries = 100000
	}

	p := &r.Response
	if p.RiskThresholds == (RiskThresholds{}) {
		p.RiskThresholds = RiskThresholds{Low: 30, Medium: 60, High: 80, Critical: 95}
	}
	if p.CountermeasureConfidence == 0 {
		p.CountermeasureConfidence = 0.5
	}
	if p.BlockConfidence == 0 {
		p.BlockConfidence = 0.9
	}
	if p.Actions == nil {
		p.Actions = map[string][]string{
			"low":      {ActionLog},
			"medium":   {ActionLog, ActionTrack, ActionRateLimit},
			"high":     {ActionLog, ActionTrack, ActionServeFake, ActionDeployCounter, ActionRateLimit},
			"critical": {ActionLog, ActionTrack, ActionServeFake, ActionDeployCounter, ActionAggressiveRateLimit, ActionSetTraps},
		}
	}
}

func applyPolicyDefaults(p *PolicyBook) {
	for i := range p.Scenarios {
		if p.Scenarios[i].IsolationLevel == "" {
			p.Scenarios[i].IsolationLevel = "standard"
		}
	}
}

func validateRules(r *RuleBook) error {
	fail := func(format string, args ...interface{}) error {
		return &ConfigError{Which: "rules", Reason: fmt.Sprintf(format, args...)}
	}

	d := &r.Detection
	if d.MinSuspiciousScore <= 0 {
		return fail("min_suspicious_score must be positive, got %v", d.MinSuspiciousScore)
	}
	if d.History.MaxEntries <= 0 || d.History.RetentionSeconds <= 0 {
		return fail("history bounds must be positive")
	}

	for name, rule := range map[string]ThresholdRule{
		"timing.consistent_timing": d.Timing.ConsistentTiming,
		"timing.burst_activity":    d.Timing.BurstActivity,
	} {
		if rule.Threshold <= 0 {
			return fail("%s.threshold must be positive, got %v", name, rule.Threshold)
		}
		if rule.RiskScore <= 0 {
			return fail("%s.risk_score must be positive, got %v", name, rule.RiskScore)
		}
	}
	for name, score := range map[string]float64{
		"behavioral.systematic_enumeration": d.Behavioral.SystematicEnumeration.RiskScore,
		"behavioral.token_sweep":            d.Behavioral.TokenSweep.RiskScore,
		"behavioral.fingerprint_rotation":   d.Behavioral.FingerprintRotation.RiskScore,
		"ml_patterns.model_inversion":       d.ML.ModelInversion.RiskScore,
		"ml_patterns.membership_inference":  d.ML.MembershipInference.RiskScore,
		"ml_patterns.model_extraction":      d.ML.ModelExtraction.RiskScore,
	} {
		if score <= 0 {
			return fail("%s.risk_score must be positive, got %v", name, score)
		}
	}
	if d.ML.ModelInversion.UniqueRatio <= 0 || d.ML.ModelInversion.UniqueRatio > 1 {
		return fail("ml_patterns.model_inversion.unique_ratio must be in (0, 1]")
	}
	if d.ML.MembershipInference.DuplicateRatio <= 0 || d.ML.MembershipInference.DuplicateRatio > 1 {
		return fail("ml_patterns.membership_inference.duplicate_ratio must be in (0, 1]")
	}

	if len(d.ContentPatterns) == 0 {
		return fail("content_patterns must not be empty")
	}
	seen := map[string]bool{}
	for i := range d.ContentPatterns {
		p := &d.ContentPatterns[i]
		if p.Name == "" || p.Group == "" {
			return fail("content_patterns[%d] requires name and group", i)
		}
		if seen[p.Name] {
			return fail("duplicate content pattern %q", p.Name)
		}
		seen[p.Name] = true
		if p.RiskScore <= 0 {
			return fail("content pattern %q risk_score must be positive", p.Name)
		}
		re, err := regexp.Compile(p.Regex)
		if err != nil {
			return fail("content pattern %q does not compile: %v", p.Name, err)
		}
		p.re = re
	}

	r.Safety.Whitelist.nets = r.Safety.Whitelist.nets[:0]
	for _, cidr := range r.Safety.Whitelist.CIDRs {
		_, ipnet, err := net.ParseCIDR(cidr)
		if err != nil {
			return fail("whitelist cidr %q invalid: %v", cidr, err)
		}
		r.Safety.Whitelist.nets = append(r.Safety.Whitelist.nets, ipnet)
	}

	t := r.Response.RiskThresholds
	if !(t.Low < t.Medium && t.Medium < t.High && t.High < t.Critical) {
		return fail("risk_thresholds must be strictly increasing, got low=%v medium=%v high=%v critical=%v",
			t.Low, t.Medium, t.High, t.Critical)
	}
	if t.Low <= 0 {
		return fail("risk_thresholds.low must be positive")
	}
	for level, actions := range r.Response.Actions {
		switch level {
		case "low", "medium", "high", "critical":
		default:
			return fail("response actions declared for unknown level %q", level)
		}
		for _, a := range actions {
			if !KnownActions[a] {
				return fail("unknown response action %q for level %s", a, level)
			}
		}
	}
	return nil
}

func validatePolicies(p *PolicyBook) error {
	fail := func(format string, args ...interface{}) error {
		return &ConfigError{Which: "policies", Reason: fmt.Sprintf(format, args...)}
	}

	if len(p.Scenarios) == 0 {
		return fail("at least one scenario is required")
	}
	names := map[string]bool{}
	owners := map[string]string{}
	for i := range p.Scenarios {
		s := &p.Scenarios[i]
		if s.Name == "" {
			return fail("scenarios[%d] requires a name", i)
		}
		if names[s.Name] {
			return fail("duplicate scenario %q", s.Name)
		}
		names[s.Name] = true
		if len(s.ThreatCategories) == 0 {
			return fail("scenario %q must name at least one threat category", s.Name)
		}
		// resolution depends on each category having exactly one owner
		for _, cat := range s.ThreatCategories {
			if prev, taken := owners[cat]; taken {
				return fail("threat category %q claimed by both %q and %q", cat, prev, s.Name)
			}
			owners[cat] = s.Name
		}
		if !KnownTemplateIDs[s.TemplateID] {
			return fail("scenario %q references unknown template %q", s.Name, s.TemplateID)
		}
		if _, ok := p.Strategy(s.CounterStrategy); !ok {
			return fail("scenario %q references unknown counter-strategy %q", s.Name, s.CounterStrategy)
		}
	}
	if p.FallbackScenario == "" {
		return fail("fallback_scenario is required")
	}
	if !names[p.FallbackScenario] {
		return fail("fallback_scenario %q is not a declared scenario", p.FallbackScenario)
	}

	for i := range p.CounterStrategies {
		cs := &p.CounterStrategies[i]
		if cs.Name == "" {
			return fail("counter_strategies[%d] requires a name", i)
		}
		if len(cs.Tiers) < 3 {
			return fail("counter-strategy %q must declare at least three intensity tiers", cs.Name)
		}
		for _, tier := range []string{TierLow, TierMedium, TierHigh} {
			if _, ok := cs.Tiers[tier]; !ok {
				return fail("counter-strategy %q missing %q tier", cs.Name, tier)
			}
		}
		ordered := []IntensityTier{cs.Tiers[TierLow], cs.Tiers[TierMedium], cs.Tiers[TierHigh]}
		if !tiersNonDecreasing(ordered) {
			return fail("counter-strategy %q tiers must be non-decreasing", cs.Name)
		}
		for tier, it := range cs.Tiers {
			if it.Records <= 0 {
				return fail("counter-strategy %q tier %q records must be positive", cs.Name, tier)
			}
		}
	}
	return nil
}

func tiersNonDecreasing(ordered []IntensityTier) bool {
	for i := 1; i < len(ordered); i++ {
		if ordered[i].Records < ordered[i-1].Records ||
			ordered[i].PayloadBytes < ordered[i-1].PayloadBytes {
			return false
		}
	}
	return true
}
