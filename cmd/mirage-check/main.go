package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/decoyhq/mirage/internal/config"
	"github.com/decoyhq/mirage/pkg/mirage"
)

type Component struct {
	Name string
	Test func() error
}

// Checks run in order and hand results forward through these.
var (
	rulesRaw    []byte
	policiesRaw []byte
	rules       *config.RuleBook
	policies    *config.PolicyBook
)

func main() {
	_ = godotenv.Load()

	rulesPath := flag.String("rules", getEnv("MIRAGE_RULES", "configs/rules.yaml"), "path to the detection rule book")
	policiesPath := flag.String("policies", getEnv("MIRAGE_POLICIES", "configs/policies.yaml"), "path to the deception policy book")
	flag.Parse()

	fmt.Println("\033[96mMirage Defense Pipeline - Pre-Flight Diagnostic\033[0m")
	fmt.Println("---------------------------------------------------------")

	components := []Component{
		{"Rule Book (read)", readFileCheck(*rulesPath, &rulesRaw)},
		{"Policy Book (read)", readFileCheck(*policiesPath, &policiesRaw)},
		{"Validation (schema)", checkBooks},
		{"Detection Patterns", checkPatterns},
		{"Deception Scenarios", checkScenarios},
		{"Probe (hostile)", checkHostileProbe},
		{"Probe (benign)", checkBenignProbe},
	}

	failed := false
	for _, c := range components {
		fmt.Printf("Checking %-25s ", c.Name+"...")
		err := c.Test()
		if err != nil {
			fmt.Println("\033[31m[FAIL]\033[0m")
			fmt.Printf("  >> Error: %v\n", err)
			failed = true
		} else {
			fmt.Println("\033[32m[OK]\033[0m")
		}
	}

	fmt.Println("---------------------------------------------------------")
	if rules != nil && policies != nil {
		fmt.Printf("Rule book v%d: %d content patterns, thresholds %.0f/%.0f/%.0f/%.0f\n",
			rules.Version,
			len(rules.Detection.ContentPatterns),
			rules.Response.RiskThresholds.Low,
			rules.Response.RiskThresholds.Medium,
			rules.Response.RiskThresholds.High,
			rules.Response.RiskThresholds.Critical,
		)
		fmt.Printf("Policy book v%d: %d scenarios, %d counter strategies, fallback %q\n",
			policies.Version,
			len(policies.Scenarios),
			len(policies.CounterStrategies),
			policies.FallbackScenario,
		)
	}
	if failed {
		fmt.Println("\033[31mStatus: Configuration rejected. Fix the errors above before deploying.\033[0m")
		os.Exit(1)
	}
	fmt.Println("\033[96mStatus: Books valid. Safe to deploy.\033[0m")
}

// --- Diagnostic Implementations ---

func readFileCheck(path string, into *[]byte) func() error {
	return func() error {
		raw, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		*into = raw
		return nil
	}
}

func checkBooks() error {
	if rulesRaw == nil || policiesRaw == nil {
		return fmt.Errorf("books not read")
	}
	rb, pb, err := config.LoadBytes(rulesRaw, policiesRaw)
	if err != nil {
		return err
	}
	rules, policies = rb, pb
	return nil
}

func checkPatterns() error {
	if rules == nil {
		return fmt.Errorf("rule book not validated")
	}
	if len(rules.Detection.ContentPatterns) == 0 {
		return fmt.Errorf("rule book carries no content patterns, every request would pass on history alone")
	}
	return nil
}

func checkScenarios() error {
	if policies == nil {
		return fmt.Errorf("policy book not validated")
	}
	if len(policies.Scenarios) == 0 {
		return fmt.Errorf("policy book carries no scenarios")
	}
	for _, sc := range policies.Scenarios {
		if sc.Name == policies.FallbackScenario {
			return nil
		}
	}
	return fmt.Errorf("fallback scenario %q is not in the scenario list", policies.FallbackScenario)
}

// checkHostileProbe classifies a canned SQL injection through a throwaway
// engine and expects something other than a clean pass.
func checkHostileProbe() error {
	eng, err := newProbeEngine()
	if err != nil {
		return err
	}
	defer eng.Close()

	v := eng.Process(&mirage.Request{
		SourceAddress: "198.51.100.77",
		UserAgent:     "sqlmap/1.7",
		Endpoint:      "/api/users",
		Body:          `{"filter": "name='x' OR '1'='1'"}`,
	})
	if v.Action == mirage.ActionAllow {
		return fmt.Errorf("SQL injection probe was allowed through (risk %.1f)", v.RiskScore)
	}
	return nil
}

// checkBenignProbe makes sure whitelisted health traffic still passes.
func checkBenignProbe() error {
	eng, err := newProbeEngine()
	if err != nil {
		return err
	}
	defer eng.Close()

	v := eng.Process(&mirage.Request{
		SourceAddress: "203.0.113.4",
		UserAgent:     "HealthCheck/1.0",
		Endpoint:      "/api/data",
	})
	if v.Action != mirage.ActionAllow {
		return fmt.Errorf("health-check probe was classified %s (risk %.1f)", v.Action, v.RiskScore)
	}
	return nil
}

func newProbeEngine() (*mirage.Engine, error) {
	if rulesRaw == nil || policiesRaw == nil {
		return nil, fmt.Errorf("books not read")
	}
	return mirage.New(mirage.Config{
		RulesYAML:    rulesRaw,
		PoliciesYAML: policiesRaw,
	})
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
