package pipeline

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/decoyhq/mirage/internal/audit"
	"github.com/decoyhq/mirage/internal/config"
	"github.com/decoyhq/mirage/internal/deception"
	"github.com/decoyhq/mirage/internal/detect"
	"github.com/decoyhq/mirage/internal/events"
	"github.com/decoyhq/mirage/internal/request"
	"github.com/decoyhq/mirage/internal/risk"
	"github.com/decoyhq/mirage/internal/safety"
)

const (
	rulesPath    = "../../configs/rules.yaml"
	policiesPath = "../../configs/policies.yaml"
)

func loadBooks(t *testing.T) (*config.RuleBook, *config.PolicyBook) {
	t.Helper()
	rules, policies, err := config.Load(rulesPath, policiesPath)
	require.NoError(t, err)
	return rules, policies
}

func newTestPipeline(t *testing.T, d Deps) *Orchestrator {
	t.Helper()
	if d.Manager == nil {
		rules, policies := loadBooks(t)
		d.Manager = config.NewManagerFromBooks(rules, policies)
	}
	o, err := New(d)
	require.NoError(t, err)
	return o
}

func recvEvent(t *testing.T, ch <-chan *events.Event) *events.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	default:
		t.Fatal("expected a buffered event")
		return nil
	}
}

type rejectingSink struct{}

func (rejectingSink) Write(*audit.Entry) error { return errors.New("wal full") }

func TestWhitelistedAgentAllowsWithoutDetection(t *testing.T) {
	det := detect.NewDetector()
	o := newTestPipeline(t, Deps{Detector: det})

	v := o.Process(&request.Request{
		Timestamp:     1700000000,
		SourceAddress: "203.0.113.4",
		UserAgent:     "HealthCheck/1.0",
		Endpoint:      "/api/data",
	})

	require.Equal(t, risk.OutcomeAllow, v.Action)
	assert.False(t, v.FailClosed)
	assert.Equal(t, 1, v.StageReached)
	assert.Contains(t, v.Reasons, safety.ReasonWhitelistedAgent)
	assert.Equal(t, uint64(1), v.AuditID)
	assert.Equal(t, risk.LevelLow, v.Assessment.Level)
	assert.Equal(t, []string{config.ActionLog}, v.Assessment.Actions)

	assert.Equal(t, int64(0), det.Stats()["runs"],
		"whitelisted traffic must not reach the detector")

	// Quick-stage exits earn no reputation credit.
	assert.Zero(t, o.Reputation().Score(v.Fingerprint, 1700000001))
}

func TestSQLInjectionDrawsCountermeasures(t *testing.T) {
	o := newTestPipeline(t, Deps{})

	req := &request.Request{
		Timestamp:     1700000000,
		SourceAddress: "198.51.100.7",
		UserAgent:     "sqlmap/1.7",
		Endpoint:      "/api/users",
		Body:          `{"filter": "name='x' OR '1'='1'"}`,
	}
	v := o.Process(req)

	require.Equal(t, risk.OutcomeCountermeasures, v.Action)
	assert.False(t, v.FailClosed)
	require.NotNil(t, v.Payload)
	require.Len(t, v.TrackingToken, 32)
	assert.Equal(t, "sql_honeypot", v.Scenario)
	assert.Equal(t, config.TemplateSQLHoneypot, v.Payload.Kind)
	assert.Equal(t, v.TrackingToken, v.Payload.Token)
	assert.Equal(t, risk.LevelCritical, v.Assessment.Level)
	assert.Equal(t, "sql_injection", v.Assessment.ThreatCategory)
	assert.Contains(t, v.Assessment.Actions, config.ActionServeFake)

	body, err := v.Payload.Render()
	require.NoError(t, err)
	assert.Contains(t, string(body), v.TrackingToken)

	// CRITICAL maps to the high intensity tier: sixty poisoned rows.
	dump, ok := v.Payload.Document.(*deception.SQLDump)
	require.True(t, ok)
	assert.Len(t, dump.Rows, 60)

	// Countermeasures cost the fingerprint five points of standing.
	score, _, found := o.Reputation().Lookup(v.Fingerprint, req.Timestamp)
	require.True(t, found)
	assert.Equal(t, -5.0, score)

	// The verdict and its audit record agree.
	entries := o.Trail().Search(audit.Query{Fingerprint: v.Fingerprint})
	require.Len(t, entries, 1)
	assert.Equal(t, v.AuditID, entries[0].AuditID)
	assert.Equal(t, "countermeasures", entries[0].Action)
	assert.Equal(t, v.TrackingToken, entries[0].TrackingToken)
	assert.Equal(t, "sql_honeypot", entries[0].Scenario)
}

func TestCriticalConfidenceBlocks(t *testing.T) {
	o := newTestPipeline(t, Deps{})

	req := &request.Request{
		Timestamp:     1700000000,
		SourceAddress: "198.51.100.8",
		UserAgent:     "scanner/2.0",
		Endpoint:      "/api/search",
		Body:          `q=' OR '1'='1' UNION SELECT * FROM users <script>alert(1)</script>`,
	}
	v := o.Process(req)

	require.Equal(t, risk.OutcomeBlock, v.Action)
	assert.False(t, v.FailClosed)
	assert.Nil(t, v.Payload)
	assert.Empty(t, v.TrackingToken)
	assert.Equal(t, risk.LevelCritical, v.Assessment.Level)
	assert.GreaterOrEqual(t, v.Assessment.Confidence, 0.9)
	assert.Contains(t, v.Assessment.Actions, config.ActionReverseTracking)

	score, _, found := o.Reputation().Lookup(v.Fingerprint, req.Timestamp)
	require.True(t, found)
	assert.Equal(t, -10.0, score)

	entries := o.Trail().Search(audit.Query{Action: "block"})
	require.Len(t, entries, 1)
	assert.Equal(t, v.AuditID, entries[0].AuditID)
}

func TestTrustedReputationShortcutsButContentStillCondemns(t *testing.T) {
	o := newTestPipeline(t, Deps{})

	req := &request.Request{
		Timestamp:     1700000000,
		SourceAddress: "198.51.100.30",
		UserAgent:     "app/3.2",
		Endpoint:      "/api/profile",
	}
	o.Reputation().Adjust(req.Fingerprint(), 60, req.Timestamp)

	v := o.Process(req)
	require.Equal(t, risk.OutcomeAllow, v.Action)
	assert.Equal(t, 1, v.StageReached)
	assert.Contains(t, v.Reasons, safety.ReasonTrustedReputation)

	// Standing never excuses a hostile surface.
	attack := &request.Request{
		Timestamp:     1700000010,
		SourceAddress: "198.51.100.30",
		UserAgent:     "app/3.2",
		Endpoint:      "/api/profile",
		Body:          `name='x' OR '1'='1'`,
	}
	v = o.Process(attack)
	require.Equal(t, risk.OutcomeCountermeasures, v.Action)
	assert.NotEmpty(t, v.TrackingToken)
}

func TestAuditFailureFailsClosed(t *testing.T) {
	bus := events.NewBus()
	sub := bus.Subscribe(events.TypeFailClosed)
	o := newTestPipeline(t, Deps{Trail: audit.NewLog(16, rejectingSink{}), Bus: bus})

	req := &request.Request{
		Timestamp:     1700000000,
		SourceAddress: "198.51.100.9",
		UserAgent:     "curl/8.5",
		Endpoint:      "/api/products",
	}
	v := o.Process(req)

	require.Equal(t, risk.OutcomeBlock, v.Action)
	assert.True(t, v.FailClosed)
	assert.Zero(t, v.AuditID)
	assert.Nil(t, v.Payload)
	assert.Empty(t, v.TrackingToken)

	// Nothing recorded, and the client's standing is untouched.
	assert.Equal(t, 0, o.Trail().Len())
	_, _, found := o.Reputation().Lookup(v.Fingerprint, req.Timestamp)
	assert.False(t, found)

	ev := recvEvent(t, sub)
	assert.Equal(t, events.TypeFailClosed, ev.Type)
	assert.Equal(t, v.Fingerprint, ev.Subject)
}

func TestPayloadBuildDegradesToGeneric(t *testing.T) {
	rules, policies := loadBooks(t)
	sc, ok := policies.ScenarioByName("sql_honeypot")
	require.True(t, ok)
	sc.TemplateID = "retired_template"

	bus := events.NewBus()
	sub := bus.Subscribe(events.TypeDegradation)
	o := newTestPipeline(t, Deps{
		Manager: config.NewManagerFromBooks(rules, policies),
		Bus:     bus,
	})

	v := o.Process(&request.Request{
		Timestamp:     1700000000,
		SourceAddress: "198.51.100.10",
		UserAgent:     "sqlmap/1.7",
		Endpoint:      "/api/users",
		Body:          `name='x' OR '1'='1'`,
	})

	require.Equal(t, risk.OutcomeCountermeasures, v.Action)
	require.NotNil(t, v.Payload)
	assert.Equal(t, config.TemplateGeneric, v.Payload.Kind)
	assert.Equal(t, "sql_honeypot", v.Scenario,
		"degraded payloads keep the scenario name")
	assert.NotEmpty(t, v.TrackingToken)

	doc, ok := v.Payload.Document.(*deception.Generic)
	require.True(t, ok)
	assert.Equal(t, v.TrackingToken, doc.TrackingToken)

	ev := recvEvent(t, sub)
	assert.Equal(t, "retired_template", ev.Data["template"])
	assert.Equal(t, int64(1), o.Stats()["degraded_builds"])
}

func TestResolutionMissServesFallback(t *testing.T) {
	rules, policies := loadBooks(t)
	sc, ok := policies.ScenarioByName("sql_honeypot")
	require.True(t, ok)
	sc.ThreatCategories = []string{"ldap_injection"}

	o := newTestPipeline(t, Deps{Manager: config.NewManagerFromBooks(rules, policies)})

	v := o.Process(&request.Request{
		Timestamp:     1700000000,
		SourceAddress: "198.51.100.11",
		UserAgent:     "sqlmap/1.7",
		Endpoint:      "/api/users",
		Body:          `name='x' OR '1'='1'`,
	})

	require.Equal(t, risk.OutcomeCountermeasures, v.Action)
	assert.Equal(t, "reconnaissance", v.Scenario)
	require.NotNil(t, v.Payload)
	assert.Equal(t, config.TemplateGeneric, v.Payload.Kind)
	assert.NotEmpty(t, v.TrackingToken)
}

func TestSuspiciousBelowBarsAllowsWithTracking(t *testing.T) {
	rules, policies := loadBooks(t)
	// Tighten the deep-stage sweep bar so six values condemn, and push the
	// detector's enumeration bar out of reach so the score stays low.
	rules.Safety.ParamSweepValues = 5
	rules.Detection.Behavioral.SystematicEnumeration.MinRun = 100

	o := newTestPipeline(t, Deps{Manager: config.NewManagerFromBooks(rules, policies)})

	var v *Verdict
	for i := 0; i < 6; i++ {
		v = o.Process(&request.Request{
			Timestamp:     1700000000 + float64(i)*2,
			SourceAddress: "198.51.100.12",
			UserAgent:     "client/1.0",
			Endpoint:      "/api/items",
			Params:        []request.Param{{Key: "page", Value: fmt.Sprintf("%d", i+1)}},
		})
	}

	require.Equal(t, risk.OutcomeAllow, v.Action)
	assert.Contains(t, v.Reasons, safety.ReasonParamSweep)
	assert.Equal(t, risk.LevelLow, v.Assessment.Level)
	assert.Equal(t, risk.CategorySuspiciousBehavior, v.Assessment.ThreatCategory)
	assert.Equal(t, []string{config.ActionLog, config.ActionTrack}, v.Assessment.Actions)

	// Deep-stage allows vouch for the client even when flagged.
	assert.Equal(t, 6.0, o.Reputation().Score(v.Fingerprint, 1700000010))
}

func TestConfigReloadSwapsView(t *testing.T) {
	dir := t.TempDir()
	rulesCopy := filepath.Join(dir, "rules.yaml")
	policiesCopy := filepath.Join(dir, "policies.yaml")
	rulesRaw, err := os.ReadFile(rulesPath)
	require.NoError(t, err)
	policiesRaw, err := os.ReadFile(policiesPath)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(rulesCopy, rulesRaw, 0o644))
	require.NoError(t, os.WriteFile(policiesCopy, policiesRaw, 0o644))

	mgr, err := config.NewManager(rulesCopy, policiesCopy)
	require.NoError(t, err)
	bus := events.NewBus()
	sub := bus.Subscribe(events.TypeConfigReloaded)
	o := newTestPipeline(t, Deps{Manager: mgr, Bus: bus})

	// A broken candidate never replaces the serving view.
	require.NoError(t, os.WriteFile(rulesCopy, []byte("version: [broken"), 0o644))
	require.Error(t, mgr.Reload())
	v := o.Process(&request.Request{
		Timestamp:     1700000000,
		SourceAddress: "10.1.2.3",
		UserAgent:     "internal-probe/1.0",
		Endpoint:      "/api/ping",
	})
	assert.Equal(t, risk.OutcomeAllow, v.Action)
	assert.Contains(t, v.Reasons, safety.ReasonWhitelistedNetwork)

	// A valid candidate swaps in and the swap is announced.
	bumped := strings.Replace(string(rulesRaw), "version: 1", "version: 2", 1)
	require.NoError(t, os.WriteFile(rulesCopy, []byte(bumped), 0o644))
	require.NoError(t, mgr.Reload())

	ev := recvEvent(t, sub)
	assert.Equal(t, 2, ev.Data["rules_version"])
}

func TestVerdictEventsPublished(t *testing.T) {
	bus := events.NewBus()
	all := bus.Subscribe()
	o := newTestPipeline(t, Deps{Bus: bus})

	o.Process(&request.Request{
		Timestamp:     1700000000,
		SourceAddress: "198.51.100.13",
		UserAgent:     "sqlmap/1.7",
		Endpoint:      "/api/users",
		Body:          `name='x' OR '1'='1'`,
	})

	first := recvEvent(t, all)
	assert.Equal(t, events.TypeCountermeasures, first.Type)
	assert.Equal(t, "countermeasures", first.Data["action"])
	second := recvEvent(t, all)
	assert.Equal(t, events.TypeVerdict, second.Type)
}

func TestConcurrentProcessingKeepsAuditContiguous(t *testing.T) {
	o := newTestPipeline(t, Deps{})

	const workers, perWorker = 4, 25
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				o.Process(&request.Request{
					Timestamp:     1700000000 + float64(i),
					SourceAddress: fmt.Sprintf("198.51.%d.%d", w+1, i+1),
					UserAgent:     "client/1.0",
					Endpoint:      "/api/catalog",
				})
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, workers*perWorker, o.Trail().Len())
	assert.Equal(t, uint64(workers*perWorker), o.Trail().LastID())
	assert.Equal(t, int64(workers*perWorker), o.Stats()["processed"])
}

func TestSweepExpiresIdleState(t *testing.T) {
	o := newTestPipeline(t, Deps{})

	req := &request.Request{
		Timestamp:     1000,
		SourceAddress: "198.51.100.14",
		UserAgent:     "sqlmap/1.7",
		Endpoint:      "/api/users",
		Body:          `name='x' OR '1'='1'`,
	}
	v := o.Process(req)
	require.Equal(t, risk.OutcomeCountermeasures, v.Action)
	require.Equal(t, 1, o.History().Len(v.Fingerprint))

	// Far past history retention; long enough for a -5 to decay to zero
	// and sit idle past the drop cutoff.
	o.sweep(1000 + 7200)

	assert.Equal(t, 0, o.History().Len(v.Fingerprint))
	_, _, found := o.Reputation().Lookup(v.Fingerprint, 1000+7200)
	assert.False(t, found)
}
