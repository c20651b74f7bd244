package safety

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/decoyhq/mirage/internal/config"
	"github.com/decoyhq/mirage/internal/detect"
	"github.com/decoyhq/mirage/internal/history"
	"github.com/decoyhq/mirage/internal/reputation"
	"github.com/decoyhq/mirage/internal/request"
)

func testBook(t *testing.T) *config.RuleBook {
	t.Helper()
	rules, _, err := config.Load("../../configs/rules.yaml", "../../configs/policies.yaml")
	require.NoError(t, err)
	return rules
}

func pageWalk(n int, step float64) []history.Entry {
	entries := make([]history.Entry, 0, n)
	for i := 1; i <= n; i++ {
		ep := fmt.Sprintf("/api/products?page=%d", i)
		entries = append(entries, history.Entry{
			Timestamp:   1000 + float64(i-1)*step,
			Endpoint:    ep,
			ContentHash: ep,
		})
	}
	return entries
}

func TestWhitelistQuickExit(t *testing.T) {
	book := testBook(t)
	f := NewFilter(reputation.NewTable(100))

	cases := []struct {
		name   string
		req    request.Request
		reason string
	}{
		{
			name:   "agent",
			req:    request.Request{Timestamp: 1000, SourceAddress: "203.0.113.9", UserAgent: "HealthCheck/1.0", Endpoint: "/api/users"},
			reason: ReasonWhitelistedAgent,
		},
		{
			name:   "network",
			req:    request.Request{Timestamp: 1000, SourceAddress: "127.0.0.1", UserAgent: "curl/8.0.1", Endpoint: "/api/users"},
			reason: ReasonWhitelistedNetwork,
		},
		{
			name:   "network with port",
			req:    request.Request{Timestamp: 1000, SourceAddress: "10.2.3.4:58100", UserAgent: "curl/8.0.1", Endpoint: "/api/users"},
			reason: ReasonWhitelistedNetwork,
		},
		{
			name:   "endpoint",
			req:    request.Request{Timestamp: 1000, SourceAddress: "203.0.113.9", UserAgent: "curl/8.0.1", Endpoint: "/healthz"},
			reason: ReasonWhitelistedEndpoint,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := f.Inspect(book, &tc.req, tc.req.Fingerprint(), history.Snapshot{})
			assert.True(t, res.Safe)
			assert.Equal(t, 1, res.StageReached)
			assert.Equal(t, 1.0, res.Confidence)
			assert.Equal(t, []string{tc.reason}, res.Reasons)
		})
	}
}

func TestTrustedReputationExit(t *testing.T) {
	book := testBook(t)
	rep := reputation.NewTable(100)
	f := NewFilter(rep)

	req := &request.Request{Timestamp: 1000, SourceAddress: "198.51.100.7", UserAgent: "svc-mesh/2.1", Endpoint: "/api/orders"}
	fp := req.Fingerprint()
	rep.Adjust(fp, 60, 1000)

	snap := history.Snapshot{Entries: []history.Entry{{Timestamp: 1000, Endpoint: "/api/orders"}}}
	res := f.Inspect(book, req, fp, snap)

	assert.True(t, res.Safe)
	assert.Equal(t, 1, res.StageReached)
	assert.InDelta(t, 0.9, res.Confidence, 1e-9)
	assert.Equal(t, []string{ReasonTrustedReputation}, res.Reasons)
}

func TestTrustedReputationDoesNotMaskContent(t *testing.T) {
	book := testBook(t)
	rep := reputation.NewTable(100)
	f := NewFilter(rep)

	req := &request.Request{
		Timestamp:     1000,
		SourceAddress: "198.51.100.7",
		UserAgent:     "svc-mesh/2.1",
		Endpoint:      "/api/orders",
		Body:          "name='x' OR '1'='1'",
	}
	fp := req.Fingerprint()
	rep.Adjust(fp, 60, 1000)

	snap := history.Snapshot{Entries: []history.Entry{{Timestamp: 1000, Endpoint: "/api/orders"}}}
	res := f.Inspect(book, req, fp, snap)

	assert.False(t, res.Safe)
	assert.Equal(t, 3, res.StageReached)
	assert.Contains(t, res.Reasons, ReasonContentMatch)
	assert.Contains(t, res.Evidence, "sql_injection_core")
}

func TestContentMatchCondemns(t *testing.T) {
	book := testBook(t)
	f := NewFilter(nil)

	req := &request.Request{
		Timestamp:     1000,
		SourceAddress: "203.0.113.50",
		UserAgent:     "sqlmap/1.7",
		Endpoint:      "/api/users",
		Params:        []request.Param{{Key: "id", Value: "1' OR '1'='1"}},
		Body:          "SELECT * FROM users WHERE id='1' OR '1'='1'",
	}
	snap := history.Snapshot{Entries: []history.Entry{{Timestamp: 1000, Endpoint: "/api/users"}}}
	res := f.Inspect(book, req, req.Fingerprint(), snap)

	assert.False(t, res.Safe)
	assert.Equal(t, 3, res.StageReached)
	assert.Equal(t, []string{ReasonContentMatch}, res.Reasons)
	assert.InDelta(t, 0.9, res.Confidence, 1e-9)

	require.Contains(t, res.Evidence, "sql_injection_core")
	ev := res.Evidence["sql_injection_core"]
	assert.Equal(t, detect.KindContent, ev.Kind)
	assert.Equal(t, "sql_injection", ev.Group)
	require.NotNil(t, ev.Match)
	assert.NotEmpty(t, ev.Match.Excerpt)
}

func TestSingleQuietCriterionIsIgnored(t *testing.T) {
	book := testBook(t)
	f := NewFilter(reputation.NewTable(100))

	// Perfectly spaced but slow and varied: only the timing criterion
	// fires, and alone it must not shade confidence.
	endpoints := []string{"/home", "/pricing", "/about", "/blog", "/contact", "/docs"}
	entries := make([]history.Entry, 0, len(endpoints))
	for i, ep := range endpoints {
		entries = append(entries, history.Entry{Timestamp: 1000 + float64(i)*3, Endpoint: ep, ContentHash: ep})
	}
	req := &request.Request{Timestamp: 1015, SourceAddress: "203.0.113.77", UserAgent: "Mozilla/5.0", Endpoint: "/docs"}
	res := f.Inspect(book, req, req.Fingerprint(), history.Snapshot{Entries: entries, DistinctAgents: 1})

	assert.True(t, res.Safe)
	assert.Equal(t, 3, res.StageReached)
	assert.Equal(t, []string{ReasonDeepScanClean}, res.Reasons)
	assert.InDelta(t, 0.9, res.Confidence, 1e-9)
}

func TestBehavioralSuspicionShadesCleanOutcome(t *testing.T) {
	book := testBook(t)
	f := NewFilter(reputation.NewTable(100))

	entries := pageWalk(20, 0.05)
	req := &request.Request{
		Timestamp:     entries[len(entries)-1].Timestamp,
		SourceAddress: "203.0.113.80",
		UserAgent:     "python-requests/2.31",
		Endpoint:      "/api/products",
		Params:        []request.Param{{Key: "page", Value: "20"}},
	}
	res := f.Inspect(book, req, req.Fingerprint(), history.Snapshot{Entries: entries, DistinctAgents: 1})

	assert.True(t, res.Safe)
	assert.Equal(t, 3, res.StageReached)
	assert.Contains(t, res.Reasons, ReasonBurstRate)
	assert.Contains(t, res.Reasons, ReasonMachineTiming)
	assert.Contains(t, res.Reasons, ReasonEnumeration)
	assert.Contains(t, res.Reasons, ReasonNoHumanNoise)
	assert.Contains(t, res.Reasons, ReasonStrongTiming)
	assert.Contains(t, res.Reasons, ReasonDeepScanClean)
	assert.InDelta(t, 0.15, res.Confidence, 1e-9)
}

func TestParameterSweepCondemns(t *testing.T) {
	book := testBook(t)
	f := NewFilter(reputation.NewTable(100))

	entries := pageWalk(50, 0.05)
	req := &request.Request{
		Timestamp:     entries[len(entries)-1].Timestamp,
		SourceAddress: "203.0.113.80",
		UserAgent:     "python-requests/2.31",
		Endpoint:      "/api/products",
		Params:        []request.Param{{Key: "page", Value: "50"}},
	}
	res := f.Inspect(book, req, req.Fingerprint(), history.Snapshot{Entries: entries, DistinctAgents: 1})

	assert.False(t, res.Safe)
	assert.Equal(t, 3, res.StageReached)
	assert.Contains(t, res.Reasons, ReasonParamSweep)
	assert.Equal(t, 1.0, res.Confidence)

	require.Contains(t, res.Evidence, ReasonParamSweep)
	ev := res.Evidence[ReasonParamSweep]
	require.NotNil(t, ev.Sequence)
	assert.Equal(t, "page", ev.Sequence.Key)
	assert.Equal(t, 50, ev.Sequence.DistinctValues)
}

func TestBoundaryProbingCondemns(t *testing.T) {
	book := testBook(t)
	f := NewFilter(reputation.NewTable(100))

	// Scattered distinct probes at machine-regular cadence, but no
	// monotonic walk and far under the sweep bar.
	entries := make([]history.Entry, 0, 20)
	for i := 0; i < 20; i++ {
		ep := fmt.Sprintf("/api/model/predict?q=%d", (i*37)%101)
		entries = append(entries, history.Entry{Timestamp: 1000 + float64(i)*2, Endpoint: ep, ContentHash: ep})
	}
	req := &request.Request{
		Timestamp:     entries[len(entries)-1].Timestamp,
		SourceAddress: "203.0.113.90",
		UserAgent:     "grpc-python/1.62",
		Endpoint:      "/api/model/predict",
	}
	res := f.Inspect(book, req, req.Fingerprint(), history.Snapshot{Entries: entries, DistinctAgents: 1})

	assert.False(t, res.Safe)
	assert.Equal(t, 3, res.StageReached)
	assert.Contains(t, res.Reasons, ReasonBoundaryProbing)

	require.Contains(t, res.Evidence, ReasonBoundaryProbing)
	ev := res.Evidence[ReasonBoundaryProbing]
	require.NotNil(t, ev.Sequence)
	assert.Equal(t, 20, ev.Sequence.Requests)
	assert.InDelta(t, 1.0, ev.Sequence.UniqueRatio, 1e-9)
}

func TestScanBudgetFailsTowardCaution(t *testing.T) {
	book := testBook(t)
	book.Detection.MaxRegexSteps = 64
	f := NewFilter(reputation.NewTable(100))

	req := &request.Request{
		Timestamp:     1000,
		SourceAddress: "203.0.113.9",
		UserAgent:     "curl/8.0.1",
		Endpoint:      "/api/search",
		Body:          strings.Repeat("a=1&", 64),
	}
	snap := history.Snapshot{Entries: []history.Entry{{Timestamp: 1000, Endpoint: "/api/search"}}}
	res := f.Inspect(book, req, req.Fingerprint(), snap)

	assert.False(t, res.Safe)
	assert.Equal(t, 3, res.StageReached)
	assert.Contains(t, res.Reasons, ReasonScanBudget)
	assert.InDelta(t, 0.5, res.Confidence, 1e-9)

	flagged := false
	for _, ev := range res.Evidence {
		if ev.BudgetExceeded {
			flagged = true
		}
	}
	assert.True(t, flagged)
}
