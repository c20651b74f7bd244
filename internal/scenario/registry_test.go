package scenario

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/decoyhq/mirage/internal/config"
	"github.com/decoyhq/mirage/internal/risk"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	_, policies, err := config.Load("../../configs/rules.yaml", "../../configs/policies.yaml")
	require.NoError(t, err)
	return NewRegistry(policies)
}

func TestResolveByCategory(t *testing.T) {
	r := testRegistry(t)

	cases := map[string]string{
		"sql_injection":       "sql_honeypot",
		"ldap_injection":      "sql_honeypot",
		"path_traversal":      "filesystem_maze",
		"cmd_injection":       "filesystem_maze",
		"credential_stuffing": "credential_trap",
		"ml_attack":           "model_extraction_defense",
		"suspicious_behavior": "api_scraping",
		"secret_probe":        "secret_lure",
		"xss":                 "reconnaissance",
	}
	for category, want := range cases {
		sc, err := r.Resolve(category)
		require.NoError(t, err, category)
		assert.Equal(t, want, sc.Name, category)
	}
}

func TestResolveMissFallsBack(t *testing.T) {
	r := testRegistry(t)

	sc, err := r.Resolve("quantum_tunneling")
	require.NotNil(t, sc)
	assert.Equal(t, "reconnaissance", sc.Name)

	var miss *ResolutionMissError
	require.True(t, errors.As(err, &miss))
	assert.Equal(t, "quantum_tunneling", miss.Category)

	stats := r.Stats()
	assert.Equal(t, int64(1), stats["misses"])
}

func TestTierForLevel(t *testing.T) {
	assert.Equal(t, config.TierHigh, TierFor(risk.LevelCritical))
	assert.Equal(t, config.TierHigh, TierFor(risk.LevelHigh))
	assert.Equal(t, config.TierMedium, TierFor(risk.LevelMedium))
	assert.Equal(t, config.TierLow, TierFor(risk.LevelLow))
}

func TestIntensityScalesWithTier(t *testing.T) {
	r := testRegistry(t)

	sc, err := r.Resolve("sql_injection")
	require.NoError(t, err)

	low := r.Intensity(sc, config.TierLow)
	high := r.Intensity(sc, config.TierHigh)
	assert.Equal(t, 10, low.Records)
	assert.Equal(t, 60, high.Records)
	assert.Greater(t, high.PayloadBytes, low.PayloadBytes)
}
