package deception

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/decoyhq/mirage/internal/config"
)

type fixedSource struct{ fill byte }

func (s fixedSource) RandomBytes(n int) ([]byte, error) {
	return bytes.Repeat([]byte{s.fill}, n), nil
}

type failingSource struct{}

func (failingSource) RandomBytes(int) ([]byte, error) {
	return nil, io.ErrUnexpectedEOF
}

type shortSource struct{}

func (shortSource) RandomBytes(int) ([]byte, error) {
	return []byte{1, 2, 3}, nil
}

func TestNewTokenHexEncoded(t *testing.T) {
	token, err := NewToken(fixedSource{fill: 0x0f})
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("0f", 16), token)

	raw, err := hex.DecodeString(token)
	require.NoError(t, err)
	assert.Len(t, raw, 16)
}

func TestNewTokenUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 64; i++ {
		token, err := NewToken(CryptoSource{})
		require.NoError(t, err)
		require.Len(t, token, 32)
		require.False(t, seen[token], "token %s drawn twice", token)
		seen[token] = true
	}
}

func TestNewTokenSourceErrors(t *testing.T) {
	_, err := NewToken(failingSource{})
	require.Error(t, err)

	_, err = NewToken(shortSource{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "3 bytes")
}

func testToken(t *testing.T) string {
	t.Helper()
	token, err := NewToken(fixedSource{fill: 0xa7})
	require.NoError(t, err)
	return token
}

func scenarioFor(name, templateID string) *config.Scenario {
	return &config.Scenario{Name: name, TemplateID: templateID}
}

func TestEveryTemplateEmbedsToken(t *testing.T) {
	f := NewFactory()
	token := testToken(t)
	tier := config.IntensityTier{Records: 6, PayloadBytes: 16384}

	for id := range config.KnownTemplateIDs {
		t.Run(id, func(t *testing.T) {
			p, err := f.Build(scenarioFor("probe_"+id, id), tier, token, 1700000000)
			require.NoError(t, err)
			assert.Equal(t, id, p.Kind)
			assert.Equal(t, token, p.Token)
			assert.NotEmpty(t, p.ContentType)

			body, err := p.Render()
			require.NoError(t, err)
			assert.True(t, bytes.Contains(body, []byte(token)),
				"rendered %s payload does not carry the token", id)
		})
	}
}

func TestBuildIsDeterministicPerToken(t *testing.T) {
	f := NewFactory()
	tier := config.IntensityTier{Records: 10, PayloadBytes: 16384}
	sc := scenarioFor("sql_honeypot", config.TemplateSQLHoneypot)
	token := testToken(t)

	first, err := f.Build(sc, tier, token, 1700000000)
	require.NoError(t, err)
	second, err := f.Build(sc, tier, token, 1700000000)
	require.NoError(t, err)

	a, err := first.Render()
	require.NoError(t, err)
	b, err := second.Render()
	require.NoError(t, err)
	assert.Equal(t, a, b)

	other, err := NewToken(fixedSource{fill: 0x3c})
	require.NoError(t, err)
	third, err := f.Build(sc, tier, other, 1700000000)
	require.NoError(t, err)
	c, err := third.Render()
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestSQLHoneypotRowsAreTraceable(t *testing.T) {
	f := NewFactory()
	token := testToken(t)
	p, err := f.Build(scenarioFor("sql_honeypot", config.TemplateSQLHoneypot),
		config.IntensityTier{Records: 60, PayloadBytes: 65536}, token, 1700000000)
	require.NoError(t, err)

	dump, ok := p.Document.(*SQLDump)
	require.True(t, ok)
	assert.Contains(t, dump.Schema, "CREATE TABLE users")
	assert.Contains(t, dump.Schema, token)
	require.Len(t, dump.Rows, 60)

	lastID := 0
	for _, row := range dump.Rows {
		assert.Contains(t, row.APIKey, token)
		assert.Contains(t, row.Email, token)
		assert.Greater(t, row.ID, lastID)
		lastID = row.ID
	}
}

func TestAPIFloodContradictsItself(t *testing.T) {
	f := NewFactory()
	token := testToken(t)
	p, err := f.Build(scenarioFor("api_scraping", config.TemplateAPIFlood),
		config.IntensityTier{Records: 25, PayloadBytes: 32768}, token, 1700000000)
	require.NoError(t, err)

	flood, ok := p.Document.(*APIFlood)
	require.True(t, ok)
	require.Len(t, flood.Items, 25)
	require.Len(t, flood.Revisions, 25)

	for i, item := range flood.Items {
		rev := flood.Revisions[i]
		assert.Equal(t, item.ID, rev.ID)
		assert.Equal(t, item.SKU, rev.SKU)
		assert.NotEqual(t, item.Price, rev.Price)
		assert.Greater(t, rev.Stock, item.Stock)
		assert.NotEqual(t, item.Category, rev.Category)
		assert.Contains(t, item.Description, token)
		assert.Contains(t, rev.Description, token)
	}
}

func TestCredentialAccountsDeriveFromToken(t *testing.T) {
	f := NewFactory()
	token := testToken(t)
	p, err := f.Build(scenarioFor("credential_trap", config.TemplateCredentialHoneypot),
		config.IntensityTier{Records: 16, PayloadBytes: 8192}, token, 1700000000)
	require.NoError(t, err)

	set, ok := p.Document.(*CredentialSet)
	require.True(t, ok)
	assert.Equal(t, "authenticated", set.Status)
	assert.Contains(t, set.SessionToken, token)
	require.Len(t, set.Accounts, 16)

	for i, acct := range set.Accounts {
		wantPassword := fmt.Sprintf("%s!%02d", token[:10], i)
		assert.Equal(t, wantPassword, acct.Password)
		assert.Equal(t, hashHex("credentials", wantPassword), acct.PasswordHash)
		assert.Contains(t, acct.APIToken, token)
	}
}

func TestEnvDumpEveryValueCarriesToken(t *testing.T) {
	f := NewFactory()
	token := testToken(t)
	p, err := f.Build(scenarioFor("secret_lure", config.TemplateEnvDump),
		config.IntensityTier{Records: 20, PayloadBytes: 8192}, token, 1700000000)
	require.NoError(t, err)
	assert.Equal(t, "text/plain; charset=utf-8", p.ContentType)

	dump, ok := p.Document.(*EnvDump)
	require.True(t, ok)
	require.Len(t, dump.Vars, 20)
	for _, v := range dump.Vars {
		assert.Contains(t, v.Value, token, "value of %s", v.Key)
	}

	body, err := p.Render()
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(body), "\n"), "\n")
	assert.Len(t, lines, 20)
	for _, line := range lines {
		assert.Contains(t, line, "=")
	}
}

func TestFilesystemTreeExposesTokenizedPasswd(t *testing.T) {
	f := NewFactory()
	token := testToken(t)
	p, err := f.Build(scenarioFor("filesystem_maze", config.TemplateFilesystemTree),
		config.IntensityTier{Records: 12, PayloadBytes: 32768}, token, 1700000000)
	require.NoError(t, err)

	tree, ok := p.Document.(*FileTree)
	require.True(t, ok)
	require.Len(t, tree.Root.Children, 3)

	etc := tree.Root.Children[0]
	require.Equal(t, "etc", etc.Name)
	passwd := etc.Children[0]
	require.Equal(t, "passwd", passwd.Name)
	assert.Contains(t, passwd.Content, token)
	assert.Contains(t, passwd.Content, "root:x:0:0:root:/root:/bin/bash")
	assert.Equal(t, len(passwd.Content), passwd.Size)

	home := tree.Root.Children[1]
	require.Equal(t, "home", home.Name)
	assert.Len(t, home.Children, 12)
	for _, h := range home.Children {
		require.NotEmpty(t, h.Children)
	}
}

func TestGenericPayloadShape(t *testing.T) {
	f := NewFactory()
	token := testToken(t)
	p, err := f.Build(scenarioFor("reconnaissance", config.TemplateGeneric),
		config.IntensityTier{Records: 20, PayloadBytes: 4096}, token, 1723456789.5)
	require.NoError(t, err)

	doc, ok := p.Document.(*Generic)
	require.True(t, ok)
	assert.Equal(t, "reconnaissance", doc.ScenarioName)
	assert.Equal(t, 1723456789.5, doc.Timestamp)
	assert.Equal(t, token, doc.TrackingToken)
	require.Len(t, doc.Data, 8)
	for _, item := range doc.Data {
		assert.Contains(t, item, token)
	}
}

func TestBuildFailureModes(t *testing.T) {
	f := NewFactory()
	token := testToken(t)
	tier := config.IntensityTier{Records: 5, PayloadBytes: 4096}

	_, err := f.Build(scenarioFor("sql_honeypot", config.TemplateSQLHoneypot), tier, "", 0)
	var buildErr *BuildError
	require.ErrorAs(t, err, &buildErr)
	assert.Contains(t, buildErr.Reason, "token")

	_, err = f.Build(scenarioFor("sql_honeypot", config.TemplateSQLHoneypot),
		config.IntensityTier{}, token, 0)
	require.ErrorAs(t, err, &buildErr)

	_, err = f.Build(scenarioFor("mystery", "holographic_maze"), tier, token, 0)
	require.ErrorAs(t, err, &buildErr)
	assert.Equal(t, "holographic_maze", buildErr.TemplateID)

	stats := f.Stats()
	assert.Equal(t, int64(3), stats["failures"])
}
