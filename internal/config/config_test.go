package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeDoc(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func validDoc() string {
	return `{
		"broker": {"apiHost": "https://mt.example/{region}", "streamHost": "wss://mt.example", "token": "tok"},
		"accounts": {
			"acct-src": {"region": "london", "referenceBalance": 5000},
			"acct-dst": {"region": "london"}
		},
		"ruleSets": {"default": {}},
		"routes": [
			{"id": "r1", "source": "acct-src", "destination": "acct-dst", "ruleSet": "default", "enabled": true}
		]
	}`
}

func TestLoadMergesOverDefaults(t *testing.T) {
	path := writeDoc(t, validDoc())

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "run", cfg.Mode)
	assert.Equal(t, "tok", cfg.Broker.Token)
	assert.Len(t, cfg.Routes, 1)
	// Untouched sections keep their defaults.
	assert.Equal(t, 10, cfg.Postgres.PoolMaxConns)
	assert.GreaterOrEqual(t, cfg.Global.ScanInterval.Duration, time.Minute)

	// The document's empty ruleSet is filled by defaults at resolve time,
	// not load time; Validate must still pass with the default rule set.
	cfg.RuleSets["default"] = DefaultRuleSet()
	require.NoError(t, cfg.Validate())
}

func TestEnvOverridesWin(t *testing.T) {
	t.Setenv("COPYRIG_BROKER_TOKEN", "env-token")
	t.Setenv("COPYRIG_SERVER_CORS_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("COPYRIG_BROKER_QUERY_TIMEOUT", "7s")

	cfg, err := Load(writeDoc(t, validDoc()))
	require.NoError(t, err)

	assert.Equal(t, "env-token", cfg.Broker.Token)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSOrigins)
	assert.Equal(t, 7*time.Second, cfg.Broker.QueryTimeout.Duration)
}

func TestLoadDocumentSkipsEnv(t *testing.T) {
	t.Setenv("COPYRIG_BROKER_TOKEN", "env-token")

	cfg, err := LoadDocument(writeDoc(t, validDoc()))
	require.NoError(t, err)
	assert.Equal(t, "tok", cfg.Broker.Token)
}

func TestSaveRoundTrips(t *testing.T) {
	path := writeDoc(t, validDoc())

	cfg, err := LoadDocument(path)
	require.NoError(t, err)
	cfg.Routes[0].Name = "renamed"
	require.NoError(t, Save(cfg, path))

	again, err := LoadDocument(path)
	require.NoError(t, err)
	assert.Equal(t, "renamed", again.Routes[0].Name)
	assert.Equal(t, cfg.Global.ScanInterval.Duration, again.Global.ScanInterval.Duration)
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "nonsense"
	cfg.Broker.ApiHost = ""
	cfg.Global.RolloverUtcHour = 99

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown mode "nonsense"`)
	assert.Contains(t, err.Error(), "apiHost")
	assert.Contains(t, err.Error(), "rolloverUtcHour")
}

func TestValidateRejectsBadRoutes(t *testing.T) {
	cfg := Defaults()
	cfg.Broker.ApiHost = "https://mt.example"
	cfg.Broker.StreamHost = "wss://mt.example"
	cfg.Broker.Token = "tok"
	cfg.Accounts = map[string]AccountConfig{"a": {}}
	cfg.RuleSets = map[string]RuleSet{"default": DefaultRuleSet()}
	cfg.Routes = []RouteConfig{
		{ID: "r1", Source: "a", Destination: "a", RuleSet: "default"},
		{ID: "r1", Source: "a", Destination: "ghost", RuleSet: "missing"},
	}

	err := cfg.ValidateRoutes()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "source and destination must differ")
	assert.Contains(t, err.Error(), `destination account "ghost"`)
	assert.Contains(t, err.Error(), `ruleSet "missing"`)
	assert.Contains(t, err.Error(), `duplicate id "r1"`)
}

func TestDurationJSON(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalJSON([]byte(`"90s"`)))
	assert.Equal(t, 90*time.Second, d.Duration)

	out, err := d.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"1m30s"`, string(out))

	require.Error(t, d.UnmarshalJSON([]byte(`"not-a-duration"`)))
}

func TestResolveRoutesCarriesAccountRegions(t *testing.T) {
	cfg, err := LoadDocument(writeDoc(t, validDoc()))
	require.NoError(t, err)

	routes := cfg.ResolveRoutes()
	require.Len(t, routes, 1)
	assert.Equal(t, "acct-src", routes[0].Source.ID)
	assert.Equal(t, "london", routes[0].Source.Region)
	assert.Equal(t, "acct-dst", routes[0].Destination.ID)
}
