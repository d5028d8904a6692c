package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalConfig = `app:
  name: "TestApp"
  version: "1.0"
venues:
  - id: jupiter
    display_name: Jupiter
    kind: dex
    priority: 1
    capabilities: [swap, quote]
    probe:
      url: http://127.0.0.1/health
  - id: binance
    kind: cex
    adapter: binance
    auth:
      api_key_env: TEST_BINANCE_KEY
      api_secret_env: TEST_BINANCE_SECRET
`

// writeTempConfig writes content into a temporary file and returns its path.
func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cfg.yml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	t.Setenv(appEnvVar, "")
	t.Setenv("TEST_BINANCE_KEY", " key ")
	t.Setenv("TEST_BINANCE_SECRET", "secret")

	cfg, err := LoadConfig(writeTempConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, "TestApp", cfg.App.Name)
	require.Len(t, cfg.Venues, 2)
	assert.Equal(t, []string{"swap", "quote"}, cfg.Venues[0].Capabilities)

	auth := cfg.Venues[1].Auth
	require.NotNil(t, auth)
	assert.Equal(t, "key", auth.APIKey)
	assert.True(t, auth.Configured())

	// defaults survive a file that omits the sections
	assert.Equal(t, time.Second, cfg.Connection.Backoff.BaseDelay)
	assert.Equal(t, 30*time.Second, cfg.Connection.Backoff.MaxDelay)
	assert.Equal(t, 5, cfg.Connection.Backoff.MaxAttempts)
	assert.Equal(t, 15, cfg.Stream.Backoff.MaxAttempts)
	assert.Equal(t, 15*time.Second, cfg.Stream.HeartbeatInterval)
	assert.True(t, cfg.Failover.Auto)
	assert.True(t, cfg.Connection.HealthCheckEnabled)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yml"))
	assert.Error(t, err)
}

func TestValidateConfig(t *testing.T) {
	t.Setenv(appEnvVar, "")

	cases := map[string]string{
		"no venues": `app: {name: x}
venues: []`,
		"duplicate id": `venues:
  - {id: a, kind: dex, probe: {url: http://x}}
  - {id: a, kind: dex, probe: {url: http://x}}`,
		"bad kind": `venues:
  - {id: a, kind: amm, probe: {url: http://x}}`,
		"http without probe": `venues:
  - {id: a, kind: dex}`,
		"unknown adapter": `venues:
  - {id: a, kind: cex, adapter: ftx}`,
		"bad backoff": `venues:
  - {id: a, kind: dex, probe: {url: http://x}}
connection:
  backoff: {base_delay: 10s, max_delay: 1s, max_attempts: 3}`,
		"stream without url": `venues:
  - {id: a, kind: dex, probe: {url: http://x}}
stream:
  enabled: true`,
		"nats without url": `venues:
  - {id: a, kind: dex, probe: {url: http://x}}
nats:
  enabled: true`,
	}

	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(body))
			assert.Error(t, err)
		})
	}
}

func TestStreamKeysOrder(t *testing.T) {
	t.Setenv("TEST_STREAM_KEY", "primary")
	t.Setenv("TEST_STREAM_FALLBACK", "fallback")

	s := StreamConfig{
		APIKeyEnv:      "TEST_STREAM_KEY",
		FallbackKeyEnv: "TEST_STREAM_FALLBACK",
		APIKeys:        []string{"fallback", "", "file"},
	}
	assert.Equal(t, []string{"primary", "fallback", "file"}, s.StreamKeys())
}

func TestProductionRequiresStreamCredentials(t *testing.T) {
	t.Setenv(appEnvVar, "prod")
	t.Setenv("TEST_STREAM_KEY", "")

	body := `venues:
  - {id: a, kind: dex, probe: {url: http://x}}
stream:
  enabled: true
  url: ws://127.0.0.1/ws
  api_key_env: TEST_STREAM_KEY
`
	_, err := Parse([]byte(body))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoCredentials))

	t.Setenv(appEnvVar, "development")
	_, err = Parse([]byte(body))
	assert.NoError(t, err)
}

func TestAppEnvironmentAliases(t *testing.T) {
	t.Setenv(appEnvVar, " PROD ")
	assert.Equal(t, EnvironmentProduction, AppEnvironment())
	assert.True(t, IsProductionLike(AppEnvironment()))

	t.Setenv(appEnvVar, "")
	assert.Equal(t, EnvironmentDevelopment, AppEnvironment())
	assert.False(t, IsProductionLike(AppEnvironment()))
}

func TestResolveEnvSpecificPath(t *testing.T) {
	paths := map[string]string{EnvironmentStaging: "config/config.staging.yml"}

	t.Setenv(appEnvVar, "stage")
	assert.Equal(t, "config/config.staging.yml", resolveEnvSpecificPath("", DefaultConfigPath, paths))
	assert.Equal(t, "custom.yml", resolveEnvSpecificPath("custom.yml", DefaultConfigPath, paths))

	t.Setenv(appEnvVar, "")
	assert.Equal(t, DefaultConfigPath, resolveEnvSpecificPath(DefaultConfigPath, DefaultConfigPath, paths))
}

func TestSampleConfigLoads(t *testing.T) {
	t.Setenv(appEnvVar, "")

	cfg, err := LoadConfig("config.yml")
	require.NoError(t, err)

	ids := make([]string, 0, len(cfg.Venues))
	for _, v := range cfg.Venues {
		ids = append(ids, v.ID)
	}
	assert.Equal(t, []string{"jupiter", "raydium", "kraken", "binance", "bybit", "kucoin", "birdeye"}, ids)
	assert.Equal(t, "kucoin", cfg.Venues[5].Adapter)
	assert.Equal(t, "kraken", cfg.Venues[2].Adapter)
	assert.Equal(t, 0.2, cfg.Connection.AuthProbeRateLimit.RequestsPerSecond)
	assert.Equal(t, []string{"SOL", "BONK", "JUP"}, cfg.Stream.Symbols)
	assert.Equal(t, time.Second, cfg.NATS.ReconnectWait)
}
