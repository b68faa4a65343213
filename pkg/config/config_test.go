package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeYAML(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.True(t, cfg.Database.Migrate)
	assert.Equal(t, 24*time.Hour, cfg.Auth.TokenTTL)
	assert.Equal(t, DefaultEngine(), cfg.Engine)
	assert.Equal(t, 15*time.Minute, cfg.Engine.SessionBudget)
	assert.Equal(t, 200, cfg.Engine.MaxIterations)
}

func TestLoadYAMLKeepsUnsetEngineDefaults(t *testing.T) {
	path := writeYAML(t, `
server:
  port: 9090
capabilities:
  url: "https://caps.internal/rpc"
  list_ttl: 1m
auth:
  token_ttl: 2h
engine:
  session_budget: 5m
  iteration_pause: 500ms
  stall_threshold: 4
  gateway_rps: 2.5
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "https://caps.internal/rpc", cfg.Capabilities.URL)
	assert.Equal(t, time.Minute, cfg.Capabilities.ListTTL)
	assert.Equal(t, 60*time.Second, cfg.Capabilities.Timeout)
	assert.Equal(t, 2*time.Hour, cfg.Auth.TokenTTL)
	assert.Equal(t, 5*time.Minute, cfg.Engine.SessionBudget)
	assert.Equal(t, 500*time.Millisecond, cfg.Engine.IterationPause)
	assert.Equal(t, 4, cfg.Engine.StallThreshold)
	assert.Equal(t, 2.5, cfg.Engine.GatewayRPS)
	assert.Equal(t, 40, cfg.Engine.HistoryThreshold)
	assert.Equal(t, 5*time.Minute, cfg.Engine.StaleGrace)
}

func TestEnvOverridesYAML(t *testing.T) {
	path := writeYAML(t, `
llm:
  model: "gpt-3.5-turbo"
log:
  level: "debug"
engine:
  gateway_rps: 1
`)
	t.Setenv("AMPLIFIER_LLM_MODEL", "claude-3-sonnet")
	t.Setenv("AMPLIFIER_LOG_LEVEL", "WARN")
	t.Setenv("AMPLIFIER_DATABASE_MIGRATE", "false")
	t.Setenv("AMPLIFIER_ENGINE_GATEWAY_RPS", "0.5")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "claude-3-sonnet", cfg.LLM.Model)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.False(t, cfg.Database.Migrate)
	assert.Equal(t, 0.5, cfg.Engine.GatewayRPS)
}

func TestMalformedEnvIsIgnored(t *testing.T) {
	t.Setenv("AMPLIFIER_SERVER_PORT", "eighty")
	t.Setenv("AMPLIFIER_ENGINE_SESSION_BUDGET", "forever")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 15*time.Minute, cfg.Engine.SessionBudget)
}

func TestMissingYAMLFileUsesDefaults(t *testing.T) {
	cfg, err := Load("/nonexistent/path/config.yaml")
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
}

func TestInvalidYAMLFails(t *testing.T) {
	_, err := Load(writeYAML(t, "server: [port"))
	assert.Error(t, err)
}

func TestEngineValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*EngineConfig)
	}{
		{"zero budget", func(e *EngineConfig) { e.SessionBudget = 0 }},
		{"no iterations", func(e *EngineConfig) { e.MaxIterations = 0 }},
		{"keep recent above threshold", func(e *EngineConfig) { e.HistoryKeepRecent = e.HistoryThreshold }},
		{"backoff max below initial", func(e *EngineConfig) { e.GatewayBackoffMax = e.GatewayBackoffInitial / 2 }},
		{"no step attempts", func(e *EngineConfig) { e.MaxStepAttempts = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := DefaultEngine()
			tt.mutate(&e)
			assert.Error(t, e.Validate())
		})
	}

	assert.NoError(t, DefaultEngine().Validate())

	t.Setenv("AMPLIFIER_ENGINE_MAX_ITERATIONS", "0")
	_, err := Load("")
	assert.Error(t, err, "an invalid engine override must fail Load")
}
