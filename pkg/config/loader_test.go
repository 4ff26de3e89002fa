package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "incidentfox.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestInitialize(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://ifox:secret@db:5432/ifox")
	t.Setenv("OPENAI_PROXY_KEY", "sk-test")

	path := writeTestConfig(t, `
log_level: debug
server:
  port: 9090
database:
  url: {{.DATABASE_URL}}
  sweeper:
    max_age: 1h
proxy:
  providers:
    openai:
      model_prefix: openai/
      base_url: https://api.openai.com/v1
      api_key_env: OPENAI_PROXY_KEY
      max_tokens_cap: 16384
session:
  execute_timeout: 5m
`)

	cfg, err := Initialize(path)
	require.NoError(t, err)
	require.NotNil(t, cfg)

	// User values override defaults.
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "postgres://ifox:secret@db:5432/ifox", cfg.Database.URL)
	assert.Equal(t, time.Hour, cfg.Database.Sweeper.MaxAge)
	assert.Equal(t, 5*time.Minute, cfg.Session.ExecuteTimeout)

	// Unset values keep defaults.
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, int32(20), cfg.Database.MaxConns)
	assert.Equal(t, 60*time.Second, cfg.Session.QuestionTimeout)
	assert.Equal(t, 40, cfg.Session.MaxTurns)
	assert.Equal(t, "strict", cfg.Proxy.Authz.Mode)
	assert.Equal(t, 1*time.Second, cfg.Agent.Reconnect.Initial)
	assert.Equal(t, 60*time.Second, cfg.Agent.Reconnect.Max)

	p, ok := cfg.Proxy.Providers["openai"]
	require.True(t, ok)
	assert.Equal(t, "openai/", p.ModelPrefix)
	assert.Equal(t, 16384, p.MaxTokensCap)
}

func TestInitializeConfigNotFound(t *testing.T) {
	_, err := Initialize("/nonexistent/incidentfox.yaml")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfigNotFound)
}

func TestInitializeInvalidYAML(t *testing.T) {
	path := writeTestConfig(t, "server: [not: a: mapping")
	_, err := Initialize(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidYAML)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantSub string
	}{
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.LogLevel = "loud" },
			wantSub: "log_level",
		},
		{
			name:    "server port out of range",
			mutate:  func(c *Config) { c.Server.Port = 70000 },
			wantSub: "port",
		},
		{
			name:    "sweeper max_age zero",
			mutate:  func(c *Config) { c.Database.Sweeper.MaxAge = 0 },
			wantSub: "sweeper.max_age",
		},
		{
			name:    "unknown authz mode",
			mutate:  func(c *Config) { c.Proxy.Authz.Mode = "open" },
			wantSub: "authz.mode",
		},
		{
			name: "provider missing base_url",
			mutate: func(c *Config) {
				c.Proxy.Providers = map[string]ProviderConfig{
					"openai": {ModelPrefix: "openai/"},
				}
			},
			wantSub: "base_url",
		},
		{
			name:    "reconnect multiplier below one",
			mutate:  func(c *Config) { c.Agent.Reconnect.Multiplier = 0.5 },
			wantSub: "reconnect",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := validate(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantSub)
		})
	}
}

func TestValidateCron(t *testing.T) {
	assert.NoError(t, ValidateCron("*/5 * * * *"))
	assert.NoError(t, ValidateCron("0 3 * * 1"))
	assert.Error(t, ValidateCron("every five minutes"))
	assert.Error(t, ValidateCron("61 * * * *"))
}
