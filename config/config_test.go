package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestDefaultConfig_IsValid(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		field  string
	}{
		{"unknown store", func(c *Config) { c.Cache.Store = "redis" }, "Store"},
		{"file store without path", func(c *Config) { c.Cache.FilePath = "" }, "FilePath"},
		{"postgres without url", func(c *Config) { c.Cache.Store = "postgres" }, "DatabaseURL"},
		{"zero ttl", func(c *Config) { c.Cache.TTL = 0 }, "TTL"},
		{"negative retries", func(c *Config) { c.Retry.Retries = -1 }, "Retries"},
		{"zero backoff", func(c *Config) { c.Retry.Backoff = 0 }, "Backoff"},
		{"relative default path", func(c *Config) { c.Router.DefaultPath = "places" }, "DefaultPath"},
		{"bad base url", func(c *Config) { c.HTTP.BaseURL = "not a url" }, "BaseURL"},
		{"auth without secret", func(c *Config) { c.Auth.Enabled = true }, "SecretKey"},
		{"ping after pong", func(c *Config) { c.Server.WebSocket.PingPeriod = 2 * time.Minute }, "PingPeriod"},
		{"bad log level", func(c *Config) { c.Logger.Level = "trace" }, "Level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.field)
		})
	}

	cfg := DefaultConfig()
	cfg.Cache.Store = "postgres"
	cfg.Cache.DatabaseURL = "postgres://localhost/hashnav"
	assert.NoError(t, cfg.Validate())
}

func TestConversions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Retry.Retries = 5
	cfg.HTTP.UserAgent = "test-agent"
	cfg.Breaker.FailureThreshold = 3

	p := cfg.Retry.Policy()
	assert.Equal(t, 5, p.Retries)
	assert.Equal(t, 250*time.Millisecond, p.Backoff)
	assert.Equal(t, 120*time.Millisecond, p.MaxJitter)

	assert.Equal(t, "test-agent", cfg.HTTP.ClientConfig().UserAgent)
	assert.Equal(t, 3, cfg.Breaker.BreakerSettings().FailureThreshold)
}

func TestSimpleLoader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hashnav.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
cache:
  ttl: 1m
  store: memory
api:
  latency: 0s
`), 0o600))

	env := map[string]string{
		"TEST_CACHE_TTL":                         "2m",
		"TEST_RETRY_RETRIES":                     "3",
		"TEST_BREAKER_ENABLED":                   "true",
		"TEST_SERVER_WEBSOCKET_MAX_MESSAGE_SIZE": "1024",
	}
	l := NewSimpleLoader().WithYAMLFile(path).WithEnvPrefix("TEST_")
	l.lookup = func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := &Config{}
	require.NoError(t, l.Load(cfg))
	assert.Equal(t, 2*time.Minute, cfg.Cache.TTL)
	assert.Equal(t, "memory", cfg.Cache.Store)
	assert.Equal(t, time.Duration(0), cfg.API.Latency)
	assert.Equal(t, 3, cfg.Retry.Retries)
	assert.True(t, cfg.Breaker.Enabled)
	assert.Equal(t, int64(1024), cfg.Server.WebSocket.MaxMessageSize)
}

func TestSimpleLoader_BadValue(t *testing.T) {
	l := NewSimpleLoader()
	l.lookup = func(k string) (string, bool) {
		if k == "HASHNAV_RETRY_RETRIES" {
			return "many", true
		}
		return "", false
	}
	err := l.Load(&Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HASHNAV_RETRY_RETRIES")
}

func TestSimpleLoader_MissingFile(t *testing.T) {
	l := NewSimpleLoader().WithYAMLFile(filepath.Join(t.TempDir(), "absent.yaml"))
	l.lookup = func(string) (string, bool) { return "", false }
	require.NoError(t, l.Load(&Config{}))
}

func TestMarshal_MasksSecrets(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Auth.SecretKey = "s3cret"
	cfg.Cache.DatabaseURL = "postgres://user:pw@db/hashnav"

	out, err := Marshal(cfg)
	require.NoError(t, err)
	assert.NotContains(t, string(out), "s3cret")
	assert.NotContains(t, string(out), "pw@db")
	assert.Contains(t, string(out), "ttl: 5m0s")
	assert.Equal(t, "s3cret", cfg.Auth.SecretKey, "the input is not modified")

	var back Config
	require.NoError(t, yaml.Unmarshal(out, &back))
	assert.Equal(t, cfg.Cache.TTL, back.Cache.TTL)
}
