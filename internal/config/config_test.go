package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isqad/livelook-roulette/internal/core"
	"github.com/isqad/livelook-roulette/internal/matching"
)

const testConfigYAML = `
env: production
address: ":9000"
mirror:
  driver: nats
cookie:
  secret: a-very-long-production-secret
kinds:
  - name: text
    policy: fifo
  - name: video
    policy: balanced
    require_ready: true
limits:
  relay:
    limit: 5
    window: 2s
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "roulette.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, NewConfig(), cfg)
	assert.Equal(t, core.DevelopmentEnv, cfg.Env)
	assert.Equal(t, MirrorNone, cfg.Mirror.Driver)
	assert.Equal(t, 32, cfg.Relay.SignalBuffer)
	assert.Equal(t, 10*time.Second, cfg.Matching.AvoidWindow)
	assert.True(t, cfg.Limits.FailOpen)
}

func TestLoadFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, testConfigYAML))
	require.NoError(t, err)

	assert.Equal(t, core.ProductionEnv, cfg.Env)
	assert.Equal(t, ":9000", cfg.Address)
	assert.Equal(t, MirrorNats, cfg.Mirror.Driver)
	assert.Equal(t, []KindConfig{
		{Name: "text", Policy: matching.PolicyFIFO},
		{Name: "video", Policy: matching.PolicyBalanced, RequireReady: true},
	}, cfg.Kinds)

	assert.Equal(t, 5, cfg.Limits.Relay.Limit)
	assert.Equal(t, 2*time.Second, cfg.Limits.Relay.Window)
	// untouched keys keep their defaults
	assert.Equal(t, NewConfig().Limits.Join, cfg.Limits.Join)
	assert.Equal(t, NewConfig().Redis.Addr, cfg.Redis.Addr)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("ROULETTE_REDIS_ADDR", "redis:6380")
	t.Setenv("ROULETTE_LIMITS_FAIL_OPEN", "false")
	t.Setenv("ROULETTE_LIMITS_JOIN_LIMIT", "3")
	t.Setenv("ROULETTE_LIMITS_JOIN_WINDOW", "60s")
	t.Setenv("ROULETTE_MATCHING_AVOID_WINDOW", "3s")

	cfg, err := Load(writeConfig(t, testConfigYAML))
	require.NoError(t, err)

	assert.Equal(t, "redis:6380", cfg.Redis.Addr)
	assert.False(t, cfg.Limits.FailOpen)
	assert.Equal(t, 3, cfg.Limits.Join.Limit)
	assert.Equal(t, time.Minute, cfg.Limits.Join.Window)
	assert.Equal(t, 3*time.Second, cfg.Matching.AvoidWindow)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(c *Config){
		"unknown env":        func(c *Config) { c.Env = "staging" },
		"empty address":      func(c *Config) { c.Address = "" },
		"unknown mirror":     func(c *Config) { c.Mirror.Driver = "kafka" },
		"unknown backend":    func(c *Config) { c.Limits.Backend = "memcached" },
		"duplicated kind":    func(c *Config) { c.Kinds = append(c.Kinds, c.Kinds[0]) },
		"unnamed kind":       func(c *Config) { c.Kinds = append(c.Kinds, KindConfig{Policy: matching.PolicyFIFO}) },
		"unknown policy":     func(c *Config) { c.Kinds[0].Policy = "random" },
		"zero limit":         func(c *Config) { c.Limits.Relay.Limit = 0 },
		"zero window":        func(c *Config) { c.Limits.Next.Window = 0 },
		"no signal buffer":   func(c *Config) { c.Relay.SignalBuffer = 0 },
		"no avoid window":    func(c *Config) { c.Matching.AvoidWindow = 0 },
		"no message size":    func(c *Config) { c.WebSocket.MaxMessageSize = 0 },
		"dev secret in prod": func(c *Config) { c.Env = core.ProductionEnv },
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := NewConfig()
			mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}

	assert.NoError(t, NewConfig().Validate())
}

func TestWebRTCConfiguration(t *testing.T) {
	conf := NewConfig().WebRTCConfiguration()
	require.Len(t, conf.ICEServers, 1)
	assert.Equal(t, DefaultStunServers, conf.ICEServers[0].URLs)

	cfg := NewConfig()
	cfg.ICEServers = nil
	assert.Empty(t, cfg.WebRTCConfiguration().ICEServers)
}
