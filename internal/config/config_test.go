package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, DefaultSessionPort, cfg.SessionPort())
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("LANA_NAME", "alice")
	t.Setenv("LANA_LISTEN_ADDR", "127.0.0.1:9001")
	t.Setenv("LANA_DISCOVERY", "false")
	t.Setenv("LANA_DIAL_TIMEOUT", "250ms")
	t.Setenv("LANA_DISCOVERY_PORT", "not-a-number")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "alice", cfg.Name)
	assert.Equal(t, 9001, cfg.SessionPort())
	assert.False(t, cfg.DiscoveryEnabled)
	assert.Equal(t, 250*time.Millisecond, cfg.DialTimeout)
	assert.Equal(t, DefaultDiscoveryPort, cfg.DiscoveryPort)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty name", func(c *Config) { c.Name = "" }},
		{"bad listen addr", func(c *Config) { c.ListenAddr = "8086" }},
		{"unicast group", func(c *Config) { c.DiscoveryGroup = "10.0.0.1" }},
		{"port out of range", func(c *Config) { c.DiscoveryPort = 70000 }},
		{"negative timeout", func(c *Config) { c.DialTimeout = -time.Second }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	cfg := Default()
	cfg.DiscoveryEnabled = false
	cfg.DiscoveryGroup = ""
	assert.NoError(t, cfg.Validate())
}

func TestSessionPortEphemeral(t *testing.T) {
	cfg := Default()
	cfg.ListenAddr = "127.0.0.1:0"
	assert.Equal(t, DefaultSessionPort, cfg.SessionPort())
}
