// Package config loads node configuration from defaults and environment
// variables. The CLI layers its flags on top of the loaded value.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"
)

// Well-known addresses of the two sub-protocols.
const (
	DefaultDiscoveryGroup = "224.0.0.16"
	DefaultDiscoveryPort  = 8085
	DefaultSessionPort    = 8086
)

// Config holds everything a local node needs to start.
type Config struct {
	// Identity
	Name string

	// Session sub-protocol
	ListenAddr            string
	DialTimeout           time.Duration
	TransferAcceptTimeout time.Duration

	// Discovery sub-protocol
	DiscoveryEnabled  bool
	DiscoveryGroup    string
	DiscoveryPort     int
	AnnounceInterval  time.Duration
	DiscoveryReplyRPS float64

	// Observability
	LogLevel    string
	LogFormat   string
	MetricsAddr string
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Name:                  "Anonymous",
		ListenAddr:            fmt.Sprintf(":%d", DefaultSessionPort),
		DialTimeout:           10 * time.Second,
		TransferAcceptTimeout: 30 * time.Second,
		DiscoveryEnabled:      true,
		DiscoveryGroup:        DefaultDiscoveryGroup,
		DiscoveryPort:         DefaultDiscoveryPort,
		AnnounceInterval:      30 * time.Second,
		DiscoveryReplyRPS:     5,
		LogLevel:              "info",
		LogFormat:             "console",
	}
}

// Load reads configuration from LANA_* environment variables with defaults.
func Load() (Config, error) {
	d := Default()
	cfg := Config{
		Name:                  envOr("LANA_NAME", d.Name),
		ListenAddr:            envOr("LANA_LISTEN_ADDR", d.ListenAddr),
		DialTimeout:           envDuration("LANA_DIAL_TIMEOUT", d.DialTimeout),
		TransferAcceptTimeout: envDuration("LANA_TRANSFER_ACCEPT_TIMEOUT", d.TransferAcceptTimeout),
		DiscoveryEnabled:      envBool("LANA_DISCOVERY", d.DiscoveryEnabled),
		DiscoveryGroup:        envOr("LANA_DISCOVERY_GROUP", d.DiscoveryGroup),
		DiscoveryPort:         envInt("LANA_DISCOVERY_PORT", d.DiscoveryPort),
		AnnounceInterval:      envDuration("LANA_ANNOUNCE_INTERVAL", d.AnnounceInterval),
		DiscoveryReplyRPS:     envFloat("LANA_DISCOVERY_REPLY_RPS", d.DiscoveryReplyRPS),
		LogLevel:              envOr("LANA_LOG_LEVEL", d.LogLevel),
		LogFormat:             envOr("LANA_LOG_FORMAT", d.LogFormat),
		MetricsAddr:           envOr("LANA_METRICS_ADDR", d.MetricsAddr),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("name is required")
	}
	if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
		return fmt.Errorf("listen address %q: %w", c.ListenAddr, err)
	}
	if c.DiscoveryEnabled {
		if ip := net.ParseIP(c.DiscoveryGroup); ip == nil || !ip.IsMulticast() {
			return fmt.Errorf("discovery group %q is not a multicast address", c.DiscoveryGroup)
		}
		if c.DiscoveryPort <= 0 || c.DiscoveryPort > 65535 {
			return fmt.Errorf("discovery port %d out of range", c.DiscoveryPort)
		}
	}
	if c.DialTimeout < 0 || c.TransferAcceptTimeout < 0 || c.AnnounceInterval < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	return nil
}

// SessionPort is the port peers are expected to accept sessions on. Discovery
// only carries the sender's address, so every node assumes its peers use the
// same port it listens on itself.
func (c Config) SessionPort() int {
	_, port, err := net.SplitHostPort(c.ListenAddr)
	if err != nil {
		return DefaultSessionPort
	}
	p, err := strconv.Atoi(port)
	if err != nil || p == 0 {
		return DefaultSessionPort
	}
	return p
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
