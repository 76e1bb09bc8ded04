package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// maxPinCacheMs caps how long a verified PIN may stay cached.
const maxPinCacheMs = 60 * 60 * 1000

// Config holds the custodian daemon configuration
type Config struct {
	// NATS configuration
	NATS NATSConfig `yaml:"nats"`

	// Storage configuration
	Storage StorageConfig `yaml:"storage"`

	// PIN protection configuration
	PIN PINConfig `yaml:"pin"`

	// Metrics configuration
	Metrics MetricsConfig `yaml:"metrics"`

	// Per-host rate limiting
	RateLimit RateLimitConfig `yaml:"rate_limit"`

	// SecretCacheSize bounds the shared-secret cache
	SecretCacheSize int `yaml:"secret_cache_size"`
}

// NATSConfig holds NATS connection settings
type NATSConfig struct {
	URL           string `yaml:"url"`
	ReconnectWait int    `yaml:"reconnect_wait_ms"`
	MaxReconnects int    `yaml:"max_reconnects"`
}

// StorageConfig holds persistent storage settings
type StorageConfig struct {
	Path string `yaml:"path"`
}

// PINConfig holds PIN cache settings
type PINConfig struct {
	CacheDurationMs int `yaml:"cache_duration_ms"`
}

// MetricsConfig holds the metrics endpoint settings
type MetricsConfig struct {
	// ListenAddr is the address for the /metrics endpoint. Empty
	// disables the endpoint.
	ListenAddr string `yaml:"listen_addr"`
}

// RateLimitConfig holds per-host request limits
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	// Start with defaults
	cfg := DefaultConfig()

	// Check if file exists
	if _, err := os.Stat(path); os.IsNotExist(err) {
		// Use defaults if no config file
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// An out-of-range cache duration fails closed: the PIN is simply
	// never cached rather than cached forever.
	if cfg.PIN.CacheDurationMs < 0 || cfg.PIN.CacheDurationMs > maxPinCacheMs {
		cfg.PIN.CacheDurationMs = 0
	}

	return cfg, nil
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		NATS: NATSConfig{
			URL:           "nats://127.0.0.1:4222",
			ReconnectWait: 2000,
			MaxReconnects: -1, // Unlimited
		},
		Storage: StorageConfig{
			Path: "/var/lib/custodian/custodian.db",
		},
		PIN: PINConfig{
			CacheDurationMs: 10 * 60 * 1000,
		},
		Metrics: MetricsConfig{
			ListenAddr: "",
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 10,
			Burst:             20,
		},
		SecretCacheSize: 100,
	}
}
