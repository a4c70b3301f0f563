// Package config loads and validates gateway configuration with hot-reload
// support. Files are YAML with ${VAR} environment expansion; reloads swap an
// atomic pointer so readers never see a partially applied config.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete gateway configuration.
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Store     StoreConfig      `yaml:"store"`
	Providers []ProviderConfig `yaml:"providers"`
	Breaker   BreakerConfig    `yaml:"breaker"`
	RateLimit RateLimitConfig  `yaml:"rate_limit"`
	Registry  RegistryConfig   `yaml:"registry"`
	Secrets   SecretsConfig    `yaml:"secrets"`
	Logging   LoggingConfig    `yaml:"logging"`
	Metrics   MetricsConfig    `yaml:"metrics"`
	Tracing   TracingConfig    `yaml:"tracing"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// StoreConfig selects the shared state backend. An empty address list selects
// the in-process store, which disables cross-instance breaker and limiter
// state.
type StoreConfig struct {
	Addrs     []string      `yaml:"addrs"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	Namespace string        `yaml:"namespace"`
	Timeout   time.Duration `yaml:"timeout"`
}

// ProviderConfig describes one upstream provider.
type ProviderConfig struct {
	Name string `yaml:"name"`
	Kind string `yaml:"kind"`
	// APIKeyRef names the credential, never the raw secret: a bare
	// environment variable name or a scheme reference such as
	// vault://secret/data/openai#api_key.
	APIKeyRef string            `yaml:"api_key_ref"`
	BaseURL   string            `yaml:"base_url"`
	Models    []string          `yaml:"models"`
	Priority  int               `yaml:"priority"`
	Enabled   *bool             `yaml:"enabled"`
	Forced    bool              `yaml:"forced"`
	Headers   map[string]string `yaml:"headers"`

	// Outbound HTTP behavior.
	Timeout             time.Duration `yaml:"timeout"`
	MaxIdleConns        int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout"`

	// Retry policy for this provider.
	RetryCount     int           `yaml:"retry_count"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`

	// RateCeiling caps outbound requests per second. Zero disables it.
	RateCeiling float64 `yaml:"rate_ceiling"`
	RateBurst   int     `yaml:"rate_burst"`
}

// IsEnabled reports the enabled flag, defaulting to true when unset.
func (p ProviderConfig) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// BreakerConfig tunes the per-provider circuit breakers.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout"`
}

// RateLimitConfig tunes caller admission control.
type RateLimitConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Algorithm string `yaml:"algorithm"` // sliding_window, token_bucket

	// Sliding window tuning.
	MaxRequests int64         `yaml:"max_requests"`
	Window      time.Duration `yaml:"window"`

	// Token bucket tuning.
	Capacity   float64 `yaml:"capacity"`
	RefillRate float64 `yaml:"refill_rate"`
}

// RegistryConfig tunes provider health tracking.
type RegistryConfig struct {
	HealthCacheTTL time.Duration `yaml:"health_cache_ttl"`
	HealthInterval time.Duration `yaml:"health_interval"`
	HealthTimeout  time.Duration `yaml:"health_timeout"`
	ErrorThreshold int           `yaml:"error_threshold"`
}

// SecretsConfig configures credential resolution. Environment references
// always work; Vault is registered when an address is set.
type SecretsConfig struct {
	CacheTTL time.Duration `yaml:"cache_ttl"`
	Vault    VaultConfig   `yaml:"vault"`
}

// VaultConfig contains HashiCorp Vault connection settings. Token and
// AppRole auth are mutually exclusive; token wins when both are set.
type VaultConfig struct {
	Address  string `yaml:"address"`
	Token    string `yaml:"token"`
	RoleID   string `yaml:"role_id"`
	SecretID string `yaml:"secret_id"`
	CACert   string `yaml:"ca_cert"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// TracingConfig contains OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
	Insecure    bool    `yaml:"insecure"`
}

// Default returns a configuration with production defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 120 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Store: StoreConfig{
			Namespace: "modelrelay",
			Timeout:   3 * time.Second,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			RecoveryTimeout:  30 * time.Second,
		},
		RateLimit: RateLimitConfig{
			Enabled:     false,
			Algorithm:   "sliding_window",
			MaxRequests: 60,
			Window:      time.Minute,
			Capacity:    10,
			RefillRate:  1,
		},
		Registry: RegistryConfig{
			HealthCacheTTL: 30 * time.Second,
			HealthInterval: 60 * time.Second,
			HealthTimeout:  10 * time.Second,
			ErrorThreshold: 3,
		},
		Secrets: SecretsConfig{
			CacheTTL: 5 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			Endpoint:    "localhost:4317",
			ServiceName: "modelrelay",
			SampleRate:  1.0,
			Insecure:    true,
		},
	}
}

// LoadFromFile reads and parses a YAML configuration file. Environment
// variables in the form ${VAR_NAME} are expanded before parsing.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if len(c.Providers) == 0 {
		return fmt.Errorf("at least one provider must be configured")
	}

	names := make(map[string]struct{}, len(c.Providers))
	forced := ""
	for i, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("provider[%d]: name is required", i)
		}
		if _, dup := names[p.Name]; dup {
			return fmt.Errorf("provider[%d] %q: duplicate name", i, p.Name)
		}
		names[p.Name] = struct{}{}
		if p.Kind == "" {
			return fmt.Errorf("provider[%d] %q: kind is required", i, p.Name)
		}
		if p.APIKeyRef == "" {
			return fmt.Errorf("provider[%d] %q: api_key_ref is required", i, p.Name)
		}
		if len(p.Models) == 0 {
			return fmt.Errorf("provider[%d] %q: at least one model must be configured", i, p.Name)
		}
		if p.Timeout < 0 {
			return fmt.Errorf("provider[%d] %q: timeout cannot be negative", i, p.Name)
		}
		if p.RetryCount < 0 {
			return fmt.Errorf("provider[%d] %q: retry_count cannot be negative", i, p.Name)
		}
		if p.RateCeiling < 0 {
			return fmt.Errorf("provider[%d] %q: rate_ceiling cannot be negative", i, p.Name)
		}
		if p.Forced && p.IsEnabled() {
			if forced != "" {
				return fmt.Errorf("providers %q and %q are both forced; at most one provider may be forced", forced, p.Name)
			}
			forced = p.Name
		}
	}

	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("breaker.failure_threshold must be positive")
	}
	if c.Breaker.RecoveryTimeout <= 0 {
		return fmt.Errorf("breaker.recovery_timeout must be positive")
	}

	if c.RateLimit.Enabled {
		switch c.RateLimit.Algorithm {
		case "sliding_window":
			if c.RateLimit.MaxRequests <= 0 || c.RateLimit.Window <= 0 {
				return fmt.Errorf("rate_limit: max_requests and window must be positive for sliding_window")
			}
		case "token_bucket":
			if c.RateLimit.Capacity <= 0 || c.RateLimit.RefillRate <= 0 {
				return fmt.Errorf("rate_limit: capacity and refill_rate must be positive for token_bucket")
			}
		default:
			return fmt.Errorf("rate_limit: unknown algorithm %q", c.RateLimit.Algorithm)
		}
	}

	return nil
}
