// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads and validates the gateway runtime configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level gateway configuration.
type Config struct {
	// Listen is the HTTP listen address (default 127.0.0.1:8710).
	Listen string `yaml:"listen,omitempty"`

	// ConnectorsFile is the path to the connector definitions file.
	ConnectorsFile string `yaml:"connectors_file,omitempty"`

	// StateDB is the path to the SQLite database holding connector
	// runtime status. Empty disables persistence.
	StateDB string `yaml:"state_db,omitempty"`

	Pool      PoolConfig      `yaml:"pool,omitempty"`
	Session   SessionConfig   `yaml:"session,omitempty"`
	Health    HealthConfig    `yaml:"health,omitempty"`
	RateLimit RateLimitConfig `yaml:"ratelimit,omitempty"`
	Retry     RetryConfig     `yaml:"retry,omitempty"`
}

// PoolConfig configures the backend handle pool.
type PoolConfig struct {
	// MaxSize is the maximum number of cached backend handles.
	MaxSize int `yaml:"max_size,omitempty"`

	// TTLSeconds is the handle lifetime measured from creation.
	TTLSeconds int `yaml:"ttl_seconds,omitempty"`
}

// SessionConfig configures client session tracking.
type SessionConfig struct {
	// TTLSeconds is the idle session lifetime.
	TTLSeconds int `yaml:"ttl_seconds,omitempty"`

	// MaxSessionsPerKey caps concurrently open sessions per
	// (tenant, connector) key.
	MaxSessionsPerKey int `yaml:"max_sessions_per_key,omitempty"`
}

// HealthConfig configures subprocess health probing.
type HealthConfig struct {
	// ProbeIntervalSeconds is the minimum interval between health probes.
	ProbeIntervalSeconds int `yaml:"probe_interval,omitempty"`

	// FailureThreshold is the number of consecutive probe failures
	// before a connector is declared unhealthy.
	FailureThreshold int `yaml:"failure_threshold,omitempty"`
}

// RateLimitConfig configures per-tenant request admission.
type RateLimitConfig struct {
	// DefaultRPM is the default per-tenant requests-per-minute budget.
	DefaultRPM int `yaml:"default_rpm,omitempty"`

	// TenantRPM holds per-tenant overrides keyed by tenant slug.
	TenantRPM map[string]int `yaml:"tenant_rpm,omitempty"`
}

// RetryConfig configures the outbound HTTP retry policy.
type RetryConfig struct {
	// MaxRetries bounds retry attempts; total attempts are MaxRetries+1.
	MaxRetries int `yaml:"max_retries,omitempty"`

	// BaseDelaySeconds is the exponential backoff base.
	BaseDelaySeconds float64 `yaml:"base_delay,omitempty"`

	// MaxDelaySeconds caps any single backoff delay.
	MaxDelaySeconds float64 `yaml:"max_delay,omitempty"`
}

// Default returns a Config populated with default values.
func Default() *Config {
	return &Config{
		Listen:         "127.0.0.1:8710",
		ConnectorsFile: "connectors.yaml",
		Pool: PoolConfig{
			MaxSize:    64,
			TTLSeconds: 1800,
		},
		Session: SessionConfig{
			TTLSeconds:        3600,
			MaxSessionsPerKey: 8,
		},
		Health: HealthConfig{
			ProbeIntervalSeconds: 30,
			FailureThreshold:     3,
		},
		RateLimit: RateLimitConfig{
			DefaultRPM: 120,
		},
		Retry: RetryConfig{
			MaxRetries:       3,
			BaseDelaySeconds: 1,
			MaxDelaySeconds:  30,
		},
	}
}

// Load reads configuration from path, applying defaults for any field
// not present in the file. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	// Resolve the connectors file relative to the config file location.
	if cfg.ConnectorsFile != "" && !filepath.IsAbs(cfg.ConnectorsFile) {
		cfg.ConnectorsFile = filepath.Join(filepath.Dir(path), cfg.ConnectorsFile)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.Pool.MaxSize <= 0 {
		return fmt.Errorf("pool.max_size must be positive, got %d", c.Pool.MaxSize)
	}
	if c.Pool.TTLSeconds <= 0 {
		return fmt.Errorf("pool.ttl_seconds must be positive, got %d", c.Pool.TTLSeconds)
	}
	if c.Session.TTLSeconds <= 0 {
		return fmt.Errorf("session.ttl_seconds must be positive, got %d", c.Session.TTLSeconds)
	}
	if c.Session.MaxSessionsPerKey <= 0 {
		return fmt.Errorf("session.max_sessions_per_key must be positive, got %d", c.Session.MaxSessionsPerKey)
	}
	if c.Health.ProbeIntervalSeconds <= 0 {
		return fmt.Errorf("health.probe_interval must be positive, got %d", c.Health.ProbeIntervalSeconds)
	}
	if c.Health.FailureThreshold <= 0 {
		return fmt.Errorf("health.failure_threshold must be positive, got %d", c.Health.FailureThreshold)
	}
	if c.RateLimit.DefaultRPM <= 0 {
		return fmt.Errorf("ratelimit.default_rpm must be positive, got %d", c.RateLimit.DefaultRPM)
	}
	for tenant, rpm := range c.RateLimit.TenantRPM {
		if rpm <= 0 {
			return fmt.Errorf("ratelimit.tenant_rpm[%s] must be positive, got %d", tenant, rpm)
		}
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must not be negative, got %d", c.Retry.MaxRetries)
	}
	if c.Retry.BaseDelaySeconds <= 0 {
		return fmt.Errorf("retry.base_delay must be positive, got %v", c.Retry.BaseDelaySeconds)
	}
	if c.Retry.MaxDelaySeconds < c.Retry.BaseDelaySeconds {
		return fmt.Errorf("retry.max_delay must be at least retry.base_delay")
	}
	return nil
}

// PoolTTL returns the pool TTL as a duration.
func (c *Config) PoolTTL() time.Duration {
	return time.Duration(c.Pool.TTLSeconds) * time.Second
}

// SessionTTL returns the session TTL as a duration.
func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.Session.TTLSeconds) * time.Second
}

// ProbeInterval returns the health probe interval as a duration.
func (c *Config) ProbeInterval() time.Duration {
	return time.Duration(c.Health.ProbeIntervalSeconds) * time.Second
}

// RetryBaseDelay returns the retry base delay as a duration.
func (c *Config) RetryBaseDelay() time.Duration {
	return time.Duration(c.Retry.BaseDelaySeconds * float64(time.Second))
}

// RetryMaxDelay returns the retry delay cap as a duration.
func (c *Config) RetryMaxDelay() time.Duration {
	return time.Duration(c.Retry.MaxDelaySeconds * float64(time.Second))
}
