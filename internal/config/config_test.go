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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Pool.MaxSize, cfg.Pool.MaxSize)
	assert.Equal(t, Default().RateLimit.DefaultRPM, cfg.RateLimit.DefaultRPM)
}

func TestLoad_Partial(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	content := `
listen: 0.0.0.0:9000
pool:
  max_size: 4
ratelimit:
  default_rpm: 30
  tenant_rpm:
    acme: 600
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9000", cfg.Listen)
	assert.Equal(t, 4, cfg.Pool.MaxSize)
	// Unspecified fields keep defaults.
	assert.Equal(t, Default().Pool.TTLSeconds, cfg.Pool.TTLSeconds)
	assert.Equal(t, 30, cfg.RateLimit.DefaultRPM)
	assert.Equal(t, 600, cfg.RateLimit.TenantRPM["acme"])
}

func TestLoad_RelativeConnectorsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte("connectors_file: conns.yaml\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "conns.yaml"), cfg.ConnectorsFile)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{
			name:   "valid defaults",
			mutate: func(c *Config) {},
		},
		{
			name:   "zero pool size",
			mutate: func(c *Config) { c.Pool.MaxSize = 0 },
			errMsg: "pool.max_size",
		},
		{
			name:   "negative session ttl",
			mutate: func(c *Config) { c.Session.TTLSeconds = -1 },
			errMsg: "session.ttl_seconds",
		},
		{
			name:   "zero failure threshold",
			mutate: func(c *Config) { c.Health.FailureThreshold = 0 },
			errMsg: "health.failure_threshold",
		},
		{
			name:   "bad tenant override",
			mutate: func(c *Config) { c.RateLimit.TenantRPM = map[string]int{"acme": 0} },
			errMsg: "ratelimit.tenant_rpm[acme]",
		},
		{
			name:   "max delay below base",
			mutate: func(c *Config) { c.Retry.MaxDelaySeconds = 0.1 },
			errMsg: "retry.max_delay",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.errMsg == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)
			}
		})
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg := Default()
	cfg.Retry.BaseDelaySeconds = 0.5

	assert.Equal(t, 30*time.Minute, cfg.PoolTTL())
	assert.Equal(t, time.Hour, cfg.SessionTTL())
	assert.Equal(t, 30*time.Second, cfg.ProbeInterval())
	assert.Equal(t, 500*time.Millisecond, cfg.RetryBaseDelay())
}
