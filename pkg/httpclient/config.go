package httpclient

import (
	"fmt"
	"time"
)

// Config configures the HTTP client with timeout, retry, and throttle
// settings.
type Config struct {
	// Timeout is the per-attempt request timeout.
	// Default: 30s. Must be > 0.
	Timeout time.Duration

	// MaxRetries is the number of retries after the initial attempt,
	// so a request makes at most MaxRetries+1 attempts.
	// Default: 3. Must be >= 0.
	MaxRetries int

	// BaseDelay is the backoff base for the exponential schedule.
	// Default: 1s. Must be > 0 if MaxRetries > 0.
	BaseDelay time.Duration

	// MaxDelay caps every computed backoff delay, including delays
	// taken from Retry-After headers.
	// Default: 30s. Must be >= BaseDelay.
	MaxDelay time.Duration

	// RequestsPerSecond throttles outbound requests across all callers
	// sharing the client. Zero disables throttling.
	RequestsPerSecond float64

	// Burst is the throttle burst size. Default: 1 when throttling is
	// enabled.
	Burst int

	// UserAgent is the User-Agent header value. Required.
	UserAgent string
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:    30 * time.Second,
		MaxRetries: 3,
		BaseDelay:  time.Second,
		MaxDelay:   30 * time.Second,
		UserAgent:  "sagemcp-http-client/1.0",
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be > 0, got %v", c.Timeout)
	}

	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be >= 0, got %d", c.MaxRetries)
	}

	if c.MaxRetries > 0 {
		if c.BaseDelay <= 0 {
			return fmt.Errorf("base_delay must be > 0 when max_retries > 0, got %v", c.BaseDelay)
		}
		if c.MaxDelay < c.BaseDelay {
			return fmt.Errorf("max_delay (%v) must be >= base_delay (%v)", c.MaxDelay, c.BaseDelay)
		}
	}

	if c.RequestsPerSecond < 0 {
		return fmt.Errorf("requests_per_second must be >= 0, got %g", c.RequestsPerSecond)
	}

	if c.UserAgent == "" {
		return fmt.Errorf("user_agent is required and must be non-empty")
	}

	return nil
}
