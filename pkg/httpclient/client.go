// Package httpclient provides the shared HTTP client for outbound
// calls, with classification-driven retries, full-jitter backoff, and
// an optional client-side throttle.
//
// Example usage:
//
//	cfg := httpclient.DefaultConfig()
//	cfg.UserAgent = "my-service/1.0"
//	client, err := httpclient.New(cfg)
//	if err != nil {
//	    return err
//	}
//
//	resp, err := client.Get(ctx, "https://api.example.com/resource")
package httpclient

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/sagemcp/sagemcp-sub002/internal/log"
)

// Client wraps http.Client with retry and throttle behavior. All
// methods are safe for concurrent use.
type Client struct {
	http      *http.Client
	policy    *Policy
	limiter   *rate.Limiter
	logger    *slog.Logger
	userAgent string
}

// New creates a Client from cfg. The underlying transport uses TLS
// 1.2+ and connection pooling.
func New(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
			MaxVersion: tls.VersionTLS13,
		},
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: cfg.Timeout,
		ExpectContinueTimeout: 1 * time.Second,
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	return &Client{
		http: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
		},
		policy:    NewPolicy(cfg.MaxRetries, cfg.BaseDelay, cfg.MaxDelay),
		limiter:   limiter,
		logger:    log.WithComponent(slog.Default(), "httpclient"),
		userAgent: cfg.UserAgent,
	}, nil
}

// Do sends req through the throttle and retry policy. Requests with a
// body must set GetBody (http.NewRequest does this for common body
// types) so attempts after the first can replay it.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	start := time.Now()
	resp, err := c.policy.Do(ctx, func(ctx context.Context) (*http.Response, error) {
		attempt := req.Clone(ctx)
		if attempt.Header.Get("User-Agent") == "" {
			attempt.Header.Set("User-Agent", c.userAgent)
		}
		if req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, err
			}
			attempt.Body = body
		}
		return c.http.Do(attempt)
	})

	if err != nil {
		c.logger.Debug("request failed",
			slog.String(log.MethodKey, req.Method),
			slog.String("url", req.URL.Redacted()),
			log.Duration("duration", time.Since(start).Milliseconds()),
			log.Error(err))
		return nil, err
	}

	c.logger.Debug("request completed",
		slog.String(log.MethodKey, req.Method),
		slog.String("url", req.URL.Redacted()),
		slog.Int("status", resp.StatusCode),
		log.Duration("duration", time.Since(start).Milliseconds()))
	return resp, nil
}

// Get issues a GET request to url.
func (c *Client) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}
