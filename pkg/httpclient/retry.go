package httpclient

import (
	"context"
	"errors"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Operation performs a single HTTP attempt. It is called once per
// attempt; the policy decides whether another attempt follows.
type Operation func(ctx context.Context) (*http.Response, error)

// Policy retries an Operation according to the classification of each
// failure:
//
//   - 429, 500, 502, 503, 504, connection errors, and timeouts are
//     retried with backoff.
//   - 401 and 403 fail immediately with AuthenticationError.
//   - 404 fails immediately with NotFoundError.
//   - Any other error status fails immediately with APIError.
//
// Backoff honors a numeric Retry-After header (capped at MaxDelay);
// otherwise the delay is drawn uniformly from [0, min(MaxDelay,
// BaseDelay*2^attempt)] — full jitter.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration

	// sleep and randFloat are injectable for tests.
	sleep     func(ctx context.Context, d time.Duration) error
	randFloat func() float64
}

// NewPolicy creates a retry policy. MaxRetries counts retries after the
// initial attempt.
func NewPolicy(maxRetries int, baseDelay, maxDelay time.Duration) *Policy {
	return &Policy{
		MaxRetries: maxRetries,
		BaseDelay:  baseDelay,
		MaxDelay:   maxDelay,
		sleep:      sleepContext,
		randFloat:  rand.Float64,
	}
}

// Do runs op until it succeeds, fails terminally, or retries are
// exhausted. A request makes at most MaxRetries+1 attempts. The
// response is returned as-is on success (2xx/3xx); every failure path
// returns a typed error.
func (p *Policy) Do(ctx context.Context, op Operation) (*http.Response, error) {
	attempts := p.MaxRetries + 1

	var (
		lastStatus     int
		lastRetryAfter = -1.0
		lastErr        error
	)

	for attempt := 0; attempt < attempts; attempt++ {
		resp, err := op(ctx)

		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if !retryableError(err) {
				return nil, err
			}
			lastStatus = 0
			lastRetryAfter = -1
			lastErr = err
		} else {
			switch {
			case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
				status := resp.StatusCode
				drain(resp)
				return nil, &AuthenticationError{Status: status}

			case resp.StatusCode == http.StatusNotFound:
				u := ""
				if resp.Request != nil && resp.Request.URL != nil {
					u = resp.Request.URL.String()
				}
				drain(resp)
				return nil, &NotFoundError{URL: u}

			case retryableStatus(resp.StatusCode):
				lastStatus = resp.StatusCode
				lastRetryAfter = parseRetryAfter(resp)
				lastErr = nil
				drain(resp)

			case resp.StatusCode >= 400:
				status := resp.StatusCode
				drain(resp)
				return nil, &APIError{Status: status}

			default:
				return resp, nil
			}
		}

		if attempt == attempts-1 {
			break
		}

		if err := p.sleep(ctx, p.delayFor(attempt, lastRetryAfter)); err != nil {
			return nil, err
		}
	}

	switch {
	case lastStatus == http.StatusTooManyRequests:
		retryAfter := lastRetryAfter
		if retryAfter < 0 {
			retryAfter = 0
		}
		return nil, &RateLimitError{RetryAfter: retryAfter}
	case lastStatus >= 500:
		return nil, &APIError{Status: lastStatus}
	default:
		return nil, &TimeoutError{Err: lastErr}
	}
}

// delayFor computes the wait before the retry following a given
// zero-based attempt. A non-negative retryAfter (seconds, from the
// failed response) wins over the jittered schedule, capped at MaxDelay.
func (p *Policy) delayFor(attempt int, retryAfter float64) time.Duration {
	if retryAfter >= 0 {
		d := time.Duration(retryAfter * float64(time.Second))
		if d > p.MaxDelay {
			d = p.MaxDelay
		}
		return d
	}

	ceiling := float64(p.BaseDelay) * math.Pow(2, float64(attempt))
	if ceiling > float64(p.MaxDelay) {
		ceiling = float64(p.MaxDelay)
	}
	return time.Duration(p.randFloat() * ceiling)
}

// retryableStatus reports whether an HTTP status warrants another
// attempt.
func retryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// retryableError reports whether a transport-level error warrants
// another attempt. Connection failures and timeouts are retryable;
// context cancellation is not.
func retryableError(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if urlErr.Timeout() {
			return true
		}
		return retryableError(urlErr.Err)
	}

	// Anything else that reached the wire and failed is treated as a
	// connection error.
	var netErr interface{ Temporary() bool }
	if errors.As(err, &netErr) {
		return true
	}
	var timeoutErr interface{ Timeout() bool }
	if errors.As(err, &timeoutErr) {
		return true
	}
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

// parseRetryAfter extracts a numeric Retry-After value in seconds.
// Returns -1 when the header is absent, negative, or an HTTP-date
// (non-numeric values fall back to the jittered schedule).
func parseRetryAfter(resp *http.Response) float64 {
	raw := resp.Header.Get("Retry-After")
	if raw == "" {
		return -1
	}
	secs, err := strconv.ParseFloat(raw, 64)
	if err != nil || secs < 0 {
		return -1
	}
	return secs
}

// drain discards and closes a response body so the underlying
// connection can be reused.
func drain(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
