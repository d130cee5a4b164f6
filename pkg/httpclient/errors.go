package httpclient

import "fmt"

// AuthenticationError reports a 401 or 403 from the upstream service.
// Authentication failures are never retried; the caller must fix its
// credentials before trying again.
type AuthenticationError struct {
	Status int
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed (HTTP %d)", e.Status)
}

// NotFoundError reports a 404 from the upstream service. Retrying a
// missing resource is pointless, so the error surfaces immediately.
type NotFoundError struct {
	URL string
}

func (e *NotFoundError) Error() string {
	if e.URL == "" {
		return "resource not found (HTTP 404)"
	}
	return fmt.Sprintf("resource not found (HTTP 404): %s", e.URL)
}

// RateLimitError reports that retries were exhausted while the upstream
// kept answering 429. RetryAfter carries the last Retry-After value in
// seconds, or 0 when the upstream sent none.
type RateLimitError struct {
	RetryAfter float64
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited (HTTP 429), retry after %gs", e.RetryAfter)
	}
	return "rate limited (HTTP 429)"
}

// APIError reports a terminal HTTP error status: either a non-retryable
// 4xx, or a retryable 5xx that survived every retry attempt.
type APIError struct {
	Status int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("upstream returned HTTP %d", e.Status)
}

// TimeoutError reports that retries were exhausted on connection
// failures or timeouts without ever receiving an HTTP status.
type TimeoutError struct {
	Err error
}

func (e *TimeoutError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("request timed out after retries: %v", e.Err)
	}
	return "request timed out after retries"
}

func (e *TimeoutError) Unwrap() error { return e.Err }
