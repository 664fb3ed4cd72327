package providers

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

// HTTPError is a non-2xx provider response.
type HTTPError struct {
	Status     int
	Body       string
	RetryAfter time.Duration // zero when the header was absent
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// Retryable reports whether the status is worth another attempt:
// rate limits and server-side failures only.
func (e *HTTPError) Retryable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// ParseRetryAfter reads a Retry-After header value. Only the
// delta-seconds form is honored; anything else yields zero.
func ParseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// RetryConfig bounds the retry loop.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// DefaultRetryConfig retries transient failures up to three attempts
// with exponential backoff.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 3, BaseDelay: time.Second}
}

// RetryDo runs fn until it succeeds, fails permanently, or attempts run
// out. A Retry-After hint from the provider overrides the backoff delay.
func RetryDo[T any](ctx context.Context, cfg RetryConfig, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		out, err := fn()
		if err == nil {
			return out, nil
		}
		lastErr = err

		httpErr, ok := err.(*HTTPError)
		if !ok || !httpErr.Retryable() || attempt == cfg.MaxAttempts {
			return zero, err
		}

		delay := cfg.BaseDelay << (attempt - 1)
		if httpErr.RetryAfter > 0 {
			delay = httpErr.RetryAfter
		}
		slog.Warn("provider request failed, retrying",
			"status", httpErr.Status, "attempt", attempt, "delay", delay)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
	return zero, lastErr
}
