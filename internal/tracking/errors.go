package tracking

import (
	"errors"
	"fmt"
	"time"
)

// RateLimitError signals an HTTP 429 from upstream or a local limiter denial.
// Callers must back off rather than retry immediately.
type RateLimitError struct {
	RetryAfter time.Duration // Zero when the source gave no hint
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter.Round(time.Second))
	}
	return "rate limited"
}

// AuthenticationError signals an HTTP 403; retrying with the same credentials
// will not help.
type AuthenticationError struct {
	Status int
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("upstream rejected credentials (status %d)", e.Status)
}

// NetworkError wraps timeouts, refused connections, and DNS failures.
// Retryable with backoff.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string { return fmt.Sprintf("network error: %v", e.Err) }
func (e *NetworkError) Unwrap() error { return e.Err }

// InvalidDataError signals a malformed response body or shape. Not retryable.
type InvalidDataError struct {
	Err error
}

func (e *InvalidDataError) Error() string { return fmt.Sprintf("invalid upstream data: %v", e.Err) }
func (e *InvalidDataError) Unwrap() error { return e.Err }

// ValidationError signals a single record failing field-range checks. The
// record is dropped; the rest of the batch continues.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsRateLimit reports whether err is (or wraps) a RateLimitError.
func IsRateLimit(err error) (*RateLimitError, bool) {
	var rle *RateLimitError
	if errors.As(err, &rle) {
		return rle, true
	}
	return nil, false
}

// IsAuthentication reports whether err is (or wraps) an AuthenticationError.
func IsAuthentication(err error) bool {
	var ae *AuthenticationError
	return errors.As(err, &ae)
}

// isRetryable reports whether a fetch failure is worth another attempt in the
// short retry loop. Rate-limit and auth failures surface immediately so the
// caller's outer backoff handles them instead of compounding retries.
func isRetryable(err error) bool {
	var rle *RateLimitError
	var ae *AuthenticationError
	var ide *InvalidDataError
	if errors.As(err, &rle) || errors.As(err, &ae) || errors.As(err, &ide) {
		return false
	}
	return true
}
