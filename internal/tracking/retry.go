package tracking

import (
	"context"
	"fmt"
	"math"
	"time"
)

// RetryConfig configures exponential-backoff retry for upstream fetches.
type RetryConfig struct {
	MaxRetries   int           // Retry attempts after the first try
	InitialDelay time.Duration // First retry delay; grows by Multiplier each attempt
	MaxDelay     time.Duration // Backoff cap
	Multiplier   float64
}

// DefaultRetryConfig returns the standard fetch retry behavior.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   3,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
	}
}

// RetryWithBackoff runs fn with exponential backoff. The first attempt is
// immediate. Non-retryable failures (rate limit, auth, malformed data) abort
// the loop at once so the caller's own backoff takes over.
func RetryWithBackoff(ctx context.Context, cfg RetryConfig, fn func() error) error {
	var lastErr error
	delay := cfg.InitialDelay

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("retry cancelled: %w", ctx.Err())
			case <-time.After(delay):
			}
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if !isRetryable(err) {
			return err
		}
		if attempt == cfg.MaxRetries {
			break
		}

		next := time.Duration(float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt)))
		if next > cfg.MaxDelay {
			next = cfg.MaxDelay
		}
		delay = next
	}

	return fmt.Errorf("max retries (%d) exceeded: %w", cfg.MaxRetries, lastErr)
}
