package tracking

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastRetryConfig(maxRetries int) RetryConfig {
	return RetryConfig{
		MaxRetries:   maxRetries,
		InitialDelay: time.Millisecond,
		MaxDelay:     10 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestRetryWithBackoff(t *testing.T) {
	t.Run("first success needs no retry", func(t *testing.T) {
		calls := 0
		err := RetryWithBackoff(context.Background(), fastRetryConfig(3), func() error {
			calls++
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}
		if calls != 1 {
			t.Fatalf("calls = %d, want 1", calls)
		}
	})

	t.Run("retries transient failures", func(t *testing.T) {
		calls := 0
		err := RetryWithBackoff(context.Background(), fastRetryConfig(3), func() error {
			calls++
			if calls < 3 {
				return &NetworkError{Err: errors.New("connection reset")}
			}
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}
		if calls != 3 {
			t.Fatalf("calls = %d, want 3", calls)
		}
	})

	t.Run("exhausts the budget and wraps the last error", func(t *testing.T) {
		calls := 0
		inner := &NetworkError{Err: errors.New("connection reset")}
		err := RetryWithBackoff(context.Background(), fastRetryConfig(2), func() error {
			calls++
			return inner
		})
		if err == nil {
			t.Fatal("expected error")
		}
		if calls != 3 { // first try plus two retries
			t.Fatalf("calls = %d, want 3", calls)
		}
		var ne *NetworkError
		if !errors.As(err, &ne) {
			t.Fatalf("final error does not wrap the cause: %v", err)
		}
	})

	t.Run("rate limit aborts immediately", func(t *testing.T) {
		calls := 0
		err := RetryWithBackoff(context.Background(), fastRetryConfig(5), func() error {
			calls++
			return &RateLimitError{RetryAfter: time.Minute}
		})
		if calls != 1 {
			t.Fatalf("calls = %d, want 1 (rate limit must not retry)", calls)
		}
		if _, ok := IsRateLimit(err); !ok {
			t.Fatalf("error lost its type: %v", err)
		}
	})

	t.Run("auth failure aborts immediately", func(t *testing.T) {
		calls := 0
		err := RetryWithBackoff(context.Background(), fastRetryConfig(5), func() error {
			calls++
			return &AuthenticationError{Status: 403}
		})
		if calls != 1 {
			t.Fatalf("calls = %d, want 1", calls)
		}
		if !IsAuthentication(err) {
			t.Fatalf("error lost its type: %v", err)
		}
	})

	t.Run("cancellation stops the loop", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		calls := 0
		err := RetryWithBackoff(ctx, fastRetryConfig(5), func() error {
			calls++
			cancel()
			return &NetworkError{Err: errors.New("down")}
		})
		if err == nil {
			t.Fatal("expected cancellation error")
		}
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("error = %v, want context.Canceled", err)
		}
	})
}
