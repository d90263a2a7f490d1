// Package resilience provides retry with exponential backoff and a
// circuit breaker. The controller uses Backoff for tool-server restart
// scheduling and CircuitBreaker to skip flapping discovery catalogs fast.
package resilience

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// RetryConfig configures retry behavior.
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	JitterEnabled bool
}

// DefaultRetryConfig provides sensible defaults.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
		JitterEnabled: true,
	}
}

// Backoff returns the delay before the given 1-based attempt: initial ×
// factor^(attempt-1), capped at max. Attempt 1 waits initial.
func Backoff(attempt int, initial time.Duration, factor float64, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if initial <= 0 {
		initial = time.Second
	}
	if factor < 1 {
		factor = 2.0
	}
	delay := float64(initial) * math.Pow(factor, float64(attempt-1))
	if max > 0 && delay > float64(max) {
		return max
	}
	return time.Duration(delay)
}

// Retry executes fn until it succeeds, the attempts are spent, or the
// context is cancelled. Delays grow exponentially with optional jitter so
// synchronized clients do not stampede a recovering dependency.
func Retry(ctx context.Context, config *RetryConfig, fn func() error) error {
	if config == nil {
		config = DefaultRetryConfig()
	}

	var lastErr error
	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
		}

		if attempt == config.MaxAttempts {
			break
		}

		delay := Backoff(attempt, config.InitialDelay, config.BackoffFactor, config.MaxDelay)
		if config.JitterEnabled {
			delay += time.Duration(rand.Int63n(int64(delay)/10 + 1))
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}
