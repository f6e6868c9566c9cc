package retry

import (
	"context"
	"errors"
	"math"
	"net"
	"syscall"
	"time"
)

// Config holds retry configuration
type Config struct {
	MaxAttempts  int           // Attempts including the first
	InitialDelay time.Duration // Delay before the second attempt
	MaxDelay     time.Duration // Ceiling for any single delay
	Multiplier   float64       // Exponential backoff factor

	// OnRetry, when set, is called before each wait.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultConfig returns the dial retry policy.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
	}
}

func (c Config) normalized() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 1
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = 100 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 10 * time.Second
	}
	if c.Multiplier <= 0 {
		c.Multiplier = 2.0
	}
	return c
}

// Backoff returns the delay after the given failed attempt (1-based).
func (c Config) Backoff(attempt int) time.Duration {
	c = c.normalized()
	delay := float64(c.InitialDelay) * math.Pow(c.Multiplier, float64(attempt-1))
	if delay > float64(c.MaxDelay) {
		return c.MaxDelay
	}
	return time.Duration(delay)
}

// ShouldRetry determines if an error is retryable
type ShouldRetry func(error) bool

// Execute runs fn until it succeeds, fails with a non-retryable error, or
// runs out of attempts. The last error is returned.
func Execute(ctx context.Context, config Config, shouldRetry ShouldRetry, fn func() error) error {
	_, err := ExecuteWithResult(ctx, config, shouldRetry, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// ExecuteWithResult is Execute for functions returning a value.
func ExecuteWithResult[T any](ctx context.Context, config Config, shouldRetry ShouldRetry, fn func() (T, error)) (T, error) {
	config = config.normalized()
	var zero T

	for attempt := 1; ; attempt++ {
		result, err := fn()
		if err == nil {
			return result, nil
		}
		if attempt >= config.MaxAttempts {
			return zero, err
		}
		if shouldRetry != nil && !shouldRetry(err) {
			return zero, err
		}
		// A cancelled context is never worth retrying.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, err
		}

		delay := config.Backoff(attempt)
		if config.OnRetry != nil {
			config.OnRetry(attempt, err, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}
}

// IsRetryable retries only errors matching one of targets.
func IsRetryable(targets ...error) ShouldRetry {
	return func(err error) bool {
		for _, target := range targets {
			if errors.Is(err, target) {
				return true
			}
		}
		return false
	}
}

// Except retries everything but errors matching one of targets.
func Except(targets ...error) ShouldRetry {
	match := IsRetryable(targets...)
	return func(err error) bool {
		return !match(err)
	}
}

// IsTransientNetError retries timeouts, refused and reset connections:
// failures a peer that is still starting up or restarting produces.
func IsTransientNetError() ShouldRetry {
	return func(err error) bool {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return false
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return true
		}
		return errors.Is(err, syscall.ECONNREFUSED) ||
			errors.Is(err, syscall.ECONNRESET) ||
			errors.Is(err, syscall.ECONNABORTED)
	}
}

// AlwaysRetry returns a ShouldRetry function that always retries
func AlwaysRetry() ShouldRetry {
	return func(error) bool {
		return true
	}
}
