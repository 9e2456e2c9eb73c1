// Package retry provides utilities for retrying operations with configurable
// backoff schedules. All retry loops in the orchestrator (bridge reconnects,
// planning retries, the per-issue attempt loop) are built on this package.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// Config configures retry behavior.
type Config struct {
	// MaxAttempts is the maximum number of attempts (including the first).
	MaxAttempts int
	// InitialDelay is the delay after the first failure.
	InitialDelay time.Duration
	// MaxDelay is the maximum delay between attempts.
	MaxDelay time.Duration
	// Factor is the multiplier applied to the delay after each failure.
	Factor float64
	// Jitter randomizes each delay into [0.5x, 1.5x].
	Jitter bool
	// Delays, when non-empty, is an explicit per-failure delay schedule that
	// overrides InitialDelay/MaxDelay/Factor. Delays[i] is slept after the
	// (i+1)-th failed attempt; the last entry repeats if attempts exceed it.
	Delays []time.Duration
}

// DefaultConfig returns the default retry configuration.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Factor:       2.0,
		Jitter:       true,
	}
}

// Result contains the outcome of a retry operation.
type Result struct {
	// Attempts is the number of attempts made.
	Attempts int
	// Err is the last error (nil if successful).
	Err error
	// Duration is the total time spent retrying.
	Duration time.Duration
}

// Do executes the operation with retries.
func Do(ctx context.Context, config Config, op func() error) Result {
	return WithAttemptNumber(ctx, config, func(int) error { return op() })
}

// WithAttemptNumber executes with the 1-based attempt number available to
// the operation.
func WithAttemptNumber(ctx context.Context, config Config, op func(attempt int) error) Result {
	start := time.Now()
	result := Result{}

	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = 100 * time.Millisecond
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 10 * time.Second
	}
	if config.Factor <= 0 {
		config.Factor = 2.0
	}

	delay := config.InitialDelay

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		result.Attempts = attempt

		if ctx.Err() != nil {
			result.Err = ctx.Err()
			result.Duration = time.Since(start)
			return result
		}

		err := op(attempt)
		if err == nil {
			result.Err = nil
			result.Duration = time.Since(start)
			return result
		}

		result.Err = err

		if IsPermanent(err) {
			result.Duration = time.Since(start)
			return result
		}

		if attempt >= config.MaxAttempts {
			break
		}

		sleep := delay
		if len(config.Delays) > 0 {
			idx := attempt - 1
			if idx >= len(config.Delays) {
				idx = len(config.Delays) - 1
			}
			sleep = config.Delays[idx]
		} else if config.Jitter {
			// Jitter: delay * [0.5, 1.5]
			jitterFactor := 0.5 + rand.Float64() // #nosec G404 -- jitter does not require cryptographic randomness
			sleep = time.Duration(float64(delay) * jitterFactor)
		}

		select {
		case <-ctx.Done():
			result.Err = ctx.Err()
			result.Duration = time.Since(start)
			return result
		case <-time.After(sleep):
		}

		delay = time.Duration(float64(delay) * config.Factor)
		if delay > config.MaxDelay {
			delay = config.MaxDelay
		}
	}

	result.Duration = time.Since(start)
	return result
}

// DoWithValue executes an operation that returns a value with retries.
func DoWithValue[T any](ctx context.Context, config Config, op func() (T, error)) (T, Result) {
	var value T
	result := Do(ctx, config, func() error {
		var err error
		value, err = op()
		return err
	})
	return value, result
}

// PermanentError is an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps an error to indicate it should not be retried.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent checks if an error is permanent (shouldn't retry).
func IsPermanent(err error) bool {
	var permanent *PermanentError
	return errors.As(err, &permanent)
}

// IsRetryable checks if an error is retryable (not permanent and not nil).
func IsRetryable(err error) bool {
	return err != nil && !IsPermanent(err)
}

// Backoff calculates the backoff duration for a given 1-based attempt.
func Backoff(attempt int, initial, max time.Duration, factor float64) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	if initial <= 0 {
		initial = 100 * time.Millisecond
	}
	if max <= 0 {
		max = 10 * time.Second
	}
	if factor <= 0 {
		factor = 2.0
	}

	delay := float64(initial) * math.Pow(factor, float64(attempt-1))
	if delay > float64(max) {
		delay = float64(max)
	}
	return time.Duration(delay)
}

// Linear creates a config with a fixed delay between attempts.
func Linear(maxAttempts int, delay time.Duration) Config {
	return Config{
		MaxAttempts:  maxAttempts,
		InitialDelay: delay,
		MaxDelay:     delay,
		Factor:       1.0,
		Jitter:       false,
	}
}

// Exponential creates a config for exponential backoff with jitter.
func Exponential(maxAttempts int, initial, max time.Duration) Config {
	return Config{
		MaxAttempts:  maxAttempts,
		InitialDelay: initial,
		MaxDelay:     max,
		Factor:       2.0,
		Jitter:       true,
	}
}

// Arithmetic creates a config whose n-th failure sleeps n*base: base, 2*base,
// 3*base, and so on. Used for the per-issue attempt loop.
func Arithmetic(maxAttempts int, base time.Duration) Config {
	delays := make([]time.Duration, 0, maxAttempts)
	for n := 1; n < maxAttempts; n++ {
		delays = append(delays, time.Duration(n)*base)
	}
	if len(delays) == 0 {
		delays = []time.Duration{base}
	}
	return Config{
		MaxAttempts: maxAttempts,
		Delays:      delays,
	}
}

// Schedule creates a config with an explicit delay ladder, e.g.
// Schedule(5*time.Second, 10*time.Second, 20*time.Second) for the planning
// retry policy.
func Schedule(delays ...time.Duration) Config {
	return Config{
		MaxAttempts: len(delays) + 1,
		Delays:      delays,
	}
}
