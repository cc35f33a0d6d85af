// internal/database/retry.go
package database

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"
)

// RetryOptions configures WithRetry.
type RetryOptions struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	// Logger receives a warning per retried attempt. Nil disables logging.
	Logger logrus.FieldLogger
	// Jitter returns the multiplicative jitter factor. Defaults to U[0.8,1.2].
	Jitter func() float64
}

// DefaultRetryOptions retries three times starting at 100ms.
func DefaultRetryOptions() RetryOptions {
	return RetryOptions{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    2 * time.Second,
	}
}

func defaultJitter() float64 {
	return 0.8 + rand.Float64()*0.4
}

// Backoff returns base * 2^(attempt-1) * jitter, capped at maxDelay.
func Backoff(attempt int, base, maxDelay time.Duration, jitter float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(base) * float64(uint64(1)<<uint(min(attempt-1, 30))) * jitter
	if maxDelay > 0 && d > float64(maxDelay) {
		return maxDelay
	}
	return time.Duration(d)
}

// WithRetry runs fn until it succeeds, returns a non-retryable error, or
// MaxAttempts is reached.
func WithRetry(ctx context.Context, opts RetryOptions, fn func(ctx context.Context) error) error {
	_, err := WithRetryValue(ctx, opts, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// WithRetryValue is WithRetry for operations that return a value.
func WithRetryValue[T any](ctx context.Context, opts RetryOptions, fn func(ctx context.Context) (T, error)) (T, error) {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	jitter := opts.Jitter
	if jitter == nil {
		jitter = defaultJitter
	}

	var zero T
	for attempt := 1; ; attempt++ {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		if !IsRetryable(err) {
			return zero, err
		}
		if attempt >= opts.MaxAttempts {
			return zero, fmt.Errorf("giving up after %d attempts: %w", attempt, err)
		}

		delay := Backoff(attempt, opts.BaseDelay, opts.MaxDelay, jitter())
		if opts.Logger != nil {
			opts.Logger.WithFields(logrus.Fields{
				"attempt": attempt,
				"delay":   delay,
				"error":   err,
			}).Warn("retrying transient database error")
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, fmt.Errorf("retry aborted: %w", err)
		case <-timer.C:
		}
	}
}
