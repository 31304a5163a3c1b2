package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// RetryPolicy wraps idempotent network operations with exponential
// backoff. The delay doubles deterministically between attempts so
// retry timing is predictable in tests.
type RetryPolicy struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int

	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration

	// MaxDelay caps the doubled delay.
	MaxDelay time.Duration

	// Logger for retry events.
	Logger *zap.Logger
}

// DefaultRetryPolicy returns the policy backends use for idempotent calls.
func DefaultRetryPolicy(logger *zap.Logger) *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    15 * time.Second,
		Logger:      logger,
	}
}

// Do executes fn, retrying classified-retryable errors with backoff.
// A rate-limit RetryAfter hint overrides the computed delay. Returns the
// last error once attempts are exhausted or the error is not retryable.
func (p *RetryPolicy) Do(ctx context.Context, operation string, fn func() error) error {
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	delay := p.BaseDelay
	var lastErr error

	attempt := 1
	for ; attempt <= attempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			if attempt > 1 {
				logger.Info("operation succeeded after retries",
					zap.String("operation", operation),
					zap.Int("attempts", attempt),
				)
			}
			return nil
		}

		if !IsRetryable(lastErr) || attempt == attempts {
			break
		}

		wait := delay
		var pe *Error
		if errors.As(lastErr, &pe) && pe.RetryAfter > 0 {
			wait = pe.RetryAfter
		}

		logger.Warn("operation failed, retrying",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", attempts),
			zap.Duration("delay", wait),
			zap.Error(lastErr),
		)

		select {
		case <-ctx.Done():
			return fmt.Errorf("retry aborted: %w", ctx.Err())
		case <-time.After(wait):
		}

		delay *= 2
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operation, attempt, lastErr)
}
