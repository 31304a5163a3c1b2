package provider

import (
	"context"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
)

func testPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
		Logger:      zap.NewNop(),
	}
}

func TestRetrySucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := testPolicy().Do(context.Background(), "op", func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRetryRecoversFromTransientError(t *testing.T) {
	calls := 0
	err := testPolicy().Do(context.Background(), "op", func() error {
		calls++
		if calls < 3 {
			return NewError(ErrKindNetwork, "connection reset", nil)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetryStopsOnNonRetryable(t *testing.T) {
	calls := 0
	err := testPolicy().Do(context.Background(), "op", func() error {
		calls++
		return NewError(ErrKindAuth, "bad token", nil)
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (auth errors must not be retried)", calls)
	}
	if !IsKind(err, ErrKindAuth) {
		t.Errorf("wrapped error should preserve kind, got %s", KindOf(err))
	}
	if !strings.Contains(err.Error(), "after 1 attempts") {
		t.Errorf("error = %q, want the single attempt actually made, not the configured maximum", err)
	}
}

func TestRetryExhaustsAttempts(t *testing.T) {
	calls := 0
	err := testPolicy().Do(context.Background(), "op", func() error {
		calls++
		return NewError(ErrKindUnavailable, "down", nil)
	})
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetryHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := &RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   time.Hour, // would hang without cancellation
		Logger:      zap.NewNop(),
	}

	done := make(chan error, 1)
	go func() {
		done <- policy.Do(ctx, "op", func() error {
			return NewError(ErrKindNetwork, "timeout", nil)
		})
	}()

	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected cancellation error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("retry did not observe context cancellation")
	}
}

func TestRetryHonorsRetryAfterHint(t *testing.T) {
	hint := 2 * time.Millisecond
	calls := 0
	start := time.Now()

	err := testPolicy().Do(context.Background(), "op", func() error {
		calls++
		if calls == 1 {
			return &Error{Kind: ErrKindRateLimit, Message: "slow down", RetryAfter: hint}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if elapsed := time.Since(start); elapsed < hint {
		t.Errorf("retry waited %v, want at least the %v hint", elapsed, hint)
	}
}
