package gateway

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy configures exponential backoff.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	Jitter      time.Duration
}

// DefaultRetryPolicy returns sensible retry defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    8 * time.Second,
		Multiplier:  2,
		Jitter:      250 * time.Millisecond,
	}
}

// Backoff returns the wait after the given failed attempt (1-based):
// min(MaxDelay, BaseDelay * Multiplier^(attempt-1)) plus up to Jitter.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	delay := float64(p.BaseDelay) * math.Pow(mult, float64(attempt-1))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	return time.Duration(delay) + jitter(p.Jitter)
}

func jitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max)))
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// RetryHook observes a failed attempt that will be retried after delay.
type RetryHook func(attempt int, kind Kind, delay time.Duration, err error)

// Retry runs fn up to policy.MaxAttempts times. Terminal errors (by Classify)
// and caller cancellation stop immediately. It returns the attempts made and
// the last error.
func Retry(ctx context.Context, policy RetryPolicy, sleep SleepFunc, hook RetryHook, fn func(ctx context.Context, attempt int) error) (int, error) {
	if sleep == nil {
		sleep = sleepContext
	}
	maxAttempts := policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt - 1, err
		}

		lastErr = fn(ctx, attempt)
		if lastErr == nil {
			return attempt, nil
		}

		kind := Classify(lastErr)
		if !kind.Retryable() {
			return attempt, lastErr
		}
		if attempt == maxAttempts {
			break
		}

		delay := policy.Backoff(attempt)
		if hook != nil {
			hook(attempt, kind, delay, lastErr)
		}
		if err := sleep(ctx, delay); err != nil {
			return attempt, err
		}
	}
	return maxAttempts, lastErr
}
