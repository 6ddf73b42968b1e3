package llm

import (
	"context"
	"time"
)

// RetryPolicy bounds retries of retryable errors. MaxRetries counts retries
// after the first attempt.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		MaxDelay:   60 * time.Second,
	}
}

// DelayForAttempt returns BaseDelay*2^attempt capped at MaxDelay. attempt is
// zero-indexed: the delay after the first failed call is DelayForAttempt(0).
func (p RetryPolicy) DelayForAttempt(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if p.BaseDelay <= 0 {
		return 0
	}
	d := p.BaseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

func defaultSleep(ctx context.Context, d time.Duration) error {
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

// RetryNotice describes a failed attempt that will be retried.
type RetryNotice struct {
	Attempt int
	Delay   time.Duration
	Err     error
}

// Retry calls fn until it succeeds, returns a non-retryable error, or the
// policy is exhausted. Errors not already in the taxonomy are wrapped as
// UnknownError and retried. The last error is returned on exhaustion.
func Retry[T any](ctx context.Context, policy RetryPolicy, provider string, sleep SleepFunc, onRetry func(RetryNotice), fn func() (T, error)) (T, int, error) {
	if sleep == nil {
		sleep = defaultSleep
	}
	maxRetries := policy.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	var zero T
	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return zero, attempts, lastErr
			}
			return zero, attempts, err
		}
		attempts++
		v, err := fn()
		if err == nil {
			return v, attempts, nil
		}
		err = WrapError(provider, err)
		lastErr = err
		if ctx.Err() != nil || !IsRetryable(err) || attempt == maxRetries {
			return zero, attempts, err
		}
		delay := policy.DelayForAttempt(attempt)
		if onRetry != nil {
			onRetry(RetryNotice{Attempt: attempts, Delay: delay, Err: err})
		}
		if serr := sleep(ctx, delay); serr != nil {
			return zero, attempts, lastErr
		}
	}
	return zero, attempts, lastErr
}
