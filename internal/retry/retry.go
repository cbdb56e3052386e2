// Package retry runs upstream calls with transient-failure classification
// and exponential backoff with jitter.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

// maxJitter bounds the uniform jitter added to every backoff delay.
const maxJitter = time.Second

// Policy bounds one Do invocation.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	// OnRetry, when set, is called before each backoff sleep.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultPolicy mirrors the configuration defaults.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 30 * time.Second}
}

func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return errors.New("retry: max_attempts must be >= 1")
	}
	if p.BaseDelay <= 0 {
		return errors.New("retry: base_delay must be > 0")
	}
	if p.MaxDelay <= 0 {
		return errors.New("retry: max_delay must be > 0")
	}
	return nil
}

var (
	sleepFn  = sleepCtx
	jitterFn = func() time.Duration { return time.Duration(rand.Int64N(int64(maxJitter))) }
)

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Backoff returns the wait before the next attempt after attempt failed.
func (p Policy) Backoff(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay || d <= 0 {
			return p.MaxDelay
		}
	}
	d += jitterFn()
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Do invokes fn until it succeeds, fails with a non-transient error, or
// MaxAttempts is exhausted. fn is called afresh on every attempt. The last
// failure is returned unchanged.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	if err := p.Validate(); err != nil {
		return err
	}
	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !IsTransient(lastErr) || attempt == p.MaxAttempts {
			return lastErr
		}
		wait := p.Backoff(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt, lastErr, wait)
		}
		if err := sleepFn(ctx, wait); err != nil {
			return fmt.Errorf("retry aborted after attempt %d: %w", attempt, lastErr)
		}
	}
	return lastErr
}

// Value is Do for calls that return a result.
func Value[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := Do(ctx, p, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
