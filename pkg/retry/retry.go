// Package retry runs an operation under a bounded attempt budget.
//
// A Policy combines three things: how many attempts are allowed, which
// errors are worth another attempt, and how long to wait between attempts.
// Waiting is done on the calling goroutine and is interrupted by context
// cancellation.
package retry

import (
	"context"
	"time"
)

// SleepFunc blocks for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Policy describes a bounded retry loop.
type Policy struct {
	// Attempts is the total number of calls allowed, including the first.
	// Values below 1 are treated as 1.
	Attempts int

	// Retryable reports whether err should trigger another attempt.
	// A nil classifier retries every error.
	Retryable func(err error) bool

	// Backoff returns the delay after the given failed attempt (1-based).
	// A nil Backoff retries immediately.
	Backoff func(attempt int) time.Duration

	// OnRetry is called after a retryable failure and before the delay.
	OnRetry func(ctx context.Context, attempt int, err error)

	// Sleep defaults to Sleep.
	Sleep SleepFunc
}

// Constant returns a backoff that always waits d.
func Constant(d time.Duration) func(int) time.Duration {
	return func(int) time.Duration { return d }
}

// Linear returns a backoff that waits attempt*step.
func Linear(step time.Duration) func(int) time.Duration {
	return func(attempt int) time.Duration { return time.Duration(attempt) * step }
}

// Do calls fn until it succeeds, returns a non-retryable error, or the
// attempt budget runs out. The last error is returned unchanged so callers
// can inspect it with errors.Is and errors.As.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = Sleep
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if err = fn(ctx, attempt); err == nil {
			return nil
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return err
		}
		if attempt == attempts {
			break
		}
		if p.OnRetry != nil {
			p.OnRetry(ctx, attempt, err)
		}
		var d time.Duration
		if p.Backoff != nil {
			d = p.Backoff(attempt)
		}
		if serr := sleep(ctx, d); serr != nil {
			return serr
		}
	}
	return err
}

// Sleep waits for d on the calling goroutine, returning ctx.Err() if the
// context is cancelled first.
func Sleep(ctx context.Context, d time.Duration) error {
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
