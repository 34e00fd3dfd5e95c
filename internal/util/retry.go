package util

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrAttemptTimeout marks an attempt that did not finish within its
// per-attempt timeout.
var ErrAttemptTimeout = errors.New("attempt timed out")

// RetryPolicy bounds a retried operation.
type RetryPolicy struct {
	MaxAttempts int           // total attempts, at least 1
	Delay       time.Duration // sleep between failed attempts
	Timeout     time.Duration // per-attempt deadline, 0 disables it

	// OnRetry, if set, is called after each failed attempt that will be
	// retried.
	OnRetry func(attempt int, err error)
}

// Retry calls fn until it succeeds or the policy's attempts are exhausted. Each
// attempt receives a context bounded by Timeout; an attempt that overruns
// returns ErrAttemptTimeout even if fn ignores its context. Retry returns the
// number of attempts made and the last error. Cancelling ctx stops retrying.
func Retry(ctx context.Context, p RetryPolicy, fn func(ctx context.Context) error) (int, error) {
	attempts := max(p.MaxAttempts, 1)

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = runAttempt(ctx, p.Timeout, fn)
		if err == nil {
			return attempt, nil
		}
		if ctx.Err() != nil {
			return attempt, ctx.Err()
		}

		// Don't sleep after the last failed attempt.
		if attempt < attempts {
			if p.OnRetry != nil {
				p.OnRetry(attempt, err)
			}
			if serr := Sleep(ctx, p.Delay); serr != nil {
				return attempt, serr
			}
		}
	}
	return attempts, err
}

func runAttempt(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}

	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn(actx) }()

	select {
	case err := <-done:
		if err != nil && errors.Is(actx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return fmt.Errorf("%w after %s: %v", ErrAttemptTimeout, timeout, err)
		}
		return err
	case <-actx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w after %s", ErrAttemptTimeout, timeout)
	}
}

// Sleep waits for d or until ctx is cancelled.
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
