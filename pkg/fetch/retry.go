package fetch

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// RetryPolicy bounds how often and for how long a call is retried.
type RetryPolicy struct {
	// MaxAttempts is the total number of calls, including the first.
	MaxAttempts int
	// BaseDelay is multiplied by the attempt number before each retry.
	BaseDelay time.Duration
	// Jitter is the upper bound of a random delay added to each backoff.
	Jitter time.Duration
	// Budget caps the wall-clock time of all attempts together.
	Budget time.Duration
	// Retryable decides whether err warrants another attempt.
	Retryable func(err error) bool

	// sleep is replaced in tests
	sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRetryPolicy is ten attempts with a linear backoff of 15 seconds per
// attempt plus up to 15 seconds of jitter, bounded to 15 minutes.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 10,
		BaseDelay:   15 * time.Second,
		Jitter:      15 * time.Second,
		Budget:      15 * time.Minute,
		Retryable:   IsRetryable,
	}
}

// Backoff returns the delay before the given attempt (1 is the first retry).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	d := time.Duration(attempt) * p.BaseDelay
	if p.Jitter > 0 {
		d += time.Duration(rand.Int64N(int64(p.Jitter)))
	}
	return d
}

// Do calls fn until it succeeds, returns a non-retryable error, the attempts
// run out or the budget expires. It returns the last error from fn, joined
// with the context error if the wait was cut short.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) error {
	if p.Budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Budget)
		defer cancel()
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = IsRetryable
	}
	sleep := p.sleep
	if sleep == nil {
		sleep = sleepContext
	}
	attempts := max(1, p.MaxAttempts)

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if serr := sleep(ctx, p.Backoff(attempt)); serr != nil {
				return errors.Join(err, serr)
			}
		}
		err = fn(ctx, attempt)
		if err == nil || !retryable(err) {
			return err
		}
	}
	return err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
