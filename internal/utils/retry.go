package utils

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// BackOff builds the exponential schedule for p: delays double from
// BaseDelay up to MaxDelay with jitter, for at most MaxRetries retries,
// and stop when ctx ends.
func (p RetryPolicy) BackOff(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	if p.MaxDelay > 0 {
		b.MaxInterval = p.MaxDelay
	}
	retries := p.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}

// Retry runs fn until it succeeds, returns a Permanent error, the retry
// budget is spent or ctx ends. It returns the last error and the number
// of attempts made.
func Retry(ctx context.Context, p RetryPolicy, fn func(ctx context.Context) error) (int, error) {
	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		return fn(ctx)
	}, p.BackOff(ctx))
	return attempts, err
}
