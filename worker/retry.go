package worker

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy wraps an operation with retries.
type RetryPolicy interface {
	Do(ctx context.Context, fn func(ctx context.Context) error) error
}

type nopRetry struct{}

func (nopRetry) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(ctx)
}

// NoRetry runs the operation once.
func NoRetry() RetryPolicy { return nopRetry{} }

// BackoffRetry retries an operation with exponential backoff.
//
// It retries on any error returned by fn except context cancellation and
// errors marked with backoff.Permanent.
type BackoffRetry struct {
	Attempts        int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func (r BackoffRetry) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	attempts := r.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	initial := r.InitialInterval
	if initial <= 0 {
		initial = 50 * time.Millisecond
	}
	max := r.MaxInterval
	if max < initial {
		max = initial
	}

	bk := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(initial),
		backoff.WithMaxInterval(max),
		backoff.WithMultiplier(2),
		backoff.WithRandomizationFactor(0.2),
		backoff.WithMaxElapsedTime(0),
	)

	return backoff.Retry(func() error {
		err := fn(ctx)
		if err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(bk, uint64(attempts-1)), ctx))
}
