// Package retry wraps cenkalti/backoff with the orchestrator's retry policy:
// bounded attempts, exponential delays and a permanent-error escape hatch.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy configures a retry loop.
type Policy struct {
	MaxAttempts int
	Initial     time.Duration
	Multiplier  float64
	MaxInterval time.Duration
}

// Default is three attempts starting at 500ms and doubling.
var Default = Policy{MaxAttempts: 3, Initial: 500 * time.Millisecond, Multiplier: 2, MaxInterval: 5 * time.Second}

// Permanent marks err as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// Do runs fn until it succeeds, returns a permanent error, the context ends,
// or MaxAttempts is reached. It returns the number of attempts made and the
// last error, unwrapped from any permanent marker.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) error) (int, error) {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.Initial
	if p.Multiplier > 0 {
		eb.Multiplier = p.Multiplier
	}
	if p.MaxInterval > 0 {
		eb.MaxInterval = p.MaxInterval
	}
	eb.RandomizationFactor = 0
	eb.MaxElapsedTime = 0

	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(p.MaxAttempts-1)), ctx)

	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		return fn(ctx, attempts)
	}, b)

	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Err
	}
	return attempts, err
}
