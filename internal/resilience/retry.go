package resilience

import (
	"context"
	"time"
)

// RetryPolicy retries an operation a bounded number of times with
// exponential backoff. Only errors the caller's predicate marks as
// retryable are retried; everything else surfaces immediately.
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// DefaultRetry returns the policy used for transient unit start failures
func DefaultRetry() RetryPolicy {
	return RetryPolicy{
		Attempts:  3,
		BaseDelay: 500 * time.Millisecond,
		MaxDelay:  5 * time.Second,
	}
}

// Do runs fn up to p.Attempts times, sleeping between attempts.
// The last error is returned when attempts are exhausted.
func (p RetryPolicy) Do(ctx context.Context, fn func() error, retryable func(error) bool) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	delay := p.BaseDelay
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return err
		}
		if i == attempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return err
		case <-time.After(delay):
		}
		delay *= 2
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
	return err
}
