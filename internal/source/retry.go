package source

import (
	"context"
	"time"
)

// retryPolicy bounds how often a window query is repeated. The delay doubles
// after every failure up to maxDelay.
type retryPolicy struct {
	retries  int
	delay    time.Duration
	maxDelay time.Duration
}

func newRetryPolicy(retries int, delay time.Duration) retryPolicy {
	if retries < 0 {
		retries = 0
	}
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	return retryPolicy{retries: retries, delay: delay, maxDelay: 16 * delay}
}

// do calls fn until it succeeds or the retries are spent. onRetry, if set,
// sees every failure that is followed by another attempt.
func (p retryPolicy) do(ctx context.Context, fn func(context.Context) error, onRetry func(attempt int, err error)) error {
	delay := p.delay
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil || attempt > p.retries {
			return err
		}
		if onRetry != nil {
			onRetry(attempt, err)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		if delay *= 2; delay > p.maxDelay {
			delay = p.maxDelay
		}
	}
}
