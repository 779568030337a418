package services

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"festival-booking/internal/status"
)

// RetryPolicy retries an operation that lost an optimistic-lock race.
// Every other error is returned at once.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Jitter      time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		Jitter:      50 * time.Millisecond,
	}
}

// delay grows linearly with the attempt number.
func (p RetryPolicy) delay(attempt int) time.Duration {
	d := p.BaseDelay * time.Duration(attempt)
	if p.Jitter > 0 {
		d += rand.N(p.Jitter)
	}
	return d
}

// Do runs fn until it succeeds, fails with something other than a
// concurrency conflict, or the attempts are spent. onRetry may be nil.
func (p RetryPolicy) Do(ctx context.Context, onRetry func(attempt int, err error), fn func(ctx context.Context) error) error {
	attempts := max(p.MaxAttempts, 1)

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if !errors.Is(err, status.ErrConcurrencyConflict) || attempt == attempts {
			break
		}
		if onRetry != nil {
			onRetry(attempt, err)
		}

		timer := time.NewTimer(p.delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}
