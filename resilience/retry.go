// Package resilience provides cross-cutting wrappers for operations against
// unreliable collaborators: bounded retries with exponential backoff and a
// circuit breaker. The wrappers are not specific to any one component.
package resilience

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy executes an operation up to MaxAttempts times, sleeping an
// exponentially growing, jittered delay between attempts. An error outside
// the retryable set is returned immediately; an error that survives every
// attempt is returned annotated with the attempt count.
type RetryPolicy struct {
	// MaxAttempts bounds the total number of attempts. Values below one are
	// treated as one.
	MaxAttempts int

	// BaseDelay is the delay before the first retry. The n'th retry waits
	// BaseDelay * 2^n, capped at MaxDelay.
	BaseDelay time.Duration

	// MaxDelay caps the computed delay. Zero means no cap.
	MaxDelay time.Duration

	// Jitter is the multiplicative random spread applied to each delay,
	// e.g. 0.5 stretches a delay by up to 50%.
	Jitter float64

	// Retryable reports whether an error is worth another attempt. Nil
	// means every error is retryable.
	Retryable func(error) bool

	// Sleep waits for the given duration or until the context is done. Nil
	// uses a timer. Tests inject their own to avoid real waiting.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Execute runs the operation under the policy.
func (p RetryPolicy) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	sleep := p.Sleep
	if sleep == nil {
		sleep = wait
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, p.delay(attempt-1)); err != nil {
				return err
			}
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}

		if p.Retryable != nil && !p.Retryable(lastErr) {
			return lastErr
		}
	}

	return fmt.Errorf("resilience: %d attempts: %w", attempts, lastErr)
}

// delay returns the time to wait before the retry following the n'th failed
// attempt.
func (p RetryPolicy) delay(n int) time.Duration {
	s := math.Pow(2, float64(n)) * p.BaseDelay.Seconds()

	if p.MaxDelay > 0 && s > p.MaxDelay.Seconds() {
		s = p.MaxDelay.Seconds()
	}

	s *= 1 + (rand.Float64() * p.Jitter)

	return time.Duration(s * float64(time.Second))
}

func wait(ctx context.Context, d time.Duration) error {
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
