package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/strandlabs/strand/clock"
)

// ErrOpen is returned when the breaker fast-fails a call without invoking
// the operation. It is distinguishable from an operation failure so callers
// can apply different fallback logic.
var ErrOpen = errors.New("resilience: circuit open")

// BreakerState is the current state of a circuit breaker.
type BreakerState int

const (
	// Closed lets operations execute normally.
	Closed BreakerState = iota
	// Open fails calls immediately without invoking the operation.
	Open
	// HalfOpen lets trial calls through to probe recovery.
	HalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	}
	return "unknown"
}

type breakerOptFn func(b *Breaker) error

func (f breakerOptFn) addBreakerOption(b *Breaker) error {
	return f(b)
}

// BreakerOption is an option when creating a breaker.
type BreakerOption interface {
	addBreakerOption(b *Breaker) error
}

// FailureThreshold sets the number of consecutive failures that opens the
// breaker. Default is 5.
func FailureThreshold(n int) BreakerOption {
	return breakerOptFn(func(b *Breaker) error {
		b.failureThreshold = n
		return nil
	})
}

// SuccessThreshold sets the number of consecutive half-open successes
// required to close the breaker again. Default is 1.
func SuccessThreshold(n int) BreakerOption {
	return breakerOptFn(func(b *Breaker) error {
		b.successThreshold = n
		return nil
	})
}

// RecoveryTimeout sets how long the breaker stays open before letting a
// trial call through. Default is 30 seconds.
func RecoveryTimeout(d time.Duration) BreakerOption {
	return breakerOptFn(func(b *Breaker) error {
		b.recoveryTimeout = d
		return nil
	})
}

// BreakerClock sets a clock implementation. Default is clock.Time.
func BreakerClock(c clock.Clock) BreakerOption {
	return breakerOptFn(func(b *Breaker) error {
		b.clock = c
		return nil
	})
}

// Breaker stops calling a known-failing dependency for a cooldown period
// rather than retrying indefinitely. Consecutive failures open the circuit;
// after the recovery timeout a trial call probes the dependency, and enough
// consecutive successes close it again. Any half-open failure reopens the
// circuit and restarts the timeout.
type Breaker struct {
	failureThreshold int
	successThreshold int
	recoveryTimeout  time.Duration
	clock            clock.Clock

	mu        sync.Mutex
	state     BreakerState
	failures  int
	successes int
	openedAt  time.Time
}

// NewBreaker initializes a breaker in the closed state.
func NewBreaker(opts ...BreakerOption) (*Breaker, error) {
	b := &Breaker{
		failureThreshold: 5,
		successThreshold: 1,
		recoveryTimeout:  30 * time.Second,
		clock:            clock.Time,
	}

	for _, o := range opts {
		if err := o.addBreakerOption(b); err != nil {
			return nil, err
		}
	}

	return b, nil
}

// State returns the breaker's current state, accounting for an elapsed
// recovery timeout.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.currentState()
}

// currentState must be called with the mutex held.
func (b *Breaker) currentState() BreakerState {
	if b.state == Open && b.clock.Now().Sub(b.openedAt) >= b.recoveryTimeout {
		b.state = HalfOpen
		b.successes = 0
	}
	return b.state
}

// Do executes the operation through the breaker. While the circuit is open,
// Do returns ErrOpen without invoking the operation.
func (b *Breaker) Do(ctx context.Context, op func(ctx context.Context) error) error {
	b.mu.Lock()
	if b.currentState() == Open {
		b.mu.Unlock()
		return ErrOpen
	}
	b.mu.Unlock()

	err := op(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		b.onFailure()
		return err
	}

	b.onSuccess()
	return nil
}

// onFailure must be called with the mutex held.
func (b *Breaker) onFailure() {
	switch b.state {
	case HalfOpen:
		b.open()
	case Closed:
		b.failures++
		if b.failures >= b.failureThreshold {
			b.open()
		}
	}
}

// onSuccess must be called with the mutex held.
func (b *Breaker) onSuccess() {
	switch b.state {
	case HalfOpen:
		b.successes++
		if b.successes >= b.successThreshold {
			b.state = Closed
			b.failures = 0
			b.successes = 0
		}
	case Closed:
		b.failures = 0
	}
}

// open must be called with the mutex held.
func (b *Breaker) open() {
	b.state = Open
	b.failures = 0
	b.successes = 0
	b.openedAt = b.clock.Now()
}
