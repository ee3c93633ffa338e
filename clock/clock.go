// Package clock abstracts wall-clock time so components that stamp or
// compare times can be tested deterministically.
package clock

import "time"

var (
	// Time is the real clock.
	Time Clock = &realClock{}
)

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

// Func adapts a function to the Clock interface.
type Func func() time.Time

// Now implements Clock.
func (f Func) Now() time.Time {
	return f()
}

type realClock struct{}

func (c *realClock) Now() time.Time {
	return time.Now()
}
