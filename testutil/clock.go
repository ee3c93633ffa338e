package testutil

import "time"

var (
	defaultStartTime = time.Date(2023, 4, 11, 9, 0, 0, 0, time.UTC)
)

// Clock implements clock.Clock, but each call to Now() advances the time by
// the configured unit, so timestamps are deterministic across a test run.
type Clock struct {
	Start time.Time
	unit  time.Duration
	last  time.Time
}

// Now implements clock.Clock.
func (c *Clock) Now() time.Time {
	if c.last.IsZero() {
		c.last = c.Start
	} else {
		c.last = c.last.Add(c.unit)
	}
	return c.last
}

// Add moves the clock forward by an arbitrary duration, e.g. to elapse a
// breaker's recovery timeout without sleeping.
func (c *Clock) Add(d time.Duration) time.Time {
	if c.last.IsZero() {
		c.last = c.Start
	}
	c.last = c.last.Add(d)
	return c.last
}

// Last returns the last time that was used.
func (c *Clock) Last() time.Time {
	if c.last.IsZero() {
		c.last = c.Start
	}
	return c.last
}

func NewClock(unit time.Duration) *Clock {
	return &Clock{
		Start: defaultStartTime,
		unit:  unit,
	}
}
