// Package clock lets the limiter, flood guard, pool, fee bidder and race
// workers read and wait on time through one seam, so tests can drive them
// with a Manual clock.
package clock

import "time"

// Clock is the time source the race components depend on.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// Real reads the system clock in UTC.
type Real struct{}

func (Real) Now() time.Time { return time.Now().UTC() }

func (Real) After(d time.Duration) <-chan time.Time { return time.After(d) }

// OrReal returns c, or Real when c is nil.
func OrReal(c Clock) Clock {
	if c == nil {
		return Real{}
	}
	return c
}
