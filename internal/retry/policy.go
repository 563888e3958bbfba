// Package retry defines the backoff policy each race worker follows between
// failed ledger attempts.
//
// A Policy is an immutable value. Workers never share a delay: each one
// owns a Cursor built from the policy and advances it independently.
package retry

import (
	"fmt"
	"time"
)

// Policy describes how long to wait between attempts and how many
// attempts a worker may make.
type Policy struct {
	InitialDelay      time.Duration `mapstructure:"initial_delay"`
	MaxDelay          time.Duration `mapstructure:"max_delay"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier"`
}

// Exponential grows the delay by 1.5x per failure, capped at max.
func Exponential(initial, max time.Duration, attempts int) Policy {
	return Policy{InitialDelay: initial, MaxDelay: max, MaxAttempts: attempts, BackoffMultiplier: 1.5}
}

// Linear keeps the delay at initial. It differs from Fixed only in that
// the ceiling may be set above the starting delay.
func Linear(initial, max time.Duration, attempts int) Policy {
	return Policy{InitialDelay: initial, MaxDelay: max, MaxAttempts: attempts, BackoffMultiplier: 1.0}
}

// Fixed always waits delay.
func Fixed(delay time.Duration, attempts int) Policy {
	return Policy{InitialDelay: delay, MaxDelay: delay, MaxAttempts: attempts, BackoffMultiplier: 1.0}
}

// Aggressive retries every 1-10ms for up to 100 attempts.
func Aggressive() Policy {
	return Policy{
		InitialDelay:      time.Millisecond,
		MaxDelay:          10 * time.Millisecond,
		MaxAttempts:       100,
		BackoffMultiplier: 1.1,
	}
}

// Validate reports whether the policy can drive a worker.
func (p Policy) Validate() error {
	if p.InitialDelay < 0 {
		return fmt.Errorf("initial_delay must be >= 0")
	}
	if p.MaxDelay < p.InitialDelay {
		return fmt.Errorf("max_delay must be >= initial_delay")
	}
	if p.MaxAttempts <= 0 {
		return fmt.Errorf("max_attempts must be > 0")
	}
	if p.BackoffMultiplier < 1.0 {
		return fmt.Errorf("backoff_multiplier must be >= 1.0")
	}
	return nil
}

// Next returns min(current * multiplier, MaxDelay). A multiplier of 1.0
// keeps the delay constant.
func (p Policy) Next(current time.Duration) time.Duration {
	if current >= p.MaxDelay {
		return p.MaxDelay
	}
	if p.BackoffMultiplier <= 1.0 {
		return current
	}
	next := float64(current) * p.BackoffMultiplier
	if next >= float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(next)
}

// Cursor returns a fresh delay cursor starting at InitialDelay.
func (p Policy) Cursor() *Cursor {
	return &Cursor{policy: p, delay: p.InitialDelay}
}

// Cursor tracks one worker's position on the backoff curve. It is not
// safe for concurrent use; each worker owns its own.
type Cursor struct {
	policy Policy
	delay  time.Duration
}

// Delay returns the current delay without advancing.
func (c *Cursor) Delay() time.Duration {
	return c.delay
}

// Advance returns the current delay and moves the cursor along the curve.
func (c *Cursor) Advance() time.Duration {
	d := c.delay
	c.delay = c.policy.Next(c.delay)
	return d
}
