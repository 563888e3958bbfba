package retry

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func presets() map[string]Policy {
	return map[string]Policy{
		"exponential": Exponential(10*time.Millisecond, 100*time.Millisecond, 10),
		"linear":      Linear(5*time.Millisecond, 50*time.Millisecond, 20),
		"fixed":       Fixed(7*time.Millisecond, 3),
		"aggressive":  Aggressive(),
	}
}

func TestPresetsValidate(t *testing.T) {
	for name, p := range presets() {
		assert.NoError(t, p.Validate(), name)
	}
}

func TestNextMonotonicAndCapped(t *testing.T) {
	for name, p := range presets() {
		t.Run(name, func(t *testing.T) {
			d := p.InitialDelay
			for i := 0; i < 100; i++ {
				next := p.Next(d)
				assert.GreaterOrEqual(t, next, d, "attempt %d", i)
				assert.LessOrEqual(t, next, p.MaxDelay, "attempt %d", i)
				d = next
			}
		})
	}
}

func TestExponentialCurve(t *testing.T) {
	p := Exponential(10*time.Millisecond, 100*time.Millisecond, 10)
	c := p.Cursor()

	want := []time.Duration{
		10 * time.Millisecond,
		15 * time.Millisecond,
		22500 * time.Microsecond,
		33750 * time.Microsecond,
		50625 * time.Microsecond,
		75937500 * time.Nanosecond,
		100 * time.Millisecond,
		100 * time.Millisecond,
	}
	for i, w := range want {
		assert.Equal(t, w, c.Advance(), "step %d", i)
	}
}

func TestConstantMultiplier(t *testing.T) {
	p := Linear(5*time.Millisecond, 50*time.Millisecond, 20)
	c := p.Cursor()
	for i := 0; i < 5; i++ {
		assert.Equal(t, 5*time.Millisecond, c.Advance())
	}

	f := Fixed(7*time.Millisecond, 3)
	assert.Equal(t, 7*time.Millisecond, f.Next(7*time.Millisecond))
}

func TestNextAboveMaxClamps(t *testing.T) {
	p := Exponential(time.Millisecond, 10*time.Millisecond, 5)
	assert.Equal(t, 10*time.Millisecond, p.Next(time.Hour))
}

func TestNextOverflowClamps(t *testing.T) {
	p := Policy{InitialDelay: 1, MaxDelay: math.MaxInt64, MaxAttempts: 1, BackoffMultiplier: 4}
	assert.Equal(t, time.Duration(math.MaxInt64), p.Next(time.Duration(math.MaxInt64/2)))
}

func TestCursorsAreIndependent(t *testing.T) {
	p := Exponential(10*time.Millisecond, 100*time.Millisecond, 10)
	a, b := p.Cursor(), p.Cursor()
	a.Advance()
	a.Advance()
	assert.Equal(t, 10*time.Millisecond, b.Delay())
	assert.NotEqual(t, a.Delay(), b.Delay())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		p    Policy
	}{
		{"negative initial", Policy{InitialDelay: -1, MaxDelay: 1, MaxAttempts: 1, BackoffMultiplier: 1}},
		{"max below initial", Policy{InitialDelay: 2, MaxDelay: 1, MaxAttempts: 1, BackoffMultiplier: 1}},
		{"zero attempts", Policy{InitialDelay: 1, MaxDelay: 1, MaxAttempts: 0, BackoffMultiplier: 1}},
		{"shrinking multiplier", Policy{InitialDelay: 1, MaxDelay: 1, MaxAttempts: 1, BackoffMultiplier: 0.5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Error(t, tt.p.Validate())
		})
	}
}
