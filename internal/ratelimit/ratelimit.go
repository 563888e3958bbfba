// Package ratelimit implements keyed token-bucket admission control.
//
// Three independent quota domains are maintained, each keyed by an external
// identifier (wallet address or client address):
//   - Claim:    1000 per second per key
//   - Transfer:  500 per second per key
//   - API:      2000 per second per key
//
// Buckets refill continuously rather than in whole-second bursts. Each key
// owns its bucket and its own mutex, so independent keys never contend.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"racebot/internal/clock"
)

// Domain names a quota domain.
type Domain string

const (
	DomainClaim    Domain = "claim"
	DomainTransfer Domain = "transfer"
	DomainAPI      Domain = "api"
)

// Quota is the per-key allowance of one domain. Burst defaults to
// PerSecond when zero.
type Quota struct {
	PerSecond float64 `mapstructure:"per_second"`
	Burst     float64 `mapstructure:"burst"`
}

// Config sets the quota of every domain and the WaitForSlot poll interval.
type Config struct {
	Claim        Quota         `mapstructure:"claim"`
	Transfer     Quota         `mapstructure:"transfer"`
	API          Quota         `mapstructure:"api"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// DefaultConfig returns the stock quotas.
func DefaultConfig() Config {
	return Config{
		Claim:        Quota{PerSecond: 1000},
		Transfer:     Quota{PerSecond: 500},
		API:          Quota{PerSecond: 2000},
		PollInterval: time.Millisecond,
	}
}

// TokenBucket implements a token-bucket rate limiter with continuous refill.
type TokenBucket struct {
	mu       sync.Mutex
	clk      clock.Clock
	tokens   float64   // current available tokens (fractional allowed)
	capacity float64   // maximum burst size
	rate     float64   // tokens refilled per second
	lastTime time.Time // last time tokens were calculated
}

// NewTokenBucket creates a full bucket with the given capacity and refill rate.
func NewTokenBucket(capacity, ratePerSecond float64, clk clock.Clock) *TokenBucket {
	clk = clock.OrReal(clk)
	return &TokenBucket{
		clk:      clk,
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: clk.Now(),
	}
}

// Allow takes a token if one is available. It never blocks.
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := tb.clk.Now()
	if elapsed := now.Sub(tb.lastTime).Seconds(); elapsed > 0 {
		tb.tokens += elapsed * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
	}
	tb.lastTime = now

	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}
	return false
}

// Tokens reports the tokens currently held, without refilling.
func (tb *TokenBucket) Tokens() float64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.tokens
}

// domain holds the buckets of one quota domain.
type domain struct {
	quota   Quota
	buckets sync.Map // key -> *TokenBucket
}

// Limiter groups keyed token buckets by quota domain.
type Limiter struct {
	clk     clock.Clock
	poll    time.Duration
	domains map[Domain]*domain
}

// New creates a limiter for the three domains.
func New(cfg Config, clk clock.Clock) *Limiter {
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = time.Millisecond
	}
	return &Limiter{
		clk:  clock.OrReal(clk),
		poll: poll,
		domains: map[Domain]*domain{
			DomainClaim:    {quota: cfg.Claim},
			DomainTransfer: {quota: cfg.Transfer},
			DomainAPI:      {quota: cfg.API},
		},
	}
}

func (l *Limiter) bucket(d Domain, key string) (*TokenBucket, error) {
	dom, ok := l.domains[d]
	if !ok {
		return nil, fmt.Errorf("unknown rate limit domain %q", d)
	}
	if b, ok := dom.buckets.Load(key); ok {
		return b.(*TokenBucket), nil
	}
	burst := dom.quota.Burst
	if burst <= 0 {
		burst = dom.quota.PerSecond
	}
	b, _ := dom.buckets.LoadOrStore(key, NewTokenBucket(burst, dom.quota.PerSecond, l.clk))
	return b.(*TokenBucket), nil
}

// Allow reports whether key may proceed in domain d now, consuming a token
// if so. Unknown domains are denied.
func (l *Limiter) Allow(d Domain, key string) bool {
	b, err := l.bucket(d, key)
	if err != nil {
		return false
	}
	return b.Allow()
}

// WaitForSlot polls Allow every poll interval until a token is granted or
// ctx is done. There is no queueing or fairness across keys.
func (l *Limiter) WaitForSlot(ctx context.Context, d Domain, key string) error {
	b, err := l.bucket(d, key)
	if err != nil {
		return err
	}
	for {
		if b.Allow() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.clk.After(l.poll):
		}
	}
}
