// Package pool keeps a bounded set of connection leases against ledger
// endpoints.
//
// Acquire consults the flood guard, then reserves one of MaxConnections
// slots. When the pool is full it sweeps leases that have not been used for
// StaleAfter and tries again; reclamation only happens under acquisition
// pressure, never on a timer. Leases record request and success counts so
// the pool can report an aggregate success rate.
package pool

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"racebot/internal/clock"
	"racebot/internal/flood"
)

// ErrExhausted is returned by Acquire when every slot is held by a live lease.
var ErrExhausted = errors.New("resource pool exhausted")

// Config bounds the pool.
type Config struct {
	MaxConnections int64         `mapstructure:"max_connections"`
	StaleAfter     time.Duration `mapstructure:"stale_after"`
}

// DefaultConfig returns 1000 leases with 30s staleness.
func DefaultConfig() Config {
	return Config{MaxConnections: 1000, StaleAfter: 30 * time.Second}
}

// Lease is a snapshot of one pooled connection.
type Lease struct {
	ID           string
	Endpoint     string
	CreatedAt    time.Time
	LastUsedAt   time.Time
	RequestCount int64
	SuccessCount int64
}

type lease struct {
	id        string
	endpoint  string
	createdAt time.Time
	lastUsed  atomic.Int64 // unix nanos
	requests  atomic.Int64
	successes atomic.Int64
}

func (l *lease) snapshot() Lease {
	return Lease{
		ID:           l.id,
		Endpoint:     l.endpoint,
		CreatedAt:    l.createdAt,
		LastUsedAt:   time.Unix(0, l.lastUsed.Load()).UTC(),
		RequestCount: l.requests.Load(),
		SuccessCount: l.successes.Load(),
	}
}

// Pool is a bounded lease pool. All methods are safe for concurrent use.
type Pool struct {
	cfg    Config
	guard  *flood.Guard
	clk    clock.Clock
	logger *slog.Logger

	leases sync.Map // id -> *lease
	active atomic.Int64

	sweepMu sync.Mutex // one reclamation sweep at a time
}

// New creates a pool. guard may be nil to skip flood checks.
func New(cfg Config, guard *flood.Guard, clk clock.Clock, logger *slog.Logger) *Pool {
	def := DefaultConfig()
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = def.MaxConnections
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		cfg:    cfg,
		guard:  guard,
		clk:    clock.OrReal(clk),
		logger: logger.With("component", "pool"),
	}
}

// Acquire reserves a lease for endpoint and returns its id.
func (p *Pool) Acquire(ctx context.Context, endpoint string) (string, error) {
	if p.guard != nil {
		p.guard.WaitIfFlooding(ctx, endpoint)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	if !p.reserve() {
		p.reclaimStale()
		if !p.reserve() {
			return "", ErrExhausted
		}
	}

	now := p.clk.Now()
	l := &lease{
		id:        uuid.NewString(),
		endpoint:  endpoint,
		createdAt: now,
	}
	l.lastUsed.Store(now.UnixNano())
	p.leases.Store(l.id, l)
	return l.id, nil
}

// reserve claims a slot if one is free.
func (p *Pool) reserve() bool {
	for {
		n := p.active.Load()
		if n >= p.cfg.MaxConnections {
			return false
		}
		if p.active.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// Release removes a lease and frees its slot. Unknown ids are ignored, so
// releasing a lease that was already reclaimed is harmless.
func (p *Pool) Release(id string) {
	if _, ok := p.leases.LoadAndDelete(id); ok {
		p.active.Add(-1)
	}
}

// UpdateStats records one request on the lease and refreshes its last-used
// time.
func (p *Pool) UpdateStats(id string, success bool) {
	v, ok := p.leases.Load(id)
	if !ok {
		return
	}
	l := v.(*lease)
	l.lastUsed.Store(p.clk.Now().UnixNano())
	l.requests.Add(1)
	if success {
		l.successes.Add(1)
	}
}

// reclaimStale drops every lease unused for longer than StaleAfter and
// returns how many were removed.
func (p *Pool) reclaimStale() int {
	p.sweepMu.Lock()
	defer p.sweepMu.Unlock()

	cutoff := p.clk.Now().Add(-p.cfg.StaleAfter).UnixNano()
	removed := 0
	p.leases.Range(func(key, value any) bool {
		l := value.(*lease)
		if l.lastUsed.Load() < cutoff {
			if _, ok := p.leases.LoadAndDelete(key); ok {
				p.active.Add(-1)
				removed++
			}
		}
		return true
	})
	if removed > 0 {
		p.logger.Info("reclaimed stale connections", "count", removed)
	}
	return removed
}

// Stats returns the number of live leases and their aggregate success rate.
func (p *Pool) Stats() (int, float64) {
	var count int
	var requests, successes int64
	p.leases.Range(func(_, value any) bool {
		l := value.(*lease)
		count++
		requests += l.requests.Load()
		successes += l.successes.Load()
		return true
	})
	if requests == 0 {
		return count, 0
	}
	return count, float64(successes) / float64(requests)
}

// Active returns the number of reserved slots.
func (p *Pool) Active() int64 {
	return p.active.Load()
}

// Get returns a snapshot of one lease.
func (p *Pool) Get(id string) (Lease, bool) {
	v, ok := p.leases.Load(id)
	if !ok {
		return Lease{}, false
	}
	return v.(*lease).snapshot(), true
}
