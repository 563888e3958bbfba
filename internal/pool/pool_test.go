package pool

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"racebot/internal/clock"
	"racebot/internal/flood"
)

func newTestPool(max int64) (*Pool, *clock.Manual) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	clk := clock.NewManual(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	return New(Config{MaxConnections: max, StaleAfter: 30 * time.Second}, nil, clk, logger), clk
}

func TestAcquireRelease(t *testing.T) {
	t.Parallel()
	p, _ := newTestPool(2)
	ctx := context.Background()

	id, err := p.Acquire(ctx, "ledger")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if p.Active() != 1 {
		t.Errorf("active = %d, want 1", p.Active())
	}
	lease, ok := p.Get(id)
	if !ok || lease.Endpoint != "ledger" {
		t.Fatalf("Get(%q) = %+v, %v", id, lease, ok)
	}

	p.Release(id)
	p.Release(id) // second release is a no-op
	if p.Active() != 0 {
		t.Errorf("active after release = %d, want 0", p.Active())
	}
}

func TestAcquireExhausted(t *testing.T) {
	t.Parallel()
	p, _ := newTestPool(3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := p.Acquire(ctx, "ledger"); err != nil {
			t.Fatalf("Acquire %d: %v", i, err)
		}
	}
	if _, err := p.Acquire(ctx, "ledger"); !errors.Is(err, ErrExhausted) {
		t.Fatalf("err = %v, want ErrExhausted", err)
	}
}

func TestAcquireReclaimsStaleLease(t *testing.T) {
	t.Parallel()
	p, clk := newTestPool(2)
	ctx := context.Background()

	stale, _ := p.Acquire(ctx, "ledger")
	clk.Advance(20 * time.Second)
	fresh, _ := p.Acquire(ctx, "ledger")

	if _, err := p.Acquire(ctx, "ledger"); !errors.Is(err, ErrExhausted) {
		t.Fatalf("err = %v, want ErrExhausted before anything is stale", err)
	}

	// stale lease is now 31s idle, fresh one 11s
	clk.Advance(11 * time.Second)
	id, err := p.Acquire(ctx, "ledger")
	if err != nil {
		t.Fatalf("Acquire after staleness: %v", err)
	}
	if _, ok := p.Get(stale); ok {
		t.Error("stale lease should have been reclaimed")
	}
	if _, ok := p.Get(fresh); !ok {
		t.Error("fresh lease must survive the sweep")
	}
	if _, ok := p.Get(id); !ok {
		t.Error("new lease missing")
	}
	if p.Active() != 2 {
		t.Errorf("active = %d, want 2", p.Active())
	}
}

func TestUpdateStatsKeepsLeaseFresh(t *testing.T) {
	t.Parallel()
	p, clk := newTestPool(1)
	ctx := context.Background()

	id, _ := p.Acquire(ctx, "ledger")
	clk.Advance(25 * time.Second)
	p.UpdateStats(id, true)
	clk.Advance(25 * time.Second)

	if _, err := p.Acquire(ctx, "ledger"); !errors.Is(err, ErrExhausted) {
		t.Errorf("err = %v, want ErrExhausted since the lease was used 25s ago", err)
	}
}

func TestStatsSuccessRate(t *testing.T) {
	t.Parallel()
	p, _ := newTestPool(10)
	ctx := context.Background()

	if n, rate := p.Stats(); n != 0 || rate != 0 {
		t.Errorf("empty Stats() = (%d, %v), want (0, 0)", n, rate)
	}

	a, _ := p.Acquire(ctx, "ledger")
	b, _ := p.Acquire(ctx, "ledger")
	p.UpdateStats(a, true)
	p.UpdateStats(a, false)
	p.UpdateStats(b, true)
	p.UpdateStats(b, true)
	p.UpdateStats("missing", true)

	n, rate := p.Stats()
	if n != 2 {
		t.Errorf("count = %d, want 2", n)
	}
	if rate != 0.75 {
		t.Errorf("success rate = %v, want 0.75", rate)
	}
}

func TestConcurrentAcquireNeverExceedsCapacity(t *testing.T) {
	t.Parallel()
	p, _ := newTestPool(10)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := p.Acquire(ctx, "ledger"); err == nil {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if granted != 10 {
		t.Errorf("granted = %d, want 10", granted)
	}
	if p.Active() != 10 {
		t.Errorf("active = %d, want 10", p.Active())
	}
}

func TestAcquireConsultsFloodGuard(t *testing.T) {
	t.Parallel()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	guard := flood.NewGuard(flood.Config{Threshold: 1, Window: time.Second, Backoff: time.Millisecond}, nil, logger)
	var pulses int
	guard.OnBackpressure = func(string) { pulses++ }

	p := New(Config{MaxConnections: 5}, guard, nil, logger)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := p.Acquire(ctx, "ledger"); err != nil {
			t.Fatalf("Acquire: %v", err)
		}
	}
	if pulses != 2 {
		t.Errorf("backpressure pulses = %d, want 2", pulses)
	}
}
