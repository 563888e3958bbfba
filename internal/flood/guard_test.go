package flood

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"racebot/internal/clock"
)

func newTestGuard(cfg Config) (*Guard, *clock.Manual) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	clk := clock.NewManual(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	return NewGuard(cfg, clk, logger), clk
}

func TestIsFloodingBelowThreshold(t *testing.T) {
	t.Parallel()
	g, _ := newTestGuard(Config{Threshold: 100, Window: time.Second})

	for i := 0; i < 100; i++ {
		if g.IsFlooding("ledger") {
			t.Fatalf("call %d reported flooding below threshold", i+1)
		}
	}
}

func TestIsFloodingAboveThreshold(t *testing.T) {
	t.Parallel()
	g, _ := newTestGuard(Config{Threshold: 100, Window: time.Second})

	for i := 0; i < 100; i++ {
		g.IsFlooding("ledger")
	}
	if !g.IsFlooding("ledger") {
		t.Error("101st call within the window should report flooding")
	}
}

func TestIsFloodingClearsAfterWindow(t *testing.T) {
	t.Parallel()
	g, clk := newTestGuard(Config{Threshold: 5, Window: time.Second})

	for i := 0; i < 10; i++ {
		g.IsFlooding("ledger")
	}
	if got := g.Count("ledger"); got != 10 {
		t.Fatalf("count = %d, want 10", got)
	}

	clk.Advance(1500 * time.Millisecond)
	if g.IsFlooding("ledger") {
		t.Error("expected no flood after the window elapsed")
	}
	if got := g.Count("ledger"); got != 1 {
		t.Errorf("count after prune = %d, want 1", got)
	}
}

func TestIsFloodingKeysAreIndependent(t *testing.T) {
	t.Parallel()
	g, _ := newTestGuard(Config{Threshold: 2, Window: time.Second})

	for i := 0; i < 5; i++ {
		g.IsFlooding("a")
	}
	if g.IsFlooding("b") {
		t.Error("endpoint b must not inherit endpoint a's window")
	}
}

func TestWaitIfFloodingSingleSleep(t *testing.T) {
	t.Parallel()
	g, clk := newTestGuard(Config{Threshold: 1, Window: time.Second, Backoff: 100 * time.Millisecond})

	var pulses int
	g.OnBackpressure = func(string) { pulses++ }

	if g.WaitIfFlooding(context.Background(), "ledger") {
		t.Fatal("first call should not flood")
	}

	done := make(chan bool, 1)
	go func() { done <- g.WaitIfFlooding(context.Background(), "ledger") }()

	// wait for the sleeper to register its timer
	deadline := time.Now().Add(2 * time.Second)
	for clk.Pending() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("WaitIfFlooding never slept")
		}
		time.Sleep(time.Millisecond)
	}
	clk.Advance(100 * time.Millisecond)

	select {
	case slept := <-done:
		if !slept {
			t.Error("expected WaitIfFlooding to report a pulse")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("WaitIfFlooding did not return after one backoff")
	}
	if pulses != 1 {
		t.Errorf("pulses = %d, want 1", pulses)
	}
}

func TestWaitIfFloodingHonoursContext(t *testing.T) {
	t.Parallel()
	g, _ := newTestGuard(Config{Threshold: 1, Window: time.Second, Backoff: time.Hour})

	g.IsFlooding("ledger")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if !g.WaitIfFlooding(ctx, "ledger") {
		t.Error("expected a pulse even when the context is already done")
	}
}
