// Package flood detects request floods per endpoint and applies a single
// backpressure pulse when one is detected.
//
// Each endpoint key keeps a sliding window of recent request timestamps.
// A check prunes the window, records the current request, and reports a
// flood once the window holds more than Threshold requests. WaitIfFlooding
// sleeps once for Backoff and returns whether or not the flood has cleared,
// which bounds the latency a flood can add to any single call.
package flood

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"racebot/internal/clock"
)

// Config tunes flood detection.
type Config struct {
	Threshold int           `mapstructure:"threshold"`
	Window    time.Duration `mapstructure:"window"`
	Backoff   time.Duration `mapstructure:"backoff"`
}

// DefaultConfig returns 100 requests per second with a 100ms pulse.
func DefaultConfig() Config {
	return Config{Threshold: 100, Window: time.Second, Backoff: 100 * time.Millisecond}
}

type window struct {
	mu     sync.Mutex
	stamps []time.Time
}

// Guard tracks per-endpoint request windows.
type Guard struct {
	cfg     Config
	clk     clock.Clock
	logger  *slog.Logger
	windows sync.Map // endpoint -> *window

	// OnBackpressure, when set, is called every time WaitIfFlooding sleeps.
	OnBackpressure func(endpoint string)
}

// NewGuard creates a flood guard. Zero config fields fall back to defaults.
func NewGuard(cfg Config, clk clock.Clock, logger *slog.Logger) *Guard {
	def := DefaultConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = def.Backoff
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{
		cfg:    cfg,
		clk:    clock.OrReal(clk),
		logger: logger.With("component", "flood"),
	}
}

// IsFlooding records a request against endpoint and reports whether the
// window now holds more than Threshold requests.
func (g *Guard) IsFlooding(endpoint string) bool {
	v, _ := g.windows.LoadOrStore(endpoint, &window{})
	w := v.(*window)
	now := g.clk.Now()

	w.mu.Lock()
	defer w.mu.Unlock()

	w.evictStaleLocked(now, g.cfg.Window)
	w.stamps = append(w.stamps, now)
	return len(w.stamps) > g.cfg.Threshold
}

// WaitIfFlooding sleeps once for Backoff if endpoint is flooding and
// reports whether it did. It returns early if ctx is done.
func (g *Guard) WaitIfFlooding(ctx context.Context, endpoint string) bool {
	if !g.IsFlooding(endpoint) {
		return false
	}
	g.logger.Warn("flood detected, applying backpressure",
		"endpoint", endpoint,
		"threshold", g.cfg.Threshold,
		"backoff", g.cfg.Backoff,
	)
	if g.OnBackpressure != nil {
		g.OnBackpressure(endpoint)
	}
	select {
	case <-ctx.Done():
	case <-g.clk.After(g.cfg.Backoff):
	}
	return true
}

// Count returns the number of in-window requests for endpoint without
// recording a new one.
func (g *Guard) Count(endpoint string) int {
	v, ok := g.windows.Load(endpoint)
	if !ok {
		return 0
	}
	w := v.(*window)
	w.mu.Lock()
	defer w.mu.Unlock()
	w.evictStaleLocked(g.clk.Now(), g.cfg.Window)
	return len(w.stamps)
}

// evictStaleLocked drops timestamps older than the window. Must be called
// with w.mu held.
func (w *window) evictStaleLocked(now time.Time, span time.Duration) {
	cutoff := now.Add(-span)
	i := 0
	for i < len(w.stamps) && w.stamps[i].Before(cutoff) {
		i++
	}
	if i == len(w.stamps) {
		w.stamps = w.stamps[:0]
		return
	}
	if i > 0 {
		w.stamps = append(w.stamps[:0], w.stamps[i:]...)
	}
}
