// Package fees computes the fee a race bids for its ledger action.
//
// Claim fees scale a base fee by the sponsor multiplier and the current
// network congestion. Transfer fees outbid the highest fee recently seen
// from competitors, scaled by a premium, congestion and an amount tier.
// Urgency adds a congestion-scaled priority boost, and the total is capped
// at MaxFee.
package fees

import (
	"fmt"
	"log/slog"
	"math"
	"math/big"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"racebot/internal/clock"
	"racebot/pkg/types"
)

// MaxHistorySize bounds the competitor history.
const MaxHistorySize = 10

// fallbackCompetitorFee is bid against when no competitor fee is known.
const fallbackCompetitorFee = 3_200_000

// Config tunes the bidder. Amounts are base units.
type Config struct {
	BaseClaimFee       uint64        `mapstructure:"base_claim_fee"`
	SponsorMultiplier  float64       `mapstructure:"sponsor_multiplier"`
	PremiumMultiplier  float64       `mapstructure:"premium_multiplier"`
	MaxFee             uint64        `mapstructure:"max_fee"`
	HistorySize        int           `mapstructure:"history_size"`
	SeedCompetitorFees []uint64      `mapstructure:"seed_competitor_fees"`
	CongestionRefresh  time.Duration `mapstructure:"congestion_refresh"`
	CongestionMin      float64       `mapstructure:"congestion_min"`
	CongestionMax      float64       `mapstructure:"congestion_max"`
}

// DefaultConfig returns the production fee parameters.
func DefaultConfig() Config {
	return Config{
		BaseClaimFee:       500_000,
		SponsorMultiplier:  2.0,
		PremiumMultiplier:  2.5,
		MaxFee:             10_000_000,
		HistorySize:        10,
		SeedCompetitorFees: []uint64{3_200_000, 9_400_000},
		CongestionRefresh:  10 * time.Second,
		CongestionMin:      0.75,
		CongestionMax:      1.25,
	}
}

// Validate checks value ranges.
func (c Config) Validate() error {
	if c.MaxFee == 0 {
		return fmt.Errorf("max_fee must be > 0")
	}
	if c.HistorySize <= 0 || c.HistorySize > MaxHistorySize {
		return fmt.Errorf("history_size must be in [1, %d]", MaxHistorySize)
	}
	if c.SponsorMultiplier <= 0 || c.PremiumMultiplier <= 0 {
		return fmt.Errorf("fee multipliers must be > 0")
	}
	if c.CongestionMin <= 0 || c.CongestionMax < c.CongestionMin {
		return fmt.Errorf("congestion range [%v, %v] is invalid", c.CongestionMin, c.CongestionMax)
	}
	return nil
}

// Sampler produces a raw congestion estimate. The bidder clamps it.
type Sampler func() float64

// priority boosts in base units before congestion scaling
var priorityBoost = map[types.Urgency]int64{
	types.UrgencyLow:      0,
	types.UrgencyMedium:   1_000_000,
	types.UrgencyHigh:     3_000_000,
	types.UrgencyCritical: 7_000_000,
}

// Bidder holds the competitor history and congestion estimate shared by all
// races. It is safe for concurrent use.
type Bidder struct {
	cfg     Config
	clk     clock.Clock
	logger  *slog.Logger
	sampler Sampler

	mu      sync.RWMutex
	history []uint64 // oldest first

	congestion  atomic.Uint64 // math.Float64bits
	lastRefresh atomic.Int64  // unix nanos
}

// NewBidder creates a bidder. A nil sampler draws uniformly from the
// congestion range.
func NewBidder(cfg Config, sampler Sampler, clk clock.Clock, logger *slog.Logger) *Bidder {
	def := DefaultConfig()
	if cfg.HistorySize <= 0 || cfg.HistorySize > MaxHistorySize {
		cfg.HistorySize = def.HistorySize
	}
	if cfg.CongestionMin <= 0 || cfg.CongestionMax < cfg.CongestionMin {
		cfg.CongestionMin, cfg.CongestionMax = def.CongestionMin, def.CongestionMax
	}
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bidder{
		cfg:     cfg,
		clk:     clock.OrReal(clk),
		logger:  logger.With("component", "fees"),
		sampler: sampler,
	}
	if b.sampler == nil {
		b.sampler = func() float64 {
			return cfg.CongestionMin + rand.Float64()*(cfg.CongestionMax-cfg.CongestionMin)
		}
	}
	b.congestion.Store(math.Float64bits(b.clamp(1.0)))
	// the first sample is due one interval after construction
	b.lastRefresh.Store(b.clk.Now().UnixNano())
	b.history = b.trim(append([]uint64(nil), cfg.SeedCompetitorFees...))
	return b
}

// Congestion returns the current congestion factor.
func (b *Bidder) Congestion() float64 {
	return math.Float64frombits(b.congestion.Load())
}

// RefreshCongestion resamples the congestion factor if at least
// CongestionRefresh has passed since the last sample. Concurrent callers
// inside the same interval all see a no-op except one.
func (b *Bidder) RefreshCongestion() bool {
	now := b.clk.Now().UnixNano()
	last := b.lastRefresh.Load()
	if now-last < int64(b.cfg.CongestionRefresh) {
		return false
	}
	if !b.lastRefresh.CompareAndSwap(last, now) {
		return false
	}
	c := b.clamp(b.sampler())
	b.congestion.Store(math.Float64bits(c))
	b.logger.Debug("congestion refreshed", "factor", c)
	return true
}

// RestoreCongestion sets a persisted congestion factor, clamped to the
// configured range. Non-positive values are ignored.
func (b *Bidder) RestoreCongestion(v float64) {
	if !(v > 0) {
		return
	}
	b.congestion.Store(math.Float64bits(b.clamp(v)))
}

func (b *Bidder) clamp(v float64) float64 {
	if math.IsNaN(v) {
		return b.cfg.CongestionMin
	}
	return math.Min(math.Max(v, b.cfg.CongestionMin), b.cfg.CongestionMax)
}

// RecordCompetitorFee appends an observed competitor fee, evicting the
// oldest entry once the history is full.
func (b *Bidder) RecordCompetitorFee(fee uint64) {
	b.mu.Lock()
	b.history = b.trim(append(b.history, fee))
	b.mu.Unlock()
	b.logger.Debug("competitor fee recorded", "fee", fee)
}

func (b *Bidder) trim(h []uint64) []uint64 {
	if over := len(h) - b.cfg.HistorySize; over > 0 {
		h = append(h[:0:0], h[over:]...)
	}
	return h
}

// History returns a copy of the competitor history, oldest first.
func (b *Bidder) History() []uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]uint64(nil), b.history...)
}

// Restore replaces the history with a persisted one. An empty slice keeps
// the current history.
func (b *Bidder) Restore(history []uint64) {
	if len(history) == 0 {
		return
	}
	b.mu.Lock()
	b.history = b.trim(append([]uint64(nil), history...))
	b.mu.Unlock()
}

func (b *Bidder) maxCompetitorFee() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var highest uint64
	for _, f := range b.history {
		highest = max(highest, f)
	}
	if highest == 0 {
		return fallbackCompetitorFee
	}
	return highest
}

// PriorityBoost returns the urgency boost scaled by congestion.
func (b *Bidder) PriorityBoost(urgency types.Urgency) uint64 {
	return toUnits(b.boost(urgency, decimal.NewFromFloat(b.Congestion())))
}

func (b *Bidder) boost(urgency types.Urgency, congestion decimal.Decimal) decimal.Decimal {
	return decimal.NewFromInt(priorityBoost[urgency]).Mul(congestion)
}

// AmountTier returns the transfer multiplier for an amount: 1.5 above 100
// units, 1.2 above 10 units, otherwise 1.0.
func AmountTier(amount uint64) float64 {
	switch {
	case amount > 100*types.UnitScale:
		return 1.5
	case amount > 10*types.UnitScale:
		return 1.2
	default:
		return 1.0
	}
}

// ComputeFee returns the capped fee for one race. amount is ignored for
// claims.
func (b *Bidder) ComputeFee(kind types.ActionKind, amount uint64, urgency types.Urgency) uint64 {
	congestion := decimal.NewFromFloat(b.Congestion())

	var fee decimal.Decimal
	switch kind {
	case types.ActionTransfer:
		fee = fromUnits(b.maxCompetitorFee()).
			Mul(decimal.NewFromFloat(b.cfg.PremiumMultiplier)).
			Mul(congestion).
			Mul(decimal.NewFromFloat(AmountTier(amount)))
	default:
		fee = fromUnits(b.cfg.BaseClaimFee).
			Mul(decimal.NewFromFloat(b.cfg.SponsorMultiplier)).
			Mul(congestion)
	}
	fee = fee.Add(b.boost(urgency, congestion))

	if limit := fromUnits(b.cfg.MaxFee); fee.GreaterThan(limit) {
		fee = limit
	}
	return toUnits(fee)
}

func fromUnits(v uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(v), 0)
}

func toUnits(d decimal.Decimal) uint64 {
	if d.IsNegative() {
		return 0
	}
	return d.Truncate(0).BigInt().Uint64()
}
