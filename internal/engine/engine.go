// Package engine is the process-wide context object of the race bot.
//
// It constructs every shared component once and wires them together:
//
//  1. The ledger client (HTTP, or the mock in dry-run mode).
//  2. The protection layer: rate limiter, flood guard and resource pool.
//  3. The fee bidder, restored from the store and fed by the mempool feed.
//  4. The race coordinator, publishing to the log broadcaster.
//  5. Prometheus metrics over all of the above.
//
// Lifecycle: New() → Start() → [runs until SIGINT] → Stop()
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"racebot/internal/clock"
	"racebot/internal/config"
	"racebot/internal/fees"
	"racebot/internal/flood"
	"racebot/internal/ledger"
	"racebot/internal/logstream"
	"racebot/internal/metrics"
	"racebot/internal/pool"
	"racebot/internal/race"
	"racebot/internal/ratelimit"
	"racebot/internal/store"
	"racebot/pkg/types"
)

// Status is a point-in-time view of the engine.
type Status struct {
	DryRun         bool       `json:"dry_run"`
	Uptime         string     `json:"uptime"`
	Races          race.Stats `json:"races"`
	Congestion     float64    `json:"congestion"`
	CompetitorFees []uint64   `json:"competitor_fees"`
	Connections    int        `json:"connections"`
	SuccessRate    float64    `json:"success_rate"`
	Subscribers    int        `json:"subscribers"`
}

// Engine owns all components and their goroutines.
type Engine struct {
	cfg     config.Config
	clk     clock.Clock
	client  ledger.Client
	limiter *ratelimit.Limiter
	guard   *flood.Guard
	pool    *pool.Pool
	bidder  *fees.Bidder
	coord   *race.Coordinator
	logs    *logstream.Broadcaster
	feed    *ledger.FeeFeed // nil when no mempool url is configured
	store   *store.Store
	metrics *metrics.Metrics
	logger  *slog.Logger

	// own holds addresses we race with; their mempool fees are not
	// competitor fees.
	own sync.Map

	startedAt time.Time
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New creates and wires all engine components. dry_run selects the mock
// ledger client.
func New(cfg config.Config, logger *slog.Logger) (*Engine, error) {
	var client ledger.Client
	if cfg.DryRun {
		logger.Info("dry-run mode: ledger calls are simulated")
		client = &ledger.Mock{}
	} else {
		client = ledger.NewHTTPClient(ledger.HTTPConfig{
			BaseURL:    cfg.Ledger.BaseURL,
			Timeout:    cfg.Ledger.Timeout,
			RetryCount: cfg.Ledger.RetryCount,
		}, logger)
	}
	return newEngine(cfg, client, clock.Real{}, logger)
}

func newEngine(cfg config.Config, client ledger.Client, clk clock.Clock, logger *slog.Logger) (*Engine, error) {
	m := metrics.New()

	guard := flood.NewGuard(cfg.Flood, clk, logger)
	guard.OnBackpressure = m.Backpressure

	limiter := ratelimit.New(cfg.RateLimit, clk)
	connPool := pool.New(cfg.Pool, guard, clk, logger)
	bidder := fees.NewBidder(cfg.Fees, nil, clk, logger)

	st, err := store.Open(cfg.Store.DataDir)
	if err != nil {
		return nil, err
	}
	if state, err := st.LoadFeeState(); err != nil {
		logger.Warn("failed to load fee state, starting from seed", "error", err)
	} else if state != nil {
		bidder.Restore(state.CompetitorFees)
		bidder.RestoreCongestion(state.Congestion)
		logger.Info("restored fee state",
			"competitor_fees", len(state.CompetitorFees),
			"congestion", bidder.Congestion(),
		)
	}

	coord, err := race.New(cfg.Race, race.Deps{
		Client:  client,
		Bidder:  bidder,
		Limiter: limiter,
		Pool:    connPool,
		Clock:   clk,
		Metrics: m,
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}

	var feed *ledger.FeeFeed
	if cfg.Ledger.MempoolWSURL != "" {
		feed = ledger.NewFeeFeed(ledger.FeedConfig{
			URL:              cfg.Ledger.MempoolWSURL,
			MinCompetitorFee: cfg.Ledger.MinCompetitorFee,
		}, logger)
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:       cfg,
		clk:       clk,
		client:    client,
		limiter:   limiter,
		guard:     guard,
		pool:      connPool,
		bidder:    bidder,
		coord:     coord,
		logs:      logstream.NewBroadcaster(0, logger),
		feed:      feed,
		store:     st,
		metrics:   m,
		logger:    logger.With("component", "engine"),
		startedAt: clk.Now(),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, addr := range cfg.Ledger.OwnAddresses {
		e.own.Store(addr, struct{}{})
	}

	m.RegisterGauge("pool_leases", "Live connection leases.", func() float64 {
		n, _ := connPool.Stats()
		return float64(n)
	})
	m.RegisterGauge("pool_success_rate", "Success rate across live leases.", func() float64 {
		_, rate := connPool.Stats()
		return rate
	})
	m.RegisterGauge("congestion_factor", "Current congestion estimate.", bidder.Congestion)
	m.RegisterGauge("races_active", "Races in progress.", func() float64 {
		return float64(coord.Stats().Active)
	})
	m.RegisterGauge("log_events_dropped", "Log events dropped for slow subscribers.", func() float64 {
		return float64(e.logs.Dropped())
	})
	return e, nil
}

// Start launches the background goroutines: the mempool fee feed and the
// periodic fee state saver.
func (e *Engine) Start() error {
	if e.feed != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := e.feed.Run(e.ctx); err != nil && e.ctx.Err() == nil {
				e.logger.Error("fee feed error", "error", err)
			}
		}()

		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.forwardCompetitorFees()
		}()
	}

	if e.cfg.Store.SaveInterval > 0 {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.saveLoop()
		}()
	}

	e.logger.Info("engine started",
		"dry_run", e.cfg.DryRun,
		"claim_workers", e.cfg.Race.Claim.Workers,
		"transfer_workers", e.cfg.Race.Transfer.Workers,
		"fee_feed", e.feed != nil,
	)
	return nil
}

// Stop cancels every race and background loop, waits for them, and
// persists the fee state.
func (e *Engine) Stop() {
	e.logger.Info("shutting down...")

	e.cancel()
	e.coord.Wait()
	e.wg.Wait()

	if err := e.saveFees(); err != nil {
		e.logger.Error("failed to save fee state", "error", err)
	}
	e.store.Close()

	e.logger.Info("shutdown complete")
}

func (e *Engine) forwardCompetitorFees() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case obs := <-e.feed.Fees():
			if _, mine := e.own.Load(obs.Source); mine {
				continue
			}
			e.RecordCompetitorFee(obs.Fee)
		}
	}
}

func (e *Engine) saveLoop() {
	ticker := time.NewTicker(e.cfg.Store.SaveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			if err := e.saveFees(); err != nil {
				e.logger.Warn("periodic fee save failed", "error", err)
			}
		}
	}
}

func (e *Engine) saveFees() error {
	return e.store.SaveFeeState(store.FeeState{
		CompetitorFees: e.bidder.History(),
		Congestion:     e.bidder.Congestion(),
		SavedAt:        e.clk.Now(),
	})
}

// StartClaimRace starts a claim race. It returns once the race is
// scheduled; the only error is a validation failure.
func (e *Engine) StartClaimRace(p race.ClaimParams) (*race.Operation, error) {
	if err := e.ctx.Err(); err != nil {
		return nil, fmt.Errorf("engine stopped: %w", err)
	}
	op, err := e.coord.StartClaim(e.ctx, p, e.logs)
	if err != nil {
		return nil, err
	}
	e.own.Store(op.Wallet, struct{}{})
	e.own.Store(op.Sponsor, struct{}{})
	return op, nil
}

// StartTransferRace starts a transfer race. See StartClaimRace.
func (e *Engine) StartTransferRace(p race.TransferParams) (*race.Operation, error) {
	if err := e.ctx.Err(); err != nil {
		return nil, fmt.Errorf("engine stopped: %w", err)
	}
	op, err := e.coord.StartTransfer(e.ctx, p, e.logs)
	if err != nil {
		return nil, err
	}
	e.own.Store(op.Wallet, struct{}{})
	return op, nil
}

// WithdrawParams moves funds out of a wallet. A non-empty SponsorPhrase
// also races a sponsored claim for the same wallet.
type WithdrawParams struct {
	WalletPhrase  string
	SponsorPhrase string
	Destination   string
	Amount        uint64
	Memo          string
	Urgency       types.Urgency
}

// StartWithdraw starts the transfer race and, with a sponsor, the claim
// race at the same time. Both are validated before either starts. The
// claim operation is nil without a sponsor.
func (e *Engine) StartWithdraw(p WithdrawParams) (claim, transfer *race.Operation, err error) {
	if err := e.ctx.Err(); err != nil {
		return nil, nil, fmt.Errorf("engine stopped: %w", err)
	}
	var claimParams *race.ClaimParams
	if p.SponsorPhrase != "" {
		claimParams = &race.ClaimParams{
			WalletPhrase:  p.WalletPhrase,
			SponsorPhrase: p.SponsorPhrase,
			Urgency:       p.Urgency,
		}
	}
	claim, transfer, err = e.coord.StartWithdraw(e.ctx, claimParams, race.TransferParams{
		WalletPhrase: p.WalletPhrase,
		Destination:  p.Destination,
		Amount:       p.Amount,
		Memo:         p.Memo,
		Urgency:      p.Urgency,
	}, e.logs)
	if err != nil {
		return nil, nil, err
	}
	e.own.Store(transfer.Wallet, struct{}{})
	if claim != nil {
		e.own.Store(claim.Sponsor, struct{}{})
	}
	return claim, transfer, nil
}

// Race returns a live or recently finished race by id.
func (e *Engine) Race(id string) (*race.Operation, bool) {
	return e.coord.Get(id)
}

// ConnectionStats returns the live lease count and their success rate.
func (e *Engine) ConnectionStats() (int, float64) {
	return e.pool.Stats()
}

// RecordCompetitorFee feeds an observed competitor fee to the bidder.
func (e *Engine) RecordCompetitorFee(fee uint64) {
	e.bidder.RecordCompetitorFee(fee)
}

// Status returns a snapshot for the status endpoint.
func (e *Engine) Status() Status {
	conns, rate := e.pool.Stats()
	return Status{
		DryRun:         e.cfg.DryRun,
		Uptime:         e.clk.Now().Sub(e.startedAt).Round(time.Second).String(),
		Races:          e.coord.Stats(),
		Congestion:     e.bidder.Congestion(),
		CompetitorFees: e.bidder.History(),
		Connections:    conns,
		SuccessRate:    rate,
		Subscribers:    e.logs.Subscribers(),
	}
}

// Logs returns the race log broadcaster.
func (e *Engine) Logs() *logstream.Broadcaster { return e.logs }

// Metrics returns the engine's metrics.
func (e *Engine) Metrics() *metrics.Metrics { return e.metrics }

// Limiter returns the shared rate limiter; the API uses its api domain.
func (e *Engine) Limiter() *ratelimit.Limiter { return e.limiter }
