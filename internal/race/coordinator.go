// Package race runs ledger action races.
//
// A race starts many workers that each try the same action against the
// ledger. The first worker to succeed clears the operation's flag; every
// other worker notices at its next loop iteration and stops. Workers that
// fail back off according to their own retry cursor, gated by the shared
// rate limiter and resource pool. Progress is reported to a Sink as
// LogEvents; callers never see in-race errors.
package race

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/xid"

	"racebot/internal/clock"
	"racebot/internal/fees"
	"racebot/internal/ledger"
	"racebot/internal/metrics"
	"racebot/internal/pool"
	"racebot/internal/ratelimit"
	"racebot/internal/retry"
	"racebot/pkg/types"
)

// Sink receives race progress. Publish must not block.
type Sink interface {
	Publish(types.LogEvent)
}

// KindConfig tunes the workers of one action kind.
type KindConfig struct {
	Workers      int           `mapstructure:"workers"`
	SpawnStagger time.Duration `mapstructure:"spawn_stagger"`
	Retry        retry.Policy  `mapstructure:"retry"`
}

// Config tunes the coordinator.
type Config struct {
	Claim            KindConfig    `mapstructure:"claim"`
	Transfer         KindConfig    `mapstructure:"transfer"`
	RateLimitedDelay time.Duration `mapstructure:"rate_limited_delay"`
	NetworkDelay     time.Duration `mapstructure:"network_delay"`
	Endpoint         string        `mapstructure:"endpoint"`
}

// DefaultConfig returns 50 claim workers staggered by 1ms and 25 transfer
// workers, with exponential backoff for each.
func DefaultConfig() Config {
	return Config{
		Claim: KindConfig{
			Workers:      50,
			SpawnStagger: time.Millisecond,
			Retry:        retry.Exponential(10*time.Millisecond, 100*time.Millisecond, 10),
		},
		Transfer: KindConfig{
			Workers: 25,
			Retry:   retry.Exponential(5*time.Millisecond, 50*time.Millisecond, 20),
		},
		RateLimitedDelay: 50 * time.Millisecond,
		NetworkDelay:     10 * time.Millisecond,
		Endpoint:         "ledger",
	}
}

// Validate checks worker counts and retry policies.
func (c Config) Validate() error {
	for name, k := range map[string]KindConfig{"claim": c.Claim, "transfer": c.Transfer} {
		if k.Workers <= 0 {
			return fmt.Errorf("%s.workers must be > 0", name)
		}
		if k.SpawnStagger < 0 {
			return fmt.Errorf("%s.spawn_stagger must be >= 0", name)
		}
		if err := k.Retry.Validate(); err != nil {
			return fmt.Errorf("%s.retry: %w", name, err)
		}
	}
	if c.RateLimitedDelay < 0 || c.NetworkDelay < 0 {
		return fmt.Errorf("error delays must be >= 0")
	}
	return nil
}

func (c Config) kind(k types.ActionKind) KindConfig {
	if k == types.ActionTransfer {
		return c.Transfer
	}
	return c.Claim
}

// Deps are the shared components a coordinator drives.
type Deps struct {
	Client  ledger.Client
	Deriver ledger.Deriver
	Bidder  *fees.Bidder
	Limiter *ratelimit.Limiter
	Pool    *pool.Pool
	Clock   clock.Clock
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// ClaimParams starts a sponsored claim race. Phrases are only used to
// derive addresses and are never retained.
type ClaimParams struct {
	WalletPhrase  string
	SponsorPhrase string
	Urgency       types.Urgency
}

// TransferParams starts a transfer race.
type TransferParams struct {
	WalletPhrase string
	Destination  string
	Amount       uint64
	Memo         string
	Urgency      types.Urgency
}

// Stats counts races by state.
type Stats struct {
	Active    int64 `json:"active"`
	Won       int64 `json:"won"`
	Exhausted int64 `json:"exhausted"`
	Cancelled int64 `json:"cancelled"`
}

// Coordinator starts and supervises races.
type Coordinator struct {
	cfg     Config
	client  ledger.Client
	deriver ledger.Deriver
	bidder  *fees.Bidder
	limiter *ratelimit.Limiter
	pool    *pool.Pool
	clk     clock.Clock
	metrics *metrics.Metrics
	logger  *slog.Logger

	ops      sync.Map // id -> *Operation, live races only
	finished finishedRaces
	wg       sync.WaitGroup

	active    atomic.Int64
	won       atomic.Int64
	exhausted atomic.Int64
	cancelled atomic.Int64
}

// New creates a coordinator. Client, Bidder, Limiter and Pool are
// required; a nil Deriver uses ledger.PhraseDeriver.
func New(cfg Config, deps Deps) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("race config: %w", err)
	}
	if deps.Client == nil || deps.Bidder == nil || deps.Limiter == nil || deps.Pool == nil {
		return nil, fmt.Errorf("race: client, bidder, limiter and pool are required")
	}
	if deps.Deriver == nil {
		deps.Deriver = ledger.PhraseDeriver{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = "ledger"
	}
	return &Coordinator{
		cfg:     cfg,
		client:  deps.Client,
		deriver: deps.Deriver,
		bidder:  deps.Bidder,
		limiter: deps.Limiter,
		pool:    deps.Pool,
		clk:     clock.OrReal(deps.Clock),
		metrics: deps.Metrics,
		logger:  deps.Logger.With("component", "race"),
	}, nil
}

// StartClaim validates params and starts a claim race. It returns as soon as
// the workers are scheduled. The only error is a validation failure, in
// which case nothing is started or published.
func (c *Coordinator) StartClaim(ctx context.Context, p ClaimParams, sink Sink) (*Operation, error) {
	op, err := c.prepareClaim(p)
	if err != nil {
		return nil, err
	}
	c.launch(ctx, op, sink)
	return op, nil
}

// StartTransfer validates params and starts a transfer race. See StartClaim.
func (c *Coordinator) StartTransfer(ctx context.Context, p TransferParams, sink Sink) (*Operation, error) {
	op, err := c.prepareTransfer(p)
	if err != nil {
		return nil, err
	}
	c.launch(ctx, op, sink)
	return op, nil
}

// StartWithdraw starts a transfer race and, when claim is non-nil, a
// sponsored claim race for the same wallet alongside it. Both inputs are
// validated before either race starts. The claim operation is nil when no
// claim was requested.
func (c *Coordinator) StartWithdraw(ctx context.Context, claim *ClaimParams, transfer TransferParams, sink Sink) (claimOp, transferOp *Operation, err error) {
	if claim != nil {
		if claimOp, err = c.prepareClaim(*claim); err != nil {
			return nil, nil, err
		}
	}
	if transferOp, err = c.prepareTransfer(transfer); err != nil {
		return nil, nil, err
	}
	if claimOp != nil {
		c.launch(ctx, claimOp, sink)
	}
	c.launch(ctx, transferOp, sink)
	return claimOp, transferOp, nil
}

func (c *Coordinator) prepareClaim(p ClaimParams) (*Operation, error) {
	wallet, err := c.derive("wallet", p.WalletPhrase)
	if err != nil {
		return nil, err
	}
	sponsor, err := c.derive("sponsor", p.SponsorPhrase)
	if err != nil {
		return nil, err
	}
	return &Operation{
		Kind:    types.ActionClaim,
		Wallet:  wallet,
		Sponsor: sponsor,
		Urgency: p.Urgency,
	}, nil
}

func (c *Coordinator) prepareTransfer(p TransferParams) (*Operation, error) {
	wallet, err := c.derive("wallet", p.WalletPhrase)
	if err != nil {
		return nil, err
	}
	dest := strings.TrimSpace(p.Destination)
	if dest == "" {
		return nil, ledger.NewError(ledger.KindValidation, "destination address is required", nil)
	}
	if p.Amount == 0 {
		return nil, ledger.NewError(ledger.KindValidation, "amount must be > 0", nil)
	}
	return &Operation{
		Kind:        types.ActionTransfer,
		Wallet:      wallet,
		Destination: dest,
		Amount:      p.Amount,
		Memo:        p.Memo,
		Urgency:     p.Urgency,
	}, nil
}

func (c *Coordinator) derive(role, phrase string) (string, error) {
	addr, err := c.deriver.DeriveAddress(phrase)
	if err != nil {
		if ledger.Classify(err) == ledger.KindValidation {
			return "", fmt.Errorf("%s phrase: %w", role, err)
		}
		return "", ledger.NewError(ledger.KindValidation, role+" phrase", err)
	}
	return addr, nil
}

// launch computes the bid, arms the flag and spawns the supervisor.
func (c *Coordinator) launch(ctx context.Context, op *Operation, sink Sink) {
	kc := c.cfg.kind(op.Kind)

	c.bidder.RefreshCongestion()
	op.ID = xid.New().String()
	op.Fee = c.bidder.ComputeFee(op.Kind, op.Amount, op.Urgency)
	op.Workers = kc.Workers
	op.StartedAt = c.clk.Now()
	op.done = make(chan struct{})

	c.publish(sink, op, 0, types.LevelInfo, fmt.Sprintf(
		"%s race started: fee %s (congestion %.2f, urgency %s), %d workers",
		op.Kind, types.FormatUnits(op.Fee), c.bidder.Congestion(), op.Urgency, kc.Workers))

	op.active.Store(true)
	c.ops.Store(op.ID, op)
	c.active.Add(1)
	c.metrics.RaceStarted(string(op.Kind), op.Fee)
	c.logger.Info("race started",
		"race_id", op.ID,
		"kind", op.Kind,
		"fee", op.Fee,
		"workers", kc.Workers,
	)

	c.wg.Add(1)
	go c.supervise(ctx, op, kc, sink)
}

// supervise spawns the workers, waits for them and settles the outcome.
func (c *Coordinator) supervise(ctx context.Context, op *Operation, kc KindConfig, sink Sink) {
	defer c.wg.Done()

	var workers sync.WaitGroup
	for i := 1; i <= kc.Workers; i++ {
		if !op.Active() || ctx.Err() != nil {
			break
		}
		workers.Add(1)
		go func(id int) {
			defer workers.Done()
			c.runWorker(ctx, op, id, kc.Retry, sink)
		}(i)
		if kc.SpawnStagger > 0 && i < kc.Workers {
			if !c.sleep(ctx, kc.SpawnStagger) {
				break
			}
		}
	}
	workers.Wait()

	c.finished.add(op)
	c.ops.Delete(op.ID)
	c.active.Add(-1)
	elapsed := c.clk.Now().Sub(op.StartedAt)

	if res, ok := op.Result(); ok {
		c.won.Add(1)
		c.metrics.RaceFinished(string(op.Kind), Won.String(), res.Elapsed)
		c.logger.Info("race won",
			"race_id", op.ID,
			"worker", res.Worker,
			"elapsed", res.Elapsed,
			"late_successes", op.LateSuccesses(),
		)
		op.finish(Won)
		return
	}

	// nobody won; clear the flag so the flip still happens exactly once
	op.active.CompareAndSwap(true, false)

	outcome := Exhausted
	if ctx.Err() != nil {
		outcome = Cancelled
		c.cancelled.Add(1)
	} else {
		c.exhausted.Add(1)
	}
	c.metrics.RaceFinished(string(op.Kind), outcome.String(), elapsed)
	c.publish(sink, op, 0, types.LevelError, failureSummary(op, outcome, elapsed))
	c.logger.Warn("race failed",
		"race_id", op.ID,
		"outcome", outcome,
		"attempts", op.Attempts(),
		"elapsed", elapsed,
	)
	op.finish(outcome)
}

// sleep waits d or until ctx is done, reporting whether the full wait
// elapsed.
func (c *Coordinator) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-ctx.Done():
		return false
	case <-c.clk.After(d):
		return true
	}
}

func (c *Coordinator) publish(sink Sink, op *Operation, worker int, level types.Level, msg string) {
	if sink == nil {
		return
	}
	sink.Publish(types.LogEvent{
		Timestamp: c.clk.Now(),
		Level:     level,
		Message:   msg,
		RaceID:    op.ID,
		Kind:      op.Kind,
		Worker:    worker,
	})
}

// Get returns a race by id: live, or among the most recently finished.
func (c *Coordinator) Get(id string) (*Operation, bool) {
	if v, ok := c.ops.Load(id); ok {
		return v.(*Operation), true
	}
	return c.finished.get(id)
}

// finishedRetention is how many finished races stay queryable by id.
const finishedRetention = 1024

// finishedRaces keeps the most recent finished races, oldest evicted first.
type finishedRaces struct {
	mu    sync.Mutex
	order []string
	byID  map[string]*Operation
}

func (f *finishedRaces) add(op *Operation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.byID == nil {
		f.byID = make(map[string]*Operation)
	}
	f.byID[op.ID] = op
	f.order = append(f.order, op.ID)
	if over := len(f.order) - finishedRetention; over > 0 {
		for _, id := range f.order[:over] {
			delete(f.byID, id)
		}
		f.order = append(f.order[:0:0], f.order[over:]...)
	}
}

func (f *finishedRaces) get(id string) (*Operation, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	op, ok := f.byID[id]
	return op, ok
}

// Stats returns race counters.
func (c *Coordinator) Stats() Stats {
	return Stats{
		Active:    c.active.Load(),
		Won:       c.won.Load(),
		Exhausted: c.exhausted.Load(),
		Cancelled: c.cancelled.Load(),
	}
}

// Wait blocks until every started race has finished.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}
