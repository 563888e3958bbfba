package race

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"

	"racebot/internal/ledger"
	"racebot/internal/pool"
	"racebot/internal/ratelimit"
	"racebot/internal/retry"
	"racebot/pkg/types"
)

type workerKey struct{}

// WorkerID returns the id of the race worker making a ledger call, if ctx
// came from one. Worker ids start at 1.
func WorkerID(ctx context.Context) (int, bool) {
	id, ok := ctx.Value(workerKey{}).(int)
	return id, ok
}

func withWorkerID(ctx context.Context, id int) context.Context {
	return context.WithValue(ctx, workerKey{}, id)
}

func domainFor(k types.ActionKind) ratelimit.Domain {
	if k == types.ActionTransfer {
		return ratelimit.DomainTransfer
	}
	return ratelimit.DomainClaim
}

// runWorker is one attempt sequence. It stops on success, when the flag is
// cleared, when ctx is done, or after MaxAttempts failures.
func (c *Coordinator) runWorker(ctx context.Context, op *Operation, id int, policy retry.Policy, sink Sink) {
	ctx = withWorkerID(ctx, id)
	cursor := policy.Cursor()
	domain := domainFor(op.Kind)

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if !op.Active() {
			return
		}
		if err := c.limiter.WaitForSlot(ctx, domain, op.Wallet); err != nil {
			return
		}
		if !op.Active() {
			return
		}

		txID, err := c.attempt(ctx, op)
		op.attempts.Add(1)
		if err == nil {
			c.metrics.Attempt(string(op.Kind), "success")
			res := Result{
				Worker:        id,
				Attempt:       attempt,
				TransactionID: txID,
				Elapsed:       c.clk.Now().Sub(op.StartedAt),
			}
			if op.announce(res) {
				c.publish(sink, op, id, types.LevelSuccess, fmt.Sprintf(
					"%s succeeded: worker %d won in %s on attempt %d, tx %s",
					op.Kind, id, res.Elapsed.Round(time.Microsecond), attempt, txID))
			}
			return
		}
		if ctx.Err() != nil {
			return
		}

		kind := failureKind(err)
		c.metrics.Attempt(string(op.Kind), kind)
		if !op.Active() {
			return
		}
		if attempt == policy.MaxAttempts {
			break
		}
		delay := c.delayFor(err, cursor)
		c.publish(sink, op, id, types.LevelWarn, fmt.Sprintf(
			"worker %d attempt %d/%d failed (%s): %v; retrying in %s",
			id, attempt, policy.MaxAttempts, kind, err, delay))
		if !c.sleep(ctx, delay) {
			return
		}
	}

	if op.Active() {
		c.publish(sink, op, id, types.LevelWarn, fmt.Sprintf(
			"worker %d exhausted %d attempts", id, policy.MaxAttempts))
	}
}

// attempt makes one leased ledger call and returns the transaction id.
func (c *Coordinator) attempt(ctx context.Context, op *Operation) (string, error) {
	lease, err := c.pool.Acquire(ctx, c.cfg.Endpoint)
	if err != nil {
		return "", err
	}
	defer c.pool.Release(lease)

	var txID string
	switch op.Kind {
	case types.ActionTransfer:
		var res ledger.TransferResult
		res, err = c.client.Transfer(ctx, ledger.TransferRequest{
			From:   op.Wallet,
			To:     op.Destination,
			Amount: op.Amount,
			Fee:    op.Fee,
			Memo:   op.Memo,
		})
		txID = res.TransactionID
	default:
		var res ledger.ClaimResult
		res, err = c.client.ClaimWithSponsor(ctx, ledger.ClaimRequest{
			Wallet:  op.Wallet,
			Sponsor: op.Sponsor,
			Fee:     op.Fee,
		})
		txID = res.TransactionID
	}
	c.pool.UpdateStats(lease, err == nil)
	return txID, err
}

// delayFor picks the backoff for a failure: fixed delays for throttling and
// network trouble, the worker's cursor for everything else.
func (c *Coordinator) delayFor(err error, cursor *retry.Cursor) time.Duration {
	if errors.Is(err, pool.ErrExhausted) {
		return cursor.Advance()
	}
	switch ledger.Classify(err) {
	case ledger.KindRateLimited:
		return c.cfg.RateLimitedDelay
	case ledger.KindNetwork:
		return c.cfg.NetworkDelay
	default:
		return cursor.Advance()
	}
}

func failureKind(err error) string {
	if errors.Is(err, pool.ErrExhausted) {
		return "resource_exhausted"
	}
	return ledger.Classify(err).String()
}

func failureSummary(op *Operation, outcome Outcome, elapsed time.Duration) string {
	attempts := humanize.Comma(op.Attempts())
	if outcome == Cancelled {
		return fmt.Sprintf("%s race cancelled after %s attempts in %s without a success",
			op.Kind, attempts, elapsed.Round(time.Millisecond))
	}
	return fmt.Sprintf("%s failed: all %d workers exhausted their retries (%s attempts in %s, fee %s)",
		op.Kind, op.Workers, attempts, elapsed.Round(time.Millisecond), types.FormatUnits(op.Fee))
}
