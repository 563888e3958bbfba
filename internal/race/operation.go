package race

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"racebot/pkg/types"
)

// Outcome is the aggregate result of a race.
type Outcome int32

const (
	Pending Outcome = iota
	Won
	Exhausted
	Cancelled
)

func (o Outcome) String() string {
	switch o {
	case Pending:
		return "pending"
	case Won:
		return "won"
	case Exhausted:
		return "exhausted"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Result describes the winning attempt.
type Result struct {
	Worker        int
	Attempt       int
	TransactionID string
	Elapsed       time.Duration
}

// Operation is one race: a single logical ledger action pursued by many
// workers. Its parameters never change after start.
type Operation struct {
	ID          string
	Kind        types.ActionKind
	Wallet      string
	Sponsor     string
	Destination string
	Amount      uint64
	Memo        string
	Fee         uint64
	Urgency     types.Urgency
	Workers     int
	StartedAt   time.Time

	// active is the cancellation flag. It is set before any worker starts
	// and flips to false exactly once: on the first win or when the race
	// ends without one.
	active atomic.Bool

	outcome       atomic.Int32
	attempts      atomic.Int64
	lateSuccesses atomic.Int64

	resultMu sync.Mutex
	result   *Result

	done chan struct{}
}

// Active reports whether workers should keep trying.
func (op *Operation) Active() bool { return op.active.Load() }

// Done is closed when every worker has returned and the outcome is final.
func (op *Operation) Done() <-chan struct{} { return op.done }

// Outcome returns the current outcome; Pending until Done is closed.
func (op *Operation) Outcome() Outcome { return Outcome(op.outcome.Load()) }

// Attempts returns the number of ledger calls made so far.
func (op *Operation) Attempts() int64 { return op.attempts.Load() }

// LateSuccesses returns how many workers succeeded after the race was
// already won.
func (op *Operation) LateSuccesses() int64 { return op.lateSuccesses.Load() }

// Result returns the winning attempt, if any.
func (op *Operation) Result() (Result, bool) {
	op.resultMu.Lock()
	defer op.resultMu.Unlock()
	if op.result == nil {
		return Result{}, false
	}
	return *op.result, true
}

// Wait blocks until the race finishes or ctx is done.
func (op *Operation) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-op.done:
		return op.Outcome(), nil
	case <-ctx.Done():
		return op.Outcome(), ctx.Err()
	}
}

// announce records a win. Only the first caller gets true.
func (op *Operation) announce(r Result) bool {
	if !op.active.CompareAndSwap(true, false) {
		op.lateSuccesses.Add(1)
		return false
	}
	op.resultMu.Lock()
	op.result = &r
	op.resultMu.Unlock()
	return true
}

func (op *Operation) finish(o Outcome) {
	op.outcome.Store(int32(o))
	close(op.done)
}
