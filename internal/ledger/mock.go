package ledger

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

// Mock is a scriptable Client. With no functions set it accepts every
// request, which is what dry-run mode uses.
type Mock struct {
	ClaimFunc    func(ctx context.Context, req ClaimRequest) (ClaimResult, error)
	TransferFunc func(ctx context.Context, req TransferRequest) (TransferResult, error)

	claims    atomic.Int64
	transfers atomic.Int64
}

// ClaimWithSponsor calls ClaimFunc or returns a synthetic success.
func (m *Mock) ClaimWithSponsor(ctx context.Context, req ClaimRequest) (ClaimResult, error) {
	n := m.claims.Add(1)
	if m.ClaimFunc != nil {
		return m.ClaimFunc(ctx, req)
	}
	return ClaimResult{
		TransactionID: fmt.Sprintf("dry-run-claim-%d", n),
		Fee:           req.Fee,
		Timestamp:     time.Now().UTC(),
	}, nil
}

// Transfer calls TransferFunc or returns a synthetic success.
func (m *Mock) Transfer(ctx context.Context, req TransferRequest) (TransferResult, error) {
	n := m.transfers.Add(1)
	if m.TransferFunc != nil {
		return m.TransferFunc(ctx, req)
	}
	return TransferResult{
		TransactionID: fmt.Sprintf("dry-run-transfer-%d", n),
		Amount:        req.Amount,
		Fee:           req.Fee,
		Timestamp:     time.Now().UTC(),
	}, nil
}

// Calls returns how many claim and transfer calls the mock has received.
func (m *Mock) Calls() (claims, transfers int64) {
	return m.claims.Load(), m.transfers.Load()
}
