// Package ledger is the boundary to the external ledger network.
//
// Client is the contract the race workers call. HTTPClient talks to the
// ledger's REST API; Mock is a scriptable double used in dry-run mode and
// tests. PhraseDeriver turns seed phrases into account addresses, and
// FeeFeed watches the mempool for competitor fees.
package ledger

import (
	"context"
	"time"
)

// ClaimRequest claims a wallet's locked balance with a sponsor paying the
// fee.
type ClaimRequest struct {
	Wallet  string
	Sponsor string
	Fee     uint64
}

// ClaimResult identifies the accepted claim transaction.
type ClaimResult struct {
	TransactionID string
	Amount        uint64
	Fee           uint64
	Timestamp     time.Time
}

// TransferRequest moves Amount from From to To.
type TransferRequest struct {
	From   string
	To     string
	Amount uint64
	Fee    uint64
	Memo   string
}

// TransferResult identifies the accepted transfer transaction.
type TransferResult struct {
	TransactionID string
	Amount        uint64
	Fee           uint64
	Timestamp     time.Time
}

// Client performs ledger actions. Implementations must be safe for
// concurrent use; many workers call one client at once. Errors should be
// *Error values or classifiable by Classify.
type Client interface {
	ClaimWithSponsor(ctx context.Context, req ClaimRequest) (ClaimResult, error)
	Transfer(ctx context.Context, req TransferRequest) (TransferResult, error)
}
