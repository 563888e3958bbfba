package api

import (
	"time"

	"racebot/internal/engine"
	"racebot/internal/logstream"
	"racebot/internal/race"
)

// Backend is the engine surface the API needs.
type Backend interface {
	StartClaimRace(p race.ClaimParams) (*race.Operation, error)
	StartTransferRace(p race.TransferParams) (*race.Operation, error)
	StartWithdraw(p engine.WithdrawParams) (claim, transfer *race.Operation, err error)
	Race(id string) (*race.Operation, bool)
	RecordCompetitorFee(fee uint64)
	ConnectionStats() (int, float64)
	Status() engine.Status
	Logs() *logstream.Broadcaster
}

// ClaimRequest starts a claim race.
type ClaimRequest struct {
	WalletPhrase  string `json:"wallet_phrase"`
	SponsorPhrase string `json:"sponsor_phrase"`
	Urgency       string `json:"urgency"` // low, medium, high, critical
}

// TransferRequest starts a transfer race. Amount is in display units,
// e.g. "150" or "0.5".
type TransferRequest struct {
	WalletPhrase string `json:"wallet_phrase"`
	Destination  string `json:"destination"`
	Amount       string `json:"amount"`
	Memo         string `json:"memo"`
	Urgency      string `json:"urgency"`
}

// WithdrawRequest moves funds out of a wallet. With a sponsor phrase a
// sponsored claim races alongside the transfer.
type WithdrawRequest struct {
	WalletPhrase  string `json:"wallet_phrase"`
	SponsorPhrase string `json:"sponsor_phrase,omitempty"`
	Destination   string `json:"destination"`
	Amount        string `json:"amount"`
	Memo          string `json:"memo"`
	Urgency       string `json:"urgency"`
}

// RaceAccepted is returned with 202 when a race starts.
type RaceAccepted struct {
	RaceID  string `json:"race_id"`
	Kind    string `json:"kind"`
	Fee     string `json:"fee"`
	Workers int    `json:"workers"`
}

// WithdrawAccepted is returned with 202 for a withdraw. Claim is absent
// when no sponsor was given.
type WithdrawAccepted struct {
	Claim    *RaceAccepted `json:"claim,omitempty"`
	Transfer RaceAccepted  `json:"transfer"`
}

// RaceStatus is the polled state of one race.
type RaceStatus struct {
	RaceID        string      `json:"race_id"`
	Kind          string      `json:"kind"`
	Outcome       string      `json:"outcome"`
	Fee           string      `json:"fee"`
	Workers       int         `json:"workers"`
	Attempts      int64       `json:"attempts"`
	LateSuccesses int64       `json:"late_successes"`
	StartedAt     time.Time   `json:"started_at"`
	Winner        *RaceWinner `json:"winner,omitempty"`
}

// RaceWinner describes the winning attempt.
type RaceWinner struct {
	Worker        int    `json:"worker"`
	Attempt       int    `json:"attempt"`
	TransactionID string `json:"transaction_id"`
	ElapsedMs     int64  `json:"elapsed_ms"`
}

// CompetitorFeeRequest reports a fee seen from a competitor, in base units.
type CompetitorFeeRequest struct {
	Fee uint64 `json:"fee"`
}

// ConnectionStats is the resource pool summary.
type ConnectionStats struct {
	Count       int     `json:"count"`
	SuccessRate float64 `json:"success_rate"`
}

type errorResponse struct {
	Error string `json:"error"`
}
