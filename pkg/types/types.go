// Package types defines the shared vocabulary of the race engine: log
// events, action kinds, urgency levels and base-unit formatting.
//
// It has no dependencies on internal packages, so it can be imported by any
// layer.
package types

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// UnitScale is the number of base units in one display unit.
const UnitScale = 1_000_000

// Level classifies a log event for the stream consumers.
type Level string

const (
	LevelInfo    Level = "INFO"
	LevelWarn    Level = "WARN"
	LevelError   Level = "ERROR"
	LevelSuccess Level = "SUCCESS"
)

// ActionKind is the ledger action a race performs.
type ActionKind string

const (
	ActionClaim    ActionKind = "claim"
	ActionTransfer ActionKind = "transfer"
)

// Urgency raises the fee bid by a fixed priority boost.
type Urgency int

const (
	UrgencyLow Urgency = iota
	UrgencyMedium
	UrgencyHigh
	UrgencyCritical
)

func (u Urgency) String() string {
	switch u {
	case UrgencyLow:
		return "low"
	case UrgencyMedium:
		return "medium"
	case UrgencyHigh:
		return "high"
	case UrgencyCritical:
		return "critical"
	default:
		return fmt.Sprintf("urgency(%d)", int(u))
	}
}

// ParseUrgency maps a case-insensitive name to an Urgency. An empty string
// is UrgencyLow.
func ParseUrgency(s string) (Urgency, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "low":
		return UrgencyLow, nil
	case "medium":
		return UrgencyMedium, nil
	case "high":
		return UrgencyHigh, nil
	case "critical":
		return UrgencyCritical, nil
	default:
		return UrgencyLow, fmt.Errorf("unknown urgency %q", s)
	}
}

// LogEvent is one human-readable progress record emitted during a race.
type LogEvent struct {
	Timestamp time.Time  `json:"timestamp"`
	Level     Level      `json:"level"`
	Message   string     `json:"message"`
	RaceID    string     `json:"race_id,omitempty"`
	Kind      ActionKind `json:"kind,omitempty"`
	Worker    int        `json:"worker,omitempty"`
}

// FormatUnits renders a base-unit amount as a display amount with six
// decimals, e.g. 3200000 -> "3.200000".
func FormatUnits(amount uint64) string {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(amount), -6).StringFixed(6)
}

// ParseUnits converts a display amount such as "150" or "0.5" to base
// units. Fractions below one base unit are rejected.
func ParseUnits(s string) (uint64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", s, err)
	}
	if d.IsNegative() {
		return 0, fmt.Errorf("amount %q must not be negative", s)
	}
	base := d.Shift(6)
	if !base.Equal(base.Truncate(0)) {
		return 0, fmt.Errorf("amount %q has more than 6 decimals", s)
	}
	if base.BigInt().IsUint64() {
		return base.BigInt().Uint64(), nil
	}
	return 0, fmt.Errorf("amount %q overflows", s)
}
