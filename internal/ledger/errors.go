package ledger

import (
	"errors"
	"fmt"
	"net"
	"syscall"
)

// Kind is the failure class of a ledger error. Workers choose their retry
// delay by kind.
type Kind int

const (
	// KindAPI is any non-success response not covered by another kind.
	KindAPI Kind = iota
	// KindNetwork is a transport failure: timeout, reset or refused
	// connection, DNS failure.
	KindNetwork
	// KindRateLimited is an explicit throttling response (HTTP 429).
	KindRateLimited
	// KindInsufficientBalance means the source account cannot cover the
	// amount plus fee.
	KindInsufficientBalance
	// KindValidation is a malformed input detected before any call.
	KindValidation
)

func (k Kind) String() string {
	switch k {
	case KindAPI:
		return "api_failure"
	case KindNetwork:
		return "network_failure"
	case KindRateLimited:
		return "rate_limited"
	case KindInsufficientBalance:
		return "insufficient_balance"
	case KindValidation:
		return "validation_failure"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is a classified ledger failure.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind, so errors.Is(err, ErrRateLimited)
// works for any rate-limited error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Message == "" && t.Err == nil && t.Kind == e.Kind
}

// Kind sentinels for errors.Is.
var (
	ErrAPI                 = &Error{Kind: KindAPI}
	ErrNetwork             = &Error{Kind: KindNetwork}
	ErrRateLimited         = &Error{Kind: KindRateLimited}
	ErrInsufficientBalance = &Error{Kind: KindInsufficientBalance}
	ErrValidation          = &Error{Kind: KindValidation}
)

// ErrInvalidSeedPhrase is returned by address derivation for phrases that
// are not 12 or 24 words.
var ErrInvalidSeedPhrase = &Error{Kind: KindValidation, Message: "invalid seed phrase"}

// NewError builds a classified error.
func NewError(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// Classify maps any error to a Kind. Classified errors keep their kind;
// timeouts, resets, refusals and other net.Error values are network
// failures; everything else is an API failure.
func Classify(err error) Kind {
	var le *Error
	if errors.As(err, &le) {
		return le.Kind
	}
	if isNetwork(err) {
		return KindNetwork
	}
	return KindAPI
}

type hasTimeout interface {
	Timeout() bool
}

func isNetwork(err error) bool {
	if err == nil {
		return false
	}
	var to hasTimeout
	if errors.As(err, &to) && to.Timeout() {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.ECONNRESET, syscall.ECONNREFUSED, syscall.ECONNABORTED, syscall.EPIPE:
			return true
		}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}
