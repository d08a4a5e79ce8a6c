package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrDuplicateMapping = errors.New("active mapping already exists")
	ErrRouteExists      = errors.New("route already exists")
	ErrValidation       = errors.New("validation failed")
	ErrRateLimited      = errors.New("rate limited")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrClosed           = errors.New("store closed")
	ErrStreamClosed     = errors.New("event stream closed")
	ErrContextDone      = errors.New("context cancelled")
)

// FailureKind classifies broker call failures. Handlers branch on the kind,
// never on error text.
type FailureKind string

const (
	FailureRejected           FailureKind = "rejected"
	FailureInsufficientMargin FailureKind = "insufficient-margin"
	FailureSymbolUnknown      FailureKind = "symbol-unknown"
	FailureTransient          FailureKind = "transient"
)

// TradeError is returned by gateway trade operations. Wraps the underlying
// cause so errors.Is still sees timeouts and context cancellation.
type TradeError struct {
	Kind   FailureKind
	Reason string
	Err    error
}

func (e *TradeError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("trade %s: %s", e.Kind, e.Reason)
	}
	return fmt.Sprintf("trade %s", e.Kind)
}

func (e *TradeError) Unwrap() error { return e.Err }

// NewTradeError builds a TradeError with the given kind.
func NewTradeError(kind FailureKind, reason string, err error) *TradeError {
	return &TradeError{Kind: kind, Reason: reason, Err: err}
}

// FailureKindOf extracts the failure kind from err, defaulting to transient
// for plain errors (timeouts, resets) so callers treat unknowns as retryable
// by the reconciler, never inline.
func FailureKindOf(err error) FailureKind {
	var te *TradeError
	if errors.As(err, &te) {
		return te.Kind
	}
	return FailureTransient
}
