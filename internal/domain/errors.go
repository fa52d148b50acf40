package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the engine's failure taxonomy. All are deterministic
// for a given input and must never be retried automatically; only lock
// acquisition is retryable, and that lives in the cache layer.
var (
	ErrNotFound             = errors.New("not found")
	ErrInvalidQuantity      = errors.New("invalid quantity")
	ErrInvalidPrice         = errors.New("invalid price")
	ErrInsufficientQuantity = errors.New("insufficient open quantity")
	ErrInvalidPartialExit   = errors.New("partial exit must be below remaining quantity")
	ErrInvariantViolation   = errors.New("ledger invariant violation")
	ErrLockHeld             = errors.New("lock already held")
)

// QuantityError attaches the offending position and requested/available
// quantities to one of the quantity sentinels.
type QuantityError struct {
	Sentinel   error
	PositionID string
	Requested  int64
	Available  int64
}

func (e *QuantityError) Error() string {
	return fmt.Sprintf("%v: position %s requested %d with %d available",
		e.Sentinel, e.PositionID, e.Requested, e.Available)
}

func (e *QuantityError) Unwrap() error { return e.Sentinel }

// InvariantError reports internal ledger corruption. It is fatal for the
// enclosing transaction and must propagate, never be swallowed.
type InvariantError struct {
	PositionID string
	LotID      string
	Detail     string
}

func (e *InvariantError) Error() string {
	if e.LotID != "" {
		return fmt.Sprintf("%v: position %s lot %s: %s",
			ErrInvariantViolation, e.PositionID, e.LotID, e.Detail)
	}
	return fmt.Sprintf("%v: position %s: %s", ErrInvariantViolation, e.PositionID, e.Detail)
}

func (e *InvariantError) Unwrap() error { return ErrInvariantViolation }
