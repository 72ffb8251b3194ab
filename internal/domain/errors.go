package domain

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors. The typed errors below match them through errors.Is so
// callers can branch on the category without unpacking the details.
var (
	ErrDataGap                 = errors.New("data gap")
	ErrInsufficientFunds       = errors.New("insufficient funds")
	ErrAllocationLimitExceeded = errors.New("allocation limit exceeded")
	ErrInvalidState            = errors.New("invalid state")
	ErrSinkRejected            = errors.New("order rejected by sink")
	ErrEndOfStream             = errors.New("end of stream")
	ErrSubscriptionClosed      = errors.New("subscription closed")
)

// DataGapError reports a bar that does not strictly follow the previous one
// for the same instrument.
type DataGapError struct {
	Symbol string
	Prev   time.Time
	Got    time.Time
}

func (e *DataGapError) Error() string {
	return fmt.Sprintf("data gap on %s: bar at %s does not follow %s",
		e.Symbol, e.Got.Format(time.RFC3339), e.Prev.Format(time.RFC3339))
}

func (e *DataGapError) Is(target error) bool { return target == ErrDataGap }

// InsufficientFundsError reports a buy the ledger cannot pay for.
type InsufficientFundsError struct {
	Symbol string
	Need   float64
	Have   float64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds for %s: need %.2f, have %.2f", e.Symbol, e.Need, e.Have)
}

func (e *InsufficientFundsError) Is(target error) bool { return target == ErrInsufficientFunds }

// AllocationLimitError reports a projected position above the per-instrument
// share of total capital.
type AllocationLimitError struct {
	Symbol    string
	Projected float64
	Limit     float64
}

func (e *AllocationLimitError) Error() string {
	return fmt.Sprintf("allocation limit exceeded for %s: projected %.2f > limit %.2f",
		e.Symbol, e.Projected, e.Limit)
}

func (e *AllocationLimitError) Is(target error) bool { return target == ErrAllocationLimitExceeded }

// InvalidStateError reports a request that contradicts the ledger's state,
// such as selling an instrument that is not held.
type InvalidStateError struct {
	Symbol string
	Reason string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("invalid state for %s: %s", e.Symbol, e.Reason)
}

func (e *InvalidStateError) Is(target error) bool { return target == ErrInvalidState }

// SinkRejectedError is a business-level refusal from a broker or simulator.
type SinkRejectedError struct {
	IntentID string
	Reason   string
}

func (e *SinkRejectedError) Error() string {
	return fmt.Sprintf("order %s rejected: %s", e.IntentID, e.Reason)
}

func (e *SinkRejectedError) Is(target error) bool { return target == ErrSinkRejected }

// FatalError marks an unrecoverable provider or sink connectivity failure.
// It is the only error, besides a data gap, that ends a subscription.
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }

func (e *FatalError) Unwrap() error { return e.Err }

// Fatal wraps err as a FatalError. A nil err stays nil.
func Fatal(op string, err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Op: op, Err: err}
}

// IsFatal reports whether err, or anything it wraps, is a FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// IsBusinessError reports whether err is an expected trading outcome that
// must never stop a subscription.
func IsBusinessError(err error) bool {
	return errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrAllocationLimitExceeded) ||
		errors.Is(err, ErrInvalidState) ||
		errors.Is(err, ErrSinkRejected)
}
