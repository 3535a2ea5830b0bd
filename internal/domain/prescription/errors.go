// Package prescription implements the prescription fulfillment aggregate:
// the folio state machine, its line items, and the append-only batch ledger.
package prescription

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Sentinel errors for the fulfillment taxonomy. Callers match with
// errors.Is; the structured types below carry the details.
var (
	// ErrInvalidArgument is returned for malformed input: non-positive
	// quantities, missing fields, zero-quantity line items.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrInvalidTransition is returned when an operation is attempted
	// against a prescription whose state does not permit it.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrPermissionDenied is returned when the authorization gate refuses
	// the acting user. Retrying with the same actor will never succeed.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrCapacityExceeded is returned when a batch would push a line item
	// past its prescribed quantity. Requests are rejected, never clamped.
	ErrCapacityExceeded = errors.New("dispense exceeds prescribed quantity")

	// ErrExpiredLot is returned when a batch is presented with an expiry
	// date in the past.
	ErrExpiredLot = errors.New("lot is expired")

	// ErrConflict is returned on lock contention timeouts. This is the
	// only retryable error in the taxonomy.
	ErrConflict = errors.New("concurrent update conflict, retry")

	// ErrNotFound is returned for unknown folios, line items or
	// medications.
	ErrNotFound = errors.New("not found")

	// ErrInternal marks invariant violations that precondition checks
	// should have made impossible. Never silently recovered.
	ErrInternal = errors.New("internal invariant violation")
)

// Retryable reports whether the caller may retry the same request
// unchanged and expect it to eventually succeed.
func Retryable(err error) bool {
	return errors.Is(err, ErrConflict)
}

// InvalidTransitionError reports a state machine rule violation.
type InvalidTransitionError struct {
	Folio int64
	From  State
	Op    string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("prescription %d: cannot %s in state %s", e.Folio, e.Op, e.From)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

// CapacityExceededError reports an over-dispense attempt on a line item.
type CapacityExceededError struct {
	LineItemID uuid.UUID
	Prescribed int
	Dispensed  int
	Requested  int
}

func (e *CapacityExceededError) Error() string {
	return fmt.Sprintf("line item %s: dispensed %d + requested %d exceeds prescribed %d",
		e.LineItemID, e.Dispensed, e.Requested, e.Prescribed)
}

func (e *CapacityExceededError) Unwrap() error { return ErrCapacityExceeded }
