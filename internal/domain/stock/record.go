// Package stock owns the per-medication inventory counters. A Record is
// the only place current stock is mutated, and Deduct is the only
// mutation in the fulfillment core; replenishment is a separate workflow.
package stock

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned for medications without a stock record.
	ErrNotFound = errors.New("stock record not found")

	// ErrInsufficientStock is returned when a deduction would oversell
	// the visible inventory. No partial deduction is ever made.
	ErrInsufficientStock = errors.New("insufficient stock")

	// ErrLedgerCorrupt marks a negative counter that the precondition
	// checks should have made impossible. Surfaced loudly, not clamped
	// and forgotten.
	ErrLedgerCorrupt = errors.New("stock ledger corrupt: counter went negative")
)

// IsCorrupt reports whether err is a ledger invariant violation.
func IsCorrupt(err error) bool {
	return errors.Is(err, ErrLedgerCorrupt)
}

// Record is the shared stock counter for one medication. Concurrent
// deductions must be serialized by the store (row lock or per-key mutex);
// Record itself is not safe for unsynchronized use.
type Record struct {
	MedicationKey  string
	CurrentStock   int
	ReservedStock  int
	LastMovementAt time.Time
	UpdatedAt      time.Time
}

// Available is the stock visible to dispensing, floored at zero.
func (r *Record) Available() int {
	a := r.CurrentStock - r.ReservedStock
	if a < 0 {
		return 0
	}
	return a
}

// Deduct removes qty units from current stock. Fails with
// InsufficientError when qty exceeds the available count; on success the
// last-movement timestamp is updated.
func (r *Record) Deduct(qty int, now time.Time) error {
	if qty <= 0 {
		return fmt.Errorf("deduct quantity must be positive, got %d", qty)
	}
	if qty > r.Available() {
		return &InsufficientError{
			MedicationKey: r.MedicationKey,
			Available:     r.Available(),
			Requested:     qty,
		}
	}
	r.CurrentStock -= qty
	r.LastMovementAt = now
	r.UpdatedAt = now
	if r.CurrentStock < 0 {
		// Unreachable given the available check; reserved_stock ≥ 0
		// guarantees available ≤ current. Clamp and fail loudly.
		r.CurrentStock = 0
		return fmt.Errorf("%w: medication %s", ErrLedgerCorrupt, r.MedicationKey)
	}
	return nil
}

// InsufficientError reports an oversell attempt.
type InsufficientError struct {
	MedicationKey string
	Available     int
	Requested     int
}

func (e *InsufficientError) Error() string {
	return fmt.Sprintf("medication %s: requested %d, available %d",
		e.MedicationKey, e.Requested, e.Available)
}

func (e *InsufficientError) Unwrap() error { return ErrInsufficientStock }
