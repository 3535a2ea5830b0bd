package prescription

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// LineItem is one prescribed medication within a prescription. The
// prescribed quantity is immutable after creation; dispensing progress
// lives in the batch ledger.
//
// LegacyDispensedQty is a scalar carried over from before the batch
// ledger existed. It is read, never written: the authoritative dispensed
// amount is max(sum of batches, legacy scalar) so historical rows that
// were dispensed pre-ledger still report correctly.
type LineItem struct {
	ID            uuid.UUID
	Folio         int64
	MedicationKey string
	Description   string
	Dose          string
	PrescribedQty int

	LegacyDispensedQty int

	CreatedAt time.Time

	Batches []*Batch
}

// Batch is one discrete dispensing event against a line item, tied to a
// physical inventory lot. Batches are append-only: corrections happen by
// compensating batches or cancelling the prescription, never by edits.
type Batch struct {
	ID          uuid.UUID
	LineItemID  uuid.UUID
	Lot         string
	Expiry      time.Time
	Quantity    int
	DispensedBy string
	DispensedAt time.Time
	Note        string
}

// NewBatch validates and builds a batch. The expiry date must be today or
// later, compared by calendar day.
func NewBatch(itemID uuid.UUID, lot string, expiry time.Time, quantity int, actorID, note string, now time.Time) (*Batch, error) {
	if quantity <= 0 {
		return nil, fmt.Errorf("%w: batch quantity must be positive, got %d", ErrInvalidArgument, quantity)
	}
	if lot == "" {
		return nil, fmt.Errorf("%w: lot code is required", ErrInvalidArgument)
	}
	if dayOf(expiry).Before(dayOf(now)) {
		return nil, fmt.Errorf("%w: lot %s expired %s", ErrExpiredLot, lot, expiry.Format("2006-01-02"))
	}
	return &Batch{
		ID:          uuid.New(),
		LineItemID:  itemID,
		Lot:         lot,
		Expiry:      expiry,
		Quantity:    quantity,
		DispensedBy: actorID,
		DispensedAt: now,
		Note:        note,
	}, nil
}

func dayOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DispensedTotal is the authoritative dispensed amount:
// max(sum of batch quantities, legacy scalar).
func (li *LineItem) DispensedTotal() int {
	sum := 0
	for _, b := range li.Batches {
		sum += b.Quantity
	}
	if li.LegacyDispensedQty > sum {
		return li.LegacyDispensedQty
	}
	return sum
}

// Remaining is the quantity still to dispense, floored at zero.
func (li *LineItem) Remaining() int {
	r := li.PrescribedQty - li.DispensedTotal()
	if r < 0 {
		return 0
	}
	return r
}

// PercentComplete is the dispensing progress capped at 100.
func (li *LineItem) PercentComplete() int {
	if li.PrescribedQty <= 0 {
		return 0
	}
	pct := 100 * li.DispensedTotal() / li.PrescribedQty
	if pct > 100 {
		return 100
	}
	return pct
}

// IsComplete reports whether the prescribed quantity has been dispensed.
func (li *LineItem) IsComplete() bool {
	return li.DispensedTotal() >= li.PrescribedQty
}

// CanAccept reports whether qty more units fit within the prescribed
// quantity. Checked before any batch is persisted.
func (li *LineItem) CanAccept(qty int) bool {
	return li.DispensedTotal()+qty <= li.PrescribedQty
}

// AddBatch appends a batch to the ledger. Rejects over-dispense with
// CapacityExceededError; the check is a second line of defense behind the
// service-level CanAccept call.
func (li *LineItem) AddBatch(b *Batch) error {
	if !li.CanAccept(b.Quantity) {
		return &CapacityExceededError{
			LineItemID: li.ID,
			Prescribed: li.PrescribedQty,
			Dispensed:  li.DispensedTotal(),
			Requested:  b.Quantity,
		}
	}
	b.LineItemID = li.ID
	li.Batches = append(li.Batches, b)
	return nil
}
