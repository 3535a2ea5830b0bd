package dispense

import (
	"context"

	"github.com/google/uuid"

	"github.com/hospimed/go-dispense/internal/domain/prescription"
	"github.com/hospimed/go-dispense/internal/domain/stock"
)

// Tx is the set of operations available inside one atomic unit. The
// ForUpdate loads take a write lock on the underlying row (or per-key
// mutex) that is held until the transaction ends; lock waits are bounded
// and time out with prescription.ErrConflict.
//
// Lock ordering is fixed: prescription before stock. Every code path
// that locks both must follow it.
type Tx interface {
	// PrescriptionForUpdate loads and locks the full aggregate: the
	// prescription row, its line items, and their batches.
	PrescriptionForUpdate(ctx context.Context, folio int64) (*prescription.Prescription, error)

	// StockForUpdate loads and locks the stock record for a medication.
	StockForUpdate(ctx context.Context, medicationKey string) (*stock.Record, error)

	// InsertPrescription persists a new prescription with its line
	// items and assigns the folio.
	InsertPrescription(ctx context.Context, p *prescription.Prescription) error

	// InsertBatch appends a batch row. There is no update or delete.
	InsertBatch(ctx context.Context, b *prescription.Batch) error

	// SavePrescription persists state, stamps and actor references.
	// Line items and batches are not written through this path.
	SavePrescription(ctx context.Context, p *prescription.Prescription) error

	// SaveStock persists the mutated stock counters.
	SaveStock(ctx context.Context, r *stock.Record) error

	// AppendEvent writes a domain event to the transactional outbox so
	// it becomes visible if and only if the transaction commits.
	AppendEvent(ctx context.Context, ev *prescription.Event) error
}

// ListFilter narrows prescription listings.
type ListFilter struct {
	State *prescription.State
	Type  *prescription.Type
	Limit int
}

// Store is the persistence boundary of the fulfillment core. The
// postgres implementation backs production; the memstore implementation
// backs tests and dev mode. Reads outside WithinTx see only committed
// state.
type Store interface {
	// WithinTx runs fn in one atomic unit: everything fn writes commits
	// together or not at all.
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	Prescription(ctx context.Context, folio int64) (*prescription.Prescription, error)
	LineItem(ctx context.Context, id uuid.UUID) (*prescription.LineItem, error)
	StockRecord(ctx context.Context, medicationKey string) (*stock.Record, error)
	ListPrescriptions(ctx context.Context, f ListFilter) ([]*prescription.Prescription, error)
	CountByState(ctx context.Context) (map[prescription.State]int64, error)
}
