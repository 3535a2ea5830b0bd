// Package memstore is the in-memory dispense.Store used by tests and
// dev mode. It mirrors the postgres semantics: per-row locks with a
// bounded wait that times out as a retryable conflict, and transactions
// whose writes become visible only on commit.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hospimed/go-dispense/internal/dispense"
	"github.com/hospimed/go-dispense/internal/domain/prescription"
	"github.com/hospimed/go-dispense/internal/domain/stock"
)

// DefaultLockWait bounds how long a transaction blocks on a contended
// row before giving up with prescription.ErrConflict.
const DefaultLockWait = 2 * time.Second

// Store holds all fulfillment state in maps guarded by a store-wide
// mutex, with per-row locks for transactional serialization.
type Store struct {
	mu            sync.RWMutex
	prescriptions map[int64]*prescription.Prescription
	itemIndex     map[uuid.UUID]int64 // line item id → folio
	stocks        map[string]*stock.Record
	events        []*prescription.Event
	nextFolio     int64

	locks    *lockTable
	lockWait time.Duration
}

// New creates an empty store.
func New() *Store {
	return &Store{
		prescriptions: make(map[int64]*prescription.Prescription),
		itemIndex:     make(map[uuid.UUID]int64),
		stocks:        make(map[string]*stock.Record),
		nextFolio:     1,
		locks:         newLockTable(),
		lockWait:      DefaultLockWait,
	}
}

// SetLockWait overrides the bounded lock wait. Tests use short waits to
// exercise conflict timeouts.
func (s *Store) SetLockWait(d time.Duration) { s.lockWait = d }

// SeedStock installs a stock record. Replenishment is outside the core;
// this exists for dev and test setup.
func (s *Store) SeedStock(medicationKey string, current, reserved int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	s.stocks[medicationKey] = &stock.Record{
		MedicationKey:  medicationKey,
		CurrentStock:   current,
		ReservedStock:  reserved,
		LastMovementAt: now,
		UpdatedAt:      now,
	}
}

// Events returns a snapshot of the event log, oldest first.
func (s *Store) Events() []*prescription.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*prescription.Event, len(s.events))
	copy(out, s.events)
	return out
}

// WithinTx runs fn with per-row locking and commit-on-success
// semantics. Writes are staged and applied only when fn returns nil.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx dispense.Tx) error) error {
	t := &memTx{store: s}
	defer t.releaseAll()

	if err := fn(ctx, t); err != nil {
		return err
	}
	t.commit()
	return nil
}

type memTx struct {
	store    *Store
	releases []func()

	stagedPrescriptions []*prescription.Prescription
	stagedNew           []*prescription.Prescription
	stagedBatches       []*prescription.Batch
	stagedStocks        []*stock.Record
	stagedEvents        []*prescription.Event
}

func (t *memTx) releaseAll() {
	for i := len(t.releases) - 1; i >= 0; i-- {
		t.releases[i]()
	}
	t.releases = nil
}

func (t *memTx) lock(ctx context.Context, key string) error {
	release, err := t.store.locks.acquire(ctx, key, t.store.lockWait)
	if err != nil {
		return err
	}
	t.releases = append(t.releases, release)
	return nil
}

func (t *memTx) PrescriptionForUpdate(ctx context.Context, folio int64) (*prescription.Prescription, error) {
	if err := t.lock(ctx, fmt.Sprintf("rx/%d", folio)); err != nil {
		return nil, err
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	p, ok := t.store.prescriptions[folio]
	if !ok {
		return nil, fmt.Errorf("%w: prescription %d", prescription.ErrNotFound, folio)
	}
	return clonePrescription(p), nil
}

func (t *memTx) StockForUpdate(ctx context.Context, medicationKey string) (*stock.Record, error) {
	if err := t.lock(ctx, "stock/"+medicationKey); err != nil {
		return nil, err
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	rec, ok := t.store.stocks[medicationKey]
	if !ok {
		return nil, fmt.Errorf("%w: medication %s", stock.ErrNotFound, medicationKey)
	}
	c := *rec
	return &c, nil
}

func (t *memTx) InsertPrescription(_ context.Context, p *prescription.Prescription) error {
	t.store.mu.Lock()
	p.Folio = t.store.nextFolio
	t.store.nextFolio++
	t.store.mu.Unlock()
	for _, it := range p.Items {
		it.Folio = p.Folio
	}
	t.stagedNew = append(t.stagedNew, clonePrescription(p))
	return nil
}

func (t *memTx) InsertBatch(_ context.Context, b *prescription.Batch) error {
	c := *b
	t.stagedBatches = append(t.stagedBatches, &c)
	return nil
}

func (t *memTx) SavePrescription(_ context.Context, p *prescription.Prescription) error {
	t.stagedPrescriptions = append(t.stagedPrescriptions, clonePrescription(p))
	return nil
}

func (t *memTx) SaveStock(_ context.Context, r *stock.Record) error {
	c := *r
	t.stagedStocks = append(t.stagedStocks, &c)
	return nil
}

func (t *memTx) AppendEvent(_ context.Context, ev *prescription.Event) error {
	c := *ev
	t.stagedEvents = append(t.stagedEvents, &c)
	return nil
}

// commit applies staged writes under the store mutex. Locks held by the
// transaction guarantee no concurrent writer touched the same rows.
func (t *memTx) commit() {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	for _, p := range t.stagedNew {
		t.store.prescriptions[p.Folio] = p
		for _, it := range p.Items {
			t.store.itemIndex[it.ID] = p.Folio
		}
	}
	for _, p := range t.stagedPrescriptions {
		existing, ok := t.store.prescriptions[p.Folio]
		if ok {
			// Batches are written through InsertBatch; keep the stored
			// item ledgers and overlay the prescription-level fields.
			p.Items = existing.Items
		}
		t.store.prescriptions[p.Folio] = p
	}
	for _, b := range t.stagedBatches {
		folio, ok := t.store.itemIndex[b.LineItemID]
		if !ok {
			continue
		}
		p := t.store.prescriptions[folio]
		for _, it := range p.Items {
			if it.ID == b.LineItemID {
				it.Batches = append(it.Batches, b)
				break
			}
		}
	}
	for _, r := range t.stagedStocks {
		t.store.stocks[r.MedicationKey] = r
	}
	t.store.events = append(t.store.events, t.stagedEvents...)
}

func (s *Store) Prescription(_ context.Context, folio int64) (*prescription.Prescription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.prescriptions[folio]
	if !ok {
		return nil, fmt.Errorf("%w: prescription %d", prescription.ErrNotFound, folio)
	}
	return clonePrescription(p), nil
}

func (s *Store) LineItem(_ context.Context, id uuid.UUID) (*prescription.LineItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	folio, ok := s.itemIndex[id]
	if !ok {
		return nil, fmt.Errorf("%w: line item %s", prescription.ErrNotFound, id)
	}
	for _, it := range s.prescriptions[folio].Items {
		if it.ID == id {
			return cloneItem(it), nil
		}
	}
	return nil, fmt.Errorf("%w: line item %s", prescription.ErrNotFound, id)
}

func (s *Store) StockRecord(_ context.Context, medicationKey string) (*stock.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.stocks[medicationKey]
	if !ok {
		return nil, fmt.Errorf("%w: medication %s", stock.ErrNotFound, medicationKey)
	}
	c := *rec
	return &c, nil
}

func (s *Store) ListPrescriptions(_ context.Context, f dispense.ListFilter) ([]*prescription.Prescription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*prescription.Prescription
	for _, p := range s.prescriptions {
		if f.State != nil && p.State != *f.State {
			continue
		}
		if f.Type != nil && p.Type != *f.Type {
			continue
		}
		out = append(out, clonePrescription(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Folio > out[j].Folio })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *Store) CountByState(_ context.Context) (map[prescription.State]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[prescription.State]int64)
	for _, p := range s.prescriptions {
		counts[p.State]++
	}
	return counts, nil
}

func clonePrescription(p *prescription.Prescription) *prescription.Prescription {
	c := *p
	c.Items = make([]*prescription.LineItem, len(p.Items))
	for i, it := range p.Items {
		c.Items[i] = cloneItem(it)
	}
	return &c
}

func cloneItem(it *prescription.LineItem) *prescription.LineItem {
	c := *it
	c.Batches = make([]*prescription.Batch, len(it.Batches))
	for i, b := range it.Batches {
		bc := *b
		c.Batches[i] = &bc
	}
	return &c
}

// lockTable hands out one-slot channels as per-key mutexes with a
// bounded acquire.
type lockTable struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

func newLockTable() *lockTable {
	return &lockTable{slots: make(map[string]chan struct{})}
}

func (lt *lockTable) slot(key string) chan struct{} {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	ch, ok := lt.slots[key]
	if !ok {
		ch = make(chan struct{}, 1)
		lt.slots[key] = ch
	}
	return ch
}

func (lt *lockTable) acquire(ctx context.Context, key string, wait time.Duration) (func(), error) {
	ch := lt.slot(key)
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: row %s locked", prescription.ErrConflict, key)
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", prescription.ErrConflict, ctx.Err())
	}
}
