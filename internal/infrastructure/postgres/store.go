// Package postgres provides the production dispense.Store backed by
// pgx. Row locks are explicit: the dispense transaction locks the
// prescription row, then the stock row, with a bounded lock_timeout so
// contention surfaces as a retryable conflict instead of an unbounded
// wait.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/hospimed/go-dispense/internal/dispense"
	"github.com/hospimed/go-dispense/internal/domain/prescription"
	"github.com/hospimed/go-dispense/internal/domain/stock"
)

// Postgres error codes mapped to the retryable conflict in the
// fulfillment taxonomy.
const (
	pgLockNotAvailable     = "55P03"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
)

// StoreConfig holds store tuning.
type StoreConfig struct {
	// LockTimeout bounds FOR UPDATE waits inside a transaction.
	LockTimeout time.Duration
}

// DefaultStoreConfig returns defaults suitable for interactive
// dispensing staff, who retry on conflict.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{LockTimeout: 3 * time.Second}
}

// Store implements dispense.Store on a pgx pool.
type Store struct {
	pool   *pgxpool.Pool
	config StoreConfig
	logger *zap.Logger
}

// NewStore creates the postgres store.
func NewStore(pool *pgxpool.Pool, cfg StoreConfig, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = DefaultStoreConfig().LockTimeout
	}
	return &Store{pool: pool, config: cfg, logger: logger}
}

// WithinTx runs fn in one database transaction with a bounded
// lock_timeout. Lock waits and serialization failures come back as
// prescription.ErrConflict.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx dispense.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	timeoutMS := s.config.LockTimeout.Milliseconds()
	if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", timeoutMS)); err != nil {
		return fmt.Errorf("set lock timeout: %w", err)
	}

	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		return mapPgError(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return mapPgError(fmt.Errorf("commit: %w", err))
	}
	return nil
}

func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgLockNotAvailable, pgSerializationFailure, pgDeadlockDetected:
			return fmt.Errorf("%w: %v", prescription.ErrConflict, err)
		}
	}
	return err
}

type pgTx struct {
	tx pgx.Tx
}

const prescriptionColumns = `folio, patient_id, type, state, priority, service, diagnosis,
	instructions, observations, expires_at, prescribed_by, validated_by, dispensed_by,
	created_at, validated_at, partial_fill_at, filled_at, updated_at`

func scanPrescription(row pgx.Row) (*prescription.Prescription, error) {
	p := &prescription.Prescription{}
	err := row.Scan(
		&p.Folio, &p.PatientID, &p.Type, &p.State, &p.Priority, &p.Service, &p.Diagnosis,
		&p.Instructions, &p.Observations, &p.ExpiresAt, &p.PrescribedBy, &p.ValidatedBy, &p.DispensedBy,
		&p.CreatedAt, &p.ValidatedAt, &p.PartialFillAt, &p.FilledAt, &p.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: prescription", prescription.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan prescription: %w", err)
	}
	return p, nil
}

func (t *pgTx) PrescriptionForUpdate(ctx context.Context, folio int64) (*prescription.Prescription, error) {
	row := t.tx.QueryRow(ctx,
		`SELECT `+prescriptionColumns+` FROM prescriptions WHERE folio = $1 FOR UPDATE`, folio)
	p, err := scanPrescription(row)
	if err != nil {
		return nil, mapPgError(err)
	}
	p.Items, err = loadItems(ctx, t.tx, folio)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func loadItems(ctx context.Context, q querier, folio int64) ([]*prescription.LineItem, error) {
	rows, err := q.Query(ctx, `
		SELECT id, folio, medication_key, description, dose, prescribed_qty, legacy_dispensed_qty, created_at
		FROM line_items WHERE folio = $1 ORDER BY created_at, id`, folio)
	if err != nil {
		return nil, fmt.Errorf("query line items: %w", err)
	}
	defer rows.Close()

	var items []*prescription.LineItem
	byID := make(map[uuid.UUID]*prescription.LineItem)
	for rows.Next() {
		it := &prescription.LineItem{}
		if err := rows.Scan(&it.ID, &it.Folio, &it.MedicationKey, &it.Description, &it.Dose,
			&it.PrescribedQty, &it.LegacyDispensedQty, &it.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan line item: %w", err)
		}
		items = append(items, it)
		byID[it.ID] = it
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	brows, err := q.Query(ctx, `
		SELECT b.id, b.line_item_id, b.lot, b.expiry, b.quantity, b.dispensed_by, b.dispensed_at, b.note
		FROM batches b
		JOIN line_items li ON li.id = b.line_item_id
		WHERE li.folio = $1
		ORDER BY b.dispensed_at, b.id`, folio)
	if err != nil {
		return nil, fmt.Errorf("query batches: %w", err)
	}
	defer brows.Close()

	for brows.Next() {
		b := &prescription.Batch{}
		if err := brows.Scan(&b.ID, &b.LineItemID, &b.Lot, &b.Expiry, &b.Quantity,
			&b.DispensedBy, &b.DispensedAt, &b.Note); err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		if it, ok := byID[b.LineItemID]; ok {
			it.Batches = append(it.Batches, b)
		}
	}
	return items, brows.Err()
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (t *pgTx) StockForUpdate(ctx context.Context, medicationKey string) (*stock.Record, error) {
	rec := &stock.Record{}
	err := t.tx.QueryRow(ctx, `
		SELECT medication_key, current_stock, reserved_stock, last_movement_at, updated_at
		FROM stock_records WHERE medication_key = $1 FOR UPDATE`, medicationKey).
		Scan(&rec.MedicationKey, &rec.CurrentStock, &rec.ReservedStock, &rec.LastMovementAt, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: medication %s", stock.ErrNotFound, medicationKey)
	}
	if err != nil {
		return nil, mapPgError(fmt.Errorf("lock stock record: %w", err))
	}
	return rec, nil
}

func (t *pgTx) InsertPrescription(ctx context.Context, p *prescription.Prescription) error {
	err := t.tx.QueryRow(ctx, `
		INSERT INTO prescriptions (patient_id, type, state, priority, service, diagnosis,
			instructions, observations, expires_at, prescribed_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
		RETURNING folio`,
		p.PatientID, p.Type, p.State, p.Priority, p.Service, p.Diagnosis,
		p.Instructions, p.Observations, p.ExpiresAt, p.PrescribedBy, p.CreatedAt).
		Scan(&p.Folio)
	if err != nil {
		return fmt.Errorf("insert prescription: %w", err)
	}

	for _, it := range p.Items {
		it.Folio = p.Folio
		_, err := t.tx.Exec(ctx, `
			INSERT INTO line_items (id, folio, medication_key, description, dose, prescribed_qty, legacy_dispensed_qty, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			it.ID, it.Folio, it.MedicationKey, it.Description, it.Dose, it.PrescribedQty, it.LegacyDispensedQty, it.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert line item %s: %w", it.MedicationKey, err)
		}
	}
	return nil
}

func (t *pgTx) InsertBatch(ctx context.Context, b *prescription.Batch) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO batches (id, line_item_id, lot, expiry, quantity, dispensed_by, dispensed_at, note)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		b.ID, b.LineItemID, b.Lot, b.Expiry, b.Quantity, b.DispensedBy, b.DispensedAt, b.Note)
	if err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}
	return nil
}

func (t *pgTx) SavePrescription(ctx context.Context, p *prescription.Prescription) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE prescriptions
		SET state = $2, observations = $3, validated_by = $4, dispensed_by = $5,
		    validated_at = $6, partial_fill_at = $7, filled_at = $8, updated_at = $9
		WHERE folio = $1`,
		p.Folio, p.State, p.Observations, p.ValidatedBy, p.DispensedBy,
		p.ValidatedAt, p.PartialFillAt, p.FilledAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update prescription %d: %w", p.Folio, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: prescription %d", prescription.ErrNotFound, p.Folio)
	}
	return nil
}

func (t *pgTx) SaveStock(ctx context.Context, r *stock.Record) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE stock_records
		SET current_stock = $2, reserved_stock = $3, last_movement_at = $4, updated_at = $5
		WHERE medication_key = $1`,
		r.MedicationKey, r.CurrentStock, r.ReservedStock, r.LastMovementAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update stock %s: %w", r.MedicationKey, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: medication %s", stock.ErrNotFound, r.MedicationKey)
	}
	return nil
}

func (t *pgTx) AppendEvent(ctx context.Context, ev *prescription.Event) error {
	// The full envelope goes on the wire, not just the event data, so
	// consumers need no side lookup to attribute an event.
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	entry := &OutboxEntry{
		Folio:      ev.Folio,
		EventType:  string(ev.EventType),
		Payload:    payload,
		KafkaTopic: TopicFulfillmentEvents,
		KafkaKey:   fmt.Sprintf("%d", ev.Folio),
	}
	return WriteEntry(ctx, t.tx, entry)
}

func (s *Store) Prescription(ctx context.Context, folio int64) (*prescription.Prescription, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+prescriptionColumns+` FROM prescriptions WHERE folio = $1`, folio)
	p, err := scanPrescription(row)
	if err != nil {
		return nil, err
	}
	p.Items, err = loadItems(ctx, s.pool, folio)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Store) LineItem(ctx context.Context, id uuid.UUID) (*prescription.LineItem, error) {
	var folio int64
	err := s.pool.QueryRow(ctx, `SELECT folio FROM line_items WHERE id = $1`, id).Scan(&folio)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: line item %s", prescription.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("query line item: %w", err)
	}
	items, err := loadItems(ctx, s.pool, folio)
	if err != nil {
		return nil, err
	}
	for _, it := range items {
		if it.ID == id {
			return it, nil
		}
	}
	return nil, fmt.Errorf("%w: line item %s", prescription.ErrNotFound, id)
}

func (s *Store) StockRecord(ctx context.Context, medicationKey string) (*stock.Record, error) {
	rec := &stock.Record{}
	err := s.pool.QueryRow(ctx, `
		SELECT medication_key, current_stock, reserved_stock, last_movement_at, updated_at
		FROM stock_records WHERE medication_key = $1`, medicationKey).
		Scan(&rec.MedicationKey, &rec.CurrentStock, &rec.ReservedStock, &rec.LastMovementAt, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: medication %s", stock.ErrNotFound, medicationKey)
	}
	if err != nil {
		return nil, fmt.Errorf("query stock record: %w", err)
	}
	return rec, nil
}

func (s *Store) ListPrescriptions(ctx context.Context, f dispense.ListFilter) ([]*prescription.Prescription, error) {
	query := `SELECT ` + prescriptionColumns + ` FROM prescriptions`
	var args []any
	var where []string
	if f.State != nil {
		args = append(args, *f.State)
		where = append(where, fmt.Sprintf("state = $%d", len(args)))
	}
	if f.Type != nil {
		args = append(args, *f.Type)
		where = append(where, fmt.Sprintf("type = $%d", len(args)))
	}
	for i, w := range where {
		if i == 0 {
			query += " WHERE " + w
		} else {
			query += " AND " + w
		}
	}
	query += " ORDER BY folio DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list prescriptions: %w", err)
	}
	defer rows.Close()

	var out []*prescription.Prescription
	for rows.Next() {
		p, err := scanPrescription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Listings are summaries; line items are loaded per folio on demand.
	return out, nil
}

func (s *Store) CountByState(ctx context.Context) (map[prescription.State]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT state, COUNT(*) FROM prescriptions GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("count by state: %w", err)
	}
	defer rows.Close()

	counts := make(map[prescription.State]int64)
	for rows.Next() {
		var st prescription.State
		var n int64
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		counts[st] = n
	}
	return counts, rows.Err()
}
