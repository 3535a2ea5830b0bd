// Package dispense orchestrates prescription fulfillment: validation,
// cancellation, and the atomic batch-dispense path that drains the stock
// ledger while the prescription state machine advances.
package dispense

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/hospimed/go-dispense/internal/authz"
	"github.com/hospimed/go-dispense/internal/domain/prescription"
	"github.com/hospimed/go-dispense/internal/domain/stock"
	"github.com/hospimed/go-dispense/internal/observability/metrics"
)

// Service is the fulfillment core's entry point. All writes go through
// Store.WithinTx; authorization goes through the external gate.
type Service struct {
	store   Store
	gate    authz.Gate
	logger  *zap.Logger
	tracer  trace.Tracer
	metrics *metrics.Metrics
	now     func() time.Time
}

// New creates the fulfillment service.
func New(store Store, gate authz.Gate, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:  store,
		gate:   gate,
		logger: logger,
		tracer: otel.Tracer("dispense"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the service time source. Tests use it to pin
// expiry comparisons and fulfillment timestamps.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// SetMetrics attaches Prometheus counters. Nil metrics are a no-op, so
// the relay and tests can run the service without a registry.
func (s *Service) SetMetrics(m *metrics.Metrics) { s.metrics = m }

// CreateRequest describes a new prescription.
type CreateRequest struct {
	PatientID string
	Type      prescription.Type
	Priority  prescription.Priority
	Service   string
	Diagnosis string
	Items     []prescription.NewItem
	Actor     authz.Actor
}

// Create persists a prescription in PENDING with its line items.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*prescription.Prescription, error) {
	ctx, span := s.tracer.Start(ctx, "create_prescription")
	defer span.End()

	if !s.gate.CanPrescribe(req.Actor) {
		return nil, fmt.Errorf("%w: actor %s cannot prescribe", prescription.ErrPermissionDenied, req.Actor.ID)
	}

	now := s.now()
	p, err := prescription.New(req.PatientID, req.Type, req.Priority, req.Actor.ID, req.Items, now)
	if err != nil {
		return nil, err
	}
	p.Service = req.Service
	p.Diagnosis = req.Diagnosis

	err = s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		if err := tx.InsertPrescription(ctx, p); err != nil {
			return err
		}
		ev, err := prescription.NewEvent(p.Folio, prescription.EventPrescriptionCreated, req.Actor.ID, prescription.CreatedData{
			Folio:     p.Folio,
			PatientID: p.PatientID,
			Type:      p.Type,
			Priority:  p.Priority,
			ItemCount: len(p.Items),
		})
		if err != nil {
			return err
		}
		return tx.AppendEvent(ctx, ev)
	})
	if err != nil {
		return nil, err
	}

	span.SetAttributes(attribute.Int64("folio", p.Folio))
	if s.metrics != nil {
		s.metrics.PrescriptionsCreated.Inc()
	}
	s.logger.Info("prescription created",
		zap.Int64("folio", p.Folio),
		zap.String("type", string(p.Type)),
		zap.Int("items", len(p.Items)))
	return p, nil
}

// Validate moves a PENDING prescription to VALIDATED.
func (s *Service) Validate(ctx context.Context, folio int64, actor authz.Actor) (*prescription.Prescription, error) {
	ctx, span := s.tracer.Start(ctx, "validate_prescription",
		trace.WithAttributes(attribute.Int64("folio", folio)))
	defer span.End()

	var p *prescription.Prescription
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		p, err = tx.PrescriptionForUpdate(ctx, folio)
		if err != nil {
			return err
		}
		if p.State != prescription.StatePending {
			return &prescription.InvalidTransitionError{Folio: folio, From: p.State, Op: "validate"}
		}
		if !s.gate.CanValidate(actor) {
			return fmt.Errorf("%w: actor %s cannot validate", prescription.ErrPermissionDenied, actor.ID)
		}
		now := s.now()
		if err := p.Validate(actor.ID, now); err != nil {
			return err
		}
		if err := tx.SavePrescription(ctx, p); err != nil {
			return err
		}
		ev, err := prescription.NewEvent(folio, prescription.EventPrescriptionValidated, actor.ID, prescription.ValidatedData{
			Folio:       folio,
			ValidatedBy: actor.ID,
			ValidatedAt: now,
		})
		if err != nil {
			return err
		}
		return tx.AppendEvent(ctx, ev)
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.PrescriptionsValidated.Inc()
	}
	s.logger.Info("prescription validated", zap.Int64("folio", folio), zap.String("validated_by", actor.ID))
	return p, nil
}

// Cancel moves a PENDING or VALIDATED prescription to CANCELLED.
// Already-dispensed batches stand; no stock is restored.
func (s *Service) Cancel(ctx context.Context, folio int64, actor authz.Actor) (*prescription.Prescription, error) {
	ctx, span := s.tracer.Start(ctx, "cancel_prescription",
		trace.WithAttributes(attribute.Int64("folio", folio)))
	defer span.End()

	var p *prescription.Prescription
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		p, err = tx.PrescriptionForUpdate(ctx, folio)
		if err != nil {
			return err
		}
		if p.State != prescription.StatePending && p.State != prescription.StateValidated {
			return &prescription.InvalidTransitionError{Folio: folio, From: p.State, Op: "cancel"}
		}
		if !s.gate.CanCancel(actor) {
			return fmt.Errorf("%w: actor %s cannot cancel", prescription.ErrPermissionDenied, actor.ID)
		}
		fromState := p.State
		if err := p.Cancel(s.now()); err != nil {
			return err
		}
		if err := tx.SavePrescription(ctx, p); err != nil {
			return err
		}
		ev, err := prescription.NewEvent(folio, prescription.EventPrescriptionCancelled, actor.ID, prescription.CancelledData{
			Folio:       folio,
			CancelledBy: actor.ID,
			FromState:   fromState,
		})
		if err != nil {
			return err
		}
		return tx.AppendEvent(ctx, ev)
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.PrescriptionsCancelled.Inc()
	}
	s.logger.Info("prescription cancelled", zap.Int64("folio", folio), zap.String("cancelled_by", actor.ID))
	return p, nil
}

// DispenseRequest describes one batch to dispense against a line item.
type DispenseRequest struct {
	Folio      int64
	LineItemID uuid.UUID
	Lot        string
	Expiry     time.Time
	Quantity   int
	Note       string
	Actor      authz.Actor
}

// DispenseResult is the committed outcome of a dispense.
type DispenseResult struct {
	Batch          *prescription.Batch
	LineItem       *prescription.LineItem
	Prescription   *prescription.Prescription
	StockAvailable int
}

// Dispense adds one batch to a line item, deducts stock, and recomputes
// the prescription state, all in one transaction. Preconditions are
// checked in a fixed order, each with its own failure: quantity, expiry,
// prescription state, actor capability, line-item capacity, stock.
func (s *Service) Dispense(ctx context.Context, req DispenseRequest) (*DispenseResult, error) {
	ctx, span := s.tracer.Start(ctx, "dispense_batch",
		trace.WithAttributes(
			attribute.Int64("folio", req.Folio),
			attribute.String("line_item_id", req.LineItemID.String()),
			attribute.Int("quantity", req.Quantity),
		))
	defer span.End()

	start := time.Now()
	now := s.now()

	// Input checks before touching any row.
	batch, err := prescription.NewBatch(req.LineItemID, req.Lot, req.Expiry, req.Quantity, req.Actor.ID, req.Note, now)
	if err != nil {
		s.countDispenseFailure(err)
		return nil, err
	}

	var res DispenseResult
	err = s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		p, err := tx.PrescriptionForUpdate(ctx, req.Folio)
		if err != nil {
			return err
		}
		item, err := p.Item(req.LineItemID)
		if err != nil {
			return err
		}
		if !p.CanDispense() {
			return &prescription.InvalidTransitionError{Folio: p.Folio, From: p.State, Op: "dispense"}
		}
		if !s.gate.CanDispense(req.Actor, p.Type) {
			return fmt.Errorf("%w: actor %s cannot dispense %s prescriptions",
				prescription.ErrPermissionDenied, req.Actor.ID, p.Type)
		}
		if !item.CanAccept(req.Quantity) {
			return &prescription.CapacityExceededError{
				LineItemID: item.ID,
				Prescribed: item.PrescribedQty,
				Dispensed:  item.DispensedTotal(),
				Requested:  req.Quantity,
			}
		}

		rec, err := tx.StockForUpdate(ctx, item.MedicationKey)
		if err != nil {
			return err
		}
		if err := rec.Deduct(req.Quantity, now); err != nil {
			return err
		}

		if err := item.AddBatch(batch); err != nil {
			return err
		}
		wasFilled := p.State == prescription.StateFilled
		if err := p.RecomputeFulfillment(now); err != nil {
			return err
		}
		p.DispensedBy = req.Actor.ID
		p.UpdatedAt = now

		if err := tx.InsertBatch(ctx, batch); err != nil {
			return err
		}
		if err := tx.SaveStock(ctx, rec); err != nil {
			return err
		}
		if err := tx.SavePrescription(ctx, p); err != nil {
			return err
		}

		ev, err := prescription.NewEvent(p.Folio, prescription.EventBatchDispensed, req.Actor.ID, prescription.BatchDispensedData{
			Folio:          p.Folio,
			LineItemID:     item.ID,
			MedicationKey:  item.MedicationKey,
			BatchID:        batch.ID,
			Lot:            batch.Lot,
			Quantity:       batch.Quantity,
			DispensedTotal: item.DispensedTotal(),
			Remaining:      item.Remaining(),
			StockAfter:     rec.Available(),
		})
		if err != nil {
			return err
		}
		if err := tx.AppendEvent(ctx, ev); err != nil {
			return err
		}

		if p.State == prescription.StateFilled && !wasFilled {
			sev, err := prescription.NewEvent(p.Folio, prescription.EventPrescriptionFilled, req.Actor.ID, prescription.StateChangedData{Folio: p.Folio, State: p.State})
			if err != nil {
				return err
			}
			if err := tx.AppendEvent(ctx, sev); err != nil {
				return err
			}
		} else if p.State == prescription.StatePartiallyFilled && p.PartialFillAt != nil && p.PartialFillAt.Equal(now) {
			sev, err := prescription.NewEvent(p.Folio, prescription.EventPrescriptionPartiallyFilled, req.Actor.ID, prescription.StateChangedData{Folio: p.Folio, State: p.State})
			if err != nil {
				return err
			}
			if err := tx.AppendEvent(ctx, sev); err != nil {
				return err
			}
		}

		res = DispenseResult{
			Batch:          batch,
			LineItem:       item,
			Prescription:   p,
			StockAvailable: rec.Available(),
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		s.countDispenseFailure(err)
		if stock.IsCorrupt(err) {
			s.logger.Error("stock invariant violated during dispense",
				zap.Int64("folio", req.Folio),
				zap.Error(err))
		}
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.BatchesDispensed.Inc()
		s.metrics.StockDeducted.Add(float64(req.Quantity))
		s.metrics.DispenseDuration.Observe(time.Since(start).Seconds())
		if res.Prescription.State == prescription.StateFilled {
			s.metrics.PrescriptionsFilled.Inc()
		}
	}

	s.logger.Info("batch dispensed",
		zap.Int64("folio", req.Folio),
		zap.String("lot", req.Lot),
		zap.Int("quantity", req.Quantity),
		zap.String("state", string(res.Prescription.State)),
		zap.Int("stock_available", res.StockAvailable))
	return &res, nil
}

// countDispenseFailure buckets a failed dispense by error class so the
// failure counter can distinguish contention from bad requests.
func (s *Service) countDispenseFailure(err error) {
	if s.metrics == nil {
		return
	}
	var code string
	switch {
	case errors.Is(err, prescription.ErrInvalidArgument):
		code = "INVALID_ARGUMENT"
	case errors.Is(err, prescription.ErrExpiredLot):
		code = "EXPIRED_LOT"
	case errors.Is(err, prescription.ErrPermissionDenied):
		code = "PERMISSION_DENIED"
	case errors.Is(err, prescription.ErrInvalidTransition):
		code = "INVALID_TRANSITION"
	case errors.Is(err, prescription.ErrCapacityExceeded):
		code = "CAPACITY_EXCEEDED"
	case errors.Is(err, stock.ErrInsufficientStock):
		code = "INSUFFICIENT_STOCK"
	case errors.Is(err, prescription.ErrNotFound), errors.Is(err, stock.ErrNotFound):
		code = "NOT_FOUND"
	case errors.Is(err, prescription.ErrConflict):
		code = "CONFLICT"
	default:
		code = "INTERNAL"
	}
	s.metrics.DispenseFailures.WithLabelValues(code).Inc()
}

// Get returns a prescription with derived line item status.
func (s *Service) Get(ctx context.Context, folio int64) (*prescription.Prescription, error) {
	return s.store.Prescription(ctx, folio)
}

// LineItemStatus is the derived dispensing status of one line item.
type LineItemStatus struct {
	LineItem        *prescription.LineItem
	DispensedTotal  int
	Remaining       int
	PercentComplete int
	IsComplete      bool
}

// ItemStatus returns the reconciled status of a line item.
func (s *Service) ItemStatus(ctx context.Context, id uuid.UUID) (*LineItemStatus, error) {
	item, err := s.store.LineItem(ctx, id)
	if err != nil {
		return nil, err
	}
	return &LineItemStatus{
		LineItem:        item,
		DispensedTotal:  item.DispensedTotal(),
		Remaining:       item.Remaining(),
		PercentComplete: item.PercentComplete(),
		IsComplete:      item.IsComplete(),
	}, nil
}

// Stock returns the stock record for a medication.
func (s *Service) Stock(ctx context.Context, medicationKey string) (*stock.Record, error) {
	return s.store.StockRecord(ctx, medicationKey)
}

// List returns prescriptions matching the filter, newest first.
func (s *Service) List(ctx context.Context, f ListFilter) ([]*prescription.Prescription, error) {
	return s.store.ListPrescriptions(ctx, f)
}

// Stats returns prescription counts per state.
func (s *Service) Stats(ctx context.Context) (map[prescription.State]int64, error) {
	return s.store.CountByState(ctx)
}
