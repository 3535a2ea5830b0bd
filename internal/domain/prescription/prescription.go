package prescription

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type distinguishes which dispensing area a prescription is routed to.
type Type string

const (
	TypePharmacy    Type = "PHARMACY"
	TypeCompounding Type = "COMPOUNDING"
)

// Valid reports whether t is a known prescription type.
func (t Type) Valid() bool {
	return t == TypePharmacy || t == TypeCompounding
}

// State is the fulfillment state of a prescription.
//
// PENDING → VALIDATED → {PARTIALLY_FILLED ↔ FILLED}, with CANCELLED
// reachable from PENDING or VALIDATED only. FILLED and CANCELLED are
// terminal.
type State string

const (
	StatePending         State = "PENDING"
	StateValidated       State = "VALIDATED"
	StatePartiallyFilled State = "PARTIALLY_FILLED"
	StateFilled          State = "FILLED"
	StateCancelled       State = "CANCELLED"
)

// Terminal reports whether no further transitions are allowed.
func (s State) Terminal() bool {
	return s == StateFilled || s == StateCancelled
}

// Priority of a prescription, set at creation by the prescriber.
type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityMedium Priority = "MEDIUM"
	PriorityHigh   Priority = "HIGH"
	PriorityUrgent Priority = "URGENT"
)

// Prescription is the aggregate root. State is derived from dispensing
// progress across the line items; it is never set directly except for
// the explicit CANCELLED override.
type Prescription struct {
	Folio        int64
	PatientID    string
	Type         Type
	State        State
	Priority     Priority
	Service      string // requesting hospital service, e.g. oncology
	Diagnosis    string
	Instructions string
	Observations string
	ExpiresAt    *time.Time

	PrescribedBy string
	ValidatedBy  string
	DispensedBy  string

	CreatedAt     time.Time
	ValidatedAt   *time.Time
	PartialFillAt *time.Time
	FilledAt      *time.Time
	UpdatedAt     time.Time

	Items []*LineItem
}

// NewItem describes one medication entry at prescription creation.
type NewItem struct {
	MedicationKey string
	Description   string
	Dose          string
	PrescribedQty int
}

// New builds a prescription in PENDING with its line items. The folio is
// assigned by the store on insert. Prescribed quantities are immutable
// from this point on.
func New(patientID string, typ Type, priority Priority, prescribedBy string, items []NewItem, now time.Time) (*Prescription, error) {
	if patientID == "" {
		return nil, fmt.Errorf("%w: patient id is required", ErrInvalidArgument)
	}
	if !typ.Valid() {
		return nil, fmt.Errorf("%w: unknown prescription type %q", ErrInvalidArgument, typ)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: prescription needs at least one line item", ErrInvalidArgument)
	}
	if priority == "" {
		priority = PriorityMedium
	}

	p := &Prescription{
		PatientID:    patientID,
		Type:         typ,
		State:        StatePending,
		Priority:     priority,
		PrescribedBy: prescribedBy,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	seen := make(map[string]bool, len(items))
	for _, it := range items {
		if it.MedicationKey == "" {
			return nil, fmt.Errorf("%w: line item medication key is required", ErrInvalidArgument)
		}
		if it.PrescribedQty <= 0 {
			return nil, fmt.Errorf("%w: prescribed quantity must be positive for %s", ErrInvalidArgument, it.MedicationKey)
		}
		if seen[it.MedicationKey] {
			return nil, fmt.Errorf("%w: duplicate medication %s", ErrInvalidArgument, it.MedicationKey)
		}
		seen[it.MedicationKey] = true

		p.Items = append(p.Items, &LineItem{
			ID:            uuid.New(),
			MedicationKey: it.MedicationKey,
			Description:   it.Description,
			Dose:          it.Dose,
			PrescribedQty: it.PrescribedQty,
			CreatedAt:     now,
		})
	}

	return p, nil
}

// Item returns the line item with the given id.
func (p *Prescription) Item(id uuid.UUID) (*LineItem, error) {
	for _, it := range p.Items {
		if it.ID == id {
			return it, nil
		}
	}
	return nil, fmt.Errorf("%w: line item %s on folio %d", ErrNotFound, id, p.Folio)
}

// Validate moves the prescription from PENDING to VALIDATED, stamping the
// validator once. Re-validation is rejected, never overwritten.
func (p *Prescription) Validate(validatorID string, now time.Time) error {
	if p.State != StatePending {
		return &InvalidTransitionError{Folio: p.Folio, From: p.State, Op: "validate"}
	}
	p.State = StateValidated
	p.ValidatedBy = validatorID
	t := now
	p.ValidatedAt = &t
	p.UpdatedAt = now
	return nil
}

// Cancel moves the prescription to CANCELLED. Allowed from PENDING or
// VALIDATED only. Already-dispensed batches stand; stock is not restored.
func (p *Prescription) Cancel(now time.Time) error {
	if p.State != StatePending && p.State != StateValidated {
		return &InvalidTransitionError{Folio: p.Folio, From: p.State, Op: "cancel"}
	}
	p.State = StateCancelled
	p.UpdatedAt = now
	return nil
}

// CanDispense reports whether batches may be added.
func (p *Prescription) CanDispense() bool {
	return p.State == StateValidated || p.State == StatePartiallyFilled
}

// RecomputeFulfillment derives the prescription state from the completion
// status of all line items. Called after every committed batch. Idempotent:
// repeated calls on unchanged items neither change state nor re-stamp the
// partial-fill or fill timestamps.
//
// Dispensing against a terminal prescription is a hard error, so calling
// this on a FILLED or CANCELLED prescription is rejected.
func (p *Prescription) RecomputeFulfillment(now time.Time) error {
	if p.State.Terminal() {
		return &InvalidTransitionError{Folio: p.Folio, From: p.State, Op: "recompute fulfillment"}
	}

	allComplete := len(p.Items) > 0
	anyDispensed := false
	for _, it := range p.Items {
		if !it.IsComplete() {
			allComplete = false
		}
		if it.DispensedTotal() > 0 {
			anyDispensed = true
		}
	}

	switch {
	case allComplete:
		p.State = StateFilled
		if p.FilledAt == nil {
			t := now
			p.FilledAt = &t
		}
		p.UpdatedAt = now
	case anyDispensed && p.State != StatePartiallyFilled:
		p.State = StatePartiallyFilled
		if p.PartialFillAt == nil {
			t := now
			p.PartialFillAt = &t
		}
		p.UpdatedAt = now
	}
	return nil
}
