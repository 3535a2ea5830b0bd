package dispense_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hospimed/go-dispense/internal/authz"
	"github.com/hospimed/go-dispense/internal/dispense"
	"github.com/hospimed/go-dispense/internal/domain/prescription"
	"github.com/hospimed/go-dispense/internal/domain/stock"
	"github.com/hospimed/go-dispense/internal/infrastructure/memstore"
)

var (
	testNow = time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)

	physician  = authz.Actor{ID: "dr-1", Role: authz.RolePhysician}
	services   = authz.Actor{ID: "svc-1", Role: authz.RolePatientServices}
	pharmacist = authz.Actor{ID: "rx-1", Role: authz.RolePharmacy}
	compounder = authz.Actor{ID: "cmi-1", Role: authz.RoleCompounding}
)

type fixture struct {
	store *memstore.Store
	svc   *dispense.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memstore.New()
	store.SeedStock("paracetamol-500", 500, 0)
	svc := dispense.New(store, authz.NewRoleGate(), zap.NewNop())
	svc.SetClock(func() time.Time { return testNow })
	return &fixture{store: store, svc: svc}
}

func (f *fixture) createValidated(t *testing.T, qty int) *prescription.Prescription {
	t.Helper()
	ctx := context.Background()
	p, err := f.svc.Create(ctx, dispense.CreateRequest{
		PatientID: "patient-1",
		Type:      prescription.TypePharmacy,
		Priority:  prescription.PriorityHigh,
		Items:     []prescription.NewItem{{MedicationKey: "paracetamol-500", PrescribedQty: qty}},
		Actor:     physician,
	})
	require.NoError(t, err)
	p, err = f.svc.Validate(ctx, p.Folio, services)
	require.NoError(t, err)
	return p
}

func (f *fixture) dispense(t *testing.T, p *prescription.Prescription, qty int) (*dispense.DispenseResult, error) {
	t.Helper()
	return f.svc.Dispense(context.Background(), dispense.DispenseRequest{
		Folio:      p.Folio,
		LineItemID: p.Items[0].ID,
		Lot:        "LOT-A",
		Expiry:     testNow.AddDate(1, 0, 0),
		Quantity:   qty,
		Actor:      pharmacist,
	})
}

func eventTypes(store *memstore.Store) []prescription.EventType {
	var types []prescription.EventType
	for _, ev := range store.Events() {
		types = append(types, ev.EventType)
	}
	return types
}

func TestCreate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p, err := f.svc.Create(ctx, dispense.CreateRequest{
		PatientID: "patient-1",
		Type:      prescription.TypePharmacy,
		Items:     []prescription.NewItem{{MedicationKey: "paracetamol-500", PrescribedQty: 100}},
		Actor:     physician,
	})
	require.NoError(t, err)
	assert.Equal(t, prescription.StatePending, p.State)
	assert.Positive(t, p.Folio)
	assert.Equal(t, []prescription.EventType{prescription.EventPrescriptionCreated}, eventTypes(f.store))

	_, err = f.svc.Create(ctx, dispense.CreateRequest{
		PatientID: "patient-1",
		Type:      prescription.TypePharmacy,
		Items:     []prescription.NewItem{{MedicationKey: "paracetamol-500", PrescribedQty: 100}},
		Actor:     pharmacist,
	})
	assert.ErrorIs(t, err, prescription.ErrPermissionDenied, "pharmacy staff do not prescribe")

	_, err = f.svc.Create(ctx, dispense.CreateRequest{
		PatientID: "patient-1",
		Type:      prescription.TypePharmacy,
		Items:     []prescription.NewItem{{MedicationKey: "x", PrescribedQty: 0}},
		Actor:     physician,
	})
	assert.ErrorIs(t, err, prescription.ErrInvalidArgument)
}

func TestValidate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p, err := f.svc.Create(ctx, dispense.CreateRequest{
		PatientID: "patient-1",
		Type:      prescription.TypePharmacy,
		Items:     []prescription.NewItem{{MedicationKey: "paracetamol-500", PrescribedQty: 100}},
		Actor:     physician,
	})
	require.NoError(t, err)

	// Capability is checked on a PENDING prescription.
	_, err = f.svc.Validate(ctx, p.Folio, pharmacist)
	assert.ErrorIs(t, err, prescription.ErrPermissionDenied)

	p, err = f.svc.Validate(ctx, p.Folio, services)
	require.NoError(t, err)
	assert.Equal(t, prescription.StateValidated, p.State)
	assert.Equal(t, services.ID, p.ValidatedBy)

	// State is checked before capability on a non-PENDING one.
	_, err = f.svc.Validate(ctx, p.Folio, pharmacist)
	assert.ErrorIs(t, err, prescription.ErrInvalidTransition)

	_, err = f.svc.Validate(ctx, 9999, services)
	assert.ErrorIs(t, err, prescription.ErrNotFound)
}

func TestDispenseProgression(t *testing.T) {
	// Scenario A: 60 then 40 against a prescribed quantity of 100.
	f := newFixture(t)
	p := f.createValidated(t, 100)

	res, err := f.dispense(t, p, 60)
	require.NoError(t, err)
	assert.Equal(t, 60, res.LineItem.DispensedTotal())
	assert.Equal(t, 40, res.LineItem.Remaining())
	assert.Equal(t, prescription.StatePartiallyFilled, res.Prescription.State)
	assert.Equal(t, 440, res.StockAvailable)

	res, err = f.dispense(t, p, 40)
	require.NoError(t, err)
	assert.Equal(t, 100, res.LineItem.DispensedTotal())
	assert.True(t, res.LineItem.IsComplete())
	assert.Equal(t, prescription.StateFilled, res.Prescription.State)
	assert.Equal(t, 400, res.StockAvailable)

	assert.Equal(t, []prescription.EventType{
		prescription.EventPrescriptionCreated,
		prescription.EventPrescriptionValidated,
		prescription.EventBatchDispensed,
		prescription.EventPrescriptionPartiallyFilled,
		prescription.EventBatchDispensed,
		prescription.EventPrescriptionFilled,
	}, eventTypes(f.store))

	// Terminal: nothing further dispenses.
	_, err = f.dispense(t, p, 1)
	assert.ErrorIs(t, err, prescription.ErrInvalidTransition)
}

func TestDispenseCapacityExceeded(t *testing.T) {
	// Scenario B: 60 dispensed, 50 more must be rejected untouched.
	f := newFixture(t)
	p := f.createValidated(t, 100)

	_, err := f.dispense(t, p, 60)
	require.NoError(t, err)

	_, err = f.dispense(t, p, 50)
	assert.ErrorIs(t, err, prescription.ErrCapacityExceeded)

	status, err := f.svc.ItemStatus(context.Background(), p.Items[0].ID)
	require.NoError(t, err)
	assert.Equal(t, 60, status.DispensedTotal)

	rec, err := f.svc.Stock(context.Background(), "paracetamol-500")
	require.NoError(t, err)
	assert.Equal(t, 440, rec.Available(), "rejected dispense must not touch stock")
}

func TestDispenseRequiresDispensableState(t *testing.T) {
	// Scenario D: PENDING prescriptions accept no batches.
	f := newFixture(t)
	ctx := context.Background()

	p, err := f.svc.Create(ctx, dispense.CreateRequest{
		PatientID: "patient-1",
		Type:      prescription.TypePharmacy,
		Items:     []prescription.NewItem{{MedicationKey: "paracetamol-500", PrescribedQty: 100}},
		Actor:     physician,
	})
	require.NoError(t, err)

	_, err = f.dispense(t, p, 10)
	assert.ErrorIs(t, err, prescription.ErrInvalidTransition)

	rec, err := f.svc.Stock(ctx, "paracetamol-500")
	require.NoError(t, err)
	assert.Equal(t, 500, rec.Available())

	got, err := f.svc.Get(ctx, p.Folio)
	require.NoError(t, err)
	assert.Empty(t, got.Items[0].Batches)
}

func TestDispensePreconditions(t *testing.T) {
	f := newFixture(t)
	p := f.createValidated(t, 100)
	ctx := context.Background()

	req := func() dispense.DispenseRequest {
		return dispense.DispenseRequest{
			Folio:      p.Folio,
			LineItemID: p.Items[0].ID,
			Lot:        "LOT-A",
			Expiry:     testNow.AddDate(1, 0, 0),
			Quantity:   10,
			Actor:      pharmacist,
		}
	}

	r := req()
	r.Quantity = 0
	_, err := f.svc.Dispense(ctx, r)
	assert.ErrorIs(t, err, prescription.ErrInvalidArgument)

	r = req()
	r.Expiry = testNow.AddDate(0, 0, -1)
	_, err = f.svc.Dispense(ctx, r)
	assert.ErrorIs(t, err, prescription.ErrExpiredLot)

	r = req()
	r.Actor = compounder
	_, err = f.svc.Dispense(ctx, r)
	assert.ErrorIs(t, err, prescription.ErrPermissionDenied,
		"compounding staff cannot dispense pharmacy prescriptions")

	r = req()
	r.LineItemID = uuid.New()
	_, err = f.svc.Dispense(ctx, r)
	assert.ErrorIs(t, err, prescription.ErrNotFound)
}

func TestDispenseInsufficientStock(t *testing.T) {
	f := newFixture(t)
	f.store.SeedStock("paracetamol-500", 30, 0)
	p := f.createValidated(t, 100)

	_, err := f.dispense(t, p, 40)
	assert.ErrorIs(t, err, stock.ErrInsufficientStock)

	// Nothing committed: state, ledger and stock untouched.
	got, err := f.svc.Get(context.Background(), p.Folio)
	require.NoError(t, err)
	assert.Equal(t, prescription.StateValidated, got.State)
	assert.Empty(t, got.Items[0].Batches)

	rec, err := f.svc.Stock(context.Background(), "paracetamol-500")
	require.NoError(t, err)
	assert.Equal(t, 30, rec.Available())

	// Partial fills down to exactly zero stock are fine.
	_, err = f.dispense(t, p, 30)
	require.NoError(t, err)
	rec, err = f.svc.Stock(context.Background(), "paracetamol-500")
	require.NoError(t, err)
	assert.Equal(t, 0, rec.Available())
}

func TestDispenseUnknownMedication(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p, err := f.svc.Create(ctx, dispense.CreateRequest{
		PatientID: "patient-1",
		Type:      prescription.TypePharmacy,
		Items:     []prescription.NewItem{{MedicationKey: "unstocked-med", PrescribedQty: 10}},
		Actor:     physician,
	})
	require.NoError(t, err)
	_, err = f.svc.Validate(ctx, p.Folio, services)
	require.NoError(t, err)

	_, err = f.dispense(t, p, 5)
	assert.ErrorIs(t, err, stock.ErrNotFound)
}

func TestConcurrentDispense(t *testing.T) {
	// Scenario E: two concurrent 60s against a prescribed quantity of
	// 100. Exactly one lands; the other fails with CapacityExceeded or
	// Conflict, never both succeeding.
	f := newFixture(t)
	p := f.createValidated(t, 100)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.dispense(t, p, 60)
		}(i)
	}
	wg.Wait()

	var successes, rejections int
	for _, err := range errs {
		if err == nil {
			successes++
			continue
		}
		rejections++
		require.True(t,
			errors.Is(err, prescription.ErrCapacityExceeded) || errors.Is(err, prescription.ErrConflict),
			"unexpected rejection: %v", err)
	}
	assert.Equal(t, 1, successes)
	assert.Equal(t, 1, rejections)

	status, err := f.svc.ItemStatus(context.Background(), p.Items[0].ID)
	require.NoError(t, err)
	assert.Equal(t, 60, status.DispensedTotal)

	rec, err := f.svc.Stock(context.Background(), "paracetamol-500")
	require.NoError(t, err)
	assert.Equal(t, 440, rec.Available())
}

func TestCancel(t *testing.T) {
	// Scenario F: cancel a VALIDATED prescription, then dispensing fails.
	f := newFixture(t)
	p := f.createValidated(t, 100)
	ctx := context.Background()

	_, err := f.svc.Cancel(ctx, p.Folio, pharmacist)
	assert.ErrorIs(t, err, prescription.ErrPermissionDenied)

	got, err := f.svc.Cancel(ctx, p.Folio, services)
	require.NoError(t, err)
	assert.Equal(t, prescription.StateCancelled, got.State)

	_, err = f.dispense(t, p, 10)
	assert.ErrorIs(t, err, prescription.ErrInvalidTransition)

	// Cancellation never restores stock.
	rec, err := f.svc.Stock(ctx, "paracetamol-500")
	require.NoError(t, err)
	assert.Equal(t, 500, rec.Available())

	_, err = f.svc.Cancel(ctx, p.Folio, services)
	assert.ErrorIs(t, err, prescription.ErrInvalidTransition)
}

func TestListAndStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.createValidated(t, 100)
	p2 := f.createValidated(t, 50)
	_, err := f.svc.Cancel(ctx, p2.Folio, services)
	require.NoError(t, err)

	all, err := f.svc.List(ctx, dispense.ListFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Greater(t, all[0].Folio, all[1].Folio, "newest first")

	st := prescription.StateValidated
	validated, err := f.svc.List(ctx, dispense.ListFilter{State: &st})
	require.NoError(t, err)
	require.Len(t, validated, 1)

	counts, err := f.svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[prescription.StateValidated])
	assert.Equal(t, int64(1), counts[prescription.StateCancelled])
}
