package prescription

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)

func newTestPrescription(t *testing.T, items ...NewItem) *Prescription {
	t.Helper()
	if len(items) == 0 {
		items = []NewItem{{MedicationKey: "paracetamol-500", PrescribedQty: 100}}
	}
	p, err := New("patient-1", TypePharmacy, PriorityMedium, "dr-1", items, testNow)
	require.NoError(t, err)
	p.Folio = 42
	for _, it := range p.Items {
		it.Folio = p.Folio
	}
	return p
}

func TestNewPrescription(t *testing.T) {
	p := newTestPrescription(t)

	assert.Equal(t, StatePending, p.State)
	assert.Equal(t, "dr-1", p.PrescribedBy)
	require.Len(t, p.Items, 1)
	assert.Equal(t, 100, p.Items[0].PrescribedQty)
	assert.NotEqual(t, p.Items[0].ID.String(), "00000000-0000-0000-0000-000000000000")
}

func TestNewPrescriptionValidation(t *testing.T) {
	cases := []struct {
		name      string
		patientID string
		typ       Type
		items     []NewItem
	}{
		{"missing patient", "", TypePharmacy, []NewItem{{MedicationKey: "a", PrescribedQty: 1}}},
		{"unknown type", "p1", Type("HOMEOPATHY"), []NewItem{{MedicationKey: "a", PrescribedQty: 1}}},
		{"no items", "p1", TypePharmacy, nil},
		{"zero quantity item", "p1", TypePharmacy, []NewItem{{MedicationKey: "a", PrescribedQty: 0}}},
		{"negative quantity item", "p1", TypePharmacy, []NewItem{{MedicationKey: "a", PrescribedQty: -5}}},
		{"missing medication key", "p1", TypePharmacy, []NewItem{{MedicationKey: "", PrescribedQty: 1}}},
		{"duplicate medication", "p1", TypePharmacy, []NewItem{
			{MedicationKey: "a", PrescribedQty: 1},
			{MedicationKey: "a", PrescribedQty: 2},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(tc.patientID, tc.typ, PriorityMedium, "dr-1", tc.items, testNow)
			assert.ErrorIs(t, err, ErrInvalidArgument)
		})
	}
}

func TestNewPrescriptionDefaultsPriority(t *testing.T) {
	p, err := New("p1", TypePharmacy, "", "dr-1",
		[]NewItem{{MedicationKey: "a", PrescribedQty: 1}}, testNow)
	require.NoError(t, err)
	assert.Equal(t, PriorityMedium, p.Priority)
}

func TestValidateTransition(t *testing.T) {
	p := newTestPrescription(t)

	require.NoError(t, p.Validate("pharm-1", testNow))
	assert.Equal(t, StateValidated, p.State)
	assert.Equal(t, "pharm-1", p.ValidatedBy)
	require.NotNil(t, p.ValidatedAt)

	// Re-validation is rejected and the original validator stands.
	err := p.Validate("pharm-2", testNow.Add(time.Hour))
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, "pharm-1", p.ValidatedBy)
}

func TestCancelFromPendingAndValidated(t *testing.T) {
	p := newTestPrescription(t)
	require.NoError(t, p.Cancel(testNow))
	assert.Equal(t, StateCancelled, p.State)

	p2 := newTestPrescription(t)
	require.NoError(t, p2.Validate("pharm-1", testNow))
	require.NoError(t, p2.Cancel(testNow))
	assert.Equal(t, StateCancelled, p2.State)
}

func TestCancelRejectedOnceDispensing(t *testing.T) {
	p := newTestPrescription(t)
	require.NoError(t, p.Validate("pharm-1", testNow))

	b, err := NewBatch(p.Items[0].ID, "LOT-1", testNow.AddDate(1, 0, 0), 60, "rx-1", "", testNow)
	require.NoError(t, err)
	require.NoError(t, p.Items[0].AddBatch(b))
	require.NoError(t, p.RecomputeFulfillment(testNow))
	require.Equal(t, StatePartiallyFilled, p.State)

	err = p.Cancel(testNow)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	var ite *InvalidTransitionError
	require.ErrorAs(t, err, &ite)
	assert.Equal(t, StatePartiallyFilled, ite.From)
}

func TestRecomputeFulfillment(t *testing.T) {
	p := newTestPrescription(t,
		NewItem{MedicationKey: "a", PrescribedQty: 100},
		NewItem{MedicationKey: "b", PrescribedQty: 10},
	)
	require.NoError(t, p.Validate("pharm-1", testNow))

	addBatch := func(item *LineItem, qty int, at time.Time) {
		t.Helper()
		b, err := NewBatch(item.ID, "LOT", at.AddDate(1, 0, 0), qty, "rx-1", "", at)
		require.NoError(t, err)
		require.NoError(t, item.AddBatch(b))
		require.NoError(t, p.RecomputeFulfillment(at))
	}

	t1 := testNow.Add(time.Minute)
	addBatch(p.Items[0], 100, t1)
	assert.Equal(t, StatePartiallyFilled, p.State, "one complete item of two is a partial fill")
	require.NotNil(t, p.PartialFillAt)
	assert.True(t, p.PartialFillAt.Equal(t1))

	// Repeat recompute neither changes state nor re-stamps.
	require.NoError(t, p.RecomputeFulfillment(testNow.Add(2*time.Minute)))
	assert.Equal(t, StatePartiallyFilled, p.State)
	assert.True(t, p.PartialFillAt.Equal(t1))

	t2 := testNow.Add(3 * time.Minute)
	addBatch(p.Items[1], 10, t2)
	assert.Equal(t, StateFilled, p.State)
	require.NotNil(t, p.FilledAt)
	assert.True(t, p.FilledAt.Equal(t2))
}

func TestRecomputeOnTerminalIsRejected(t *testing.T) {
	p := newTestPrescription(t)
	require.NoError(t, p.Cancel(testNow))
	assert.ErrorIs(t, p.RecomputeFulfillment(testNow), ErrInvalidTransition)
}

func TestCanDispense(t *testing.T) {
	p := newTestPrescription(t)
	assert.False(t, p.CanDispense(), "pending prescriptions must not dispense")

	require.NoError(t, p.Validate("pharm-1", testNow))
	assert.True(t, p.CanDispense())

	b, err := NewBatch(p.Items[0].ID, "LOT-1", testNow.AddDate(1, 0, 0), 40, "rx-1", "", testNow)
	require.NoError(t, err)
	require.NoError(t, p.Items[0].AddBatch(b))
	require.NoError(t, p.RecomputeFulfillment(testNow))
	assert.True(t, p.CanDispense(), "partially filled keeps accepting batches")

	b2, err := NewBatch(p.Items[0].ID, "LOT-2", testNow.AddDate(1, 0, 0), 60, "rx-1", "", testNow)
	require.NoError(t, err)
	require.NoError(t, p.Items[0].AddBatch(b2))
	require.NoError(t, p.RecomputeFulfillment(testNow))
	assert.Equal(t, StateFilled, p.State)
	assert.False(t, p.CanDispense())
}

func TestItemLookup(t *testing.T) {
	p := newTestPrescription(t)

	got, err := p.Item(p.Items[0].ID)
	require.NoError(t, err)
	assert.Equal(t, p.Items[0], got)

	_, err = p.Item([16]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrNotFound)
}
