package prescription

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testItem(prescribedQty int) *LineItem {
	return &LineItem{
		ID:            uuid.New(),
		Folio:         42,
		MedicationKey: "paracetamol-500",
		PrescribedQty: prescribedQty,
		CreatedAt:     testNow,
	}
}

func mustBatch(t *testing.T, item *LineItem, qty int) *Batch {
	t.Helper()
	b, err := NewBatch(item.ID, "LOT-1", testNow.AddDate(1, 0, 0), qty, "rx-1", "", testNow)
	require.NoError(t, err)
	return b
}

func TestNewBatchValidation(t *testing.T) {
	itemID := uuid.New()
	future := testNow.AddDate(0, 1, 0)

	_, err := NewBatch(itemID, "LOT-1", future, 0, "rx-1", "", testNow)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = NewBatch(itemID, "LOT-1", future, -3, "rx-1", "", testNow)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = NewBatch(itemID, "", future, 5, "rx-1", "", testNow)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = NewBatch(itemID, "LOT-1", testNow.AddDate(0, 0, -1), 5, "rx-1", "", testNow)
	assert.ErrorIs(t, err, ErrExpiredLot)

	// Same calendar day is acceptable even if the clock time is earlier.
	sameDay := time.Date(testNow.Year(), testNow.Month(), testNow.Day(), 0, 0, 0, 0, time.UTC)
	_, err = NewBatch(itemID, "LOT-1", sameDay, 5, "rx-1", "", testNow)
	assert.NoError(t, err)
}

func TestDispensedTotalSumsBatches(t *testing.T) {
	item := testItem(100)
	require.NoError(t, item.AddBatch(mustBatch(t, item, 60)))

	// Scenario A, first half.
	assert.Equal(t, 60, item.DispensedTotal())
	assert.Equal(t, 40, item.Remaining())
	assert.Equal(t, 60, item.PercentComplete())
	assert.False(t, item.IsComplete())

	require.NoError(t, item.AddBatch(mustBatch(t, item, 40)))
	assert.Equal(t, 100, item.DispensedTotal())
	assert.Equal(t, 0, item.Remaining())
	assert.Equal(t, 100, item.PercentComplete())
	assert.True(t, item.IsComplete())
}

func TestDispensedTotalLegacyScalar(t *testing.T) {
	// Pre-ledger rows carry a scalar and no batches.
	item := testItem(100)
	item.LegacyDispensedQty = 70
	assert.Equal(t, 70, item.DispensedTotal())
	assert.Equal(t, 30, item.Remaining())

	// Once the batch sum passes the scalar, the ledger wins.
	require.NoError(t, item.AddBatch(mustBatch(t, item, 80)))
	assert.Equal(t, 80, item.DispensedTotal())
}

func TestAddBatchCapacity(t *testing.T) {
	item := testItem(100)
	require.NoError(t, item.AddBatch(mustBatch(t, item, 60)))

	// Scenario B: 50 more would exceed 100.
	err := item.AddBatch(mustBatch(t, item, 50))
	assert.ErrorIs(t, err, ErrCapacityExceeded)
	assert.Equal(t, 60, item.DispensedTotal(), "failed batch must not change the total")

	var ce *CapacityExceededError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 100, ce.Prescribed)
	assert.Equal(t, 60, ce.Dispensed)
	assert.Equal(t, 50, ce.Requested)

	// Exact fit is allowed.
	require.NoError(t, item.AddBatch(mustBatch(t, item, 40)))
	assert.True(t, item.IsComplete())
	assert.False(t, item.CanAccept(1))
}

func TestPercentCompleteBounds(t *testing.T) {
	item := testItem(100)
	item.LegacyDispensedQty = 250 // corrupt historical row
	assert.Equal(t, 100, item.PercentComplete())
	assert.Equal(t, 0, item.Remaining())

	zero := testItem(0)
	assert.Equal(t, 0, zero.PercentComplete())
}
