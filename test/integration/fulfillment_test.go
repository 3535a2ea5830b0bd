package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hospimed/go-dispense/internal/api/handlers"
	"github.com/hospimed/go-dispense/internal/api/middleware"
	"github.com/hospimed/go-dispense/internal/authz"
	"github.com/hospimed/go-dispense/internal/dispense"
	"github.com/hospimed/go-dispense/internal/infrastructure/memstore"
)

const (
	physicianKey  = "test-physician-key"
	servicesKey   = "test-services-key"
	pharmacistKey = "test-pharmacy-key"
)

// newTestServer wires the same router as the API binary, backed by the
// in-memory store so the full HTTP surface runs without Postgres.
func newTestServer(t *testing.T) (*httptest.Server, *memstore.Store) {
	t.Helper()
	logger := zap.NewNop()

	store := memstore.New()
	store.SeedStock("amoxicillin-500", 200, 0)
	svc := dispense.New(store, authz.NewRoleGate(), logger)

	actors := map[string]authz.Actor{
		physicianKey:  {ID: "dr-1", Role: authz.RolePhysician},
		servicesKey:   {ID: "svc-1", Role: authz.RolePatientServices},
		pharmacistKey: {ID: "rx-1", Role: authz.RolePharmacy},
	}

	fulfillment := handlers.NewFulfillmentHandler(svc, nil, logger)
	inventory := handlers.NewInventoryHandler(svc, logger)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recover(logger))
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.ActorAuth(actors))
		r.Mount("/prescriptions", fulfillment.Routes())
		r.Mount("/stock", inventory.StockRoutes())
		r.Mount("/line-items", inventory.LineItemRoutes())
	})

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, store
}

func doJSON(t *testing.T, srv *httptest.Server, method, path, apiKey string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func createPrescription(t *testing.T, srv *httptest.Server, qty int) (int64, string) {
	t.Helper()
	resp, body := doJSON(t, srv, http.MethodPost, "/api/v1/prescriptions", physicianKey, map[string]any{
		"patient_id": "patient-1",
		"type":       "PHARMACY",
		"priority":   "HIGH",
		"items": []map[string]any{
			{"medication_key": "amoxicillin-500", "description": "Amoxicillin 500mg", "prescribed_qty": qty},
		},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	folio := int64(body["folio"].(float64))
	items := body["items"].([]any)
	require.Len(t, items, 1)
	itemID := items[0].(map[string]any)["id"].(string)
	return folio, itemID
}

func futureExpiry() string {
	return time.Now().AddDate(1, 0, 0).Format("2006-01-02")
}

func TestFulfillmentFlow(t *testing.T) {
	srv, _ := newTestServer(t)

	folio, itemID := createPrescription(t, srv, 100)

	resp, body := doJSON(t, srv, http.MethodPost, fmt.Sprintf("/api/v1/prescriptions/%d/validate", folio), servicesKey, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "VALIDATED", body["state"])

	batchPath := fmt.Sprintf("/api/v1/prescriptions/%d/items/%s/batches", folio, itemID)

	resp, body = doJSON(t, srv, http.MethodPost, batchPath, pharmacistKey, map[string]any{
		"lot": "LOT-77", "expiry": futureExpiry(), "quantity": 60,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "PARTIALLY_FILLED", body["prescription"].(map[string]any)["state"])
	assert.Equal(t, float64(60), body["line_item"].(map[string]any)["dispensed_total"])
	assert.Equal(t, float64(140), body["stock_available"])

	resp, body = doJSON(t, srv, http.MethodPost, batchPath, pharmacistKey, map[string]any{
		"lot": "LOT-78", "expiry": futureExpiry(), "quantity": 40,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "FILLED", body["prescription"].(map[string]any)["state"])
	assert.Equal(t, true, body["line_item"].(map[string]any)["is_complete"])

	resp, body = doJSON(t, srv, http.MethodGet, fmt.Sprintf("/api/v1/prescriptions/%d", folio), pharmacistKey, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "FILLED", body["state"])
	batches := body["items"].([]any)[0].(map[string]any)["batches"].([]any)
	assert.Len(t, batches, 2)

	resp, body = doJSON(t, srv, http.MethodGet, "/api/v1/line-items/"+itemID, pharmacistKey, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(100), body["percent_complete"])

	resp, body = doJSON(t, srv, http.MethodGet, "/api/v1/stock/amoxicillin-500", pharmacistKey, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(100), body["available"])

	resp, body = doJSON(t, srv, http.MethodGet, "/api/v1/prescriptions?state=FILLED", servicesKey, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["count"])
}

func TestAuthRequired(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, _ := doJSON(t, srv, http.MethodGet, "/api/v1/prescriptions", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = doJSON(t, srv, http.MethodGet, "/api/v1/prescriptions", "bogus-key", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestErrorMapping(t *testing.T) {
	srv, _ := newTestServer(t)
	folio, itemID := createPrescription(t, srv, 100)
	batchPath := fmt.Sprintf("/api/v1/prescriptions/%d/items/%s/batches", folio, itemID)

	// Pharmacy staff cannot prescribe.
	resp, body := doJSON(t, srv, http.MethodPost, "/api/v1/prescriptions", pharmacistKey, map[string]any{
		"patient_id": "patient-2",
		"type":       "PHARMACY",
		"items":      []map[string]any{{"medication_key": "amoxicillin-500", "prescribed_qty": 10}},
	})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "PERMISSION_DENIED", body["code"])
	assert.Equal(t, false, body["retryable"])

	// Dispensing a PENDING prescription is an invalid transition.
	resp, body = doJSON(t, srv, http.MethodPost, batchPath, pharmacistKey, map[string]any{
		"lot": "LOT-1", "expiry": futureExpiry(), "quantity": 10,
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "INVALID_TRANSITION", body["code"])

	resp, _ = doJSON(t, srv, http.MethodPost, fmt.Sprintf("/api/v1/prescriptions/%d/validate", folio), servicesKey, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Validating twice conflicts.
	resp, body = doJSON(t, srv, http.MethodPost, fmt.Sprintf("/api/v1/prescriptions/%d/validate", folio), servicesKey, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "INVALID_TRANSITION", body["code"])

	// Over-dispensing is a capacity failure.
	resp, _ = doJSON(t, srv, http.MethodPost, batchPath, pharmacistKey, map[string]any{
		"lot": "LOT-1", "expiry": futureExpiry(), "quantity": 60,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp, body = doJSON(t, srv, http.MethodPost, batchPath, pharmacistKey, map[string]any{
		"lot": "LOT-2", "expiry": futureExpiry(), "quantity": 50,
	})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "CAPACITY_EXCEEDED", body["code"])

	// Expired lots are rejected up front.
	resp, body = doJSON(t, srv, http.MethodPost, batchPath, pharmacistKey, map[string]any{
		"lot": "LOT-3", "expiry": "2020-01-01", "quantity": 10,
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "EXPIRED_LOT", body["code"])

	// Unknown folio.
	resp, body = doJSON(t, srv, http.MethodGet, "/api/v1/prescriptions/99999", servicesKey, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NOT_FOUND", body["code"])

	resp, body = doJSON(t, srv, http.MethodGet, "/api/v1/stock/no-such-med", pharmacistKey, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NOT_FOUND", body["code"])
}

func TestInsufficientStockOverHTTP(t *testing.T) {
	srv, store := newTestServer(t)
	store.SeedStock("amoxicillin-500", 20, 0)

	folio, itemID := createPrescription(t, srv, 100)
	resp, _ := doJSON(t, srv, http.MethodPost, fmt.Sprintf("/api/v1/prescriptions/%d/validate", folio), servicesKey, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := doJSON(t, srv, http.MethodPost,
		fmt.Sprintf("/api/v1/prescriptions/%d/items/%s/batches", folio, itemID), pharmacistKey,
		map[string]any{"lot": "LOT-1", "expiry": futureExpiry(), "quantity": 30})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "INSUFFICIENT_STOCK", body["code"])
	assert.Equal(t, false, body["retryable"])

	got, err := store.StockRecord(context.Background(), "amoxicillin-500")
	require.NoError(t, err)
	assert.Equal(t, 20, got.Available())
}
