package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/hospimed/go-dispense/internal/api/middleware"
	"github.com/hospimed/go-dispense/internal/authz"
	"github.com/hospimed/go-dispense/internal/dispense"
	"github.com/hospimed/go-dispense/internal/domain/prescription"
	"github.com/hospimed/go-dispense/pkg/idempotency"
)

// IdempotencyProcessor wraps a handler with exactly-once semantics. The
// pg-backed inbox satisfies it; nil disables the guarantee.
type IdempotencyProcessor interface {
	Process(ctx context.Context, key, handlerName string, payload json.RawMessage, fn idempotency.ProcessFunc) (*idempotency.ProcessResult, error)
}

// FulfillmentHandler serves the prescription fulfillment endpoints.
type FulfillmentHandler struct {
	svc    *dispense.Service
	inbox  IdempotencyProcessor
	logger *zap.Logger
}

// NewFulfillmentHandler creates the handler. inbox may be nil, in which
// case dispense requests are not deduplicated.
func NewFulfillmentHandler(svc *dispense.Service, inbox IdempotencyProcessor, logger *zap.Logger) *FulfillmentHandler {
	return &FulfillmentHandler{svc: svc, inbox: inbox, logger: logger}
}

// Routes returns the handler routes
func (h *FulfillmentHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Create)
	r.Get("/", h.List)
	r.Get("/{folio}", h.Get)
	r.Post("/{folio}/validate", h.Validate)
	r.Post("/{folio}/cancel", h.Cancel)
	r.Post("/{folio}/items/{item}/batches", h.Dispense)
	return r
}

func actorFrom(w http.ResponseWriter, r *http.Request) (authz.Actor, bool) {
	actor, ok := middleware.GetActor(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "no authenticated actor", Code: "PERMISSION_DENIED"})
	}
	return actor, ok
}

func folioParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	folio, err := strconv.ParseInt(chi.URLParam(r, "folio"), 10, 64)
	if err != nil || folio <= 0 {
		badRequest(w, "invalid folio")
		return 0, false
	}
	return folio, true
}

// CreateItemRequest is one line item in a create request body.
type CreateItemRequest struct {
	MedicationKey string `json:"medication_key"`
	Description   string `json:"description"`
	Dose          string `json:"dose"`
	PrescribedQty int    `json:"prescribed_qty"`
}

// CreateRequest is the request body for creating a prescription.
type CreateRequest struct {
	PatientID string              `json:"patient_id"`
	Type      string              `json:"type"`
	Priority  string              `json:"priority"`
	Service   string              `json:"service"`
	Diagnosis string              `json:"diagnosis"`
	Items     []CreateItemRequest `json:"items"`
}

// Create handles POST /prescriptions
func (h *FulfillmentHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tracer := otel.Tracer("fulfillment-handler")
	ctx, span := tracer.Start(ctx, "create_prescription")
	defer span.End()

	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}

	var req CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}

	items := make([]prescription.NewItem, 0, len(req.Items))
	for _, it := range req.Items {
		items = append(items, prescription.NewItem{
			MedicationKey: it.MedicationKey,
			Description:   it.Description,
			Dose:          it.Dose,
			PrescribedQty: it.PrescribedQty,
		})
	}

	p, err := h.svc.Create(ctx, dispense.CreateRequest{
		PatientID: req.PatientID,
		Type:      prescription.Type(req.Type),
		Priority:  prescription.Priority(req.Priority),
		Service:   req.Service,
		Diagnosis: req.Diagnosis,
		Items:     items,
		Actor:     actor,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	span.SetAttributes(attribute.Int64("folio", p.Folio))
	h.logger.Info("prescription created via api",
		zap.Int64("folio", p.Folio),
		zap.String("request_id", middleware.GetRequestID(ctx)))
	writeJSON(w, http.StatusCreated, viewPrescription(p))
}

// Get handles GET /prescriptions/{folio}
func (h *FulfillmentHandler) Get(w http.ResponseWriter, r *http.Request) {
	folio, ok := folioParam(w, r)
	if !ok {
		return
	}
	p, err := h.svc.Get(r.Context(), folio)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewPrescription(p))
}

// Validate handles POST /prescriptions/{folio}/validate
func (h *FulfillmentHandler) Validate(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	folio, ok := folioParam(w, r)
	if !ok {
		return
	}
	p, err := h.svc.Validate(r.Context(), folio, actor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewPrescription(p))
}

// Cancel handles POST /prescriptions/{folio}/cancel
func (h *FulfillmentHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	folio, ok := folioParam(w, r)
	if !ok {
		return
	}
	p, err := h.svc.Cancel(r.Context(), folio, actor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewPrescription(p))
}

// DispenseBody is the request body for dispensing a batch.
type DispenseBody struct {
	Lot      string `json:"lot"`
	Expiry   string `json:"expiry"` // YYYY-MM-DD
	Quantity int    `json:"quantity"`
	Note     string `json:"note"`
}

// Dispense handles POST /prescriptions/{folio}/items/{item}/batches.
// With an X-Idempotency-Key header the request is routed through the
// inbox, so retries replay the stored result instead of dispensing again.
func (h *FulfillmentHandler) Dispense(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tracer := otel.Tracer("fulfillment-handler")
	ctx, span := tracer.Start(ctx, "dispense_batch")
	defer span.End()

	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	folio, ok := folioParam(w, r)
	if !ok {
		return
	}
	itemID, err := uuid.Parse(chi.URLParam(r, "item"))
	if err != nil {
		badRequest(w, "invalid line item id")
		return
	}

	var body DispenseBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	expiry, err := time.Parse("2006-01-02", body.Expiry)
	if err != nil {
		badRequest(w, "invalid expiry date, want YYYY-MM-DD")
		return
	}

	req := dispense.DispenseRequest{
		Folio:      folio,
		LineItemID: itemID,
		Lot:        body.Lot,
		Expiry:     expiry,
		Quantity:   body.Quantity,
		Note:       body.Note,
		Actor:      actor,
	}
	span.SetAttributes(
		attribute.Int64("folio", folio),
		attribute.String("line_item_id", itemID.String()),
	)

	key := r.Header.Get("X-Idempotency-Key")
	if key == "" || h.inbox == nil {
		res, err := h.svc.Dispense(ctx, req)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, viewDispense(res))
		return
	}

	payload, _ := json.Marshal(body)
	outcome, err := h.inbox.Process(ctx, key, "dispense_batch", payload,
		func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
			res, err := h.svc.Dispense(ctx, req)
			if err != nil {
				return nil, err
			}
			return json.Marshal(viewDispense(res))
		})
	if err != nil {
		writeError(w, err)
		return
	}

	status := http.StatusCreated
	if !outcome.IsNew {
		status = http.StatusOK
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(outcome.Result)
}

// List handles GET /prescriptions with optional state, type and limit
// query parameters.
func (h *FulfillmentHandler) List(w http.ResponseWriter, r *http.Request) {
	var f dispense.ListFilter
	if s := r.URL.Query().Get("state"); s != "" {
		st := prescription.State(s)
		f.State = &st
	}
	if t := r.URL.Query().Get("type"); t != "" {
		typ := prescription.Type(t)
		if !typ.Valid() {
			badRequest(w, "unknown prescription type")
			return
		}
		f.Type = &typ
	}
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n <= 0 {
			badRequest(w, "invalid limit")
			return
		}
		f.Limit = n
	}

	list, err := h.svc.List(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]prescriptionView, 0, len(list))
	for _, p := range list {
		views = append(views, viewPrescription(p))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"prescriptions": views,
		"count":         len(views),
	})
}

// Stats handles GET /stats
func (h *FulfillmentHandler) Stats(w http.ResponseWriter, r *http.Request) {
	counts, err := h.svc.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	byState := make(map[string]int64, len(counts))
	var total int64
	for state, n := range counts {
		byState[string(state)] = n
		total += n
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total":    total,
		"by_state": byState,
	})
}
