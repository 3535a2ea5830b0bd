package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hospimed/go-dispense/internal/dispense"
)

// InventoryHandler serves stock and line-item status lookups.
type InventoryHandler struct {
	svc    *dispense.Service
	logger *zap.Logger
}

// NewInventoryHandler creates the handler.
func NewInventoryHandler(svc *dispense.Service, logger *zap.Logger) *InventoryHandler {
	return &InventoryHandler{svc: svc, logger: logger}
}

// StockRoutes returns routes for /stock.
func (h *InventoryHandler) StockRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/{medication}", h.GetStock)
	return r
}

// LineItemRoutes returns routes for /line-items.
func (h *InventoryHandler) LineItemRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/{item}", h.GetLineItem)
	return r
}

// GetStock handles GET /stock/{medication}
func (h *InventoryHandler) GetStock(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "medication")
	rec, err := h.svc.Stock(r.Context(), key)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewStock(rec))
}

// GetLineItem handles GET /line-items/{item}, returning the reconciled
// dispensing status of one line item.
func (h *InventoryHandler) GetLineItem(w http.ResponseWriter, r *http.Request) {
	itemID, err := uuid.Parse(chi.URLParam(r, "item"))
	if err != nil {
		badRequest(w, "invalid line item id")
		return
	}
	status, err := h.svc.ItemStatus(r.Context(), itemID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewLineItem(status.LineItem))
}
