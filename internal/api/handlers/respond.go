// Package handlers provides HTTP handlers for the pharmacy API.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/hospimed/go-dispense/internal/domain/prescription"
	"github.com/hospimed/go-dispense/internal/domain/stock"
)

// errorBody is the wire shape of every error response. Retryable is true
// only for lock contention conflicts; everything else needs a changed
// request.
type errorBody struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Retryable bool   `json:"retryable"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status, code := classify(err)
	writeJSON(w, status, errorBody{
		Error:     err.Error(),
		Code:      code,
		Retryable: prescription.Retryable(err),
	})
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, prescription.ErrInvalidArgument):
		return http.StatusBadRequest, "INVALID_ARGUMENT"
	case errors.Is(err, prescription.ErrExpiredLot):
		return http.StatusBadRequest, "EXPIRED_LOT"
	case errors.Is(err, prescription.ErrPermissionDenied):
		return http.StatusForbidden, "PERMISSION_DENIED"
	case errors.Is(err, prescription.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, stock.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, prescription.ErrInvalidTransition):
		return http.StatusConflict, "INVALID_TRANSITION"
	case errors.Is(err, prescription.ErrConflict):
		return http.StatusConflict, "CONFLICT"
	case errors.Is(err, prescription.ErrCapacityExceeded):
		return http.StatusUnprocessableEntity, "CAPACITY_EXCEEDED"
	case errors.Is(err, stock.ErrInsufficientStock):
		return http.StatusUnprocessableEntity, "INSUFFICIENT_STOCK"
	default:
		return http.StatusInternalServerError, "INTERNAL"
	}
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: msg, Code: "INVALID_ARGUMENT"})
}
