// Package common provides shared HTTP utility functions for API handlers.
package common

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/stacklok/content-mirror/internal/logger"
	"github.com/stacklok/content-mirror/internal/store"
)

// ErrorResponse is the body of every error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// WriteJSONResponse writes a JSON response with the given data
func WriteJSONResponse(w http.ResponseWriter, data any, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Warn("Failed to encode response", "error", err)
	}
}

// WriteErrorResponse writes a standardized error response
func WriteErrorResponse(w http.ResponseWriter, message string, statusCode int) {
	WriteJSONResponse(w, ErrorResponse{Error: message}, statusCode)
}

// WriteStoreError maps a read failure to a status code. Missing entries are
// 404, backend outages 503 and anything else 500.
func WriteStoreError(w http.ResponseWriter, err error) {
	var backendErr *store.BackendError
	switch {
	case errors.Is(err, store.ErrNotFound):
		WriteErrorResponse(w, err.Error(), http.StatusNotFound)
	case errors.As(err, &backendErr):
		logger.Warn("Content backend unavailable", "backend", backendErr.Backend, "op", backendErr.Op, "error", backendErr.Err)
		w.Header().Set("Retry-After", "1")
		WriteErrorResponse(w, "content backend unavailable", http.StatusServiceUnavailable)
	default:
		logger.Error("Read failed", "error", err)
		WriteErrorResponse(w, "internal error", http.StatusInternalServerError)
	}
}
