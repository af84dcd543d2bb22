// Package httpserver contains HTTP handlers and middleware.
//
// It provides the REST API for the device farm: host and device
// registration, task dispatch and inspection, and viewing-job control.
// The package keeps HTTP concerns separate from business logic.
package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/doai/devicefarm/internal/domain"
)

// errorBody is the wire shape for every API error. Detail is the
// human-readable message; Code is a stable machine token.
type errorBody struct {
	Detail string `json:"detail"`
	Code   string `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, _ *http.Request, err error) {
	status := http.StatusInternalServerError
	code := "INTERNAL"
	detail := err.Error()
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		status = http.StatusBadRequest
		code = "INVALID_ARGUMENT"
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
		code = "NOT_FOUND"
	case errors.Is(err, domain.ErrConflict):
		status = http.StatusConflict
		code = "CONFLICT"
	case errors.Is(err, domain.ErrPoolExhausted):
		status = http.StatusServiceUnavailable
		code = "POOL_EXHAUSTED"
	case errors.Is(err, domain.ErrUnavailable):
		status = http.StatusServiceUnavailable
		code = "UNAVAILABLE"
	default:
		// Internal failure details stay in the logs.
		detail = "internal error"
	}
	writeJSON(w, status, errorBody{Detail: detail, Code: code})
}
