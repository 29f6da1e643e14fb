// Package httpserver contains the HTTP ingress: handlers, middleware and the
// error envelope. It keeps HTTP concerns out of the usecase layer.
package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/fairyhunter13/agent-scheduler/internal/domain"
)

type errorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, _ *http.Request, err error, details interface{}) {
	code := http.StatusInternalServerError
	codeStr := "INTERNAL"
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		code = http.StatusBadRequest
		codeStr = "INVALID_ARGUMENT"
	case errors.Is(err, domain.ErrNotFound):
		code = http.StatusNotFound
		codeStr = "NOT_FOUND"
	case errors.Is(err, domain.ErrConflictingState):
		code = http.StatusConflict
		codeStr = "CONFLICTING_STATE"
	case errors.Is(err, domain.ErrRateLimited):
		code = http.StatusTooManyRequests
		codeStr = "RATE_LIMITED"
	case errors.Is(err, domain.ErrBudgetExceeded):
		code = http.StatusTooManyRequests
		codeStr = "BUDGET_EXCEEDED"
	case errors.Is(err, domain.ErrStorageUnavailable):
		code = http.StatusServiceUnavailable
		codeStr = "STORAGE_UNAVAILABLE"
	case errors.Is(err, domain.ErrQueueUnavailable):
		code = http.StatusServiceUnavailable
		codeStr = "QUEUE_UNAVAILABLE"
	case errors.Is(err, domain.ErrCancelled):
		code = http.StatusConflict
		codeStr = "CANCELLED"
	}
	writeJSON(w, code, errorEnvelope{Error: apiError{Code: codeStr, Message: err.Error(), Details: details}})
}
