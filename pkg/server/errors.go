package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/agenr-ai/agenr/pkg/adapter"
	"github.com/agenr-ai/agenr/pkg/business"
	"github.com/agenr-ai/agenr/pkg/gateway"
	"github.com/agenr-ai/agenr/pkg/log"
	"github.com/agenr-ai/agenr/pkg/manifest"
	"github.com/agenr-ai/agenr/pkg/registry"
	"github.com/agenr-ai/agenr/pkg/vault"
)

// Error codes surfaced in the response envelope.
const (
	CodeValidation       = "VALIDATION_ERROR"
	CodeUnauthorized     = "UNAUTHORIZED"
	CodeForbidden        = "FORBIDDEN"
	CodeNotFound         = "NOT_FOUND"
	CodeBusinessNotFound = "BUSINESS_NOT_FOUND"
	CodeAdapterNotFound  = "ADAPTER_NOT_FOUND"
	CodeAdapterError     = "ADAPTER_ERROR"
	CodeAdapterTimeout   = "ADAPTER_TIMEOUT"
	CodeConflict         = "CONFLICT"
	CodeRateLimited      = "RATE_LIMITED"
	CodeInternal         = "INTERNAL_ERROR"
)

type errorEnvelope struct {
	Error     string `json:"error"`
	Message   string `json:"message,omitempty"`
	Code      string `json:"code"`
	RequestID string `json:"requestId"`
	Details   any    `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, errorEnvelope{
		Error:     http.StatusText(status),
		Message:   message,
		Code:      code,
		RequestID: middleware.GetReqID(r.Context()),
	})
}

// writeTaxonomyError maps a service-layer error onto the HTTP taxonomy.
// 5xx messages are sanitized: internals stay in the log, not the response.
func writeTaxonomyError(w http.ResponseWriter, r *http.Request, err error) {
	var timeoutErr *gateway.TimeoutError
	var opErr *gateway.OperationError

	switch {
	case errors.Is(err, gateway.ErrBusinessNotFound):
		writeError(w, r, http.StatusBadRequest, CodeBusinessNotFound, err.Error())
	case errors.Is(err, registry.ErrAdapterNotFound):
		writeError(w, r, http.StatusBadRequest, CodeAdapterNotFound, err.Error())
	case errors.Is(err, gateway.ErrConfirmationRequired):
		writeError(w, r, http.StatusForbidden, CodeForbidden, err.Error())
	case errors.Is(err, registry.ErrConflict):
		writeError(w, r, http.StatusConflict, CodeConflict, err.Error())
	case errors.Is(err, registry.ErrInvalidTransition), errors.Is(err, registry.ErrNotRestorable):
		writeError(w, r, http.StatusBadRequest, CodeValidation, err.Error())
	case errors.Is(err, business.ErrNotFound):
		writeError(w, r, http.StatusNotFound, CodeNotFound, err.Error())
	case errors.Is(err, vault.ErrCredentialNotFound):
		writeError(w, r, http.StatusNotFound, CodeNotFound, err.Error())
	case errors.Is(err, manifest.ErrInvalid):
		writeError(w, r, http.StatusBadRequest, CodeValidation, err.Error())
	case errors.As(err, &timeoutErr):
		writeError(w, r, http.StatusGatewayTimeout, CodeAdapterTimeout, timeoutErr.Error())
	case errors.As(err, &opErr):
		writeError(w, r, http.StatusBadGateway, CodeAdapterError, opErr.Error())
	case errors.Is(err, adapter.ErrDomainNotAllowed), errors.Is(err, adapter.ErrCredentialMissingField):
		writeError(w, r, http.StatusBadGateway, CodeAdapterError, err.Error())
	default:
		log.Logf("internal error [%s]: %v", middleware.GetReqID(r.Context()), err)
		writeError(w, r, http.StatusInternalServerError, CodeInternal, "internal error")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(dst); err != nil {
		writeError(w, r, http.StatusBadRequest, CodeValidation, "invalid request body: "+err.Error())
		return false
	}
	return true
}
