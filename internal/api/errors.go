package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nerrad567/baas-console/internal/identity"
	"github.com/nerrad567/baas-console/internal/pipeline"
	"github.com/nerrad567/baas-console/internal/resource"
	"github.com/nerrad567/baas-console/internal/storage"
)

// Error represents a structured error response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Hint    string `json:"hint,omitempty"`
}

// Common error codes.
const (
	ErrCodeBadRequest     = "bad_request"
	ErrCodeNotFound       = "not_found"
	ErrCodeUnauthorized   = "unauthorised"
	ErrCodeReauthenticate = "reauthenticate"
	ErrCodeBackend        = "backend_error"
	ErrCodeInternal       = "internal_error"
	ErrCodeValidation     = "validation_error"
	ErrCodeRateLimited    = "rate_limited"
	ErrCodeTooLarge       = "payload_too_large"
)

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

// writeError writes a structured error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{
		Status:  status,
		Code:    code,
		Message: message,
	})
}

// writeBadRequest writes a 400 error response.
func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// writeValidationError writes a 400 response for a DTO that failed validation.
func writeValidationError(w http.ResponseWriter, err error) {
	writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
}

// writeNotFound writes a 404 error response.
func writeNotFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, ErrCodeNotFound, message)
}

// writeUnauthorized writes a 401 error response.
func writeUnauthorized(w http.ResponseWriter, message string) {
	writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

// writeInternalError writes a 500 error response.
func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

// writeServiceError maps an error from the backend clients onto a response.
//
//   - credential expired or invalid: 401 "reauthenticate"
//   - any other backend failure: 502 with the backend's message and hint
//   - not found: 404, bad arguments: 400
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var se *pipeline.StatusError
	errors.As(err, &se)

	switch {
	case errors.Is(err, pipeline.ErrCredentialExpiredOrInvalid):
		writeError(w, http.StatusUnauthorized, ErrCodeReauthenticate, "session expired or invalid, sign in again")
	case errors.Is(err, identity.ErrNoSession):
		writeUnauthorized(w, "not signed in")
	case errors.Is(err, resource.ErrNotFound):
		writeNotFound(w, "record not found")
	case errors.Is(err, resource.ErrInvalidArgument), errors.Is(err, storage.ErrInvalidName):
		writeBadRequest(w, err.Error())
	case errors.Is(err, pipeline.ErrRequestFailed):
		s.logger.Warn("backend request failed", "path", r.URL.Path, "error", err)
		e := Error{Status: http.StatusBadGateway, Code: ErrCodeBackend, Message: "backend request failed"}
		if se != nil {
			if se.Message != "" {
				e.Message = se.Message
			}
			e.Hint = se.Hint
		}
		writeJSON(w, http.StatusBadGateway, e)
	default:
		s.logger.Error("request failed", "path", r.URL.Path, "error", err)
		writeInternalError(w, "internal server error")
	}
}
