package server

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
)

// Client-facing error codes.
const (
	CodeValidationFailed    = "VALIDATION_FAILED"
	CodeUpstreamUnavailable = "UPSTREAM_UNAVAILABLE"
	CodeUpstreamRateLimited = "UPSTREAM_RATE_LIMITED"
	CodeConnectionLimit     = "SSE_CONNECTION_LIMIT"
	CodeDataNotReady        = "DATA_NOT_READY"
)

type errorBody struct {
	Code          string `json:"code"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlationId"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError emits the error envelope and returns the correlation id so the
// caller can log the server-side detail against it. Internal error text
// never reaches the client.
func writeError(w http.ResponseWriter, status int, code, message string) string {
	id := uuid.NewString()
	writeJSON(w, status, errorEnvelope{Error: errorBody{
		Code:          code,
		Message:       message,
		CorrelationID: id,
	}})
	return id
}
