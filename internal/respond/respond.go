// Package respond writes the uniform API response envelope.
//
// Every response, success or failure, carries the request correlation id so a
// single call can be traced end to end through logs and clients.
package respond

import (
	"encoding/json"
	"net/http"
)

// Error codes shared by the pipeline gates and handlers.
const (
	CodeUnauthorized          = "UNAUTHORIZED"
	CodeForbidden             = "FORBIDDEN"
	CodeCORSDenied            = "CORS_DENIED"
	CodeUnsupportedMediaType  = "UNSUPPORTED_MEDIA_TYPE"
	CodeInvalidJSON           = "INVALID_JSON"
	CodeValidationError       = "VALIDATION_ERROR"
	CodeMissingIdempotencyKey = "MISSING_IDEMPOTENCY_KEY"
	CodeInvalidIdempotencyKey = "INVALID_IDEMPOTENCY_KEY"
	CodeIdempotencyMismatch   = "IDEMPOTENCY_KEY_REUSE_MISMATCH"
	CodeRateLimited           = "RATE_LIMITED"
	CodeNotFound              = "NOT_FOUND"
	CodeInternalError         = "INTERNAL_ERROR"
)

// HeaderCorrelationID is set on every response.
const HeaderCorrelationID = "X-Correlation-Id"

// ErrorBody is the error member of a failure envelope.
type ErrorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details"`
}

type successEnvelope struct {
	CorrelationID string `json:"correlation_id"`
	Success       bool   `json:"success"`
	Data          any    `json:"data"`
	Meta          any    `json:"meta,omitempty"`
}

type failureEnvelope struct {
	CorrelationID string    `json:"correlation_id"`
	Success       bool      `json:"success"`
	Error         ErrorBody `json:"error"`
}

// OK writes a success envelope.
func OK(w http.ResponseWriter, correlationID string, status int, data any, meta any) {
	if data == nil {
		data = struct{}{}
	}
	writeJSON(w, correlationID, status, successEnvelope{
		CorrelationID: correlationID,
		Success:       true,
		Data:          data,
		Meta:          meta,
	})
}

// Error writes a failure envelope.
func Error(w http.ResponseWriter, correlationID string, status int, code, message string, details map[string]any) {
	if details == nil {
		details = map[string]any{}
	}
	writeJSON(w, correlationID, status, failureEnvelope{
		CorrelationID: correlationID,
		Success:       false,
		Error: ErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	})
}

// Raw replays a previously stored response body verbatim.
func Raw(w http.ResponseWriter, correlationID string, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if correlationID != "" {
		w.Header().Set(HeaderCorrelationID, correlationID)
	}
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func writeJSON(w http.ResponseWriter, correlationID string, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if correlationID != "" {
		w.Header().Set(HeaderCorrelationID, correlationID)
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
