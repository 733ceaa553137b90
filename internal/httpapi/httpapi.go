// Package httpapi is the HTTP surface of the service: router, handlers,
// middleware, and the error envelope they share.
package httpapi

import (
	"encoding/json"
	"net/http"
)

// Error codes carried in the envelope's "error" field.
const (
	CodeValidation        = "VALIDATION_ERROR"
	CodeInvalidParameter  = "INVALID_PARAMETER"
	CodeUnauthorized      = "UNAUTHORIZED"
	CodeOverpass          = "OVERPASS_ERROR"
	CodeWebhookProcessing = "WEBHOOK_PROCESSING_ERROR"
	CodeInternal          = "INTERNAL_ERROR"
)

// ErrorBody is the envelope every non-2xx JSON answer uses.
type ErrorBody struct {
	Error       string            `json:"error"`
	Message     string            `json:"message"`
	FieldErrors map[string]string `json:"fieldErrors,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorBody{Error: code, Message: message})
}

func writeFieldErrors(w http.ResponseWriter, status int, code, message string, fields map[string]string) {
	writeJSON(w, status, ErrorBody{Error: code, Message: message, FieldErrors: fields})
}
