// Package httpx holds the JSON envelopes shared by every handler.
package httpx

import (
	"context"
	"encoding/json"
	"maps"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/hanko-field/checkout/internal/platform/requestctx"
)

// Error is the canonical error envelope:
// {"error","message","status","request_id","trace_id", ...details}.
type Error struct {
	Code      string
	Message   string
	Status    int
	RequestID string
	TraceID   string
	Details   map[string]any
}

func NewError(code, message string, status int) Error {
	if status == 0 {
		status = http.StatusInternalServerError
	}
	return Error{
		Code:    sanitize(code, 80),
		Message: sanitize(message, 512),
		Status:  status,
	}
}

// WithDetails merges extra top-level fields into the payload.
func (e Error) WithDetails(details map[string]any) Error {
	if len(details) == 0 {
		return e
	}
	merged := maps.Clone(e.Details)
	if merged == nil {
		merged = make(map[string]any, len(details))
	}
	maps.Copy(merged, details)
	e.Details = merged
	return e
}

// WriteError writes err as JSON, filling request and trace ids from ctx.
func WriteError(ctx context.Context, w http.ResponseWriter, err Error) {
	status := err.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}
	payload := make(map[string]any, len(err.Details)+5)
	maps.Copy(payload, err.Details)
	payload["error"] = err.Code
	payload["message"] = err.Message
	payload["status"] = status

	requestID := err.RequestID
	if requestID == "" {
		requestID = middleware.GetReqID(ctx)
	}
	if requestID = sanitize(requestID, 80); requestID != "" {
		payload["request_id"] = requestID
	}
	traceID := err.TraceID
	if traceID == "" {
		traceID = requestctx.TraceID(ctx)
	}
	if traceID = sanitize(traceID, 64); traceID != "" {
		payload["trace_id"] = traceID
	}

	WriteJSON(w, status, payload)
}

// WriteJSON encodes payload with the given status.
func WriteJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func sanitize(value string, limit int) string {
	value = strings.TrimSpace(strings.NewReplacer("\n", " ", "\r", " ").Replace(value))
	if len(value) > limit {
		value = value[:limit]
	}
	return value
}
