// Package http serves the fee ledger's JSON query API.
//
// This file holds the response builder and the mapping from domain errors to
// HTTP status codes.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"feeledger/internal/core"
	"feeledger/internal/log"
	"feeledger/internal/middleware/trace"
)

// JSONResponseBuilder provides a fluent API for building JSON responses.
type JSONResponseBuilder struct {
	statusCode int
	headers    map[string]string
	body       any
}

// NewJSONResponse creates a builder with a default 200 status.
func NewJSONResponse() *JSONResponseBuilder {
	return &JSONResponseBuilder{
		statusCode: http.StatusOK,
		headers:    make(map[string]string),
	}
}

func (b *JSONResponseBuilder) Status(code int) *JSONResponseBuilder {
	b.statusCode = code
	return b
}

func (b *JSONResponseBuilder) Header(name, value string) *JSONResponseBuilder {
	b.headers[name] = value
	return b
}

// JSON sets the value encoded as the response body.
func (b *JSONResponseBuilder) JSON(v any) *JSONResponseBuilder {
	b.body = v
	return b
}

// Write sends the response. An unencodable body becomes a 500.
func (b *JSONResponseBuilder) Write(w http.ResponseWriter) {
	var buf bytes.Buffer
	if b.body != nil {
		if err := json.NewEncoder(&buf).Encode(b.body); err != nil {
			slog.Error("Failed to encode response body", "error", err)
			buf.Reset()
			buf.WriteString(`{"error":"internal error"}` + "\n")
			b.statusCode = http.StatusInternalServerError
		}
	}
	for name, value := range b.headers {
		w.Header().Set(name, value)
	}
	if buf.Len() > 0 {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
	}
	w.WriteHeader(b.statusCode)
	if buf.Len() > 0 {
		_, _ = w.Write(buf.Bytes())
	}
}

type errorBody struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// ErrorResponse creates an error response carrying the request id.
func ErrorResponse(ctx context.Context, statusCode int, message string) *JSONResponseBuilder {
	return NewJSONResponse().
		Status(statusCode).
		JSON(errorBody{Error: message, RequestID: trace.GetRequestID(ctx)})
}

func BadRequestError(ctx context.Context, message string) *JSONResponseBuilder {
	return ErrorResponse(ctx, http.StatusBadRequest, message)
}

// StatusForError maps domain errors to HTTP status codes.
func StatusForError(err error) int {
	switch {
	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrConstraintViolation),
		errors.Is(err, core.ErrReconcileInProgress),
		errors.Is(err, core.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, core.ErrInvalidPeriod),
		errors.Is(err, core.ErrInvalidAmount),
		errors.Is(err, core.ErrInvalidMethod),
		errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// writeError logs err and writes it with its mapped status. Internal errors
// are not echoed to the client.
func writeError(ctx context.Context, w http.ResponseWriter, err error) {
	code := StatusForError(err)
	msg := err.Error()
	if code >= http.StatusInternalServerError {
		log.FromContext(ctx).ErrorContext(ctx, "Request failed", log.FieldError, err, log.FieldStatusCode, code)
		msg = http.StatusText(code)
	}
	ErrorResponse(ctx, code, msg).Write(w)
}
