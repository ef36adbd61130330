// Package httpapi exposes the Castwave HTTP surfaces: the transcribe-stage
// API served by the core service, and the job API served by the pipeline
// orchestrator. Both share the same JSON error schema and per-request id
// plumbing.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/castwave/castwave/internal/apperr"
	"github.com/castwave/castwave/internal/jobstore"
)

type ctxKey int

const requestIDKey ctxKey = iota

// RequestID assigns every request a fresh id, stores it in the context, and
// echoes it in the X-Request-ID response header. Error responses embed the
// same id so a client report can be matched against the logs.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

// RequestIDFrom returns the request id stored by [RequestID], or "".
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// errorResponse is the error schema shared by every Castwave service.
type errorResponse struct {
	Error     string         `json:"error"`
	Message   string         `json:"message"`
	RequestID string         `json:"request_id"`
	Details   map[string]any `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response failed", "err", err)
	}
}

// writeError maps an error onto the shared schema. Classified errors keep
// their code and kind-derived status; everything else becomes a 500 INTERNAL.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	code := "INTERNAL"
	var details map[string]any

	var ae *apperr.Error
	switch {
	case errors.Is(err, jobstore.ErrNotFound):
		status = http.StatusNotFound
		code = "JOB_NOT_FOUND"
	case errors.As(err, &ae):
		status = ae.Kind.HTTPStatus()
		code = ae.Code
		details = ae.Details
	}

	writeJSON(w, status, errorResponse{
		Error:     code,
		Message:   err.Error(),
		RequestID: RequestIDFrom(r.Context()),
		Details:   details,
	})
}

// decodeJSON decodes the request body into v, rejecting unknown fields.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperr.Wrap(apperr.KindValidation, "INVALID_BODY", err)
	}
	return nil
}
