// Package apperr defines the error taxonomy shared by the Castwave services.
//
// Every user-visible failure carries a [Kind] that maps to an HTTP status
// class and a stable machine-readable code string. Errors are created with
// [New] or by wrapping an underlying cause with [Wrap]; callers inspect them
// with [KindOf] and [errors.As].
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error into one of the failure categories understood by
// the HTTP layer and the pipeline orchestrator.
type Kind string

const (
	// KindValidation covers invalid URLs, unsupported formats, oversize or
	// overlong inputs, and inputs without an audio stream. Never retried.
	KindValidation Kind = "VALIDATION"

	// KindFetch covers failures downloading the source media.
	KindFetch Kind = "FETCH"

	// KindPreparation covers chunking and normalization subprocess failures.
	KindPreparation Kind = "PREPARATION"

	// KindTranscription covers chunk-level worker errors, pool-submit
	// timeouts, and model failures.
	KindTranscription Kind = "TRANSCRIPTION"

	// KindStorage covers local disk and job store failures.
	KindStorage Kind = "STORAGE"

	// KindTimeout covers long-poll expiry, stage poll-budget exhaustion, and
	// submit deadlines.
	KindTimeout Kind = "TIMEOUT"

	// KindCircuitOpen indicates an upstream circuit breaker rejected the call.
	KindCircuitOpen Kind = "CIRCUIT_OPEN"
)

// HTTPStatus returns the HTTP status code this kind surfaces as.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindFetch:
		return http.StatusBadGateway
	case KindPreparation, KindTranscription, KindStorage:
		return http.StatusInternalServerError
	case KindTimeout:
		return http.StatusRequestTimeout
	case KindCircuitOpen:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Error is a classified application error. Code is a stable sub-code within
// the Kind (e.g. "PREP_EXTRACT_FAILED"); Message is human-readable.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Details map[string]any
	err     error
}

// New creates an [Error] with the given kind, code, and message.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Newf creates an [Error] with a formatted message.
func Newf(kind Kind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an [Error] whose cause is err. The cause is reachable through
// [errors.Unwrap] so sentinel checks keep working across layers.
func Wrap(kind Kind, code string, err error) *Error {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &Error{Kind: kind, Code: code, Message: msg, err: err}
}

// WithDetail attaches a key-value detail pair and returns the same error for
// chaining.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

func (e *Error) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.err }

// KindOf returns the [Kind] of err if it is (or wraps) an [Error], or the
// empty Kind otherwise.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return ""
}

// CodeOf returns the sub-code of err if it is (or wraps) an [Error].
func CodeOf(err error) string {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
