// Package apperr defines the stable error taxonomy surfaced by the core to
// its callers. Internal detail (stack traces, upstream response bodies) is
// logged but never attached to the value returned across the API boundary;
// only a Kind, a human message, and a correlation id cross that line.
package apperr

import (
	"errors"
	"fmt"
)

// Kind is one of the closed set of error tags the core may surface.
type Kind string

const (
	KindValidation           Kind = "ValidationError"
	KindNotFound              Kind = "NotFound"
	KindUpstreamUnauthorized  Kind = "UpstreamUnauthorized"
	KindUpstreamRateLimited   Kind = "UpstreamRateLimited"
	KindUpstreamServerError   Kind = "UpstreamServerError"
	KindUpstreamTimeout       Kind = "UpstreamTimeout"
	KindUpstreamBadRequest    Kind = "UpstreamBadRequest"
	KindCircuitOpen           Kind = "CircuitOpen"
	KindCacheUnavailable      Kind = "CacheUnavailable"
	KindInternal              Kind = "Internal"
)

// Error is the tagged result carried by every fallible core operation.
type Error struct {
	Kind          Kind
	Message       string
	CorrelationID string
	cause         error
}

func (e *Error) Error() string {
	if e.CorrelationID != "" {
		return fmt.Sprintf("%s: %s (correlation_id=%s)", e.Kind, e.Message, e.CorrelationID)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New constructs a tagged error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs a tagged error that wraps an underlying cause for logging,
// without leaking the cause's text into Message unless the caller chooses to.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// WithCorrelationID returns a copy of e carrying the given correlation id.
func (e *Error) WithCorrelationID(id string) *Error {
	cp := *e
	cp.CorrelationID = id
	return &cp
}

// KindOf extracts the Kind from err, defaulting to KindInternal for
// unrecognized errors (never leak a raw error kind to callers).
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// IsCircuitFailure reports whether an error of this kind should count
// against the Circuit Breaker's failure threshold. Per spec §7: rate-limit,
// 4xx-non-auth, and validation errors are not counted; only server errors,
// timeouts, and network failures are.
func IsCircuitFailure(err error) bool {
	switch KindOf(err) {
	case KindUpstreamServerError, KindUpstreamTimeout, KindInternal:
		return true
	default:
		return false
	}
}
