// Package apperr defines the error taxonomy shared by tool handlers
// and the HTTP gateway. Handlers return these kinds; the gateway's
// error middleware maps them to status codes and the JSON envelope.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for HTTP mapping and retry policy.
type Kind int

const (
	// KindInternal is an unexpected failure. 500, redacted in production.
	KindInternal Kind = iota
	// KindValidation is a bad request shape or value. 400, never retried.
	KindValidation
	// KindNotFound is a missing session, template, or route. 404.
	KindNotFound
	// KindUnauthorized is a missing or invalid credential or signature. 401.
	KindUnauthorized
	// KindRateLimited is local quota exhaustion. 429.
	KindRateLimited
	// KindUpstreamTransient is an exhausted retryable upstream failure. 503.
	KindUpstreamTransient
	// KindUpstreamPermanent is a non-retryable upstream rejection. 502.
	KindUpstreamPermanent
	// KindCircuitOpen is the local breaker fast-failing. 503.
	KindCircuitOpen
	// KindConflict is a duplicate name or an already-claimed resource. 409.
	KindConflict
	// KindUnprocessable is a verified but unusable payload. 422.
	KindUnprocessable
)

// Issue is one structured validation problem.
type Issue struct {
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

// Error carries a kind, a user-facing message, and optional structured
// validation issues.
type Error struct {
	Kind    Kind
	Message string
	Issues  []Issue
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying error.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Validation creates a 400 with structured issues.
func Validation(message string, issues ...Issue) *Error {
	return &Error{Kind: KindValidation, Message: message, Issues: issues}
}

// KindOf extracts the kind, defaulting to KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IssuesOf extracts structured validation issues, if any.
func IssuesOf(err error) []Issue {
	var e *Error
	if errors.As(err, &e) {
		return e.Issues
	}
	return nil
}

// HTTPStatus maps an error to its response status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindUpstreamTransient, KindCircuitOpen:
		return http.StatusServiceUnavailable
	case KindUpstreamPermanent:
		return http.StatusBadGateway
	case KindConflict:
		return http.StatusConflict
	case KindUnprocessable:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
