package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrCircuitOpen is returned without contacting the provider while the
// breaker is open.
var ErrCircuitOpen = errors.New("upstream circuit open")

// APIError is a non-2xx response from the provider.
type APIError struct {
	StatusCode int
	Verb       string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("upstream %s: status %d: %s", e.Verb, e.StatusCode, e.Body)
}

// Transient reports whether the error should be retried: network
// errors, timeouts, 5xx and 429. Other 4xx are permanent.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCircuitOpen) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500 || apiErr.StatusCode == http.StatusTooManyRequests
	}
	// Unclassified transport failures are treated as transient.
	return true
}

// StatusCode extracts the upstream status code, or 0 when the error is
// not an APIError.
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// IsNotFound reports whether the upstream answered 404.
func IsNotFound(err error) bool {
	return StatusCode(err) == http.StatusNotFound
}
