package transport

import (
	"errors"
	"fmt"
)

// BackendError is returned for every failed CRM round-trip.
//
// StatusCode carries the HTTP status when the backend answered; it is zero when
// the request never produced a response (DNS, TLS, reset, timeout). Callers
// classify errors by status, the transport itself never retries.
type BackendError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
	Underlying error
}

// Error implements the error interface
func (e *BackendError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("crm %s %s: %v", e.Method, e.Path, e.Underlying)
	}
	if e.Underlying != nil {
		return fmt.Sprintf("crm %s %s: status %d: %v", e.Method, e.Path, e.StatusCode, e.Underlying)
	}
	return fmt.Sprintf("crm %s %s: status %d", e.Method, e.Path, e.StatusCode)
}

// Unwrap supports error unwrapping
func (e *BackendError) Unwrap() error {
	return e.Underlying
}

// StatusCode extracts the HTTP status from a BackendError anywhere in the chain.
func StatusCode(err error) (int, bool) {
	var be *BackendError
	if errors.As(err, &be) && be.StatusCode != 0 {
		return be.StatusCode, true
	}
	return 0, false
}

// maxErrorBody bounds how much of an error response is kept for diagnostics.
const maxErrorBody = 512

func truncate(body []byte) string {
	if len(body) > maxErrorBody {
		return string(body[:maxErrorBody])
	}
	return string(body)
}
