package lighter

import (
	"fmt"
)

// APIError is a response with a non-2xx status. It is never retried.
type APIError struct {
	Account int
	Method  string
	Path    string
	Status  int
	Body    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: account %d %s %s: status %d: %s", e.Account, e.Method, e.Path, e.Status, e.Body)
}

// TransportError is returned once every attempt failed to get a response.
type TransportError struct {
	Account  int
	Method   string
	Path     string
	Attempts int
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error: account %d %s %s after %d attempts: %v", e.Account, e.Method, e.Path, e.Attempts, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// permanentError marks a failure that happened before anything was sent and
// that a retry cannot fix.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string {
	return e.err.Error()
}

func (e *permanentError) Unwrap() error {
	return e.err
}
