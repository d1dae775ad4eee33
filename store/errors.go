package store

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNotFound is returned when a document doesn't exist or is tombstoned.
	ErrNotFound = errors.New("wicker: document not found")

	// ErrConflict is returned when a write carries a stale or missing revision,
	// or when an insert targets an id that already exists.
	ErrConflict = errors.New("wicker: revision conflict")

	// ErrValidation is returned when a document or selector is malformed.
	// It is raised locally, before any network call.
	ErrValidation = errors.New("wicker: validation failed")

	// ErrUnauthorized is returned when the store rejects the credentials.
	ErrUnauthorized = errors.New("wicker: unauthorized")
)

// RemoteError is an error response from the store, carrying the HTTP status
// and the store's own error code and reason.
//
// errors.Is maps well-known statuses onto the package sentinels, so callers
// can test for ErrNotFound/ErrConflict without inspecting status codes.
type RemoteError struct {
	StatusCode int
	Code       string
	Reason     string
}

func (e *RemoteError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("wicker: store returned %d %s: %s", e.StatusCode, e.Code, e.Reason)
	}
	return fmt.Sprintf("wicker: store returned %d %s", e.StatusCode, e.Code)
}

// Is reports whether the remote status maps onto a package sentinel.
func (e *RemoteError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrConflict:
		return e.StatusCode == http.StatusConflict
	case ErrValidation:
		return e.StatusCode == http.StatusBadRequest
	case ErrUnauthorized:
		return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
	}
	return false
}

// TransportError wraps a network-level failure: dial errors, broken
// connections, malformed or truncated responses. It never wraps a well-formed
// error response from the store.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("wicker: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// validationf builds an error matched by errors.Is(err, ErrValidation).
func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
