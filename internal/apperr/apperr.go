// Package apperr defines the sentinel errors visible at service boundaries
// and maps them to HTTP status codes and wire error codes.
package apperr

import (
	"errors"
	"net/http"
)

var (
	// ErrValidation: request violates a documented invariant. Never retried.
	ErrValidation = errors.New("validation_failed")
	// ErrUnauthorized: credential missing or unmapped.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrNotFound: addressed resource absent, archived, or lease lost.
	ErrNotFound = errors.New("not_found")
	// ErrDuplicate: idempotent re-emit of a receipt_id already stored.
	ErrDuplicate = errors.New("duplicate_receipt_id")
	// ErrServiceUnavailable: downstream ledger emission exhausted retries.
	ErrServiceUnavailable = errors.New("service_unavailable")
	// ErrLeaseLost: a lease no longer belongs to the caller (reclaimed or
	// never existed). Surfaced to callers as ErrNotFound.
	ErrLeaseLost = errors.New("lease_lost")
)

// HTTPStatus maps a sentinel error to its wire status code. Unrecognized
// errors map to 500 (internal) — a database or I/O fault the caller may
// safely retry because every state-changing operation here is idempotent
// by task_id, receipt_id, or lease identity.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrLeaseLost):
		return http.StatusNotFound
	case errors.Is(err, ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, ErrServiceUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Code returns the wire error code string for an error.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "validation_failed"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrLeaseLost), errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrDuplicate):
		return "duplicate_receipt_id"
	case errors.Is(err, ErrServiceUnavailable):
		return "service_unavailable"
	default:
		return "internal"
	}
}
