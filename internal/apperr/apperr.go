// Package apperr holds the error taxonomy shared by the dispatch core and its
// transports, plus the mapping onto HTTP status codes.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrValidation        = errors.New("validation failed")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrOwnershipConflict = errors.New("ownership conflict")
	ErrConflict          = errors.New("state conflict")
	ErrNotFound          = errors.New("not found")
	ErrForbidden         = errors.New("forbidden")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrUpstreamPayment   = errors.New("payment gateway failure")
	ErrTransientStore    = errors.New("transient store failure")
	ErrPaymentState      = errors.New("inconsistent payment state")
)

// Validation wraps a caller-input problem.
func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Transient marks a store I/O failure as safe to retry.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrTransientStore, err)
}

// Upstream wraps a payment gateway failure.
func Upstream(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrUpstreamPayment, err)
}

// Code is the short machine-readable code used in JSON error bodies.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "bad_request"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrOwnershipConflict):
		return "ownership_conflict"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrUpstreamPayment):
		return "payment_gateway_error"
	case errors.Is(err, ErrTransientStore):
		return "unavailable"
	default:
		return "internal_error"
	}
}

// HTTPStatus maps an error onto the response code table of the public API.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrValidation), errors.Is(err, ErrInvalidTransition):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrOwnershipConflict), errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrUpstreamPayment):
		return http.StatusBadGateway
	case errors.Is(err, ErrTransientStore):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
