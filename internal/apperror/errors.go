// Package apperror defines the HTTP-facing error taxonomy. Every error that
// reaches a client is an *AppError; anything else is rendered as a generic
// internal error so database or infrastructure details never leak.
package apperror

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

const (
	TypeValidation      = "validation_error"
	TypeRateLimited     = "rate_limited"
	TypeUnauthenticated = "unauthenticated"
	TypeForbidden       = "forbidden"
	TypeAccountLocked   = "account_locked"
	TypeAccountDisabled = "account_disabled"
	TypeNotFound        = "not_found"
	TypeBadGateway      = "bad_gateway"
	TypeInternal        = "internal_error"
)

const internalMessage = "An unexpected error occurred. Please try again."

// AppError carries an HTTP status, a machine readable type and a message that
// is safe to show to the caller.
type AppError struct {
	Code    int
	Type    string
	Message string

	// Fields holds per-field validation messages.
	Fields map[string]string

	// RetryAfter is set for throttling and lockout responses.
	RetryAfter time.Duration

	// LockedUntil is set when the lock expiry is known.
	LockedUntil *time.Time

	// Reason is recorded in audit details only; never rendered.
	Reason string

	// Internal is the wrapped cause, logged but not rendered outside
	// development mode.
	Internal error
}

func (e *AppError) Error() string {
	if e.Internal != nil {
		return fmt.Sprintf("%s: %s (internal: %v)", e.Type, e.Message, e.Internal)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Internal
}

// WithReason returns a copy of e carrying an audit-only reason.
func (e *AppError) WithReason(reason string) *AppError {
	clone := *e
	clone.Reason = reason
	return &clone
}

func NewValidation(message string, fields map[string]string) *AppError {
	return &AppError{
		Code:    http.StatusBadRequest,
		Type:    TypeValidation,
		Message: message,
		Fields:  fields,
	}
}

func NewRateLimited(retryAfter time.Duration) *AppError {
	return &AppError{
		Code:       http.StatusTooManyRequests,
		Type:       TypeRateLimited,
		Message:    "Too many requests. Please try again later.",
		RetryAfter: retryAfter,
	}
}

func NewUnauthenticated(message string) *AppError {
	return &AppError{
		Code:    http.StatusUnauthorized,
		Type:    TypeUnauthenticated,
		Message: message,
	}
}

func NewForbidden(message string) *AppError {
	return &AppError{
		Code:    http.StatusForbidden,
		Type:    TypeForbidden,
		Message: message,
	}
}

// NewAccountLocked creates a 423 error. until may be zero when the expiry is
// not known.
func NewAccountLocked(until time.Time, now time.Time) *AppError {
	err := &AppError{
		Code:    http.StatusLocked,
		Type:    TypeAccountLocked,
		Message: "Account is temporarily locked due to too many failed login attempts.",
	}
	if !until.IsZero() {
		value := until.UTC()
		err.LockedUntil = &value
		err.RetryAfter = until.Sub(now)
	}
	return err
}

func NewAccountDisabled() *AppError {
	return &AppError{
		Code:    http.StatusForbidden,
		Type:    TypeAccountDisabled,
		Message: "Account is deactivated. Please contact an administrator.",
	}
}

func NewNotFound(message string) *AppError {
	return &AppError{
		Code:    http.StatusNotFound,
		Type:    TypeNotFound,
		Message: message,
	}
}

func NewBadGateway(message string, err error) *AppError {
	return &AppError{
		Code:     http.StatusBadGateway,
		Type:     TypeBadGateway,
		Message:  message,
		Internal: err,
	}
}

// NewInternal wraps err as a 500. The caller only ever sees a generic message.
func NewInternal(err error) *AppError {
	return &AppError{
		Code:     http.StatusInternalServerError,
		Type:     TypeInternal,
		Message:  internalMessage,
		Internal: err,
	}
}

// From converts any error into an *AppError, treating unknown errors as
// internal.
func From(err error) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return NewInternal(err)
}

// IsInternal reports whether err renders as a 500.
func IsInternal(err error) bool {
	return From(err).Code >= http.StatusInternalServerError
}
