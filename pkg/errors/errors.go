package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error represents a typed domain error with HTTP awareness.
type Error struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Status     int    `json:"status"`
	RetryAfter int    `json:"retry_after,omitempty"`
	Err        error  `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the wrapped error.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// New creates a new Error instance.
func New(code string, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message}
}

// Wrap attaches context to an existing error.
func Wrap(err error, code string, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message, Err: err}
}

// Predefined errors covering the core taxonomy.
var (
	ErrValidation        = New("VALIDATION_ERROR", http.StatusBadRequest, "validation failed")
	ErrTooLarge          = New("TOO_LARGE", http.StatusRequestEntityTooLarge, "file exceeds the maximum allowed size")
	ErrQuotaExceeded     = New("QUOTA_EXCEEDED", http.StatusForbidden, "quota exceeded")
	ErrStorageQuota      = New("QUOTA_EXCEEDED", http.StatusRequestEntityTooLarge, "storage quota exceeded")
	ErrRateLimited       = New("RATE_LIMITED", http.StatusTooManyRequests, "rate limit exceeded")
	ErrEntitlementDenied = New("ENTITLEMENT_DENIED", http.StatusForbidden, "feature not available on your plan")
	ErrAuthorization     = New("AUTHORIZATION_ERROR", http.StatusForbidden, "access denied")
	ErrUnauthorized      = New("UNAUTHORIZED", http.StatusUnauthorized, "unauthorized")
	ErrNotFound          = New("NOT_FOUND", http.StatusNotFound, "resource not found")
	ErrConflict          = New("CONFLICT", http.StatusConflict, "conflict")
	ErrInvalidTransition = New("INVALID_TRANSITION", http.StatusInternalServerError, "illegal lifecycle transition")
	ErrStorage           = New("STORAGE_ERROR", http.StatusInternalServerError, "object store failure")
	ErrProcessing        = New("PROCESSING_ERROR", http.StatusInternalServerError, "processing failed")
	ErrExternalService   = New("EXTERNAL_SERVICE_ERROR", http.StatusInternalServerError, "dependency unavailable")
	ErrInternal          = New("INTERNAL_ERROR", http.StatusInternalServerError, "internal server error")
)

// FromError normalises any error into an *Error.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(err, ErrInternal.Code, ErrInternal.Status, ErrInternal.Message)
}

// Clone returns a copy of the error allowing for message overrides.
func Clone(err *Error, message string) *Error {
	if err == nil {
		return nil
	}
	clone := *err
	if message != "" {
		clone.Message = message
	}
	return &clone
}

// WithRetryAfter copies the error and attaches a retry hint in seconds.
func WithRetryAfter(err *Error, seconds int) *Error {
	if err == nil {
		return nil
	}
	clone := *err
	clone.RetryAfter = seconds
	return &clone
}
