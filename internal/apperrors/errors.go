// Package apperrors provides structured application errors with stable
// numeric codes and HTTP status mapping.
package apperrors

import (
	"errors"
	"fmt"
)

// Sentinel errors for classification via errors.Is().
var (
	ErrValidation  = errors.New("validation error")
	ErrQuota       = errors.New("quota exhausted")
	ErrNotFound    = errors.New("not found")
	ErrNotReady    = errors.New("not ready")
	ErrBusy        = errors.New("busy")
	ErrUnavailable = errors.New("unavailable")
	ErrInternal    = errors.New("internal error")
)

// Error provides structured error with context.
type Error struct {
	Sentinel error  // Wrapped sentinel for errors.Is() classification
	Code     Code   // Stable code surfaced to API consumers
	Message  string // Human-readable message
	Details  string // Optional extra context (e.g. facility id)
	Field    string // For validation errors (e.g., "user", "machine")
	Resource string // For not found errors (e.g., "job")
	Op       string // Operation that failed (e.g., "registry.set")
	Cause    error  // Underlying error
}

// Error returns the human-readable error message.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap exposes both the sentinel and the underlying cause.
func (e *Error) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Sentinel}
	}
	return []error{e.Sentinel, e.Cause}
}

// Validation creates a validation error for a specific field.
func Validation(code Code, field, message string) error {
	return &Error{
		Sentinel: ErrValidation,
		Code:     code,
		Message:  message,
		Field:    field,
	}
}

// Quota creates the error returned when no API calls remain.
func Quota() error {
	return &Error{
		Sentinel: ErrQuota,
		Code:     CodeQuotaConsumed,
		Message:  "API quota consumed",
	}
}

// InvalidRoute creates the error returned when no job route exists for id.
func InvalidRoute(resource, id string) error {
	return &Error{
		Sentinel: ErrNotFound,
		Code:     CodeInvalidRoute,
		Message:  fmt.Sprintf("invalid route, %s %s not found", resource, id),
		Resource: resource,
	}
}

// NotReady creates the error returned while no facility snapshot exists.
func NotReady(details string) error {
	return &Error{
		Sentinel: ErrNotReady,
		Code:     CodeNotReady,
		Message:  "Fablab is alive but not ready",
		Details:  details,
	}
}

// Busy creates the error returned when no machine is eligible for a job.
func Busy(facilityID string) error {
	return &Error{
		Sentinel: ErrBusy,
		Code:     CodeBusy,
		Message:  "Fablab busy",
		Details:  facilityID,
	}
}

// Unavailable creates an error for a remote machine that could not serve a call.
func Unavailable(code Code, op string, cause error) error {
	msg := code.Message()
	if cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, cause)
	}
	return &Error{
		Sentinel: ErrUnavailable,
		Code:     code,
		Message:  msg,
		Op:       op,
		Cause:    cause,
	}
}

// Internal creates an internal error wrapping an underlying cause.
func Internal(code Code, op string, cause error) error {
	return &Error{
		Sentinel: ErrInternal,
		Code:     code,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}
