// Package errors defines the typed errors used across tasker.
package errors

import (
	"fmt"
)

// Error types
const (
	// ErrValidation is returned when input fails schema or structural validation
	ErrValidation = "validation"

	// ErrRetryableStep is returned for transient step failures that drive backoff
	ErrRetryableStep = "retryable_step"

	// ErrPermanentStep is returned for non-retryable step failures
	ErrPermanentStep = "permanent_step"

	// ErrTimeout is returned when a step attempt exceeds its wall-clock budget
	ErrTimeout = "timeout"

	// ErrClaimLost is returned when another worker claimed the step first
	ErrClaimLost = "claim_lost"

	// ErrStorageConflict is returned on concurrent transition-log writes
	ErrStorageConflict = "storage_conflict"

	// ErrConfiguration is returned for invalid configuration at boot
	ErrConfiguration = "configuration"

	// ErrInterfaceViolation is returned when a handler breaks its contract
	ErrInterfaceViolation = "interface_violation"

	// ErrNotFound is returned when a task, step, or handler does not exist
	ErrNotFound = "not_found"

	// ErrConflict is returned for operations invalid in the record's current state
	ErrConflict = "conflict"

	// ErrInternal is returned when there is an internal error
	ErrInternal = "internal"
)

// Error represents an error in the application
type Error struct {
	// Type is the error type
	Type string

	// Message is the error message
	Message string

	// Cause is the underlying error
	Cause error
}

// Error returns the error message
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new error
func NewError(errorType, message string, cause error) *Error {
	return &Error{
		Type:    errorType,
		Message: message,
		Cause:   cause,
	}
}

// NewValidationError creates a new validation error
func NewValidationError(message string, cause error) *Error {
	return NewError(ErrValidation, message, cause)
}

// NewTimeoutError creates a new timeout error
func NewTimeoutError(message string, cause error) *Error {
	return NewError(ErrTimeout, message, cause)
}

// NewClaimLostError creates a new claim lost error
func NewClaimLostError(message string, cause error) *Error {
	return NewError(ErrClaimLost, message, cause)
}

// NewStorageConflictError creates a new storage conflict error
func NewStorageConflictError(message string, cause error) *Error {
	return NewError(ErrStorageConflict, message, cause)
}

// NewConfigurationError creates a new configuration error
func NewConfigurationError(message string, cause error) *Error {
	return NewError(ErrConfiguration, message, cause)
}

// NewInterfaceViolationError creates a new interface violation error
func NewInterfaceViolationError(message string, cause error) *Error {
	return NewError(ErrInterfaceViolation, message, cause)
}

// NewNotFoundError creates a new not found error
func NewNotFoundError(message string, cause error) *Error {
	return NewError(ErrNotFound, message, cause)
}

// NewConflictError creates a new conflict error
func NewConflictError(message string, cause error) *Error {
	return NewError(ErrConflict, message, cause)
}

// NewInternalError creates a new internal error
func NewInternalError(message string, cause error) *Error {
	return NewError(ErrInternal, message, cause)
}

func isType(err error, errorType string) bool {
	e, ok := err.(*Error)
	return ok && e.Type == errorType
}

// IsValidation checks if the error is a validation error
func IsValidation(err error) bool {
	return isType(err, ErrValidation)
}

// IsTimeout checks if the error is a timeout error
func IsTimeout(err error) bool {
	return isType(err, ErrTimeout)
}

// IsClaimLost checks if the error is a claim lost error
func IsClaimLost(err error) bool {
	return isType(err, ErrClaimLost)
}

// IsStorageConflict checks if the error is a storage conflict error
func IsStorageConflict(err error) bool {
	return isType(err, ErrStorageConflict)
}

// IsNotFound checks if the error is a not found error
func IsNotFound(err error) bool {
	return isType(err, ErrNotFound)
}

// IsConflict checks if the error is a conflict error
func IsConflict(err error) bool {
	return isType(err, ErrConflict)
}
