package errors

import (
	"errors"
	"time"
)

// RetryableError signals a transient step failure. The step transitions to
// error and becomes eligible again once backoff elapses. If RetryAfter is
// set, it takes precedence over exponential backoff.
type RetryableError struct {
	Message string

	// RetryAfter is a server-requested delay before the next attempt.
	// Nil means exponential backoff applies.
	RetryAfter *time.Duration

	// Context carries handler-supplied diagnostic data, persisted to the
	// step's results under "error".
	Context map[string]any
}

// Error returns the error message
func (e *RetryableError) Error() string {
	return e.Message
}

// NewRetryableError creates a retryable step error with exponential backoff.
func NewRetryableError(message string) *RetryableError {
	return &RetryableError{Message: message}
}

// NewRetryableErrorAfter creates a retryable step error with a
// server-requested retry delay.
func NewRetryableErrorAfter(message string, retryAfter time.Duration) *RetryableError {
	return &RetryableError{Message: message, RetryAfter: &retryAfter}
}

// PermanentError signals a non-retryable step failure. The step transitions
// to error with its retry budget exhausted.
type PermanentError struct {
	Message string

	// Reason is a stable machine-readable cause, e.g. "validation_error".
	Reason string

	// Context carries handler-supplied diagnostic data.
	Context map[string]any
}

// Error returns the error message
func (e *PermanentError) Error() string {
	return e.Message
}

// NewPermanentError creates a permanent step error.
func NewPermanentError(message, reason string) *PermanentError {
	return &PermanentError{Message: message, Reason: reason}
}

// AsRetryable returns the RetryableError wrapped in err, if any.
func AsRetryable(err error) (*RetryableError, bool) {
	var re *RetryableError
	ok := errors.As(err, &re)
	return re, ok
}

// AsPermanent returns the PermanentError wrapped in err, if any.
func AsPermanent(err error) (*PermanentError, bool) {
	var pe *PermanentError
	ok := errors.As(err, &pe)
	return pe, ok
}

// ClassifyStepError normalizes any handler error into the two-armed
// retryable/permanent taxonomy. Unknown errors classify as retryable with
// default backoff.
func ClassifyStepError(err error) (retryable *RetryableError, permanent *PermanentError) {
	if pe, ok := AsPermanent(err); ok {
		return nil, pe
	}
	if re, ok := AsRetryable(err); ok {
		return re, nil
	}
	return &RetryableError{Message: err.Error()}, nil
}
