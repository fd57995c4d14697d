package domain

import (
	"errors"
	"fmt"
)

var (
	ErrValidation        = errors.New("validation error")
	ErrJobNotFound       = errors.New("job not found")
	ErrInvalidOperation  = errors.New("invalid operation")
	ErrMaxRetriesReached = errors.New("max retries reached")
	ErrArtifactMissing   = errors.New("artifact missing")

	// ErrClaimConflict is returned by the store when a conditional write on
	// a downloading or pending row matched nothing.
	ErrClaimConflict = errors.New("claim conflict")

	// ErrDuplicateKey is returned by the store when an insert violates the
	// idempotency key uniqueness constraint.
	ErrDuplicateKey = errors.New("duplicate idempotency key")
)

// ErrorCategory classifies provider failures. The value doubles as the
// error_code stored on failed jobs.
type ErrorCategory string

const (
	CategoryInvalidSource     ErrorCategory = "INVALID_URL"
	CategorySourceUnavailable ErrorCategory = "VIDEO_UNAVAILABLE"
	CategoryConversionFailed  ErrorCategory = "CONVERSION_FAILED"
	CategoryNetworkError      ErrorCategory = "NETWORK_ERROR"
	CategoryUnknown           ErrorCategory = "UNKNOWN_ERROR"
)

// ProviderError is a recognized media retrieval failure.
type ProviderError struct {
	Category ErrorCategory
	Message  string
	Err      error
}

// NewProviderError creates a categorized provider failure.
func NewProviderError(category ErrorCategory, message string, err error) *ProviderError {
	return &ProviderError{Category: category, Message: message, Err: err}
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Category, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Classify maps any error to a category and a human readable message.
// Unrecognized errors are reported as CategoryUnknown.
func Classify(err error) (ErrorCategory, string) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		msg := pe.Message
		if msg == "" && pe.Err != nil {
			msg = pe.Err.Error()
		}
		return pe.Category, msg
	}
	return CategoryUnknown, err.Error()
}
