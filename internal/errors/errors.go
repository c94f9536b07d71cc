package errors

import (
	"errors"
	"fmt"
)

// AppError is the structured error type for hybridrank.
type AppError struct {
	// Code is the unique error code (e.g., "ERR_207_STORE_FAILED").
	Code string

	// Message is the human-readable error message.
	Message string

	Category Category
	Severity Severity

	// Details contains additional context as key-value pairs.
	Details map[string]string

	// Cause is the underlying error.
	Cause error

	// Retryable indicates if the operation can be retried.
	Retryable bool

	// Suggestion is an actionable hint for the user.
	Suggestion string
}

// Error implements the error interface.
func (e *AppError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is matches another AppError by code.
func (e *AppError) Is(target error) bool {
	if t, ok := target.(*AppError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithDetail adds a key-value detail to the error.
func (e *AppError) WithDetail(key, value string) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// WithSuggestion adds an actionable suggestion for the user.
func (e *AppError) WithSuggestion(suggestion string) *AppError {
	e.Suggestion = suggestion
	return e
}

// WithRetryable overrides the retryable flag derived from the code.
func (e *AppError) WithRetryable(retryable bool) *AppError {
	e.Retryable = retryable
	return e
}

// New creates an AppError. Category, severity and the retryable flag are
// derived from the code.
func New(code string, message string, cause error) *AppError {
	return &AppError{
		Code:      code,
		Message:   message,
		Category:  categoryFromCode(code),
		Severity:  severityFromCode(code),
		Cause:     cause,
		Retryable: isRetryableCode(code),
	}
}

// Wrap creates an AppError from an existing error, reusing its message.
func Wrap(code string, err error) *AppError {
	if err == nil {
		return nil
	}
	return New(code, err.Error(), err)
}

// StoreError reports a failed store operation.
func StoreError(message string, cause error) *AppError {
	return New(ErrCodeStoreFailed, message, cause)
}

// ConfigError creates a configuration-related error.
func ConfigError(message string, cause error) *AppError {
	return New(ErrCodeConfigInvalid, message, cause)
}

// ValidationError creates a validation-related error.
func ValidationError(message string, cause error) *AppError {
	return New(ErrCodeInvalidInput, message, cause)
}

// InvariantError reports a violated index invariant. It is always fatal.
func InvariantError(message string, cause error) *AppError {
	return New(ErrCodeInvariantViolation, message, cause)
}

// IsRetryable reports whether any AppError in err's chain is retryable.
func IsRetryable(err error) bool {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Retryable
	}
	return false
}

// IsFatal reports whether err carries fatal severity.
func IsFatal(err error) bool {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Severity == SeverityFatal
	}
	return false
}

// GetCode extracts the code of the first AppError in err's chain.
func GetCode(err error) string {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Code
	}
	return ""
}

// GetCategory extracts the category of the first AppError in err's chain.
func GetCategory(err error) Category {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Category
	}
	return ""
}
