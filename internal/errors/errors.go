package errors

import (
	"fmt"
	"time"
)

// ReviewError is the structured error type for reviewloop.
// It provides rich context for error handling, logging, and user presentation.
type ReviewError struct {
	// Code is the unique error code (e.g., "ERR_212_TABLE_MISSING").
	Code string

	// Message is the human-readable error message.
	Message string

	// Category is the error category (Config, Storage, Network, etc.).
	Category Category

	// Severity is the error severity level.
	Severity Severity

	// Details contains additional context as key-value pairs.
	Details map[string]string

	// Cause is the underlying error that caused this error.
	Cause error

	// Timestamp records when the error was created.
	Timestamp time.Time

	// Retryable indicates if the operation can be retried.
	Retryable bool

	// Suggestion is an actionable suggestion for the user.
	Suggestion string
}

// Error implements the error interface.
func (e *ReviewError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *ReviewError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches the target error by code.
// This enables errors.Is() to work with ReviewError.
func (e *ReviewError) Is(target error) bool {
	if t, ok := target.(*ReviewError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithDetail adds a key-value detail to the error.
// Returns the error for method chaining.
func (e *ReviewError) WithDetail(key, value string) *ReviewError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// WithSuggestion adds an actionable suggestion for the user.
// Returns the error for method chaining.
func (e *ReviewError) WithSuggestion(suggestion string) *ReviewError {
	e.Suggestion = suggestion
	return e
}

// New creates a new ReviewError with the given code and message.
// Category, severity, and retryable flag are derived from the code.
func New(code string, message string, cause error) *ReviewError {
	return &ReviewError{
		Code:      code,
		Message:   message,
		Category:  categoryFromCode(code),
		Severity:  severityFromCode(code),
		Cause:     cause,
		Timestamp: time.Now(),
		Retryable: isRetryableCode(code),
	}
}

// Newf creates a new ReviewError with a formatted message.
func Newf(code string, format string, args ...any) *ReviewError {
	return New(code, fmt.Sprintf(format, args...), nil)
}

// Wrap creates a ReviewError from an existing error.
// The error's message becomes the ReviewError message.
// If err is already a ReviewError it is returned unchanged so the
// original code survives layered wrapping.
func Wrap(code string, err error) *ReviewError {
	if err == nil {
		return nil
	}
	if re, ok := err.(*ReviewError); ok {
		return re
	}
	return New(code, err.Error(), err)
}

// Wrapf creates a ReviewError from an existing error with a formatted
// message prefix. Unlike Wrap, it always produces a new error with the
// given code.
func Wrapf(code string, err error, format string, args ...any) *ReviewError {
	msg := fmt.Sprintf(format, args...)
	if err != nil {
		msg = msg + ": " + err.Error()
	}
	return New(code, msg, err)
}

// InvalidInput creates a validation error.
func InvalidInput(message string) *ReviewError {
	return New(ErrCodeInvalidInput, message, nil)
}

// NotFound creates a not-found error for the given path.
func NotFound(path string, cause error) *ReviewError {
	return New(ErrCodeFileNotFound, fmt.Sprintf("not found: %s", path), cause).
		WithDetail("path", path)
}

// TableMissing creates the typed error returned when a vector store table
// was never initialized.
func TableMissing(table string) *ReviewError {
	return New(ErrCodeTableMissing, fmt.Sprintf("table %q was never initialized", table), nil).
		WithDetail("table", table).
		WithSuggestion("run 'reviewloop embeddings generate' to build the index")
}

// IsRetryable checks if an error is retryable.
// Returns true if the error (or any error in its chain) is a ReviewError
// with the Retryable flag set.
func IsRetryable(err error) bool {
	re := AsReviewError(err)
	return re != nil && re.Retryable
}

// IsFatal checks if an error has fatal severity.
// Fatal errors should abort the current operation.
func IsFatal(err error) bool {
	re := AsReviewError(err)
	return re != nil && re.Severity == SeverityFatal
}

// IsCode reports whether err carries the given error code.
func IsCode(err error, code string) bool {
	re := AsReviewError(err)
	return re != nil && re.Code == code
}

// GetCode extracts the error code, or empty string for foreign errors.
func GetCode(err error) string {
	if re := AsReviewError(err); re != nil {
		return re.Code
	}
	return ""
}

// AsReviewError walks the error chain and returns the first ReviewError,
// or nil when none is present.
func AsReviewError(err error) *ReviewError {
	for err != nil {
		if re, ok := err.(*ReviewError); ok {
			return re
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return nil
		}
		err = u.Unwrap()
	}
	return nil
}
