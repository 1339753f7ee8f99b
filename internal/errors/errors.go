// Package errors provides structured error types for the Ratescope engine.
// All errors include a category, code, message, and retryable flag for
// consistent error handling across components.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by system component.
type ErrorCategory string

const (
	ErrCategoryValidation ErrorCategory = "VALIDATION"
	ErrCategoryIndex      ErrorCategory = "INDEX"
	ErrCategoryEngine     ErrorCategory = "ENGINE"
	ErrCategoryStorage    ErrorCategory = "STORAGE"
	ErrCategoryCombine    ErrorCategory = "COMBINE"
	ErrCategoryCache      ErrorCategory = "CACHE"
	ErrCategoryInternal   ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Validation codes
	CodeMissingRequiredFilter = "MISSING_REQUIRED_FILTER"
	CodeInvalidFilterValue    = "INVALID_FILTER_VALUE"
	CodeInvalidBudget         = "INVALID_BUDGET"

	// Index codes
	CodeIndexUnavailable = "UNAVAILABLE"
	CodeIndexQueryFailed = "QUERY_FAILED"

	// Engine codes
	CodeConnectFailed = "CONNECT_FAILED"
	CodeProbeFailed   = "PROBE_FAILED"
	CodeQueryFailed   = "QUERY_FAILED"

	// Storage codes
	CodeDownloadFailed = "DOWNLOAD_FAILED"
	CodeObjectNotFound = "OBJECT_NOT_FOUND"

	// Combine codes
	CodeAllFetchesFailed = "ALL_FETCHES_FAILED"
	CodeNoCandidates     = "NO_CANDIDATES"

	// Cache codes
	CodeCorruption = "CORRUPTION"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// RatescopeError is the structured error type used throughout the system.
type RatescopeError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *RatescopeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *RatescopeError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *RatescopeError) Is(target error) bool {
	var t *RatescopeError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new RatescopeError.
func New(category ErrorCategory, code, message string) *RatescopeError {
	return &RatescopeError{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Wrap creates a new RatescopeError wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *RatescopeError {
	return &RatescopeError{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *RatescopeError) WithDetails(details map[string]interface{}) *RatescopeError {
	cp := *e
	cp.Details = details
	return &cp
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var re *RatescopeError
	if errors.As(err, &re) {
		return re.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not a RatescopeError.
func GetCategory(err error) ErrorCategory {
	var re *RatescopeError
	if errors.As(err, &re) {
		return re.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not a RatescopeError.
func GetCode(err error) string {
	var re *RatescopeError
	if errors.As(err, &re) {
		return re.Code
	}
	return ""
}

// isRetryable determines if an error code is retryable.
// Index outages, storage transfer failures, and engine connection failures
// may clear on a later attempt; validation and combine outcomes never do.
func isRetryable(category ErrorCategory, code string) bool {
	switch {
	case category == ErrCategoryIndex && code == CodeIndexUnavailable:
		return true
	case category == ErrCategoryStorage && code == CodeDownloadFailed:
		return true
	case category == ErrCategoryEngine && code == CodeConnectFailed:
		return true
	default:
		return false
	}
}

// Convenience constructors for common errors.

func NewValidationError(code, message string) *RatescopeError {
	return New(ErrCategoryValidation, code, message)
}

func NewIndexError(code, message string, cause error) *RatescopeError {
	return Wrap(ErrCategoryIndex, code, message, cause)
}

func NewEngineError(code, message string, cause error) *RatescopeError {
	return Wrap(ErrCategoryEngine, code, message, cause)
}

func NewStorageError(code, message string, cause error) *RatescopeError {
	return Wrap(ErrCategoryStorage, code, message, cause)
}

func NewCombineError(code, message string, cause error) *RatescopeError {
	return Wrap(ErrCategoryCombine, code, message, cause)
}

func NewCacheError(code, message string, cause error) *RatescopeError {
	return Wrap(ErrCategoryCache, code, message, cause)
}

func NewInternalError(message string, cause error) *RatescopeError {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}
