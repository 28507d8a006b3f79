// Package errors provides structured error types for the Silvermill system.
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
	ErrCategoryBronze     ErrorCategory = "BRONZE"
	ErrCategoryDedup      ErrorCategory = "DEDUP"
	ErrCategoryCompaction ErrorCategory = "COMPACTION"
	ErrCategoryCatalog    ErrorCategory = "CATALOG"
	ErrCategoryStorage    ErrorCategory = "STORAGE"
	ErrCategoryBackfill   ErrorCategory = "BACKFILL"
	ErrCategoryInternal   ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Validation codes
	CodeInvalidConfig = "INVALID_CONFIG"
	CodeEmptyBatch    = "EMPTY_BATCH"

	// Bronze codes
	CodeDecodeFailed = "DECODE_FAILED"
	CodeListFailed   = "LIST_FAILED"

	// Dedup codes
	CodeBatchClosed       = "BATCH_CLOSED"
	CodeCheckpointFailed  = "CHECKPOINT_FAILED"
	CodeCheckpointCorrupt = "CHECKPOINT_CORRUPT"

	// Compaction codes
	CodeCompactionWriteFailure = "COMPACTION_WRITE_FAILURE"
	CodeSegmentCorrupt         = "SEGMENT_CORRUPT"

	// Catalog codes
	CodeCatalogPublishFailure = "CATALOG_PUBLISH_FAILURE"
	CodeWriteIntentConflict   = "WRITE_INTENT_CONFLICT"
	CodeVersionConflict       = "VERSION_CONFLICT"
	CodePartitionNotFound     = "PARTITION_NOT_FOUND"

	// Storage codes
	CodeUploadFailed   = "UPLOAD_FAILED"
	CodeDownloadFailed = "DOWNLOAD_FAILED"
	CodeObjectNotFound = "OBJECT_NOT_FOUND"

	// Backfill codes
	CodeJobCancelled = "JOB_CANCELLED"
	CodeRangeInvalid = "RANGE_INVALID"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// SilvermillError is the structured error type used throughout the system.
type SilvermillError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *SilvermillError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *SilvermillError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *SilvermillError) Is(target error) bool {
	var t *SilvermillError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new SilvermillError.
func New(category ErrorCategory, code, message string) *SilvermillError {
	return &SilvermillError{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Wrap creates a new SilvermillError wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *SilvermillError {
	return &SilvermillError{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *SilvermillError) WithDetails(details map[string]interface{}) *SilvermillError {
	cp := *e
	cp.Details = details
	return &cp
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var se *SilvermillError
	if errors.As(err, &se) {
		return se.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not a SilvermillError.
func GetCategory(err error) ErrorCategory {
	var se *SilvermillError
	if errors.As(err, &se) {
		return se.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not a SilvermillError.
func GetCode(err error) string {
	var se *SilvermillError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// isRetryable maps category and code to the retry policy: compaction write
// failures and catalog publish failures retry with identical inputs (safe
// under compaction idempotence), write-intent conflicts retry with backoff.
func isRetryable(category ErrorCategory, code string) bool {
	switch {
	case category == ErrCategoryStorage && code == CodeUploadFailed:
		return true
	case category == ErrCategoryStorage && code == CodeDownloadFailed:
		return true
	case category == ErrCategoryCompaction && code == CodeCompactionWriteFailure:
		return true
	case category == ErrCategoryCatalog && code == CodeCatalogPublishFailure:
		return true
	case category == ErrCategoryCatalog && code == CodeWriteIntentConflict:
		return true
	default:
		return false
	}
}

// Convenience constructors for common errors.

func NewBronzeError(code, message string, cause error) *SilvermillError {
	return Wrap(ErrCategoryBronze, code, message, cause)
}

func NewStorageError(code, message string, cause error) *SilvermillError {
	return Wrap(ErrCategoryStorage, code, message, cause)
}

func NewCatalogError(code, message string, cause error) *SilvermillError {
	return Wrap(ErrCategoryCatalog, code, message, cause)
}

func NewCompactionError(code, message string, cause error) *SilvermillError {
	return Wrap(ErrCategoryCompaction, code, message, cause)
}

func NewBackfillError(code, message string, cause error) *SilvermillError {
	return Wrap(ErrCategoryBackfill, code, message, cause)
}

func NewInternalError(message string, cause error) *SilvermillError {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}
