// Package errors defines the structured error taxonomy of the enhancement pipeline.
//
// Every error carries a Code; errors.Is matches on the code, so callers compare against
// the sentinel values (ErrPageOCRFailure, ErrCorrectionRejected, ...) regardless of
// message or wrapped cause.
package errors

import (
	"fmt"
	"time"
)

// ErrorCode enum for structured error handling
type ErrorCode string

const (
	CodeValidation         ErrorCode = "VALIDATION_ERROR"
	CodeOCRFailure         ErrorCode = "OCR_FAILURE"
	CodeOCRUnavailable     ErrorCode = "OCR_UNAVAILABLE"
	CodePageOCRFailure     ErrorCode = "PAGE_OCR_FAILURE"
	CodeDocumentOCRFailure ErrorCode = "DOCUMENT_OCR_FAILURE"
	CodeCorrectionFailure  ErrorCode = "CORRECTION_FAILURE"
	CodeCorrectionRejected ErrorCode = "CORRECTION_REJECTED"
	CodeJobExecution       ErrorCode = "JOB_EXECUTION_ERROR"
)

// ProcessingError represents a structured processing error
type ProcessingError struct {
	Code      ErrorCode
	Op        string
	Message   string
	Timestamp time.Time
	Details   map[string]interface{}
	Err       error
}

func (e *ProcessingError) Error() string {
	msg := string(e.Code)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += fmt.Sprintf(" (caused by: %v)", e.Err)
	}
	return msg
}

func (e *ProcessingError) Unwrap() error {
	return e.Err
}

// Is matches any ProcessingError with the same code.
func (e *ProcessingError) Is(target error) bool {
	t, ok := target.(*ProcessingError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Sentinels for errors.Is
var (
	ErrValidation         = &ProcessingError{Code: CodeValidation}
	ErrOCRFailure         = &ProcessingError{Code: CodeOCRFailure}
	ErrOCRUnavailable     = &ProcessingError{Code: CodeOCRUnavailable}
	ErrPageOCRFailure     = &ProcessingError{Code: CodePageOCRFailure}
	ErrDocumentOCRFailure = &ProcessingError{Code: CodeDocumentOCRFailure}
	ErrCorrectionFailure  = &ProcessingError{Code: CodeCorrectionFailure}
	ErrCorrectionRejected = &ProcessingError{Code: CodeCorrectionRejected}
	ErrJobExecution       = &ProcessingError{Code: CodeJobExecution}
)

// Factory functions for common errors

func NewValidationError(op, message string) *ProcessingError {
	return &ProcessingError{
		Code:      CodeValidation,
		Op:        op,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// NewOCRFailure wraps a failure of the underlying recognition capability.
func NewOCRFailure(reason string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      CodeOCRFailure,
		Op:        "recognize",
		Message:   reason,
		Timestamp: time.Now(),
		Details:   map[string]interface{}{"reason": reason},
		Err:       cause,
	}
}

func NewOCRUnavailable(engine string) *ProcessingError {
	return &ProcessingError{
		Code:      CodeOCRUnavailable,
		Message:   fmt.Sprintf("OCR engine %q is not available", engine),
		Timestamp: time.Now(),
		Details:   map[string]interface{}{"engine": engine},
	}
}

func NewPageOCRFailure(page, variants int, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      CodePageOCRFailure,
		Op:        "orchestrate",
		Message:   fmt.Sprintf("all %d variants failed for page %d", variants, page),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"page":     page,
			"variants": variants,
		},
		Err: cause,
	}
}

func NewDocumentOCRFailure(ref string, pages int, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      CodeDocumentOCRFailure,
		Op:        "process",
		Message:   fmt.Sprintf("no text recognized on any of %d pages of %s", pages, ref),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"document": ref,
			"pages":    pages,
		},
		Err: cause,
	}
}

func NewCorrectionFailure(attempts int, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      CodeCorrectionFailure,
		Op:        "correct",
		Message:   fmt.Sprintf("all %d correction models failed", attempts),
		Timestamp: time.Now(),
		Details:   map[string]interface{}{"attempts": attempts},
		Err:       cause,
	}
}

func NewCorrectionRejected(reason string) *ProcessingError {
	return &ProcessingError{
		Code:      CodeCorrectionRejected,
		Op:        "correct",
		Message:   reason,
		Timestamp: time.Now(),
		Details:   map[string]interface{}{"reason": reason},
	}
}

func NewJobExecutionError(jobID string, operation int, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      CodeJobExecution,
		Op:        "execute",
		Message:   fmt.Sprintf("job %s failed at operation %d", jobID, operation),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"job_id":    jobID,
			"operation": operation,
		},
		Err: cause,
	}
}

// ToMap converts error to map for JSON serialization
func (e *ProcessingError) ToMap() map[string]interface{} {
	m := map[string]interface{}{
		"code":      e.Code,
		"message":   e.Message,
		"timestamp": e.Timestamp,
	}
	if e.Op != "" {
		m["op"] = e.Op
	}
	if e.Details != nil {
		m["details"] = e.Details
	}
	if e.Err != nil {
		m["cause"] = e.Err.Error()
	}
	return m
}
