package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeAssignment        = "ASSIGNMENT_ERROR"
	ErrCodeExecution         = "EXECUTION_FAILURE"
	ErrCodeBudgetExhausted   = "BUDGET_EXHAUSTED"
	ErrCodeCompensation      = "COMPENSATION_FAILURE"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeRetryExhausted    = "RETRY_EXHAUSTED"
	ErrCodeNonRetryable      = "NON_RETRYABLE"
	ErrCodeCircuitOpen       = "CIRCUIT_OPEN"
	ErrCodeStore             = "STORE_ERROR"
)

// nonRetryableCodes never go back through the retry loop.
var nonRetryableCodes = map[string]bool{
	ErrCodeValidation:        true,
	ErrCodeInvalidTransition: true,
	ErrCodeCancelled:         true,
	ErrCodeNonRetryable:      true,
	ErrCodeBudgetExhausted:   true,
	ErrCodeNotFound:          true,
}

// MaestroError is the structured error type for all engine operations.
type MaestroError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	TaskID  string         `json:"task_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *MaestroError) Error() string {
	if e.TaskID != "" {
		return fmt.Sprintf("[%s] task %s: %s", e.Code, e.TaskID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *MaestroError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether the recovery engine may retry after this error.
func (e *MaestroError) IsRetryable() bool {
	return !nonRetryableCodes[e.Code]
}

// NewError creates a new MaestroError.
func NewError(code, message string) *MaestroError {
	return &MaestroError{Code: code, Message: message}
}

// NewErrorf creates a new MaestroError with a formatted message.
func NewErrorf(code, format string, args ...any) *MaestroError {
	return &MaestroError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithTask attaches a task ID to the error.
func (e *MaestroError) WithTask(taskID string) *MaestroError {
	e.TaskID = taskID
	return e
}

// WithCause attaches an underlying cause.
func (e *MaestroError) WithCause(err error) *MaestroError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *MaestroError) WithDetails(details map[string]any) *MaestroError {
	e.Details = details
	return e
}

// AsMaestroError converts any error into a *MaestroError, wrapping foreign
// errors under the given fallback code.
func AsMaestroError(err error, fallbackCode string) *MaestroError {
	if err == nil {
		return nil
	}
	var mErr *MaestroError
	if errors.As(err, &mErr) {
		return mErr
	}
	var vErr *ValidationError
	if errors.As(err, &vErr) {
		return NewError(ErrCodeValidation, vErr.Message).
			WithCause(err).
			WithDetails(map[string]any{"kind": string(vErr.Kind), "nodes": vErr.Nodes})
	}
	return NewError(fallbackCode, err.Error()).WithCause(err)
}

// ErrorCode returns the structured code carried by err, or "" when err is
// neither a MaestroError nor a ValidationError.
func ErrorCode(err error) string {
	var vErr *ValidationError
	if errors.As(err, &vErr) {
		return ErrCodeValidation
	}
	var mErr *MaestroError
	if errors.As(err, &mErr) {
		return mErr.Code
	}
	return ""
}
