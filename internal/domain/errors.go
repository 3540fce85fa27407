package domain

import (
	"errors"
	"fmt"
)

// Error taxonomy (sentinels). User errors are never retried; transient
// errors may be retried with bounded backoff; deadline errors are terminal.
var (
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrNotFound         = errors.New("not found")
	ErrForbidden        = errors.New("forbidden")
	ErrAlreadyCompleted = errors.New("already completed")
	ErrRateLimited      = errors.New("rate limited")
	ErrQueueFull        = errors.New("queue full")
	ErrTimeout          = errors.New("deadline exceeded")
	ErrTransient        = errors.New("transient infrastructure error")
	ErrStatePersistence = errors.New("state persistence error")
	ErrInternal         = errors.New("internal error")
)

// Error codes surfaced to callers.
const (
	CodeSyntaxError       = "SYNTAX_ERROR"
	CodePatternTooLong    = "PATTERN_TOO_LONG"
	CodeValidationError   = "VALIDATION_ERROR"
	CodeNotAPattern       = "NOT_A_PATTERN"
	CodeTranspileError    = "TRANSPILE_ERROR"
	CodeRenderError       = "RENDER_ERROR"
	CodeTimeoutError      = "TIMEOUT_ERROR"
	CodeCLIUnavailable    = "CLI_UNAVAILABLE"
	CodeSpawnFailed       = "SPAWN_FAILED"
	CodeExecutionFailed   = "EXECUTION_FAILED"
	CodeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
	CodeQueueFull         = "QUEUE_FULL"
	CodeStatePersistence  = "STATE_PERSISTENCE_ERROR"
	CodeNotFound          = "NOT_FOUND"
	CodeForbidden         = "FORBIDDEN"
	CodeAlreadyCompleted  = "ALREADY_COMPLETED"
)

// AppError is the caller-facing failure shape attached to terminal states.
type AppError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewAppError constructs an AppError with no details.
func NewAppError(code, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// WithDetail attaches a detail key to the error and returns it.
func (e *AppError) WithDetail(k string, v any) *AppError {
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	e.Details[k] = v
	return e
}

// AsAppError unwraps err into an *AppError, synthesizing one from the
// sentinel taxonomy when the chain carries no explicit code.
func AsAppError(err error) *AppError {
	if err == nil {
		return nil
	}
	var ae *AppError
	if errors.As(err, &ae) {
		return ae
	}
	code := CodeRenderError
	switch {
	case errors.Is(err, ErrInvalidArgument):
		code = CodeValidationError
	case errors.Is(err, ErrNotFound):
		code = CodeNotFound
	case errors.Is(err, ErrForbidden):
		code = CodeForbidden
	case errors.Is(err, ErrAlreadyCompleted):
		code = CodeAlreadyCompleted
	case errors.Is(err, ErrRateLimited):
		code = CodeRateLimitExceeded
	case errors.Is(err, ErrQueueFull):
		code = CodeQueueFull
	case errors.Is(err, ErrTimeout):
		code = CodeTimeoutError
	case errors.Is(err, ErrStatePersistence):
		code = CodeStatePersistence
	case errors.Is(err, ErrInternal):
		code = CodeRenderError
	}
	return &AppError{Code: code, Message: err.Error()}
}

// IsTransient reports whether err belongs to the retryable category.
// Deadline and user errors are never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTimeout) {
		return false
	}
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrStatePersistence)
}
