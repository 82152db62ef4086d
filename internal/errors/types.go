// Package errors defines the structured application error type shared by
// the HTTP surface and the service layer, plus logging helpers for it.
package errors

import (
	stderrors "errors"
)

// ErrorCode categorizes an error for HTTP mapping and log filtering.
type ErrorCode string

const (
	// Configuration
	ErrCodeInvalidConfig ErrorCode = "INVALID_CONFIG"
	ErrCodeMissingConfig ErrorCode = "MISSING_CONFIG"

	// Persistence
	ErrCodeDatabaseConnection ErrorCode = "DATABASE_CONNECTION"
	ErrCodeDatabaseQuery      ErrorCode = "DATABASE_QUERY"
	ErrCodeDatabaseMigration  ErrorCode = "DATABASE_MIGRATION"

	// Upstream services
	ErrCodeChannelAPI   ErrorCode = "CHANNEL_API"
	ErrCodeResponderAPI ErrorCode = "RESPONDER_API"
	ErrCodeMailboxIO    ErrorCode = "MAILBOX_IO"
	ErrCodeEventPublish ErrorCode = "EVENT_PUBLISH"

	// Request validation
	ErrCodeInvalidInput     ErrorCode = "INVALID_INPUT"
	ErrCodeValidationFailed ErrorCode = "VALIDATION_FAILED"
	ErrCodeBadSignature     ErrorCode = "BAD_SIGNATURE"

	// Access control
	ErrCodeAuthentication ErrorCode = "AUTHENTICATION"
	ErrCodeAuthorization  ErrorCode = "AUTHORIZATION"

	// Everything else
	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
	ErrCodeNotFound      ErrorCode = "NOT_FOUND"
	ErrCodeTimeout       ErrorCode = "TIMEOUT"
)

// AppError is an error with a code, optional cause, and loggable context.
// Retryable marks temporary conditions a caller may attempt again.
type AppError struct {
	Code        ErrorCode      `json:"code"`
	Message     string         `json:"message"`
	Cause       error          `json:"-"`
	Context     map[string]any `json:"context,omitempty"`
	Retryable   bool           `json:"retryable"`
	UserMessage string         `json:"user_message,omitempty"`
}

func (e *AppError) Error() string {
	msg := string(e.Code) + ": " + e.Message
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithContext attaches a key/value pair for structured logging. It returns
// the receiver so calls chain.
func (e *AppError) WithContext(key string, value any) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// WithUserMessage sets the text exposed to API clients instead of the
// internal message.
func (e *AppError) WithUserMessage(msg string) *AppError {
	e.UserMessage = msg
	return e
}

// New creates an AppError without a cause.
func New(code ErrorCode, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(err error, code ErrorCode, message string) *AppError {
	return &AppError{Code: code, Message: message, Cause: err}
}

// WrapRetryable wraps an error and marks the condition as temporary.
func WrapRetryable(err error, code ErrorCode, message string) *AppError {
	appErr := Wrap(err, code, message)
	appErr.Retryable = true
	return appErr
}

// asAppError digs an AppError out of err, unwrapping as needed.
func asAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// IsRetryable reports whether err, anywhere in its chain, is an AppError
// marked retryable. Plain errors are never retryable.
func IsRetryable(err error) bool {
	if appErr, ok := asAppError(err); ok {
		return appErr.Retryable
	}
	return false
}

// GetCode returns the code of the AppError in err's chain, or
// ErrCodeInternalError for plain errors.
func GetCode(err error) ErrorCode {
	if appErr, ok := asAppError(err); ok {
		return appErr.Code
	}
	return ErrCodeInternalError
}

// GetUserMessage returns the client-facing text for err. Errors without one
// fall back to a generic message so internals never leak.
func GetUserMessage(err error) string {
	if appErr, ok := asAppError(err); ok && appErr.UserMessage != "" {
		return appErr.UserMessage
	}
	return "An internal error occurred"
}
