// Package errors provides the error taxonomy shared by the event store layers.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode identifies a class of failure that callers branch on.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrValidation ErrorCode = "VALIDATION_ERROR"
	ErrClosed     ErrorCode = "STORE_CLOSED"

	// Local persistence errors
	ErrPersistence ErrorCode = "PERSISTENCE_ERROR"
	ErrMigration   ErrorCode = "MIGRATION_FAILED"

	// Remote errors
	ErrRemoteUnavailable ErrorCode = "REMOTE_UNAVAILABLE"
	ErrRemoteRejected    ErrorCode = "REMOTE_REJECTED"
	ErrRemoteAuthFailed  ErrorCode = "REMOTE_AUTH_FAILED"
	ErrRemoteQuota       ErrorCode = "REMOTE_QUOTA_EXCEEDED"

	// Startup errors
	ErrConfiguration ErrorCode = "CONFIGURATION_ERROR"

	// Command errors
	ErrHandlerNotFound ErrorCode = "HANDLER_NOT_FOUND"
)

// AppError represents an application error with code and message.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Newf creates a new AppError with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *AppError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Is reports whether any error in err's chain is an AppError with the given code.
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	for err != nil {
		if !stderrors.As(err, &appErr) {
			return false
		}
		if appErr.Code == code {
			return true
		}
		err = appErr.Err
	}
	return false
}

// CodeOf returns the code of the outermost AppError in err's chain,
// or ErrInternal when err carries no code.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}

// IsTransient reports whether err describes a remote condition that is
// expected to clear on its own (network, auth refresh, quota window).
func IsTransient(err error) bool {
	return Is(err, ErrRemoteUnavailable) || Is(err, ErrRemoteAuthFailed) || Is(err, ErrRemoteQuota)
}
