package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"intercom/internal/core/domain"
	"intercom/pkg/circuitbreaker"
	"intercom/pkg/protocol"
)

// ErrorCode represents application error codes
type ErrorCode string

const (
	ErrCodeInvalidInput       ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound           ErrorCode = "NOT_FOUND"
	ErrCodeUnauthorized       ErrorCode = "UNAUTHORIZED"
	ErrCodeConflict           ErrorCode = "CONFLICT"
	ErrCodeRateLimit          ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal           ErrorCode = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"

	ErrCodeBusy            ErrorCode = "BUSY"
	ErrCodeNotReady        ErrorCode = "NOT_READY"
	ErrCodePeerUnreachable ErrorCode = "PEER_UNREACHABLE"
)

// AppError represents an application error with code and context
type AppError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Cause      error
	Context    map[string]interface{}
}

// Error implements error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewAppError creates a new application error
func NewAppError(code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Context:    make(map[string]interface{}),
	}
}

// WrapError wraps an existing error with application error
func WrapError(err error, code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Cause:      err,
		Context:    make(map[string]interface{}),
	}
}

// Common error constructors
func NewInvalidInputError(message string) *AppError {
	return NewAppError(ErrCodeInvalidInput, message, http.StatusBadRequest)
}

func NewNotFoundError(resource string) *AppError {
	return NewAppError(ErrCodeNotFound, fmt.Sprintf("%s not found", resource), http.StatusNotFound)
}

func NewUnauthorizedError(message string) *AppError {
	return NewAppError(ErrCodeUnauthorized, message, http.StatusUnauthorized)
}

func NewRateLimitError() *AppError {
	return NewAppError(ErrCodeRateLimit, "rate limit exceeded", http.StatusTooManyRequests)
}

func NewInternalError(message string) *AppError {
	return NewAppError(ErrCodeInternal, message, http.StatusInternalServerError)
}

func NewServiceUnavailableError(message string) *AppError {
	return NewAppError(ErrCodeServiceUnavailable, message, http.StatusServiceUnavailable)
}

// FromDomain converts engine and domain errors into API errors. Errors that
// already carry an AppError are returned as is; unknown errors become
// INTERNAL_ERROR.
func FromDomain(err error) *AppError {
	if err == nil {
		return nil
	}
	if appErr := GetAppError(err); appErr != nil {
		return appErr
	}

	switch {
	case stderrors.Is(err, domain.ErrNotIdle):
		return WrapError(err, ErrCodeConflict, err.Error(), http.StatusConflict)
	case stderrors.Is(err, domain.ErrNotRinging), stderrors.Is(err, domain.ErrNoCall):
		return WrapError(err, ErrCodeConflict, err.Error(), http.StatusConflict)
	case stderrors.Is(err, domain.ErrNoPeer):
		return WrapError(err, ErrCodeNotReady, err.Error(), http.StatusConflict)
	case stderrors.Is(err, domain.ErrPeerBusy):
		return WrapError(err, ErrCodeBusy, err.Error(), http.StatusConflict)
	case stderrors.Is(err, domain.ErrPeerUnreachable), stderrors.Is(err, circuitbreaker.ErrOpen):
		return WrapError(err, ErrCodePeerUnreachable, "peer unreachable", http.StatusBadGateway)
	case stderrors.Is(err, domain.ErrEngineStopped):
		return WrapError(err, ErrCodeServiceUnavailable, err.Error(), http.StatusServiceUnavailable)
	case stderrors.Is(err, domain.ErrNotFound):
		return WrapError(err, ErrCodeNotFound, err.Error(), http.StatusNotFound)
	case stderrors.Is(err, domain.ErrInvalidSetting):
		return WrapError(err, ErrCodeInvalidInput, err.Error(), http.StatusBadRequest)
	default:
		return WrapError(err, ErrCodeInternal, "internal error", http.StatusInternalServerError)
	}
}

// WireCode maps an error to the code carried in a protocol ERROR frame.
func WireCode(err error) protocol.ErrorCode {
	switch {
	case err == nil:
		return protocol.CodeOK
	case stderrors.Is(err, domain.ErrNotIdle), stderrors.Is(err, domain.ErrPeerBusy):
		return protocol.CodeBusy
	case stderrors.Is(err, protocol.ErrTruncated), stderrors.Is(err, protocol.ErrShortHeader),
		stderrors.Is(err, protocol.ErrOversized):
		return protocol.CodeInvalidMsg
	case stderrors.Is(err, domain.ErrEngineStopped), stderrors.Is(err, domain.ErrNoPeer):
		return protocol.CodeNotReady
	default:
		return protocol.CodeInternal
	}
}

// IsAppError checks if error is an AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return stderrors.As(err, &appErr)
}

// GetAppError extracts AppError from error chain
func GetAppError(err error) *AppError {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	return nil
}
