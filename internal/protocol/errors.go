package protocol

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode classifies failures that cross a component boundary.
type ErrorCode string

const (
	CodeAuthRequired          ErrorCode = "AUTH_REQUIRED"
	CodeForbidden             ErrorCode = "FORBIDDEN"
	CodeKeysNotFound          ErrorCode = "KEYS_NOT_FOUND"
	CodeInvalidSignature      ErrorCode = "INVALID_SIGNATURE"
	CodeSessionNotEstablished ErrorCode = "SESSION_NOT_ESTABLISHED"
	CodeDecryptionFailed      ErrorCode = "DECRYPTION_FAILED"
	CodeTransportTimeout      ErrorCode = "TRANSPORT_TIMEOUT"
	CodeSendFailed            ErrorCode = "SEND_FAILED"
	CodeInternal              ErrorCode = "INTERNAL_ERROR"
	CodeBadRequest            ErrorCode = "BAD_REQUEST"
	CodeRateLimited           ErrorCode = "RATE_LIMITED"
	CodeNotFound              ErrorCode = "NOT_FOUND"
)

// Error is a coded error.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Errorf builds a coded error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code to an underlying error.
func Wrap(code ErrorCode, err error, message string) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Message != "":
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	default:
		return string(e.Code)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error carrying the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Code == e.Code && t.Message == "" && t.Err == nil
	}
	return false
}

// HTTPStatus maps the code to a REST status.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case CodeAuthRequired:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeKeysNotFound, CodeNotFound:
		return http.StatusNotFound
	case CodeBadRequest, CodeInvalidSignature:
		return http.StatusBadRequest
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeTransportTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// CodeOf returns the code carried by err, or CodeInternal.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// CodeFromStatus maps a REST status back to a code.
func CodeFromStatus(status int) ErrorCode {
	switch status {
	case http.StatusUnauthorized:
		return CodeAuthRequired
	case http.StatusForbidden:
		return CodeForbidden
	case http.StatusNotFound:
		return CodeKeysNotFound
	case http.StatusBadRequest:
		return CodeBadRequest
	case http.StatusTooManyRequests:
		return CodeRateLimited
	case http.StatusGatewayTimeout:
		return CodeTransportTimeout
	default:
		return CodeInternal
	}
}

// Sentinels for errors.Is checks.
var (
	ErrAuthRequired          = &Error{Code: CodeAuthRequired}
	ErrForbidden             = &Error{Code: CodeForbidden}
	ErrKeysNotFound          = &Error{Code: CodeKeysNotFound}
	ErrInvalidSignature      = &Error{Code: CodeInvalidSignature}
	ErrSessionNotEstablished = &Error{Code: CodeSessionNotEstablished}
	ErrDecryptionFailed      = &Error{Code: CodeDecryptionFailed}
	ErrTransportTimeout      = &Error{Code: CodeTransportTimeout}
	ErrSendFailed            = &Error{Code: CodeSendFailed}
)
