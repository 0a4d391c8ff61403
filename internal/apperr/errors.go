package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for HTTP mapping and retry policy.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindAuthorization
	KindNotFound
	KindState
	KindCapacity
	KindOnChainVerification
	KindChainSubmission
)

type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether a caller may retry the operation as-is.
// Only chain submission failures are transient.
func (e *Error) Retryable() bool { return e.Kind == KindChainSubmission }

func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindValidation, KindCapacity, KindOnChainVerification:
		return http.StatusBadRequest
	case KindAuthorization:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindState:
		return http.StatusConflict
	case KindChainSubmission:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func Validation(code, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Code: code, Message: fmt.Sprintf(format, args...)}
}

func Authorization(code, format string, args ...any) *Error {
	return &Error{Kind: KindAuthorization, Code: code, Message: fmt.Sprintf(format, args...)}
}

func NotFound(code, format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Code: code, Message: fmt.Sprintf(format, args...)}
}

func State(code, format string, args ...any) *Error {
	return &Error{Kind: KindState, Code: code, Message: fmt.Sprintf(format, args...)}
}

func Capacity(code, format string, args ...any) *Error {
	return &Error{Kind: KindCapacity, Code: code, Message: fmt.Sprintf(format, args...)}
}

func OnChainVerification(code, format string, args ...any) *Error {
	return &Error{Kind: KindOnChainVerification, Code: code, Message: fmt.Sprintf(format, args...)}
}

func ChainSubmission(code string, err error) *Error {
	return &Error{Kind: KindChainSubmission, Code: code, Message: "chain submission failed", Err: err}
}

func Internal(err error) *Error {
	return &Error{Kind: KindInternal, Code: "internal_error", Message: "internal error", Err: err}
}

// From returns err as an *Error, wrapping unknown errors as internal.
func From(err error) *Error {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr
	}
	return Internal(err)
}

func IsKind(err error, kind Kind) bool {
	var appErr *Error
	return errors.As(err, &appErr) && appErr.Kind == kind
}
