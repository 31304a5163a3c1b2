package provider

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies backend failures independently of the backend.
// Engines and the queue make retry/abort decisions on the kind alone.
type ErrorKind string

const (
	// ErrKindAuth indicates the session could not be established or expired.
	ErrKindAuth ErrorKind = "authentication"
	// ErrKindAuthorization indicates the session lacks permission.
	ErrKindAuthorization ErrorKind = "authorization"
	// ErrKindNetwork indicates a connectivity failure. Retryable.
	ErrKindNetwork ErrorKind = "network"
	// ErrKindRateLimit indicates throttling. Retryable, may carry RetryAfter.
	ErrKindRateLimit ErrorKind = "rate_limit"
	// ErrKindNotFound indicates the path does not exist.
	ErrKindNotFound ErrorKind = "not_found"
	// ErrKindAlreadyExists indicates the destination is occupied.
	ErrKindAlreadyExists ErrorKind = "already_exists"
	// ErrKindInsufficientStorage indicates the account is out of space.
	ErrKindInsufficientStorage ErrorKind = "insufficient_storage"
	// ErrKindInvalidOperation indicates bad input or state.
	ErrKindInvalidOperation ErrorKind = "invalid_operation"
	// ErrKindUnsupported indicates the backend does not implement the call.
	ErrKindUnsupported ErrorKind = "unsupported_operation"
	// ErrKindFileSizeLimit indicates the file exceeds the backend limit.
	ErrKindFileSizeLimit ErrorKind = "file_size_limit"
	// ErrKindIntegrity indicates a checksum mismatch after transfer. Retryable.
	ErrKindIntegrity ErrorKind = "integrity_mismatch"
	// ErrKindUnavailable indicates the service is temporarily down. Retryable.
	ErrKindUnavailable ErrorKind = "service_unavailable"
	// ErrKindAPI is the catch-all for unmapped backend responses.
	ErrKindAPI ErrorKind = "api_error"
)

// Error is a classified backend failure. Backend implementations map
// their native error shapes onto this type; raw payloads stay internal.
type Error struct {
	Kind    ErrorKind
	Message string

	// Status is the raw protocol status (HTTP code etc.), 0 when none.
	Status int

	// RetryAfter is the backend's throttle hint, zero when absent.
	RetryAfter time.Duration

	// Err is the underlying cause, kept for logging only.
	Err error
}

// NewError builds a classified provider error.
func NewError(kind ErrorKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}

// Errorf builds a classified provider error with formatting.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether the failure is worth retrying as-is.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case ErrKindNetwork, ErrKindRateLimit, ErrKindIntegrity, ErrKindUnavailable:
		return true
	default:
		return false
	}
}

// Unsupported builds the distinguishable error returned when a backend
// does not implement an operation.
func Unsupported(backendType, operation string) *Error {
	return Errorf(ErrKindUnsupported, "%s does not support %s", backendType, operation)
}

// KindOf extracts the classification from err, or ErrKindAPI for
// unclassified errors.
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ErrKindAPI
}

// IsKind reports whether err carries the given classification.
func IsKind(err error, kind ErrorKind) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Kind == kind
}

// IsRetryable reports whether err is classified as retryable.
// Unclassified errors are not retried.
func IsRetryable(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Retryable()
	}
	return false
}

// IsAuthFailure reports whether err should abort an entire run.
func IsAuthFailure(err error) bool {
	return IsKind(err, ErrKindAuth)
}

// FromHTTPStatus maps a raw HTTP status onto the taxonomy. Backends over
// HTTP use this as their default mapping before protocol-specific fixups.
func FromHTTPStatus(status int, message string, cause error) *Error {
	var kind ErrorKind
	switch {
	case status == 401:
		kind = ErrKindAuth
	case status == 403:
		kind = ErrKindAuthorization
	case status == 404:
		kind = ErrKindNotFound
	case status == 409:
		kind = ErrKindAlreadyExists
	case status == 413:
		kind = ErrKindFileSizeLimit
	case status == 429:
		kind = ErrKindRateLimit
	case status == 507:
		kind = ErrKindInsufficientStorage
	case status == 503:
		kind = ErrKindUnavailable
	case status >= 500:
		kind = ErrKindUnavailable
	default:
		kind = ErrKindAPI
	}
	return &Error{Kind: kind, Message: message, Status: status, Err: cause}
}
