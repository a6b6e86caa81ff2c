package pipeline

import (
	"errors"
	"fmt"
)

// ErrorKind classifies capture and detection failures
type ErrorKind string

const (
	// KindCaptureUnavailable - no file selected, camera not granted or frame not decodable
	KindCaptureUnavailable ErrorKind = "capture_unavailable"
	// KindUnauthorized - the service rejected missing or invalid credentials
	KindUnauthorized ErrorKind = "unauthorized"
	// KindUnreachable - the request was sent but no response came back
	KindUnreachable ErrorKind = "unreachable"
	// KindMalformedResponse - a response arrived without the required fields
	KindMalformedResponse ErrorKind = "malformed_response"
	// KindServerError - any other non-2xx response
	KindServerError ErrorKind = "server_error"
	// KindTimeout - no response within the request timeout
	KindTimeout ErrorKind = "timeout"
	// KindCanceled - the request was abandoned by the session
	KindCanceled ErrorKind = "canceled"
)

// Error is the only error type capture and detection return to the session
type Error struct {
	Kind    ErrorKind
	Message string // User-facing message
	Status  int    // HTTP status when a response was received
	Err     error  // Underlying cause, if any
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a typed pipeline error
func NewError(kind ErrorKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}

// KindOf returns the kind of a pipeline error, or "" for anything else
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

// IsKind reports whether err is a pipeline error of the given kind
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
