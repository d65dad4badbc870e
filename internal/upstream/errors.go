package upstream

import (
	"errors"
	"fmt"
)

// ErrorKind categorizes network failures.
type ErrorKind string

const (
	// KindTransportFailure means no response was received at all.
	// Callers fall back to the store or the cache.
	KindTransportFailure ErrorKind = "TRANSPORT_FAILURE"

	// KindServerError means a response arrived but reported failure.
	// Callers pass it through unmodified.
	KindServerError ErrorKind = "SERVER_ERROR"
)

// Error describes a failed upstream call.
type Error struct {
	// Kind identifies the failure category.
	Kind ErrorKind

	// Op names the client operation, e.g. "post review".
	Op string

	// URL is the request target.
	URL string

	// Status is the HTTP status for KindServerError, zero otherwise.
	Status int

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Status != 0:
		return fmt.Sprintf("%s: %s %s: status %d", e.Kind, e.Op, e.URL, e.Status)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s %s: %v", e.Kind, e.Op, e.URL, e.Err)
	default:
		return fmt.Sprintf("%s: %s %s", e.Kind, e.Op, e.URL)
	}
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// IsTransportFailure returns true if err is an upstream transport failure.
// Uses errors.As to handle wrapped errors.
func IsTransportFailure(err error) bool {
	var ue *Error
	if errors.As(err, &ue) {
		return ue.Kind == KindTransportFailure
	}
	return false
}

// IsServerError returns true if err is an upstream server error.
// Uses errors.As to handle wrapped errors.
func IsServerError(err error) bool {
	var ue *Error
	if errors.As(err, &ue) {
		return ue.Kind == KindServerError
	}
	return false
}

// StatusOf returns the HTTP status carried by a server error, or 0.
func StatusOf(err error) int {
	var ue *Error
	if errors.As(err, &ue) {
		return ue.Status
	}
	return 0
}
