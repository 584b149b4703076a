// Package apperr holds the error kinds shared by the ingestion and query paths.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
)

var (
	// ErrValidation marks client-fixable request problems. Match with errors.Is.
	ErrValidation = errors.New("validation failed")
	// ErrTimeout is returned when an external call exceeds its time budget. It is retryable.
	ErrTimeout = errors.New("external call timed out")
	// ErrTransient marks upstream failures worth retrying (5xx, connection resets).
	ErrTransient = errors.New("transient upstream failure")
)

// ValidationError describes a rejected request field.
type ValidationError struct {
	Field   string
	Message string
	Err     error
}

// Invalid builds a ValidationError for field.
func Invalid(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// InvalidWrap builds a ValidationError carrying a more specific cause.
func InvalidWrap(field, message string, cause error) *ValidationError {
	return &ValidationError{Field: field, Message: message, Err: cause}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return e.Err }

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// IsRetryable reports whether err is a transient infrastructure failure.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, ErrTransient) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	// unknown hosts and bad URLs fail the same way on every attempt
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsTimeout || dnsErr.IsTemporary
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// TransientStatus reports whether an HTTP status code is worth retrying.
func TransientStatus(code int) bool {
	return code >= 500 || code == 429
}
