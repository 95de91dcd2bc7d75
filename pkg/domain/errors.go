package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies domain failures for callers and transport adapters.
type ErrorKind string

// Domain error taxonomy. StaleScan is recorded in the scan log rather than
// treated as fatal; Retryable marks infrastructure failures safe to retry.
const (
	KindValidation          ErrorKind = "validation"
	KindInvalidToken        ErrorKind = "invalid_token"
	KindNotFound            ErrorKind = "not_found"
	KindConflict            ErrorKind = "conflict"
	KindForbiddenTransition ErrorKind = "forbidden_transition"
	KindForbiddenActor      ErrorKind = "forbidden_actor"
	KindForbiddenAssignment ErrorKind = "forbidden_assignment"
	KindStaleScan           ErrorKind = "stale_or_out_of_order_scan"
	KindRetryable           ErrorKind = "retryable"
)

// DomainError is a classified failure returned synchronously by custody
// operations. The only side effect permitted alongside one is the mandatory
// scan log entry for scan attempts.
type DomainError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *DomainError) Unwrap() error { return e.Err }

// Errorf builds a classified error from a format string.
func Errorf(kind ErrorKind, format string, args ...any) *DomainError {
	return &DomainError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapRetryable marks an infrastructure failure as safe to retry.
func WrapRetryable(msg string, err error) *DomainError {
	return &DomainError{Kind: KindRetryable, Message: msg, Err: err}
}

// KindOf extracts the error kind, or empty string for unclassified errors.
func KindOf(err error) ErrorKind {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}

// IsKind reports whether err carries the given classification.
func IsKind(err error, kind ErrorKind) bool { return KindOf(err) == kind }

// IsRetryable reports whether the failure is transient infrastructure trouble.
func IsRetryable(err error) bool { return IsKind(err, KindRetryable) }
