// Package failures classifies pipeline errors so callers can decide between
// aborting a run, retrying, and logging and moving on.
package failures

import (
	"errors"
	"fmt"
)

// Kind is the category of a pipeline failure.
type Kind int

const (
	// Unknown is reported for errors that carry no classification.
	Unknown Kind = iota
	// AuthenticationFailure aborts the current run.
	AuthenticationFailure
	// ValidationFailure marks a record that must not be written.
	ValidationFailure
	// ClientRejected marks a write the store refused as malformed.
	ClientRejected
	// TransientFailure is retried with a bounded budget.
	TransientFailure
	// ExtractionServiceUnavailable is a non-success answer from the extraction service.
	ExtractionServiceUnavailable
	// MalformedResponse is an extraction response missing the expected fields.
	MalformedResponse
)

// String returns the kind's label as used in logs and metrics.
func (k Kind) String() string {
	switch k {
	case AuthenticationFailure:
		return "authentication_failure"
	case ValidationFailure:
		return "validation_failure"
	case ClientRejected:
		return "client_rejected"
	case TransientFailure:
		return "transient_failure"
	case ExtractionServiceUnavailable:
		return "extraction_service_unavailable"
	case MalformedResponse:
		return "malformed_response"
	default:
		return "unknown"
	}
}

// Retryable reports whether a failure of this kind may succeed on a later attempt.
func (k Kind) Retryable() bool {
	return k == TransientFailure || k == Unknown
}

// Error is a classified failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// Error implements error.
func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind, so errors.Is(err, &Error{Kind: k}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Err == nil
}

// New wraps err with a kind and the operation that produced it.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf builds a classified failure from a format string.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the first classified error in err's chain.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Unknown
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
