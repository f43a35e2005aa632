/*
Package hosterr defines the failure kinds reported by the host operations.

Components return *Error values tagged with a Kind. Only the HTTP layer translates a Kind into a status code,
so nothing below it knows about transport details.
*/
package hosterr

import (
	"errors"
	"fmt"
)

type Kind int

const (
	// Internal covers everything else, including unparseable tool output.
	Internal Kind = iota
	// InvalidArgument means the input was malformed or missing. No subprocess was started.
	InvalidArgument
	// Forbidden means the program name is outside the command whitelist. No subprocess was started.
	Forbidden
	// NotFound means the target process does not exist.
	NotFound
	// PermissionDenied means the caller may not signal the target.
	PermissionDenied
	// TimedOut means an external tool exceeded its allotted duration and was killed.
	TimedOut
	// Unauthorized means the request carried no valid credentials.
	Unauthorized
)

func (k Kind) String() string {
	switch k {
	case InvalidArgument:
		return "invalid_argument"
	case Forbidden:
		return "forbidden"
	case NotFound:
		return "not_found"
	case PermissionDenied:
		return "permission_denied"
	case TimedOut:
		return "timed_out"
	case Unauthorized:
		return "unauthorized"
	default:
		return "internal_error"
	}
}

type Error struct {
	Kind Kind
	// Op names the failing operation, e.g. "pkill" or "command".
	Op  string
	Err error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error with a formatted detail message.
func New(kind Kind, op string, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap tags err with a kind and operation. A nil err stays nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain, or Internal if there is none.
func KindOf(err error) Kind {
	var he *Error
	if errors.As(err, &he) {
		return he.Kind
	}
	return Internal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// OpOf returns the operation name recorded in err, or fallback.
func OpOf(err error, fallback string) string {
	var he *Error
	if errors.As(err, &he) && he.Op != "" {
		return he.Op
	}
	return fallback
}

// Detail returns the human-readable message without the operation prefix.
func Detail(err error) string {
	var he *Error
	if errors.As(err, &he) && he.Err != nil {
		return he.Err.Error()
	}
	return err.Error()
}
