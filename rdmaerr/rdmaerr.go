// Package rdmaerr enumerates the error kinds a gorcverbs component can
// fail with, following the typed-error-plus-Kind-accessor idiom rather than
// bare fmt.Errorf strings, so callers can branch on failure category.
package rdmaerr

import (
	"errors"
	"fmt"
)

// Kind categorizes a failure.
type Kind string

const (
	// Resource covers failed allocation/registration of a verbs object,
	// socket, or epoll/eventfd; carries the system errno or vendor code.
	Resource Kind = "resource"
	// Wire covers short read/write, unexpected EOF during a handshake, or
	// a malformed header.
	Wire Kind = "wire"
	// Completion covers a non-success completion status for a posted
	// request.
	Completion Kind = "completion"
	// Precondition covers a caller violating a documented invariant; it is
	// a programmer error, treated as fatal.
	Precondition Kind = "precondition"
	// Shutdown covers an executor queue or event loop that has already
	// been closed; surfaced as a clean termination of affected tasks.
	Shutdown Kind = "shutdown"
)

// Error is a gorcverbs error: an operation name, a Kind, a message, and an
// optional wrapped cause.
type Error struct {
	Op    string
	Kind  Kind
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("gorcverbs: %s: %s", e.Kind, e.Msg)
	}
	return fmt.Sprintf("gorcverbs: %s: %s: %s", e.Op, e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is lets errors.Is(err, &Error{Kind: someKind}) match any *Error of that
// Kind, regardless of Op/Msg/Cause.
func (e *Error) Is(target error) bool {
	var te *Error
	if errors.As(target, &te) {
		return e.Kind == te.Kind
	}
	return false
}

// New builds an Error with no wrapped cause.
func New(op string, kind Kind, msg string) *Error {
	return &Error{Op: op, Kind: kind, Msg: msg}
}

// Newf is New with a formatted message.
func Newf(op string, kind Kind, format string, args ...any) *Error {
	return &Error{Op: op, Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches op and kind to an existing cause. Returns a nil *Error if
// cause is nil; stored in an error interface, that nil pointer is a
// non-nil error value.
func Wrap(op string, kind Kind, cause error) *Error {
	if cause == nil {
		return nil
	}
	return &Error{Op: op, Kind: kind, Msg: cause.Error(), Cause: cause}
}

// Of reports whether err (or something it wraps) is a gorcverbs Error of
// the given Kind.
func Of(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
