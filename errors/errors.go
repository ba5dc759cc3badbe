package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// Kind categorizes the error. Kinds are part of the wire protocol: the
// exception payload of a Return carries the kind as a small integer.
type Kind uint8

const (
	// KindFailed is a generic application-level failure. Errors from
	// outside this package are treated as Failed.
	KindFailed Kind = iota

	// KindOverloaded signals resource exhaustion; the caller may retry
	// after backing off.
	KindOverloaded

	// KindDisconnected means the connection was lost or aborted. All
	// outstanding calls on an aborted connection fail with this kind.
	KindDisconnected

	// KindUnimplemented means the target does not implement the requested
	// interface or method.
	KindUnimplemented

	// KindCancelled means the local caller dropped interest in the call
	// before a result arrived.
	KindCancelled

	// KindProtocol marks a violation of the wire protocol (malformed
	// message, unknown id, refcount underflow). Protocol errors are fatal
	// to the connection and never travel inside a Return; they become the
	// reason of an Abort.
	KindProtocol
)

// String returns the lower-case name of the kind.
func (k Kind) String() string {
	switch k {
	case KindFailed:
		return "failed"
	case KindOverloaded:
		return "overloaded"
	case KindDisconnected:
		return "disconnected"
	case KindUnimplemented:
		return "unimplemented"
	case KindCancelled:
		return "cancelled"
	case KindProtocol:
		return "protocol"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Error is the structured error type used throughout capwire.
type Error struct {
	Cause  error
	Kind   Kind
	Detail string
	// Prefix accumulates annotations added as the error propagates, most
	// recent first.
	Prefix []string
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(e.Kind.String())
	b.WriteByte(']')

	for _, p := range e.Prefix {
		b.WriteByte(' ')
		b.WriteString(p)
		b.WriteByte(':')
	}

	if e.Detail != "" {
		b.WriteByte(' ')
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error. Two Errors match when
// their kinds are equal, so errors.Is(err, errors.New(KindCancelled, ""))
// tests the kind alone.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Kind == t.Kind
	}
	return false
}

// New creates an error with the given kind and detail message.
func New(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

// Newf creates an error with the given kind and formatted detail message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Failed creates a generic application failure.
func Failed(detail string) *Error {
	return New(KindFailed, detail)
}

// Failedf creates a generic application failure with a formatted message.
func Failedf(format string, args ...any) *Error {
	return Newf(KindFailed, format, args...)
}

// Overloaded creates a resource-exhaustion error.
func Overloaded(detail string) *Error {
	return New(KindOverloaded, detail)
}

// Disconnected creates a connection-lost error.
func Disconnected(detail string) *Error {
	return New(KindDisconnected, detail)
}

// Disconnectedf creates a connection-lost error with a formatted message.
func Disconnectedf(format string, args ...any) *Error {
	return Newf(KindDisconnected, format, args...)
}

// Unimplemented creates an unknown-method error.
func Unimplemented(detail string) *Error {
	return New(KindUnimplemented, detail)
}

// Cancelled creates a local-cancellation error.
func Cancelled(detail string) *Error {
	return New(KindCancelled, detail)
}

// Protocol creates a connection-fatal protocol violation.
func Protocol(detail string) *Error {
	return New(KindProtocol, detail)
}

// Protocolf creates a connection-fatal protocol violation with a formatted
// message.
func Protocolf(format string, args ...any) *Error {
	return Newf(KindProtocol, format, args...)
}

// Wrap attaches a kind to an existing error. The original error remains
// reachable through Unwrap.
func Wrap(kind Kind, err error) *Error {
	return &Error{Kind: kind, Cause: err}
}

// Annotate prefixes err with context, preserving its kind. A nil err
// returns nil.
func Annotate(err error, prefix string) error {
	if err == nil {
		return nil
	}
	if e, ok := err.(*Error); ok {
		annotated := *e
		annotated.Prefix = append([]string{prefix}, e.Prefix...)
		return &annotated
	}
	return &Error{Kind: KindFailed, Prefix: []string{prefix}, Cause: err}
}

// KindOf reports the kind of err. Errors that do not carry a kind report
// KindFailed.
func KindOf(err error) Kind {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return KindFailed
}

// Message returns the text that should travel over the wire for err: the
// detail with its annotations, without the kind tag.
func Message(err error) string {
	e, ok := err.(*Error)
	if !ok {
		return err.Error()
	}
	var b strings.Builder
	for _, p := range e.Prefix {
		b.WriteString(p)
		b.WriteString(": ")
	}
	if e.Detail != "" {
		b.WriteString(e.Detail)
	} else if e.Cause != nil {
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}
