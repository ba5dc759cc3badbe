// Package errors provides the structured error types used throughout capwire.
//
// Every error that can cross the wire is classified by a Kind. The kind
// survives the round trip: a dispatcher that fails with Overloaded on one
// side of a connection produces an error that reports Overloaded on the
// other side.
//
// Use the convenience constructors for common patterns:
//
//	err := errors.Failed("divide by zero")
//	err := errors.Unimplemented("no such method")
//	err := errors.Disconnectedf("connection closed: %v", cause)
//
// Wrap lower-level errors while preserving their kind:
//
//	err := errors.Annotate(err, "bootstrap")
//
// Recover the kind of any error with KindOf; errors that did not originate
// in this package report Failed:
//
//	if errors.KindOf(err) == errors.KindDisconnected { ... }
//
// All errors implement the standard error interface and support
// errors.Is/As.
package errors
