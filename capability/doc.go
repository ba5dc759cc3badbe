// Package capability models references to callable objects, local or
// remote.
//
// A Client is a reference-counted handle to a capability. What backs it is
// hidden behind the Hook interface: a local dispatcher, a proxy for an
// object on the far side of a connection, or a promise whose final value
// is not known yet. Promises resolve in place: calls made through a Client
// before resolution and after resolution go through the same handle, and
// calls queued against an unresolved promise are delivered in the order
// they were issued.
//
// # Reference counting
//
// Clients are shared by reference count. AddRef takes a new reference,
// Release drops one; when the last reference is dropped the backing hook
// shuts down, which for local capabilities invokes the dispatcher's
// optional Shutdown method. Release is idempotent per reference but
// releasing more than was held is a bug; the extra release is dropped and
// logged.
//
// # Ownership conventions
//
//   - Client.Call takes ownership of the argument payload's capability
//     references. AddRef first to keep using them.
//   - Answer.Await borrows the result payload; it stays valid until the
//     answer is released. AddRef individual capabilities to keep them.
//   - Answer.Client and Payload.ClientAt return a new reference owned by
//     the caller.
//
// # Delivery order
//
// Calls on one local capability are delivered to its Dispatcher one at a
// time, in call order, on a worker goroutine. A dispatcher may block or
// issue further calls without stalling anything but its own queue.
package capability
