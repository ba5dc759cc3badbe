// Package wire defines the RPC message model and its binary encoding.
//
// A connection exchanges Messages: a tagged union over Bootstrap, Call,
// Return, Finish, Resolve, Release, Disembargo and Abort. The engine in
// package rpc interprets these; package wire only knows their shape.
//
// # Payloads
//
// Argument and result data travels as a Payload: an opaque byte slice plus
// a capability table. The engine never interprets Payload.Data; structured
// layout belongs to the application's codec layer. Capabilities referenced
// by the data are carried in Payload.CapTable and addressed by index.
//
// Promise pipelining paths are likewise capability-table indexes: an empty
// path names the payload's first capability, a single step names the
// capability at that index. Deeper traversal would require interpreting
// Data and is left to the layer that owns it; the codec still transports
// longer paths untouched.
//
// # Encoding
//
// The encoding is a compact tag-prefixed binary layout: one byte per union
// tag, unsigned LEB128 varints for ids and counts, length-prefixed byte
// strings. Unmarshal rejects malformed input with a protocol-kind error and
// never panics on arbitrary bytes.
package wire
