// Package rpc implements the capability RPC session engine.
//
// A Conn owns one transport and speaks the wire protocol over it: it
// tracks the calls this side has made (questions) and the calls the peer
// has made (answers), the capabilities each side has shared (exports and
// imports, both reference counted), promise pipelining, and the
// disembargo handshake that keeps calls ordered when a capability's
// location changes mid-flight.
//
//	conn := rpc.NewConn(transport.Stream(sock), &rpc.Options{
//	    Bootstrap: capability.NewLocalClient(root),
//	})
//	defer conn.Close()
//
//	calc := conn.Bootstrap(ctx)
//	defer calc.Release()
//	ans := calc.Call(ctx, addMethod, args)
//
// # Pipelining
//
// The answer returned by a call hands out capabilities from its eventual
// result before the result arrives. Calls through such a capability are
// sent immediately, targeted at the outstanding question, so a chain of
// dependent calls costs one round trip instead of one per link. Calling a
// method on the promised result and awaiting is equivalent to awaiting
// first and then calling.
//
// # Ordering
//
// A single goroutine reads the transport and applies messages in arrival
// order; a single goroutine writes, in the order the engine decided.
// Application dispatch runs on worker goroutines and never blocks either.
// When a promise resolves to a capability that lives back on this side of
// the connection, calls on that path are buffered behind a disembargo
// round trip so that everything sent before the resolution is delivered
// first.
//
// # Failure
//
// Malformed or inconsistent incoming messages are fatal: the connection
// sends an abort to the peer and shuts down. Every outstanding question
// and answer then settles with a disconnected error; nothing is left
// hanging.
package rpc
