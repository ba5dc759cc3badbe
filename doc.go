// Package capwire implements capability-based RPC with promise
// pipelining, in the style of the Cap'n Proto RPC protocol (level 1).
//
// A capability is an unforgeable reference to an object that can be
// called and passed around, including across connections. Results are
// futures: a call on a not-yet-returned result is sent immediately,
// targeted at the outstanding answer, so dependent call chains cost one
// round trip instead of one per link.
//
// # Architecture Overview
//
// The module is organized into packages with distinct responsibilities:
//
//	capwire/
//	├── errors/          structured error taxonomy shared with the wire
//	├── wire/            protocol message model and binary codec
//	├── transport/       framed message transports (TCP stream, in-memory pipe)
//	├── capability/      client references, promises, local dispatch
//	├── rpc/             the session engine: tables, pipelining, embargoes
//	└── cmd/capwire/     demo calculator CLI and interactive console
//
// # Quick Start
//
// Serve a capability:
//
//	ln, _ := net.Listen("tcp", addr)
//	for {
//	    sock, _ := ln.Accept()
//	    rpc.NewConn(transport.Stream(sock), &rpc.Options{
//	        Bootstrap: capability.NewLocalClient(root),
//	    })
//	}
//
// Call one:
//
//	sock, _ := net.Dial("tcp", addr)
//	conn := rpc.NewConn(transport.Stream(sock), nil)
//	defer conn.Close()
//
//	calc := conn.Bootstrap(ctx)
//	defer calc.Release()
//	ans := calc.Call(ctx, method, args)
//	result, err := ans.Await(ctx)
//
// # Reference Counting
//
// Clients, answers and payloads carry explicit references. Whoever
// receives a reference owns it and must Release it; AddRef shares it.
// When the last reference to a capability is dropped, locally or via a
// wire Release message, its backing resources are torn down exactly once.
//
// # Ordering
//
// Calls made through one client are delivered in the order they were
// made, even while the client's final location is still unknown. When a
// promise resolves to a capability that loops back to the caller's own
// side, the engine fences direct delivery behind a disembargo round trip
// so earlier forwarded calls land first.
package capwire
