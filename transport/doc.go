// Package transport moves wire messages between two RPC peers.
//
// A Transport delivers whole messages, reliably and in send order; the
// engine in package rpc layers everything else on top of that guarantee.
//
// Two implementations are provided. Stream frames messages over any
// io.ReadWriteCloser (a TCP connection, a pipe) with a length prefix.
// Pipe connects two in-process engines directly and is what the tests
// use.
package transport
