package transport

import (
	"context"
	"errors"

	"github.com/capwire/capwire/wire"
)

// Common transport errors.
var (
	// ErrClosed indicates the transport has been closed.
	ErrClosed = errors.New("transport is closed")

	// ErrMessageTooLarge indicates a message exceeds the size limit.
	ErrMessageTooLarge = errors.New("message too large")
)

// Transport is a bidirectional message stream between two RPC peers.
// Messages must arrive whole and in the order they were sent.
// Implementations must allow one concurrent sender and one concurrent
// receiver.
type Transport interface {
	// Send transmits a message to the remote peer.
	Send(ctx context.Context, m *wire.Message) error

	// Receive blocks until the next message from the remote peer arrives.
	// It returns ErrClosed once the transport is closed and drained.
	Receive(ctx context.Context) (*wire.Message, error)

	// Close shuts the transport down. It is safe to call multiple times
	// and unblocks a pending Receive.
	Close() error
}
