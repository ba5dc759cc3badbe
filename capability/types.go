package capability

import (
	"context"
)

// Method selects one method of one interface. Interface ids are 64-bit
// values assigned by the schema layer; method ids are ordinals within the
// interface.
type Method struct {
	InterfaceID uint64
	MethodID    uint16
}

// Dispatcher is the server-side contract a local capability implements.
// The schema compiler's generated skeletons satisfy this; hand-written
// implementations switch on the method.
//
// Dispatch runs on the capability's worker goroutine. It may block and it
// may issue further calls, including back across the connection the call
// arrived on. Returning an error produces an exception Return; the error's
// kind crosses the wire.
type Dispatcher interface {
	Dispatch(ctx context.Context, m Method, args Payload, r *Results) error
}

// Shutdowner is optionally implemented by dispatchers that need teardown
// when the last reference to their capability is dropped.
type Shutdowner interface {
	Shutdown()
}

// Hook is the polymorphic backing of a Client. Implementations exist for
// local capabilities, promises, broken capabilities and (in package rpc)
// remote imports and pipelined answers.
type Hook interface {
	// Call invokes a method. It takes ownership of args' capability
	// references and returns an answer that settles exactly once.
	Call(ctx context.Context, m Method, args Payload) *Answer

	// Brand identifies where the capability lives, letting a connection
	// recognize its own proxies when they come back around. Nil for
	// plain local capabilities.
	Brand() any

	// Shutdown releases the hook's resources. Called exactly once, when
	// the last client reference is dropped.
	Shutdown()
}

// ResolvableHook is implemented by hooks whose final capability is not
// known yet: promises and pipelined answers.
type ResolvableHook interface {
	Hook

	// WhenResolved registers f to run once the hook settles. The resolved
	// client is borrowed; f must AddRef to keep it. If the hook is already
	// settled, f runs immediately.
	WhenResolved(f func(resolved *Client, err error))

	// Resolution returns the settled client (borrowed) or error, and
	// whether the hook has settled at all.
	Resolution() (*Client, error, bool)
}

// Pipeliner hands out clients for paths into an answer that is managed
// elsewhere, before and after it resolves. Package rpc installs one on
// each question's answer so pipelined calls become wire messages.
type Pipeliner interface {
	PipelineClient(path []uint16) *Client
}

// Payload is in-memory call data: opaque bytes plus the capabilities they
// reference, by table index.
type Payload struct {
	Data []byte
	Caps []*Client
}
