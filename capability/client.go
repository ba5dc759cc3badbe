package capability

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/capwire/capwire/errors"
)

// Client is a reference-counted handle to a capability. The zero of
// *Client (nil) behaves as a broken capability and tolerates AddRef and
// Release.
type Client struct {
	state *clientState
}

type clientState struct {
	hook Hook
	mu   sync.Mutex
	refs int
}

// NewClient wraps a hook in a client holding one reference.
func NewClient(h Hook) *Client {
	return &Client{state: &clientState{hook: h, refs: 1}}
}

// AddRef takes an additional reference and returns the same client.
func (c *Client) AddRef() *Client {
	if c == nil {
		return nil
	}
	c.state.mu.Lock()
	defer c.state.mu.Unlock()
	if c.state.refs > 0 {
		c.state.refs++
	}
	return c
}

// TryAddRef takes a reference only if the client is still alive,
// reporting whether it succeeded. Table code uses it to detect a client
// whose last reference is being dropped concurrently.
func (c *Client) TryAddRef() (*Client, bool) {
	if c == nil {
		return nil, false
	}
	c.state.mu.Lock()
	defer c.state.mu.Unlock()
	if c.state.refs <= 0 {
		return nil, false
	}
	c.state.refs++
	return c, true
}

// Release drops one reference. When the count reaches zero the backing
// hook shuts down. Releasing past zero is dropped and logged; it never
// corrupts the client.
func (c *Client) Release() {
	if c == nil {
		return
	}
	c.state.mu.Lock()
	if c.state.refs <= 0 {
		c.state.mu.Unlock()
		Logger().Warn("capability released more times than referenced")
		return
	}
	c.state.refs--
	done := c.state.refs == 0
	hook := c.state.hook
	if done {
		c.state.hook = nil
	}
	c.state.mu.Unlock()

	if done && hook != nil {
		hook.Shutdown()
	}
}

// Call invokes a method on the capability. It takes ownership of args'
// capability references and returns an answer that settles exactly once.
func (c *Client) Call(ctx context.Context, m Method, args Payload) *Answer {
	h := c.currentHook()
	if h == nil {
		args.Release()
		return ErrorAnswer(errors.Failed("call on released capability"))
	}
	return h.Call(ctx, m, args)
}

// Brand reports where the capability lives, following promise resolution.
func (c *Client) Brand() any {
	h := c.resolvedHook()
	if h == nil {
		return nil
	}
	return h.Brand()
}

// IsResolved reports whether the capability has a concrete backing: true
// for anything but an unsettled promise.
func (c *Client) IsResolved() bool {
	h := c.currentHook()
	if rh, ok := h.(ResolvableHook); ok {
		_, _, settled := rh.Resolution()
		return settled
	}
	return true
}

// WhenResolved runs f once the capability's final value is known,
// following chains of promises. For concrete capabilities f runs
// immediately with the client itself. The client passed to f is borrowed.
func (c *Client) WhenResolved(f func(resolved *Client, err error)) {
	if c == nil {
		f(nil, errors.Failed("null capability"))
		return
	}
	h := c.currentHook()
	if rh, ok := h.(ResolvableHook); ok {
		rh.WhenResolved(func(resolved *Client, err error) {
			if err != nil {
				f(nil, err)
				return
			}
			resolved.WhenResolved(f)
		})
		return
	}
	f(c, nil)
}

// IsSame reports whether two clients refer to the same capability,
// following any settled promises.
func (c *Client) IsSame(o *Client) bool {
	return c.identity() == o.identity()
}

// identity returns a comparable token for the capability behind the
// client, following settled promise chains. Used for identity-based
// export table lookups.
func (c *Client) identity() any {
	if c == nil {
		return nil
	}
	h := c.currentHook()
	if rh, ok := h.(ResolvableHook); ok {
		if r, err, settled := rh.Resolution(); settled && err == nil && r != nil && r != c {
			return r.identity()
		}
	}
	if h == nil {
		return nil
	}
	return c.state
}

// Identity exposes the capability's identity token for table keying.
func (c *Client) Identity() any {
	return c.identity()
}

func (c *Client) currentHook() Hook {
	if c == nil {
		return nil
	}
	c.state.mu.Lock()
	defer c.state.mu.Unlock()
	return c.state.hook
}

// resolvedHook follows settled promises to the hook that will actually
// serve calls.
func (c *Client) resolvedHook() Hook {
	h := c.currentHook()
	for {
		rh, ok := h.(ResolvableHook)
		if !ok {
			return h
		}
		r, err, settled := rh.Resolution()
		if !settled || err != nil || r == nil {
			return h
		}
		next := r.currentHook()
		if next == nil || next == h {
			return h
		}
		h = next
	}
}

// ErrorClient returns a capability that fails every call with err.
func ErrorClient(err error) *Client {
	return NewClient(&errorHook{err: err})
}

type errorHook struct {
	err error
}

func (h *errorHook) Call(_ context.Context, _ Method, args Payload) *Answer {
	args.Release()
	return ErrorAnswer(h.err)
}

func (h *errorHook) Brand() any { return nil }
func (h *errorHook) Shutdown()  {}

var (
	logger     *zap.Logger
	loggerOnce sync.Once
)

// Logger returns the capability package's logger instance.
// It uses a no-op logger by default.
func Logger() *zap.Logger {
	loggerOnce.Do(func() {
		if logger == nil {
			logger = zap.NewNop()
		}
	})
	return logger
}

// SetLogger configures the capability package's logger.
func SetLogger(l *zap.Logger) {
	logger = l
}
