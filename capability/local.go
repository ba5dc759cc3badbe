package capability

import (
	"context"
	"sync"

	"github.com/capwire/capwire/errors"
)

// NewLocalClient wraps a dispatcher in a capability hosted by this
// process. Calls are delivered to the dispatcher one at a time, in call
// order, on a dedicated worker goroutine. When the last reference is
// dropped the dispatcher's Shutdown method runs, if it has one.
func NewLocalClient(d Dispatcher) *Client {
	return NewClient(&localHook{d: d})
}

// Results collects a dispatcher's result payload.
type Results struct {
	data []byte
	caps []*Client
}

// SetData sets the opaque result bytes.
func (r *Results) SetData(b []byte) {
	r.data = b
}

// AddCap appends a capability to the result's table, taking ownership of
// the reference, and returns its index for use in the data.
func (r *Results) AddCap(c *Client) uint16 {
	r.caps = append(r.caps, c)
	return uint16(len(r.caps) - 1)
}

// Payload returns the collected payload, transferring ownership of the
// capability references to the caller.
func (r *Results) Payload() Payload {
	p := Payload{Data: r.data, Caps: r.caps}
	r.caps = nil
	return p
}

type localHook struct {
	d       Dispatcher
	queue   []*localCall
	mu      sync.Mutex
	running bool
	dead    bool
}

type localCall struct {
	ctx    context.Context
	cancel context.CancelFunc
	args   Payload
	res    *Resolver
	m      Method
}

func (h *localHook) Call(ctx context.Context, m Method, args Payload) *Answer {
	cctx, cancel := context.WithCancel(ctx)
	ans, res := NewAnswer(cancel)

	h.mu.Lock()
	if h.dead {
		h.mu.Unlock()
		cancel()
		args.Release()
		res.Reject(errors.Failed("capability shut down"))
		return ans
	}
	h.queue = append(h.queue, &localCall{ctx: cctx, cancel: cancel, m: m, args: args, res: res})
	start := !h.running
	if start {
		h.running = true
	}
	h.mu.Unlock()

	if start {
		go h.work()
	}
	return ans
}

// work drains the call queue sequentially. One worker exists at a time,
// so a dispatcher observes calls in the order they were made.
func (h *localHook) work() {
	for {
		h.mu.Lock()
		if len(h.queue) == 0 {
			h.running = false
			dead := h.dead
			d := h.d
			if dead {
				h.d = nil
			}
			h.mu.Unlock()
			if dead {
				if s, ok := d.(Shutdowner); ok {
					s.Shutdown()
				}
			}
			return
		}
		lc := h.queue[0]
		h.queue = h.queue[1:]
		d := h.d
		h.mu.Unlock()

		h.deliver(d, lc)
	}
}

func (h *localHook) deliver(d Dispatcher, lc *localCall) {
	defer lc.cancel()

	if err := lc.ctx.Err(); err != nil {
		lc.args.Release()
		lc.res.Reject(errors.Wrap(errors.KindCancelled, err))
		return
	}

	var results Results
	err := d.Dispatch(lc.ctx, lc.m, lc.args, &results)
	lc.args.Release()
	if err != nil {
		results.Payload().Release()
		lc.res.Reject(err)
		return
	}
	lc.res.Fulfill(results.Payload())
}

func (h *localHook) Brand() any { return nil }

func (h *localHook) Shutdown() {
	h.mu.Lock()
	h.dead = true
	idle := !h.running
	d := h.d
	if idle {
		h.d = nil
	}
	h.mu.Unlock()

	// If a worker is draining calls, it runs the teardown when done.
	if idle {
		if s, ok := d.(Shutdowner); ok {
			s.Shutdown()
		}
	}
}
