package capability

import (
	"context"
	"sync"

	"github.com/capwire/capwire/errors"
)

// NewPromise returns a client for a capability whose value is not known
// yet, plus the fulfiller that settles it. Calls made through the client
// before fulfillment are queued and forwarded to the resolution in the
// order they were issued, before any call made after fulfillment.
func NewPromise() (*Client, *Fulfiller) {
	h := &promiseHook{}
	return NewClient(h), &Fulfiller{h: h}
}

// Fulfiller settles a promise client. Fulfill and Reject may be called
// once between them; later settlements are dropped and logged.
type Fulfiller struct {
	h *promiseHook
}

// Fulfill resolves the promise to c, taking ownership of the reference.
func (f *Fulfiller) Fulfill(c *Client) {
	f.h.settle(c, nil)
}

// Reject breaks the promise.
func (f *Fulfiller) Reject(err error) {
	f.h.settle(nil, err)
}

type promiseHook struct {
	resolved  *Client
	err       error
	queue     []*queuedCall
	callbacks []func(*Client, error)
	mu        sync.Mutex
	settled   bool
	shutdown  bool
}

type queuedCall struct {
	ctx       context.Context
	args      Payload
	res       *Resolver
	target    *Answer
	m         Method
	mu        sync.Mutex
	cancelled bool
}

func (qc *queuedCall) cancel() {
	qc.mu.Lock()
	target := qc.target
	if target == nil {
		qc.cancelled = true
	}
	qc.mu.Unlock()
	if target != nil {
		target.Release()
	}
}

func (h *promiseHook) Call(ctx context.Context, m Method, args Payload) *Answer {
	h.mu.Lock()
	if h.settled {
		resolved, err := h.resolved, h.err
		h.mu.Unlock()
		if err != nil {
			args.Release()
			return ErrorAnswer(err)
		}
		return resolved.Call(ctx, m, args)
	}
	qc := &queuedCall{ctx: ctx, m: m, args: args}
	ans, res := NewAnswer(qc.cancel)
	qc.res = res
	h.queue = append(h.queue, qc)
	h.mu.Unlock()
	return ans
}

func (h *promiseHook) settle(c *Client, err error) {
	h.mu.Lock()
	if h.settled {
		h.mu.Unlock()
		c.Release()
		Logger().Warn("promise settled more than once")
		return
	}
	h.settled = true
	h.resolved = c
	h.err = err
	queue := h.queue
	h.queue = nil
	callbacks := h.callbacks
	h.callbacks = nil
	wasShutdown := h.shutdown
	if wasShutdown {
		h.resolved = nil
	}
	h.mu.Unlock()

	// Drain in issue order; each call is re-dispatched synchronously so
	// the resolution observes the same order the callers used.
	for _, qc := range queue {
		if err != nil {
			qc.args.Release()
			qc.res.Reject(err)
			continue
		}
		qc.mu.Lock()
		if qc.cancelled {
			qc.mu.Unlock()
			qc.args.Release()
			qc.res.Reject(errors.Cancelled("call dropped before promise resolved"))
			continue
		}
		sub := c.Call(qc.ctx, qc.m, qc.args)
		qc.target = sub
		qc.mu.Unlock()
		forward(qc.res, sub)
	}

	for _, cb := range callbacks {
		cb(c, err)
	}

	if wasShutdown && c != nil {
		c.Release()
	}
}

func (h *promiseHook) WhenResolved(f func(*Client, error)) {
	h.mu.Lock()
	if !h.settled {
		h.callbacks = append(h.callbacks, f)
		h.mu.Unlock()
		return
	}
	resolved, err := h.resolved, h.err
	h.mu.Unlock()
	f(resolved, err)
}

func (h *promiseHook) Resolution() (*Client, error, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.resolved, h.err, h.settled
}

func (h *promiseHook) Brand() any {
	h.mu.Lock()
	resolved, settled, err := h.resolved, h.settled, h.err
	h.mu.Unlock()
	if settled && err == nil {
		return resolved.Brand()
	}
	return nil
}

func (h *promiseHook) Shutdown() {
	h.mu.Lock()
	h.shutdown = true
	resolved := h.resolved
	h.resolved = nil
	h.mu.Unlock()
	resolved.Release()
}

// forward settles res with the outcome of from, then releases from.
func forward(res *Resolver, from *Answer) {
	go func() {
		<-from.Done()
		p, err := from.Await(context.Background())
		if err != nil {
			res.Reject(err)
		} else {
			res.Fulfill(p.AddRef())
		}
		from.Release()
	}()
}
