package capability

import (
	"context"
	"sync"

	"github.com/capwire/capwire/errors"
)

// Answer is the future for one call. It settles exactly once, with either
// a result payload or an error, and supports handing out capabilities
// from the eventual result before it arrives.
type Answer struct {
	done      chan struct{}
	cancel    func()
	onRelease func()
	pip       Pipeliner
	paths     map[string]*pathPromise
	payload   Payload
	err       error
	mu        sync.Mutex
	settled   bool
	released  bool
}

type pathPromise struct {
	client *Client
	ful    *Fulfiller
	path   []uint16
}

// Resolver settles an Answer. Each answer has exactly one resolver.
type Resolver struct {
	a *Answer
}

// NewAnswer creates an unsettled answer. cancel, if non-nil, runs when the
// answer is released before it settles; it requests best-effort
// cancellation of the underlying work.
func NewAnswer(cancel func()) (*Answer, *Resolver) {
	a := &Answer{
		done:   make(chan struct{}),
		cancel: cancel,
	}
	return a, &Resolver{a: a}
}

// ErrorAnswer returns an answer already settled with err.
func ErrorAnswer(err error) *Answer {
	a, r := NewAnswer(nil)
	r.Reject(err)
	return a
}

// ImmediateAnswer returns an answer already settled with p, taking
// ownership of p's capability references.
func ImmediateAnswer(p Payload) *Answer {
	a, r := NewAnswer(nil)
	r.Fulfill(p)
	return a
}

// SetPipeliner routes Client through p instead of the answer's own
// bookkeeping. Must be set before the answer is shared.
func (a *Answer) SetPipeliner(p Pipeliner) {
	a.pip = p
}

// OnRelease registers f to run when the answer is released.
func (a *Answer) OnRelease(f func()) {
	a.mu.Lock()
	a.onRelease = f
	a.mu.Unlock()
}

// Done is closed once the answer settles.
func (a *Answer) Done() <-chan struct{} {
	return a.done
}

// Await blocks until the answer settles or ctx expires. The returned
// payload is borrowed: it stays valid until the answer is released.
func (a *Answer) Await(ctx context.Context) (Payload, error) {
	select {
	case <-a.done:
	case <-ctx.Done():
		return Payload{}, errors.Wrap(errors.KindCancelled, ctx.Err())
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.payload, a.err
}

// Client returns a capability from the eventual result at the given
// pipeline path. Before the answer settles this is a promise; calls made
// through it are delivered, in order, ahead of any call made through the
// path after resolution. The caller owns the returned reference.
func (a *Answer) Client(path ...uint16) *Client {
	if a.pip != nil {
		return a.pip.PipelineClient(path)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.settled {
		if a.err != nil {
			return ErrorClient(a.err)
		}
		c, err := a.payload.ClientAt(path)
		if err != nil {
			return ErrorClient(err)
		}
		return c
	}
	if a.released {
		return ErrorClient(errors.Cancelled("answer released"))
	}

	key := pathKey(path)
	if pp, ok := a.paths[key]; ok {
		return pp.client.AddRef()
	}
	client, ful := NewPromise()
	if a.paths == nil {
		a.paths = make(map[string]*pathPromise)
	}
	a.paths[key] = &pathPromise{client: client, ful: ful, path: append([]uint16(nil), path...)}
	return client.AddRef()
}

// Release drops the answer's interest in its result. Pending answers are
// cancelled; settled ones free the result payload's capability
// references. Safe to call more than once.
func (a *Answer) Release() {
	a.mu.Lock()
	if a.released {
		a.mu.Unlock()
		return
	}
	a.released = true
	settled := a.settled
	cancel := a.cancel
	onRelease := a.onRelease
	payload := a.payload
	paths := a.paths
	a.paths = nil
	a.mu.Unlock()

	if !settled && cancel != nil {
		cancel()
	}
	// Notify before dropping the payload's references: the notification
	// marks the answer released for anyone still pipelining into it, and
	// those readers must never see a payload whose clients are already
	// dead.
	if onRelease != nil {
		onRelease()
	}
	if settled {
		payload.Release()
	}
	for _, pp := range paths {
		pp.client.Release()
	}
}

// Fulfill settles the answer with a result payload, taking ownership of
// its capability references. Pipelined clients handed out for the
// answer's paths resolve to the payload's capabilities, after any calls
// they queued have been forwarded.
func (r *Resolver) Fulfill(p Payload) {
	r.settle(p, nil)
}

// Reject settles the answer with an error.
func (r *Resolver) Reject(err error) {
	r.settle(Payload{}, err)
}

func (r *Resolver) settle(p Payload, err error) {
	a := r.a
	a.mu.Lock()
	if a.settled {
		a.mu.Unlock()
		p.Release()
		return
	}
	a.settled = true
	released := a.released
	if released {
		// Nobody is waiting; drop the result.
		if err == nil {
			a.err = errors.Cancelled("answer released")
		} else {
			a.err = err
		}
	} else {
		a.payload = p
		a.err = err
	}
	paths := a.paths
	a.paths = nil
	a.mu.Unlock()

	for _, pp := range paths {
		if err != nil {
			pp.ful.Reject(err)
		} else if released {
			pp.ful.Reject(errors.Cancelled("answer released"))
		} else {
			c, perr := p.ClientAt(pp.path)
			if perr != nil {
				pp.ful.Reject(perr)
			} else {
				pp.ful.Fulfill(c)
			}
		}
		pp.client.Release()
	}

	close(a.done)

	if released && err == nil {
		p.Release()
	}
}

// pathKey encodes a pipeline path for map lookup.
func pathKey(path []uint16) string {
	b := make([]byte, 2*len(path))
	for i, s := range path {
		b[2*i] = byte(s >> 8)
		b[2*i+1] = byte(s)
	}
	return string(b)
}
