package rpc

import (
	"context"
	"sync"

	"github.com/capwire/capwire/capability"
	"github.com/capwire/capwire/errors"
	"github.com/capwire/capwire/wire"
)

// importEntry is one capability the peer has shared with this side.
// client is the canonical handle; the entry holds no reference of its
// own, so the hook's Shutdown fires when the last user drops theirs and
// pays the accumulated receipts back with a Release message.
type importEntry struct {
	hook    *importHook
	promise *promiseImportHook
	client  *capability.Client
}

// recvFixup defers resolution of a receiver-answer descriptor until c.mu
// has been dropped: pulling a client out of one of our own answers may
// re-enter the connection.
type recvFixup struct {
	ful  *capability.Fulfiller
	ans  *capability.Answer
	path []uint16
}

func runFixups(fixups []recvFixup) {
	for _, f := range fixups {
		f.ful.Fulfill(f.ans.Client(f.path...))
	}
}

// recvPayloadLocked translates a wire payload into in-memory form. The
// returned fixups must be run after c.mu is released. Caller holds c.mu.
func (c *Conn) recvPayloadLocked(p wire.Payload) (capability.Payload, []recvFixup, error) {
	out := capability.Payload{Data: p.Data}
	if len(p.CapTable) == 0 {
		return out, nil, nil
	}
	out.Caps = make([]*capability.Client, len(p.CapTable))
	var fixups []recvFixup
	for i, d := range p.CapTable {
		cl, fixup, err := c.recvCapLocked(d)
		if err != nil {
			// Connection is about to abort; shutdown reclaims the tables.
			return capability.Payload{}, fixups, err
		}
		out.Caps[i] = cl
		if fixup != nil {
			fixups = append(fixups, *fixup)
		}
	}
	return out, fixups, nil
}

func (c *Conn) recvCapLocked(d wire.CapDescriptor) (*capability.Client, *recvFixup, error) {
	switch d.Which {
	case wire.CapNone:
		return nil, nil, nil
	case wire.CapSenderHosted:
		return c.recvImportLocked(wire.ImportID(d.ID), false), nil, nil
	case wire.CapSenderPromise:
		return c.recvImportLocked(wire.ImportID(d.ID), true), nil, nil
	case wire.CapReceiverHosted:
		e := c.exports[wire.ExportID(d.ID)]
		if e == nil {
			return nil, nil, errors.Protocolf("capability descriptor names unknown export %d", d.ID)
		}
		return e.client.AddRef(), nil, nil
	case wire.CapReceiverAnswer:
		a := c.answers[wire.AnswerID(d.Answer.QuestionID)]
		if a == nil || a.capAns == nil {
			return nil, nil, errors.Protocolf("capability descriptor names unknown answer %d", d.Answer.QuestionID)
		}
		client, ful := capability.NewPromise()
		return client, &recvFixup{ful: ful, ans: a.capAns, path: d.Answer.Path}, nil
	default:
		return nil, nil, errors.Protocolf("unknown capability descriptor variant %d", d.Which)
	}
}

// recvImportLocked returns an owned client for the peer's export id,
// reusing the live entry when there is one. Caller holds c.mu.
func (c *Conn) recvImportLocked(id wire.ImportID, promise bool) *capability.Client {
	if e := c.imports[id]; e != nil {
		if cl, ok := e.client.TryAddRef(); ok {
			e.hook.wireRefs++
			return cl
		}
		// The old client's last reference is being dropped concurrently;
		// its hook still pays back its own receipts. Start fresh.
		delete(c.imports, id)
	}

	e := &importEntry{}
	if promise {
		ph := &promiseImportHook{importHook: importHook{c: c, id: id, wireRefs: 1}}
		e.hook = &ph.importHook
		e.promise = ph
		e.client = capability.NewClient(ph)
	} else {
		h := &importHook{c: c, id: id, wireRefs: 1}
		e.hook = h
		e.client = capability.NewClient(h)
	}
	c.imports[id] = e
	return e.client
}

// importHook proxies calls to a capability hosted by the peer.
type importHook struct {
	c        *Conn
	id       wire.ImportID
	wireRefs uint32 // guarded by c.mu
}

func (h *importHook) Call(ctx context.Context, m capability.Method, args capability.Payload) *capability.Answer {
	return h.c.sendCall(wire.Target{
		Which:       wire.TargetImportedCap,
		ImportedCap: wire.ExportID(h.id),
	}, m, args)
}

func (h *importHook) Brand() any { return h }

func (h *importHook) Shutdown() {
	c := h.c
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if e := c.imports[h.id]; e != nil && e.hook == h {
		delete(c.imports, h.id)
	}
	m := wire.NewMessage(wire.TagRelease)
	m.Release.ID = wire.ExportID(h.id)
	m.Release.Count = h.wireRefs
	c.enqueue(m)
	c.mu.Unlock()
}

// promiseImportHook is an import the peer has promised to Resolve. Until
// then calls go to the wire against the import id; afterwards they
// delegate to the resolution.
type promiseImportHook struct {
	importHook
	resolved  *capability.Client
	err       error
	callbacks []func(*capability.Client, error)
	pmu       sync.Mutex
	settled   bool
}

var _ capability.ResolvableHook = (*promiseImportHook)(nil)

func (h *promiseImportHook) Call(ctx context.Context, m capability.Method, args capability.Payload) *capability.Answer {
	for {
		if ans, ok := h.callResolved(ctx, m, args); ok {
			return ans
		}

		// A Resolve settles this hook under c.mu, possibly enqueueing a
		// disembargo for the import's path. A wire call enqueued after
		// that disembargo would be delivered behind calls made after
		// resolution, so the settled check is repeated under c.mu before
		// committing to the wire.
		c := h.c
		c.mu.Lock()
		h.pmu.Lock()
		settled := h.settled
		h.pmu.Unlock()
		if settled {
			c.mu.Unlock()
			continue
		}
		ans, after := c.sendCallLocked(wire.Target{
			Which:       wire.TargetImportedCap,
			ImportedCap: wire.ExportID(h.id),
		}, m, args)
		c.mu.Unlock()
		if after != nil {
			after()
		}
		args.Release()
		return ans
	}
}

func (h *promiseImportHook) callResolved(ctx context.Context, m capability.Method, args capability.Payload) (*capability.Answer, bool) {
	h.pmu.Lock()
	if !h.settled {
		h.pmu.Unlock()
		return nil, false
	}
	resolved, err := h.resolved, h.err
	h.pmu.Unlock()
	if err != nil {
		args.Release()
		return capability.ErrorAnswer(err), true
	}
	return resolved.Call(ctx, m, args), true
}

// settle records the promise's final value. resolved is borrowed; settle
// takes its own reference.
func (h *promiseImportHook) settle(resolved *capability.Client, err error) {
	h.runSettleCallbacks(h.settleLocked(resolved, err), err)
}

// settleLocked flips the hook to its final value and returns the
// callbacks to notify. handleResolve calls it with c.mu held so that the
// transition is atomic with the disembargo it may have enqueued; the
// callbacks must run after c.mu is released.
func (h *promiseImportHook) settleLocked(resolved *capability.Client, err error) []func(*capability.Client, error) {
	h.pmu.Lock()
	if h.settled {
		h.pmu.Unlock()
		return nil
	}
	h.settled = true
	if err == nil {
		h.resolved = resolved.AddRef()
	}
	h.err = err
	callbacks := h.callbacks
	h.callbacks = nil
	h.pmu.Unlock()
	return callbacks
}

func (h *promiseImportHook) runSettleCallbacks(callbacks []func(*capability.Client, error), err error) {
	if len(callbacks) == 0 {
		return
	}
	h.pmu.Lock()
	resolvedRef := h.resolved
	h.pmu.Unlock()
	for _, cb := range callbacks {
		cb(resolvedRef, err)
	}
}

func (h *promiseImportHook) WhenResolved(f func(*capability.Client, error)) {
	h.pmu.Lock()
	if !h.settled {
		h.callbacks = append(h.callbacks, f)
		h.pmu.Unlock()
		return
	}
	resolved, err := h.resolved, h.err
	h.pmu.Unlock()
	f(resolved, err)
}

func (h *promiseImportHook) Resolution() (*capability.Client, error, bool) {
	h.pmu.Lock()
	defer h.pmu.Unlock()
	return h.resolved, h.err, h.settled
}

func (h *promiseImportHook) Brand() any {
	// Unsettled, the capability still lives on the peer.
	return &h.importHook
}

func (h *promiseImportHook) Shutdown() {
	h.pmu.Lock()
	resolved := h.resolved
	h.resolved = nil
	h.pmu.Unlock()
	resolved.Release()
	h.importHook.Shutdown()
}

// handleResolve replaces a promise import with its final value,
// embargoing the path when the resolution lives on this side.
func (c *Conn) handleResolve(r *wire.Resolve) error {
	c.mu.Lock()
	var resolved *capability.Client
	var fixup *recvFixup
	var rerr error
	if r.Which == wire.ResolveException {
		rerr = r.Exception.ToError()
	} else {
		var err error
		resolved, fixup, err = c.recvCapLocked(r.Cap)
		if err != nil {
			c.mu.Unlock()
			return err
		}
	}

	e := c.imports[wire.ImportID(r.PromiseID)]
	if e == nil {
		// Raced with our Release of the import; the new references in the
		// descriptor still need to be dropped.
		c.mu.Unlock()
		if fixup != nil {
			runFixups([]recvFixup{*fixup})
		}
		resolved.Release()
		return nil
	}
	if e.promise == nil {
		c.mu.Unlock()
		if fixup != nil {
			runFixups([]recvFixup{*fixup})
		}
		resolved.Release()
		return errors.Protocolf("resolve for non-promise import %d", r.PromiseID)
	}

	if rerr == nil && c.loopsBackLocked(resolved) {
		embargoed := c.embargoLocked(nil, wire.Target{
			Which:       wire.TargetImportedCap,
			ImportedCap: r.PromiseID,
		}, resolved)
		resolved.Release()
		resolved = embargoed
	}
	ph := e.promise
	callbacks := ph.settleLocked(resolved, rerr)
	c.mu.Unlock()

	if fixup != nil {
		runFixups([]recvFixup{*fixup})
	}
	ph.runSettleCallbacks(callbacks, rerr)
	resolved.Release()
	return nil
}
