package rpc

import (
	"context"

	"github.com/capwire/capwire/capability"
	"github.com/capwire/capwire/errors"
	"github.com/capwire/capwire/wire"
)

// answerEntry is one call the peer has made on this side. It lives from
// the Call (or Bootstrap) until both a Return has been sent and a Finish
// received.
type answerEntry struct {
	c      *Conn
	capAns *capability.Answer
	cancel context.CancelFunc

	resultExports  []wire.ExportID
	id             wire.AnswerID
	returned       bool
	finishRcvd     bool
	releaseResults bool
}

func (e *answerEntry) cancelDispatch() {
	if e.cancel != nil {
		e.cancel()
	}
}

// targetAnswerLocked resolves a call or disembargo target to the local
// answer or export it names. Returns the export client (owned) or the
// answer to pull a pipelined client from once c.mu is dropped; exactly
// one of the two is set. Caller holds c.mu.
func (c *Conn) targetAnswerLocked(t wire.Target) (*capability.Client, *capability.Answer, error) {
	switch t.Which {
	case wire.TargetImportedCap:
		e := c.exports[t.ImportedCap]
		if e == nil {
			return nil, nil, errors.Protocolf("message targets unknown export %d", t.ImportedCap)
		}
		return e.client.AddRef(), nil, nil
	case wire.TargetPromisedAnswer:
		a := c.answers[wire.AnswerID(t.PromisedAnswer.QuestionID)]
		if a == nil || a.capAns == nil {
			return nil, nil, errors.Protocolf("message targets unknown answer %d", t.PromisedAnswer.QuestionID)
		}
		return nil, a.capAns, nil
	default:
		return nil, nil, errors.Protocolf("unknown target variant %d", t.Which)
	}
}

// handleBootstrap answers a bootstrap request with the connection's root
// capability. The Return goes out immediately; the answer entry sticks
// around until the peer's Finish so pipelined calls and receiver-answer
// descriptors can still land on it.
func (c *Conn) handleBootstrap(b *wire.Bootstrap) error {
	c.mu.Lock()
	id := wire.AnswerID(b.QuestionID)
	if _, ok := c.answers[id]; ok {
		c.mu.Unlock()
		return errors.Protocolf("bootstrap reuses question id %d", b.QuestionID)
	}

	entry := &answerEntry{c: c, id: id, returned: true}
	m := wire.NewMessage(wire.TagReturn)
	m.Return.AnswerID = id

	if c.bootstrap == nil {
		err := errors.Unimplemented("no bootstrap capability")
		entry.capAns = capability.ErrorAnswer(err)
		m.Return.Which = wire.ReturnException
		m.Return.Exception = wire.FromError(err)
	} else {
		p := capability.Payload{Caps: []*capability.Client{c.bootstrap.AddRef()}}
		wp, ids, err := c.sendPayloadLocked(p)
		if err != nil {
			// The connection's own reference keeps the client alive, so
			// releasing the answer's copy under the lock is safe here.
			p.Release()
			entry.capAns = capability.ErrorAnswer(err)
			m.Return.Which = wire.ReturnException
			m.Return.Exception = wire.FromError(err)
		} else {
			entry.capAns = capability.ImmediateAnswer(p)
			entry.resultExports = ids
			m.Return.Which = wire.ReturnResults
			m.Return.Results = wp
		}
	}

	c.answers[id] = entry
	c.enqueue(m)
	c.mu.Unlock()
	return nil
}

// handleCall dispatches an incoming call to the capability it targets.
// Dispatch itself runs on the target's worker; this only starts it and
// leaves a goroutine behind to send the Return.
func (c *Conn) handleCall(call *wire.Call) error {
	c.mu.Lock()
	id := wire.AnswerID(call.QuestionID)
	if _, ok := c.answers[id]; ok {
		c.mu.Unlock()
		return errors.Protocolf("call reuses question id %d", call.QuestionID)
	}
	target, targetAns, err := c.targetAnswerLocked(call.Target)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	args, fixups, err := c.recvPayloadLocked(call.Params)
	if err != nil {
		c.mu.Unlock()
		target.Release()
		return err
	}
	ctx, cancel := context.WithCancel(c.ctx)
	entry := &answerEntry{c: c, id: id, cancel: cancel}
	c.answers[id] = entry
	c.mu.Unlock()

	runFixups(fixups)
	if targetAns != nil {
		target = targetAns.Client(call.Target.PromisedAnswer.Path...)
	}

	ans := target.Call(ctx, capability.Method{
		InterfaceID: call.InterfaceID,
		MethodID:    call.MethodID,
	}, args)
	target.Release()

	c.mu.Lock()
	if c.answers[id] != entry {
		// Shut down while dispatching; shutdown owns the entry now.
		c.mu.Unlock()
		ans.Release()
		return nil
	}
	entry.capAns = ans
	c.mu.Unlock()

	go entry.sendReturn(ans)
	return nil
}

// sendReturn waits for the dispatched call to settle and sends its
// Return. Runs on its own goroutine, one per answer.
func (e *answerEntry) sendReturn(ans *capability.Answer) {
	<-ans.Done()
	p, rerr := ans.Await(context.Background())

	c := e.c
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}

	m := wire.NewMessage(wire.TagReturn)
	m.Return.AnswerID = e.id
	switch {
	case rerr != nil && e.finishRcvd && errors.KindOf(rerr) == errors.KindCancelled:
		m.Return.Which = wire.ReturnCancelled
	case rerr != nil:
		m.Return.Which = wire.ReturnException
		m.Return.Exception = wire.FromError(rerr)
	default:
		wp, ids, perr := c.sendPayloadLocked(p)
		if perr != nil {
			m.Return.Which = wire.ReturnException
			m.Return.Exception = wire.FromError(perr)
		} else {
			m.Return.Which = wire.ReturnResults
			m.Return.Results = wp
			e.resultExports = ids
		}
	}
	e.returned = true
	c.enqueue(m)

	finish := e.finishRcvd
	var released []*capability.Client
	if finish {
		released = c.freeAnswerLocked(e)
	}
	c.mu.Unlock()

	for _, cl := range released {
		cl.Release()
	}
	if finish {
		ans.Release()
	}
}

// handleFinish retires an answer. Before the Return it is a cancellation
// request; after, it frees the entry.
func (c *Conn) handleFinish(f *wire.Finish) error {
	c.mu.Lock()
	id := wire.AnswerID(f.QuestionID)
	e := c.answers[id]
	if e == nil {
		c.mu.Unlock()
		return errors.Protocolf("finish for unknown answer %d", f.QuestionID)
	}
	if e.finishRcvd {
		c.mu.Unlock()
		return errors.Protocolf("duplicate finish for answer %d", f.QuestionID)
	}
	e.finishRcvd = true
	e.releaseResults = f.ReleaseResultCaps

	if !e.returned {
		cancel := e.cancel
		c.mu.Unlock()
		// Best effort; the Return goroutine frees the entry.
		if cancel != nil {
			cancel()
		}
		return nil
	}

	released := c.freeAnswerLocked(e)
	capAns := e.capAns
	c.mu.Unlock()

	for _, cl := range released {
		cl.Release()
	}
	if capAns != nil {
		capAns.Release()
	}
	return nil
}

// freeAnswerLocked removes the entry from the table, returning the export
// clients to release once c.mu is dropped. The entry's capAns is the
// caller's to release. Caller holds c.mu.
func (c *Conn) freeAnswerLocked(e *answerEntry) []*capability.Client {
	delete(c.answers, e.id)
	var released []*capability.Client
	if e.releaseResults {
		for _, id := range e.resultExports {
			cl, err := c.releaseExportLocked(id, 1)
			if err == nil && cl != nil {
				released = append(released, cl)
			}
		}
	}
	e.resultExports = nil
	return released
}
