package rpc

import (
	"context"
	"sync"

	"github.com/capwire/capwire/capability"
	"github.com/capwire/capwire/errors"
	"github.com/capwire/capwire/wire"
)

type questionState uint8

const (
	questionSent questionState = iota
	questionReturned
	questionDone
)

// question is one outgoing call. It lives until a Return has been
// received and a Finish sent, whichever order those happen in.
type question struct {
	c   *Conn
	ans *capability.Answer
	res *capability.Resolver

	// results borrows the returned payload (owned by ans) so pipeline
	// paths requested after the Return resolve directly.
	results      capability.Payload
	pipelines    []*pipelineHook
	paramExports []wire.ExportID
	id           wire.QuestionID
	state        questionState
	// refs counts the holders that keep the peer's answer alive: the
	// caller's answer plus every pipeline hook plus pending embargoes.
	// Finish is sent when it reaches zero.
	refs        int
	finishSent  bool
	cancelled   bool
	ansReleased bool
}

// newQuestion allocates a question. Caller holds c.mu.
func (c *Conn) newQuestion() *question {
	q := &question{
		c:    c,
		id:   wire.QuestionID(c.qids.alloc()),
		refs: 1,
	}
	q.ans, q.res = capability.NewAnswer(nil)
	q.ans.SetPipeliner(q)
	q.ans.OnRelease(func() {
		c.mu.Lock()
		q.ansReleased = true
		q.unref()
		c.mu.Unlock()
	})
	c.questions[q.id] = q
	return q
}

// sendCall serializes and sends one call message, returning the future
// for its result. Takes ownership of args.
func (c *Conn) sendCall(target wire.Target, m capability.Method, args capability.Payload) *capability.Answer {
	c.mu.Lock()
	ans, after := c.sendCallLocked(target, m, args)
	c.mu.Unlock()
	if after != nil {
		after()
	}
	args.Release()
	return ans
}

// sendCallLocked builds and enqueues one call message. Caller holds c.mu,
// runs the returned cleanup (if any) after releasing it, and retains
// ownership of args.
func (c *Conn) sendCallLocked(target wire.Target, m capability.Method, args capability.Payload) (*capability.Answer, func()) {
	if c.closed {
		return capability.ErrorAnswer(c.disconnectErr()), nil
	}
	if len(c.questions) >= c.maxQuestions {
		return capability.ErrorAnswer(errors.Overloaded("question table full")), nil
	}

	q := c.newQuestion()
	params, paramExports, perr := c.sendPayloadLocked(args)
	if perr != nil {
		delete(c.questions, q.id)
		c.qids.release(uint32(q.id))
		q.state = questionDone
		return q.ans, func() {
			c.releaseExports(paramExports)
			q.res.Reject(perr)
		}
	}
	q.paramExports = paramExports

	msg := wire.NewMessage(wire.TagCall)
	*msg.Call = wire.Call{
		QuestionID:  q.id,
		Target:      target,
		InterfaceID: m.InterfaceID,
		MethodID:    m.MethodID,
		Params:      params,
	}
	c.enqueue(msg)
	return q.ans, nil
}

// unref drops one holder. Caller holds c.mu.
func (q *question) unref() {
	if q.refs <= 0 {
		q.c.log.Warn("question over-released")
		return
	}
	q.refs--
	if q.refs > 0 {
		return
	}
	switch q.state {
	case questionSent:
		// Caller dropped interest before the Return: advisory cancel.
		q.cancelled = true
		q.sendFinish(true)
	case questionReturned:
		q.sendFinish(false)
		q.free()
	}
}

// sendFinish enqueues the Finish message once. Caller holds c.mu.
func (q *question) sendFinish(releaseResultCaps bool) {
	if q.finishSent {
		return
	}
	q.finishSent = true
	m := wire.NewMessage(wire.TagFinish)
	m.Finish.QuestionID = q.id
	m.Finish.ReleaseResultCaps = releaseResultCaps
	q.c.enqueue(m)
}

// free removes the question from the table. Caller holds c.mu; requires
// Return received and Finish sent.
func (q *question) free() {
	if q.state == questionDone {
		return
	}
	q.state = questionDone
	delete(q.c.questions, q.id)
	q.c.qids.release(uint32(q.id))
}

// handleReturn applies a Return from the peer to the matching question.
func (c *Conn) handleReturn(ret *wire.Return) error {
	c.mu.Lock()
	q := c.questions[wire.QuestionID(ret.AnswerID)]
	if q == nil {
		c.mu.Unlock()
		return errors.Protocolf("return for unknown question %d", ret.AnswerID)
	}
	if q.state != questionSent {
		c.mu.Unlock()
		return errors.Protocolf("duplicate return for question %d", ret.AnswerID)
	}
	q.state = questionReturned

	var released []*capability.Client
	if ret.ReleaseParamCaps {
		for _, id := range q.paramExports {
			cl, err := c.releaseExportLocked(id, 1)
			if err != nil {
				c.mu.Unlock()
				return err
			}
			if cl != nil {
				released = append(released, cl)
			}
		}
		q.paramExports = nil
	}

	var payload capability.Payload
	var fixups []recvFixup
	var retErr error
	switch ret.Which {
	case wire.ReturnResults:
		var perr error
		payload, fixups, perr = c.recvPayloadLocked(ret.Results)
		if perr != nil {
			c.mu.Unlock()
			return perr
		}
	case wire.ReturnException:
		retErr = ret.Exception.ToError()
	case wire.ReturnCancelled:
		retErr = errors.Cancelled("cancelled by peer")
	default:
		c.mu.Unlock()
		return errors.Protocolf("return with unknown variant %d", ret.Which)
	}

	if q.cancelled {
		// Nobody is waiting anymore; the Finish already went out with
		// release-result-caps, so just drop our references.
		cancelErr := errors.Cancelled("call cancelled")
		q.settleAllLocked(nil, cancelErr)
		q.free()
		c.mu.Unlock()
		for _, cl := range released {
			cl.Release()
		}
		runFixups(fixups)
		payload.Release()
		q.res.Reject(cancelErr)
		return nil
	}

	if retErr == nil {
		if !q.ansReleased {
			q.results = payload
		}
		q.resolvePipelinesLocked(payload)
	} else {
		q.settleAllLocked(nil, retErr)
	}
	if q.refs == 0 {
		q.sendFinish(false)
		q.free()
	}
	c.mu.Unlock()

	for _, cl := range released {
		cl.Release()
	}
	runFixups(fixups)

	// Settle the caller's future outside the lock: fulfillment drains
	// promise queues, which may re-enter the connection.
	if retErr == nil {
		q.res.Fulfill(payload)
	} else {
		q.res.Reject(retErr)
	}
	return nil
}

// resolvePipelinesLocked settles every pipeline hook handed out for this
// question against the result payload, inserting an embargo wherever the
// resolved capability would short-circuit the connection. Caller holds
// c.mu.
func (q *question) resolvePipelinesLocked(payload capability.Payload) {
	for _, ph := range q.pipelines {
		target, err := payload.ClientAt(ph.path)
		if err != nil {
			ph.settle(nil, err)
			continue
		}
		if q.c.loopsBackLocked(target) {
			// Calls already sent along (question, path) are still in
			// flight; fence direct calls behind a disembargo echo.
			embargoed := q.c.embargoLocked(q, wire.Target{
				Which:          wire.TargetPromisedAnswer,
				PromisedAnswer: wire.PromisedAnswer{QuestionID: q.id, Path: ph.path},
			}, target)
			ph.settle(embargoed, nil)
			embargoed.Release()
			continue
		}
		ph.settle(target, nil)
		target.Release()
	}
	q.pipelines = nil
}

func (q *question) settleAll(resolved *capability.Client, err error) {
	q.c.mu.Lock()
	q.settleAllLocked(resolved, err)
	q.c.mu.Unlock()
}

func (q *question) settleAllLocked(resolved *capability.Client, err error) {
	for _, ph := range q.pipelines {
		ph.settle(resolved, err)
	}
	q.pipelines = nil
}

// PipelineClient implements capability.Pipeliner for the question's
// answer.
func (q *question) PipelineClient(path []uint16) *capability.Client {
	q.c.mu.Lock()
	defer q.c.mu.Unlock()
	return q.pipelineClientLocked(path)
}

func (q *question) pipelineClientLocked(path []uint16) *capability.Client {
	switch q.state {
	case questionReturned:
		if q.ansReleased {
			return capability.ErrorClient(errors.Cancelled("answer released"))
		}
		c, err := q.results.ClientAt(path)
		if err != nil {
			return capability.ErrorClient(err)
		}
		return c
	case questionDone:
		return capability.ErrorClient(errors.Cancelled("question finished"))
	}
	ph := &pipelineHook{q: q, path: append([]uint16(nil), path...)}
	q.pipelines = append(q.pipelines, ph)
	q.refs++
	return capability.NewClient(ph)
}

// pipelineHook backs a capability taken from a question's eventual
// result. Before the Return it sends calls targeted at the outstanding
// answer; afterwards it delegates to the resolved capability.
type pipelineHook struct {
	q         *question
	resolved  *capability.Client
	err       error
	callbacks []func(*capability.Client, error)
	path      []uint16
	mu        sync.Mutex
	settled   bool
}

var _ capability.ResolvableHook = (*pipelineHook)(nil)

func (h *pipelineHook) Call(ctx context.Context, m capability.Method, args capability.Payload) *capability.Answer {
	for {
		if ans, ok := h.callResolved(ctx, m, args); ok {
			return ans
		}

		// The settled check and the enqueue must agree on whether the
		// Return has been applied: the Return settles every pipeline hook
		// under c.mu, possibly enqueueing a disembargo, and a wire call
		// enqueued after that disembargo would be delivered behind calls
		// made after resolution. Re-checking under c.mu closes the window.
		c := h.q.c
		c.mu.Lock()
		h.mu.Lock()
		settled := h.settled
		h.mu.Unlock()
		if settled {
			c.mu.Unlock()
			continue
		}
		ans, after := c.sendCallLocked(wire.Target{
			Which:          wire.TargetPromisedAnswer,
			PromisedAnswer: wire.PromisedAnswer{QuestionID: h.q.id, Path: h.path},
		}, m, args)
		c.mu.Unlock()
		if after != nil {
			after()
		}
		args.Release()
		return ans
	}
}

func (h *pipelineHook) callResolved(ctx context.Context, m capability.Method, args capability.Payload) (*capability.Answer, bool) {
	h.mu.Lock()
	if !h.settled {
		h.mu.Unlock()
		return nil, false
	}
	resolved, err := h.resolved, h.err
	h.mu.Unlock()
	if err != nil {
		args.Release()
		return capability.ErrorAnswer(err), true
	}
	return resolved.Call(ctx, m, args), true
}

// settle records the hook's final capability. The reference is borrowed;
// settle takes its own.
func (h *pipelineHook) settle(resolved *capability.Client, err error) {
	h.mu.Lock()
	if h.settled {
		h.mu.Unlock()
		return
	}
	h.settled = true
	if err == nil {
		h.resolved = resolved.AddRef()
	}
	h.err = err
	callbacks := h.callbacks
	h.callbacks = nil
	resolvedRef := h.resolved
	h.mu.Unlock()

	for _, cb := range callbacks {
		cb(resolvedRef, err)
	}
}

func (h *pipelineHook) WhenResolved(f func(*capability.Client, error)) {
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

func (h *pipelineHook) Resolution() (*capability.Client, error, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.resolved, h.err, h.settled
}

func (h *pipelineHook) Brand() any {
	return h
}

func (h *pipelineHook) Shutdown() {
	h.mu.Lock()
	resolved := h.resolved
	h.resolved = nil
	h.mu.Unlock()
	if resolved != nil {
		resolved.Release()
	}

	h.q.c.mu.Lock()
	h.q.unref()
	h.q.c.mu.Unlock()
}
