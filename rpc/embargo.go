package rpc

import (
	"github.com/capwire/capwire/capability"
	"github.com/capwire/capwire/errors"
	"github.com/capwire/capwire/wire"
)

// embargo is an ordering fence. When a promise resolves to a capability
// hosted on this side, calls made through the resolved path must not
// overtake calls still routing through the peer, so they queue behind a
// disembargo round trip.
type embargo struct {
	ful    *capability.Fulfiller
	target *capability.Client
	q      *question
	id     wire.EmbargoID
}

// loopsBackLocked reports whether a resolved capability would
// short-circuit the connection: anything not hosted by this connection's
// peer needs an embargo before direct delivery. Caller holds c.mu.
func (c *Conn) loopsBackLocked(client *capability.Client) bool {
	if client == nil {
		return false
	}
	switch b := client.Brand().(type) {
	case *importHook:
		if b.c == c {
			return false
		}
	case *pipelineHook:
		if b.q.c == c {
			return false
		}
	}
	return true
}

// embargoLocked wraps target behind a disembargo round trip and returns
// the fenced client, owned by the caller. Calls through it queue until
// the peer echoes the Disembargo, which it does only after delivering
// everything it had already forwarded along the old path. target is
// borrowed; q, if non-nil, is kept alive until the echo. Caller holds
// c.mu.
func (c *Conn) embargoLocked(q *question, t wire.Target, target *capability.Client) *capability.Client {
	client, ful := capability.NewPromise()
	e := &embargo{
		ful:    ful,
		target: target.AddRef(),
		q:      q,
		id:     wire.EmbargoID(c.embIDs.alloc()),
	}
	c.embargoes[e.id] = e
	if q != nil {
		q.refs++
	}

	m := wire.NewMessage(wire.TagDisembargo)
	m.Disembargo.Target = t
	m.Disembargo.Which = wire.DisembargoSenderLoopback
	m.Disembargo.EmbargoID = e.id
	c.enqueue(m)
	return client
}

func (c *Conn) handleDisembargo(d *wire.Disembargo) error {
	switch d.Which {
	case wire.DisembargoSenderLoopback:
		// Echo after everything already forwarded on the target path. The
		// forwarded calls were enqueued while handling earlier messages,
		// so enqueueing here is ordered behind them.
		c.mu.Lock()
		cl, _, err := c.targetAnswerLocked(d.Target)
		if err != nil {
			c.mu.Unlock()
			return err
		}
		m := wire.NewMessage(wire.TagDisembargo)
		m.Disembargo.Target = d.Target
		m.Disembargo.Which = wire.DisembargoReceiverLoopback
		m.Disembargo.EmbargoID = d.EmbargoID
		c.enqueue(m)
		c.mu.Unlock()
		cl.Release()
		return nil

	case wire.DisembargoReceiverLoopback:
		c.mu.Lock()
		e := c.embargoes[d.EmbargoID]
		if e == nil {
			c.mu.Unlock()
			return errors.Protocolf("disembargo echo for unknown embargo %d", d.EmbargoID)
		}
		delete(c.embargoes, d.EmbargoID)
		c.embIDs.release(uint32(d.EmbargoID))
		c.mu.Unlock()

		// Fulfill outside the lock: the queued calls re-dispatch
		// synchronously. Ownership of the target reference moves to the
		// fulfiller.
		e.ful.Fulfill(e.target)

		if e.q != nil {
			c.mu.Lock()
			e.q.unref()
			c.mu.Unlock()
		}
		return nil

	default:
		return errors.Protocolf("unknown disembargo variant %d", d.Which)
	}
}
