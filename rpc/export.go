package rpc

import (
	"go.uber.org/zap"

	"github.com/capwire/capwire/capability"
	"github.com/capwire/capwire/errors"
	"github.com/capwire/capwire/wire"
)

// exportEntry is one capability this side has shared with the peer. The
// entry owns one client reference; wireRefs counts how many times the
// capability has crossed the wire, which is what the peer's Release
// messages pay back.
type exportEntry struct {
	client    *capability.Client
	identity  any
	wireRefs  uint32
	isPromise bool
}

// sendPayloadLocked translates an in-memory payload for the wire,
// exporting capabilities as needed. The payload is borrowed. Returns the
// export ids referenced so callers can honor release-param-caps. Caller
// holds c.mu.
func (c *Conn) sendPayloadLocked(p capability.Payload) (wire.Payload, []wire.ExportID, error) {
	wp := wire.Payload{Data: p.Data}
	if len(p.Caps) == 0 {
		return wp, nil, nil
	}
	wp.CapTable = make([]wire.CapDescriptor, len(p.Caps))
	var ids []wire.ExportID
	for i, client := range p.Caps {
		d, id, exported, err := c.sendCapLocked(client)
		if err != nil {
			return wire.Payload{}, ids, err
		}
		wp.CapTable[i] = d
		if exported {
			ids = append(ids, id)
		}
	}
	return wp, ids, nil
}

// sendCapLocked produces the wire descriptor for one capability. A
// capability the peer already hosts is passed by reference; anything else
// lands in the export table. Caller holds c.mu.
func (c *Conn) sendCapLocked(client *capability.Client) (wire.CapDescriptor, wire.ExportID, bool, error) {
	if client == nil {
		return wire.CapDescriptor{Which: wire.CapNone}, 0, false, nil
	}

	switch b := client.Brand().(type) {
	case *importHook:
		if b.c == c {
			// Round trip: the peer hosts this one.
			return wire.CapDescriptor{Which: wire.CapReceiverHosted, ID: uint32(b.id)}, 0, false, nil
		}
	case *pipelineHook:
		if b.q.c == c && b.q.state == questionSent {
			return wire.CapDescriptor{
				Which:  wire.CapReceiverAnswer,
				Answer: wire.PromisedAnswer{QuestionID: b.q.id, Path: b.path},
			}, 0, false, nil
		}
	}

	identity := client.Identity()
	if id, ok := c.exportIDs[identity]; ok {
		e := c.exports[id]
		e.wireRefs++
		which := wire.CapSenderHosted
		if e.isPromise {
			which = wire.CapSenderPromise
		}
		return wire.CapDescriptor{Which: which, ID: uint32(id)}, id, true, nil
	}

	if len(c.exports) >= c.maxExports {
		return wire.CapDescriptor{}, 0, false, errors.Overloaded("export table full")
	}
	id := wire.ExportID(c.eids.alloc())
	e := &exportEntry{
		client:    client.AddRef(),
		identity:  identity,
		wireRefs:  1,
		isPromise: !client.IsResolved(),
	}
	c.exports[id] = e
	c.exportIDs[identity] = id

	which := wire.CapSenderHosted
	if e.isPromise {
		which = wire.CapSenderPromise
		// Follow up with a Resolve once the final value is known. The
		// callback may fire while c.mu is held, so the send happens on
		// its own goroutine.
		client.WhenResolved(func(r *capability.Client, rerr error) {
			r = r.AddRef()
			go c.sendResolve(id, e, r, rerr)
		})
	}
	return wire.CapDescriptor{Which: which, ID: uint32(id)}, id, true, nil
}

// sendResolve tells the peer what the promise exported under id settled
// to. Takes ownership of resolved.
func (c *Conn) sendResolve(id wire.ExportID, e *exportEntry, resolved *capability.Client, rerr error) {
	c.mu.Lock()
	if c.closed || c.exports[id] != e {
		c.mu.Unlock()
		resolved.Release()
		return
	}
	m := wire.NewMessage(wire.TagResolve)
	m.Resolve.PromiseID = id
	if rerr == nil {
		d, _, _, err := c.sendCapLocked(resolved)
		if err != nil {
			rerr = err
		} else {
			m.Resolve.Which = wire.ResolveCap
			m.Resolve.Cap = d
		}
	}
	if rerr != nil {
		m.Resolve.Which = wire.ResolveException
		m.Resolve.Exception = wire.FromError(rerr)
	}
	c.enqueue(m)
	c.mu.Unlock()
	resolved.Release()
}

// releaseExportLocked pays back count wire references on an export. When
// the entry hits zero it is removed and its client returned so the caller
// can release it after dropping c.mu. Caller holds c.mu.
func (c *Conn) releaseExportLocked(id wire.ExportID, count uint32) (*capability.Client, error) {
	e := c.exports[id]
	if e == nil {
		return nil, errors.Protocolf("release of unknown export %d", id)
	}
	if count == 0 || count > e.wireRefs {
		return nil, errors.Protocolf("export %d released %d times but only sent %d", id, count, e.wireRefs)
	}
	e.wireRefs -= count
	if e.wireRefs > 0 {
		return nil, nil
	}
	delete(c.exports, id)
	delete(c.exportIDs, e.identity)
	c.eids.release(uint32(id))
	return e.client, nil
}

// releaseExports drops one wire reference from each listed export.
func (c *Conn) releaseExports(ids []wire.ExportID) {
	if len(ids) == 0 {
		return
	}
	c.mu.Lock()
	var clients []*capability.Client
	for _, id := range ids {
		cl, err := c.releaseExportLocked(id, 1)
		if err != nil {
			c.log.Warn("export release failed", zap.Uint32("export", uint32(id)), zap.Error(err))
			continue
		}
		if cl != nil {
			clients = append(clients, cl)
		}
	}
	c.mu.Unlock()
	for _, cl := range clients {
		cl.Release()
	}
}

func (c *Conn) handleRelease(rel *wire.Release) error {
	c.mu.Lock()
	cl, err := c.releaseExportLocked(rel.ID, rel.Count)
	c.mu.Unlock()
	if cl != nil {
		cl.Release()
	}
	return err
}
