package capability

import (
	"github.com/capwire/capwire/errors"
)

// AddRef takes a new reference to every capability in the payload and
// returns a payload sharing the same data.
func (p Payload) AddRef() Payload {
	caps := make([]*Client, len(p.Caps))
	for i, c := range p.Caps {
		caps[i] = c.AddRef()
	}
	return Payload{Data: p.Data, Caps: caps}
}

// Release drops one reference from every capability in the payload.
func (p Payload) Release() {
	for _, c := range p.Caps {
		c.Release()
	}
}

// ClientAt resolves a pipeline path against the payload's capability
// table and returns a new reference. An empty path names the first
// capability. Deeper paths would require interpreting Data, which belongs
// to the application's codec layer, so a path of more than one step is
// unimplemented here.
func (p Payload) ClientAt(path []uint16) (*Client, error) {
	if len(path) > 1 {
		return nil, errors.Unimplemented("multi-step pipeline paths require a structured payload")
	}
	idx := 0
	if len(path) == 1 {
		idx = int(path[0])
	}
	if idx >= len(p.Caps) {
		return nil, errors.Failedf("no capability at index %d (table has %d)", idx, len(p.Caps))
	}
	c := p.Caps[idx]
	if c == nil {
		return nil, errors.Failedf("null capability at index %d", idx)
	}
	return c.AddRef(), nil
}
