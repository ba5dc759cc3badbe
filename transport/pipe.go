package transport

import (
	"context"
	"sync"

	"github.com/capwire/capwire/wire"
)

// Pipe returns two connected in-memory transports. Messages sent on one
// end arrive at the other in order. Sends never block; the queue grows as
// needed, which keeps in-process engine pairs free of transport-level
// deadlocks.
func Pipe() (Transport, Transport) {
	a2b := newMsgQueue()
	b2a := newMsgQueue()
	a := &pipeTransport{in: b2a, out: a2b}
	b := &pipeTransport{in: a2b, out: b2a}
	return a, b
}

type pipeTransport struct {
	in  *msgQueue
	out *msgQueue
}

func (p *pipeTransport) Send(ctx context.Context, m *wire.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	// Round through the codec so pipe-based tests cover the same encoding
	// path a network transport exercises.
	data, err := wire.Marshal(m)
	if err != nil {
		return err
	}
	decoded, err := wire.Unmarshal(data)
	if err != nil {
		return err
	}
	return p.out.push(decoded)
}

func (p *pipeTransport) Receive(ctx context.Context) (*wire.Message, error) {
	return p.in.pop(ctx)
}

func (p *pipeTransport) Close() error {
	p.out.close()
	p.in.close()
	return nil
}

// msgQueue is an unbounded FIFO of messages with blocking pop.
type msgQueue struct {
	mu     sync.Mutex
	items  []*wire.Message
	signal chan struct{}
	closed bool
}

func newMsgQueue() *msgQueue {
	return &msgQueue{signal: make(chan struct{}, 1)}
}

func (q *msgQueue) push(m *wire.Message) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.items = append(q.items, m)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return nil
}

func (q *msgQueue) pop(ctx context.Context) (*wire.Message, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			m := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return m, nil
		}
		closed := q.closed
		q.mu.Unlock()

		if closed {
			return nil, ErrClosed
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.signal:
		}
	}
}

func (q *msgQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}
