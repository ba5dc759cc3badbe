package rpc

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/capwire/capwire/capability"
	"github.com/capwire/capwire/errors"
	"github.com/capwire/capwire/transport"
	"github.com/capwire/capwire/wire"
)

// Table size limits. Exceeding one is a synchronous local error, never a
// wire message.
const (
	DefaultMaxQuestions = 1 << 16
	DefaultMaxExports   = 1 << 16
)

// Options configures a connection.
type Options struct {
	// Bootstrap is the capability served to peers that send a Bootstrap
	// message. The connection takes ownership of the reference. May be
	// nil, in which case bootstrap requests fail.
	Bootstrap *capability.Client

	// Logger receives connection lifecycle and protocol-error logs.
	// Defaults to the package logger.
	Logger *zap.Logger

	// MaxQuestions bounds concurrently outstanding outgoing calls.
	MaxQuestions int

	// MaxExports bounds the export table.
	MaxExports int
}

// Conn is one capability RPC session over a transport. It is safe for
// concurrent use; all table state is guarded by a single connection
// mutex, and the wire is driven by one reader and one writer goroutine.
type Conn struct {
	t   transport.Transport
	log *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	bootstrap *capability.Client

	questions  map[wire.QuestionID]*question
	qids       idAllocator
	answers    map[wire.AnswerID]*answerEntry
	exports    map[wire.ExportID]*exportEntry
	exportIDs  map[any]wire.ExportID
	eids       idAllocator
	imports    map[wire.ImportID]*importEntry
	embargoes  map[wire.EmbargoID]*embargo
	embIDs     idAllocator
	sendq      []*wire.Message
	sendSignal chan struct{}
	closed     bool
	err        error

	maxQuestions int
	maxExports   int
}

// NewConn starts a connection over t and begins serving immediately.
func NewConn(t transport.Transport, opts *Options) *Conn {
	if opts == nil {
		opts = &Options{}
	}
	log := opts.Logger
	if log == nil {
		log = Logger()
	}
	maxQ := opts.MaxQuestions
	if maxQ <= 0 {
		maxQ = DefaultMaxQuestions
	}
	maxE := opts.MaxExports
	if maxE <= 0 {
		maxE = DefaultMaxExports
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		t:            t,
		log:          log,
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
		bootstrap:    opts.Bootstrap,
		questions:    make(map[wire.QuestionID]*question),
		answers:      make(map[wire.AnswerID]*answerEntry),
		exports:      make(map[wire.ExportID]*exportEntry),
		exportIDs:    make(map[any]wire.ExportID),
		imports:      make(map[wire.ImportID]*importEntry),
		embargoes:    make(map[wire.EmbargoID]*embargo),
		sendSignal:   make(chan struct{}, 1),
		maxQuestions: maxQ,
		maxExports:   maxE,
	}

	go c.sendLoop()
	go c.receiveLoop()
	return c
}

// Bootstrap asks the peer for its root capability. The result is usable
// immediately; calls made before the peer responds are pipelined. The
// caller owns the returned reference.
func (c *Conn) Bootstrap(_ context.Context) *capability.Client {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return capability.ErrorClient(c.disconnectErr())
	}
	q := c.newQuestion()
	m := wire.NewMessage(wire.TagBootstrap)
	m.Bootstrap.QuestionID = q.id
	c.enqueue(m)
	client := q.pipelineClientLocked(nil)
	c.mu.Unlock()

	// The question's answer itself is never surfaced; drop its reference
	// so the bootstrap client alone keeps the question alive.
	q.ans.Release()
	return client
}

// Done is closed once the connection has fully shut down.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err reports why the connection shut down; nil while it is live.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close shuts the connection down, sending a best-effort abort to the
// peer. Outstanding calls on both sides fail with a disconnected error.
// Idempotent.
func (c *Conn) Close() error {
	c.shutdown(errors.Disconnected("connection closed"), true)
	<-c.done
	return nil
}

// Stats is a snapshot of the connection's table sizes.
type Stats struct {
	Questions int
	Answers   int
	Exports   int
	Imports   int
	Embargoes int
}

// Stats returns the current table sizes. Useful for leak hunting in
// tests and for inspection tooling.
func (c *Conn) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Questions: len(c.questions),
		Answers:   len(c.answers),
		Exports:   len(c.exports),
		Imports:   len(c.imports),
		Embargoes: len(c.embargoes),
	}
}

// enqueue appends a message to the outgoing queue. Callers must hold
// c.mu; the wire order is exactly the enqueue order.
func (c *Conn) enqueue(m *wire.Message) {
	if c.closed {
		return
	}
	c.sendq = append(c.sendq, m)
	select {
	case c.sendSignal <- struct{}{}:
	default:
	}
}

func (c *Conn) sendLoop() {
	for {
		c.mu.Lock()
		var m *wire.Message
		if len(c.sendq) > 0 {
			m = c.sendq[0]
			c.sendq = c.sendq[1:]
		}
		closed := c.closed
		c.mu.Unlock()

		if m != nil {
			if err := c.t.Send(context.Background(), m); err != nil {
				c.log.Debug("send failed", zap.Stringer("tag", m.Tag), zap.Error(err))
				c.shutdown(errors.Disconnectedf("send: %v", err), false)
				return
			}
			continue
		}
		if closed {
			// Queue drained after shutdown; release the transport.
			_ = c.t.Close()
			return
		}

		select {
		case <-c.sendSignal:
		case <-c.ctx.Done():
			// Shutdown raced with an empty queue; loop once more to
			// drain anything enqueued by shutdown itself.
			c.mu.Lock()
			empty := len(c.sendq) == 0
			c.mu.Unlock()
			if empty {
				_ = c.t.Close()
				return
			}
		}
	}
}

func (c *Conn) receiveLoop() {
	for {
		m, err := c.t.Receive(c.ctx)
		if err != nil {
			c.shutdown(errors.Disconnectedf("receive: %v", err), false)
			return
		}
		if err := c.handleMessage(m); err != nil {
			c.log.Warn("protocol error", zap.Stringer("tag", m.Tag), zap.Error(err))
			c.abort(err)
			return
		}
	}
}

func (c *Conn) handleMessage(m *wire.Message) error {
	switch m.Tag {
	case wire.TagBootstrap:
		return c.handleBootstrap(m.Bootstrap)
	case wire.TagCall:
		return c.handleCall(m.Call)
	case wire.TagReturn:
		return c.handleReturn(m.Return)
	case wire.TagFinish:
		return c.handleFinish(m.Finish)
	case wire.TagResolve:
		return c.handleResolve(m.Resolve)
	case wire.TagRelease:
		return c.handleRelease(m.Release)
	case wire.TagDisembargo:
		return c.handleDisembargo(m.Disembargo)
	case wire.TagAbort:
		c.shutdown(errors.Annotate(m.Abort.ToError(), "peer aborted"), false)
		return nil
	default:
		return errors.Protocolf("unknown message tag %d", m.Tag)
	}
}

// abort reports a protocol violation to the peer and shuts down.
func (c *Conn) abort(err error) {
	c.mu.Lock()
	if !c.closed {
		m := wire.NewMessage(wire.TagAbort)
		*m.Abort = wire.Exception{Kind: errors.KindOf(err), Reason: errors.Message(err)}
		c.enqueue(m)
	}
	c.mu.Unlock()
	c.shutdown(err, false)
}

// shutdown tears the connection down exactly once. Everything
// outstanding settles with a disconnected error.
func (c *Conn) shutdown(err error, sendAbort bool) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if sendAbort {
		m := wire.NewMessage(wire.TagAbort)
		*m.Abort = wire.FromError(err)
		c.enqueue(m)
	}
	c.closed = true
	c.err = err

	questions := c.questions
	answers := c.answers
	exports := c.exports
	imports := c.imports
	embargoes := c.embargoes
	bootstrap := c.bootstrap
	c.questions = map[wire.QuestionID]*question{}
	c.answers = map[wire.AnswerID]*answerEntry{}
	c.exports = map[wire.ExportID]*exportEntry{}
	c.exportIDs = map[any]wire.ExportID{}
	c.imports = map[wire.ImportID]*importEntry{}
	c.embargoes = map[wire.EmbargoID]*embargo{}
	c.bootstrap = nil
	c.mu.Unlock()

	// Cancel in-flight dispatches and wake the loops.
	c.cancel()

	discErr := errors.Annotate(err, "aborted")
	for _, q := range questions {
		q.settleAll(nil, discErr)
		q.res.Reject(discErr)
	}
	for _, a := range answers {
		a.cancelDispatch()
		if a.capAns != nil {
			a.capAns.Release()
		}
	}
	for _, e := range exports {
		e.client.Release()
	}
	for _, e := range imports {
		if e.promise != nil {
			e.promise.settle(nil, discErr)
		}
	}
	for _, e := range embargoes {
		e.ful.Reject(discErr)
		e.target.Release()
	}
	if bootstrap != nil {
		bootstrap.Release()
	}

	close(c.done)
}

func (c *Conn) disconnectErr() error {
	if c.err != nil {
		return c.err
	}
	return errors.Disconnected("connection closed")
}
