package rpc

import (
	"context"
	"encoding/binary"
	stderrors "errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/capwire/capwire/capability"
	"github.com/capwire/capwire/errors"
	"github.com/capwire/capwire/transport"
	"github.com/capwire/capwire/wire"
)

const (
	calcInterfaceID = 0xca1c
	calcAdd         = 0
	calcMakeCounter = 1
	calcMirror      = 2
	calcPoke        = 3
	calcPump        = 4

	counterInterfaceID = 0xc047
	counterIncrement   = 0
	counterGet         = 1
)

// calcServer is the demo bootstrap interface: arithmetic plus a factory
// for counter capabilities. mirror returns the caller's own capability,
// which is the loop-back shape the disembargo protocol exists for.
type calcServer struct{}

func (s *calcServer) Dispatch(ctx context.Context, m capability.Method, args capability.Payload, r *capability.Results) error {
	switch m.MethodID {
	case calcAdd:
		if len(args.Data) < 16 {
			return errors.Failed("add wants two operands")
		}
		a := binary.BigEndian.Uint64(args.Data[:8])
		b := binary.BigEndian.Uint64(args.Data[8:16])
		r.SetData(u64(a + b))
		return nil
	case calcMakeCounter:
		r.AddCap(capability.NewLocalClient(&counterServer{}))
		return nil
	case calcMirror:
		cl, err := args.ClientAt(nil)
		if err != nil {
			return err
		}
		r.AddCap(cl)
		return nil
	case calcPoke:
		cl, err := args.ClientAt(nil)
		if err != nil {
			return err
		}
		defer cl.Release()
		inc := cl.Call(ctx, method(counterInterfaceID, counterIncrement), capability.Payload{})
		defer inc.Release()
		_, err = inc.Await(ctx)
		return err
	case calcPump:
		if len(args.Data) < 8 {
			return errors.Failed("pump wants a count")
		}
		cl, err := args.ClientAt(nil)
		if err != nil {
			return err
		}
		defer cl.Release()
		n := binary.BigEndian.Uint64(args.Data[:8])
		pending := make([]*capability.Answer, 0, n)
		for i := uint64(0); i < n; i++ {
			pending = append(pending, cl.Call(ctx, method(counterInterfaceID, counterIncrement), capability.Payload{}))
		}
		for _, inc := range pending {
			_, aerr := inc.Await(ctx)
			inc.Release()
			if aerr != nil {
				return aerr
			}
		}
		got := cl.Call(ctx, method(counterInterfaceID, counterGet), capability.Payload{})
		defer got.Release()
		p, err := got.Await(ctx)
		if err != nil {
			return err
		}
		r.SetData(append([]byte(nil), p.Data...))
		return nil
	default:
		return errors.Newf(errors.KindUnimplemented, "calc has no method %d", m.MethodID)
	}
}

type counterServer struct {
	n         uint64
	shutdowns chan struct{}
}

func (s *counterServer) Dispatch(ctx context.Context, m capability.Method, args capability.Payload, r *capability.Results) error {
	switch m.MethodID {
	case counterIncrement:
		s.n++
		return nil
	case counterGet:
		r.SetData(u64(s.n))
		return nil
	default:
		return errors.Newf(errors.KindUnimplemented, "counter has no method %d", m.MethodID)
	}
}

func (s *counterServer) Shutdown() {
	if s.shutdowns != nil {
		close(s.shutdowns)
	}
}

func u64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func newPair(t *testing.T) (*Conn, *Conn) {
	t.Helper()
	ta, tb := transport.Pipe()
	server := NewConn(ta, &Options{Bootstrap: capability.NewLocalClient(&calcServer{})})
	client := NewConn(tb, nil)
	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})
	return server, client
}

func awaitData(t *testing.T, ans *capability.Answer) []byte {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p, err := ans.Await(ctx)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	data := append([]byte(nil), p.Data...)
	ans.Release()
	return data
}

func method(iface uint64, id uint16) capability.Method {
	return capability.Method{InterfaceID: iface, MethodID: id}
}

func TestConn_BootstrapAndCall(t *testing.T) {
	_, client := newPair(t)
	ctx := context.Background()

	calc := client.Bootstrap(ctx)
	defer calc.Release()

	args := append(u64(2), u64(3)...)
	got := awaitData(t, calc.Call(ctx, method(calcInterfaceID, calcAdd), capability.Payload{Data: args}))
	if v := binary.BigEndian.Uint64(got); v != 5 {
		t.Fatalf("add(2, 3) = %d, want 5", v)
	}
}

func TestConn_ManyQuestionsShareOneBootstrap(t *testing.T) {
	_, client := newPair(t)
	ctx := context.Background()

	calc := client.Bootstrap(ctx)
	defer calc.Release()

	answers := make([]*capability.Answer, 20)
	for i := range answers {
		args := append(u64(uint64(i)), u64(uint64(i))...)
		answers[i] = calc.Call(ctx, method(calcInterfaceID, calcAdd), capability.Payload{Data: args})
	}
	for i, ans := range answers {
		got := awaitData(t, ans)
		if v := binary.BigEndian.Uint64(got); v != uint64(2*i) {
			t.Fatalf("call %d: got %d, want %d", i, v, 2*i)
		}
	}
}

func TestConn_CallError(t *testing.T) {
	_, client := newPair(t)
	ctx := context.Background()

	calc := client.Bootstrap(ctx)
	defer calc.Release()

	ans := calc.Call(ctx, method(calcInterfaceID, 99), capability.Payload{})
	defer ans.Release()
	_, err := ans.Await(ctx)
	if err == nil {
		t.Fatal("expected error for unknown method")
	}
	if errors.KindOf(err) != errors.KindUnimplemented {
		t.Fatalf("kind = %v, want unimplemented", errors.KindOf(err))
	}
}

func TestConn_PipelinedCallsBeforeReturn(t *testing.T) {
	_, client := newPair(t)
	ctx := context.Background()

	// Every call here is issued before any result has arrived.
	calc := client.Bootstrap(ctx)
	defer calc.Release()

	mkAns := calc.Call(ctx, method(calcInterfaceID, calcMakeCounter), capability.Payload{})
	counter := mkAns.Client()
	mkAns.Release()
	defer counter.Release()

	// Keep the increment answers until the end: releasing one early asks
	// the peer to cancel it.
	var incs []*capability.Answer
	for i := 0; i < 3; i++ {
		incs = append(incs, counter.Call(ctx, method(counterInterfaceID, counterIncrement), capability.Payload{}))
	}
	got := awaitData(t, counter.Call(ctx, method(counterInterfaceID, counterGet), capability.Payload{}))
	for _, inc := range incs {
		inc.Release()
	}
	if v := binary.BigEndian.Uint64(got); v != 3 {
		t.Fatalf("counter = %d, want 3 (pipelined increments must be delivered in order)", v)
	}
}

func TestConn_PipelineMatchesAwaitThenCall(t *testing.T) {
	_, client := newPair(t)
	ctx := context.Background()

	calc := client.Bootstrap(ctx)
	defer calc.Release()

	mkAns := calc.Call(ctx, method(calcInterfaceID, calcMakeCounter), capability.Payload{})
	if _, err := mkAns.Await(ctx); err != nil {
		t.Fatalf("await: %v", err)
	}
	counter := mkAns.Client()
	defer counter.Release()

	inc := counter.Call(ctx, method(counterInterfaceID, counterIncrement), capability.Payload{})
	got := awaitData(t, counter.Call(ctx, method(counterInterfaceID, counterGet), capability.Payload{}))
	inc.Release()
	if v := binary.BigEndian.Uint64(got); v != 1 {
		t.Fatalf("counter = %d, want 1", v)
	}
	mkAns.Release()
}

func TestConn_MirrorEmbargoPreservesOrder(t *testing.T) {
	_, client := newPair(t)
	ctx := context.Background()

	calc := client.Bootstrap(ctx)
	defer calc.Release()

	// The server hands our own counter back, so pipelined increments route
	// through the server while later ones could go direct. The disembargo
	// fence keeps them ordered; all five must land.
	local := capability.NewLocalClient(&counterServer{})
	defer local.Release()

	ans := calc.Call(ctx, method(calcInterfaceID, calcMirror),
		capability.Payload{Caps: []*capability.Client{local.AddRef()}})
	mirrored := ans.Client()
	defer mirrored.Release()

	var incs []*capability.Answer
	for i := 0; i < 2; i++ {
		incs = append(incs, mirrored.Call(ctx, method(counterInterfaceID, counterIncrement), capability.Payload{}))
	}
	if _, err := ans.Await(ctx); err != nil {
		t.Fatalf("await mirror: %v", err)
	}
	for i := 0; i < 3; i++ {
		incs = append(incs, mirrored.Call(ctx, method(counterInterfaceID, counterIncrement), capability.Payload{}))
	}
	got := awaitData(t, mirrored.Call(ctx, method(counterInterfaceID, counterGet), capability.Payload{}))
	for _, inc := range incs {
		inc.Release()
	}
	if v := binary.BigEndian.Uint64(got); v != 5 {
		t.Fatalf("counter = %d, want 5", v)
	}
	ans.Release()
}

// orderServer records the sequence tag carried in each call's data so
// tests can assert delivery order.
type orderServer struct {
	mu   sync.Mutex
	seen []uint64
}

func (s *orderServer) Dispatch(_ context.Context, _ capability.Method, args capability.Payload, _ *capability.Results) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = append(s.seen, binary.BigEndian.Uint64(args.Data))
	return nil
}

func (s *orderServer) order() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint64(nil), s.seen...)
}

func assertOrdered(t *testing.T, got []uint64, n int) {
	t.Helper()
	if len(got) != n {
		t.Fatalf("delivered %d calls, want %d (%v)", len(got), n, got)
	}
	for i, v := range got {
		if v != uint64(i) {
			t.Fatalf("delivery order %v", got)
		}
	}
}

func TestConn_MirrorCallOrderAcrossResolution(t *testing.T) {
	_, client := newPair(t)
	ctx := context.Background()

	calc := client.Bootstrap(ctx)
	defer calc.Release()

	rec := &orderServer{}
	local := capability.NewLocalClient(rec)
	defer local.Release()

	ans := calc.Call(ctx, method(calcInterfaceID, calcMirror),
		capability.Payload{Caps: []*capability.Client{local.AddRef()}})
	mirrored := ans.Client()
	defer mirrored.Release()

	var pending []*capability.Answer
	seq := uint64(0)
	for ; seq < 4; seq++ {
		pending = append(pending, mirrored.Call(ctx, method(counterInterfaceID, counterIncrement),
			capability.Payload{Data: u64(seq)}))
	}
	if _, err := ans.Await(ctx); err != nil {
		t.Fatalf("await mirror: %v", err)
	}
	// The hook has settled to the embargoed local capability; these must
	// still land behind the wire calls above.
	for ; seq < 8; seq++ {
		pending = append(pending, mirrored.Call(ctx, method(counterInterfaceID, counterIncrement),
			capability.Payload{Data: u64(seq)}))
	}
	for _, p := range pending {
		wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		_, err := p.Await(wctx)
		cancel()
		if err != nil {
			t.Fatalf("await call: %v", err)
		}
		p.Release()
	}
	ans.Release()

	assertOrdered(t, rec.order(), 8)
}

func TestConn_CallsRacingReturnStayOrdered(t *testing.T) {
	_, client := newPair(t)
	ctx := context.Background()

	calc := client.Bootstrap(ctx)
	defer calc.Release()

	rec := &orderServer{}
	local := capability.NewLocalClient(rec)
	defer local.Release()

	ans := calc.Call(ctx, method(calcInterfaceID, calcMirror),
		capability.Payload{Caps: []*capability.Client{local.AddRef()}})
	mirrored := ans.Client()
	defer mirrored.Release()

	// Keep issuing while the Return and the disembargo race in. A call
	// that loses the race against the resolution must not slip onto the
	// wire behind the disembargo, or it would be delivered after calls
	// issued later.
	const n = 64
	pending := make([]*capability.Answer, n)
	for i := 0; i < n; i++ {
		pending[i] = mirrored.Call(ctx, method(counterInterfaceID, counterIncrement),
			capability.Payload{Data: u64(uint64(i))})
	}
	for _, p := range pending {
		wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		_, err := p.Await(wctx)
		cancel()
		if err != nil {
			t.Fatalf("await call: %v", err)
		}
		p.Release()
	}
	ans.Release()

	assertOrdered(t, rec.order(), n)
}

func TestConn_PromiseArgumentResolvesAcrossWire(t *testing.T) {
	_, client := newPair(t)
	ctx := context.Background()

	calc := client.Bootstrap(ctx)
	defer calc.Release()

	// The server calls through the promise before it has a value; the
	// call must wait for the Resolve and then be delivered exactly once.
	pc, f := capability.NewPromise()
	defer pc.Release()
	poke := calc.Call(ctx, method(calcInterfaceID, calcPoke),
		capability.Payload{Caps: []*capability.Client{pc.AddRef()}})
	f.Fulfill(capability.NewLocalClient(&counterServer{}))

	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := poke.Await(wctx); err != nil {
		t.Fatalf("poke: %v", err)
	}
	poke.Release()

	got := awaitData(t, pc.Call(ctx, method(counterInterfaceID, counterGet), capability.Payload{}))
	if v := binary.BigEndian.Uint64(got); v != 1 {
		t.Fatalf("counter = %d, want 1", v)
	}
}

func TestConn_ResolveLoopbackEmbargo(t *testing.T) {
	_, client := newPair(t)
	ctx := context.Background()

	calc := client.Bootstrap(ctx)
	defer calc.Release()

	mk := calc.Call(ctx, method(calcInterfaceID, calcMakeCounter), capability.Payload{})
	if _, err := mk.Await(ctx); err != nil {
		t.Fatalf("makeCounter: %v", err)
	}
	counter := mk.Client()
	defer counter.Release()

	// The promise resolves to a capability the server itself hosts, so
	// the server's post-resolution calls must queue behind a disembargo
	// echo while the early ones still route through this side.
	pc, f := capability.NewPromise()
	defer pc.Release()
	pump := calc.Call(ctx, method(calcInterfaceID, calcPump),
		capability.Payload{Data: u64(4), Caps: []*capability.Client{pc.AddRef()}})
	f.Fulfill(counter.AddRef())

	got := awaitData(t, pump)
	if v := binary.BigEndian.Uint64(got); v != 4 {
		t.Fatalf("pumped counter = %d, want 4", v)
	}
	mk.Release()
}

func TestConn_ReleasePropagatesShutdown(t *testing.T) {
	ta, tb := transport.Pipe()
	cnt := &counterServer{shutdowns: make(chan struct{})}
	boot := &mirrorBootstrap{counter: capability.NewLocalClient(cnt)}
	server := NewConn(ta, &Options{Bootstrap: capability.NewLocalClient(boot)})
	client := NewConn(tb, nil)
	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})
	ctx := context.Background()

	root := client.Bootstrap(ctx)
	ans := root.Call(ctx, method(calcInterfaceID, calcMakeCounter), capability.Payload{})
	counter := ans.Client()
	ans.Release()

	// Use it once, then drop every reference this side holds.
	inc := counter.Call(ctx, method(counterInterfaceID, counterIncrement), capability.Payload{})
	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := inc.Await(wctx); err != nil {
		t.Fatalf("increment: %v", err)
	}
	inc.Release()
	counter.Release()
	root.Release()

	select {
	case <-cnt.shutdowns:
	case <-time.After(5 * time.Second):
		t.Fatal("counter never shut down after all references were released")
	}
}

// mirrorBootstrap hands out one shared counter instead of minting new
// ones, so tests can watch its shutdown.
type mirrorBootstrap struct {
	counter *capability.Client
}

func (b *mirrorBootstrap) Dispatch(ctx context.Context, m capability.Method, args capability.Payload, r *capability.Results) error {
	if m.MethodID != calcMakeCounter {
		return errors.Newf(errors.KindUnimplemented, "no method %d", m.MethodID)
	}
	r.AddCap(b.counter.AddRef())
	return nil
}

func (b *mirrorBootstrap) Shutdown() {
	b.counter.Release()
}

func TestConn_TablesDrainAfterUse(t *testing.T) {
	server, client := newPair(t)
	ctx := context.Background()

	calc := client.Bootstrap(ctx)
	args := append(u64(1), u64(1)...)
	awaitData(t, calc.Call(ctx, method(calcInterfaceID, calcAdd), capability.Payload{Data: args}))
	calc.Release()

	deadline := time.Now().Add(5 * time.Second)
	for {
		cs, ss := client.Stats(), server.Stats()
		if cs == (Stats{}) && ss == (Stats{}) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("tables never drained: client %+v server %+v", cs, ss)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestConn_ProtocolErrorAborts(t *testing.T) {
	tests := []struct {
		name string
		run  func(raw transport.Transport)
	}{
		{
			name: "finish for unknown question",
			run: func(raw transport.Transport) {
				m := wire.NewMessage(wire.TagFinish)
				m.Finish.QuestionID = 99
				_ = raw.Send(context.Background(), m)
			},
		},
		{
			name: "duplicate finish",
			run: func(raw transport.Transport) {
				ctx := context.Background()
				b := wire.NewMessage(wire.TagBootstrap)
				_ = raw.Send(ctx, b)
				mustReceive(raw, wire.TagReturn)
				f := wire.NewMessage(wire.TagFinish)
				_ = raw.Send(ctx, f)
				f2 := wire.NewMessage(wire.TagFinish)
				_ = raw.Send(ctx, f2)
			},
		},
		{
			name: "over-release of an export",
			run: func(raw transport.Transport) {
				ctx := context.Background()
				b := wire.NewMessage(wire.TagBootstrap)
				_ = raw.Send(ctx, b)
				ret := mustReceive(raw, wire.TagReturn)
				id := ret.Return.Results.CapTable[0].ID
				rel := wire.NewMessage(wire.TagRelease)
				rel.Release.ID = wire.ExportID(id)
				rel.Release.Count = 5
				_ = raw.Send(ctx, rel)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ta, tb := transport.Pipe()
			conn := NewConn(ta, &Options{Bootstrap: capability.NewLocalClient(&calcServer{})})
			defer conn.Close()

			tt.run(tb)

			select {
			case <-conn.Done():
			case <-time.After(5 * time.Second):
				t.Fatal("connection did not shut down")
			}
			if kind := errors.KindOf(conn.Err()); kind != errors.KindProtocol {
				t.Fatalf("Err() kind = %v, want protocol (%v)", kind, conn.Err())
			}
		})
	}
}

// mustReceive drains messages from raw until one with the wanted tag
// shows up.
func mustReceive(raw transport.Transport, want wire.Tag) *wire.Message {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		m, err := raw.Receive(ctx)
		if err != nil {
			panic(fmt.Sprintf("receive while waiting for %v: %v", want, err))
		}
		if m.Tag == want {
			return m
		}
	}
}

func TestConn_PeerAbortFailsOutstandingCalls(t *testing.T) {
	server, client := newPair(t)
	ctx := context.Background()

	calc := client.Bootstrap(ctx)
	defer calc.Release()
	awaitData(t, calc.Call(ctx, method(calcInterfaceID, calcAdd),
		capability.Payload{Data: append(u64(1), u64(2)...)}))

	_ = server.Close()

	ans := calc.Call(ctx, method(calcInterfaceID, calcAdd),
		capability.Payload{Data: append(u64(1), u64(2)...)})
	defer ans.Release()
	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := ans.Await(wctx); errors.KindOf(err) != errors.KindDisconnected {
		t.Fatalf("call after peer close: err = %v, want disconnected", err)
	}
}

func TestConn_CloseIsIdempotent(t *testing.T) {
	_, client := newPair(t)
	if err := client.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := client.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if !stderrors.Is(client.Err(), errors.Disconnected("")) {
		t.Fatalf("Err() = %v, want disconnected", client.Err())
	}
}

func TestConn_BootstrapWithoutCapability(t *testing.T) {
	ta, tb := transport.Pipe()
	server := NewConn(ta, nil)
	client := NewConn(tb, nil)
	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})
	ctx := context.Background()

	root := client.Bootstrap(ctx)
	defer root.Release()
	ans := root.Call(ctx, method(calcInterfaceID, calcAdd), capability.Payload{})
	defer ans.Release()
	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := ans.Await(wctx); errors.KindOf(err) != errors.KindUnimplemented {
		t.Fatalf("err = %v, want unimplemented", err)
	}
}
