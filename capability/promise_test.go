package capability

import (
	"context"
	"testing"
	"time"

	"github.com/capwire/capwire/errors"
)

func TestPromise_QueuedCallsDeliveredInOrder(t *testing.T) {
	srv := &echoServer{}
	target := NewLocalClient(srv)
	defer target.Release()

	pc, f := NewPromise()
	defer pc.Release()

	var answers []*Answer
	for _, msg := range []string{"one", "two", "three"} {
		answers = append(answers, pc.Call(context.Background(), Method{}, Payload{Data: []byte(msg)}))
	}

	// Nothing may reach the target before resolution.
	time.Sleep(20 * time.Millisecond)
	if n := len(srv.calls()); n != 0 {
		t.Fatalf("%d calls delivered before resolution", n)
	}

	f.Fulfill(target.AddRef())

	for i, want := range []string{"one", "two", "three"} {
		if got := awaitData(t, answers[i]); string(got) != want {
			t.Fatalf("answer %d = %q, want %q", i, got, want)
		}
	}

	got := srv.calls()
	for i, want := range []string{"one", "two", "three"} {
		if string(got[i]) != want {
			t.Fatalf("delivery order %v", got)
		}
	}
}

func TestPromise_QueueDrainsBeforePostResolutionCalls(t *testing.T) {
	srv := &echoServer{}
	target := NewLocalClient(srv)
	defer target.Release()

	pc, f := NewPromise()
	defer pc.Release()

	early := pc.Call(context.Background(), Method{}, Payload{Data: []byte("early")})
	f.Fulfill(target.AddRef())
	late := pc.Call(context.Background(), Method{}, Payload{Data: []byte("late")})

	awaitData(t, early)
	awaitData(t, late)

	got := srv.calls()
	if len(got) != 2 || string(got[0]) != "early" || string(got[1]) != "late" {
		t.Fatalf("delivery order %q", got)
	}
}

func TestPromise_Reject(t *testing.T) {
	pc, f := NewPromise()
	defer pc.Release()

	ans := pc.Call(context.Background(), Method{}, Payload{})
	f.Reject(errors.Disconnected("gone"))

	if _, err := ans.Await(context.Background()); errors.KindOf(err) != errors.KindDisconnected {
		t.Fatalf("err = %v, want disconnected", err)
	}
	ans.Release()

	// Calls after rejection fail immediately with the same error.
	ans = pc.Call(context.Background(), Method{}, Payload{})
	if _, err := ans.Await(context.Background()); errors.KindOf(err) != errors.KindDisconnected {
		t.Fatalf("post-rejection err = %v", err)
	}
	ans.Release()
}

func TestPromise_CancelQueuedCall(t *testing.T) {
	srv := &echoServer{}
	target := NewLocalClient(srv)
	defer target.Release()

	pc, f := NewPromise()
	defer pc.Release()

	ans := pc.Call(context.Background(), Method{}, Payload{Data: []byte("doomed")})
	ans.Release() // drop interest before resolution

	f.Fulfill(target.AddRef())
	time.Sleep(20 * time.Millisecond)

	if n := len(srv.calls()); n != 0 {
		t.Fatalf("cancelled call was still delivered (%d calls)", n)
	}
}

func TestAnswer_PipelineClientBeforeSettle(t *testing.T) {
	srv := &echoServer{}
	inner := NewLocalClient(srv)

	ans, res := NewAnswer(nil)

	// Grab a client into the eventual result before it exists.
	pipelined := ans.Client(0)
	call := pipelined.Call(context.Background(), Method{}, Payload{Data: []byte("pipelined")})

	res.Fulfill(Payload{Caps: []*Client{inner}})

	if got := awaitData(t, call); string(got) != "pipelined" {
		t.Fatalf("pipelined echo = %q", got)
	}

	// The same path after settling resolves to the same capability.
	direct := ans.Client(0)
	if !direct.IsSame(pipelined) {
		t.Fatal("pre- and post-settle path clients differ")
	}
	direct.Release()
	pipelined.Release()
	ans.Release()
}

func TestAnswer_ErrorPath(t *testing.T) {
	ans, res := NewAnswer(nil)
	c := ans.Client()
	res.Fulfill(Payload{Data: []byte("no caps here")})

	call := c.Call(context.Background(), Method{}, Payload{})
	if _, err := call.Await(context.Background()); err == nil {
		t.Fatal("expected error for path into capability-free payload")
	}
	call.Release()
	c.Release()
	ans.Release()
}

func TestAnswer_ReleaseNotifiesBeforeDroppingResults(t *testing.T) {
	srv := &echoServer{}
	inner := NewLocalClient(srv)

	ans, res := NewAnswer(nil)
	res.Fulfill(Payload{Caps: []*Client{inner}})

	// The release notification must observe a payload whose clients are
	// still alive, so a reference taken inside it stays usable.
	var kept *Client
	ans.OnRelease(func() {
		c, ok := inner.TryAddRef()
		if !ok {
			t.Error("result capability already dead during release notification")
			return
		}
		kept = c
	})
	ans.Release()

	if kept == nil {
		t.Fatal("release notification could not retain the result capability")
	}
	if got := awaitData(t, kept.Call(context.Background(), Method{}, Payload{Data: []byte("still alive")})); string(got) != "still alive" {
		t.Fatalf("echo = %q", got)
	}
	kept.Release()
	if srv.shutdowns != 1 {
		t.Fatalf("shutdown ran %d times, want once", srv.shutdowns)
	}
}

func TestAnswer_AwaitContextCancelled(t *testing.T) {
	ans, _ := NewAnswer(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := ans.Await(ctx); errors.KindOf(err) != errors.KindCancelled {
		t.Fatalf("err = %v, want cancelled", err)
	}
}
