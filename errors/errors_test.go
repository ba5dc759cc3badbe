package errors

import (
	"errors"
	"strings"
	"testing"
)

func TestError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *Error
		contains []string
	}{
		{
			name:     "kind and detail",
			err:      New(KindUnimplemented, "no method 7"),
			contains: []string{"[unimplemented]", "no method 7"},
		},
		{
			name:     "minimal error",
			err:      New(KindOverloaded, ""),
			contains: []string{"[overloaded]"},
		},
		{
			name: "error with cause",
			err:  Wrap(KindDisconnected, errors.New("broken pipe")),
			contains: []string{
				"[disconnected]", "caused by", "broken pipe",
			},
		},
		{
			name: "annotated",
			err:  Annotate(Failed("boom"), "bootstrap").(*Error),
			contains: []string{
				"[failed]", "bootstrap:", "boom",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := tt.err.Error()
			for _, want := range tt.contains {
				if !strings.Contains(msg, want) {
					t.Errorf("Error() = %q, missing %q", msg, want)
				}
			}
		})
	}
}

func TestKindOf(t *testing.T) {
	if got := KindOf(Cancelled("dropped")); got != KindCancelled {
		t.Errorf("KindOf(Cancelled) = %v", got)
	}
	if got := KindOf(errors.New("plain")); got != KindFailed {
		t.Errorf("KindOf(plain) = %v, want failed", got)
	}
	// Kind survives annotation and wrapping.
	err := Annotate(Annotate(Disconnected("gone"), "inner"), "outer")
	if got := KindOf(err); got != KindDisconnected {
		t.Errorf("KindOf(annotated) = %v, want disconnected", got)
	}
}

func TestIs(t *testing.T) {
	err := Annotate(Protocol("bad target"), "receive")
	if !errors.Is(err, New(KindProtocol, "")) {
		t.Error("expected Is to match on kind")
	}
	if errors.Is(err, New(KindFailed, "")) {
		t.Error("protocol error must not match failed")
	}
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := Wrap(KindFailed, cause)
	if !errors.Is(err, cause) {
		t.Error("expected wrapped cause to be reachable via errors.Is")
	}
}

func TestMessage(t *testing.T) {
	err := Annotate(Failed("boom"), "dispatch")
	if got := Message(err); got != "dispatch: boom" {
		t.Errorf("Message() = %q", got)
	}
	if got := Message(errors.New("plain")); got != "plain" {
		t.Errorf("Message(plain) = %q", got)
	}
}
