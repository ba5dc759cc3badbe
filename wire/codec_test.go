package wire

import (
	"reflect"
	"testing"

	"github.com/capwire/capwire/errors"
)

func TestCallRoundTrip(t *testing.T) {
	msg := NewMessage(TagCall)
	*msg.Call = Call{
		QuestionID:  42,
		InterfaceID: 0xdeadbeefcafe,
		MethodID:    3,
		Target: Target{
			Which:          TargetPromisedAnswer,
			PromisedAnswer: PromisedAnswer{QuestionID: 41, Path: []uint16{0, 2}},
		},
		Params: Payload{
			Data: []byte("args"),
			CapTable: []CapDescriptor{
				{Which: CapSenderHosted, ID: 7},
				{Which: CapNone},
				{Which: CapReceiverAnswer, Answer: PromisedAnswer{QuestionID: 40}},
			},
		},
	}

	data, err := Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	got, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if !reflect.DeepEqual(msg, got) {
		t.Fatalf("round trip mismatch:\nsent %+v\ngot  %+v", msg.Call, got.Call)
	}
}

func TestReturnExceptionRoundTrip(t *testing.T) {
	msg := NewMessage(TagReturn)
	*msg.Return = Return{
		AnswerID:         9,
		ReleaseParamCaps: true,
		Which:            ReturnException,
		Exception:        FromError(errors.Overloaded("table full")),
	}

	data, err := Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	got, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	err = got.Return.Exception.ToError()
	if errors.KindOf(err) != errors.KindOverloaded {
		t.Fatalf("exception kind lost: %v", err)
	}
}

func TestFromError_DowngradesProtocol(t *testing.T) {
	e := FromError(errors.Protocol("internal"))
	if e.Kind != errors.KindFailed {
		t.Fatalf("protocol errors must not cross the wire in a return, got kind %v", e.Kind)
	}
}

func TestUnmarshal_Malformed(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"unknown tag", []byte{0xee}},
		{"truncated bootstrap", []byte{byte(TagBootstrap)}},
		{"unknown target variant", []byte{byte(TagCall), 1, 9}},
		{"unknown return variant", []byte{byte(TagReturn), 1, 0, 9}},
		{"release missing count", []byte{byte(TagRelease), 5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Unmarshal(tt.data)
			if err == nil {
				t.Fatal("expected error")
			}
			if errors.KindOf(err) != errors.KindProtocol {
				t.Fatalf("expected protocol error, got %v", err)
			}
		})
	}
}

func TestUnmarshal_TruncationsNeverPanic(t *testing.T) {
	msg := NewMessage(TagCall)
	*msg.Call = Call{
		QuestionID: 1,
		Target:     Target{Which: TargetImportedCap, ImportedCap: 2},
		Params: Payload{
			Data:     []byte{1, 2, 3},
			CapTable: []CapDescriptor{{Which: CapSenderPromise, ID: 1}},
		},
	}
	data, err := Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	for n := 0; n < len(data); n++ {
		if _, err := Unmarshal(data[:n]); err == nil {
			t.Fatalf("truncation at %d bytes decoded successfully", n)
		}
	}
}

func TestUnmarshal_TrailingBytes(t *testing.T) {
	data, err := Marshal(&Message{Tag: TagFinish, Finish: &Finish{QuestionID: 1}})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if _, err := Unmarshal(append(data, 0)); err == nil {
		t.Fatal("expected trailing bytes to be rejected")
	}
}

func TestUnmarshal_CapTableLimit(t *testing.T) {
	msg := NewMessage(TagReturn)
	msg.Return.Which = ReturnResults
	msg.Return.Results.CapTable = make([]CapDescriptor, MaxCapTableLen+1)
	data, err := Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if _, err := Unmarshal(data); errors.KindOf(err) != errors.KindProtocol {
		t.Fatalf("expected protocol error for oversized cap table, got %v", err)
	}
}
