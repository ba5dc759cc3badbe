package wire

import (
	"fmt"

	"github.com/capwire/capwire/errors"
)

// Table ids. Question and answer ids describe the same call from the two
// ends of a connection: the caller's QuestionID is the callee's AnswerID.
// Likewise an exporter's ExportID is the importer's ImportID.
type (
	QuestionID uint32
	AnswerID   uint32
	ExportID   uint32
	ImportID   uint32
	EmbargoID  uint32
)

// Tag discriminates the Message union.
type Tag uint8

const (
	TagBootstrap Tag = iota
	TagCall
	TagReturn
	TagFinish
	TagResolve
	TagRelease
	TagDisembargo
	TagAbort
)

// String returns the lower-case name of the tag.
func (t Tag) String() string {
	switch t {
	case TagBootstrap:
		return "bootstrap"
	case TagCall:
		return "call"
	case TagReturn:
		return "return"
	case TagFinish:
		return "finish"
	case TagResolve:
		return "resolve"
	case TagRelease:
		return "release"
	case TagDisembargo:
		return "disembargo"
	case TagAbort:
		return "abort"
	default:
		return fmt.Sprintf("tag(%d)", uint8(t))
	}
}

// Message is one unit of the RPC protocol. Exactly the variant named by
// Tag is non-nil.
type Message struct {
	Bootstrap  *Bootstrap
	Call       *Call
	Return     *Return
	Finish     *Finish
	Resolve    *Resolve
	Release    *Release
	Disembargo *Disembargo
	Abort      *Exception
	Tag        Tag
}

// Bootstrap asks the peer for its root capability, delivered as the answer
// to QuestionID.
type Bootstrap struct {
	QuestionID QuestionID
}

// Call invokes a method on a capability hosted by the receiver.
type Call struct {
	Params      Payload
	QuestionID  QuestionID
	InterfaceID uint64
	Target      Target
	MethodID    uint16
}

// ReturnWhich discriminates the body of a Return.
type ReturnWhich uint8

const (
	// ReturnResults carries a result payload.
	ReturnResults ReturnWhich = iota
	// ReturnException carries an error.
	ReturnException
	// ReturnCancelled acknowledges a Finish that arrived before the call
	// completed; there are no results.
	ReturnCancelled
)

// Return completes the call identified by AnswerID. ReleaseParamCaps tells
// the receiver that every export it created for the call's params has been
// implicitly released once.
type Return struct {
	Results          Payload
	Exception        Exception
	AnswerID         AnswerID
	Which            ReturnWhich
	ReleaseParamCaps bool
}

// Finish tells the callee the caller is done with an answer. Sent before
// the Return arrives it requests best-effort cancellation.
// ReleaseResultCaps asks the callee to drop the exports embedded in the
// results, for when the caller never picked them up.
type Finish struct {
	QuestionID        QuestionID
	ReleaseResultCaps bool
}

// ResolveWhich discriminates the body of a Resolve.
type ResolveWhich uint8

const (
	// ResolveCap resolves the promise to a concrete capability.
	ResolveCap ResolveWhich = iota
	// ResolveException breaks the promise.
	ResolveException
)

// Resolve replaces a previously sent promise export with its final value.
// PromiseID is the export id the promise was sent under; the entry itself
// stays alive until the importer releases it.
type Resolve struct {
	Exception Exception
	PromiseID ExportID
	Which     ResolveWhich
	Cap       CapDescriptor
}

// Release returns import references to the exporter. Count is the
// accumulated number of times the sender received the export.
type Release struct {
	ID    ExportID
	Count uint32
}

// DisembargoWhich discriminates the direction of a Disembargo.
type DisembargoWhich uint8

const (
	// DisembargoSenderLoopback asks the receiver to echo the message back
	// once every earlier call on the target path has been delivered.
	DisembargoSenderLoopback DisembargoWhich = iota
	// DisembargoReceiverLoopback is that echo.
	DisembargoReceiverLoopback
)

// Disembargo flushes the ordering fence for a capability path whose
// resolution looped back across the connection.
type Disembargo struct {
	Target    Target
	Which     DisembargoWhich
	EmbargoID EmbargoID
}

// TargetWhich discriminates a call target.
type TargetWhich uint8

const (
	// TargetImportedCap addresses a concrete entry in the receiver's
	// export table.
	TargetImportedCap TargetWhich = iota
	// TargetPromisedAnswer addresses a path into a not-yet-finished answer.
	TargetPromisedAnswer
)

// Target names the capability a Call or Disembargo applies to.
type Target struct {
	PromisedAnswer PromisedAnswer
	ImportedCap    ExportID
	Which          TargetWhich
}

// PromisedAnswer addresses a capability inside the eventual result of an
// outstanding question. Path indexes the result payload's capability
// table; an empty path means the first capability.
type PromisedAnswer struct {
	Path       []uint16
	QuestionID QuestionID
}

// Payload carries opaque application data plus the capabilities it
// references.
type Payload struct {
	Data     []byte
	CapTable []CapDescriptor
}

// CapWhich discriminates a capability descriptor.
type CapWhich uint8

const (
	// CapNone is a null capability slot.
	CapNone CapWhich = iota
	// CapSenderHosted is a capability hosted by the message's sender,
	// exported under ID.
	CapSenderHosted
	// CapSenderPromise is like CapSenderHosted, but the sender does not
	// know the final value yet and will follow up with a Resolve for ID.
	CapSenderPromise
	// CapReceiverHosted is a capability the receiver itself exported to
	// the sender earlier; ID is the receiver's export id.
	CapReceiverHosted
	// CapReceiverAnswer is a capability expected to appear in the result
	// of one of the receiver's own answers.
	CapReceiverAnswer
)

// CapDescriptor is one capability reference inside a Payload's cap table.
// ID is meaningful for the sender-hosted, sender-promise and
// receiver-hosted variants; Answer for the receiver-answer variant.
type CapDescriptor struct {
	Answer PromisedAnswer
	ID     uint32
	Which  CapWhich
}

// Exception is an error crossing the wire.
type Exception struct {
	Reason string
	Kind   errors.Kind
}

// ToError converts a wire exception into an error value.
func (e Exception) ToError() error {
	return errors.New(e.Kind, e.Reason)
}

// FromError converts an error into a wire exception. Protocol errors are
// connection-fatal and never travel inside a Return, so they degrade to
// Failed here.
func FromError(err error) Exception {
	kind := errors.KindOf(err)
	if kind == errors.KindProtocol {
		kind = errors.KindFailed
	}
	return Exception{Kind: kind, Reason: errors.Message(err)}
}

// NewMessage returns a message of the given tag with its variant
// allocated.
func NewMessage(tag Tag) *Message {
	m := &Message{Tag: tag}
	switch tag {
	case TagBootstrap:
		m.Bootstrap = &Bootstrap{}
	case TagCall:
		m.Call = &Call{}
	case TagReturn:
		m.Return = &Return{}
	case TagFinish:
		m.Finish = &Finish{}
	case TagResolve:
		m.Resolve = &Resolve{}
	case TagRelease:
		m.Release = &Release{}
	case TagDisembargo:
		m.Disembargo = &Disembargo{}
	case TagAbort:
		m.Abort = &Exception{}
	}
	return m
}
