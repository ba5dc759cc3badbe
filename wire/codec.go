package wire

import (
	"github.com/capwire/capwire/errors"
	"github.com/capwire/capwire/wire/internal/binary"
)

// Decoding limits. Violations are protocol errors, not allocations.
const (
	// MaxCapTableLen bounds the capability table of a single payload.
	MaxCapTableLen = 512
	// MaxPathLen bounds a promised-answer path.
	MaxPathLen = 32
)

// Marshal encodes a message into its binary form.
func Marshal(m *Message) ([]byte, error) {
	w := binary.NewWriter()
	w.Byte(byte(m.Tag))

	switch m.Tag {
	case TagBootstrap:
		w.WriteU32(uint32(m.Bootstrap.QuestionID))
	case TagCall:
		c := m.Call
		w.WriteU32(uint32(c.QuestionID))
		writeTarget(w, c.Target)
		w.WriteU64(c.InterfaceID)
		w.WriteU16(c.MethodID)
		writePayload(w, c.Params)
	case TagReturn:
		r := m.Return
		w.WriteU32(uint32(r.AnswerID))
		w.WriteBool(r.ReleaseParamCaps)
		w.Byte(byte(r.Which))
		switch r.Which {
		case ReturnResults:
			writePayload(w, r.Results)
		case ReturnException:
			writeException(w, r.Exception)
		case ReturnCancelled:
		default:
			return nil, errors.Protocolf("marshal: unknown return variant %d", r.Which)
		}
	case TagFinish:
		w.WriteU32(uint32(m.Finish.QuestionID))
		w.WriteBool(m.Finish.ReleaseResultCaps)
	case TagResolve:
		r := m.Resolve
		w.WriteU32(uint32(r.PromiseID))
		w.Byte(byte(r.Which))
		switch r.Which {
		case ResolveCap:
			writeCapDescriptor(w, r.Cap)
		case ResolveException:
			writeException(w, r.Exception)
		default:
			return nil, errors.Protocolf("marshal: unknown resolve variant %d", r.Which)
		}
	case TagRelease:
		w.WriteU32(uint32(m.Release.ID))
		w.WriteU32(m.Release.Count)
	case TagDisembargo:
		writeTarget(w, m.Disembargo.Target)
		w.Byte(byte(m.Disembargo.Which))
		w.WriteU32(uint32(m.Disembargo.EmbargoID))
	case TagAbort:
		writeException(w, *m.Abort)
	default:
		return nil, errors.Protocolf("marshal: unknown message tag %d", m.Tag)
	}

	return w.Bytes(), nil
}

// Unmarshal decodes a message from its binary form. Errors are of kind
// Protocol; arbitrary input never panics.
func Unmarshal(data []byte) (*Message, error) {
	r := binary.NewReader(data)

	tag, err := r.ReadByte()
	if err != nil {
		return nil, errors.Protocol("unmarshal: empty message")
	}

	m := NewMessage(Tag(tag))
	switch m.Tag {
	case TagBootstrap:
		m.Bootstrap.QuestionID, err = readQuestionID(r)
	case TagCall:
		err = readCall(r, m.Call)
	case TagReturn:
		err = readReturn(r, m.Return)
	case TagFinish:
		if m.Finish.QuestionID, err = readQuestionID(r); err == nil {
			m.Finish.ReleaseResultCaps, err = r.ReadBool()
		}
	case TagResolve:
		err = readResolve(r, m.Resolve)
	case TagRelease:
		var id, count uint32
		if id, err = r.ReadU32(); err == nil {
			count, err = r.ReadU32()
		}
		m.Release.ID = ExportID(id)
		m.Release.Count = count
	case TagDisembargo:
		err = readDisembargo(r, m.Disembargo)
	case TagAbort:
		*m.Abort, err = readException(r)
	default:
		return nil, errors.Protocolf("unmarshal: unknown message tag %d", tag)
	}
	if err != nil {
		return nil, errors.Annotate(protocolize(err), m.Tag.String())
	}
	if r.Remaining() != 0 {
		return nil, errors.Protocolf("unmarshal: %d trailing bytes after %s", r.Remaining(), m.Tag)
	}
	return m, nil
}

func protocolize(err error) error {
	if errors.KindOf(err) == errors.KindProtocol {
		return err
	}
	return errors.Wrap(errors.KindProtocol, err)
}

func readQuestionID(r *binary.Reader) (QuestionID, error) {
	v, err := r.ReadU32()
	return QuestionID(v), err
}

func readCall(r *binary.Reader, c *Call) error {
	id, err := readQuestionID(r)
	if err != nil {
		return err
	}
	c.QuestionID = id
	if c.Target, err = readTarget(r); err != nil {
		return err
	}
	if c.InterfaceID, err = r.ReadU64(); err != nil {
		return err
	}
	if c.MethodID, err = r.ReadU16(); err != nil {
		return err
	}
	c.Params, err = readPayload(r)
	return err
}

func readReturn(r *binary.Reader, ret *Return) error {
	id, err := r.ReadU32()
	if err != nil {
		return err
	}
	ret.AnswerID = AnswerID(id)
	if ret.ReleaseParamCaps, err = r.ReadBool(); err != nil {
		return err
	}
	which, err := r.ReadByte()
	if err != nil {
		return err
	}
	ret.Which = ReturnWhich(which)
	switch ret.Which {
	case ReturnResults:
		ret.Results, err = readPayload(r)
	case ReturnException:
		ret.Exception, err = readException(r)
	case ReturnCancelled:
	default:
		err = errors.Protocolf("unknown return variant %d", which)
	}
	return err
}

func readResolve(r *binary.Reader, res *Resolve) error {
	id, err := r.ReadU32()
	if err != nil {
		return err
	}
	res.PromiseID = ExportID(id)
	which, err := r.ReadByte()
	if err != nil {
		return err
	}
	res.Which = ResolveWhich(which)
	switch res.Which {
	case ResolveCap:
		res.Cap, err = readCapDescriptor(r)
	case ResolveException:
		res.Exception, err = readException(r)
	default:
		err = errors.Protocolf("unknown resolve variant %d", which)
	}
	return err
}

func readDisembargo(r *binary.Reader, d *Disembargo) error {
	target, err := readTarget(r)
	if err != nil {
		return err
	}
	d.Target = target
	which, err := r.ReadByte()
	if err != nil {
		return err
	}
	d.Which = DisembargoWhich(which)
	if d.Which != DisembargoSenderLoopback && d.Which != DisembargoReceiverLoopback {
		return errors.Protocolf("unknown disembargo variant %d", which)
	}
	id, err := r.ReadU32()
	d.EmbargoID = EmbargoID(id)
	return err
}

func writeTarget(w *binary.Writer, t Target) {
	w.Byte(byte(t.Which))
	switch t.Which {
	case TargetImportedCap:
		w.WriteU32(uint32(t.ImportedCap))
	case TargetPromisedAnswer:
		writePromisedAnswer(w, t.PromisedAnswer)
	}
}

func readTarget(r *binary.Reader) (Target, error) {
	var t Target
	which, err := r.ReadByte()
	if err != nil {
		return t, err
	}
	t.Which = TargetWhich(which)
	switch t.Which {
	case TargetImportedCap:
		id, err := r.ReadU32()
		t.ImportedCap = ExportID(id)
		return t, err
	case TargetPromisedAnswer:
		t.PromisedAnswer, err = readPromisedAnswer(r)
		return t, err
	default:
		return t, errors.Protocolf("unknown target variant %d", which)
	}
}

func writePromisedAnswer(w *binary.Writer, pa PromisedAnswer) {
	w.WriteU32(uint32(pa.QuestionID))
	w.WriteU32(uint32(len(pa.Path)))
	for _, step := range pa.Path {
		w.WriteU16(step)
	}
}

func readPromisedAnswer(r *binary.Reader) (PromisedAnswer, error) {
	var pa PromisedAnswer
	id, err := r.ReadU32()
	if err != nil {
		return pa, err
	}
	pa.QuestionID = QuestionID(id)
	n, err := r.ReadU32()
	if err != nil {
		return pa, err
	}
	if n > MaxPathLen {
		return pa, errors.Protocolf("promised answer path of %d steps exceeds limit %d", n, MaxPathLen)
	}
	if n > 0 {
		pa.Path = make([]uint16, n)
		for i := range pa.Path {
			if pa.Path[i], err = r.ReadU16(); err != nil {
				return pa, err
			}
		}
	}
	return pa, nil
}

func writePayload(w *binary.Writer, p Payload) {
	w.WriteBytes(p.Data)
	w.WriteU32(uint32(len(p.CapTable)))
	for _, d := range p.CapTable {
		writeCapDescriptor(w, d)
	}
}

func readPayload(r *binary.Reader) (Payload, error) {
	var p Payload
	data, err := r.ReadBytes()
	if err != nil {
		return p, err
	}
	if len(data) > 0 {
		p.Data = append([]byte(nil), data...)
	}
	n, err := r.ReadU32()
	if err != nil {
		return p, err
	}
	if n > MaxCapTableLen {
		return p, errors.Protocolf("cap table of %d entries exceeds limit %d", n, MaxCapTableLen)
	}
	if n > 0 {
		p.CapTable = make([]CapDescriptor, n)
		for i := range p.CapTable {
			if p.CapTable[i], err = readCapDescriptor(r); err != nil {
				return p, err
			}
		}
	}
	return p, nil
}

func writeCapDescriptor(w *binary.Writer, d CapDescriptor) {
	w.Byte(byte(d.Which))
	switch d.Which {
	case CapNone:
	case CapSenderHosted, CapSenderPromise, CapReceiverHosted:
		w.WriteU32(d.ID)
	case CapReceiverAnswer:
		writePromisedAnswer(w, d.Answer)
	}
}

func readCapDescriptor(r *binary.Reader) (CapDescriptor, error) {
	var d CapDescriptor
	which, err := r.ReadByte()
	if err != nil {
		return d, err
	}
	d.Which = CapWhich(which)
	switch d.Which {
	case CapNone:
		return d, nil
	case CapSenderHosted, CapSenderPromise, CapReceiverHosted:
		d.ID, err = r.ReadU32()
		return d, err
	case CapReceiverAnswer:
		d.Answer, err = readPromisedAnswer(r)
		return d, err
	default:
		return d, errors.Protocolf("unknown cap descriptor variant %d", which)
	}
}

func writeException(w *binary.Writer, e Exception) {
	w.Byte(byte(e.Kind))
	w.WriteString(e.Reason)
}

func readException(r *binary.Reader) (Exception, error) {
	var e Exception
	kind, err := r.ReadByte()
	if err != nil {
		return e, err
	}
	if kind > byte(errors.KindProtocol) {
		return e, errors.Protocolf("unknown exception kind %d", kind)
	}
	e.Kind = errors.Kind(kind)
	e.Reason, err = r.ReadString()
	return e, err
}
