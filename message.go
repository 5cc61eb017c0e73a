package dbus

import (
	"fmt"

	"github.com/busline/dbus/fragments"
)

// protocolVersion is the DBus major protocol version this package
// speaks. Messages with any other version byte are rejected.
const protocolVersion = 1

// maxFrameSize is the largest message this implementation accepts,
// matching the maximum message size permitted by the DBus
// specification (2^27 bytes).
const maxFrameSize = 1 << 27

// A MessageType identifies the kind of a DBus message.
type MessageType uint8

const (
	MsgMethodCall MessageType = iota + 1
	MsgMethodReturn
	MsgError
	MsgSignal
)

func (t MessageType) String() string {
	switch t {
	case MsgMethodCall:
		return "method_call"
	case MsgMethodReturn:
		return "method_return"
	case MsgError:
		return "error"
	case MsgSignal:
		return "signal"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// Flags is the bitmap of message flags carried in the third prologue
// byte.
type Flags uint8

const (
	// FlagNoReplyExpected tells the peer that no method return or
	// error should be sent for this call.
	FlagNoReplyExpected Flags = 1 << iota
	// FlagNoAutoStart tells the bus not to launch an owner for the
	// destination name if there isn't one.
	FlagNoAutoStart
	// FlagAllowInteractiveAuthorization tells the destination that the
	// caller is prepared to wait for interactive authorization.
	FlagAllowInteractiveAuthorization
)

// Header field codes, as defined by the DBus specification.
const (
	fieldPath        = 1
	fieldInterface   = 2
	fieldMember      = 3
	fieldErrName     = 4
	fieldReplySerial = 5
	fieldDestination = 6
	fieldSender      = 7
	fieldSignature   = 8
	fieldUnixFDs     = 9
)

// A Header holds the fixed prologue values and header fields of one
// DBus message.
type Header struct {
	// Type is the message's type.
	Type MessageType
	// Flags is the message's flag bitmap.
	Flags Flags
	// Serial is the sender-assigned serial for this message. Never
	// zero on the wire.
	Serial uint32

	// Path is the target object for a call, or the source object for a
	// signal.
	Path ObjectPath
	// Interface is the interface of the called method or emitted
	// signal.
	Interface string
	// Member is the method or signal name.
	Member string
	// ErrName is the DBus error name. Required for MsgError.
	ErrName string
	// ReplySerial is the serial of the call this message answers.
	// Required for MsgMethodReturn and MsgError.
	ReplySerial uint32
	// Destination is the intended recipient of the message.
	Destination string
	// Sender is the unique name of the message's origin. The bus
	// fills this in itself; any value sent by a client is discarded.
	Sender string
	// Signature describes the wire encoding of the message body.
	// Required if a body is present.
	Signature Signature
	// NumFDs is the number of file descriptors accompanying the
	// message.
	NumFDs uint32
}

// Valid checks that the header carries the fields its message type
// requires.
func (h *Header) Valid() error {
	if h.Serial == 0 {
		return fmt.Errorf("invalid message with zero Serial")
	}
	switch h.Type {
	case MsgMethodCall:
		if h.Path == "" {
			return fmt.Errorf("method call missing required header field Path")
		}
		if h.Member == "" {
			return fmt.Errorf("method call missing required header field Member")
		}
	case MsgMethodReturn:
		if h.ReplySerial == 0 {
			return fmt.Errorf("method return missing required header field ReplySerial")
		}
	case MsgError:
		if h.ReplySerial == 0 {
			return fmt.Errorf("error missing required header field ReplySerial")
		}
		if h.ErrName == "" {
			return fmt.Errorf("error missing required header field ErrName")
		}
	case MsgSignal:
		if h.Path == "" {
			return fmt.Errorf("signal missing required header field Path")
		}
		if h.Interface == "" {
			return fmt.Errorf("signal missing required header field Interface")
		}
		if h.Member == "" {
			return fmt.Errorf("signal missing required header field Member")
		}
	default:
		return fmt.Errorf("invalid message type %d", uint8(h.Type))
	}
	return nil
}

// WantReply reports whether this message requires a response.
func (h *Header) WantReply() bool {
	return h.Type == MsgMethodCall && h.Flags&FlagNoReplyExpected == 0
}

// marshal writes the fixed prologue and the header field array to w,
// then pads so that the body begins on an 8-byte boundary. bodyLen is
// the final length of the message body, which follows separately.
func (h *Header) marshal(w *fragments.Writer, bodyLen int) {
	w.ByteOrderFlag()
	w.Uint8(uint8(h.Type))
	w.Uint8(uint8(h.Flags))
	w.Uint8(protocolVersion)
	w.Uint32(uint32(bodyLen))
	w.Uint32(h.Serial)

	arr := w.WriteArrayStart(8)
	field := func(code uint8, sig string, val func()) {
		w.Struct()
		w.Uint8(code)
		w.Signature(sig)
		val()
	}
	if h.Path != "" {
		field(fieldPath, "o", func() { w.String(string(h.Path)) })
	}
	if h.Interface != "" {
		field(fieldInterface, "s", func() { w.String(h.Interface) })
	}
	if h.Member != "" {
		field(fieldMember, "s", func() { w.String(h.Member) })
	}
	if h.ErrName != "" {
		field(fieldErrName, "s", func() { w.String(h.ErrName) })
	}
	if h.ReplySerial != 0 {
		field(fieldReplySerial, "u", func() { w.Uint32(h.ReplySerial) })
	}
	if h.Destination != "" {
		field(fieldDestination, "s", func() { w.String(h.Destination) })
	}
	if h.Sender != "" {
		field(fieldSender, "s", func() { w.String(h.Sender) })
	}
	if h.Signature != "" {
		field(fieldSignature, "g", func() { w.Signature(string(h.Signature)) })
	}
	if h.NumFDs != 0 {
		field(fieldUnixFDs, "u", func() { w.Uint32(h.NumFDs) })
	}
	w.WriteArrayEnd(arr)
	w.Pad(8)
}

// A Message is a parsed view over one whole DBus frame: its header
// fields, the byte order it was encoded in, its body, and the file
// descriptors that arrived with it.
//
// A Message delivered to an observer is only valid for the duration of
// the dispatch; handlers that need to retain data must copy it. A
// Message returned from [Conn.Call] is owned by the caller, who must
// release it with [Message.Close] once done with its body and file
// descriptors.
type Message struct {
	Header

	// Order is the byte order the frame was encoded in.
	Order fragments.ByteOrder

	body       []byte
	bodyOffset int
	handles    *fragments.HandleSet
}

func align8(n int) int {
	return (n + 7) &^ 7
}

// frameSize inspects pro, the first 16 bytes of a frame, and returns
// the frame's total encoded length and byte order. It rejects malformed
// prologues: unknown endianness flags, message types outside 1..4,
// protocol versions other than 1, and impossible lengths.
func frameSize(pro []byte) (total int, order fragments.ByteOrder, err error) {
	order, ok := fragments.OrderForFlag(pro[0])
	if !ok {
		return 0, nil, &ProtocolError{Reason: fmt.Sprintf("unknown endianness flag 0x%02x", pro[0])}
	}
	if t := pro[1]; t < 1 || t > 4 {
		return 0, nil, &ProtocolError{Reason: fmt.Sprintf("unknown message type %d", t)}
	}
	if v := pro[3]; v != protocolVersion {
		return 0, nil, &ProtocolError{Reason: fmt.Sprintf("unsupported protocol version %d", v)}
	}
	bodyLen := uint64(order.Uint32(pro[4:8]))
	hdrLen := uint64(order.Uint32(pro[12:16]))
	tot := 16 + (hdrLen+7)&^7 + bodyLen
	if tot > maxFrameSize {
		return 0, nil, &ProtocolError{Reason: fmt.Sprintf("impossible message length %d", tot)}
	}
	return int(tot), order, nil
}

// TryReadMessage parses one complete message from the front of buf,
// returning the message and the number of bytes it consumed. If buf
// does not yet hold a whole frame, TryReadMessage returns (nil, 0, nil)
// and the caller should retry with more data. Malformed prologues and
// header fields produce a *ProtocolError.
//
// The returned Message borrows from buf; the caller must not reuse the
// consumed bytes while the Message is live.
func TryReadMessage(buf []byte) (*Message, int, error) {
	if len(buf) < 16 {
		return nil, 0, nil
	}
	total, order, err := frameSize(buf[:16])
	if err != nil {
		return nil, 0, err
	}
	if len(buf) < total {
		return nil, 0, nil
	}

	m := &Message{Order: order}
	m.Type = MessageType(buf[1])
	m.Flags = Flags(buf[2])
	m.Serial = order.Uint32(buf[8:12])
	hdrLen := int(order.Uint32(buf[12:16]))

	r := fragments.NewReader(buf[12:16+hdrLen], order, 12, nil)
	if err := m.readFields(r); err != nil {
		return nil, 0, err
	}

	m.bodyOffset = 16 + align8(hdrLen)
	m.body = buf[m.bodyOffset:total]
	return m, total, nil
}

// readFields walks the header field array once, filling in every
// recognized field. Unknown field codes are skipped over by their
// declared signature, for forward compatibility.
func (m *Message) readFields(r *fragments.Reader) error {
	ae, err := r.ReadArrayStart(8)
	if err != nil {
		return &ProtocolError{Reason: "truncated header field array"}
	}
	for {
		ok, err := r.HasNext(ae)
		if err != nil {
			return &ProtocolError{Reason: "truncated header field array"}
		}
		if !ok {
			return nil
		}
		code, err := r.Uint8()
		if err != nil {
			return &ProtocolError{Reason: "truncated header field"}
		}
		sig, err := r.Signature()
		if err != nil {
			return &ProtocolError{Reason: "truncated header field"}
		}
		want, known := fieldSigs[code]
		if known && sig != want {
			return &ProtocolError{Reason: fmt.Sprintf("header field %d has signature %q, want %q", code, sig, want)}
		}
		if !known {
			if _, err := ReadValue(r, Signature(sig)); err != nil {
				return &ProtocolError{Reason: fmt.Sprintf("malformed unknown header field %d: %v", code, err)}
			}
			continue
		}
		if err := m.readField(r, code); err != nil {
			return &ProtocolError{Reason: fmt.Sprintf("truncated header field %d", code)}
		}
	}
}

var fieldSigs = map[uint8]string{
	fieldPath:        "o",
	fieldInterface:   "s",
	fieldMember:      "s",
	fieldErrName:     "s",
	fieldReplySerial: "u",
	fieldDestination: "s",
	fieldSender:      "s",
	fieldSignature:   "g",
	fieldUnixFDs:     "u",
}

func (m *Message) readField(r *fragments.Reader, code uint8) error {
	switch code {
	case fieldPath:
		s, err := r.String()
		m.Path = ObjectPath(s)
		return err
	case fieldInterface:
		s, err := r.String()
		m.Interface = s
		return err
	case fieldMember:
		s, err := r.String()
		m.Member = s
		return err
	case fieldErrName:
		s, err := r.String()
		m.ErrName = s
		return err
	case fieldReplySerial:
		u, err := r.Uint32()
		m.ReplySerial = u
		return err
	case fieldDestination:
		s, err := r.String()
		m.Destination = s
		return err
	case fieldSender:
		s, err := r.String()
		m.Sender = s
		return err
	case fieldSignature:
		s, err := r.Signature()
		m.Signature = Signature(s)
		return err
	case fieldUnixFDs:
		u, err := r.Uint32()
		m.NumFDs = u
		return err
	}
	panic("unreachable")
}

// AttachHandles attaches the file descriptors received alongside the
// frame. A set with fewer entries than the header's UNIX_FDS count is a
// hard error: the body would reference descriptors that don't exist.
func (m *Message) AttachHandles(hs *fragments.HandleSet) error {
	if hs.Len() < int(m.NumFDs) {
		return &ProtocolError{Reason: fmt.Sprintf("message declares %d file descriptors, got %d", m.NumFDs, hs.Len())}
	}
	m.handles = hs
	return nil
}

// Handles returns the frame's file descriptor collection, or nil if
// none arrived with it.
func (m *Message) Handles() *fragments.HandleSet { return m.handles }

// BodyReader returns a fresh Reader positioned at the start of the
// message body, in the message's byte order, with the message's file
// descriptors attached.
func (m *Message) BodyReader() *fragments.Reader {
	return fragments.NewReader(m.body, m.Order, m.bodyOffset, m.handles)
}

// Close releases the frame's file descriptors. Every descriptor whose
// ownership was not taken through a body read is closed. Close on a
// message without descriptors is a no-op.
func (m *Message) Close() error {
	if m == nil {
		return nil
	}
	return m.handles.Close()
}
