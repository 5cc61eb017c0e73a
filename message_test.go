package dbus

import (
	"errors"
	"testing"

	"github.com/busline/dbus/fragments"
	"github.com/google/go-cmp/cmp"
)

// encodeMessage marshals hdr and body into one contiguous frame in the
// given byte order.
func encodeMessage(t *testing.T, order fragments.ByteOrder, hdr Header, body func(*fragments.Writer)) []byte {
	t.Helper()
	bw := fragments.Writer{Order: order}
	if body != nil {
		body(&bw)
	}
	if hdr.Serial == 0 {
		hdr.Serial = 1
	}
	hw := fragments.Writer{Order: order}
	hdr.marshal(&hw, len(bw.Out))
	return append(hw.Out, bw.Out...)
}

// makeTestMessage round-trips a header and body through the wire
// encoding, returning the parsed view.
func makeTestMessage(t *testing.T, hdr Header, body func(*fragments.Writer)) *Message {
	t.Helper()
	buf := encodeMessage(t, fragments.LittleEndian, hdr, body)
	msg, n, err := TryReadMessage(buf)
	if err != nil {
		t.Fatalf("TryReadMessage: %v", err)
	}
	if msg == nil || n != len(buf) {
		t.Fatalf("TryReadMessage consumed %d of %d bytes", n, len(buf))
	}
	return msg
}

func TestMessageRoundTrip(t *testing.T) {
	for _, order := range []fragments.ByteOrder{fragments.LittleEndian, fragments.BigEndian} {
		hdr := Header{
			Type:        MsgMethodCall,
			Flags:       FlagNoAutoStart,
			Serial:      42,
			Path:        "/org/test/Object",
			Interface:   "org.test.Iface",
			Member:      "Frob",
			Destination: "org.test.Server",
			Sender:      ":1.7",
			Signature:   "su",
		}
		buf := encodeMessage(t, order, hdr, func(w *fragments.Writer) {
			w.String("hello")
			w.Uint32(99)
		})

		msg, n, err := TryReadMessage(buf)
		if err != nil {
			t.Fatalf("TryReadMessage: %v", err)
		}
		if n != len(buf) {
			t.Fatalf("TryReadMessage consumed %d bytes, want %d", n, len(buf))
		}
		if diff := cmp.Diff(msg.Header, hdr); diff != "" {
			t.Errorf("parsed header wrong (-got+want):\n%s", diff)
		}

		r := msg.BodyReader()
		if s, err := r.String(); err != nil || s != "hello" {
			t.Errorf("body string: got (%q, %v), want (hello, nil)", s, err)
		}
		if u, err := r.Uint32(); err != nil || u != 99 {
			t.Errorf("body uint32: got (%v, %v), want (99, nil)", u, err)
		}
		if r.Len() != 0 {
			t.Errorf("%d unread body bytes left over", r.Len())
		}
	}
}

func TestMessageReplyHeaders(t *testing.T) {
	msg := makeTestMessage(t, Header{
		Type:        MsgError,
		Serial:      7,
		ReplySerial: 3,
		ErrName:     "org.test.Error.Boom",
		Signature:   "s",
	}, func(w *fragments.Writer) {
		w.String("it broke")
	})
	if msg.ReplySerial != 3 || msg.ErrName != "org.test.Error.Boom" {
		t.Errorf("got ReplySerial=%d ErrName=%q", msg.ReplySerial, msg.ErrName)
	}
}

// TryReadMessage must report "need more" on every proper prefix of a
// frame, then consume exactly the frame.
func TestTryReadMessageShort(t *testing.T) {
	buf := encodeMessage(t, fragments.LittleEndian, Header{
		Type:      MsgSignal,
		Path:      "/a",
		Interface: "org.test",
		Member:    "Ping",
		Signature: "u",
	}, func(w *fragments.Writer) { w.Uint32(5) })

	for i := 0; i < len(buf); i++ {
		msg, n, err := TryReadMessage(buf[:i])
		if err != nil {
			t.Fatalf("TryReadMessage(short %d): %v", i, err)
		}
		if msg != nil || n != 0 {
			t.Fatalf("TryReadMessage(short %d) = (%v, %d), want (nil, 0)", i, msg, n)
		}
	}
	msg, n, err := TryReadMessage(buf)
	if err != nil || msg == nil || n != len(buf) {
		t.Fatalf("TryReadMessage(full) = (%v, %d, %v)", msg, n, err)
	}
}

// Successive calls on a concatenation of frames must yield each frame
// in order and exhaust the buffer.
func TestTryReadMessageConcatenated(t *testing.T) {
	var buf []byte
	for i := uint32(1); i <= 3; i++ {
		buf = append(buf, encodeMessage(t, fragments.LittleEndian, Header{
			Type:      MsgSignal,
			Serial:    i,
			Path:      "/a",
			Interface: "org.test",
			Member:    "Ping",
			Signature: "u",
		}, func(w *fragments.Writer) { w.Uint32(i * 10) })...)
	}

	for i := uint32(1); i <= 3; i++ {
		msg, n, err := TryReadMessage(buf)
		if err != nil || msg == nil {
			t.Fatalf("frame %d: TryReadMessage = (%v, %d, %v)", i, msg, n, err)
		}
		if msg.Serial != i {
			t.Errorf("frame %d has serial %d", i, msg.Serial)
		}
		if u, err := msg.BodyReader().Uint32(); err != nil || u != i*10 {
			t.Errorf("frame %d body: got (%v, %v), want (%d, nil)", i, u, err, i*10)
		}
		buf = buf[n:]
	}
	if len(buf) != 0 {
		t.Errorf("%d bytes left after all frames", len(buf))
	}
}

func TestTryReadMessageBadPrologue(t *testing.T) {
	good := encodeMessage(t, fragments.LittleEndian, Header{
		Type: MsgMethodReturn, ReplySerial: 1,
	}, nil)

	corrupt := func(mutate func([]byte)) []byte {
		bs := append([]byte(nil), good...)
		mutate(bs)
		return bs
	}

	tests := []struct {
		name string
		buf  []byte
	}{
		{"bad endianness flag", corrupt(func(bs []byte) { bs[0] = 'x' })},
		{"message type zero", corrupt(func(bs []byte) { bs[1] = 0 })},
		{"message type out of range", corrupt(func(bs []byte) { bs[1] = 9 })},
		{"wrong protocol version", corrupt(func(bs []byte) { bs[3] = 2 })},
	}
	for _, tc := range tests {
		_, _, err := TryReadMessage(tc.buf)
		var pe *ProtocolError
		if !errors.As(err, &pe) {
			t.Errorf("%s: got %v, want *ProtocolError", tc.name, err)
		}
	}
}

// Unknown header field codes are skipped for forward compatibility.
func TestMessageUnknownHeaderField(t *testing.T) {
	order := fragments.LittleEndian
	hw := fragments.Writer{Order: order}
	hw.ByteOrderFlag()
	hw.Uint8(uint8(MsgSignal))
	hw.Uint8(0)
	hw.Uint8(protocolVersion)
	hw.Uint32(0) // body length
	hw.Uint32(12)
	arr := hw.WriteArrayStart(8)
	emit := func(code uint8, sig string, val func()) {
		hw.Struct()
		hw.Uint8(code)
		hw.Signature(sig)
		val()
	}
	emit(fieldPath, "o", func() { hw.String("/x") })
	emit(200, "(us)", func() {
		hw.Struct()
		hw.Uint32(4)
		hw.String("mystery")
	})
	emit(fieldInterface, "s", func() { hw.String("org.test") })
	emit(fieldMember, "s", func() { hw.String("Ping") })
	hw.WriteArrayEnd(arr)
	hw.Pad(8)

	msg, n, err := TryReadMessage(hw.Out)
	if err != nil {
		t.Fatalf("TryReadMessage: %v", err)
	}
	if n != len(hw.Out) {
		t.Fatalf("consumed %d of %d bytes", n, len(hw.Out))
	}
	if msg.Path != "/x" || msg.Interface != "org.test" || msg.Member != "Ping" {
		t.Errorf("fields after unknown header wrong: %+v", msg.Header)
	}
}

func TestHeaderValid(t *testing.T) {
	tests := []struct {
		name    string
		hdr     Header
		wantErr bool
	}{
		{"call ok", Header{Type: MsgMethodCall, Serial: 1, Path: "/a", Member: "M"}, false},
		{"call without interface ok", Header{Type: MsgMethodCall, Serial: 1, Path: "/a", Member: "M"}, false},
		{"call missing path", Header{Type: MsgMethodCall, Serial: 1, Member: "M"}, true},
		{"call missing member", Header{Type: MsgMethodCall, Serial: 1, Path: "/a"}, true},
		{"zero serial", Header{Type: MsgMethodCall, Path: "/a", Member: "M"}, true},
		{"return ok", Header{Type: MsgMethodReturn, Serial: 2, ReplySerial: 1}, false},
		{"return missing reply serial", Header{Type: MsgMethodReturn, Serial: 2}, true},
		{"error ok", Header{Type: MsgError, Serial: 2, ReplySerial: 1, ErrName: "org.x.E"}, false},
		{"error missing name", Header{Type: MsgError, Serial: 2, ReplySerial: 1}, true},
		{"signal ok", Header{Type: MsgSignal, Serial: 3, Path: "/a", Interface: "org.x", Member: "S"}, false},
		{"signal missing interface", Header{Type: MsgSignal, Serial: 3, Path: "/a", Member: "S"}, true},
	}
	for _, tc := range tests {
		err := tc.hdr.Valid()
		if (err != nil) != tc.wantErr {
			t.Errorf("%s: Valid() = %v, wantErr %v", tc.name, err, tc.wantErr)
		}
	}
}
