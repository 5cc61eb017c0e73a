package dbus

import "testing"

func TestBufferPoolReuse(t *testing.T) {
	var p bufferPool

	b := p.rent()
	b.Body().String("leftover")
	hdr := Header{Type: MsgMethodReturn, Serial: 1, ReplySerial: 1, Signature: "s"}
	if err := b.finish(&hdr); err != nil {
		t.Fatalf("finish: %v", err)
	}
	p.put(b)

	// The returned buffer comes back empty.
	b2 := p.rent()
	if b2 != b {
		t.Error("pool did not reuse the returned buffer")
	}
	if len(b2.hdr.Out) != 0 || len(b2.body.Out) != 0 || len(b2.body.Handles) != 0 {
		t.Errorf("rented buffer not reset: hdr=%d body=%d handles=%d",
			len(b2.hdr.Out), len(b2.body.Out), len(b2.body.Handles))
	}
}

func TestBufferPoolBounded(t *testing.T) {
	var p bufferPool
	bufs := make([]*MessageBuffer, 0, 2*poolMaxBuffers)
	for range 2 * poolMaxBuffers {
		bufs = append(bufs, p.rent())
	}
	for _, b := range bufs {
		p.put(b)
	}
	if n := len(p.free); n != poolMaxBuffers {
		t.Errorf("free list holds %d buffers, want the cap of %d", n, poolMaxBuffers)
	}
}

// finish assembles a frame that parses back to the same header.
func TestMessageBufferFinish(t *testing.T) {
	var p bufferPool
	b := p.rent()
	b.Body().String("payload")
	b.Body().Uint32(7)

	hdr := Header{
		Type:        MsgMethodCall,
		Serial:      9,
		Path:        "/org/test",
		Member:      "M",
		Destination: "org.test",
		Signature:   "su",
	}
	if err := b.finish(&hdr); err != nil {
		t.Fatalf("finish: %v", err)
	}

	frame := append(append([]byte(nil), b.hdr.Out...), b.body.Out...)
	msg, n, err := TryReadMessage(frame)
	if err != nil || msg == nil || n != len(frame) {
		t.Fatalf("TryReadMessage = (%v, %d, %v)", msg, n, err)
	}
	if msg.Serial != 9 || msg.Path != "/org/test" || msg.Signature != "su" {
		t.Errorf("parsed header %+v", msg.Header)
	}
	r := msg.BodyReader()
	if s, err := r.String(); err != nil || s != "payload" {
		t.Errorf("body string = (%q, %v)", s, err)
	}
	if u, err := r.Uint32(); err != nil || u != 7 {
		t.Errorf("body uint32 = (%v, %v)", u, err)
	}
}

func TestMessageBufferFinishRejectsMissingSignature(t *testing.T) {
	var p bufferPool
	b := p.rent()
	b.Body().Uint32(1)
	hdr := Header{Type: MsgMethodReturn, Serial: 1, ReplySerial: 1}
	if err := b.finish(&hdr); err == nil {
		t.Fatal("finish accepted a body with no signature")
	}
}
