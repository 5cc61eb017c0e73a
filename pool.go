package dbus

import (
	"sync"

	"github.com/busline/dbus/fragments"
)

const (
	// poolMaxBuffers bounds the free list; buffers returned beyond the
	// cap are dropped and their memory released.
	poolMaxBuffers = 16
	// poolMinSpan is the initial capacity of a freshly allocated
	// buffer's byte sequences.
	poolMinSpan = 512
)

// A MessageBuffer accumulates one outbound message: a body written
// through Body, and a header assembled by finish once the body is
// complete.
//
// A MessageBuffer is exclusively owned: by the composer until it is
// queued for transmission, by the transport until the send completes,
// and by the pool in between uses.
type MessageBuffer struct {
	hdr  fragments.Writer
	body fragments.Writer
}

// Body returns the writer that accumulates the message's body and file
// descriptors.
func (b *MessageBuffer) Body() *fragments.Writer { return &b.body }

// finish assembles the prologue and header fields in front of the body
// written so far. The header is marshalled after the body, so the body
// length, signature, and file descriptor count it carries are final
// values rather than back-patched placeholders. h.Serial must already
// be assigned.
func (b *MessageBuffer) finish(h *Header) error {
	h.NumFDs = uint32(len(b.body.Handles))
	if len(b.body.Out) > 0 && h.Signature == "" {
		return &ProtocolError{Reason: "message has a body but no signature"}
	}
	if err := h.Valid(); err != nil {
		return err
	}
	h.marshal(&b.hdr, len(b.body.Out))
	return nil
}

func (b *MessageBuffer) reset() {
	b.hdr.Out = b.hdr.Out[:0]
	b.body.Out = b.body.Out[:0]
	b.body.Handles = b.body.Handles[:0]
}

// A bufferPool is a bounded free list of MessageBuffers, amortizing
// allocation across outbound messages.
type bufferPool struct {
	mu   sync.Mutex
	free []*MessageBuffer
}

// rent returns an empty buffer in native byte order.
func (p *bufferPool) rent() *MessageBuffer {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n := len(p.free); n > 0 {
		b := p.free[n-1]
		p.free = p.free[:n-1]
		return b
	}
	return &MessageBuffer{
		hdr:  fragments.Writer{Order: fragments.NativeEndian, Out: make([]byte, 0, poolMinSpan)},
		body: fragments.Writer{Order: fragments.NativeEndian, Out: make([]byte, 0, poolMinSpan)},
	}
}

// put resets b and, if the free list has room, makes it available for
// reuse.
func (p *bufferPool) put(b *MessageBuffer) {
	b.reset()
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) < poolMaxBuffers {
		p.free = append(p.free, b)
	}
}
