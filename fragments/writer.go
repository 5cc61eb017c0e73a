package fragments

import (
	"math"
	"os"
)

// An ArrayStart is an opaque token returned by [Writer.WriteArrayStart],
// to be passed to [Writer.WriteArrayEnd] once the array's elements have
// been written.
type ArrayStart struct {
	lenOffset int
	dataStart int
}

// A Writer accumulates an outbound DBus value (or whole message) into a
// growable byte buffer, inserting alignment padding as required, and
// collecting any Unix file descriptors referenced by 'h' values into an
// ordered list alongside the byte stream.
//
// A Writer is not safe for concurrent use.
type Writer struct {
	// Order is the byte order used to encode multi-byte values.
	Order ByteOrder
	// Out is the encoded output accumulated so far.
	Out []byte
	// Handles is the ordered list of file descriptors referenced by
	// WriteHandle calls so far. Its indices match the 'h' values written
	// to Out.
	Handles []*os.File
}

// Pad appends zero bytes as needed to make len(w.Out) a multiple of
// align bytes.
func (w *Writer) Pad(align int) {
	extra := len(w.Out) % align
	if extra == 0 {
		return
	}
	var zero [8]byte
	w.Out = append(w.Out, zero[:align-extra]...)
}

// Write appends bs to the output verbatim, with no padding or framing.
func (w *Writer) Write(bs []byte) {
	w.Out = append(w.Out, bs...)
}

// Uint8 writes a byte.
func (w *Writer) Uint8(u8 uint8) {
	w.Out = append(w.Out, u8)
}

// Int16 writes an int16, aligned to 2 bytes.
func (w *Writer) Int16(i16 int16) { w.Uint16(uint16(i16)) }

// Uint16 writes a uint16, aligned to 2 bytes.
func (w *Writer) Uint16(u16 uint16) {
	w.Pad(2)
	w.Out = w.Order.AppendUint16(w.Out, u16)
}

// Int32 writes an int32, aligned to 4 bytes.
func (w *Writer) Int32(i32 int32) { w.Uint32(uint32(i32)) }

// Uint32 writes a uint32, aligned to 4 bytes.
func (w *Writer) Uint32(u32 uint32) {
	w.Pad(4)
	w.Out = w.Order.AppendUint32(w.Out, u32)
}

// Int64 writes an int64, aligned to 8 bytes.
func (w *Writer) Int64(i64 int64) { w.Uint64(uint64(i64)) }

// Uint64 writes a uint64, aligned to 8 bytes.
func (w *Writer) Uint64(u64 uint64) {
	w.Pad(8)
	w.Out = w.Order.AppendUint64(w.Out, u64)
}

// Float64 writes a float64, aligned to 8 bytes.
func (w *Writer) Float64(f float64) {
	w.Uint64(math.Float64bits(f))
}

// Bool writes a DBus boolean, encoded on the wire as a uint32 0 or 1.
func (w *Writer) Bool(b bool) {
	if b {
		w.Uint32(1)
	} else {
		w.Uint32(0)
	}
}

// Bytes writes a length-prefixed byte string: a uint32 length followed by
// bs verbatim, with no trailing NUL.
func (w *Writer) Bytes(bs []byte) {
	w.Uint32(uint32(len(bs)))
	w.Out = append(w.Out, bs...)
}

// String writes a DBus string or object path: a uint32 byte length, the
// UTF-8 bytes of s, and a trailing NUL.
func (w *Writer) String(s string) {
	w.Pad(4)
	w.Uint32(uint32(len(s)))
	w.Out = append(w.Out, s...)
	w.Out = append(w.Out, 0)
}

// Signature writes a DBus signature: a single byte length, the ASCII
// bytes of sig, and a trailing NUL.
func (w *Writer) Signature(sig string) {
	w.Uint8(uint8(len(sig)))
	w.Out = append(w.Out, sig...)
	w.Out = append(w.Out, 0)
}

// WriteHandle appends f to the Writer's file descriptor list and writes
// its index as a uint32.
//
// The caller retains ownership of f; the Writer does not close or
// duplicate it. Callers that hand off a file to the transport layer
// should dup it first if they intend to keep using their own copy.
func (w *Writer) WriteHandle(f *os.File) {
	idx := uint32(len(w.Handles))
	w.Handles = append(w.Handles, f)
	w.Uint32(idx)
}

// WriteArrayStart aligns to 4 bytes, reserves space for the array's
// length prefix, and pads to elemAlign (the alignment of the array's
// element type) so that the first element starts correctly aligned.
//
// The returned ArrayStart must be passed to [Writer.WriteArrayEnd] once
// all elements have been written, to back-patch the length.
func (w *Writer) WriteArrayStart(elemAlign int) ArrayStart {
	w.Pad(4)
	lenOffset := len(w.Out)
	w.Uint32(0)
	w.Pad(elemAlign)
	return ArrayStart{lenOffset: lenOffset, dataStart: len(w.Out)}
}

// WriteArrayEnd back-patches the array length recorded by the matching
// WriteArrayStart, using the number of bytes written since.
func (w *Writer) WriteArrayEnd(start ArrayStart) {
	n := len(w.Out) - start.dataStart
	w.Order.PutUint32(w.Out[start.lenOffset:], uint32(n))
}

// Struct aligns the cursor to an 8-byte boundary, as required before the
// first field of a struct or the key of a dict entry.
func (w *Writer) Struct() {
	w.Pad(8)
}

// ByteOrderFlag writes the DBus byte order flag byte ('l' or 'B') that
// matches w.Order.
func (w *Writer) ByteOrderFlag() {
	w.Uint8(w.Order.dbusFlag())
}
