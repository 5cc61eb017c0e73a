package fragments

import (
	"errors"
	"fmt"
	"math"
	"os"
)

// ErrTruncated is returned when a Reader runs out of bytes before
// satisfying a read.
var ErrTruncated = errors.New("truncated DBus value")

// An ArrayEnd records the state needed to detect the end of an array
// while reading its elements, as returned by [Reader.ReadArrayStart].
type ArrayEnd struct {
	elemAlign int
	end       int
}

// A Reader is a pull-style cursor over one contiguous DBus value, with a
// fixed byte order and an optional attached [HandleSet] for resolving 'h'
// (Unix file descriptor) values.
//
// Alignment is computed from msgOffset, the absolute byte offset of the
// Reader's first byte from the start of the enclosing message, not from
// the start of the Reader's own data. This matters because a Reader is
// frequently constructed over a sub-slice (a struct field, an array
// element, a variant payload) partway through a message, and DBus
// alignment padding must still be computed relative to the whole frame.
//
// A Reader is not safe for concurrent use, and reads from it consume the
// underlying data: there is no way to "unread" a value.
type Reader struct {
	// Order is the byte order used to interpret multi-byte values.
	Order ByteOrder
	// Handles resolves 'h' values to file descriptors. May be nil if the
	// message carries no file descriptors; reading a handle from a Reader
	// with a nil Handles is an error.
	Handles *HandleSet

	data      []byte
	msgOffset int
}

// NewReader returns a Reader over data, whose first byte sits at
// msgOffset bytes from the start of the enclosing message.
func NewReader(data []byte, order ByteOrder, msgOffset int, handles *HandleSet) *Reader {
	return &Reader{
		Order:     order,
		Handles:   handles,
		data:      data,
		msgOffset: msgOffset,
	}
}

// Offset returns the Reader's current absolute offset from the start of
// the enclosing message.
func (r *Reader) Offset() int { return r.msgOffset }

// Len returns the number of unread bytes remaining.
func (r *Reader) Len() int { return len(r.data) }

// Sub returns a Reader over the next n bytes, without consuming them from
// r, sharing r's byte order and handles. Used to build a fresh Reader for
// a message body that starts partway through a larger buffer.
func (r *Reader) Sub(n int) (*Reader, error) {
	if n > len(r.data) {
		return nil, ErrTruncated
	}
	return NewReader(r.data[:n:n], r.Order, r.msgOffset, r.Handles), nil
}

// Pad advances the cursor past any padding bytes needed to make the next
// read start at a multiple of align bytes (align must be 1, 2, 4, or 8).
func (r *Reader) Pad(align int) error {
	extra := r.msgOffset % align
	if extra == 0 {
		return nil
	}
	skip := align - extra
	if _, err := r.Read(skip); err != nil {
		return ErrTruncated
	}
	return nil
}

// Read consumes and returns the next n bytes verbatim, with no alignment
// or interpretation.
func (r *Reader) Read(n int) ([]byte, error) {
	if n > len(r.data) {
		return nil, ErrTruncated
	}
	bs := r.data[:n]
	r.data = r.data[n:]
	r.msgOffset += n
	return bs, nil
}

// Uint8 reads a byte.
func (r *Reader) Uint8() (uint8, error) {
	bs, err := r.Read(1)
	if err != nil {
		return 0, err
	}
	return bs[0], nil
}

// Int16 reads an int16, aligned to 2 bytes.
func (r *Reader) Int16() (int16, error) {
	u, err := r.Uint16()
	return int16(u), err
}

// Uint16 reads a uint16, aligned to 2 bytes.
func (r *Reader) Uint16() (uint16, error) {
	if err := r.Pad(2); err != nil {
		return 0, err
	}
	bs, err := r.Read(2)
	if err != nil {
		return 0, err
	}
	return r.Order.Uint16(bs), nil
}

// Int32 reads an int32, aligned to 4 bytes.
func (r *Reader) Int32() (int32, error) {
	u, err := r.Uint32()
	return int32(u), err
}

// Uint32 reads a uint32, aligned to 4 bytes.
func (r *Reader) Uint32() (uint32, error) {
	if err := r.Pad(4); err != nil {
		return 0, err
	}
	bs, err := r.Read(4)
	if err != nil {
		return 0, err
	}
	return r.Order.Uint32(bs), nil
}

// Int64 reads an int64, aligned to 8 bytes.
func (r *Reader) Int64() (int64, error) {
	u, err := r.Uint64()
	return int64(u), err
}

// Uint64 reads a uint64, aligned to 8 bytes.
func (r *Reader) Uint64() (uint64, error) {
	if err := r.Pad(8); err != nil {
		return 0, err
	}
	bs, err := r.Read(8)
	if err != nil {
		return 0, err
	}
	return r.Order.Uint64(bs), nil
}

// Float64 reads a float64, aligned to 8 bytes.
func (r *Reader) Float64() (float64, error) {
	u, err := r.Uint64()
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(u), nil
}

// Bool reads a DBus boolean, encoded on the wire as a uint32. Per the
// wire format, zero is false and any other value is accepted as true.
func (r *Reader) Bool() (bool, error) {
	u, err := r.Uint32()
	if err != nil {
		return false, err
	}
	return u != 0, nil
}

// Bytes reads a length-prefixed byte string: a uint32 length followed by
// that many raw bytes, with no trailing NUL. This is the shape used for
// the DBus array-of-byte encoding, not the string/signature types.
func (r *Reader) Bytes() ([]byte, error) {
	n, err := r.Uint32()
	if err != nil {
		return nil, err
	}
	return r.Read(int(n))
}

// String reads a DBus string or object path: a uint32 byte length, that
// many UTF-8 bytes, and a trailing NUL. String does not validate that the
// bytes are legal UTF-8, nor that the result is a legal object path; that
// is the caller's responsibility where it matters semantically.
func (r *Reader) String() (string, error) {
	n, err := r.Uint32()
	if err != nil {
		return "", err
	}
	bs, err := r.Read(int(n) + 1)
	if err != nil {
		return "", err
	}
	return string(bs[:len(bs)-1]), nil
}

// Signature reads a DBus signature: a single byte length, that many ASCII
// bytes, and a trailing NUL.
func (r *Reader) Signature() (string, error) {
	n, err := r.Uint8()
	if err != nil {
		return "", err
	}
	bs, err := r.Read(int(n) + 1)
	if err != nil {
		return "", err
	}
	return string(bs[:len(bs)-1]), nil
}

// Handle reads a uint32 index into the Reader's HandleSet and resolves
// it. If takeOwnership is true, the returned file is marked as not to be
// closed when the HandleSet is released; otherwise the caller borrows it
// only for the duration of the current dispatch.
func (r *Reader) Handle(takeOwnership bool) (HandleRef, error) {
	idx, err := r.Uint32()
	if err != nil {
		return HandleRef{}, err
	}
	if r.Handles == nil {
		return HandleRef{}, fmt.Errorf("no file descriptors attached to message, but body references handle %d", idx)
	}
	if takeOwnership {
		f, err := r.Handles.Take(idx)
		if err != nil {
			return HandleRef{}, err
		}
		return HandleRef{File: f, Owned: true}, nil
	}
	f, err := r.Handles.Get(idx)
	if err != nil {
		return HandleRef{}, err
	}
	return HandleRef{File: f}, nil
}

// A HandleRef is a file descriptor read from a message body. Owned
// reports whether the caller took ownership (via Reader.Handle(true)):
// if so, the caller is responsible for closing File; if not, File is
// only valid until the enclosing HandleSet is closed.
type HandleRef struct {
	File  *os.File
	Owned bool
}

// ReadArrayStart reads an array's length prefix and advances the cursor
// to the start of its first element, which must be aligned to elemAlign
// (the element type's natural alignment; array lengths themselves are
// always 4-byte aligned regardless of element type).
//
// The returned ArrayEnd must be passed to [Reader.HasNext] before
// decoding each element.
func (r *Reader) ReadArrayStart(elemAlign int) (ArrayEnd, error) {
	n, err := r.Uint32()
	if err != nil {
		return ArrayEnd{}, err
	}
	if err := r.Pad(elemAlign); err != nil {
		return ArrayEnd{}, err
	}
	return ArrayEnd{elemAlign: elemAlign, end: r.msgOffset + int(n)}, nil
}

// HasNext reports whether there is at least one more array element to
// read before ae's end. It aligns the cursor to the element alignment
// before comparing, as required between non-fixed-size elements (structs,
// strings, variants) whose end does not naturally land on the next
// element's alignment boundary.
func (r *Reader) HasNext(ae ArrayEnd) (bool, error) {
	if r.msgOffset >= ae.end {
		return false, nil
	}
	if err := r.Pad(ae.elemAlign); err != nil {
		return false, err
	}
	return r.msgOffset < ae.end, nil
}

// Struct aligns the cursor to an 8-byte boundary, as required before the
// first field of a struct or the key of a dict entry.
func (r *Reader) Struct() error {
	return r.Pad(8)
}
