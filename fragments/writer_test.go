package fragments_test

import (
	"bytes"
	"os"
	"testing"

	"github.com/busline/dbus/fragments"
)

func TestWriter(t *testing.T) {
	tests := []struct {
		name string
		in   func(*fragments.Writer)
		want []byte
	}{
		{
			"raw bytes",
			func(w *fragments.Writer) {
				w.Write([]byte{1, 2, 3})
			},
			[]byte{0x01, 0x02, 0x03},
		},
		{
			"string",
			func(w *fragments.Writer) {
				w.String("foo")
			},
			[]byte{
				0x00, 0x00, 0x00, 0x03,
				0x66, 0x6f, 0x6f,
				0x00,
			},
		},
		{
			"signature",
			func(w *fragments.Writer) {
				w.Signature("ai")
			},
			[]byte{0x02, 'a', 'i', 0x00},
		},
		{
			"uints padding",
			func(w *fragments.Writer) {
				w.Uint64(66)
				w.Write([]byte{0})
				w.Uint32(42)
				w.Write([]byte{0})
				w.Uint16(66)
				w.Write([]byte{0})
				w.Uint8(42)
			},
			[]byte{
				0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x42,
				0x00,
				0x00, 0x00, 0x00,
				0x00, 0x00, 0x00, 0x2a,
				0x00,
				0x00,
				0x00, 0x42,
				0x00,
				0x2a,
			},
		},
		{
			"struct padding",
			func(w *fragments.Writer) {
				w.Struct()
				w.Uint64(66)
				w.Struct()
				w.Uint32(42)
			},
			[]byte{
				0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x42,
				0x00, 0x00, 0x00, 0x2a,
			},
		},
		{
			"array",
			func(w *fragments.Writer) {
				start := w.WriteArrayStart(2)
				w.Uint16(1)
				w.Uint16(2)
				w.WriteArrayEnd(start)
			},
			[]byte{
				0x00, 0x00, 0x00, 0x04,
				0x00, 0x01,
				0x00, 0x02,
			},
		},
		{
			"empty array",
			func(w *fragments.Writer) {
				start := w.WriteArrayStart(2)
				w.WriteArrayEnd(start)
			},
			[]byte{0x00, 0x00, 0x00, 0x00},
		},
		{
			"struct array",
			func(w *fragments.Writer) {
				start := w.WriteArrayStart(8)
				w.Struct()
				w.Uint16(1)
				w.Struct()
				w.Uint16(2)
				w.WriteArrayEnd(start)
			},
			[]byte{
				0x00, 0x00, 0x00, 0x0a,
				0x00, 0x00, 0x00, 0x00,
				0x00, 0x01,
				0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
				0x00, 0x02,
			},
		},
		{
			"array followed by other stuff",
			func(w *fragments.Writer) {
				start := w.WriteArrayStart(2)
				w.Uint16(1)
				w.Uint16(2)
				w.WriteArrayEnd(start)
				w.Uint16(3)
			},
			[]byte{
				0x00, 0x00, 0x00, 0x04,
				0x00, 0x01,
				0x00, 0x02,
				0x00, 0x03,
			},
		},
		{
			"byte order flag",
			func(w *fragments.Writer) {
				w.Order = fragments.BigEndian
				w.ByteOrderFlag()
				w.Order = fragments.LittleEndian
				w.ByteOrderFlag()
			},
			[]byte{'B', 'l'},
		},
		{
			"bool",
			func(w *fragments.Writer) {
				w.Bool(true)
				w.Bool(false)
			},
			[]byte{
				0x00, 0x00, 0x00, 0x01,
				0x00, 0x00, 0x00, 0x00,
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := fragments.Writer{Order: fragments.BigEndian}
			tc.in(&w)
			if got := w.Out; !bytes.Equal(got, tc.want) {
				t.Errorf("incorrect encode:\n  got:  % x\n  want: % x", got, tc.want)
			}
		})
	}
}

func TestWriterHandles(t *testing.T) {
	r1, w1, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer r1.Close()
	defer w1.Close()
	r2, w2, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer r2.Close()
	defer w2.Close()

	w := fragments.Writer{Order: fragments.LittleEndian}
	w.WriteHandle(r1)
	w.WriteHandle(r2)

	if len(w.Handles) != 2 {
		t.Fatalf("got %d handles, want 2", len(w.Handles))
	}
	if w.Handles[0] != r1 || w.Handles[1] != r2 {
		t.Fatal("handles recorded out of order")
	}
	want := []byte{0, 0, 0, 0, 1, 0, 0, 0}
	if !bytes.Equal(w.Out, want) {
		t.Errorf("got % x, want % x", w.Out, want)
	}
}
