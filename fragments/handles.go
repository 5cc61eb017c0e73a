package fragments

import (
	"fmt"
	"os"
)

// A HandleSet is the ordered collection of Unix file descriptors attached
// to one DBus message.
//
// Handles are looked up by the index encoded in the message body (the wire
// representation of type 'h'). A HandleSet is scoped to a single inbound
// frame: by default every handle still present when the set is closed is
// closed along with it, so that a receiver who does not explicitly take
// ownership of a descriptor never leaks it. A handler that wants to keep a
// descriptor past the end of dispatch must call [HandleSet.Take].
type HandleSet struct {
	files []*os.File
	kept  []bool
}

// NewHandleSet wraps files as a HandleSet. NewHandleSet takes ownership of
// files: closing the HandleSet closes every file that was not separately
// taken.
func NewHandleSet(files []*os.File) *HandleSet {
	return &HandleSet{
		files: files,
		kept:  make([]bool, len(files)),
	}
}

// Len returns the number of handles in the set, taken or not.
func (s *HandleSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.files)
}

// Get returns the file at idx without affecting its ownership.
func (s *HandleSet) Get(idx uint32) (*os.File, error) {
	if s == nil || int(idx) >= len(s.files) {
		return nil, fmt.Errorf("handle index %d out of range (have %d)", idx, s.Len())
	}
	return s.files[idx], nil
}

// Take returns the file at idx and marks it as not-to-close: the caller
// becomes responsible for its lifetime, and [HandleSet.Close] will no
// longer close it.
func (s *HandleSet) Take(idx uint32) (*os.File, error) {
	f, err := s.Get(idx)
	if err != nil {
		return nil, err
	}
	s.kept[idx] = true
	return f, nil
}

// Close closes every file in the set that was not taken.
func (s *HandleSet) Close() error {
	if s == nil {
		return nil
	}
	var err error
	for i, f := range s.files {
		if s.kept[i] || f == nil {
			continue
		}
		if cerr := f.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
