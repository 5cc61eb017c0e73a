// Package transport provides the stream transports a DBus connection
// runs over: Unix domain sockets (filesystem and abstract namespace)
// and TCP. A Transport carries raw message bytes plus, where the
// underlying socket supports it, file descriptors passed as ancillary
// data.
package transport

import (
	"context"
	"io"
	"os"
)

// Transport is a raw DBus connection.
type Transport interface {
	io.ReadWriteCloser

	// Authenticate performs the SASL handshake on the freshly
	// connected socket. It must be called exactly once, before any
	// message I/O.
	Authenticate(ctx context.Context, opts AuthOptions) (AuthResult, error)

	// GetFiles returns n received files that were attached to
	// previously read bytes as ancillary data.
	GetFiles(n int) ([]*os.File, error)

	// WriteWithFiles is like Write, but additionally attaches the
	// given files as ancillary data to the written bytes.
	WriteWithFiles(bs []byte, files []*os.File) (int, error)
}

// AuthOptions configures the SASL handshake.
type AuthOptions struct {
	// GUID, if non-empty, is the server GUID advertised in the bus
	// address; the handshake fails if the server reports a different
	// one.
	GUID string
	// NegotiateUnixFD requests file descriptor passing. Ignored by
	// transports that cannot carry descriptors.
	NegotiateUnixFD bool
}

// AuthResult reports the outcome of a successful handshake.
type AuthResult struct {
	// GUID is the server's GUID from its OK response.
	GUID string
	// UnixFD reports whether the server agreed to file descriptor
	// passing.
	UnixFD bool
}
