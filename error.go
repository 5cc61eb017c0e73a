package dbus

import "fmt"

// An AddressError reports a malformed or unsupported DBus server address
// string.
type AddressError struct {
	Address string
	Reason  string
}

func (e *AddressError) Error() string {
	return fmt.Sprintf("invalid dbus address %q: %s", e.Address, e.Reason)
}

// An AuthError reports a failure of the SASL authentication handshake
// performed when establishing a connection.
type AuthError struct {
	// Reason is a human-readable description of what went wrong,
	// usually quoting the server's last response line.
	Reason string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("dbus auth failed: %s", e.Reason)
}

// A ProtocolError reports a message that violates the DBus wire format:
// a bad endianness flag, an unsupported major protocol version, a
// malformed header, or a body that doesn't match its declared signature.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("dbus protocol error: %s", e.Reason)
}

// TruncatedError reports that a message or value ended before the wire
// format said it would. It carries only a text reason and does not wrap
// fragments.ErrTruncated.
type TruncatedError struct {
	Reason string
}

func (e *TruncatedError) Error() string {
	if e.Reason == "" {
		return "truncated dbus message"
	}
	return fmt.Sprintf("truncated dbus message: %s", e.Reason)
}

// A DisconnectedError is returned by any operation attempted on a
// Connection after it has been closed, either by the caller or because
// the underlying transport failed.
type DisconnectedError struct {
	// Reason is the error that caused the connection to close, or nil
	// if the caller closed it deliberately.
	Reason error
}

func (e *DisconnectedError) Error() string {
	if e.Reason == nil {
		return "dbus connection closed"
	}
	return fmt.Sprintf("dbus connection closed: %s", e.Reason)
}

func (e *DisconnectedError) Unwrap() error { return e.Reason }

// A CallError is the error returned from a method call that the remote
// peer answered with an error reply, as opposed to a normal return.
type CallError struct {
	// Name is the DBus error name provided by the remote peer, e.g.
	// "org.freedesktop.DBus.Error.ServiceUnknown".
	Name string
	// Detail is the first string argument of the error reply, by
	// convention a human-readable explanation. Empty if the reply body
	// had no arguments or its first argument wasn't a string.
	Detail string
}

func (e *CallError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("dbus call error: %s", e.Name)
	}
	return fmt.Sprintf("dbus call error: %s: %s", e.Name, e.Detail)
}

// A TypeError reports that a Go value could not be written to, or read
// from, the wire because its shape doesn't match a DBus signature.
type TypeError struct {
	Signature string
	Reason    error
}

func (e *TypeError) Error() string {
	return fmt.Sprintf("dbus type error for signature %q: %s", e.Signature, e.Reason)
}

func (e *TypeError) Unwrap() error { return e.Reason }

// CanceledError is returned from Call when its context is canceled
// before the reply arrives, and from Dial and DialPeer when their
// context is canceled during the connect phase. Pending calls unblocked
// by Conn.Close fail with a DisconnectedError instead.
type CanceledError struct {
	Reason error
}

func (e *CanceledError) Error() string {
	if e.Reason == nil {
		return "dbus call canceled"
	}
	return fmt.Sprintf("dbus call canceled: %s", e.Reason)
}

func (e *CanceledError) Unwrap() error { return e.Reason }
