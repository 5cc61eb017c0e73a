// Package dbus implements a client for the DBus wire protocol: an
// alignment-aware codec for the DBus type system, message framing, the
// SASL authentication handshake, and a connection that issues method
// calls, receives replies and errors, and dispatches signals to
// subscribed observers.
//
// Connect to a bus with [Dial], [SessionBus] or [SystemBus], issue
// calls with [Conn.Call], and subscribe to signals with [Conn.Watch]
// and a [Match]. Message bodies are composed and consumed explicitly
// through the fragments package's Writer and Reader, or dynamically
// with [WriteValue] and [ReadValue]; this package deliberately has no
// reflection-driven proxy layer.
package dbus
