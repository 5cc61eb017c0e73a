// Package fragments provides the low-level pieces used to marshal and
// unmarshal the DBus wire format: byte order handling, an alignment-aware
// [Writer] that accumulates an outbound message, and an alignment-aware
// [Reader] that walks an inbound one.
//
// Both types operate purely on bytes and know nothing about DBus semantics
// beyond the wire grammar's alignment rules: it is the caller's
// responsibility to drive them in an order that produces or consumes a
// valid DBus message. The dbus package's Call, Emit and Reply take a
// function that writes the message body through a [Writer], and inbound
// bodies are read through a [Reader].
package fragments
