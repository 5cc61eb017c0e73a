package dbus

import (
	"strings"

	"github.com/creachadair/mds/value"
)

// A Match is a filter over DBus messages. Its String form is the rule
// string subscribed server-side with AddMatch; its Matches method
// applies the same logic client-side to inbound messages.
//
// The client-side predicate is necessary because a connection receives
// a single stream of messages: when several observers are active, the
// received messages are the union of all their rules, and each observer
// must re-filter what it sees.
type Match struct {
	typ         value.Maybe[MessageType]
	sender      value.Maybe[string]
	iface       value.Maybe[string]
	member      value.Maybe[string]
	path        value.Maybe[ObjectPath]
	pathNS      value.Maybe[ObjectPath]
	destination value.Maybe[string]
	arg0        value.Maybe[string]
	arg0Path    value.Maybe[ObjectPath]
	arg0NS      value.Maybe[string]
}

// NewMatch returns a match with no constraints, which matches every
// message.
func NewMatch() *Match { return &Match{} }

// MatchSignals returns a match for all signals.
func MatchSignals() *Match {
	return &Match{typ: value.Just(MsgSignal)}
}

// Type restricts the match to messages of type t.
func (m *Match) Type(t MessageType) *Match {
	m.typ = value.Just(t)
	return m
}

// Sender restricts the match to messages from the given bus name.
func (m *Match) Sender(name string) *Match {
	m.sender = value.Just(name)
	return m
}

// Interface restricts the match to messages on the given interface.
func (m *Match) Interface(name string) *Match {
	m.iface = value.Just(name)
	return m
}

// Member restricts the match to the given method or signal name.
func (m *Match) Member(name string) *Match {
	m.member = value.Just(name)
	return m
}

// Path restricts the match to a single source object path.
func (m *Match) Path(p ObjectPath) *Match {
	m.pathNS = value.Absent[ObjectPath]()
	m.path = value.Just(p)
	return m
}

// PathNamespace restricts the match to objects rooted at the given
// path prefix.
//
// For example, PathNamespace("/mascots/gopher") matches messages from
// /mascots/gopher and /mascots/gopher/plushie, but not /mascots/glenda
// or /mascots/gopherd.
func (m *Match) PathNamespace(p ObjectPath) *Match {
	m.path = value.Absent[ObjectPath]()
	if p == "/" {
		// workaround for dbus-broker bug: / means the same as not
		// specifying a path match anyway, so don't include it.
		m.pathNS = value.Absent[ObjectPath]()
	} else {
		m.pathNS = value.Just(p)
	}
	return m
}

// Destination restricts the match to messages addressed to the given
// bus name.
func (m *Match) Destination(name string) *Match {
	m.destination = value.Just(name)
	return m
}

// Arg0 restricts the match to messages whose first body argument is a
// string equal to val.
func (m *Match) Arg0(val string) *Match {
	m.arg0 = value.Just(val)
	return m
}

// Arg0Path restricts the match to messages whose first body argument
// is a string or object path related to val by path prefixing: either
// side, when it ends in '/', may be a prefix of the other.
func (m *Match) Arg0Path(val ObjectPath) *Match {
	m.arg0Path = value.Just(val)
	return m
}

// Arg0Namespace restricts the match to messages whose first body
// argument is a bus or interface name in the given dot-separated
// namespace.
func (m *Match) Arg0Namespace(val string) *Match {
	m.arg0NS = value.Just(val)
	return m
}

// String returns the match in the canonical rule string form used by
// the bus's AddMatch and RemoveMatch methods: comma-separated
// key='value' pairs with single-quoted, escaped values.
func (m *Match) String() string {
	var ms []string
	kv := func(k, v string) {
		ms = append(ms, k+"="+escapeMatchArg(v))
	}
	if t, ok := m.typ.GetOK(); ok {
		kv("type", t.String())
	}
	if s, ok := m.sender.GetOK(); ok {
		kv("sender", s)
	}
	if s, ok := m.iface.GetOK(); ok {
		kv("interface", s)
	}
	if s, ok := m.member.GetOK(); ok {
		kv("member", s)
	}
	if p, ok := m.path.GetOK(); ok {
		kv("path", string(p))
	}
	if p, ok := m.pathNS.GetOK(); ok {
		kv("path_namespace", string(p))
	}
	if s, ok := m.destination.GetOK(); ok {
		kv("destination", s)
	}
	if s, ok := m.arg0.GetOK(); ok {
		kv("arg0", s)
	}
	if p, ok := m.arg0Path.GetOK(); ok {
		kv("arg0path", string(p))
	}
	if s, ok := m.arg0NS.GetOK(); ok {
		kv("arg0namespace", s)
	}
	return strings.Join(ms, ",")
}

// Matches reports whether msg passes the filter.
func (m *Match) Matches(msg *Message) bool {
	if t, ok := m.typ.GetOK(); ok && msg.Type != t {
		return false
	}
	if s, ok := m.sender.GetOK(); ok && msg.Sender != s {
		return false
	}
	if s, ok := m.iface.GetOK(); ok && msg.Interface != s {
		return false
	}
	if s, ok := m.member.GetOK(); ok && msg.Member != s {
		return false
	}
	if s, ok := m.destination.GetOK(); ok && msg.Destination != s {
		return false
	}
	if p, ok := m.path.GetOK(); ok && msg.Path != p {
		return false
	}
	if p, ok := m.pathNS.GetOK(); ok && !p.IsPrefixOf(msg.Path) {
		return false
	}
	if m.arg0.Present() || m.arg0Path.Present() || m.arg0NS.Present() {
		return m.matchesArg0(msg)
	}
	return true
}

// matchesArg0 applies the arg0 family of constraints, which require the
// message's first body argument to be a string or object path.
func (m *Match) matchesArg0(msg *Message) bool {
	code, ok := msg.Signature.FirstCode()
	if !ok || (code != TypeString && code != TypeObjectPath) {
		return false
	}
	arg, err := msg.BodyReader().String()
	if err != nil {
		return false
	}
	if code == TypeObjectPath {
		// Only arg0path can match an object path argument.
		if m.arg0.Present() || m.arg0NS.Present() {
			return false
		}
		p, _ := m.arg0Path.GetOK()
		return argPathMatch(string(p), arg)
	}
	if s, ok := m.arg0.GetOK(); ok && arg != s {
		return false
	}
	if ns, ok := m.arg0NS.GetOK(); ok && arg != ns && !strings.HasPrefix(arg, ns+".") {
		return false
	}
	if p, ok := m.arg0Path.GetOK(); ok && !argPathMatch(string(p), arg) {
		return false
	}
	return true
}

// argPathMatch implements the arg0path relation: the rule and the
// argument match if they are equal, or if either one ends in '/' and is
// a prefix of the other.
func argPathMatch(rule, arg string) bool {
	if rule == arg {
		return true
	}
	if strings.HasSuffix(rule, "/") && strings.HasPrefix(arg, rule) {
		return true
	}
	if strings.HasSuffix(arg, "/") && strings.HasPrefix(rule, arg) {
		return true
	}
	return false
}

func escapeMatchArg(s string) string {
	s = strings.ReplaceAll(s, "'", "'\\''")
	return "'" + s + "'"
}
