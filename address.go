package dbus

import (
	"fmt"
	"strings"
)

// A BusAddress is one entry of a DBus server address string.
type BusAddress struct {
	// Transport is the transport name before the colon, e.g. "unix"
	// or "tcp".
	Transport string
	// Options holds the entry's percent-decoded key=value properties.
	Options map[string]string
	// GUID is the server's advertised GUID, when the entry carries a
	// guid property. The authentication handshake checks it against
	// the GUID the server reports.
	GUID string
}

// ParseAddress parses a DBus server address: one or more
// semicolon-separated entries of the form transport:key=value,...,
// with %XX escapes in values. Callers attempt the returned entries in
// order and use the first that connects and authenticates.
func ParseAddress(addr string) ([]BusAddress, error) {
	if addr == "" {
		return nil, &AddressError{Address: addr, Reason: "empty address"}
	}
	var ret []BusAddress
	for _, ent := range strings.Split(addr, ";") {
		if ent == "" {
			continue
		}
		name, rest, ok := strings.Cut(ent, ":")
		if !ok {
			return nil, &AddressError{Address: addr, Reason: fmt.Sprintf("entry %q has no transport prefix", ent)}
		}
		if name == "" {
			return nil, &AddressError{Address: addr, Reason: fmt.Sprintf("entry %q has an empty transport name", ent)}
		}
		ba := BusAddress{Transport: name, Options: map[string]string{}}
		if rest != "" {
			for _, kv := range strings.Split(rest, ",") {
				k, v, ok := strings.Cut(kv, "=")
				if !ok || k == "" {
					return nil, &AddressError{Address: addr, Reason: fmt.Sprintf("malformed property %q in entry %q", kv, ent)}
				}
				dv, err := unescapeAddressValue(v)
				if err != nil {
					return nil, &AddressError{Address: addr, Reason: err.Error()}
				}
				ba.Options[k] = dv
			}
		}
		ba.GUID = ba.Options["guid"]
		ret = append(ret, ba)
	}
	if len(ret) == 0 {
		return nil, &AddressError{Address: addr, Reason: "no usable entries"}
	}
	return ret, nil
}

func unescapeAddressValue(v string) (string, error) {
	if !strings.Contains(v, "%") {
		return v, nil
	}
	var sb strings.Builder
	for i := 0; i < len(v); i++ {
		c := v[i]
		if c != '%' {
			sb.WriteByte(c)
			continue
		}
		if i+2 >= len(v) {
			return "", fmt.Errorf("truncated %%XX escape in %q", v)
		}
		hi, ok1 := unhex(v[i+1])
		lo, ok2 := unhex(v[i+2])
		if !ok1 || !ok2 {
			return "", fmt.Errorf("bad %%XX escape in %q", v)
		}
		sb.WriteByte(hi<<4 | lo)
		i += 2
	}
	return sb.String(), nil
}

func unhex(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	default:
		return 0, false
	}
}
