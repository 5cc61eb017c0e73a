package dbus

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseAddress(t *testing.T) {
	tests := []struct {
		in   string
		want []BusAddress
	}{
		{
			"unix:path=/run/dbus/system_bus_socket",
			[]BusAddress{{
				Transport: "unix",
				Options:   map[string]string{"path": "/run/dbus/system_bus_socket"},
			}},
		},
		{
			"unix:abstract=/tmp/dbus-test",
			[]BusAddress{{
				Transport: "unix",
				Options:   map[string]string{"abstract": "/tmp/dbus-test"},
			}},
		},
		{
			"tcp:host=localhost,port=12345",
			[]BusAddress{{
				Transport: "tcp",
				Options:   map[string]string{"host": "localhost", "port": "12345"},
			}},
		},
		{
			"unix:path=/tmp/a;tcp:host=h,port=1",
			[]BusAddress{
				{Transport: "unix", Options: map[string]string{"path": "/tmp/a"}},
				{Transport: "tcp", Options: map[string]string{"host": "h", "port": "1"}},
			},
		},
		{
			// Trailing and doubled separators produce no entries.
			"unix:path=/tmp/a;;",
			[]BusAddress{
				{Transport: "unix", Options: map[string]string{"path": "/tmp/a"}},
			},
		},
		{
			// Percent escapes decode into the value.
			"unix:path=/tmp/with%20space%3bsemi",
			[]BusAddress{{
				Transport: "unix",
				Options:   map[string]string{"path": "/tmp/with space;semi"},
			}},
		},
		{
			"unix:path=/tmp/a,guid=deadbeef00000000000000000000abcd",
			[]BusAddress{{
				Transport: "unix",
				Options: map[string]string{
					"path": "/tmp/a",
					"guid": "deadbeef00000000000000000000abcd",
				},
				GUID: "deadbeef00000000000000000000abcd",
			}},
		},
		{
			// Transports this client doesn't dial still parse.
			"launchd:env=DBUS_LAUNCHD_SESSION_BUS_SOCKET",
			[]BusAddress{{
				Transport: "launchd",
				Options:   map[string]string{"env": "DBUS_LAUNCHD_SESSION_BUS_SOCKET"},
			}},
		},
	}
	for _, tc := range tests {
		got, err := ParseAddress(tc.in)
		if err != nil {
			t.Errorf("ParseAddress(%q) unexpected error: %v", tc.in, err)
			continue
		}
		if diff := cmp.Diff(got, tc.want); diff != "" {
			t.Errorf("ParseAddress(%q) wrong result (-got+want):\n%s", tc.in, diff)
		}
	}
}

func TestParseAddressErrors(t *testing.T) {
	tests := []string{
		"",                     // empty address
		";",                    // no usable entries
		"unixpath=/tmp/a",      // no transport prefix
		":path=/tmp/a",         // empty transport name
		"unix:path",            // property without a value
		"unix:=x",              // property without a key
		"unix:path=/tmp/%2",    // truncated escape
		"unix:path=/tmp/%zz",   // bad escape digits
		"unix:path=/a;busted",  // second entry malformed
	}
	for _, in := range tests {
		_, err := ParseAddress(in)
		if err == nil {
			t.Errorf("ParseAddress(%q) succeeded, want error", in)
			continue
		}
		var ae *AddressError
		if !errors.As(err, &ae) {
			t.Errorf("ParseAddress(%q) error %v is not an *AddressError", in, err)
		}
	}
}
