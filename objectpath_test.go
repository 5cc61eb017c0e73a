package dbus

import "testing"

func TestObjectPathValidate(t *testing.T) {
	valid := []ObjectPath{
		"/",
		"/org",
		"/org/freedesktop/DBus",
		"/a/b_c/D9",
	}
	for _, p := range valid {
		if err := p.Validate(); err != nil {
			t.Errorf("Validate(%q) = %v, want nil", p, err)
		}
	}
	invalid := []ObjectPath{
		"",
		"org/freedesktop",
		"/org/",
		"//org",
		"/org//freedesktop",
		"/org/free-desktop",
		"/org/free desktop",
	}
	for _, p := range invalid {
		if err := p.Validate(); err == nil {
			t.Errorf("Validate(%q) succeeded, want error", p)
		}
	}
}

func TestObjectPathIsPrefixOf(t *testing.T) {
	tests := []struct {
		prefix, path ObjectPath
		want         bool
	}{
		{"/a/b", "/a/b", true},
		{"/a/b", "/a/b/c", true},
		{"/a/b", "/a/b/c/d", true},
		{"/a/b", "/a/bc", false},
		{"/a/b", "/a", false},
		{"/", "/anything", true},
		{"/", "/", true},
	}
	for _, tc := range tests {
		if got := tc.prefix.IsPrefixOf(tc.path); got != tc.want {
			t.Errorf("(%q).IsPrefixOf(%q) = %v, want %v", tc.prefix, tc.path, got, tc.want)
		}
	}
}
