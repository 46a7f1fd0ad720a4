package util

import "testing"

func TestMaskSecret(t *testing.T) {
	cases := map[string]string{
		"":                  "",
		"short":             "***",
		"abcdefghijklmnopq": "abcdef…",
	}
	for in, want := range cases {
		if got := MaskSecret(in); got != want {
			t.Fatalf("MaskSecret(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestMaskIP(t *testing.T) {
	if got := MaskIP("10.1.2.3"); got != "10.1.2.x" {
		t.Fatalf("ipv4 mask: %q", got)
	}
	if got := MaskIP("2001:db8:85a3:0:0:8a2e:370:7334"); got != "2001:db8:85a3:…" {
		t.Fatalf("ipv6 mask: %q", got)
	}
}
