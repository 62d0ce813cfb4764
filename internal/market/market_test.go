package market

import (
	"errors"
	"testing"
)

func TestParseKey_Valid(t *testing.T) {
	k, err := ParseKey("8453:1374")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if k.ChainID != 8453 || k.EventID != 1374 {
		t.Errorf("parsed = %+v", k)
	}
	if k.Raw != "8453:1374" {
		t.Errorf("raw = %q", k.Raw)
	}
}

func TestParseKey_Invalid(t *testing.T) {
	cases := []string{
		"",
		"8453",
		"8453:",
		":1374",
		"base:1374",
		"8453:event",
		"8453:1374:0",
		"0:1374",
		"-1:2",
	}
	for _, raw := range cases {
		if _, err := ParseKey(raw); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("ParseKey(%q) = %v, want ErrInvalidKey", raw, err)
		}
	}
}

func TestFormat_RoundTrip(t *testing.T) {
	raw := Format(8453, 1374)
	k, err := ParseKey(raw)
	if err != nil {
		t.Fatalf("round trip failed: %v", err)
	}
	if k.ChainID != 8453 || k.EventID != 1374 {
		t.Errorf("round trip = %+v", k)
	}
}
