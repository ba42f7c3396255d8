package types

import (
	"errors"
	"testing"
)

func TestDigestText(t *testing.T) {
	d := ComputeDigest([]byte("chunk"))
	if d.IsZero() {
		t.Fatal("digest of non-empty input is zero")
	}
	tests := []struct {
		name string
		text string
	}{
		{"base58", d.String()},
		{"hex", d.Hex()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseDigest(tt.text)
			if err != nil {
				t.Fatalf("Failed to parse %q: %v", tt.text, err)
			}
			if got != d {
				t.Errorf("ParseDigest(%q) = %s, want %s", tt.text, got, d)
			}
		})
	}

	var u Digest
	text, _ := d.MarshalText()
	if err := u.UnmarshalText(text); err != nil || u != d {
		t.Errorf("UnmarshalText = %s, %v, want %s", u, err, d)
	}
}

func TestDigestFromBytesLength(t *testing.T) {
	if _, err := DigestFromBytes(make([]byte, 31)); !errors.Is(err, ErrInvalidDigest) {
		t.Errorf("DigestFromBytes(31 bytes) error = %v, want %v", err, ErrInvalidDigest)
	}
}
