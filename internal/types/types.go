// Package types defines the content-address type shared by the chunk
// format and the chunk store.
package types

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
	"github.com/zeebo/blake3"
)

// DigestSize is the size of a chunk digest in bytes.
const DigestSize = 32

var (
	// ErrInvalidDigest is returned when a digest has invalid length.
	ErrInvalidDigest = errors.New("invalid digest: must be 32 bytes")
)

// Digest is a 32-byte BLAKE3 digest.
type Digest [DigestSize]byte

// ComputeDigest computes the BLAKE3-256 digest of data.
func ComputeDigest(data []byte) Digest {
	return blake3.Sum256(data)
}

// DigestFromBase58 parses a base58-encoded digest.
func DigestFromBase58(s string) (Digest, error) {
	var d Digest
	data, err := base58.Decode(s)
	if err != nil {
		return d, fmt.Errorf("base58 decode: %w", err)
	}
	return DigestFromBytes(data)
}

// DigestFromHex parses a hex-encoded digest.
func DigestFromHex(s string) (Digest, error) {
	var d Digest
	data, err := hex.DecodeString(s)
	if err != nil {
		return d, fmt.Errorf("hex decode: %w", err)
	}
	return DigestFromBytes(data)
}

// DigestFromBytes creates a Digest from a byte slice.
func DigestFromBytes(b []byte) (Digest, error) {
	var d Digest
	if len(b) != DigestSize {
		return d, ErrInvalidDigest
	}
	copy(d[:], b)
	return d, nil
}

// ParseDigest accepts either the base58 or the hex form.
func ParseDigest(s string) (Digest, error) {
	if len(s) == hex.EncodedLen(DigestSize) {
		if d, err := DigestFromHex(s); err == nil {
			return d, nil
		}
	}
	return DigestFromBase58(s)
}

// String returns the base58-encoded representation.
func (d Digest) String() string {
	return base58.Encode(d[:])
}

// Hex returns the hex-encoded representation.
func (d Digest) Hex() string {
	return hex.EncodeToString(d[:])
}

// IsZero returns true if the digest is all zeros.
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// Bytes returns the digest as a byte slice.
func (d Digest) Bytes() []byte {
	return d[:]
}

// MarshalText implements encoding.TextMarshaler.
func (d Digest) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Digest) UnmarshalText(text []byte) error {
	parsed, err := DigestFromBase58(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
