// Package keys provides the randomness and key material used by the
// protection pipeline: a seedable key source, per-function key derivation,
// and the reversible word and constant ciphers.
package keys

import (
	"crypto/rand"
	"encoding/binary"
	"sync"

	"golang.org/x/crypto/chacha20"
)

// Source yields random words for seeds, salts and permutations.
type Source interface {
	Uint32() uint32
	Uint64() uint64
	// Intn returns a value in [0, n). n must be positive.
	Intn(n int) int
}

// StreamSource is a Source backed by a ChaCha20 keystream. It is safe for
// concurrent use.
type StreamSource struct {
	mu     sync.Mutex
	cipher *chacha20.Cipher
	buf    [64]byte
	off    int
}

// NewStreamSource creates a source from a 32-byte key.
func NewStreamSource(key [32]byte) *StreamSource {
	var nonce [chacha20.NonceSize]byte
	c, err := chacha20.NewUnauthenticatedCipher(key[:], nonce[:])
	if err != nil {
		// Key and nonce sizes are fixed above.
		panic("keys: " + err.Error())
	}
	return &StreamSource{cipher: c, off: 64}
}

// NewFixedSource creates a deterministic source. Two sources built from the
// same seed produce the same sequence.
func NewFixedSource(seed uint64) *StreamSource {
	var key [32]byte
	for i := 0; i < 4; i++ {
		seed = splitmix64(seed)
		binary.LittleEndian.PutUint64(key[i*8:], seed)
	}
	return NewStreamSource(key)
}

var (
	defaultOnce   sync.Once
	defaultSource *StreamSource
)

// Default returns the process-wide source, seeding it from crypto/rand on
// first use.
func Default() Source {
	defaultOnce.Do(func() {
		var key [32]byte
		if _, err := rand.Read(key[:]); err != nil {
			panic("keys: seed default source: " + err.Error())
		}
		defaultSource = NewStreamSource(key)
	})
	return defaultSource
}

func (s *StreamSource) next(n int) []byte {
	if s.off+n > len(s.buf) {
		clear(s.buf[:])
		s.cipher.XORKeyStream(s.buf[:], s.buf[:])
		s.off = 0
	}
	b := s.buf[s.off : s.off+n]
	s.off += n
	return b
}

// Uint32 returns a random 32-bit word.
func (s *StreamSource) Uint32() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return binary.LittleEndian.Uint32(s.next(4))
}

// Uint64 returns a random 64-bit word.
func (s *StreamSource) Uint64() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return binary.LittleEndian.Uint64(s.next(8))
}

// Intn returns a uniform value in [0, n).
func (s *StreamSource) Intn(n int) int {
	if n <= 0 {
		panic("keys: Intn with non-positive n")
	}
	bound := uint64(n)
	limit := ^uint64(0) - ^uint64(0)%bound
	for {
		v := s.Uint64()
		if v < limit {
			return int(v % bound)
		}
	}
}

// splitmix64 is the SplitMix64 output function applied to x+golden.
func splitmix64(x uint64) uint64 {
	x += 0x9E3779B97F4A7C15
	x = (x ^ x>>30) * 0xBF58476D1CE4E5B9
	x = (x ^ x>>27) * 0x94D049BB133111EB
	return x ^ x>>31
}
