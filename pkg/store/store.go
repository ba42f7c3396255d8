// Package store provides content-addressed storage for dumped chunks.
//
// Chunks are keyed by the BLAKE3 digest of their bytes. Each entry carries
// a small metadata record encoded as canonical CBOR so the same entry
// always encodes to the same bytes on every backend.
package store

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/tliron/commonlog"

	"github.com/fortiblox/cloak/internal/types"
)

var log = commonlog.GetLogger("cloak.store")

var (
	// ErrNotFound is returned when a chunk doesn't exist.
	ErrNotFound = errors.New("chunk not found")

	// ErrClosed is returned when operating on a closed store.
	ErrClosed = errors.New("store closed")

	// ErrEmpty is returned when storing an empty chunk.
	ErrEmpty = errors.New("empty chunk")
)

// Meta describes a stored chunk.
type Meta struct {
	// Name is a free-form label, usually the source file name.
	Name string `cbor:"1,keyasint"`

	// Created is when the chunk was first stored.
	Created time.Time `cbor:"2,keyasint"`

	// Secure reports a keystream-protected chunk.
	Secure bool `cbor:"3,keyasint"`

	// Compressed reports a zstd payload.
	Compressed bool `cbor:"4,keyasint"`

	// Protected reports that the code went through the protection pipeline.
	Protected bool `cbor:"5,keyasint"`

	// Size is the chunk size in bytes.
	Size int `cbor:"6,keyasint"`
}

// Listing pairs a digest with its metadata.
type Listing struct {
	Digest types.Digest
	Meta   Meta
}

// Store is the chunk store interface.
type Store interface {
	// Put stores data and returns its digest. Storing the same bytes
	// twice keeps the first metadata.
	Put(data []byte, meta Meta) (types.Digest, error)
	Get(d types.Digest) ([]byte, error)
	Stat(d types.Digest) (*Meta, error)
	Has(d types.Digest) (bool, error)
	Delete(d types.Digest) error

	// List returns every entry ordered by digest.
	List() ([]Listing, error)

	Close() error
}

// Backend names accepted by Open.
const (
	BackendBolt   = "bolt"
	BackendBadger = "badger"
	BackendMemory = "memory"
)

// Config selects and configures a backend.
type Config struct {
	// Backend is one of bolt, badger or memory.
	Backend string

	// Path is the database file (bolt) or directory (badger).
	Path string

	// NoSync disables fsync after each write.
	NoSync bool
}

// DefaultConfig returns the default store configuration.
func DefaultConfig(path string) Config {
	return Config{
		Backend: BackendBolt,
		Path:    path,
	}
}

// Open opens the configured backend.
func Open(cfg Config) (Store, error) {
	switch cfg.Backend {
	case BackendBolt, "":
		return OpenBolt(cfg)
	case BackendBadger:
		return OpenBadger(cfg)
	case BackendMemory:
		return NewMemory(), nil
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
}

var encMode = func() cbor.EncMode {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

func encodeMeta(m *Meta) ([]byte, error) {
	data, err := encMode.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode meta: %w", err)
	}
	return data, nil
}

func decodeMeta(data []byte) (*Meta, error) {
	var m Meta
	if err := cbor.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode meta: %w", err)
	}
	return &m, nil
}

// prepare validates data and fills derived metadata fields.
func prepare(data []byte, meta Meta) (types.Digest, Meta, error) {
	if len(data) == 0 {
		return types.Digest{}, meta, ErrEmpty
	}
	meta.Size = len(data)
	if meta.Created.IsZero() {
		meta.Created = time.Now()
	}
	meta.Created = meta.Created.UTC().Truncate(time.Second)
	return types.ComputeDigest(data), meta, nil
}

func sortListings(out []Listing) {
	sort.Slice(out, func(i, j int) bool {
		return string(out[i].Digest[:]) < string(out[j].Digest[:])
	})
}
