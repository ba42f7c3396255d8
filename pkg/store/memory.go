package store

import (
	"sync"

	"github.com/fortiblox/cloak/internal/types"
)

type memEntry struct {
	data []byte
	meta []byte
}

// MemoryStore is an in-process Store. Metadata goes through the same CBOR
// encoding as the persistent backends.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[types.Digest]memEntry
	closed  bool
}

// NewMemory returns an empty in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{entries: make(map[types.Digest]memEntry)}
}

// Put stores a chunk.
func (m *MemoryStore) Put(data []byte, meta Meta) (types.Digest, error) {
	d, meta, err := prepare(data, meta)
	if err != nil {
		return d, err
	}
	metaData, err := encodeMeta(&meta)
	if err != nil {
		return d, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return d, ErrClosed
	}
	if _, ok := m.entries[d]; !ok {
		m.entries[d] = memEntry{data: append([]byte(nil), data...), meta: metaData}
	}
	return d, nil
}

func (m *MemoryStore) entry(d types.Digest) (memEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return memEntry{}, ErrClosed
	}
	e, ok := m.entries[d]
	if !ok {
		return memEntry{}, ErrNotFound
	}
	return e, nil
}

// Get returns the bytes of a chunk.
func (m *MemoryStore) Get(d types.Digest) ([]byte, error) {
	e, err := m.entry(d)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), e.data...), nil
}

// Stat returns the metadata of a chunk.
func (m *MemoryStore) Stat(d types.Digest) (*Meta, error) {
	e, err := m.entry(d)
	if err != nil {
		return nil, err
	}
	return decodeMeta(e.meta)
}

// Has reports whether a chunk exists.
func (m *MemoryStore) Has(d types.Digest) (bool, error) {
	_, err := m.entry(d)
	if err == ErrNotFound {
		return false, nil
	}
	return err == nil, err
}

// Delete removes a chunk.
func (m *MemoryStore) Delete(d types.Digest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if _, ok := m.entries[d]; !ok {
		return ErrNotFound
	}
	delete(m.entries, d)
	return nil
}

// List returns every entry in digest order.
func (m *MemoryStore) List() ([]Listing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make([]Listing, 0, len(m.entries))
	for d, e := range m.entries {
		meta, err := decodeMeta(e.meta)
		if err != nil {
			return nil, err
		}
		out = append(out, Listing{Digest: d, Meta: *meta})
	}
	sortListings(out)
	return out, nil
}

// Close drops every entry.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.closed = true
	m.entries = nil
	return nil
}
