package store

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"

	"github.com/fortiblox/cloak/internal/types"
)

// Key prefixes for BadgerDB storage.
var (
	// prefixChunk is the prefix for chunk bytes.
	// Key format: prefixChunk + digest (32 bytes)
	prefixChunk = []byte{0x01}

	// prefixMeta is the prefix for CBOR metadata.
	// Key format: prefixMeta + digest (32 bytes)
	prefixMeta = []byte{0x02}
)

func chunkKey(d types.Digest) []byte {
	return append(append([]byte(nil), prefixChunk...), d[:]...)
}

func metaKey(d types.Digest) []byte {
	return append(append([]byte(nil), prefixMeta...), d[:]...)
}

// BadgerStore implements Store on BadgerDB.
type BadgerStore struct {
	db     *badger.DB
	path   string
	closed atomic.Bool
}

// OpenBadger opens a BadgerDB chunk store in the directory cfg.Path. An
// empty path runs the database in memory.
func OpenBadger(cfg Config) (*BadgerStore, error) {
	opts := badger.DefaultOptions(cfg.Path).
		WithSyncWrites(!cfg.NoSync).
		WithLogger(nil)
	if cfg.Path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	log.Infof("opened badger store %s", cfg.Path)
	return &BadgerStore{db: db, path: cfg.Path}, nil
}

// Put stores a chunk.
func (b *BadgerStore) Put(data []byte, meta Meta) (types.Digest, error) {
	if b.closed.Load() {
		return types.Digest{}, ErrClosed
	}
	d, meta, err := prepare(data, meta)
	if err != nil {
		return d, err
	}
	metaData, err := encodeMeta(&meta)
	if err != nil {
		return d, err
	}
	err = b.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(chunkKey(d))
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.Set(chunkKey(d), data); err != nil {
			return err
		}
		return txn.Set(metaKey(d), metaData)
	})
	return d, err
}

func (b *BadgerStore) value(key []byte) ([]byte, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}
	var out []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	return out, err
}

// Get returns the bytes of a chunk.
func (b *BadgerStore) Get(d types.Digest) ([]byte, error) {
	return b.value(chunkKey(d))
}

// Stat returns the metadata of a chunk.
func (b *BadgerStore) Stat(d types.Digest) (*Meta, error) {
	data, err := b.value(metaKey(d))
	if err != nil {
		return nil, err
	}
	return decodeMeta(data)
}

// Has reports whether a chunk exists.
func (b *BadgerStore) Has(d types.Digest) (bool, error) {
	_, err := b.value(chunkKey(d))
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Delete removes a chunk.
func (b *BadgerStore) Delete(d types.Digest) error {
	if ok, err := b.Has(d); err != nil {
		return err
	} else if !ok {
		return ErrNotFound
	}
	return b.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete(chunkKey(d)); err != nil {
			return err
		}
		return txn.Delete(metaKey(d))
	})
}

// List returns every entry in digest order.
func (b *BadgerStore) List() ([]Listing, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}
	var out []Listing
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefixMeta
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			d, err := types.DigestFromBytes(item.Key()[len(prefixMeta):])
			if err != nil {
				continue
			}
			err = item.Value(func(val []byte) error {
				m, err := decodeMeta(val)
				if err != nil {
					return err
				}
				out = append(out, Listing{Digest: d, Meta: *m})
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return out, err
}

// Close closes the database.
func (b *BadgerStore) Close() error {
	if b.closed.Swap(true) {
		return ErrClosed
	}
	log.Infof("closed badger store %s", b.path)
	return b.db.Close()
}
