package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/fortiblox/cloak/internal/types"
)

// Bucket names for BoltDB.
var (
	// bucketChunks stores chunk bytes keyed by digest.
	bucketChunks = []byte("chunks")

	// bucketMeta stores CBOR metadata keyed by digest.
	bucketMeta = []byte("meta")
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db     *bolt.DB
	config Config

	mu     sync.RWMutex
	closed bool
}

// OpenBolt creates or opens a BoltDB chunk store at cfg.Path.
func OpenBolt(cfg Config) (*BoltStore, error) {
	// Ensure directory exists.
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	opts := &bolt.Options{
		Timeout: 5 * time.Second,
		NoSync:  cfg.NoSync,
	}
	db, err := bolt.Open(cfg.Path, 0600, opts)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketChunks, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init buckets: %w", err)
	}

	log.Infof("opened bolt store %s", cfg.Path)
	return &BoltStore{db: db, config: cfg}, nil
}

func (s *BoltStore) check() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Put stores a chunk.
func (s *BoltStore) Put(data []byte, meta Meta) (types.Digest, error) {
	if err := s.check(); err != nil {
		return types.Digest{}, err
	}
	d, meta, err := prepare(data, meta)
	if err != nil {
		return d, err
	}
	metaData, err := encodeMeta(&meta)
	if err != nil {
		return d, err
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		chunks := tx.Bucket(bucketChunks)
		if chunks.Get(d[:]) != nil {
			return nil
		}
		if err := chunks.Put(d[:], data); err != nil {
			return err
		}
		return tx.Bucket(bucketMeta).Put(d[:], metaData)
	})
	return d, err
}

// Get returns the bytes of a chunk.
func (s *BoltStore) Get(d types.Digest) ([]byte, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketChunks).Get(d[:])
		if data == nil {
			return ErrNotFound
		}
		// Bolt memory is only valid inside the transaction.
		out = append([]byte(nil), data...)
		return nil
	})
	return out, err
}

// Stat returns the metadata of a chunk.
func (s *BoltStore) Stat(d types.Digest) (*Meta, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	var meta *Meta
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketMeta).Get(d[:])
		if data == nil {
			return ErrNotFound
		}
		m, err := decodeMeta(data)
		meta = m
		return err
	})
	return meta, err
}

// Has reports whether a chunk exists.
func (s *BoltStore) Has(d types.Digest) (bool, error) {
	if err := s.check(); err != nil {
		return false, err
	}
	var ok bool
	err := s.db.View(func(tx *bolt.Tx) error {
		ok = tx.Bucket(bucketChunks).Get(d[:]) != nil
		return nil
	})
	return ok, err
}

// Delete removes a chunk.
func (s *BoltStore) Delete(d types.Digest) error {
	if err := s.check(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		chunks := tx.Bucket(bucketChunks)
		if chunks.Get(d[:]) == nil {
			return ErrNotFound
		}
		if err := chunks.Delete(d[:]); err != nil {
			return err
		}
		return tx.Bucket(bucketMeta).Delete(d[:])
	})
}

// List returns every entry in digest order.
func (s *BoltStore) List() ([]Listing, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	var out []Listing
	err := s.db.View(func(tx *bolt.Tx) error {
		// Bolt iterates keys in byte order, which is digest order.
		return tx.Bucket(bucketMeta).ForEach(func(k, v []byte) error {
			d, err := types.DigestFromBytes(k)
			if err != nil {
				return err
			}
			m, err := decodeMeta(v)
			if err != nil {
				return err
			}
			out = append(out, Listing{Digest: d, Meta: *m})
			return nil
		})
	})
	return out, err
}

// Close closes the database.
func (s *BoltStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.closed = true
	log.Infof("closed bolt store %s", s.config.Path)
	return s.db.Close()
}
