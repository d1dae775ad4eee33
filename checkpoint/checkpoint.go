// Package checkpoint persists change feed positions between runs.
//
// A checkpoint is a named, opaque sequence token. The stream package writes
// one on Commit and reads it back on subscribe, so a consumer resumes where
// it left off instead of replaying the feed from zero.
package checkpoint

import (
	"fmt"
	"sync"

	"go.etcd.io/bbolt"
)

// Store persists sequence tokens by consumer name.
type Store interface {
	// Load returns the saved token for name, or "" when none is saved.
	Load(name string) (string, error)

	// Save replaces the token for name.
	Save(name, token string) error

	// Close releases the underlying storage.
	Close() error
}

// MemStore keeps checkpoints in memory. Useful for tests and for consumers
// that only need resumption within one process lifetime.
type MemStore struct {
	mu     sync.Mutex
	tokens map[string]string
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{tokens: map[string]string{}}
}

// Load returns the saved token for name.
func (s *MemStore) Load(name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokens[name], nil
}

// Save replaces the token for name.
func (s *MemStore) Save(name, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[name] = token
	return nil
}

// Close is a no-op.
func (s *MemStore) Close() error {
	return nil
}

const boltBucket = "checkpoints"

// BoltStore persists checkpoints in a local bbolt file, surviving process
// restarts.
type BoltStore struct {
	db *bbolt.DB
}

// OpenBolt opens (creating if needed) the checkpoint database at path.
func OpenBolt(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(boltBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("checkpoint: init %s: %w", path, err)
	}
	return &BoltStore{db: db}, nil
}

// Load returns the saved token for name.
func (s *BoltStore) Load(name string) (string, error) {
	var token string
	err := s.db.View(func(tx *bbolt.Tx) error {
		token = string(tx.Bucket([]byte(boltBucket)).Get([]byte(name)))
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("checkpoint: load %s: %w", name, err)
	}
	return token, nil
}

// Save replaces the token for name.
func (s *BoltStore) Save(name, token string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(boltBucket)).Put([]byte(name), []byte(token))
	})
	if err != nil {
		return fmt.Errorf("checkpoint: save %s: %w", name, err)
	}
	return nil
}

// Close closes the database file.
func (s *BoltStore) Close() error {
	return s.db.Close()
}
