// Package records holds the stored secrets of a lockbox.
//
// A record maps an identifier to its ciphertext and the hash of the passkey
// that guards it. The identifier is the ciphertext token itself, so the two
// fields always carry the same value. Records are never mutated or deleted
// after they are written.
package records

import (
	"errors"
	"fmt"
	"sync"

	"github.com/forest6511/lockbox/pkg/snapshot"
)

// DocumentName is the snapshot document holding all records.
const DocumentName = "records.json"

var (
	// ErrNotFound indicates no record exists for an identifier.
	ErrNotFound = errors.New("records: not found")

	// ErrEmptyIdentifier indicates Put was called without an identifier.
	ErrEmptyIdentifier = errors.New("records: identifier is required")
)

// Record is one stored secret.
type Record struct {
	// Identifier is the opaque token handed to the user.
	Identifier string
	// Ciphertext equals Identifier.
	Ciphertext string
	// PasskeyHash is the hex SHA-256 of the normalized passkey.
	PasskeyHash string
}

// entry is the persisted form of a record.
type entry struct {
	Data    string `json:"data"`
	Passkey string `json:"passkey"`
}

// Store is the in-memory record collection backed by a snapshot document.
// It is safe for concurrent use.
type Store struct {
	backend snapshot.Backend

	mu      sync.RWMutex
	order   []string
	entries map[string]entry
}

// Open loads the record document from backend. A missing document yields an
// empty store.
func Open(backend snapshot.Backend) (*Store, error) {
	s := &Store{
		backend: backend,
		entries: make(map[string]entry),
	}

	data, err := backend.Load(DocumentName)
	if errors.Is(err, snapshot.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("records: failed to load: %w", err)
	}

	order, entries, err := snapshot.DecodeOrdered[entry](data)
	if err != nil {
		return nil, fmt.Errorf("records: failed to parse %s: %w", DocumentName, err)
	}
	s.order = order
	s.entries = entries
	return s, nil
}

// Put inserts or overwrites the record for identifier and persists the whole
// collection. An overwritten identifier keeps its original position. If the
// write fails the in-memory collection is left as it was.
func (s *Store) Put(identifier, ciphertext, passkeyHash string) error {
	if identifier == "" {
		return ErrEmptyIdentifier
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev, existed := s.entries[identifier]
	s.entries[identifier] = entry{Data: ciphertext, Passkey: passkeyHash}
	if !existed {
		s.order = append(s.order, identifier)
	}

	if err := s.persistLocked(); err != nil {
		if existed {
			s.entries[identifier] = prev
		} else {
			delete(s.entries, identifier)
			s.order = s.order[:len(s.order)-1]
		}
		return err
	}
	return nil
}

// Get returns the record for identifier or ErrNotFound.
func (s *Store) Get(identifier string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[identifier]
	if !ok {
		return Record{}, ErrNotFound
	}
	return Record{
		Identifier:  identifier,
		Ciphertext:  e.Data,
		PasskeyHash: e.Passkey,
	}, nil
}

// ListIdentifiers returns all identifiers in insertion order.
func (s *Store) ListIdentifiers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Len returns the number of records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

func (s *Store) persistLocked() error {
	data, err := snapshot.EncodeOrdered(s.order, s.entries)
	if err != nil {
		return fmt.Errorf("records: failed to encode: %w", err)
	}
	if err := s.backend.Save(DocumentName, data); err != nil {
		return fmt.Errorf("records: failed to persist: %w", err)
	}
	return nil
}
