// Package keystore owns the single data key of a lockbox.
//
// The key is 32 random bytes stored raw in <data-dir>/vault.key with mode
// 0600. It is generated on first use, then loaded on every later start and
// never rotated.
package keystore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/forest6511/lockbox/internal/logger"
	"github.com/forest6511/lockbox/pkg/crypto"
	"github.com/forest6511/lockbox/pkg/snapshot"
)

// KeyFileName is the key file inside the data directory.
const KeyFileName = "vault.key"

var (
	// ErrKeyCorrupted indicates the key file exists but does not hold a 32-byte key.
	ErrKeyCorrupted = errors.New("keystore: key file is corrupted")

	// ErrKeyPermissions indicates the key file is readable by other users.
	ErrKeyPermissions = errors.New("keystore: key file permissions are too open")
)

// Manager loads or creates the data key and memoizes it.
type Manager struct {
	path string
	log  *logger.Logger

	mu  sync.Mutex
	key []byte
}

// New returns a Manager for the key file in dir. Nothing is read until Key
// is called.
func New(dir string, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.Nop()
	}
	return &Manager{
		path: filepath.Join(dir, KeyFileName),
		log:  log.GetChildLogger("keystore"),
	}
}

// Path returns the key file path.
func (m *Manager) Path() string {
	return m.path
}

// Key returns the data key. On the first call it reads the key file, or
// generates and persists a fresh key if the file does not exist. Later calls
// return the same key without touching the disk.
func (m *Manager) Key() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.key != nil {
		return m.key, nil
	}

	key, err := m.load()
	if errors.Is(err, os.ErrNotExist) {
		key, err = m.create()
	}
	if err != nil {
		return nil, err
	}

	m.key = key
	return m.key, nil
}

// Wipe zeroes the memoized key. The next Key call reloads it from disk.
func (m *Manager) Wipe() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.key != nil {
		crypto.SecureWipe(m.key)
		m.key = nil
	}
}

func (m *Manager) load() ([]byte, error) {
	info, err := os.Stat(m.path)
	if err != nil {
		return nil, err
	}
	if err := checkPermissions(info); err != nil {
		return nil, err
	}

	key, err := os.ReadFile(m.path)
	if err != nil {
		return nil, fmt.Errorf("keystore: failed to read key: %w", err)
	}
	if len(key) != crypto.KeyLength {
		crypto.SecureWipe(key)
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrKeyCorrupted, crypto.KeyLength, len(key))
	}
	return key, nil
}

func (m *Manager) create() ([]byte, error) {
	if err := os.MkdirAll(filepath.Dir(m.path), snapshot.DirMode); err != nil {
		return nil, fmt.Errorf("keystore: failed to create data directory: %w", err)
	}

	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	if err := snapshot.WriteFileAtomic(m.path, key, snapshot.FileMode); err != nil {
		crypto.SecureWipe(key)
		return nil, fmt.Errorf("keystore: failed to write key: %w", err)
	}

	m.log.Info().Str("path", m.path).Msg("generated new data key")
	return key, nil
}
