// Package snapshot persists whole documents.
//
// Every collection lockbox owns (records, attempt states) is loaded fully at
// startup and rewritten fully on each mutation. A Backend stores those
// documents by name; it never sees partial updates.
//
// Two backends are provided:
//   - FileBackend: one JSON file per document, atomic write-replace
//   - SQLiteBackend: one row per document in a single SQLite database
//
// Neither backend locks across processes. Two lockbox processes sharing a
// data directory can lose each other's writes.
package snapshot

import (
	"errors"
	"fmt"

	"github.com/forest6511/lockbox/internal/logger"
)

// File permissions for everything written under the data directory.
const (
	FileMode = 0600 // Owner read/write only
	DirMode  = 0700 // Owner read/write/execute only
)

// Disk capacity thresholds
const (
	MinDiskSpaceBytes  = 1024 * 1024 // 1 MB minimum free space
	DiskWarningPercent = 90          // Warn when disk is 90% full
)

// Errors
var (
	ErrNotExist         = errors.New("snapshot: document does not exist")
	ErrInvalidName      = errors.New("snapshot: invalid document name")
	ErrInsufficientDisk = errors.New("snapshot: insufficient disk space")
	ErrClosed           = errors.New("snapshot: backend is closed")
)

// Backend stores whole documents by name.
type Backend interface {
	// Load returns the document body, or ErrNotExist.
	Load(name string) ([]byte, error)
	// Save replaces the document body. After Save returns nil the new body
	// is durable; on error the previous body is intact.
	Save(name string, data []byte) error
	// Close releases backend resources.
	Close() error
}

// validateName rejects names that could escape the data directory.
func validateName(name string) error {
	if name == "" || len(name) > 128 {
		return ErrInvalidName
	}
	for _, r := range name {
		if !((r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' || r == '.') {
			return ErrInvalidName
		}
	}
	if name[0] == '.' {
		return ErrInvalidName
	}
	return nil
}

// Backend kinds accepted by Open.
const (
	KindFile   = "file"
	KindSQLite = "sqlite"
)

// ErrUnknownKind indicates an unsupported backend kind.
var ErrUnknownKind = errors.New("snapshot: unknown backend kind")

// Open opens the backend of the given kind rooted in dir. An empty kind
// selects KindFile.
func Open(kind, dir string, log *logger.Logger) (Backend, error) {
	switch kind {
	case "", KindFile:
		return NewFileBackend(dir, log)
	case KindSQLite:
		return NewSQLiteBackend(dir)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}
