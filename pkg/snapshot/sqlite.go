package snapshot

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// SQLiteFileName is the database file used by SQLiteBackend.
const SQLiteFileName = "lockbox.db"

// SQLiteBackend stores every document as one row of the documents table.
// Save replaces the whole row in a single statement.
type SQLiteBackend struct {
	path string
	mu   sync.Mutex
	db   *sql.DB
}

// NewSQLiteBackend opens (or creates) <dir>/lockbox.db.
func NewSQLiteBackend(dir string) (*SQLiteBackend, error) {
	if err := os.MkdirAll(dir, DirMode); err != nil {
		return nil, fmt.Errorf("snapshot: failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dir, SQLiteFileName)
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("snapshot: failed to open database: %w", err)
	}

	// Single connection: lockbox serves one request at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS documents (
			name TEXT PRIMARY KEY,
			body BLOB NOT NULL,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("snapshot: failed to create tables: %w", err)
	}

	if err := os.Chmod(dbPath, FileMode); err != nil {
		db.Close()
		return nil, fmt.Errorf("snapshot: failed to set database permissions: %w", err)
	}

	return &SQLiteBackend{path: dbPath, db: db}, nil
}

// Path returns the database file path.
func (b *SQLiteBackend) Path() string {
	return b.path
}

// Load reads a document row.
func (b *SQLiteBackend) Load(name string) ([]byte, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.db == nil {
		return nil, ErrClosed
	}

	var body []byte
	err := b.db.QueryRow("SELECT body FROM documents WHERE name = ?", name).Scan(&body)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotExist
		}
		return nil, fmt.Errorf("snapshot: failed to read %s: %w", name, err)
	}
	return body, nil
}

// Save upserts a document row.
func (b *SQLiteBackend) Save(name string, data []byte) error {
	if err := validateName(name); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.db == nil {
		return ErrClosed
	}

	_, err := b.db.Exec(`
		INSERT INTO documents (name, body, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(name) DO UPDATE SET
			body = excluded.body,
			updated_at = CURRENT_TIMESTAMP
	`, name, data)
	if err != nil {
		return fmt.Errorf("snapshot: failed to write %s: %w", name, err)
	}
	return nil
}

// Close closes the database.
func (b *SQLiteBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.db == nil {
		return nil
	}
	err := b.db.Close()
	b.db = nil
	return err
}

// IntegrityCheck runs PRAGMA integrity_check and returns its verdict.
func (b *SQLiteBackend) IntegrityCheck() (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.db == nil {
		return "", ErrClosed
	}

	var result string
	if err := b.db.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return "", fmt.Errorf("snapshot: integrity check failed: %w", err)
	}
	return result, nil
}
