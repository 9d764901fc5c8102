package snapshot

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/forest6511/lockbox/internal/logger"
)

// FileBackend stores each document as <dir>/<name>.
type FileBackend struct {
	dir string
	log *logger.Logger
}

// NewFileBackend creates the directory (0700) if needed.
func NewFileBackend(dir string, log *logger.Logger) (*FileBackend, error) {
	if log == nil {
		log = logger.Nop()
	}
	if err := os.MkdirAll(dir, DirMode); err != nil {
		return nil, fmt.Errorf("snapshot: failed to create data directory: %w", err)
	}
	return &FileBackend{dir: dir, log: log}, nil
}

// Dir returns the data directory.
func (b *FileBackend) Dir() string {
	return b.dir
}

// Load reads a document file.
func (b *FileBackend) Load(name string) ([]byte, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(b.dir, name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotExist
		}
		return nil, fmt.Errorf("snapshot: failed to read %s: %w", name, err)
	}
	return data, nil
}

// Save writes the document through a temp file in the same directory,
// fsyncs it and renames it over the target, so a crash leaves either the
// old or the new document and never a truncated one.
func (b *FileBackend) Save(name string, data []byte) error {
	if err := validateName(name); err != nil {
		return err
	}
	if err := b.checkDiskSpaceForWrite(len(data)); err != nil {
		return err
	}
	if err := WriteFileAtomic(filepath.Join(b.dir, name), data, FileMode); err != nil {
		return fmt.Errorf("snapshot: failed to write %s: %w", name, err)
	}
	return nil
}

// Close is a no-op for files.
func (b *FileBackend) Close() error {
	return nil
}

// WriteFileAtomic replaces path with data. On any failure the temp file is
// removed and path is untouched.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}

	success = true
	return nil
}

// DiskSpaceInfo contains disk usage information
type DiskSpaceInfo struct {
	Total     uint64 `json:"total"`     // Total disk space in bytes
	Free      uint64 `json:"free"`      // Free disk space in bytes
	Available uint64 `json:"available"` // Available to non-root users
	UsedPct   int    `json:"used_pct"`  // Percentage of disk used
}

// checkDiskSpaceForWrite verifies sufficient disk space before a write.
// A failing stat only logs a warning.
func (b *FileBackend) checkDiskSpaceForWrite(dataSize int) error {
	info, err := CheckDiskSpace(b.dir)
	if err != nil {
		b.log.Warn().Err(err).Msg("failed to check disk space")
		return nil
	}

	// Need at least MinDiskSpaceBytes or 2x the data size, whichever is larger
	required := uint64(MinDiskSpaceBytes)
	if uint64(dataSize*2) > required {
		required = uint64(dataSize * 2)
	}

	if info.Available < required {
		return fmt.Errorf("%w: only %d bytes available, need at least %d bytes",
			ErrInsufficientDisk, info.Available, required)
	}

	if info.UsedPct >= DiskWarningPercent {
		b.log.Warn().Int("used_pct", info.UsedPct).Msg("disk is nearly full, consider freeing space")
	}

	return nil
}
