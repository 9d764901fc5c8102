//go:build !windows

package keystore

import (
	"fmt"
	"io/fs"
)

// checkPermissions rejects key files readable or writable by group or others.
func checkPermissions(info fs.FileInfo) error {
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		return fmt.Errorf("%w: %04o (expected 0600)", ErrKeyPermissions, perm)
	}
	return nil
}
