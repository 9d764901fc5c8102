//go:build !windows

package mcp

import (
	"errors"
	"fmt"
	"os"
	"syscall"
)

// openPolicyFile opens the policy file with O_NOFOLLOW to reject symlinks
func openPolicyFile(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDONLY|syscall.O_NOFOLLOW, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrPolicyNotFound
		}
		if errors.Is(err, syscall.ELOOP) {
			return nil, ErrPolicySymlink
		}
		return nil, fmt.Errorf("mcp: failed to open policy file: %w", err)
	}
	return f, nil
}

// checkFilePermissions requires mode 0600
func checkFilePermissions(info os.FileInfo) error {
	if perm := info.Mode().Perm(); perm != 0o600 {
		return fmt.Errorf("%w: %04o (expected 0600)", ErrPolicyInsecure, perm)
	}
	return nil
}

// checkFileOwnership verifies the file is owned by the current user
func checkFileOwnership(info os.FileInfo) error {
	if stat, ok := info.Sys().(*syscall.Stat_t); ok && stat.Uid != uint32(os.Getuid()) {
		return ErrPolicyNotOwnedByUser
	}
	return nil
}
