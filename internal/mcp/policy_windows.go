//go:build windows

package mcp

import (
	"fmt"
	"os"
)

// openPolicyFile opens the policy file on Windows, which has no O_NOFOLLOW.
// Symlinks are rejected with Lstat instead.
func openPolicyFile(path string) (*os.File, error) {
	info, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrPolicyNotFound
		}
		return nil, fmt.Errorf("mcp: failed to stat policy file: %w", err)
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return nil, ErrPolicySymlink
	}
	return os.Open(path)
}

// checkFilePermissions on Windows is a no-op; ACLs are not reflected in the
// mode bits.
func checkFilePermissions(_ os.FileInfo) error {
	return nil
}

// checkFileOwnership on Windows is a no-op.
func checkFileOwnership(_ os.FileInfo) error {
	return nil
}
