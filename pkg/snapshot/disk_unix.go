//go:build !windows

package snapshot

import (
	"fmt"
	"path/filepath"
	"syscall"
)

// CheckDiskSpace returns disk space information for the filesystem holding path.
func CheckDiskSpace(path string) (*DiskSpaceInfo, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		// If the directory doesn't exist yet, check parent
		if err := syscall.Statfs(filepath.Dir(path), &stat); err != nil {
			return nil, fmt.Errorf("snapshot: failed to get disk stats: %w", err)
		}
	}

	total := stat.Blocks * uint64(stat.Bsize)
	free := stat.Bfree * uint64(stat.Bsize)
	available := stat.Bavail * uint64(stat.Bsize)

	usedPct := 0
	if total > 0 {
		usedPct = int(100 * (total - free) / total)
	}

	return &DiskSpaceInfo{
		Total:     total,
		Free:      free,
		Available: available,
		UsedPct:   usedPct,
	}, nil
}
