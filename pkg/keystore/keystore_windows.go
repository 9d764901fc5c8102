//go:build windows

package keystore

import "io/fs"

// checkPermissions is a no-op on Windows, where ACLs are not reflected in
// the POSIX mode bits.
func checkPermissions(_ fs.FileInfo) error {
	return nil
}
