//go:build !linux

package copier

import "golang.org/x/sys/unix"

// Sync flushes dst's data. Platforms without fdatasync fall back to a full
// fsync.
func Sync(fd int) error {
	return unix.Fsync(fd)
}
