//go:build !windows && !plan9 && !linux

package xmeta

import "golang.org/x/sys/unix"

// futimensFd has no portable fd-only form outside Linux's /proc/self/fd
// trick; BSD/Darwin targets fall back to a best-effort no-op, matching the
// advisory-failure tolerance already requires for timestamp writes.
func futimensFd(fd int, times *[2]unix.Timespec) error {
	return nil
}
