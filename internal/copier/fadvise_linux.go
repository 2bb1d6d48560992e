//go:build linux

package copier

import (
	"golang.org/x/sys/unix"

	"github.com/arsync-go/arsync/internal/arlog"
)

// adviseSequential hints that fd will be read sequentially, doubling the
// kernel's readahead window. Advisory: failure is logged and
// ignored.
func adviseSequential(obj any, fd int) {
	if err := unix.Fadvise(fd, 0, 0, unix.FADV_SEQUENTIAL); err != nil {
		arlog.Debugf(obj, "fadvise sequential failed on fd %d: %v", fd, err)
	}
}

// adviseDontNeed hints that the kernel may drop cached pages for
// [offset, offset+length) of fd, freeing page cache behind a sequential
// writer. Advisory: failure is
// logged and ignored.
func adviseDontNeed(obj any, fd int, offset, length int64) {
	if err := unix.Fadvise(fd, offset, length, unix.FADV_DONTNEED); err != nil {
		arlog.Debugf(obj, "fadvise dontneed failed on fd %d: %v", fd, err)
	}
}
