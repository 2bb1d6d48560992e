//go:build linux

package copier

import (
	"os"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/arsync-go/arsync/internal/arlog"
)

// fallocFlags tries the plain KEEP_SIZE allocation first, then falls back
// to KEEP_SIZE|PUNCH_HOLE for filesystems (e.g. ZFS) that reject the
// former.
var (
	fallocFlags      = [...]uint32{unix.FALLOC_FL_KEEP_SIZE, unix.FALLOC_FL_KEEP_SIZE | unix.FALLOC_FL_PUNCH_HOLE}
	fallocFlagsIndex int32
)

// Preallocate reserves size bytes of contiguous space in out. Failure is
// advisory: callers should ignore the returned error and proceed to the
// transfer regardless.
func Preallocate(size int64, out *os.File) error {
	if size <= 0 {
		return nil
	}
	index := atomic.LoadInt32(&fallocFlagsIndex)
	for {
		if index >= int32(len(fallocFlags)) {
			return nil // fallocate disabled after exhausting known flag combinations
		}
		flags := fallocFlags[index]
		err := unix.Fallocate(int(out.Fd()), flags, 0, size)
		if err == unix.ENOTSUP {
			index++
			atomic.StoreInt32(&fallocFlagsIndex, index)
			arlog.Debugf(out.Name(), "preallocate: fallocate combination failed, trying %d/%d: %v", index, len(fallocFlags), err)
			continue
		}
		return err
	}
}
