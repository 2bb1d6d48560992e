// Package stats implements the shared, lock-free run statistics: seven
// monotonic counters updated with sync/atomic, plus the
// last-error/fatal-error tracking the engine needs to decide the process
// exit code.
package stats

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"

	"github.com/arsync-go/arsync/internal/arerrors"
)

// Stats is the lock-free progress/stats accounting block shared by every
// worker. All counters only ever increase.
type Stats struct {
	ctx context.Context

	filesCopied     int64
	directoriesMade int64
	bytesCopied     int64
	symlinksDone    int64
	hardlinksDone   int64
	specialDone     int64
	errorCount      int64

	mu         sync.Mutex
	lastError  error
	fatalError bool
	retryError bool
}

// NewStats returns a fresh, zeroed Stats bound to ctx. ctx is retained for
// future cancellation-aware accounting; no value is read from it today.
func NewStats(ctx context.Context) *Stats {
	return &Stats{ctx: ctx}
}

// AddFile records one completed regular-file copy of n bytes.
func (s *Stats) AddFile(n int64) {
	atomic.AddInt64(&s.filesCopied, 1)
	atomic.AddInt64(&s.bytesCopied, n)
}

// AddDirectory records one created destination directory.
func (s *Stats) AddDirectory() {
	atomic.AddInt64(&s.directoriesMade, 1)
}

// AddSymlink records one created destination symlink.
func (s *Stats) AddSymlink() {
	atomic.AddInt64(&s.symlinksDone, 1)
}

// AddHardlink records one linkat emitted against an already-written
// destination.
func (s *Stats) AddHardlink() {
	atomic.AddInt64(&s.hardlinksDone, 1)
}

// AddSpecial records one created device, FIFO, or socket node.
func (s *Stats) AddSpecial() {
	atomic.AddInt64(&s.specialDone, 1)
}

// GetFilesCopied returns the files-copied counter.
func (s *Stats) GetFilesCopied() int64 { return atomic.LoadInt64(&s.filesCopied) }

// GetDirectoriesCreated returns the directories-created counter.
func (s *Stats) GetDirectoriesCreated() int64 { return atomic.LoadInt64(&s.directoriesMade) }

// GetBytesCopied returns the bytes-copied counter.
func (s *Stats) GetBytesCopied() int64 { return atomic.LoadInt64(&s.bytesCopied) }

// GetSymlinksProcessed returns the symlinks-processed counter.
func (s *Stats) GetSymlinksProcessed() int64 { return atomic.LoadInt64(&s.symlinksDone) }

// GetHardlinksEmitted returns the hardlinks-emitted counter.
func (s *Stats) GetHardlinksEmitted() int64 { return atomic.LoadInt64(&s.hardlinksDone) }

// GetSpecialCreated returns the device/FIFO/socket counter.
func (s *Stats) GetSpecialCreated() int64 { return atomic.LoadInt64(&s.specialDone) }

// GetErrors returns the errors counter.
func (s *Stats) GetErrors() int64 { return atomic.LoadInt64(&s.errorCount) }

// Error records a per-entry error and always increments the errors
// counter. A Cancelled error additionally marks the run fatal, since
// cancellation means the caller is giving up on the whole tree, not just
// this one entry. A nil err is a no-op.
func (s *Stats) Error(err error) error {
	if err == nil {
		return nil
	}
	atomic.AddInt64(&s.errorCount, 1)
	s.mu.Lock()
	s.lastError = err
	s.retryError = true
	var classified *arerrors.Error
	if ae, ok := err.(*arerrors.Error); ok {
		classified = ae
	}
	if classified != nil && classified.Kind == arerrors.KindCancelled {
		s.fatalError = true
	}
	s.mu.Unlock()
	return err
}

// FatalError records a fatal error. It always increments the error counter.
func (s *Stats) FatalError(err error) error {
	if err == nil {
		return nil
	}
	atomic.AddInt64(&s.errorCount, 1)
	s.mu.Lock()
	s.lastError = err
	s.fatalError = true
	s.retryError = true
	s.mu.Unlock()
	return err
}

// HadFatalError reports whether FatalError (or a Cancelled error) was ever
// recorded.
func (s *Stats) HadFatalError() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fatalError
}

// HadRetryError reports whether any error was ever recorded.
func (s *Stats) HadRetryError() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retryError
}

// GetLastError returns the most recently recorded error, or nil.
func (s *Stats) GetLastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastError
}

// ExitCode derives the process exit code of from the accumulated state.
func (s *Stats) ExitCode() int {
	if s.HadFatalError() {
		return 3
	}
	if s.GetErrors() > 0 {
		return 1
	}
	return 0
}

// Summary renders a one-line human-readable progress/summary string, e.g.
// for --progress output, using the same "humanize a byte count for an
// operator" concern moby solves with go-humanize for image/layer sizes.
func (s *Stats) Summary() string {
	return fmt.Sprintf(
		"files=%d dirs=%d links=%d hardlinks=%d special=%d bytes=%s errors=%d",
		s.GetFilesCopied(),
		s.GetDirectoriesCreated(),
		s.GetSymlinksProcessed(),
		s.GetHardlinksEmitted(),
		s.GetSpecialCreated(),
		humanize.Bytes(uint64(s.GetBytesCopied())),
		s.GetErrors(),
	)
}
