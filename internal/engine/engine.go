//go:build !windows && !plan9

// Package engine wires the directory layer, tree walker, copy pipeline,
// metadata layer, hardlink table, and shared stats into a single Run.
// It implements walk.Visitor; the walker itself knows nothing about
// copying, metadata, or hardlinks.
package engine

import (
	"context"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"github.com/arsync-go/arsync/internal/arerrors"
	"github.com/arsync-go/arsync/internal/arlog"
	"github.com/arsync-go/arsync/internal/concurrency"
	"github.com/arsync-go/arsync/internal/config"
	"github.com/arsync-go/arsync/internal/copier"
	"github.com/arsync-go/arsync/internal/dirfs"
	"github.com/arsync-go/arsync/internal/hardlink"
	"github.com/arsync-go/arsync/internal/stats"
	"github.com/arsync-go/arsync/internal/walk"
)

const (
	defaultFileMode = 0o644
	defaultDirMode  = 0o755
)

// Engine is a single copy run bound to one set of Options.
type Engine struct {
	opts       config.Options
	controller *concurrency.Controller
	hardlinks  *hardlink.Table
	transfer   *copier.Transferer
	stats      *stats.Stats
	runID      uuid.UUID
	progress   *rate.Limiter

	srcDev uint64
	dstDev uint64
}

// New builds an Engine from opts. ArchiveShortcut and other policy
// shorthand are normalized once, up front, so every call site downstream
// sees the fully expanded policy.
func New(opts config.Options) *Engine {
	opts.Policy = opts.Policy.Normalize()

	ceiling, floor := int64(opts.MaxFilesInFlight), int64(opts.MinFilesInFlight)
	if opts.NoAdaptiveConcurrency {
		floor = ceiling
	}

	return &Engine{
		opts: opts,
		controller: concurrency.New(concurrency.Options{
			Ceiling:         ceiling,
			Floor:           floor,
			Step:            int64(opts.GrowthStep),
			GrowthThreshold: int64(opts.GrowthThreshold),
			BackoffInterval: opts.BackoffInterval,
		}),
		hardlinks: hardlink.NewTable(),
		transfer:  copier.NewTransferer(opts.BufferSizeKB << 10),
		runID:     uuid.New(),
		progress:  rate.NewLimiter(rate.Every(2*time.Second), 1),
	}
}

// Run walks opts.Source into opts.Destination and returns the accumulated
// stats. A non-nil error means a fatal, run-aborting condition (the
// source or destination root couldn't even be opened); per-entry failures
// are recorded into the returned Stats instead, and the caller derives the
// process exit code from Stats.ExitCode.
func (e *Engine) Run(ctx context.Context) (*stats.Stats, error) {
	e.stats = stats.NewStats(ctx)
	arlog.Infof(e.runID, "starting copy %s -> %s", e.opts.Source, e.opts.Destination)

	srcRoot, err := dirfs.OpenDirectory(e.opts.Source)
	if err != nil {
		return e.stats, e.stats.FatalError(err)
	}
	defer srcRoot.Close()

	if !e.opts.DryRun {
		if err := os.MkdirAll(e.opts.Destination, defaultDirMode); err != nil {
			return e.stats, e.stats.FatalError(arerrors.Classify(e.opts.Destination, "mkdir-root", err))
		}
	}
	dstRoot, err := dirfs.OpenDirectory(e.opts.Destination)
	if err != nil {
		if !e.opts.DryRun {
			return e.stats, e.stats.FatalError(err)
		}
		// A dry run against a destination that doesn't exist yet has no
		// directory to open; borrow the source root purely as a
		// recursion skeleton (every name the walker asks it to open
		// under dry-run necessarily already exists, since it came from
		// the source tree itself) so the report still covers the whole
		// tree instead of stopping at depth 0.
		dstRoot = srcRoot
	} else {
		defer dstRoot.Close()
	}

	if rootEntry, err := dstRoot.Stat(); err == nil {
		e.dstDev = rootEntry.Inode.Dev
	}
	if rootEntry, err := srcRoot.Stat(); err == nil {
		e.srcDev = rootEntry.Inode.Dev
	}

	w := walk.New(e, e.controller)
	if err := w.Run(ctx, srcRoot, dstRoot); err != nil {
		e.stats.Error(err)
	}

	arlog.Infof(e.runID, "finished: %s", e.stats.Summary())
	return e.stats, nil
}

// VisitDirectory creates (or, for a second run over an already-populated
// tree, confirms) the destination directory and returns a handle to
// recurse into. Under DryRun nothing is created; recursion only continues
// where a directory of that name can be opened under dstParent, which is
// the whole tree when Run borrowed the source root for a missing
// destination.
func (e *Engine) VisitDirectory(ctx context.Context, srcParent, dstParent *dirfs.DirectoryHandle, entry dirfs.Entry, depth int) (*dirfs.DirectoryHandle, bool, error) {
	if e.opts.OneFileSystem && entry.Inode.Dev != e.srcDev {
		arlog.Debugf(entry.Name, "skipping mount point (one-file-system)")
		return nil, false, nil
	}

	if e.opts.DryRun {
		arlog.Infof(entry.Name, "would create directory")
		child, err := dstParent.OpenDirectoryAt(entry.Name)
		if err != nil {
			return nil, false, nil
		}
		return child, true, nil
	}

	if err := dstParent.Mkdirat(entry.Name, defaultDirMode); err != nil {
		return nil, false, e.stats.Error(err)
	}
	e.stats.AddDirectory()
	child, err := dstParent.OpenDirectoryAt(entry.Name)
	if err != nil {
		return nil, false, e.stats.Error(err)
	}
	return child, true, nil
}

// FinalizeDirectory applies the directory's own metadata once every
// descendant has finished, since a child being written mutates the
// directory's own mtime.
func (e *Engine) FinalizeDirectory(ctx context.Context, srcDir, dstDir *dirfs.DirectoryHandle, depth int) error {
	if e.opts.DryRun {
		return nil
	}
	srcStat, err := srcDir.Stat()
	if err != nil {
		return e.stats.Error(err)
	}
	snap := e.snapshot(srcDir.Path(), srcStat, false)
	if err := xmetaApplyDir(dstDir, srcDir.Path(), snap, e.opts.Policy); err != nil {
		return e.stats.Error(err)
	}
	return nil
}

// VisitFile runs the full per-file copy pipeline: open source, resolve
// hardlink coalescing, create destination, preallocate, transfer, sync,
// apply metadata, close, and record stats.
func (e *Engine) VisitFile(ctx context.Context, srcParent, dstParent *dirfs.DirectoryHandle, entry dirfs.Entry, depth int) error {
	e.tickProgress()

	if e.opts.DryRun {
		arlog.Infof(entry.Name, "would copy %d bytes", entry.Size)
		e.stats.AddFile(entry.Size)
		return nil
	}

	dstPath := filepath.Join(dstParent.Path(), entry.Name)

	var coalescing bool
	if e.opts.Policy.PreserveHardlinks && entry.NLink > 1 {
		action, existing := e.hardlinks.Observe(entry.Inode)
		if action == hardlink.EmitLink {
			if err := dirfs.LinkPath(existing, dstPath); err != nil {
				return e.stats.Error(err)
			}
			e.stats.AddHardlink()
			return nil
		}
		coalescing = true
	}

	n, err := e.copyWithRetry(ctx, srcParent, dstParent, entry, depth)
	if coalescing {
		if err != nil {
			e.hardlinks.Complete(entry.Inode, "", err)
		} else {
			e.hardlinks.Complete(entry.Inode, dstPath, nil)
		}
	}
	if err != nil {
		return e.stats.Error(err)
	}
	e.stats.AddFile(n)
	return nil
}

// copyWithRetry runs copyOne, and on a resource-exhausted failure (EMFILE/
// ENFILE surfacing from the open calls below, not caught by the cheap stat
// the walker's own permit already reports) tells the controller to shrink
// and retries exactly once after its backoff interval elapses.
func (e *Engine) copyWithRetry(ctx context.Context, srcParent, dstParent *dirfs.DirectoryHandle, entry dirfs.Entry, depth int) (int64, error) {
	n, err := e.copyOne(ctx, srcParent, dstParent, entry, depth)
	if err == nil || !arerrors.IsResourceExhausted(err) {
		return n, err
	}
	e.controller.ReportResult(concurrency.ResourceExhausted)
	arlog.Debugf(entry.Name, "resource exhausted copying (%v), retrying once after backoff", err)
	select {
	case <-time.After(e.controller.BackoffInterval()):
	case <-ctx.Done():
		return n, arerrors.Cancelled(entry.Name)
	}
	return e.copyOne(ctx, srcParent, dstParent, entry, depth)
}

func (e *Engine) copyOne(ctx context.Context, srcParent, dstParent *dirfs.DirectoryHandle, entry dirfs.Entry, depth int) (int64, error) {
	srcFile, err := srcParent.OpenFileAt(entry.Name, unix.O_RDONLY|unix.O_NOFOLLOW, 0)
	if err != nil {
		return 0, err
	}
	defer srcFile.Close()

	dstFile, err := dstParent.OpenFileAt(entry.Name, unix.O_WRONLY|unix.O_CREAT|unix.O_TRUNC|unix.O_NOFOLLOW, 0o600)
	if err != nil {
		return 0, err
	}
	closed := false
	defer func() {
		if !closed {
			dstFile.Close()
		}
	}()

	if entry.Size >= e.opts.PreallocateThresholdBytes {
		if err := copier.Preallocate(entry.Size, dstFile); err != nil {
			arlog.Debugf(entry.Name, "preallocate skipped: %v", err)
		}
	}

	sameDevice := entry.Inode.Dev == e.dstDev
	method := copier.SelectMethod(e.opts, entry.Size, sameDevice, depth)
	chunkSize := int64(e.opts.BufferSizeKB) << 10
	if method == config.MethodParallelChunks {
		chunkSize = e.opts.ParallelChunkSizeMB << 20
	}

	n, err := e.transfer.Transfer(ctx, srcFile, dstFile, entry.Size, method, chunkSize)
	if err != nil {
		return n, err
	}

	if e.opts.Policy.FsyncOnClose {
		if err := copier.Sync(int(dstFile.Fd())); err != nil {
			arlog.Debugf(entry.Name, "sync failed: %v", err)
		}
	}

	snap := e.snapshot(filepath.Join(srcParent.Path(), entry.Name), entry, true)
	if err := applyFileMetadata(dstFile, snap, e.opts.Policy); err != nil {
		arlog.Debugf(entry.Name, "metadata apply failed: %v", err)
	}

	closed = true
	if err := dstFile.Close(); err != nil {
		return n, arerrors.Classify(dstFile.Name(), "close", err)
	}
	return n, nil
}

// VisitSymlink recreates a symlink with its literal target, then applies
// ownership and xattrs to the link itself.
func (e *Engine) VisitSymlink(ctx context.Context, srcParent, dstParent *dirfs.DirectoryHandle, entry dirfs.Entry, depth int) error {
	if e.opts.DryRun {
		e.stats.AddSymlink()
		return nil
	}
	target, err := srcParent.Readlinkat(entry.Name)
	if err != nil {
		return e.stats.Error(err)
	}
	if err := dstParent.Symlinkat(target, entry.Name); err != nil {
		return e.stats.Error(err)
	}
	snap := e.snapshot(filepath.Join(srcParent.Path(), entry.Name), entry, false)
	if e.opts.Policy.PreserveXattr {
		if x, err := xattrsFor(filepath.Join(srcParent.Path(), entry.Name), false); err == nil {
			snap.Xattr = x
		}
	}
	dstPath := filepath.Join(dstParent.Path(), entry.Name)
	if err := applySymlinkMetadata(dstParent.Fd(), entry.Name, dstPath, snap, e.opts.Policy); err != nil {
		arlog.Debugf(entry.Name, "symlink metadata apply failed: %v", err)
	}
	e.stats.AddSymlink()
	return nil
}

// VisitOther recreates a device, FIFO, or socket node when the policy asks
// for it, and otherwise skips the entry without counting it as an error.
func (e *Engine) VisitOther(ctx context.Context, srcParent, dstParent *dirfs.DirectoryHandle, entry dirfs.Entry, depth int) error {
	if !e.opts.Policy.PreserveDevices {
		arlog.Debugf(entry.Name, "skipping special file (device preservation disabled)")
		return nil
	}
	if e.opts.DryRun {
		e.stats.AddSpecial()
		return nil
	}

	mode := uint32(entry.Mode.Perm())
	switch entry.Kind {
	case dirfs.KindDevice:
		if entry.IsBlockDevice {
			mode |= syscall.S_IFBLK
		} else {
			mode |= syscall.S_IFCHR
		}
	case dirfs.KindFifo:
		mode |= syscall.S_IFIFO
	case dirfs.KindSocket:
		mode |= syscall.S_IFSOCK
	}
	if err := dstParent.Mknodat(entry.Name, mode, entry.Rdev); err != nil {
		return e.stats.Error(err)
	}
	if e.opts.Policy.PreserveOwner || e.opts.Policy.PreserveGroup {
		uid, gid := -1, -1
		if e.opts.Policy.PreserveOwner {
			uid = int(entry.Uid)
		}
		if e.opts.Policy.PreserveGroup {
			gid = int(entry.Gid)
		}
		if err := dstParent.FchownatNoFollow(entry.Name, uid, gid); err != nil {
			arlog.Debugf(entry.Name, "chown special file failed: %v", err)
		}
	}
	e.stats.AddSpecial()
	return nil
}

func (e *Engine) tickProgress() {
	if e.opts.Progress && e.progress.Allow() {
		arlog.Infof(e.runID, "%s", e.stats.Summary())
	}
}
