// Package walk implements the secure recursive tree walker: breadth-
// preferred descent via directory file descriptors, dispatching a task per
// entry under the shared adaptive concurrency controller. Destination
// directories are created before their children are processed, but
// children proceed concurrently; a directory's metadata is only finalized
// once every descendant task has completed.
package walk

import (
	"context"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/arsync-go/arsync/internal/arerrors"
	"github.com/arsync-go/arsync/internal/arlog"
	"github.com/arsync-go/arsync/internal/concurrency"
	"github.com/arsync-go/arsync/internal/dirfs"
)

// Visitor is the set of callbacks the walker invokes for each classified
// entry. Implementations live in internal/engine, which owns the copy
// pipeline, metadata layer, hardlink table, and stats; this package knows
// nothing about any of them.
type Visitor interface {
	// VisitDirectory is called before descending into a source
	// subdirectory. It must create (or confirm) the destination
	// directory and return the destination handle to recurse into, or
	// ok=false to skip recursion.
	VisitDirectory(ctx context.Context, srcParent, dstParent *dirfs.DirectoryHandle, entry dirfs.Entry, depth int) (dstDir *dirfs.DirectoryHandle, ok bool, err error)

	// FinalizeDirectory is called once every descendant task of dir has
	// completed, to apply the directory's own metadata.
	FinalizeDirectory(ctx context.Context, srcDir, dstDir *dirfs.DirectoryHandle, depth int) error

	// VisitFile handles a regular file entry.
	VisitFile(ctx context.Context, srcParent, dstParent *dirfs.DirectoryHandle, entry dirfs.Entry, depth int) error

	// VisitSymlink handles a symlink entry.
	VisitSymlink(ctx context.Context, srcParent, dstParent *dirfs.DirectoryHandle, entry dirfs.Entry, depth int) error

	// VisitOther handles device/fifo/socket entries.
	VisitOther(ctx context.Context, srcParent, dstParent *dirfs.DirectoryHandle, entry dirfs.Entry, depth int) error
}

// Walker drives the traversal; Visitor supplies the per-entry behavior.
type Walker struct {
	Visitor Visitor
	Controller *concurrency.Controller
}

// New returns a Walker bound to visitor and gated by controller.
func New(visitor Visitor, controller *concurrency.Controller) *Walker {
	return &Walker{Visitor: visitor, Controller: controller}
}

// Run walks srcRoot, mirroring into dstRoot.
func (w *Walker) Run(ctx context.Context, srcRoot, dstRoot *dirfs.DirectoryHandle) error {
	return w.walkDir(ctx, srcRoot, dstRoot, 0)
}

// walkDir fans a goroutine out per entry and waits for all of them, then
// finalizes the directory. A failure in one entry's subtree is recorded
// into a single aggregate error for this directory and never cancels its
// siblings — fan-out concurrency is bounded by the shared Controller, not
// by an errgroup, precisely so one failing branch can't starve or abort
// unrelated ones sharing the same parent.
func (w *Walker) walkDir(ctx context.Context, srcDir, dstDir *dirfs.DirectoryHandle, depth int) error {
	names, err := srcDir.ReadDir()
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	var errs *multierror.Error
	for _, name := range names {
		name := name
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.dispatch(ctx, srcDir, dstDir, name, depth); err != nil {
				mu.Lock()
				errs = multierror.Append(errs, err)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if err := w.Visitor.FinalizeDirectory(ctx, srcDir, dstDir, depth); err != nil {
		errs = multierror.Append(errs, err)
	}
	return errs.ErrorOrNil()
}

// dispatch holds one controller permit across the entire per-entry
// handler — stat, the Visit* call, and (for a directory) the destination
// open — releasing it on every exit path exactly once. This is what lets
// the controller gate the actual descriptor pressure (the copy pipeline's
// open source/destination files), not just the cheap stat that used to be
// the only thing scoped under the permit.
func (w *Walker) dispatch(ctx context.Context, srcDir, dstDir *dirfs.DirectoryHandle, name string, depth int) error {
	permit, err := w.Controller.Acquire(ctx)
	if err != nil {
		return arerrors.Cancelled(name)
	}
	releasePermit := true
	defer func() {
		if releasePermit {
			permit.Release()
		}
	}()

	entry, err := srcDir.StatAt(name)
	if err != nil {
		w.reportOutcome(err)
		arlog.Debugf(name, "stat failed: %v", err)
		return err
	}

	switch entry.Kind {
	case dirfs.KindDirectory:
		childDst, ok, err := w.Visitor.VisitDirectory(ctx, srcDir, dstDir, entry, depth)
		if err != nil {
			w.reportOutcome(err)
			return err
		}
		if !ok {
			w.reportOutcome(nil)
			return nil
		}
		childSrc, err := srcDir.OpenDirectoryAt(name)
		if err != nil {
			w.reportOutcome(err)
			return err
		}
		// The directory entry's own handler is done once its child
		// handle is open; release the permit before recursing so the
		// subtree's own entries acquire their own permits instead of
		// being starved behind this one (holding it through the
		// recursion would deadlock once current-limit reaches 1).
		w.reportOutcome(nil)
		releasePermit = false
		permit.Release()
		defer childSrc.Close()
		defer childDst.Close()
		return w.walkDir(ctx, childSrc, childDst, depth+1)
	case dirfs.KindSymlink:
		err := w.Visitor.VisitSymlink(ctx, srcDir, dstDir, entry, depth)
		w.reportOutcome(err)
		return err
	case dirfs.KindFile:
		err := w.Visitor.VisitFile(ctx, srcDir, dstDir, entry, depth)
		w.reportOutcome(err)
		return err
	default:
		err := w.Visitor.VisitOther(ctx, srcDir, dstDir, entry, depth)
		w.reportOutcome(err)
		return err
	}
}

// reportOutcome tells the controller whether the just-finished operation
// hit resource exhaustion, given the error it returned (nil counts as
// Success).
func (w *Walker) reportOutcome(err error) {
	if arerrors.IsResourceExhausted(err) {
		w.Controller.ReportResult(concurrency.ResourceExhausted)
	} else {
		w.Controller.ReportResult(concurrency.Success)
	}
}
