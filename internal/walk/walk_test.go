package walk

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arsync-go/arsync/internal/arerrors"
	"github.com/arsync-go/arsync/internal/concurrency"
	"github.com/arsync-go/arsync/internal/dirfs"
)

// recordingVisitor creates real destination directories (so recursion has
// somewhere to go) and records every file/symlink/other visit it sees.
type recordingVisitor struct {
	mu        sync.Mutex
	files     []string
	symlinks  []string
	failOn    string
	exhaustOn string
}

func (v *recordingVisitor) VisitDirectory(ctx context.Context, srcParent, dstParent *dirfs.DirectoryHandle, entry dirfs.Entry, depth int) (*dirfs.DirectoryHandle, bool, error) {
	if err := dstParent.Mkdirat(entry.Name, 0o755); err != nil {
		return nil, false, err
	}
	child, err := dstParent.OpenDirectoryAt(entry.Name)
	if err != nil {
		return nil, false, err
	}
	return child, true, nil
}

func (v *recordingVisitor) FinalizeDirectory(ctx context.Context, srcDir, dstDir *dirfs.DirectoryHandle, depth int) error {
	return nil
}

func (v *recordingVisitor) VisitFile(ctx context.Context, srcParent, dstParent *dirfs.DirectoryHandle, entry dirfs.Entry, depth int) error {
	if entry.Name == v.failOn {
		return errors.New("simulated failure for " + entry.Name)
	}
	if entry.Name == v.exhaustOn {
		return arerrors.Classify(entry.Name, "open", syscall.EMFILE)
	}
	v.mu.Lock()
	v.files = append(v.files, entry.Name)
	v.mu.Unlock()
	return nil
}

func (v *recordingVisitor) VisitSymlink(ctx context.Context, srcParent, dstParent *dirfs.DirectoryHandle, entry dirfs.Entry, depth int) error {
	v.mu.Lock()
	v.symlinks = append(v.symlinks, entry.Name)
	v.mu.Unlock()
	return nil
}

func (v *recordingVisitor) VisitOther(ctx context.Context, srcParent, dstParent *dirfs.DirectoryHandle, entry dirfs.Entry, depth int) error {
	return nil
}

// concurrentCountingVisitor sleeps briefly inside VisitFile and records the
// highest number of concurrently in-progress VisitFile calls it observed,
// so a test can tell whether the walker's concurrency gate actually covers
// the Visit* call or only the cheap stat before it.
type concurrentCountingVisitor struct {
	current int64
	peak    int64
}

func (v *concurrentCountingVisitor) VisitDirectory(ctx context.Context, srcParent, dstParent *dirfs.DirectoryHandle, entry dirfs.Entry, depth int) (*dirfs.DirectoryHandle, bool, error) {
	if err := dstParent.Mkdirat(entry.Name, 0o755); err != nil {
		return nil, false, err
	}
	child, err := dstParent.OpenDirectoryAt(entry.Name)
	if err != nil {
		return nil, false, err
	}
	return child, true, nil
}

func (v *concurrentCountingVisitor) FinalizeDirectory(ctx context.Context, srcDir, dstDir *dirfs.DirectoryHandle, depth int) error {
	return nil
}

func (v *concurrentCountingVisitor) VisitFile(ctx context.Context, srcParent, dstParent *dirfs.DirectoryHandle, entry dirfs.Entry, depth int) error {
	n := atomic.AddInt64(&v.current, 1)
	for {
		peak := atomic.LoadInt64(&v.peak)
		if n <= peak || atomic.CompareAndSwapInt64(&v.peak, peak, n) {
			break
		}
	}
	time.Sleep(20 * time.Millisecond)
	atomic.AddInt64(&v.current, -1)
	return nil
}

func (v *concurrentCountingVisitor) VisitSymlink(ctx context.Context, srcParent, dstParent *dirfs.DirectoryHandle, entry dirfs.Entry, depth int) error {
	return nil
}

func (v *concurrentCountingVisitor) VisitOther(ctx context.Context, srcParent, dstParent *dirfs.DirectoryHandle, entry dirfs.Entry, depth int) error {
	return nil
}

func TestWalkHoldsPermitThroughVisitFile(t *testing.T) {
	srcDir, _, src, dst := openRoots(t)
	for _, name := range []string{"a.txt", "b.txt", "c.txt", "d.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(srcDir, name), []byte("x"), 0o644))
	}

	v := &concurrentCountingVisitor{}
	controller := concurrency.New(concurrency.Options{Ceiling: 1, Floor: 1})
	w := New(v, controller)

	err := w.Run(context.Background(), src, dst)
	require.NoError(t, err)
	assert.LessOrEqual(t, atomic.LoadInt64(&v.peak), int64(1),
		"the controller permit must be held across the whole VisitFile call, not released before it")
}

func openRoots(t *testing.T) (srcDir, dstDir string, src, dst *dirfs.DirectoryHandle) {
	t.Helper()
	srcDir = t.TempDir()
	dstDir = t.TempDir()
	var err error
	src, err = dirfs.OpenDirectory(srcDir)
	require.NoError(t, err)
	dst, err = dirfs.OpenDirectory(dstDir)
	require.NoError(t, err)
	t.Cleanup(func() { src.Close(); dst.Close() })
	return srcDir, dstDir, src, dst
}

func TestWalkVisitsFilesAndSymlinks(t *testing.T) {
	srcDir, _, src, dst := openRoots(t)
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "a.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "b.txt"), []byte("y"), 0o644))
	require.NoError(t, os.Symlink("a.txt", filepath.Join(srcDir, "link")))
	require.NoError(t, os.Mkdir(filepath.Join(srcDir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "sub", "c.txt"), []byte("z"), 0o644))

	v := &recordingVisitor{}
	controller := concurrency.New(concurrency.Options{Ceiling: 8, Floor: 1})
	w := New(v, controller)

	err := w.Run(context.Background(), src, dst)
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"a.txt", "b.txt", "c.txt"}, v.files)
	assert.ElementsMatch(t, []string{"link"}, v.symlinks)
}

func TestWalkOneFailureDoesNotAbortSiblings(t *testing.T) {
	srcDir, _, src, dst := openRoots(t)
	for _, name := range []string{"a.txt", "b.txt", "c.txt", "d.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(srcDir, name), []byte("x"), 0o644))
	}

	v := &recordingVisitor{failOn: "b.txt"}
	controller := concurrency.New(concurrency.Options{Ceiling: 8, Floor: 1})
	w := New(v, controller)

	err := w.Run(context.Background(), src, dst)
	require.Error(t, err, "the aggregate subtree error must still be returned")

	assert.ElementsMatch(t, []string{"a.txt", "c.txt", "d.txt"}, v.files,
		"siblings of a failing entry must still complete, not be cancelled")
}

func TestWalkResourceExhaustedFromVisitShrinksController(t *testing.T) {
	srcDir, _, src, dst := openRoots(t)
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "a.txt"), []byte("x"), 0o644))

	v := &recordingVisitor{exhaustOn: "a.txt"}
	controller := concurrency.New(concurrency.Options{Ceiling: 32, Floor: 1})
	w := New(v, controller)

	err := w.Run(context.Background(), src, dst)
	require.Error(t, err)
	assert.Less(t, controller.CurrentLimit(), int64(32),
		"a resource-exhausted error from the Visit* call must reach the controller, not just errors from the stat before it")
}

func TestWalkEmptyDirectory(t *testing.T) {
	_, _, src, dst := openRoots(t)
	v := &recordingVisitor{}
	controller := concurrency.New(concurrency.Options{Ceiling: 4, Floor: 1})
	w := New(v, controller)

	err := w.Run(context.Background(), src, dst)
	require.NoError(t, err)
	assert.Empty(t, v.files)
}
