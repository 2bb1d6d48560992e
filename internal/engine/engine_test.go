package engine

import (
	"context"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arsync-go/arsync/internal/config"
)

func newTestOpts(t *testing.T, src, dst string) config.Options {
	t.Helper()
	opts := config.Default()
	opts.Source = src
	opts.Destination = dst
	opts.MaxFilesInFlight = 8
	opts.MinFilesInFlight = 1
	return opts
}

func TestRunCopiesFilesDirectoriesAndSymlinks(t *testing.T) {
	src := t.TempDir()
	dst := filepath.Join(t.TempDir(), "out")

	require.NoError(t, os.WriteFile(filepath.Join(src, "a.txt"), []byte("Hello, World!"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(src, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "sub", "b.bin"), make([]byte, 256), 0o644))
	require.NoError(t, os.Symlink("a.txt", filepath.Join(src, "link")))

	opts := newTestOpts(t, src, dst)
	e := New(opts)
	st, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, st.ExitCode())
	assert.EqualValues(t, 2, st.GetFilesCopied())
	assert.EqualValues(t, 1, st.GetSymlinksProcessed())

	gotA, err := os.ReadFile(filepath.Join(dst, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "Hello, World!", string(gotA))

	gotB, err := os.ReadFile(filepath.Join(dst, "sub", "b.bin"))
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 256), gotB)

	linkTarget, err := os.Readlink(filepath.Join(dst, "link"))
	require.NoError(t, err)
	assert.Equal(t, "a.txt", linkTarget)
}

func TestRunEmptyFile(t *testing.T) {
	src := t.TempDir()
	dst := filepath.Join(t.TempDir(), "out")
	require.NoError(t, os.WriteFile(filepath.Join(src, "empty"), nil, 0o644))

	opts := newTestOpts(t, src, dst)
	e := New(opts)
	st, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, st.GetFilesCopied())
	assert.EqualValues(t, 0, st.GetBytesCopied())

	got, err := os.ReadFile(filepath.Join(dst, "empty"))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRunHardlinkPairCoalesces(t *testing.T) {
	src := t.TempDir()
	dst := filepath.Join(t.TempDir(), "out")
	require.NoError(t, os.WriteFile(filepath.Join(src, "file1"), []byte("shared"), 0o644))
	require.NoError(t, os.Link(filepath.Join(src, "file1"), filepath.Join(src, "file2")))

	opts := newTestOpts(t, src, dst)
	opts.Policy.PreserveHardlinks = true
	e := New(opts)
	st, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, st.GetFilesCopied())
	assert.EqualValues(t, 1, st.GetHardlinksEmitted())

	st1, err := os.Stat(filepath.Join(dst, "file1"))
	require.NoError(t, err)
	st2, err := os.Stat(filepath.Join(dst, "file2"))
	require.NoError(t, err)
	assert.True(t, os.SameFile(st1, st2))
}

func TestRunDryRunDoesNotTouchDestination(t *testing.T) {
	src := t.TempDir()
	dst := filepath.Join(t.TempDir(), "out")
	require.NoError(t, os.WriteFile(filepath.Join(src, "a.txt"), []byte("x"), 0o644))

	opts := newTestOpts(t, src, dst)
	opts.DryRun = true
	e := New(opts)
	st, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, st.GetFilesCopied())

	_, statErr := os.Stat(dst)
	assert.True(t, os.IsNotExist(statErr), "dry run must never create the destination root")
}

func TestRunDanglingSymlinkIsRecreatedNotFollowed(t *testing.T) {
	src := t.TempDir()
	dst := filepath.Join(t.TempDir(), "out")
	require.NoError(t, os.Symlink("does-not-exist", filepath.Join(src, "dangling")))

	opts := newTestOpts(t, src, dst)
	e := New(opts)
	st, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, st.GetSymlinksProcessed())
	assert.EqualValues(t, 0, st.GetErrors())

	target, err := os.Readlink(filepath.Join(dst, "dangling"))
	require.NoError(t, err)
	assert.Equal(t, "does-not-exist", target)
}

func TestRunSelfReferentialSymlinkIsRecreatedLiterally(t *testing.T) {
	src := t.TempDir()
	dst := filepath.Join(t.TempDir(), "out")
	require.NoError(t, os.Symlink("loop", filepath.Join(src, "loop")))

	opts := newTestOpts(t, src, dst)
	e := New(opts)
	st, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, st.GetSymlinksProcessed())

	target, err := os.Readlink(filepath.Join(dst, "loop"))
	require.NoError(t, err)
	assert.Equal(t, "loop", target)
}

func TestRunPreservesOwnershipWhenPrivileged(t *testing.T) {
	if os.Geteuid() != 0 {
		t.Skip("chown to an arbitrary uid/gid requires root")
	}
	src := t.TempDir()
	dst := filepath.Join(t.TempDir(), "out")
	path := filepath.Join(src, "f")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	const wantUID, wantGID = 1, 1
	require.NoError(t, os.Chown(path, wantUID, wantGID))

	opts := newTestOpts(t, src, dst)
	opts.Policy.PreserveOwner = true
	opts.Policy.PreserveGroup = true
	e := New(opts)
	_, err := e.Run(context.Background())
	require.NoError(t, err)

	st, err := os.Stat(filepath.Join(dst, "f"))
	require.NoError(t, err)
	sysStat := st.Sys().(*syscall.Stat_t)
	assert.EqualValues(t, wantUID, sysStat.Uid)
	assert.EqualValues(t, wantGID, sysStat.Gid)
}

func TestRunOneFileSystemDoesNotAffectSingleDeviceTree(t *testing.T) {
	src := t.TempDir()
	dst := filepath.Join(t.TempDir(), "out")
	require.NoError(t, os.Mkdir(filepath.Join(src, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "sub", "a.txt"), []byte("x"), 0o644))

	opts := newTestOpts(t, src, dst)
	opts.OneFileSystem = true
	e := New(opts)
	st, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, st.GetFilesCopied())

	got, err := os.ReadFile(filepath.Join(dst, "sub", "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "x", string(got))
}

func TestRunFatalErrorOnMissingSource(t *testing.T) {
	opts := newTestOpts(t, filepath.Join(t.TempDir(), "does-not-exist"), filepath.Join(t.TempDir(), "out"))
	e := New(opts)
	_, err := e.Run(context.Background())
	assert.Error(t, err)
}
