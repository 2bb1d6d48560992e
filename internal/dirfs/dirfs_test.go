package dirfs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestOpenDirectoryAndReadDir(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("hi"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(root, "sub"), 0o755))

	d, err := OpenDirectory(root)
	require.NoError(t, err)
	defer d.Close()

	names, err := d.ReadDir()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a.txt", "sub"}, names)
}

func TestOpenDirectoryRejectsNonDirectory(t *testing.T) {
	root := t.TempDir()
	file := filepath.Join(root, "f")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	_, err := OpenDirectory(file)
	assert.Error(t, err)
}

func TestMkdiratIsIdempotent(t *testing.T) {
	root := t.TempDir()
	d, err := OpenDirectory(root)
	require.NoError(t, err)
	defer d.Close()

	require.NoError(t, d.Mkdirat("child", 0o755))
	assert.NoError(t, d.Mkdirat("child", 0o755), "mkdirat on an existing directory of the same name must succeed")
}

func TestMkdiratRejectsExistingFile(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "child"), []byte("x"), 0o644))
	d, err := OpenDirectory(root)
	require.NoError(t, err)
	defer d.Close()

	assert.Error(t, d.Mkdirat("child", 0o755))
}

func TestOpenFileAtAndStatAt(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("hello"), 0o644))

	d, err := OpenDirectory(root)
	require.NoError(t, err)
	defer d.Close()

	entry, err := d.StatAt("a.txt")
	require.NoError(t, err)
	assert.Equal(t, KindFile, entry.Kind)
	assert.EqualValues(t, 5, entry.Size)

	f, err := d.OpenFileAt("a.txt", unix.O_RDONLY, 0)
	require.NoError(t, err)
	defer f.Close()
	buf := make([]byte, 5)
	n, err := f.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))
}

func TestSymlinkatAndReadlinkat(t *testing.T) {
	root := t.TempDir()
	d, err := OpenDirectory(root)
	require.NoError(t, err)
	defer d.Close()

	require.NoError(t, d.Symlinkat("target.txt", "link"))
	entry, err := d.StatAt("link")
	require.NoError(t, err)
	assert.Equal(t, KindSymlink, entry.Kind)

	target, err := d.Readlinkat("link")
	require.NoError(t, err)
	assert.Equal(t, "target.txt", target)
}

func TestLinkatCreatesSecondName(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a"), []byte("x"), 0o644))
	d, err := OpenDirectory(root)
	require.NoError(t, err)
	defer d.Close()

	require.NoError(t, d.Linkat("a", d, "b"))
	entryA, err := d.StatAt("a")
	require.NoError(t, err)
	entryB, err := d.StatAt("b")
	require.NoError(t, err)
	assert.Equal(t, entryA.Inode, entryB.Inode)
	assert.GreaterOrEqual(t, entryB.NLink, uint64(2))
}

func TestLinkPathAcrossPaths(t *testing.T) {
	root := t.TempDir()
	oldPath := filepath.Join(root, "a")
	newPath := filepath.Join(root, "b")
	require.NoError(t, os.WriteFile(oldPath, []byte("x"), 0o644))

	require.NoError(t, LinkPath(oldPath, newPath))

	stA, err := os.Stat(oldPath)
	require.NoError(t, err)
	stB, err := os.Stat(newPath)
	require.NoError(t, err)
	assert.True(t, os.SameFile(stA, stB))
}

func TestValidateNameRejectsSeparatorsAndDotdot(t *testing.T) {
	root := t.TempDir()
	d, err := OpenDirectory(root)
	require.NoError(t, err)
	defer d.Close()

	for _, bad := range []string{"", ".", "..", "a/b"} {
		_, err := d.OpenDirectoryAt(bad)
		assert.Error(t, err, "name %q must be rejected", bad)
	}
}

func TestUnlinkat(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a"), []byte("x"), 0o644))
	d, err := OpenDirectory(root)
	require.NoError(t, err)
	defer d.Close()

	require.NoError(t, d.Unlinkat("a", false))
	_, err = d.StatAt("a")
	assert.Error(t, err)
}

func TestDirectoryHandleStatMatchesOwnMetadata(t *testing.T) {
	root := t.TempDir()
	d, err := OpenDirectory(root)
	require.NoError(t, err)
	defer d.Close()

	entry, err := d.Stat()
	require.NoError(t, err)
	assert.Equal(t, KindDirectory, entry.Kind)
}
