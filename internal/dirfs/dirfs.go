//go:build !windows && !plan9

// Package dirfs is the secure directory layer: it binds every
// lookup to a directory file descriptor captured at descent time, so a
// TOCTOU substitution of a path component after the initial stat can never
// redirect a later operation. Apart from OpenDirectory (which opens a root
// by path) and LinkPath (see its comment), every exported operation is
// directory-relative (an "*at" syscall). The final path component is not
// followed as a symlink, except by FchmodatFollow and by OpenFileAt when
// the caller's flags omit O_NOFOLLOW.
package dirfs

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/arsync-go/arsync/internal/arerrors"
)

// DirectoryHandle is an opaque handle owning a kernel directory descriptor
// and a remembered absolute path kept for diagnostics only — operations
// never re-resolve by path, only by descriptor.
type DirectoryHandle struct {
	fd      int
	path    string // diagnostics only
	closeMu sync.Mutex
	closed  bool
}

// InodeKey is the (device-id, inode-number) pair identifying a filesystem
// object independent of its path.
type InodeKey struct {
	Dev uint64
	Ino uint64
}

// EntryKind classifies a directory entry.
type EntryKind int

const (
	KindUnknown EntryKind = iota
	KindFile
	KindDirectory
	KindSymlink
	KindDevice
	KindFifo
	KindSocket
)

// Entry is one result of reading and stat-ing a directory, no-follow. The
// timestamps are captured from the same stat call that classified the
// entry, so a later metadata-preservation step never needs to re-resolve
// the name (and re-open the same TOCTOU window this package exists to
// close).
type Entry struct {
	Name          string
	Kind          EntryKind
	Size          int64
	Mode          os.FileMode
	Inode         InodeKey
	NLink         uint64
	Uid           uint32
	Gid           uint32
	IsBlockDevice bool // only meaningful when Kind == KindDevice
	Rdev  uint64
	Atime time.Time
	Mtime time.Time
}

// validateName enforces "name must be a single path component".
func validateName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsRune(name, '/') {
		return arerrors.InvalidName(name)
	}
	return nil
}

// OpenDirectory opens path with the "directory, no-follow-final-symlink"
// policy and returns a live DirectoryHandle.
func OpenDirectory(path string) (*DirectoryHandle, error) {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_NOFOLLOW|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, arerrors.Classify(path, "open-directory", err)
	}
	return &DirectoryHandle{fd: fd, path: path}, nil
}

// OpenDirectoryAt opens name, relative to dir, as a subdirectory handle.
// name must be a single path component.
func (d *DirectoryHandle) OpenDirectoryAt(name string) (*DirectoryHandle, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	fd, err := unix.Openat(d.fd, name, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_NOFOLLOW|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, arerrors.Classify(d.childPath(name), "openat-directory", err)
	}
	return &DirectoryHandle{fd: fd, path: d.childPath(name)}, nil
}

// Fd returns the raw descriptor, for use with unix.* calls this package
// doesn't itself wrap (fallocate, fadvise, copy_file_range live in
// internal/copier and take an *os.File derived from OpenFileAt).
func (d *DirectoryHandle) Fd() int { return d.fd }

// Path returns the diagnostic-only remembered path.
func (d *DirectoryHandle) Path() string { return d.path }

func (d *DirectoryHandle) childPath(name string) string {
	if d.path == "" {
		return name
	}
	return d.path + "/" + name
}

// Close releases the descriptor. Safe to call more than once.
func (d *DirectoryHandle) Close() error {
	d.closeMu.Lock()
	defer d.closeMu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	return unix.Close(d.fd)
}

// OpenFileAt opens name relative to d with the given flags, passed to
// openat unchanged: the final component is followed as a symlink unless
// flags include O_NOFOLLOW. The engine's copy path always includes it.
func (d *DirectoryHandle) OpenFileAt(name string, flags int, mode uint32) (*os.File, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	fd, err := unix.Openat(d.fd, name, flags, mode)
	if err != nil {
		return nil, arerrors.Classify(d.childPath(name), "openat", err)
	}
	return os.NewFile(uintptr(fd), d.childPath(name)), nil
}

// Stat stats the directory itself, for applying its own metadata once its
// children are done.
func (d *DirectoryHandle) Stat() (Entry, error) {
	var st unix.Stat_t
	if err := unix.Fstat(d.fd, &st); err != nil {
		return Entry{}, arerrors.Classify(d.path, "fstat", err)
	}
	return entryFromStat(d.path, &st), nil
}

// StatAt stats name relative to d without following a final symlink,
// classifying the entry.
func (d *DirectoryHandle) StatAt(name string) (Entry, error) {
	if err := validateName(name); err != nil {
		return Entry{}, err
	}
	var st unix.Stat_t
	if err := unix.Fstatat(d.fd, name, &st, unix.AT_SYMLINK_NOFOLLOW); err != nil {
		return Entry{}, arerrors.Classify(d.childPath(name), "fstatat", err)
	}
	return entryFromStat(name, &st), nil
}

func entryFromStat(name string, st *unix.Stat_t) Entry {
	e := Entry{
		Name:  name,
		Size:  st.Size,
		Mode:  os.FileMode(st.Mode & 0o777),
		Inode: InodeKey{Dev: uint64(st.Dev), Ino: uint64(st.Ino)},
		NLink: uint64(st.Nlink),
		Uid:   st.Uid,
		Gid:   st.Gid,
		Rdev:  uint64(st.Rdev),
		Atime: time.Unix(st.Atim.Sec, st.Atim.Nsec),
		Mtime: time.Unix(st.Mtim.Sec, st.Mtim.Nsec),
	}
	// os.FileMode keeps setuid/setgid/sticky as its own flag bits, not at
	// their raw unix positions.
	if st.Mode&syscall.S_ISUID != 0 {
		e.Mode |= os.ModeSetuid
	}
	if st.Mode&syscall.S_ISGID != 0 {
		e.Mode |= os.ModeSetgid
	}
	if st.Mode&syscall.S_ISVTX != 0 {
		e.Mode |= os.ModeSticky
	}
	switch st.Mode & syscall.S_IFMT {
	case syscall.S_IFDIR:
		e.Kind = KindDirectory
	case syscall.S_IFLNK:
		e.Kind = KindSymlink
	case syscall.S_IFREG:
		e.Kind = KindFile
	case syscall.S_IFCHR:
		e.Kind = KindDevice
	case syscall.S_IFBLK:
		e.Kind = KindDevice
		e.IsBlockDevice = true
	case syscall.S_IFIFO:
		e.Kind = KindFifo
	case syscall.S_IFSOCK:
		e.Kind = KindSocket
	default:
		e.Kind = KindUnknown
	}
	return e
}

// ReadDir reads every entry of d, skipping "." and "..", without
// re-resolving by path (uses os.File's Readdirnames, which issues
// getdents on an fd dup'd from d's kept descriptor).
func (d *DirectoryHandle) ReadDir() ([]string, error) {
	// os.File takes ownership of a dup'd fd so the original descriptor
	// (and this handle's invariant that it stays open) is unaffected.
	dupFd, err := unix.Dup(d.fd)
	if err != nil {
		return nil, arerrors.Classify(d.path, "dup", err)
	}
	f := os.NewFile(uintptr(dupFd), d.path)
	defer f.Close()
	names, err := f.Readdirnames(-1)
	if err != nil {
		return nil, arerrors.Classify(d.path, "readdirnames", err)
	}
	out := names[:0]
	for _, n := range names {
		if n == "." || n == ".." {
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

// Mknodat creates a device, FIFO, or socket node named name under d.
// mode must include the S_IF* type bits (e.g. via syscall.S_IFCHR); dev is
// only meaningful for device nodes.
func (d *DirectoryHandle) Mknodat(name string, mode uint32, dev uint64) error {
	if err := validateName(name); err != nil {
		return err
	}
	if err := unix.Mknodat(d.fd, name, mode, int(dev)); err != nil {
		return arerrors.Classify(d.childPath(name), "mknodat", err)
	}
	return nil
}

// Mkdirat creates name as a subdirectory of d with the given mode. It
// returns nil (success) if the directory already exists.
func (d *DirectoryHandle) Mkdirat(name string, mode uint32) error {
	if err := validateName(name); err != nil {
		return err
	}
	err := unix.Mkdirat(d.fd, name, mode)
	if err != nil {
		if err == unix.EEXIST {
			if st, statErr := d.StatAt(name); statErr == nil && st.Kind == KindDirectory {
				return nil
			}
		}
		return arerrors.Classify(d.childPath(name), "mkdirat", err)
	}
	return nil
}

// Symlinkat creates a symlink named name under d whose target is the
// literal byte string target (never re-validated or escaped).
func (d *DirectoryHandle) Symlinkat(target, name string) error {
	if err := validateName(name); err != nil {
		return err
	}
	if err := unix.Symlinkat(target, d.fd, name); err != nil {
		return arerrors.Classify(d.childPath(name), "symlinkat", err)
	}
	return nil
}

// Readlinkat reads the literal target of the symlink name under d.
func (d *DirectoryHandle) Readlinkat(name string) (string, error) {
	if err := validateName(name); err != nil {
		return "", err
	}
	buf := make([]byte, 1024)
	for {
		n, err := unix.Readlinkat(d.fd, name, buf)
		if err != nil {
			return "", arerrors.Classify(d.childPath(name), "readlinkat", err)
		}
		if n < len(buf) {
			return string(buf[:n]), nil
		}
		buf = make([]byte, len(buf)*2)
	}
}

// Linkat creates a hard link named newName under newDir pointing at the
// object named oldName under d. Both names must still be open and
// resolvable through live directory handles.
func (d *DirectoryHandle) Linkat(oldName string, newDir *DirectoryHandle, newName string) error {
	if err := validateName(oldName); err != nil {
		return err
	}
	if err := validateName(newName); err != nil {
		return err
	}
	if err := unix.Linkat(d.fd, oldName, newDir.fd, newName, 0); err != nil {
		return arerrors.Classify(newDir.childPath(newName), "linkat", err)
	}
	return nil
}

// LinkPath creates a hard link from oldPath to newPath by full path rather
// than through a directory handle. The hardlink coalescer only ever calls
// this against a destination path this process itself just created, so
// the TOCTOU concern that motivates directory-relative lookups elsewhere
// doesn't apply: by the time a second observer of the same source inode
// runs, the first observer's destination directory handle may already be
// closed, and there is no untrusted component left to race.
func LinkPath(oldPath, newPath string) error {
	if err := unix.Link(oldPath, newPath); err != nil {
		return arerrors.Classify(newPath, "link", err)
	}
	return nil
}

// Renameat renames oldName under d to newName under newDir.
func (d *DirectoryHandle) Renameat(oldName string, newDir *DirectoryHandle, newName string) error {
	if err := validateName(oldName); err != nil {
		return err
	}
	if err := validateName(newName); err != nil {
		return err
	}
	if err := unix.Renameat(d.fd, oldName, newDir.fd, newName); err != nil {
		return arerrors.Classify(newDir.childPath(newName), "renameat", err)
	}
	return nil
}

// Unlinkat removes name under d. If isDir, it removes an (empty) directory
// instead of a file.
func (d *DirectoryHandle) Unlinkat(name string, isDir bool) error {
	if err := validateName(name); err != nil {
		return err
	}
	flags := 0
	if isDir {
		flags = unix.AT_REMOVEDIR
	}
	if err := unix.Unlinkat(d.fd, name, flags); err != nil {
		return arerrors.Classify(d.childPath(name), "unlinkat", err)
	}
	return nil
}

// FchownatNoFollow sets ownership on name under d without following a
// trailing symlink.
func (d *DirectoryHandle) FchownatNoFollow(name string, uid, gid int) error {
	if err := validateName(name); err != nil {
		return err
	}
	if err := unix.Fchownat(d.fd, name, uid, gid, unix.AT_SYMLINK_NOFOLLOW); err != nil {
		return arerrors.Classify(d.childPath(name), "fchownat", err)
	}
	return nil
}

// FchmodatNoFollow attempts a no-follow chmod. Most Linux filesystems
// return ENOTSUP for fchmodat with AT_SYMLINK_NOFOLLOW against a symlink;
// callers should only invoke this against non-symlink entries. This
// module has no chmod helper for symlinks; symlink modes are not set.
func (d *DirectoryHandle) FchmodatNoFollow(name string, mode uint32) error {
	if err := validateName(name); err != nil {
		return err
	}
	if err := unix.Fchmodat(d.fd, name, mode, unix.AT_SYMLINK_NOFOLLOW); err != nil {
		return arerrors.Classify(d.childPath(name), "fchmodat", err)
	}
	return nil
}

// FchmodatFollow applies mode following any symlink (used for regular
// files and directories, where no-follow fchmodat is unsupported on Linux
// anyway).
func (d *DirectoryHandle) FchmodatFollow(name string, mode uint32) error {
	if err := validateName(name); err != nil {
		return err
	}
	if err := unix.Fchmodat(d.fd, name, mode, 0); err != nil {
		return arerrors.Classify(d.childPath(name), "fchmodat", err)
	}
	return nil
}

// UtimesatNoFollow sets atime/mtime on name under d without following a
// trailing symlink.
func (d *DirectoryHandle) UtimesatNoFollow(name string, atimeNsec, mtimeNsec int64) error {
	if err := validateName(name); err != nil {
		return err
	}
	utimes := [2]unix.Timespec{
		unix.NsecToTimespec(atimeNsec),
		unix.NsecToTimespec(mtimeNsec),
	}
	if err := unix.UtimesNanoAt(d.fd, name, utimes[:], unix.AT_SYMLINK_NOFOLLOW); err != nil {
		return arerrors.Classify(d.childPath(name), "utimensat", err)
	}
	return nil
}

func (d *DirectoryHandle) String() string {
	return fmt.Sprintf("dirfs(%s)", d.path)
}
