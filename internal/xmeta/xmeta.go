//go:build !windows && !plan9

// Package xmeta implements metadata preservation: given an open
// destination descriptor (never a path) and a snapshot of source
// metadata, it applies ownership, then mode, then xattrs, then timestamps
// in that order, because changing ownership can clear setuid/setgid bits
// that mode must restore, and some filesystems bump mtime when an xattr
// is set.
package xmeta

import (
	"os"
	"time"

	"github.com/pkg/xattr"
	"golang.org/x/sys/unix"

	"github.com/arsync-go/arsync/internal/arerrors"
	"github.com/arsync-go/arsync/internal/arlog"
	"github.com/arsync-go/arsync/internal/config"
)

// Snapshot is the source metadata captured at descent time.
type Snapshot struct {
	Mode os.FileMode
	Uid uint32
	Gid uint32
	Atime time.Time
	Mtime time.Time
	Xattr map[string][]byte
}

// currentIdentity is overridable by tests.
var currentIdentity = func() (uid, gid int) { return os.Geteuid(), os.Getegid() }

// ApplyToFile applies Snapshot to the regular file open as f, in the order
// ownership, mode, xattr, timestamps. Returns the first non-advisory error
// encountered, but always attempts every step (mode/timestamp/xattr
// failures are recorded, not aborted on).
//
// defaultMode is chmod'd in unconditionally when policy doesn't preserve
// the source mode: destination files are always created with a
// restrictive mode so partially-written content is never readable before
// the transfer completes, so something must still widen them to a sane
// final mode even when mode preservation itself is off.
func ApplyToFile(obj any, f *os.File, snap Snapshot, policy config.MetadataPolicy, defaultMode os.FileMode) error {
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if policy.PreserveOwner || policy.PreserveGroup {
		record(fchown(obj, f, snap, policy))
	}
	finalMode := defaultMode.Perm()
	extraBits := uint32(0)
	if policy.PreserveMode {
		finalMode = snap.Mode.Perm()
		extraBits = setuidBits(snap.Mode)
	}
	if err := unix.Fchmod(int(f.Fd()), uint32(finalMode)|extraBits); err != nil {
		arlog.Debugf(obj, "fchmod failed: %v", err)
		record(arerrors.Classify(f.Name(), "fchmod", err))
	}
	if policy.PreserveXattr {
		record(setXattrsFile(obj, f.Name(), snap.Xattr))
	}
	if policy.PreserveATime || policy.PreserveMTime {
		record(futimens(obj, f, snap, policy))
	}
	return firstErr
}

// ApplyToDirectory applies Snapshot to the already-open directory
// descriptor dirFd, in the same order and with the same mode handling as
// ApplyToFile. Unlike ApplyToFile, an EPERM from fchown is logged as a
// warning and not returned, whatever the target identity. path is used
// only for diagnostics and xattr calls.
func ApplyToDirectory(obj any, dirFd int, path string, snap Snapshot, policy config.MetadataPolicy, defaultMode os.FileMode) error {
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if policy.PreserveOwner || policy.PreserveGroup {
		uid, gid := -1, -1
		if policy.PreserveOwner {
			uid = int(snap.Uid)
		}
		if policy.PreserveGroup {
			gid = int(snap.Gid)
		}
		if uid != -1 || gid != -1 {
			if err := unix.Fchown(dirFd, uid, gid); err != nil {
				if err == unix.EPERM {
					arlog.Warnf(obj, "failed to change directory ownership (not running as root): %v", err)
				} else {
					record(arerrors.Classify(path, "fchown", err))
				}
			}
		}
	}
	finalMode := defaultMode.Perm()
	extraBits := uint32(0)
	if policy.PreserveMode {
		finalMode = snap.Mode.Perm()
		extraBits = setuidBits(snap.Mode)
	}
	if err := unix.Fchmod(dirFd, uint32(finalMode)|extraBits); err != nil {
		arlog.Debugf(obj, "fchmod failed: %v", err)
		record(arerrors.Classify(path, "fchmod", err))
	}
	if policy.PreserveXattr {
		record(setXattrsFile(obj, path, snap.Xattr))
	}
	if policy.PreserveATime || policy.PreserveMTime {
		atime, mtime := snap.Atime, snap.Mtime
		if !policy.PreserveATime {
			atime = mtime
		}
		if !policy.PreserveMTime {
			mtime = atime
		}
		times := [2]unix.Timespec{
			unix.NsecToTimespec(atime.UnixNano()),
			unix.NsecToTimespec(mtime.UnixNano()),
		}
		if err := futimensFd(dirFd, &times); err != nil {
			arlog.Debugf(obj, "futimens failed: %v", err)
			record(arerrors.Classify(path, "futimens", err))
		}
	}
	return firstErr
}

// setuidBits extracts the setuid/setgid/sticky bits Go's os.FileMode
// tracks separately from Perm() so Fchmod receives the full mode.
func setuidBits(mode os.FileMode) (o uint32) {
	if mode&os.ModeSetuid != 0 {
		o |= unix.S_ISUID
	}
	if mode&os.ModeSetgid != 0 {
		o |= unix.S_ISGID
	}
	if mode&os.ModeSticky != 0 {
		o |= unix.S_ISVTX
	}
	return o
}

func fchown(obj any, f *os.File, snap Snapshot, policy config.MetadataPolicy) error {
	uid, gid := -1, -1
	if policy.PreserveOwner {
		uid = int(snap.Uid)
	}
	if policy.PreserveGroup {
		gid = int(snap.Gid)
	}
	if uid == -1 && gid == -1 {
		return nil
	}
	err := unix.Fchown(int(f.Fd()), uid, gid)
	if err == nil {
		return nil
	}
	// EPERM without root is expected; downgrade to a warning when the
	// target identity already matches ours.
	if err == unix.EPERM {
		curUid, curGid := currentIdentity()
		wantsSameUid := uid == -1 || uid == curUid
		wantsSameGid := gid == -1 || gid == curGid
		if wantsSameUid && wantsSameGid {
			arlog.Warnf(obj, "ownership already matches current identity, ignoring EPERM")
			return nil
		}
		arlog.Warnf(obj, "failed to change ownership (not running as root): %v", err)
		return arerrors.Classify(f.Name(), "fchown", err)
	}
	return arerrors.Classify(f.Name(), "fchown", err)
}

func futimens(obj any, f *os.File, snap Snapshot, policy config.MetadataPolicy) error {
	atime, mtime := snap.Atime, snap.Mtime
	if !policy.PreserveATime {
		atime = mtime
	}
	if !policy.PreserveMTime {
		mtime = atime
	}
	times := [2]unix.Timespec{
		unix.NsecToTimespec(atime.UnixNano()),
		unix.NsecToTimespec(mtime.UnixNano()),
	}
	if err := futimensFd(int(f.Fd()), &times); err != nil {
		arlog.Debugf(obj, "futimens failed: %v", err)
		return arerrors.Classify(f.Name(), "futimens", err)
	}
	return nil
}

// ApplySymlink applies ownership and xattrs to the symlink itself, never
// its target: ownership goes through fchownat with AT_SYMLINK_NOFOLLOW,
// and xattrs go through the symlink-variant calls. path is the symlink's
// full path, used only for the xattr calls (github.com/pkg/xattr has no
// *at variant); dirFd+name are used for the fd-relative fchownat call.
func ApplySymlink(obj any, dirFd int, name, path string, snap Snapshot, policy config.MetadataPolicy) error {
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if policy.PreserveOwner || policy.PreserveGroup {
		uid, gid := -1, -1
		if policy.PreserveOwner {
			uid = int(snap.Uid)
		}
		if policy.PreserveGroup {
			gid = int(snap.Gid)
		}
		if uid != -1 || gid != -1 {
			if err := unix.Fchownat(dirFd, name, uid, gid, unix.AT_SYMLINK_NOFOLLOW); err != nil {
				if err == unix.EPERM {
					arlog.Warnf(obj, "failed to change symlink ownership (not running as root): %v", err)
				} else {
					record(arerrors.Classify(name, "fchownat", err))
				}
			}
		}
	}
	if policy.PreserveXattr {
		record(setXattrsSymlink(obj, path, snap.Xattr))
	}
	return firstErr
}

// ReadXattrs lists and reads every extended attribute of path (or, if
// followSymlink is false, of the symlink itself) across every namespace
// the kernel exposes. Returns (nil, nil) if xattrs are unsupported on this
// filesystem.
func ReadXattrs(path string, followSymlink bool) (map[string][]byte, error) {
	list, err := listXattr(path, followSymlink)
	if err != nil {
		if arerrors.IsUnsupported(err) {
			return nil, nil
		}
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	out := make(map[string][]byte, len(list))
	for _, k := range list {
		var v []byte
		var gerr error
		if followSymlink {
			v, gerr = xattr.Get(path, k)
		} else {
			v, gerr = xattr.LGet(path, k)
		}
		if gerr != nil {
			if arerrors.IsUnsupported(gerr) {
				continue
			}
			return nil, arerrors.Classify(path, "getxattr", gerr)
		}
		out[k] = v
	}
	return out, nil
}

func listXattr(path string, followSymlink bool) ([]string, error) {
	var list []string
	var err error
	if followSymlink {
		list, err = xattr.List(path)
	} else {
		list, err = xattr.LList(path)
	}
	if err != nil {
		return nil, arerrors.Classify(path, "listxattr", err)
	}
	return list, nil
}

func setXattrsFile(obj any, path string, attrs map[string][]byte) error {
	var firstErr error
	for k, v := range attrs {
		if err := xattr.Set(path, k, v); err != nil {
			if arerrors.IsUnsupported(arerrors.Classify(path, "setxattr", err)) {
				continue
			}
			arlog.Debugf(obj, "setxattr %q failed: %v", k, err)
			if firstErr == nil {
				firstErr = arerrors.Classify(path, "setxattr", err)
			}
		}
	}
	return firstErr
}

// setXattrsSymlink sets xattrs using the symlink-variant calls (LSet), so
// a filesystem that refuses xattrs on symlinks (EOPNOTSUPP) never
// silently mutates the symlink's target by following it.
func setXattrsSymlink(obj any, path string, attrs map[string][]byte) error {
	var firstErr error
	for k, v := range attrs {
		if err := xattr.LSet(path, k, v); err != nil {
			if arerrors.IsUnsupported(arerrors.Classify(path, "lsetxattr", err)) {
				continue
			}
			arlog.Debugf(obj, "lsetxattr %q failed: %v", k, err)
			if firstErr == nil {
				firstErr = arerrors.Classify(path, "lsetxattr", err)
			}
		}
	}
	return firstErr
}
