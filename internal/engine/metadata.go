//go:build !windows && !plan9

package engine

import (
	"os"
	"strings"

	"github.com/arsync-go/arsync/internal/config"
	"github.com/arsync-go/arsync/internal/dirfs"
	"github.com/arsync-go/arsync/internal/xmeta"
)

// snapshot builds an xmeta.Snapshot from an already-stat'd Entry, reading
// xattrs by path only when the policy asks for them, and dropping the
// POSIX ACL attributes unless PreserveACL is set (a source path read at
// this point is safe: it is read-only and happens before any destination
// mutation races with it).
func (e *Engine) snapshot(path string, entry dirfs.Entry, followSymlink bool) xmeta.Snapshot {
	snap := xmeta.Snapshot{
		Mode:  entry.Mode,
		Uid:   entry.Uid,
		Gid:   entry.Gid,
		Atime: entry.Atime,
		Mtime: entry.Mtime,
	}
	if e.opts.Policy.PreserveXattr {
		if x, err := xattrsFor(path, followSymlink); err == nil {
			if !e.opts.Policy.PreserveACL {
				for k := range x {
					if strings.HasPrefix(k, "system.posix_acl_") {
						delete(x, k)
					}
				}
			}
			snap.Xattr = x
		}
	}
	return snap
}

func xattrsFor(path string, followSymlink bool) (map[string][]byte, error) {
	return xmeta.ReadXattrs(path, followSymlink)
}

// applyFileMetadata applies snap to the open destination file, falling
// back to the configured default file mode when mode preservation is off.
func applyFileMetadata(f *os.File, snap xmeta.Snapshot, policy config.MetadataPolicy) error {
	return xmeta.ApplyToFile(f.Name(), f, snap, policy, os.FileMode(defaultFileMode))
}

// applySymlinkMetadata applies ownership and xattrs to the symlink itself.
func applySymlinkMetadata(dirFd int, name, path string, snap xmeta.Snapshot, policy config.MetadataPolicy) error {
	return xmeta.ApplySymlink(name, dirFd, name, path, snap, policy)
}

// xmetaApplyDir applies snap to dstDir's own descriptor, falling back to
// the configured default directory mode.
func xmetaApplyDir(dstDir *dirfs.DirectoryHandle, path string, snap xmeta.Snapshot, policy config.MetadataPolicy) error {
	return xmeta.ApplyToDirectory(path, dstDir.Fd(), dstDir.Path(), snap, policy, os.FileMode(defaultDirMode))
}
