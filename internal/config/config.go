// Package config holds the parsed, validated configuration the engine
// consumes: the metadata preservation policy plus the queue-depth,
// buffer-size, copy-method, and parallel-transfer knobs.
package config

import "time"

// CopyMethod selects the transfer strategy: Auto, KernelCopyRange,
// ReadThenWrite, or ParallelChunks.
type CopyMethod int

const (
	MethodAuto CopyMethod = iota
	MethodKernelCopyRange
	MethodReadThenWrite
	MethodParallelChunks
)

func (m CopyMethod) String() string {
	switch m {
	case MethodKernelCopyRange:
		return "kernel-copy-range"
	case MethodReadThenWrite:
		return "read-write"
	case MethodParallelChunks:
		return "parallel"
	default:
		return "auto"
	}
}

// ParseCopyMethod parses the --copy-method CLI value.
func ParseCopyMethod(s string) CopyMethod {
	switch s {
	case "kernel-copy-range":
		return MethodKernelCopyRange
	case "read-write":
		return MethodReadThenWrite
	case "parallel":
		return MethodParallelChunks
	default:
		return MethodAuto
	}
}

// MetadataPolicy enumerates which facets of source metadata get preserved
// on the destination. ArchiveShortcut implies the union of
// recursive/links/perms/times/group/owner, plus hardlink preservation.
type MetadataPolicy struct {
	PreserveMode bool
	PreserveOwner bool
	PreserveGroup bool
	PreserveATime bool
	PreserveMTime bool
	PreserveCTime bool // "crtime" (birth time) where the OS exposes one
	PreserveXattr bool
	PreserveACL bool
	PreserveHardlinks bool
	PreserveDevices bool
	PreserveSymlinkTargets bool
	FsyncOnClose bool
	ArchiveShortcut bool
}

// Normalize applies the archive-shortcut expansion.
func (p MetadataPolicy) Normalize() MetadataPolicy {
	if p.ArchiveShortcut {
		p.PreserveHardlinks = true
		p.PreserveSymlinkTargets = true
		p.PreserveMode = true
		p.PreserveMTime = true
		p.PreserveGroup = true
		p.PreserveOwner = true
	}
	return p
}

// Options is the full runtime configuration, combining the metadata policy
// with the performance and concurrency knobs exposed on the command line.
type Options struct {
	Source      string
	Destination string

	Policy MetadataPolicy

	DryRun        bool
	Verbose       bool
	Quiet         bool
	Progress      bool
	OneFileSystem bool

	QueueDepth   int
	BufferSizeKB int
	CopyMethod   CopyMethod
	CPUCount     int

	MaxFilesInFlight      int // ceiling
	MinFilesInFlight      int // floor
	NoAdaptiveConcurrency bool
	GrowthStep            int
	GrowthThreshold       int
	BackoffInterval       time.Duration

	ParallelMaxDepth      int
	ParallelMinFileSizeMB int64
	ParallelChunkSizeMB   int64

	PreallocateThresholdBytes int64
	SmallFileThresholdBytes   int64
}

// Default returns the option set this engine starts from absent any
// command-line overrides: ceiling 1024, floor 8, growth step 16.
func Default() Options {
	return Options{
		Policy: MetadataPolicy{},
		QueueDepth: 1024,
		BufferSizeKB: 1024,
		CopyMethod: MethodAuto,
		MaxFilesInFlight: 1024,
		MinFilesInFlight: 8,
		GrowthStep: 16,
		GrowthThreshold: 32,
		BackoffInterval: 2 * time.Second,
		ParallelMaxDepth: 8,
		ParallelMinFileSizeMB: 256,
		ParallelChunkSizeMB: 32,
		PreallocateThresholdBytes: 1 << 20, // 1 MiB
		SmallFileThresholdBytes: 64 << 10, // 64 KiB Auto heuristic
	}
}
