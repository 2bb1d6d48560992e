// Command arsync copies a source directory tree to a destination tree
// over the POSIX directory-relative syscalls in internal/dirfs, preserving
// as much metadata as the flags below ask for.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/arsync-go/arsync/internal/arlog"
	"github.com/arsync-go/arsync/internal/config"
	"github.com/arsync-go/arsync/internal/engine"
)

const (
	exitOK          = 0
	exitEntryErrors = 1
	exitConfigError = 2
	exitFatalError  = 3
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// run parses args, executes the copy, and returns the process exit code.
// It never calls os.Exit itself, so it stays testable.
func run(args []string) int {
	opts := config.Default()
	var copyMethod string
	var archive, recursive, links, perms, times, group, owner, devices bool
	var xattrs, acls, fsync, hardlinks, atimes, crtimes bool
	exitCode := exitOK

	cmd := &cobra.Command{
		Use:           "arsync SOURCE DESTINATION",
		Short:         "Copy a directory tree with fine-grained metadata preservation",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, cmdArgs []string) error {
			if archive {
				perms, times, group, owner, hardlinks, links = true, true, true, true, true, true
			}
			_ = recursive // recursion is unconditional; flag kept for CLI parity with the original tool

			opts.Source = cmdArgs[0]
			opts.Destination = cmdArgs[1]
			opts.CopyMethod = config.ParseCopyMethod(copyMethod)
			opts.Policy = config.MetadataPolicy{
				PreserveMode:           perms,
				PreserveOwner:          owner,
				PreserveGroup:          group,
				PreserveATime:          atimes,
				PreserveMTime:          times,
				PreserveCTime:          crtimes,
				PreserveXattr:          xattrs,
				PreserveACL:            acls,
				PreserveHardlinks:      hardlinks,
				PreserveDevices:        devices,
				PreserveSymlinkTargets: links,
				FsyncOnClose:           fsync,
			}

			if opts.Verbose && opts.Quiet {
				return fmt.Errorf("--verbose and --quiet are mutually exclusive")
			}
			if opts.Quiet {
				arlog.Logger.SetLevel(logrus.ErrorLevel)
			} else if opts.Verbose {
				arlog.Logger.SetLevel(logrus.DebugLevel)
			}
			if opts.CPUCount > 0 {
				runtime.GOMAXPROCS(opts.CPUCount)
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			e := engine.New(opts)
			st, runErr := e.Run(ctx)
			if runErr != nil {
				exitCode = exitFatalError
				return runErr
			}
			if !opts.Quiet {
				fmt.Fprintln(cmd.OutOrStdout(), st.Summary())
			}
			exitCode = st.ExitCode()
			return nil
		},
	}

	flags := cmd.Flags()
	flags.BoolVar(&archive, "archive", false, "shorthand for --recursive --links --perms --times --group --owner --hard-links")
	flags.BoolVar(&recursive, "recursive", true, "recurse into subdirectories (always on; accepted for CLI parity)")
	flags.BoolVar(&links, "links", false, "preserve symlink targets (symlinks are always recreated with their literal target; accepted for CLI parity)")
	flags.BoolVar(&perms, "perms", false, "preserve file mode bits")
	flags.BoolVar(&times, "times", false, "preserve modification time")
	flags.BoolVar(&group, "group", false, "preserve group ownership")
	flags.BoolVar(&owner, "owner", false, "preserve user ownership")
	flags.BoolVar(&devices, "devices", false, "recreate device, FIFO, and socket nodes")
	flags.BoolVar(&xattrs, "xattrs", false, "preserve extended attributes")
	flags.BoolVar(&acls, "acls", false, "preserve ACL-related extended attributes (together with --xattrs)")
	flags.BoolVar(&fsync, "fsync", false, "fsync/fdatasync each destination file before close")
	flags.BoolVar(&hardlinks, "hard-links", false, "coalesce hardlinked source files in the destination")
	flags.BoolVar(&atimes, "atimes", false, "preserve access time")
	flags.BoolVar(&crtimes, "crtimes", false, "accepted for CLI parity; creation/birth time is not set on the destination")

	flags.IntVar(&opts.QueueDepth, "queue-depth", opts.QueueDepth, "submission queue depth (accepted for CLI parity; there is no submission queue, so the value is unused)")
	flags.IntVar(&opts.BufferSizeKB, "buffer-size-kb", opts.BufferSizeKB, "read/write buffer size in KiB")
	flags.StringVar(&copyMethod, "copy-method", "auto", "one of: auto, kernel-copy-range, read-write, parallel")
	flags.IntVar(&opts.CPUCount, "cpu-count", opts.CPUCount, "number of worker cores to use (0 = runtime default)")
	flags.IntVar(&opts.MaxFilesInFlight, "max-files-in-flight", opts.MaxFilesInFlight, "concurrency ceiling")
	flags.BoolVar(&opts.NoAdaptiveConcurrency, "no-adaptive-concurrency", false, "disable the adaptive controller and run at a fixed concurrency")
	flags.IntVar(&opts.ParallelMaxDepth, "parallel.max-depth", opts.ParallelMaxDepth, "max tree depth eligible for parallel-chunk transfer")
	flags.Int64Var(&opts.ParallelMinFileSizeMB, "parallel.min-file-size-mb", opts.ParallelMinFileSizeMB, "minimum file size, in MiB, eligible for parallel-chunk transfer")
	flags.Int64Var(&opts.ParallelChunkSizeMB, "parallel.chunk-size-mb", opts.ParallelChunkSizeMB, "chunk size, in MiB, for parallel-chunk transfer")
	flags.BoolVar(&opts.DryRun, "dry-run", false, "report what would be copied without touching the destination")
	flags.BoolVar(&opts.Progress, "progress", false, "periodically print a one-line progress summary")
	flags.BoolVar(&opts.OneFileSystem, "one-file-system", false, "don't cross filesystem/mount point boundaries")
	flags.BoolVar(&opts.Verbose, "verbose", false, "increase log verbosity")
	flags.BoolVar(&opts.Quiet, "quiet", false, "suppress all but error output")

	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "arsync:", err)
		if exitCode == exitOK {
			return exitConfigError
		}
	}
	return exitCode
}
