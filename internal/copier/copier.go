// Package copier implements the file copy pipeline's transfer step:
// CopyMethod selection and the three transfer strategies (kernel
// copy-range, buffer-pooled read/write, and parallel-chunk transfer), plus
// the preallocate/fadvise advisory calls that bracket a transfer. There is
// no io_uring binding in this module's dependency set, so overlapping
// thousands of operations is realized as a bounded goroutine pool issuing
// overlapping blocking syscalls (internal/concurrency), not a kernel
// submission queue — see DESIGN.md.
package copier

import (
	"context"
	"io"
	"os"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/arsync-go/arsync/internal/arerrors"
	"github.com/arsync-go/arsync/internal/arlog"
	"github.com/arsync-go/arsync/internal/config"
)

// SelectMethod implements the "Selection heuristic for Auto":
//
//	(size < 64 KiB) -> ReadThenWrite, single in-flight
//	(same device AND size >= 64 KiB) -> KernelCopyRange
//	(different devices) -> ReadThenWrite
//	(size >= parallel threshold AND enabled) -> ParallelChunks
//
// A non-Auto opts.CopyMethod is returned unchanged (explicit configuration
// always wins).
func SelectMethod(opts config.Options, size int64, sameDevice bool, depth int) config.CopyMethod {
	if opts.CopyMethod != config.MethodAuto {
		return opts.CopyMethod
	}
	parallelEnabled := opts.ParallelMinFileSizeMB > 0
	parallelThreshold := opts.ParallelMinFileSizeMB << 20
	if parallelEnabled && size >= parallelThreshold && depth <= opts.ParallelMaxDepth {
		return config.MethodParallelChunks
	}
	if size < opts.SmallFileThresholdBytes {
		return config.MethodReadThenWrite
	}
	if sameDevice {
		return config.MethodKernelCopyRange
	}
	return config.MethodReadThenWrite
}

// Transferer performs step 6 of the pipeline: move exactly size bytes
// from src (offset 0) to dst (offset 0) using method, falling back from
// KernelCopyRange to ReadThenWrite transparently on EXDEV/ENOSYS.
type Transferer struct {
	bufPool *bufferPool
}

// NewTransferer returns a Transferer whose ReadThenWrite path reuses
// buffers of chunkSize bytes.
func NewTransferer(chunkSize int) *Transferer {
	if chunkSize <= 0 {
		chunkSize = 1 << 20
	}
	return &Transferer{bufPool: newBufferPool(chunkSize)}
}

// Transfer copies size bytes from src to dst using method, advising the
// kernel before and after steps 4-5, and returns the number of
// bytes actually written.
func (t *Transferer) Transfer(ctx context.Context, src, dst *os.File, size int64, method config.CopyMethod, chunkSize int64) (int64, error) {
	adviseSequential(src.Name(), int(src.Fd()))
	defer adviseDontNeed(dst.Name(), int(dst.Fd()), 0, size)

	switch method {
	case config.MethodKernelCopyRange:
		n, err := t.kernelCopyRange(src, dst, size, chunkSize)
		if err != nil && (arerrors.IsCrossDevice(err) || arerrors.IsUnsupported(err)) {
			arlog.Debugf(dst.Name(), "kernel copy-range unavailable (%v), falling back to read/write", err)
			return t.readThenWrite(ctx, src, dst, size, 1)
		}
		return n, err
	case config.MethodParallelChunks:
		return t.parallelChunks(ctx, src, dst, size, chunkSize)
	default: // ReadThenWrite
		return t.readThenWrite(ctx, src, dst, size, 4)
	}
}

// kernelCopyRange issues in-kernel copy_file_range in chunks of chunkSize
// until EOF.
func (t *Transferer) kernelCopyRange(src, dst *os.File, size, chunkSize int64) (int64, error) {
	if chunkSize <= 0 {
		chunkSize = 4 << 20
	}
	var total int64
	srcFd := int(src.Fd())
	dstFd := int(dst.Fd())
	for total < size {
		want := chunkSize
		if remaining := size - total; remaining < want {
			want = remaining
		}
		n, err := unix.CopyFileRange(srcFd, nil, dstFd, nil, int(want), 0)
		if err != nil {
			return total, arerrors.Classify(dst.Name(), "copy_file_range", err)
		}
		if n == 0 {
			if total < size {
				return total, arerrors.SourceTruncated(src.Name(), size, total)
			}
			break
		}
		total += int64(n)
	}
	return total, nil
}

// readThenWrite issues overlapping reads and writes through a pool of
// reusable buffers: inFlight goroutines each own one buffer slot and
// process disjoint, contiguous ranges, so multiple read/write pairs are in
// flight at once without per-call allocation.
func (t *Transferer) readThenWrite(ctx context.Context, src, dst *os.File, size int64, inFlight int) (int64, error) {
	if inFlight < 1 {
		inFlight = 1
	}
	chunk := int64(t.bufPool.size)
	if chunk <= 0 {
		chunk = 1 << 20
	}

	type result struct {
		off int64
		n int64
		err error
	}

	offsets := make(chan int64)
	results := make(chan result)

	go func() {
		defer close(offsets)
		for off := int64(0); off < size; off += chunk {
			select {
			case offsets <- off:
			case <-ctx.Done():
				return
			}
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < inFlight; i++ {
		g.Go(func() error {
			for off := range offsets {
				want := chunk
				if remaining := size - off; remaining < want {
					want = remaining
				}
				buf := t.bufPool.get()[:want]
				n, rerr := io.ReadFull(io.NewSectionReader(src, off, want), buf)
				if rerr != nil && rerr != io.EOF && rerr != io.ErrUnexpectedEOF {
					t.bufPool.put(buf)
					select {
					case results <- result{off: off, err: arerrors.Classify(src.Name(), "read", rerr)}:
					case <-gctx.Done():
					}
					return rerr
				}
				if int64(n) < want {
					t.bufPool.put(buf)
					err := arerrors.SourceTruncated(src.Name(), size, off+int64(n))
					select {
					case results <- result{off: off, err: err}:
					case <-gctx.Done():
					}
					return err
				}
				if _, werr := dst.WriteAt(buf[:n], off); werr != nil {
					t.bufPool.put(buf)
					err := arerrors.Classify(dst.Name(), "write", werr)
					select {
					case results <- result{off: off, err: err}:
					case <-gctx.Done():
					}
					return err
				}
				t.bufPool.put(buf)
				select {
				case results <- result{off: off, n: int64(n)}:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
			return nil
		})
	}

	go func() {
		_ = g.Wait()
		close(results)
	}()

	var total int64
	var firstErr error
	for r := range results {
		if r.err != nil {
			if firstErr == nil {
				firstErr = r.err
			}
			continue
		}
		total += r.n
	}
	if firstErr != nil {
		return total, firstErr
	}
	if err := ctx.Err(); err != nil {
		return total, arerrors.Cancelled(dst.Name())
	}
	return total, nil
}

// parallelChunks splits the file into ranges and transfers them
// concurrently via independent offsets on the same two descriptors.
func (t *Transferer) parallelChunks(ctx context.Context, src, dst *os.File, size, chunkSize int64) (int64, error) {
	if chunkSize <= 0 {
		chunkSize = 32 << 20
	}
	g, gctx := errgroup.WithContext(ctx)
	var total int64
	for off := int64(0); off < size; off += chunkSize {
		off := off
		want := chunkSize
		if remaining := size - off; remaining < want {
			want = remaining
		}
		g.Go(func() error {
			buf := make([]byte, want)
			if _, err := io.ReadFull(io.NewSectionReader(src, off, want), buf); err != nil {
				return arerrors.Classify(src.Name(), "read", err)
			}
			if _, err := dst.WriteAt(buf, off); err != nil {
				return arerrors.Classify(dst.Name(), "write", err)
			}
			atomic.AddInt64(&total, want)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	if err := gctx.Err(); err != nil {
		return 0, arerrors.Cancelled(dst.Name())
	}
	return total, nil
}
