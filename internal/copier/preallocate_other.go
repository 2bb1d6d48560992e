//go:build !linux

package copier

import "os"

// Preallocate is a no-op outside Linux; callers treat failure (and
// no-op-ness) as advisory.
func Preallocate(size int64, out *os.File) error {
	return nil
}
