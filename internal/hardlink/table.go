// Package hardlink implements the hardlink-coalescing table: the first
// observer of a given source inode is told to copy; every later observer
// of the same inode is told to link against the first observer's
// destination, and blocks until that first copy completes (or is promoted
// to copy itself if the first attempt failed).
package hardlink

import (
	"sync"

	"github.com/arsync-go/arsync/internal/dirfs"
)

// Action is the verdict Observe returns to the caller.
type Action int

const (
	// EmitCopy: this call is the first observation of the key. The
	// caller must do a full copy and then call Complete.
	EmitCopy Action = iota
	// EmitLink: a previous observation already has a recorded
	// destination; the caller should linkat against it.
	EmitLink
)

type entry struct {
	done      chan struct{}
	dst       string
	failed    bool
	completed bool // true once Complete has recorded a successful dst
	promoted  bool // true while a failed first-writer's slot is claimed but not yet resolved
}

// Table is the concurrent hardlink-coalescing map, keyed by InodeKey.
type Table struct {
	mu sync.Mutex
	entries map[dirfs.InodeKey]*entry
}

// NewTable returns an empty hardlink table.
func NewTable() *Table {
	return &Table{entries: make(map[dirfs.InodeKey]*entry)}
}

// Observe reports what the caller should do for key. On EmitLink, dst is
// the already-recorded destination path to link against. On EmitCopy, the
// caller must eventually call Complete (success or failure) exactly once.
//
// A failed first emission promotes exactly one blocked observer to
// EmitCopy; if that retry also fails, the next blocked observer is
// promoted in turn. Do not spin: each non-promoted observer blocks on a
// channel receive between attempts.
func (t *Table) Observe(key dirfs.InodeKey) (action Action, dst string) {
	for {
		t.mu.Lock()
		e, ok := t.entries[key]
		if !ok {
			e = &entry{done: make(chan struct{})}
			t.entries[key] = e
			t.mu.Unlock()
			return EmitCopy, ""
		}
		wait := e.done
		t.mu.Unlock()

		<-wait

		t.mu.Lock()
		if e.completed {
			dst := e.dst
			t.mu.Unlock()
			return EmitLink, dst
		}
		if e.failed && !e.promoted {
			e.promoted = true
			e.failed = false
			e.done = make(chan struct{})
			t.mu.Unlock()
			return EmitCopy, ""
		}
		// Either another observer already claimed the promotion and
		// hasn't resolved yet, or this wake-up raced the promotion
		// itself before a destination was recorded; loop around and
		// wait on the entry's current done channel instead of
		// returning a result with no recorded destination.
		t.mu.Unlock()
	}
}

// Complete must be called exactly once by the goroutine that received
// EmitCopy, recording the destination on success or marking the entry
// failed so a blocked second observer is promoted to copy itself.
func (t *Table) Complete(key dirfs.InodeKey, dst string, err error) {
	t.mu.Lock()
	e, ok := t.entries[key]
	if !ok {
		t.mu.Unlock()
		return
	}
	if err != nil {
		e.failed = true
		e.promoted = false // release the claim so the next woken observer can be promoted
	} else {
		e.dst = dst
		e.completed = true
	}
	done := e.done
	t.mu.Unlock()
	close(done)
}

// Forget evicts key, e.g. once the expected remaining-link count reaches
// zero. Safe to call even if key was never observed.
func (t *Table) Forget(key dirfs.InodeKey) {
	t.mu.Lock()
	delete(t.entries, key)
	t.mu.Unlock()
}

// Len reports the number of live entries, for tests and diagnostics.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
