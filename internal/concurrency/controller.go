// Package concurrency implements the adaptive concurrency controller: it
// gates in-flight operations against file-descriptor and memory
// exhaustion, shrinking multiplicatively on EMFILE/ENFILE and growing
// additively once the caller has shown a success streak.
package concurrency

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// Outcome is reported to the controller after an operation completes.
type Outcome int

const (
	Success Outcome = iota
	ResourceExhausted
)

// Controller is the bounded counter plus adaptive current-limit governing
// how many filesystem operations may be in flight at once.
type Controller struct {
	ceiling         int64
	floor           int64
	step            int64
	growthThreshold int64
	backoff         time.Duration

	sem *semaphore.Weighted

	mu                sync.Mutex
	currentLimit      int64
	inFlight          int64
	successStreak     int64
	lastAdjustment    time.Time
	successiveEMFILE  int64
	reservedReclaimed int64 // permits pulled out of circulation by shrinkTo, owed back by growTo
}

// Options configures a new Controller; every field except BackoffInterval
// defaults sensibly when left zero. A zero BackoffInterval means growth
// does not wait after an adjustment; only a negative one takes the 2s
// default.
type Options struct {
	Ceiling int64 // typically 1024
	Floor   int64 // typically 8
	Step    int64 // typically 16
	GrowthThreshold int64 // consecutive successes required before growing
	BackoffInterval time.Duration
}

// New returns a Controller starting at current-limit = ceiling.
func New(opts Options) *Controller {
	if opts.Ceiling <= 0 {
		opts.Ceiling = 1024
	}
	if opts.Floor <= 0 {
		opts.Floor = 8
	}
	if opts.Floor > opts.Ceiling {
		opts.Floor = opts.Ceiling
	}
	if opts.Step <= 0 {
		opts.Step = 16
	}
	if opts.GrowthThreshold <= 0 {
		opts.GrowthThreshold = 32
	}
	if opts.BackoffInterval < 0 {
		opts.BackoffInterval = 2 * time.Second
	}
	return &Controller{
		ceiling: opts.Ceiling,
		floor: opts.Floor,
		step: opts.Step,
		growthThreshold: opts.GrowthThreshold,
		backoff: opts.BackoffInterval,
		sem: semaphore.NewWeighted(opts.Ceiling),
		currentLimit: opts.Ceiling,
		lastAdjustment: time.Now(),
	}
}

// Permit is a scoped resource: it must be released on every exit path of
// the caller (success, error, panic, or cancellation) so the controller
// never leaks a slot.
type Permit struct {
	c *Controller
	released int32
}

// Acquire blocks only on permit availability (never on anything else),
// honoring ctx cancellation. The returned Permit must be released exactly
// once.
func (c *Controller) Acquire(ctx context.Context) (*Permit, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	atomic.AddInt64(&c.inFlight, 1)
	return &Permit{c: c}, nil
}

// Release returns the permit to the controller. Safe to call more than
// once; only the first call has effect, which makes it safe to pair with
// both a deferred release and an explicit one on a non-error path.
func (p *Permit) Release() {
	if !atomic.CompareAndSwapInt32(&p.released, 0, 1) {
		return
	}
	atomic.AddInt64(&p.c.inFlight, -1)
	p.c.sem.Release(1)
}

// InFlight reports the current number of acquired, unreleased permits.
func (c *Controller) InFlight() int64 { return atomic.LoadInt64(&c.inFlight) }

// SuccessiveEMFILE reports the current run length of consecutive
// ResourceExhausted reports (reset to 0 by any Success report).
func (c *Controller) SuccessiveEMFILE() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.successiveEMFILE
}

// CurrentLimit reports the adaptive current-limit. floor <= CurrentLimit()
// <= ceiling always holds.
func (c *Controller) CurrentLimit() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentLimit
}

// BackoffInterval reports the interval ReportResult's growth policy
// requires between adjustments. Callers also use this to pace a single
// resource-exhaustion retry in their own operation, so that retry doesn't
// fire before the controller has had a chance to shrink.
func (c *Controller) BackoffInterval() time.Duration {
	return c.backoff
}

// ReportResult applies the policy: halve (floored) on
// ResourceExhausted, resetting the success streak; otherwise accumulate
// towards a growth step once the threshold and backoff interval are both
// satisfied.
func (c *Controller) ReportResult(outcome Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch outcome {
	case ResourceExhausted:
		c.successiveEMFILE++
		c.successStreak = 0
		newLimit := c.currentLimit / 2
		if newLimit < c.floor {
			newLimit = c.floor
		}
		c.shrinkTo(newLimit)
		c.lastAdjustment = time.Now()
	case Success:
		c.successiveEMFILE = 0
		c.successStreak++
		if c.successStreak >= c.growthThreshold && time.Since(c.lastAdjustment) >= c.backoff {
			newLimit := c.currentLimit + c.step
			if newLimit > c.ceiling {
				newLimit = c.ceiling
			}
			c.growTo(newLimit)
			c.successStreak = 0
			c.lastAdjustment = time.Now()
		}
	}
}

// shrinkTo narrows the semaphore's effective capacity by acquiring up to
// the delta permanently (never releasing it back until growTo). Must be
// called with mu held.
func (c *Controller) shrinkTo(newLimit int64) {
	if newLimit >= c.currentLimit {
		c.currentLimit = newLimit
		return
	}
	delta := c.currentLimit - newLimit
	// Best-effort: acquire without blocking, claiming only the permits
	// that are free at this moment. Permits held in flight at the time of
	// the shrink are not reclaimed later: when they are released they
	// return to the semaphore, so in-flight can stay above the new
	// current-limit. This keeps Acquire itself non-blocking on internal
	// bookkeeping, matching "never blocks on anything except permit
	// availability".
	for i := int64(0); i < delta; i++ {
		if !c.sem.TryAcquire(1) {
			break
		}
		c.reservedReclaimed++
	}
	c.currentLimit = newLimit
}

// growTo releases previously-reclaimed capacity back toward the ceiling.
// Must be called with mu held.
func (c *Controller) growTo(newLimit int64) {
	if newLimit <= c.currentLimit {
		c.currentLimit = newLimit
		return
	}
	delta := newLimit - c.currentLimit
	if delta > c.reservedReclaimed {
		delta = c.reservedReclaimed
	}
	if delta > 0 {
		c.sem.Release(delta)
		c.reservedReclaimed -= delta
	}
	c.currentLimit = newLimit
}
