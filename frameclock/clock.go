// Package frameclock provides a clock for frame-driven work such as
// animations. Within one task it always returns the same time; the first
// read in a new task moves it to the next frame boundary after the source.
package frameclock

import (
	"context"
	"sync"
	"time"

	"github.com/Swind/go-task-queue-manager/core"
)

// ApproximateFrameTime is the assumed interval between frames when the clock
// is read outside of a frame callback.
const ApproximateFrameTime = time.Second / 60

// Clock is safe for concurrent use, though it is normally read only from
// the manager's owner goroutine.
type Clock struct {
	source core.Clock

	mu   sync.Mutex
	now  time.Time
	task uint64 // sequence of the task now was computed for
}

// New returns a clock following source. With a nil source the clock only
// moves through UpdateTime.
func New(source core.Clock) *Clock {
	c := &Clock{source: source}
	if source != nil {
		c.now = source.Now()
	}
	return c
}

// UpdateTime moves the clock to t if t is later, and pins the result to the
// task running with ctx.
func (c *Clock) UpdateTime(ctx context.Context, t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updateLocked(t, runningTask(ctx))
}

// CurrentTime returns the frame time for the task running with ctx. The
// source is consulted at most once per task.
func (c *Clock) CurrentTime(ctx context.Context) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	task := runningTask(ctx)
	if c.source == nil || task == c.task {
		return c.now
	}

	current := c.source.Now()
	if !c.now.Before(current) {
		c.task = task
		return c.now
	}

	shift := current.Sub(c.now) % ApproximateFrameTime
	c.updateLocked(current.Add(ApproximateFrameTime-shift), task)
	return c.now
}

// ResetTimeForTesting sets the clock to t and forgets which task it was read in.
func (c *Clock) ResetTimeForTesting(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.task = 0
	c.mu.Unlock()
}

func (c *Clock) updateLocked(t time.Time, task uint64) {
	if t.After(c.now) {
		c.now = t
	}
	c.task = task
}

// runningTask is the sequence number of the task running with ctx, or 0
// outside of any task.
func runningTask(ctx context.Context) uint64 {
	if info, ok := core.CurrentTaskInfo(ctx); ok {
		return info.Sequence
	}
	return 0
}
