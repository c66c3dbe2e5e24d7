package core

import (
	"fmt"
	"sync"
	"time"
)

// Clock is the wall-clock provider behind a RealTimeDomain.
type Clock interface {
	Now() time.Time
}

// SystemClock reads time.Now.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// TimeDomain is a source of "now" for the queues bound to it, and the place
// the manager asks when the next delayed task of those queues is due.
//
// Custom domains embed TimeDomainBase, which carries the queue registry.
type TimeDomain interface {
	Name() string

	// Now never decreases for one domain instance.
	Now() time.Time

	// NextScheduledRunTime is the earliest target time among delayed tasks of
	// the bound queues, or false when none is pending.
	NextScheduledRunTime() (time.Time, bool)

	// DelayTillNextTask tells the host loop how long it may sleep on behalf
	// of this domain. False means the domain never needs a timed wake-up.
	DelayTillNextTask() (time.Duration, bool)

	base() *TimeDomainBase
}

// TimeDomainBase keeps the set of queues bound to a domain.
type TimeDomainBase struct {
	mu     sync.Mutex
	queues map[*TaskQueue]struct{}
	wake   func()
}

func (b *TimeDomainBase) base() *TimeDomainBase { return b }

func (b *TimeDomainBase) bind(q *TaskQueue) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.queues == nil {
		b.queues = make(map[*TaskQueue]struct{})
	}
	b.queues[q] = struct{}{}
}

func (b *TimeDomainBase) unbind(q *TaskQueue) {
	b.mu.Lock()
	delete(b.queues, q)
	b.mu.Unlock()
}

func (b *TimeDomainBase) boundCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queues)
}

func (b *TimeDomainBase) setWake(fn func()) {
	b.mu.Lock()
	b.wake = fn
	b.mu.Unlock()
}

// requestWake asks the owning manager for a pump.
func (b *TimeDomainBase) requestWake() {
	b.mu.Lock()
	fn := b.wake
	b.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// nextScheduledRunTime scans the bound queues. Owner goroutine only.
func (b *TimeDomainBase) nextScheduledRunTime() (time.Time, bool) {
	b.mu.Lock()
	queues := make([]*TaskQueue, 0, len(b.queues))
	for q := range b.queues {
		queues = append(queues, q)
	}
	b.mu.Unlock()

	var next time.Time
	found := false
	for _, q := range queues {
		t, ok := q.nextScheduledRunTime()
		if !ok {
			continue
		}
		if !found || t.Before(next) {
			next = t
			found = true
		}
	}
	return next, found
}

// =============================================================================
// RealTimeDomain
// =============================================================================

// RealTimeDomain follows a Clock. A clock reading earlier than a previous
// one is a programming error and panics.
type RealTimeDomain struct {
	TimeDomainBase

	clock Clock

	nowMu sync.Mutex
	last  time.Time
}

// NewRealTimeDomain returns a domain over clock, or over SystemClock when nil.
func NewRealTimeDomain(clock Clock) *RealTimeDomain {
	if clock == nil {
		clock = SystemClock{}
	}
	return &RealTimeDomain{clock: clock}
}

func (d *RealTimeDomain) Name() string { return "RealTimeDomain" }

func (d *RealTimeDomain) Now() time.Time {
	d.nowMu.Lock()
	defer d.nowMu.Unlock()

	now := d.clock.Now()
	if now.Before(d.last) {
		panic(fmt.Sprintf("core: real clock went backwards: %s < %s", now, d.last))
	}
	d.last = now
	return now
}

func (d *RealTimeDomain) NextScheduledRunTime() (time.Time, bool) {
	return d.nextScheduledRunTime()
}

func (d *RealTimeDomain) DelayTillNextTask() (time.Duration, bool) {
	next, ok := d.nextScheduledRunTime()
	if !ok {
		return 0, false
	}
	delay := next.Sub(d.Now())
	if delay < 0 {
		delay = 0
	}
	return delay, true
}

// =============================================================================
// VirtualTimeDomain
// =============================================================================

// VirtualTimeDomain holds a cursor that only moves when AdvanceTo is called.
type VirtualTimeDomain struct {
	TimeDomainBase

	name string

	nowMu sync.Mutex
	now   time.Time
}

func NewVirtualTimeDomain(name string, start time.Time) *VirtualTimeDomain {
	if name == "" {
		name = "VirtualTimeDomain"
	}
	return &VirtualTimeDomain{name: name, now: start}
}

func (d *VirtualTimeDomain) Name() string { return d.name }

func (d *VirtualTimeDomain) Now() time.Time {
	d.nowMu.Lock()
	defer d.nowMu.Unlock()
	return d.now
}

// AdvanceTo moves the cursor forward to t and requests a pump so that tasks
// due at or before t become eligible. Moving backwards is rejected.
func (d *VirtualTimeDomain) AdvanceTo(t time.Time) error {
	d.nowMu.Lock()
	if t.Before(d.now) {
		cur := d.now
		d.nowMu.Unlock()
		return fmt.Errorf("advance %s to %s (now %s): %w", d.name, t, cur, ErrTimeWentBackwards)
	}
	d.now = t
	d.nowMu.Unlock()

	d.requestWake()
	return nil
}

// AdvanceBy moves the cursor forward by delta.
func (d *VirtualTimeDomain) AdvanceBy(delta time.Duration) error {
	return d.AdvanceTo(d.Now().Add(delta))
}

func (d *VirtualTimeDomain) NextScheduledRunTime() (time.Time, bool) {
	return d.nextScheduledRunTime()
}

// DelayTillNextTask only reports work that is already due; virtual time never
// advances on its own, so the host loop has nothing to wait for otherwise.
func (d *VirtualTimeDomain) DelayTillNextTask() (time.Duration, bool) {
	next, ok := d.nextScheduledRunTime()
	if !ok || next.After(d.Now()) {
		return 0, false
	}
	return 0, true
}
