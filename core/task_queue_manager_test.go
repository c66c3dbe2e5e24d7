package core

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/mock/gomock"
)

// =============================================================================
// Selection order
// =============================================================================

// TestTaskQueueManager_ControlQueueRunsFirst verifies the canonical ordering scenario
// Given: a Control queue A and a Normal queue B on the real time domain
// When: t1 is posted to B, t2 to A, t3 to B and one pump runs with batch size 3
// Then: the execution order is [t2, t1, t3]
func TestTaskQueueManager_ControlQueueRunsFirst(t *testing.T) {
	// Arrange
	m := newTestManager(t, nil)
	m.SetWorkBatchSize(3)
	a := mustCreateQueue(t, m, QueueSpec{Name: "A", Priority: PriorityControl})
	b := mustCreateQueue(t, m, QueueSpec{Name: "B", Priority: PriorityNormal})
	rec := &orderRecorder{}

	mustPost(t, m, b, rec.task("t1"))
	mustPost(t, m, a, rec.task("t2"))
	mustPost(t, m, b, rec.task("t3"))

	// Act
	res := m.Pump(context.Background())

	// Assert
	assertOrder(t, rec.Order(), "t2", "t1", "t3")
	if res.TasksRun != 3 {
		t.Errorf("TasksRun = %d, want 3", res.TasksRun)
	}
	if res.HasMoreWork {
		t.Error("HasMoreWork = true, want false")
	}
}

// TestTaskQueueManager_FIFOWithinQueue verifies posting order is kept inside one queue
// Given: a single queue
// When: ten tasks are posted and the manager runs until idle
// Then: they run in posting order
func TestTaskQueueManager_FIFOWithinQueue(t *testing.T) {
	// Arrange
	m := newTestManager(t, nil)
	q := mustCreateQueue(t, m, QueueSpec{Name: "fifo"})
	rec := &orderRecorder{}
	want := make([]string, 0, 10)
	for i := range 10 {
		label := fmt.Sprintf("task-%d", i)
		want = append(want, label)
		mustPost(t, m, q, rec.task(label))
	}

	// Act
	ran := m.RunUntilIdle(context.Background())

	// Assert
	if ran != 10 {
		t.Errorf("RunUntilIdle() = %d, want 10", ran)
	}
	assertOrder(t, rec.Order(), want...)
}

// TestTaskQueueManager_SameTierOrderedByEnqueueOrder verifies fairness inside one tier
// Given: two Normal queues
// When: tasks are posted alternating between them
// Then: they run in global posting order
func TestTaskQueueManager_SameTierOrderedByEnqueueOrder(t *testing.T) {
	m := newTestManager(t, nil)
	m.SetWorkBatchSize(10)
	a := mustCreateQueue(t, m, QueueSpec{Name: "a"})
	b := mustCreateQueue(t, m, QueueSpec{Name: "b"})
	rec := &orderRecorder{}

	mustPost(t, m, b, rec.task("b1"))
	mustPost(t, m, a, rec.task("a1"))
	mustPost(t, m, a, rec.task("a2"))
	mustPost(t, m, b, rec.task("b2"))

	m.Pump(context.Background())

	assertOrder(t, rec.Order(), "b1", "a1", "a2", "b2")
}

// TestTaskQueueManager_PriorityPrecedence verifies a higher tier drains first
// Given: a High queue and a Normal queue with interleaved tasks
// When: the manager runs until idle
// Then: every High task runs before any Normal task
func TestTaskQueueManager_PriorityPrecedence(t *testing.T) {
	// Arrange
	m := newTestManager(t, nil)
	high := mustCreateQueue(t, m, QueueSpec{Name: "high", Priority: PriorityHigh})
	normal := mustCreateQueue(t, m, QueueSpec{Name: "normal", Priority: PriorityNormal})
	rec := &orderRecorder{}
	for i := range 3 {
		mustPost(t, m, normal, rec.task(fmt.Sprintf("n%d", i)))
		mustPost(t, m, high, rec.task(fmt.Sprintf("h%d", i)))
	}

	// Act
	m.RunUntilIdle(context.Background())

	// Assert
	assertOrder(t, rec.Order(), "h0", "h1", "h2", "n0", "n1", "n2")
}

// TestTaskQueueManager_PausedQueueIsSkipped verifies pausing hides a queue from selection
// Given: a paused High queue and a Normal queue, both with work
// When: the manager pumps, then the High queue is resumed
// Then: only Normal work runs while paused and High work runs after resume
func TestTaskQueueManager_PausedQueueIsSkipped(t *testing.T) {
	m := newTestManager(t, nil)
	high := mustCreateQueue(t, m, QueueSpec{Name: "high", Priority: PriorityHigh})
	normal := mustCreateQueue(t, m, QueueSpec{Name: "normal"})
	rec := &orderRecorder{}

	if err := m.PauseQueue(high); err != nil {
		t.Fatalf("PauseQueue() error = %v", err)
	}
	mustPost(t, m, high, rec.task("h"))
	mustPost(t, m, normal, rec.task("n"))

	m.RunUntilIdle(context.Background())
	assertOrder(t, rec.Order(), "n")

	if err := m.ResumeQueue(high); err != nil {
		t.Fatalf("ResumeQueue() error = %v", err)
	}
	m.RunUntilIdle(context.Background())
	assertOrder(t, rec.Order(), "n", "h")
}

// TestTaskQueueManager_SetQueuePriority verifies re-tiering affects the next selection
func TestTaskQueueManager_SetQueuePriority(t *testing.T) {
	m := newTestManager(t, nil)
	a := mustCreateQueue(t, m, QueueSpec{Name: "a", Priority: PriorityNormal})
	b := mustCreateQueue(t, m, QueueSpec{Name: "b", Priority: PriorityNormal})
	rec := &orderRecorder{}
	mustPost(t, m, a, rec.task("a"))
	mustPost(t, m, b, rec.task("b"))

	if err := m.SetQueuePriority(b, PriorityHighest); err != nil {
		t.Fatalf("SetQueuePriority() error = %v", err)
	}
	m.RunUntilIdle(context.Background())

	assertOrder(t, rec.Order(), "b", "a")
	info, err := m.QueueInfo(b)
	if err != nil {
		t.Fatalf("QueueInfo() error = %v", err)
	}
	if info.Priority != PriorityHighest {
		t.Errorf("Priority = %v, want %v", info.Priority, PriorityHighest)
	}
}

func TestTaskQueueManager_SchedulingQueues(t *testing.T) {
	m := newTestManager(t, nil)
	visible, err := m.CreateSchedulingQueue("visible", TaskPriorityUserVisible)
	if err != nil {
		t.Fatalf("CreateSchedulingQueue() error = %v", err)
	}
	background, err := m.CreateSchedulingQueue("background", TaskPriorityBestEffort)
	if err != nil {
		t.Fatalf("CreateSchedulingQueue() error = %v", err)
	}
	rec := &orderRecorder{}
	mustPost(t, m, background, rec.task("background"))
	mustPost(t, m, visible, rec.task("visible"))

	if err := m.SetSchedulingPriority(background, TaskPriorityUserBlocking); err != nil {
		t.Fatalf("SetSchedulingPriority() error = %v", err)
	}
	m.RunUntilIdle(context.Background())

	assertOrder(t, rec.Order(), "background", "visible")
	info, err := m.QueueInfo(background)
	if err != nil {
		t.Fatalf("QueueInfo() error = %v", err)
	}
	if info.Priority != PriorityHigh {
		t.Errorf("Priority = %v, want %v", info.Priority, PriorityHigh)
	}
}

// TestTaskQueueManager_WakeAndNextRunTime verifies the host-loop hints
// Given: an idle manager on a manual clock
// When: a task delayed by 30ms is posted and the manager is pumped
// Then: a wake-up is delivered and the pump reports the 30ms target and delay
func TestTaskQueueManager_WakeAndNextRunTime(t *testing.T) {
	// Arrange
	clock := newManualClock()
	m := newTestManager(t, clock)
	q := mustCreateQueue(t, m, QueueSpec{Name: "timers"})
	select {
	case <-m.WakeUp():
	default:
	}

	// Act
	if err := m.PostDelayedTask(q, func(context.Context) {}, 30*time.Millisecond); err != nil {
		t.Fatalf("PostDelayedTask() error = %v", err)
	}

	// Assert
	select {
	case <-m.WakeUp():
	default:
		t.Fatal("posting to an empty queue did not wake the manager")
	}
	want := clock.Now().Add(30 * time.Millisecond)
	if next, ok := m.NextScheduledRunTime(); !ok || !next.Equal(want) {
		t.Errorf("NextScheduledRunTime() = %v, %v, want %v", next, ok, want)
	}
	res := m.Pump(context.Background())
	if res.TasksRun != 0 || !res.HasNextRunTime || !res.NextRunTime.Equal(want) {
		t.Errorf("Pump() = %+v", res)
	}
	if !res.HasDelayedWork || res.NextWakeDelay != 30*time.Millisecond {
		t.Errorf("NextWakeDelay = %v (%v), want 30ms", res.NextWakeDelay, res.HasDelayedWork)
	}
}

// TestTaskQueueManager_BatchPreemption verifies a Control post preempts mid-batch
// Given: a Normal queue holding n1 and n2, where n1 posts a Control task
// When: one pump with batch size 3 runs
// Then: the Control task runs between n1 and n2
func TestTaskQueueManager_BatchPreemption(t *testing.T) {
	// Arrange
	m := newTestManager(t, nil)
	m.SetWorkBatchSize(3)
	control := mustCreateQueue(t, m, QueueSpec{Name: "control", Priority: PriorityControl})
	normal := mustCreateQueue(t, m, QueueSpec{Name: "normal"})
	rec := &orderRecorder{}

	mustPost(t, m, normal, func(ctx context.Context) {
		rec.task("n1")(ctx)
		if err := m.PostTask(control, rec.task("c")); err != nil {
			t.Errorf("PostTask(control) error = %v", err)
		}
	})
	mustPost(t, m, normal, rec.task("n2"))

	// Act
	res := m.Pump(context.Background())

	// Assert
	assertOrder(t, rec.Order(), "n1", "c", "n2")
	if res.TasksRun != 3 {
		t.Errorf("TasksRun = %d, want 3", res.TasksRun)
	}
}

// TestTaskQueueManager_BatchSizeBoundsPump verifies one pump never exceeds the batch size
func TestTaskQueueManager_BatchSizeBoundsPump(t *testing.T) {
	m := newTestManager(t, nil)
	m.SetWorkBatchSize(2)
	q := mustCreateQueue(t, m, QueueSpec{Name: "q"})
	var ran atomic.Int32
	for range 5 {
		mustPost(t, m, q, func(context.Context) { ran.Add(1) })
	}

	res := m.Pump(context.Background())

	if res.TasksRun != 2 || ran.Load() != 2 {
		t.Fatalf("TasksRun = %d, ran = %d, want 2", res.TasksRun, ran.Load())
	}
	if !res.HasMoreWork {
		t.Error("HasMoreWork = false, want true")
	}
	if got := m.GetNumberOfPendingTasks(); got != 3 {
		t.Errorf("GetNumberOfPendingTasks() = %d, want 3", got)
	}
}

// =============================================================================
// Delayed tasks and time domains
// =============================================================================

// TestTaskQueueManager_VirtualTimeDelayedTask verifies delayed tasks follow virtual time
// Given: a queue on a virtual time domain and a task delayed by 100ms at virtual time 0
// When: virtual time advances to 50ms and then to 100ms, pumping after each step
// Then: the task is not selected at 50ms and runs exactly once at 100ms
func TestTaskQueueManager_VirtualTimeDelayedTask(t *testing.T) {
	// Arrange
	m := newTestManager(t, nil)
	start := time.Unix(0, 0)
	vd := NewVirtualTimeDomain("virtual", start)
	if err := m.RegisterTimeDomain(vd); err != nil {
		t.Fatalf("RegisterTimeDomain() error = %v", err)
	}
	q := mustCreateQueue(t, m, QueueSpec{Name: "virtual", TimeDomain: vd})
	var runs atomic.Int32
	if err := m.PostDelayedTask(q, func(context.Context) { runs.Add(1) }, 100*time.Millisecond); err != nil {
		t.Fatalf("PostDelayedTask() error = %v", err)
	}
	ctx := context.Background()

	// Act & Assert: 50ms
	if err := vd.AdvanceTo(start.Add(50 * time.Millisecond)); err != nil {
		t.Fatalf("AdvanceTo(50ms) error = %v", err)
	}
	res := m.Pump(ctx)
	if res.TasksRun != 0 || runs.Load() != 0 {
		t.Fatalf("task ran at 50ms")
	}
	if !res.HasNextRunTime || !res.NextRunTime.Equal(start.Add(100*time.Millisecond)) {
		t.Errorf("NextRunTime = %v (%v), want 100ms", res.NextRunTime, res.HasNextRunTime)
	}

	// Act & Assert: 100ms
	if err := vd.AdvanceTo(start.Add(100 * time.Millisecond)); err != nil {
		t.Fatalf("AdvanceTo(100ms) error = %v", err)
	}
	m.Pump(ctx)
	m.Pump(ctx)
	if got := runs.Load(); got != 1 {
		t.Errorf("runs = %d, want 1", got)
	}
}

// TestTaskQueueManager_DelayMonotonicity verifies a delayed task never runs early
func TestTaskQueueManager_DelayMonotonicity(t *testing.T) {
	// Arrange
	clock := newManualClock()
	m := newTestManager(t, clock)
	q := mustCreateQueue(t, m, QueueSpec{Name: "delayed"})
	var ranAt time.Time
	if err := m.PostDelayedTask(q, func(context.Context) { ranAt = clock.Now() }, 10*time.Millisecond); err != nil {
		t.Fatalf("PostDelayedTask() error = %v", err)
	}
	due := clock.Now().Add(10 * time.Millisecond)
	ctx := context.Background()

	// Act
	res := m.Pump(ctx)

	// Assert
	if res.TasksRun != 0 {
		t.Fatal("delayed task ran immediately")
	}
	if !res.HasDelayedWork || res.NextWakeDelay != 10*time.Millisecond {
		t.Errorf("NextWakeDelay = %v (%v), want 10ms", res.NextWakeDelay, res.HasDelayedWork)
	}

	clock.Advance(9 * time.Millisecond)
	if res := m.Pump(ctx); res.TasksRun != 0 {
		t.Fatal("delayed task ran 1ms early")
	}

	clock.Advance(time.Millisecond)
	if res := m.Pump(ctx); res.TasksRun != 1 {
		t.Fatalf("TasksRun = %d at due time, want 1", res.TasksRun)
	}
	if ranAt.Before(due) {
		t.Errorf("ran at %v, before due %v", ranAt, due)
	}
}

// TestTaskQueueManager_DelayedTasksWithSameTargetKeepOrder verifies ties keep posting order
func TestTaskQueueManager_DelayedTasksWithSameTargetKeepOrder(t *testing.T) {
	clock := newManualClock()
	m := newTestManager(t, clock)
	m.SetWorkBatchSize(10)
	q := mustCreateQueue(t, m, QueueSpec{Name: "q"})
	rec := &orderRecorder{}

	for _, label := range []string{"d1", "d2", "d3"} {
		if err := m.PostDelayedTask(q, rec.task(label), 5*time.Millisecond); err != nil {
			t.Fatalf("PostDelayedTask() error = %v", err)
		}
	}
	m.Pump(context.Background())
	clock.Advance(5 * time.Millisecond)
	m.Pump(context.Background())

	assertOrder(t, rec.Order(), "d1", "d2", "d3")
}

// TestTaskQueueManager_UnregisteredTimeDomain verifies domain registration is enforced
// Given: a virtual domain that was never registered
// When: a queue is created on it, and a domain with bound queues is unregistered
// Then: both calls fail with the matching usage error
func TestTaskQueueManager_UnregisteredTimeDomain(t *testing.T) {
	m := newTestManager(t, nil)
	vd := NewVirtualTimeDomain("", time.Unix(0, 0))

	_, err := m.CreateQueue(QueueSpec{Name: "orphan", TimeDomain: vd})
	if !errors.Is(err, ErrTimeDomainNotRegistered) {
		t.Fatalf("CreateQueue() error = %v, want ErrTimeDomainNotRegistered", err)
	}

	if err := m.RegisterTimeDomain(vd); err != nil {
		t.Fatalf("RegisterTimeDomain() error = %v", err)
	}
	if err := m.RegisterTimeDomain(vd); !errors.Is(err, ErrTimeDomainAlreadyRegistered) {
		t.Errorf("second RegisterTimeDomain() error = %v, want ErrTimeDomainAlreadyRegistered", err)
	}
	h := mustCreateQueue(t, m, QueueSpec{Name: "bound", TimeDomain: vd})

	if err := m.UnregisterTimeDomain(vd); !errors.Is(err, ErrTimeDomainInUse) {
		t.Errorf("UnregisterTimeDomain() error = %v, want ErrTimeDomainInUse", err)
	}
	if err := m.DestroyQueue(h); err != nil {
		t.Fatalf("DestroyQueue() error = %v", err)
	}
	if err := m.UnregisterTimeDomain(vd); err != nil {
		t.Errorf("UnregisterTimeDomain() after destroy error = %v", err)
	}
	if err := m.UnregisterTimeDomain(vd); err != nil {
		t.Errorf("UnregisterTimeDomain() of unknown domain error = %v, want nil", err)
	}
}

func TestVirtualTimeDomain_RejectsBackwardsAdvance(t *testing.T) {
	start := time.Unix(100, 0)
	vd := NewVirtualTimeDomain("v", start)

	err := vd.AdvanceTo(start.Add(-time.Second))

	if !errors.Is(err, ErrTimeWentBackwards) {
		t.Fatalf("AdvanceTo(past) error = %v, want ErrTimeWentBackwards", err)
	}
	if !vd.Now().Equal(start) {
		t.Errorf("Now() = %v, want unchanged %v", vd.Now(), start)
	}
}

// =============================================================================
// Cancellation
// =============================================================================

// TestTaskHandle_CancelIsIdempotent verifies cancelling twice or after run has no effect
func TestTaskHandle_CancelIsIdempotent(t *testing.T) {
	// Arrange
	m := newTestManager(t, nil)
	q := mustCreateQueue(t, m, QueueSpec{Name: "q"})
	var ran atomic.Int32
	cancelled, err := m.PostTaskWithOptions(q, func(context.Context) { ran.Add(1) }, TaskOptions{})
	if err != nil {
		t.Fatalf("PostTaskWithOptions() error = %v", err)
	}
	completed, err := m.PostTaskWithOptions(q, func(context.Context) { ran.Add(10) }, TaskOptions{Name: "completed"})
	if err != nil {
		t.Fatalf("PostTaskWithOptions() error = %v", err)
	}

	// Act
	first := cancelled.Cancel()
	second := cancelled.Cancel()
	m.RunUntilIdle(context.Background())
	afterRun := completed.Cancel()

	// Assert
	if !first || second {
		t.Errorf("Cancel() = %v then %v, want true then false", first, second)
	}
	if afterRun {
		t.Error("Cancel() after run = true, want false")
	}
	if got := ran.Load(); got != 10 {
		t.Errorf("ran = %d, want only the uncancelled task", got)
	}
	if cancelled.State() != TaskStateCancelled {
		t.Errorf("cancelled state = %v", cancelled.State())
	}
	if completed.State() != TaskStateCompleted {
		t.Errorf("completed state = %v", completed.State())
	}
	if got := m.GetNumberOfPendingTasks(); got != 0 {
		t.Errorf("GetNumberOfPendingTasks() = %d, want 0", got)
	}
}

// TestTaskQueueManager_SweepCanceledDelayedTasks verifies swept tasks leave the pending count
func TestTaskQueueManager_SweepCanceledDelayedTasks(t *testing.T) {
	clock := newManualClock()
	m := newTestManager(t, clock)
	q := mustCreateQueue(t, m, QueueSpec{Name: "q"})
	h, err := m.PostTaskWithOptions(q, func(context.Context) {}, TaskOptions{Delay: time.Hour})
	if err != nil {
		t.Fatalf("PostTaskWithOptions() error = %v", err)
	}
	m.Pump(context.Background())

	h.Cancel()
	swept := m.SweepCanceledDelayedTasks()

	if swept != 1 {
		t.Errorf("SweepCanceledDelayedTasks() = %d, want 1", swept)
	}
	if got := m.GetNumberOfPendingTasks(); got != 0 {
		t.Errorf("GetNumberOfPendingTasks() = %d, want 0", got)
	}
}

// TestTaskQueueManager_OwnerInvalidationDropsTask verifies WeakRef validity is checked at run time
func TestTaskQueueManager_OwnerInvalidationDropsTask(t *testing.T) {
	m := newTestManager(t, nil)
	q := mustCreateQueue(t, m, QueueSpec{Name: "q"})
	owner := NewOwner()
	var ran atomic.Bool
	h, err := m.PostTaskWithOptions(q, func(context.Context) { ran.Store(true) }, TaskOptions{Owner: owner.WeakRef()})
	if err != nil {
		t.Fatalf("PostTaskWithOptions() error = %v", err)
	}

	owner.Invalidate()
	m.RunUntilIdle(context.Background())

	if ran.Load() {
		t.Error("task ran after its owner was invalidated")
	}
	if h.State() != TaskStateCancelled {
		t.Errorf("State() = %v, want cancelled", h.State())
	}
}

// =============================================================================
// Queue lifecycle
// =============================================================================

// TestTaskQueueManager_StaleHandleRejected verifies destroyed handles stop resolving
// Given: a queue with a pending task
// When: the queue is destroyed and a new queue reuses its slot
// Then: posts through the old handle fail and the pending task is reported dropped
func TestTaskQueueManager_StaleHandleRejected(t *testing.T) {
	// Arrange
	m := newTestManager(t, nil)
	var dropped int
	m.SetObserver(&Observer{OnTasksDropped: func(_ QueueInfo, n int) { dropped += n }})
	old := mustCreateQueue(t, m, QueueSpec{Name: "old"})
	h, err := m.PostTaskWithOptions(old, func(context.Context) {}, TaskOptions{})
	if err != nil {
		t.Fatalf("PostTaskWithOptions() error = %v", err)
	}

	// Act
	if err := m.DestroyQueue(old); err != nil {
		t.Fatalf("DestroyQueue() error = %v", err)
	}
	reused := mustCreateQueue(t, m, QueueSpec{Name: "new"})

	// Assert
	if err := m.PostTask(old, func(context.Context) {}); !errors.Is(err, ErrQueueNotFound) {
		t.Errorf("PostTask(stale) error = %v, want ErrQueueNotFound", err)
	}
	if err := m.DestroyQueue(old); !errors.Is(err, ErrQueueNotFound) {
		t.Errorf("DestroyQueue(stale) error = %v, want ErrQueueNotFound", err)
	}
	if reused == old {
		t.Error("reused handle equals stale handle")
	}
	mustPost(t, m, reused, func(context.Context) {})
	if dropped != 1 {
		t.Errorf("dropped = %d, want 1", dropped)
	}
	if h.State() != TaskStateCancelled {
		t.Errorf("dropped task state = %v, want cancelled", h.State())
	}
}

func TestTaskQueueManager_CreateQueueRejectsInvalidPriority(t *testing.T) {
	m := newTestManager(t, nil)

	if _, err := m.CreateQueue(QueueSpec{Name: "bad", Priority: QueuePriority(42)}); err == nil {
		t.Fatal("CreateQueue() with invalid priority succeeded")
	}
}

func TestTaskQueueManager_NilTask(t *testing.T) {
	m := newTestManager(t, nil)
	q := mustCreateQueue(t, m, QueueSpec{Name: "q"})

	if err := m.PostTask(q, nil); !errors.Is(err, ErrNilTask) {
		t.Fatalf("PostTask(nil) error = %v, want ErrNilTask", err)
	}
}

// =============================================================================
// Shutdown
// =============================================================================

// TestTaskQueueManager_ShutdownIsTerminal verifies nothing runs or fires after Shutdown
// Given: a manager with an observer and pending tasks
// When: Shutdown is called twice
// Then: posts are rejected, pending tasks are cancelled and no callback fires
func TestTaskQueueManager_ShutdownIsTerminal(t *testing.T) {
	// Arrange
	m := newTestManager(t, nil)
	q := mustCreateQueue(t, m, QueueSpec{Name: "q"})
	var callbacks atomic.Int32
	m.SetObserver(&Observer{
		WillRunTask: func(TaskInfo) { callbacks.Add(1) },
		OnQuiescent: func() { callbacks.Add(1) },
	})
	h, err := m.PostTaskWithOptions(q, func(context.Context) { t.Error("task ran after shutdown") }, TaskOptions{})
	if err != nil {
		t.Fatalf("PostTaskWithOptions() error = %v", err)
	}

	// Act
	m.Shutdown()
	m.Shutdown()

	// Assert
	if m.State() != StateShutdown {
		t.Errorf("State() = %v, want shutdown", m.State())
	}
	if err := m.PostTask(q, func(context.Context) {}); !errors.Is(err, ErrManagerShutdown) {
		t.Errorf("PostTask() error = %v, want ErrManagerShutdown", err)
	}
	if _, err := m.CreateQueue(QueueSpec{Name: "late"}); !errors.Is(err, ErrManagerShutdown) {
		t.Errorf("CreateQueue() error = %v, want ErrManagerShutdown", err)
	}
	if err := m.DestroyQueue(q); err != nil {
		t.Errorf("DestroyQueue() after shutdown error = %v, want nil", err)
	}
	if res := m.Pump(context.Background()); !res.Shutdown || res.TasksRun != 0 {
		t.Errorf("Pump() = %+v, want shutdown with no tasks", res)
	}
	if h.State() != TaskStateCancelled {
		t.Errorf("pending task state = %v, want cancelled", h.State())
	}
	if got := callbacks.Load(); got != 0 {
		t.Errorf("observer fired %d times after shutdown", got)
	}
	select {
	case <-m.Done():
	default:
		t.Error("Done() not closed after Shutdown")
	}
}

// TestTaskQueueManager_ShutdownFromTask verifies a task can shut its own manager down
func TestTaskQueueManager_ShutdownFromTask(t *testing.T) {
	m := newTestManager(t, nil)
	m.SetWorkBatchSize(4)
	q := mustCreateQueue(t, m, QueueSpec{Name: "q"})
	rec := &orderRecorder{}
	mustPost(t, m, q, func(ctx context.Context) {
		rec.task("first")(ctx)
		GetCurrentManager(ctx).Shutdown()
	})
	mustPost(t, m, q, rec.task("second"))

	res := m.Pump(context.Background())

	assertOrder(t, rec.Order(), "first")
	if !res.Shutdown {
		t.Error("Pump() did not report shutdown")
	}
}

// =============================================================================
// Observers
// =============================================================================

// TestTaskQueueManager_ObserverPanicDoesNotAbortPump verifies instrumentation is isolated
// Given: an observer whose WillRunTask panics
// When: two tasks are pumped
// Then: both tasks still run
func TestTaskQueueManager_ObserverPanicDoesNotAbortPump(t *testing.T) {
	m := newTestManager(t, nil)
	m.SetWorkBatchSize(2)
	q := mustCreateQueue(t, m, QueueSpec{Name: "q"})
	m.SetObserver(&Observer{WillRunTask: func(TaskInfo) { panic("observer bug") }})
	rec := &orderRecorder{}
	mustPost(t, m, q, rec.task("a"))
	mustPost(t, m, q, rec.task("b"))

	res := m.Pump(context.Background())

	assertOrder(t, rec.Order(), "a", "b")
	if res.TasksRun != 2 {
		t.Errorf("TasksRun = %d, want 2", res.TasksRun)
	}
}

// TestTaskQueueManager_TaskPanicIsHandled verifies a panicking task reaches the PanicHandler
func TestTaskQueueManager_TaskPanicIsHandled(t *testing.T) {
	handler := &recordingPanicHandler{}
	m := NewTaskQueueManager(ManagerConfig{Logger: NewNoOpLogger(), PanicHandler: handler})
	defer m.Shutdown()
	q := mustCreateQueue(t, m, QueueSpec{Name: "boom"})
	rec := &orderRecorder{}
	mustPost(t, m, q, func(context.Context) { panic("task bug") })
	mustPost(t, m, q, rec.task("after"))

	m.RunUntilIdle(context.Background())

	assertOrder(t, rec.Order(), "after")
	if handler.count.Load() != 1 || handler.queue.Load() != "boom" {
		t.Errorf("panic handler calls = %d, queue = %v", handler.count.Load(), handler.queue.Load())
	}
	last := m.RecentTasks(2)
	if len(last) != 2 || !last[1].Panicked || last[0].Panicked {
		t.Errorf("RecentTasks() = %+v, want the older record marked panicked", last)
	}
}

type recordingPanicHandler struct {
	count atomic.Int32
	queue atomic.Value
}

func (h *recordingPanicHandler) HandlePanic(_ context.Context, queueName string, _ any, _ []byte) {
	h.count.Add(1)
	h.queue.Store(queueName)
}

// TestTaskQueueManager_PausedDueTaskIsNotDelayedWork verifies paused queues drop out of wake hints
// Given: paused queues on the real-time and a virtual domain, each holding a delayed task that is due
// When: the manager is pumped
// Then: nothing runs, no delayed work is reported and the pump is quiescent
func TestTaskQueueManager_PausedDueTaskIsNotDelayedWork(t *testing.T) {
	// Arrange
	clock := newManualClock()
	m := newTestManager(t, clock)
	virtual := NewVirtualTimeDomain("virtual", clock.Now())
	if err := m.RegisterTimeDomain(virtual); err != nil {
		t.Fatalf("RegisterTimeDomain() error = %v", err)
	}
	wall := mustCreateQueue(t, m, QueueSpec{Name: "wall"})
	virt := mustCreateQueue(t, m, QueueSpec{Name: "virt", TimeDomain: virtual})
	rec := &orderRecorder{}
	for _, h := range []QueueHandle{wall, virt} {
		if err := m.PostDelayedTask(h, rec.task(h.String()), 10*time.Millisecond); err != nil {
			t.Fatalf("PostDelayedTask() error = %v", err)
		}
		if err := m.PauseQueue(h); err != nil {
			t.Fatalf("PauseQueue() error = %v", err)
		}
	}
	clock.Advance(20 * time.Millisecond)
	if err := virtual.AdvanceBy(20 * time.Millisecond); err != nil {
		t.Fatalf("AdvanceBy() error = %v", err)
	}

	// Act
	res := m.Pump(context.Background())

	// Assert
	if res.TasksRun != 0 || len(rec.Order()) != 0 {
		t.Fatalf("Pump() ran %d tasks on paused queues", res.TasksRun)
	}
	if res.HasDelayedWork || res.HasNextRunTime {
		t.Errorf("Pump() = %+v, want no delayed work from paused queues", res)
	}
	if !res.Quiescent {
		t.Error("Pump() was not quiescent")
	}

	for _, h := range []QueueHandle{wall, virt} {
		if err := m.ResumeQueue(h); err != nil {
			t.Fatalf("ResumeQueue() error = %v", err)
		}
	}
	if ran := m.RunUntilIdle(context.Background()); ran != 2 {
		t.Errorf("RunUntilIdle() = %d after resume, want 2", ran)
	}
}

// TestTaskHandle_CancelWinsWhilePoppedTaskIsBlocked verifies Cancel still works after selection
// Given: a task that is popped, then finds its queue paused and is cancelled in that window
// When: the queue is resumed and pumped again
// Then: Cancel reports success and the task never runs
func TestTaskHandle_CancelWinsWhilePoppedTaskIsBlocked(t *testing.T) {
	// Arrange
	m := newTestManager(t, nil)
	q := mustCreateQueue(t, m, QueueSpec{Name: "racy"})
	rec := &orderRecorder{}
	h, err := m.PostTaskWithOptions(q, rec.task("t"), TaskOptions{Name: "t"})
	if err != nil {
		t.Fatalf("PostTaskWithOptions() error = %v", err)
	}
	var cancelled bool
	m.beforeRun = func(tq *TaskQueue) {
		m.beforeRun = nil
		tq.Pause()
		cancelled = h.Cancel()
	}

	// Act
	m.Pump(context.Background())
	if err := m.ResumeQueue(q); err != nil {
		t.Fatalf("ResumeQueue() error = %v", err)
	}
	m.RunUntilIdle(context.Background())

	// Assert
	if !cancelled {
		t.Error("Cancel() = false for a task that had not started")
	}
	if len(rec.Order()) != 0 {
		t.Error("cancelled task ran")
	}
	if h.State() != TaskStateCancelled {
		t.Errorf("State() = %v, want cancelled", h.State())
	}
	if n := m.GetNumberOfPendingTasks(); n != 0 {
		t.Errorf("GetNumberOfPendingTasks() = %d, want 0", n)
	}
}

// TestTaskQueueManager_BlockedTaskNotification verifies the enabled recheck after pop
// Given: a queue that gets paused between selection and execution
// When: the manager pumps
// Then: the task does not run, the blocked hook fires and the task runs after resume
func TestTaskQueueManager_BlockedTaskNotification(t *testing.T) {
	// Arrange
	m := newTestManager(t, nil)
	q := mustCreateQueue(t, m, QueueSpec{Name: "racy"})
	var blocked []string
	m.SetObserver(&Observer{
		OnTriedToExecuteBlockedTask: func(queue QueueInfo, task TaskInfo) {
			blocked = append(blocked, queue.Name+"/"+task.Name)
		},
	})
	pauseOnce := true
	m.beforeRun = func(tq *TaskQueue) {
		if pauseOnce {
			pauseOnce = false
			tq.Pause()
		}
	}
	rec := &orderRecorder{}
	h, err := m.PostTaskWithOptions(q, rec.task("t"), TaskOptions{Name: "t"})
	if err != nil {
		t.Fatalf("PostTaskWithOptions() error = %v", err)
	}

	// Act
	res := m.Pump(context.Background())

	// Assert
	if res.TasksRun != 0 || len(rec.Order()) != 0 {
		t.Fatal("task ran on a paused queue")
	}
	if len(blocked) != 1 || blocked[0] != "racy/t" {
		t.Errorf("blocked = %v, want [racy/t]", blocked)
	}
	if h.State() != TaskStateReady {
		t.Errorf("State() = %v, want ready", h.State())
	}

	if err := m.ResumeQueue(q); err != nil {
		t.Fatalf("ResumeQueue() error = %v", err)
	}
	m.RunUntilIdle(context.Background())
	assertOrder(t, rec.Order(), "t")
}

// TestTaskQueueManager_NestedPump verifies nested run loop notifications and non-nestable deferral
// Given: an outer task that pumps again, a pending non-nestable task and a nestable task on another queue
// When: the outer task runs
// Then: the nested pump runs only the nestable task and the non-nestable one runs afterwards
func TestTaskQueueManager_NestedPump(t *testing.T) {
	// Arrange
	m := newTestManager(t, nil)
	m.SetWorkBatchSize(1)
	outerQ := mustCreateQueue(t, m, QueueSpec{Name: "outer"})
	otherQ := mustCreateQueue(t, m, QueueSpec{Name: "other"})
	rec := &orderRecorder{}
	var events []string
	m.SetObserver(&Observer{
		OnBeginNestedRunLoop: func(depth int) { events = append(events, fmt.Sprintf("begin:%d", depth)) },
		OnExitNestedRunLoop:  func(depth int) { events = append(events, fmt.Sprintf("exit:%d", depth)) },
	})

	var nestedDepth int
	mustPost(t, m, outerQ, func(ctx context.Context) {
		rec.task("outer")(ctx)
		m.Pump(ctx)
	})
	if err := m.PostNonNestableTask(outerQ, rec.task("non-nestable")); err != nil {
		t.Fatalf("PostNonNestableTask() error = %v", err)
	}
	mustPost(t, m, otherQ, func(ctx context.Context) {
		rec.task("nestable")(ctx)
		info, _ := CurrentTaskInfo(ctx)
		nestedDepth = info.NestingDepth
	})

	// Act
	m.RunUntilIdle(context.Background())

	// Assert
	assertOrder(t, rec.Order(), "outer", "nestable", "non-nestable")
	assertOrder(t, events, "begin:1", "exit:1")
	if nestedDepth != 1 {
		t.Errorf("NestingDepth = %d, want 1", nestedDepth)
	}
}

// TestTaskQueueManager_QueueNonEmptyObserver verifies the hook fires on the empty to non-empty edge
func TestTaskQueueManager_QueueNonEmptyObserver(t *testing.T) {
	m := newTestManager(t, nil)
	m.SetWorkBatchSize(4)
	q := mustCreateQueue(t, m, QueueSpec{Name: "edge"})
	var edges atomic.Int32
	m.SetObserver(&Observer{OnQueueNonEmpty: func(QueueInfo) { edges.Add(1) }})

	mustPost(t, m, q, func(context.Context) {})
	mustPost(t, m, q, func(context.Context) {})
	m.RunUntilIdle(context.Background())
	mustPost(t, m, q, func(context.Context) {})
	m.RunUntilIdle(context.Background())

	if got := edges.Load(); got != 2 {
		t.Errorf("OnQueueNonEmpty fired %d times, want 2", got)
	}
}

// TestTaskQueueManager_Quiescence verifies the quiescent bit and the OnQuiescent hook
func TestTaskQueueManager_Quiescence(t *testing.T) {
	m := newTestManager(t, nil)
	monitored := mustCreateQueue(t, m, QueueSpec{Name: "monitored", MonitorQuiescence: true})
	plain := mustCreateQueue(t, m, QueueSpec{Name: "plain"})
	var quiescent atomic.Int32
	m.SetObserver(&Observer{OnQuiescent: func() { quiescent.Add(1) }})

	if !m.GetAndClearSystemIsQuiescentBit() {
		t.Fatal("fresh manager is not quiescent")
	}

	mustPost(t, m, plain, func(context.Context) {})
	m.RunUntilIdle(context.Background())
	if !m.GetAndClearSystemIsQuiescentBit() {
		t.Error("unmonitored task cleared the quiescent bit")
	}

	mustPost(t, m, monitored, func(context.Context) {})
	m.RunUntilIdle(context.Background())
	if m.GetAndClearSystemIsQuiescentBit() {
		t.Error("quiescent after a monitored task ran")
	}
	if !m.GetAndClearSystemIsQuiescentBit() {
		t.Error("bit was not cleared by the previous call")
	}

	res := m.Pump(context.Background())
	if !res.Quiescent {
		t.Error("empty pump not quiescent")
	}
	if quiescent.Load() == 0 {
		t.Error("OnQuiescent never fired")
	}
}

// TestTaskQueueManager_TaskTimeObserver verifies the observer contract with a gomock mock
func TestTaskQueueManager_TaskTimeObserver(t *testing.T) {
	ctrl := gomock.NewController(t)
	clock := newManualClock()
	m := newTestManager(t, clock)
	q := mustCreateQueue(t, m, QueueSpec{Name: "timed"})
	obs := NewMockTaskTimeObserver(ctrl)

	gomock.InOrder(
		obs.EXPECT().WillProcessTask(gomock.Any(), clock.Now()).Do(func(info TaskInfo, _ time.Time) {
			if info.Name != "timed-task" || info.Queue.Name != "timed" {
				t.Errorf("WillProcessTask info = %+v", info)
			}
		}),
		obs.EXPECT().DidProcessTask(gomock.Any()).Do(func(timing TaskTiming) {
			if timing.Duration() != 5*time.Millisecond {
				t.Errorf("Duration() = %v, want 5ms", timing.Duration())
			}
			if timing.Panicked {
				t.Error("Panicked = true")
			}
		}),
	)

	m.AddTaskTimeObserver(obs)
	m.AddTaskTimeObserver(obs)
	if _, err := m.PostTaskWithOptions(q, func(context.Context) { clock.Advance(5 * time.Millisecond) }, TaskOptions{Name: "timed-task"}); err != nil {
		t.Fatalf("PostTaskWithOptions() error = %v", err)
	}
	m.RunUntilIdle(context.Background())

	m.RemoveTaskTimeObserver(obs)
	mustPost(t, m, q, func(context.Context) {})
	m.RunUntilIdle(context.Background())
}

// =============================================================================
// Introspection
// =============================================================================

func TestTaskQueueManager_StatsAndContext(t *testing.T) {
	m := newTestManager(t, nil)
	q := mustCreateQueue(t, m, QueueSpec{Name: "stats", Priority: PriorityLow})
	var sawRunner bool
	mustPost(t, m, q, func(ctx context.Context) {
		r := GetCurrentTaskRunner(ctx)
		sawRunner = r != nil && r.RunsTasksInCurrentSequence(ctx) && r.Handle() == q
	})
	if err := m.PostDelayedTask(q, func(context.Context) {}, time.Hour); err != nil {
		t.Fatalf("PostDelayedTask() error = %v", err)
	}

	m.RunUntilIdle(context.Background())
	stats := m.Stats()

	if !sawRunner {
		t.Error("task could not see its own runner")
	}
	if stats.State != StateActive || stats.TasksRun != 1 || stats.PendingTasks != 1 {
		t.Errorf("Stats() = %+v", stats)
	}
	if len(stats.Queues) != 1 || stats.Queues[0].Delayed != 1 || stats.Queues[0].Ran != 1 {
		t.Errorf("queue stats = %+v", stats.Queues)
	}
	if _, ok := CurrentTaskInfo(context.Background()); ok {
		t.Error("CurrentTaskInfo outside a task reported ok")
	}
}
