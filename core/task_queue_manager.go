package core

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// ManagerState is the lifecycle of a TaskQueueManager. It only moves forward.
type ManagerState int32

const (
	StateActive ManagerState = iota
	StateShuttingDown
	StateShutdown
)

func (s ManagerState) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateShuttingDown:
		return "shutting_down"
	case StateShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// PumpResult tells the host loop what one Pump did and when to call again.
type PumpResult struct {
	TasksRun int

	// HasMoreWork means ready tasks remain; the host loop should pump again
	// after servicing its own work.
	HasMoreWork bool

	// NextRunTime is the earliest NextScheduledRunTime over all registered
	// time domains. Its clock depends on the domain it came from.
	NextRunTime    time.Time
	HasNextRunTime bool

	// NextWakeDelay is how long the host loop may sleep before the next
	// delayed task is due, valid when HasDelayedWork is set.
	NextWakeDelay  time.Duration
	HasDelayedWork bool

	// Quiescent is set when no queue had ready work and nothing delayed is due.
	Quiescent bool

	// Shutdown means the manager is shut down; the host loop should stop.
	Shutdown bool
}

// TaskQueueManager multiplexes TaskQueues onto one owner goroutine: the one
// that calls Pump. Posting, queue creation and queue state changes are safe
// from any goroutine.
type TaskQueueManager struct {
	logger              Logger
	panicHandler        PanicHandler
	metrics             Metrics
	rejectedTaskHandler RejectedTaskHandler
	clock               Clock
	realTime            *RealTimeDomain
	history             *TaskHistory

	state     atomic.Int32
	sequence  atomic.Uint64
	batchSize atomic.Int32

	mu      sync.Mutex
	arena   queueArena
	domains []TimeDomain

	observer          atomic.Pointer[Observer]
	taskTimeObservers atomic.Pointer[[]TaskTimeObserver]

	wake         chan struct{}
	shutdownCh   chan struct{}
	shutdownOnce sync.Once

	nestingDepth atomic.Int32
	tasksRun     atomic.Int64

	// monitoredTaskRan is set whenever a task from a quiescence-monitored
	// queue runs, and cleared by GetAndClearSystemIsQuiescentBit.
	monitoredTaskRan atomic.Bool

	// beforeRun runs between popping a task and the enabled recheck. Tests only.
	beforeRun func(q *TaskQueue)
}

// NewTaskQueueManager creates a manager with its RealTimeDomain registered.
func NewTaskQueueManager(cfg ManagerConfig) *TaskQueueManager {
	cfg = cfg.withDefaults()

	m := &TaskQueueManager{
		logger:              cfg.Logger,
		panicHandler:        cfg.PanicHandler,
		metrics:             cfg.Metrics,
		rejectedTaskHandler: cfg.RejectedTaskHandler,
		clock:               cfg.Clock,
		history:             NewTaskHistory(cfg.HistoryCapacity),
		wake:                make(chan struct{}, 1),
		shutdownCh:          make(chan struct{}),
	}
	m.batchSize.Store(int32(cfg.WorkBatchSize))
	m.realTime = NewRealTimeDomain(cfg.Clock)
	if err := m.RegisterTimeDomain(m.realTime); err != nil {
		panic(fmt.Sprintf("core: register real time domain: %v", err))
	}
	return m
}

// =============================================================================
// Lifecycle and introspection
// =============================================================================

func (m *TaskQueueManager) State() ManagerState {
	return ManagerState(m.state.Load())
}

func (m *TaskQueueManager) Logger() Logger {
	return m.logger
}

// RealTimeDomain is the domain queues use when their QueueSpec names none.
func (m *TaskQueueManager) RealTimeDomain() *RealTimeDomain {
	return m.realTime
}

// WakeUp delivers a value whenever the manager wants a pump. Wake-ups coalesce.
func (m *TaskQueueManager) WakeUp() <-chan struct{} {
	return m.wake
}

// Done is closed once Shutdown completes.
func (m *TaskQueueManager) Done() <-chan struct{} {
	return m.shutdownCh
}

// ScheduleWork requests a pump from the host loop.
func (m *TaskQueueManager) ScheduleWork() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *TaskQueueManager) WorkBatchSize() int {
	return int(m.batchSize.Load())
}

// SetWorkBatchSize sets how many tasks a pump runs before yielding; n < 1 means 1.
func (m *TaskQueueManager) SetWorkBatchSize(n int) {
	if n < 1 {
		n = 1
	}
	m.batchSize.Store(int32(n))
}

// GetNumberOfPendingTasks counts queued tasks, delayed ones included, across
// all registered queues.
func (m *TaskQueueManager) GetNumberOfPendingTasks() int {
	m.mu.Lock()
	queues := m.arena.snapshot()
	m.mu.Unlock()

	total := 0
	for _, q := range queues {
		total += int(q.pending.Load())
	}
	return total
}

// readyTaskCount counts non-delayed tasks of enabled queues.
func (m *TaskQueueManager) readyTaskCount() int {
	m.mu.Lock()
	queues := m.arena.snapshot()
	m.mu.Unlock()

	total := 0
	for _, q := range queues {
		if !q.IsEnabled() {
			continue
		}
		total += int(q.pending.Load() - q.delayedCount.Load())
	}
	return total
}

// GetAndClearSystemIsQuiescentBit reports whether no task from a
// quiescence-monitored queue ran since the previous call.
func (m *TaskQueueManager) GetAndClearSystemIsQuiescentBit() bool {
	return !m.monitoredTaskRan.Swap(false)
}

// RecentTasks returns the newest executed tasks first.
func (m *TaskQueueManager) RecentTasks(limit int) []TaskExecutionRecord {
	return m.history.Recent(limit)
}

func (m *TaskQueueManager) Stats() ManagerStats {
	m.mu.Lock()
	queues := m.arena.snapshot()
	domains := make([]string, 0, len(m.domains))
	for _, d := range m.domains {
		domains = append(domains, d.Name())
	}
	m.mu.Unlock()

	stats := ManagerStats{
		State:             m.State(),
		WorkBatchSize:     m.WorkBatchSize(),
		TasksRun:          m.tasksRun.Load(),
		NestingDepth:      int(m.nestingDepth.Load()),
		TaskTimeObservers: len(m.taskTimeObserverList()),
		TimeDomains:       domains,
		Queues:            make([]QueueStats, 0, len(queues)),
	}
	for _, q := range queues {
		qs := q.Stats()
		stats.PendingTasks += qs.Pending
		stats.Queues = append(stats.Queues, qs)
	}
	return stats
}

// Shutdown stops the manager for good. Pending tasks are cancelled, observers
// are detached and every later post is rejected. It is idempotent and may be
// called from any goroutine, including from inside a running task.
func (m *TaskQueueManager) Shutdown() {
	m.shutdownOnce.Do(func() {
		m.state.Store(int32(StateShuttingDown))
		m.observer.Store(nil)
		m.taskTimeObservers.Store(nil)

		m.mu.Lock()
		queues := m.arena.reset()
		domains := m.domains
		m.domains = nil
		m.mu.Unlock()

		dropped := 0
		for _, q := range queues {
			q.domain.base().unbind(q)
			dropped += q.detach()
		}
		for _, d := range domains {
			d.base().setWake(nil)
		}

		m.state.Store(int32(StateShutdown))
		m.logger.Info("task queue manager shut down",
			F("queues", len(queues)),
			F("dropped_tasks", dropped))

		close(m.shutdownCh)
		m.ScheduleWork()
	})
}

// =============================================================================
// Time domains
// =============================================================================

func (m *TaskQueueManager) RegisterTimeDomain(d TimeDomain) error {
	if d == nil {
		return fmt.Errorf("register nil time domain: %w", ErrTimeDomainNotRegistered)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.State() != StateActive {
		return ErrManagerShutdown
	}
	for _, existing := range m.domains {
		if existing == d {
			return fmt.Errorf("register %s: %w", d.Name(), ErrTimeDomainAlreadyRegistered)
		}
	}
	m.domains = append(m.domains, d)
	d.base().setWake(m.ScheduleWork)
	return nil
}

// UnregisterTimeDomain removes d. Unregistering an unknown domain is a no-op;
// a domain that still has queues bound to it is refused.
func (m *TaskQueueManager) UnregisterTimeDomain(d TimeDomain) error {
	if d == nil {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for i, existing := range m.domains {
		if existing != d {
			continue
		}
		if d.base().boundCount() > 0 {
			return fmt.Errorf("unregister %s: %w", d.Name(), ErrTimeDomainInUse)
		}
		m.domains = append(m.domains[:i:i], m.domains[i+1:]...)
		d.base().setWake(nil)
		return nil
	}
	return nil
}

func (m *TaskQueueManager) domainRegisteredLocked(d TimeDomain) bool {
	for _, existing := range m.domains {
		if existing == d {
			return true
		}
	}
	return false
}

func (m *TaskQueueManager) registeredDomains() []TimeDomain {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TimeDomain, len(m.domains))
	copy(out, m.domains)
	return out
}

// NextScheduledRunTime is the earliest delayed-task target over all domains.
func (m *TaskQueueManager) NextScheduledRunTime() (time.Time, bool) {
	var next time.Time
	found := false
	for _, d := range m.registeredDomains() {
		t, ok := d.NextScheduledRunTime()
		if !ok {
			continue
		}
		if !found || t.Before(next) {
			next, found = t, true
		}
	}
	return next, found
}

func (m *TaskQueueManager) delayTillNextTask() (time.Duration, bool) {
	var delay time.Duration
	found := false
	for _, d := range m.registeredDomains() {
		dd, ok := d.DelayTillNextTask()
		if !ok {
			continue
		}
		if !found || dd < delay {
			delay, found = dd, true
		}
	}
	return delay, found
}

// =============================================================================
// Queues
// =============================================================================

// CreateQueue registers a new queue and returns its handle.
func (m *TaskQueueManager) CreateQueue(spec QueueSpec) (QueueHandle, error) {
	if !spec.Priority.valid() {
		return QueueHandle{}, fmt.Errorf("create queue %q: invalid priority %d", spec.Name, spec.Priority)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.State() != StateActive {
		return QueueHandle{}, ErrManagerShutdown
	}
	if spec.TimeDomain == nil {
		spec.TimeDomain = m.realTime
	}
	if !m.domainRegisteredLocked(spec.TimeDomain) {
		return QueueHandle{}, fmt.Errorf("create queue %q on %s: %w",
			spec.Name, spec.TimeDomain.Name(), ErrTimeDomainNotRegistered)
	}

	h := m.arena.reserve()
	if spec.Name == "" {
		spec.Name = fmt.Sprintf("queue-%d", h.index)
	}
	q := newTaskQueue(h, spec)
	m.arena.insert(q)
	spec.TimeDomain.base().bind(q)

	m.logger.Info("task queue created",
		F("queue", q.name),
		F("priority", spec.Priority.String()),
		F("time_domain", spec.TimeDomain.Name()))
	return h, nil
}

// CreateSchedulingQueue creates a queue whose tier follows a coarse TaskPriority.
func (m *TaskQueueManager) CreateSchedulingQueue(name string, priority TaskPriority) (QueueHandle, error) {
	return m.CreateQueue(QueueSpec{Name: name, Priority: priority.QueuePriority()})
}

// DestroyQueue unregisters the queue and cancels its pending tasks. The
// handle, and every copy of it, stops resolving. After Shutdown every queue
// is already gone and DestroyQueue returns nil.
func (m *TaskQueueManager) DestroyQueue(h QueueHandle) error {
	m.mu.Lock()
	q, ok := m.arena.remove(h)
	m.mu.Unlock()
	if !ok {
		if m.State() != StateActive {
			return nil
		}
		return fmt.Errorf("destroy %s: %w", h, ErrQueueNotFound)
	}

	q.domain.base().unbind(q)
	dropped := q.detach()
	for range dropped {
		m.metrics.RecordTaskRejected(q.name, "queue_destroyed")
	}
	m.metrics.RecordQueueDepth(q.name, 0)

	if dropped > 0 {
		if o := m.activeObserver(); o != nil && o.OnTasksDropped != nil {
			info := q.info()
			safeCall(m.logger, "OnTasksDropped", func() { o.OnTasksDropped(info, dropped) })
		}
	}
	m.logger.Info("task queue destroyed", F("queue", q.name), F("dropped_tasks", dropped))
	return nil
}

func (m *TaskQueueManager) lookup(h QueueHandle) (*TaskQueue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.State() != StateActive {
		return nil, ErrManagerShutdown
	}
	q, ok := m.arena.lookup(h)
	if !ok {
		return nil, fmt.Errorf("%s: %w", h, ErrQueueNotFound)
	}
	return q, nil
}

func (m *TaskQueueManager) SetQueuePriority(h QueueHandle, p QueuePriority) error {
	if !p.valid() {
		return fmt.Errorf("set priority of %s: invalid priority %d", h, p)
	}
	q, err := m.lookup(h)
	if err != nil {
		return err
	}
	q.SetPriority(p)
	return nil
}

// SetSchedulingPriority re-maps a scheduling queue onto a new tier.
func (m *TaskQueueManager) SetSchedulingPriority(h QueueHandle, priority TaskPriority) error {
	return m.SetQueuePriority(h, priority.QueuePriority())
}

// PauseQueue hides the queue from selection; its tasks stay queued.
func (m *TaskQueueManager) PauseQueue(h QueueHandle) error {
	q, err := m.lookup(h)
	if err != nil {
		return err
	}
	q.Pause()
	return nil
}

func (m *TaskQueueManager) ResumeQueue(h QueueHandle) error {
	q, err := m.lookup(h)
	if err != nil {
		return err
	}
	q.Resume()
	m.ScheduleWork()
	return nil
}

func (m *TaskQueueManager) QueueInfo(h QueueHandle) (QueueInfo, error) {
	q, err := m.lookup(h)
	if err != nil {
		return QueueInfo{}, err
	}
	return q.info(), nil
}

func (m *TaskQueueManager) QueueStats(h QueueHandle) (QueueStats, error) {
	q, err := m.lookup(h)
	if err != nil {
		return QueueStats{}, err
	}
	return q.Stats(), nil
}

// SweepCanceledDelayedTasks drops cancelled tasks from every delayed set so
// they stop holding memory until their target time.
func (m *TaskQueueManager) SweepCanceledDelayedTasks() int {
	m.mu.Lock()
	queues := m.arena.snapshot()
	m.mu.Unlock()

	swept := 0
	for _, q := range queues {
		swept += q.sweepCancelled()
	}
	return swept
}

// =============================================================================
// Posting
// =============================================================================

func (m *TaskQueueManager) PostTask(h QueueHandle, task Task) error {
	_, err := m.PostTaskWithOptions(h, task, TaskOptions{})
	return err
}

func (m *TaskQueueManager) PostDelayedTask(h QueueHandle, task Task, delay time.Duration) error {
	_, err := m.PostTaskWithOptions(h, task, TaskOptions{Delay: delay})
	return err
}

func (m *TaskQueueManager) PostNonNestableTask(h QueueHandle, task Task) error {
	_, err := m.PostTaskWithOptions(h, task, TaskOptions{NonNestable: true})
	return err
}

// PostTaskWithOptions posts task and returns a handle that can cancel it.
// Posting never blocks on the owner goroutine.
func (m *TaskQueueManager) PostTaskWithOptions(h QueueHandle, task Task, opts TaskOptions) (*TaskHandle, error) {
	if task == nil {
		return nil, ErrNilTask
	}

	q, err := m.lookup(h)
	if err != nil {
		m.reject("", rejectReason(err))
		return nil, err
	}

	now := q.domain.Now()
	t := &pendingTask{
		task:     task,
		id:       GenerateTaskID(),
		name:     resolveTaskName(task, opts.Name),
		postedAt: now,
		nestable: !opts.NonNestable,
		owner:    opts.Owner,
	}
	initial := TaskStateReady
	if opts.Delay > 0 {
		t.runAt = now.Add(opts.Delay)
		initial = TaskStateDelayed
	}
	t.state = newTaskState(initial)

	needsWake, ok := q.post(t, m.nextSequence)
	if !ok {
		q.rejected.Add(1)
		if m.State() != StateActive {
			m.reject(q.name, "shutdown")
			return nil, ErrManagerShutdown
		}
		m.reject(q.name, "queue_destroyed")
		return nil, fmt.Errorf("%s: %w", h, ErrQueueNotFound)
	}
	if needsWake {
		m.ScheduleWork()
	}
	return &TaskHandle{id: t.id, name: t.name, state: t.state}, nil
}

func rejectReason(err error) string {
	if errors.Is(err, ErrManagerShutdown) {
		return "shutdown"
	}
	return "queue_not_found"
}

func (m *TaskQueueManager) reject(queueName, reason string) {
	m.metrics.RecordTaskRejected(queueName, reason)
	m.rejectedTaskHandler.HandleRejectedTask(queueName, reason)
}

func (m *TaskQueueManager) nextSequence() uint64 {
	v := m.sequence.Add(1)
	if v == 0 {
		panic("core: task sequence number overflowed")
	}
	return v
}

// =============================================================================
// Observers
// =============================================================================

// SetObserver replaces the primary observer; nil detaches it.
func (m *TaskQueueManager) SetObserver(o *Observer) {
	if m.State() != StateActive {
		return
	}
	m.observer.Store(o)
}

func (m *TaskQueueManager) activeObserver() *Observer {
	if m.State() != StateActive {
		return nil
	}
	return m.observer.Load()
}

// AddTaskTimeObserver attaches o; attaching the same observer twice is a no-op.
func (m *TaskQueueManager) AddTaskTimeObserver(o TaskTimeObserver) {
	if o == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.State() != StateActive {
		return
	}

	cur := m.taskTimeObserverList()
	for _, existing := range cur {
		if existing == o {
			return
		}
	}
	next := make([]TaskTimeObserver, 0, len(cur)+1)
	next = append(next, cur...)
	next = append(next, o)
	m.taskTimeObservers.Store(&next)
}

func (m *TaskQueueManager) RemoveTaskTimeObserver(o TaskTimeObserver) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.taskTimeObserverList()
	next := make([]TaskTimeObserver, 0, len(cur))
	for _, existing := range cur {
		if existing != o {
			next = append(next, existing)
		}
	}
	if len(next) == len(cur) {
		return
	}
	m.taskTimeObservers.Store(&next)
}

func (m *TaskQueueManager) taskTimeObserverList() []TaskTimeObserver {
	if p := m.taskTimeObservers.Load(); p != nil {
		return *p
	}
	return nil
}

// =============================================================================
// Pump
// =============================================================================

// Pump runs up to WorkBatchSize tasks and reports when it wants to run again.
// It must only be called from the owner goroutine. Calling it from inside a
// running task starts a nested run loop, in which non-nestable tasks wait
// until the outer task finishes.
func (m *TaskQueueManager) Pump(ctx context.Context) PumpResult {
	if m.State() != StateActive {
		return PumpResult{Shutdown: true}
	}

	depth := int(m.nestingDepth.Load())
	nested := depth > 0
	if nested {
		if o := m.activeObserver(); o != nil && o.OnBeginNestedRunLoop != nil {
			safeCall(m.logger, "OnBeginNestedRunLoop", func() { o.OnBeginNestedRunLoop(depth) })
		}
		defer func() {
			if o := m.activeObserver(); o != nil && o.OnExitNestedRunLoop != nil {
				safeCall(m.logger, "OnExitNestedRunLoop", func() { o.OnExitNestedRunLoop(depth) })
			}
		}()
	}

	// Queues created by tasks of this pump are picked up by the next one.
	m.mu.Lock()
	snapshot := m.arena.snapshot()
	m.mu.Unlock()

	var res PumpResult
	batch := m.WorkBatchSize()
	for res.TasksRun < batch && m.State() == StateActive {
		q := m.selectQueue(snapshot, nested)
		if q == nil {
			break
		}

		t, ok := q.NextReadyTask(m.nextSequence)
		if !ok {
			continue
		}
		if m.beforeRun != nil {
			m.beforeRun(q)
		}
		if !q.IsEnabled() || q.detached.Load() {
			q.pushBackFront(t)
			m.notifyBlocked(q, t, depth)
			continue
		}
		if nested && !t.nestable {
			q.pushBackFront(t)
			continue
		}
		if !t.claim() {
			continue
		}

		m.runTask(ctx, q, t, depth)
		res.TasksRun++
	}

	if m.State() != StateActive {
		res.Shutdown = true
		return res
	}

	res.HasMoreWork = hasReadyWork(snapshot, nested)
	res.NextRunTime, res.HasNextRunTime = m.NextScheduledRunTime()
	res.NextWakeDelay, res.HasDelayedWork = m.delayTillNextTask()

	if res.TasksRun == 0 && !res.HasMoreWork {
		res.Quiescent = !res.HasDelayedWork || res.NextWakeDelay > 0
		if res.Quiescent {
			if o := m.activeObserver(); o != nil && o.OnQuiescent != nil {
				safeCall(m.logger, "OnQuiescent", o.OnQuiescent)
			}
		}
	}
	return res
}

// RunUntilIdle pumps until a pump finds nothing to run. Delayed tasks that
// are not due yet are left alone. It returns the number of tasks run.
func (m *TaskQueueManager) RunUntilIdle(ctx context.Context) int {
	total := 0
	for ctx.Err() == nil {
		res := m.Pump(ctx)
		total += res.TasksRun
		if res.Shutdown || res.TasksRun == 0 {
			break
		}
	}
	return total
}

// selectQueue picks the enabled queue with the highest tier, breaking ties
// by the smallest enqueue order at the front, which keeps FIFO order across
// queues of one tier.
func (m *TaskQueueManager) selectQueue(snapshot []*TaskQueue, nested bool) *TaskQueue {
	var (
		best      *TaskQueue
		bestPri   QueuePriority
		bestOrder uint64
	)
	for _, q := range snapshot {
		if q.detached.Load() || !q.IsEnabled() {
			continue
		}

		front, becameNonEmpty := q.prepare(m.nextSequence)
		if becameNonEmpty {
			if o := m.activeObserver(); o != nil && o.OnQueueNonEmpty != nil {
				info := q.info()
				safeCall(m.logger, "OnQueueNonEmpty", func() { o.OnQueueNonEmpty(info) })
			}
		}
		if front == nil || (nested && !front.nestable) {
			continue
		}

		p := q.Priority()
		if best == nil || p < bestPri || (p == bestPri && front.enqueueOrder < bestOrder) {
			best, bestPri, bestOrder = q, p, front.enqueueOrder
		}
	}
	return best
}

func hasReadyWork(snapshot []*TaskQueue, nested bool) bool {
	for _, q := range snapshot {
		if q.detached.Load() || !q.IsEnabled() {
			continue
		}
		if nested {
			// Non-nestable heads cannot run until the nested loop exits.
			q.mu.Lock()
			front, ok := q.work.Front()
			q.mu.Unlock()
			if ok && front.nestable {
				return true
			}
			continue
		}
		if q.hasReadyWork() {
			return true
		}
	}
	return false
}

func (m *TaskQueueManager) notifyBlocked(q *TaskQueue, t *pendingTask, depth int) {
	qi := q.info()
	ti := t.info(qi, depth)
	m.logger.Debug("tried to execute task on disabled queue",
		F("queue", qi.Name),
		F("task", ti.Name))
	if o := m.activeObserver(); o != nil && o.OnTriedToExecuteBlockedTask != nil {
		safeCall(m.logger, "OnTriedToExecuteBlockedTask", func() { o.OnTriedToExecuteBlockedTask(qi, ti) })
	}
}

func (m *TaskQueueManager) runTask(ctx context.Context, q *TaskQueue, t *pendingTask, depth int) {
	info := t.info(q.info(), depth)

	if o := m.activeObserver(); o != nil && o.WillRunTask != nil {
		safeCall(m.logger, "WillRunTask", func() { o.WillRunTask(info) })
	}
	startedAt := m.clock.Now()
	for _, tto := range m.taskTimeObserverList() {
		safeCall(m.logger, "WillProcessTask", func() { tto.WillProcessTask(info, startedAt) })
	}

	m.nestingDepth.Add(1)
	panicked := m.invoke(ctx, q, t, info)
	m.nestingDepth.Add(-1)
	t.state.transition(TaskStateRunning, TaskStateCompleted)

	finishedAt := m.clock.Now()
	timing := TaskTiming{Task: info, StartedAt: startedAt, FinishedAt: finishedAt, Panicked: panicked}

	m.history.DidProcessTask(timing)
	for _, tto := range m.taskTimeObserverList() {
		safeCall(m.logger, "DidProcessTask", func() { tto.DidProcessTask(timing) })
	}
	if o := m.activeObserver(); o != nil && o.DidRunTask != nil {
		safeCall(m.logger, "DidRunTask", func() { o.DidRunTask(info, timing.Duration()) })
	}

	m.metrics.RecordTaskDuration(q.name, info.Queue.Priority, timing.Duration())
	m.metrics.RecordQueueDepth(q.name, int(q.pending.Load()))
	q.recordRun(info.Name, finishedAt)
	m.tasksRun.Add(1)
	if q.monitorQuiescence {
		m.monitoredTaskRan.Store(true)
	}
}

// invoke runs the task body, converting a panic into a PanicHandler call.
func (m *TaskQueueManager) invoke(ctx context.Context, q *TaskQueue, t *pendingTask, info TaskInfo) (panicked bool) {
	runCtx := withRunContext(ctx, &runContext{info: info, manager: m})

	defer func() {
		if r := recover(); r != nil {
			panicked = true
			stack := debug.Stack()
			m.metrics.RecordTaskPanic(q.name, r)
			safeCall(m.logger, "HandlePanic", func() { m.panicHandler.HandlePanic(runCtx, q.name, r, stack) })
		}
	}()

	t.task(runCtx)
	return false
}
