package prometheus

import (
	"context"
	"sync"
	"time"

	"github.com/Swind/go-task-queue-manager/core"
	prom "github.com/prometheus/client_golang/prometheus"
)

// ManagerSnapshotProvider provides current manager stats snapshots.
// *core.TaskQueueManager satisfies it.
type ManagerSnapshotProvider interface {
	Stats() core.ManagerStats
}

// SnapshotPoller periodically copies manager and queue Stats() snapshots into
// Prometheus gauges.
type SnapshotPoller struct {
	interval time.Duration

	managersMu sync.RWMutex
	managers   map[string]ManagerSnapshotProvider

	managerPending  *prom.GaugeVec
	managerTasksRun *prom.GaugeVec
	managerNesting  *prom.GaugeVec
	managerShutdown *prom.GaugeVec

	queuePending  *prom.GaugeVec
	queueDelayed  *prom.GaugeVec
	queueEnabled  *prom.GaugeVec
	queueRan      *prom.GaugeVec
	queueRejected *prom.GaugeVec

	stateMu sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewSnapshotPoller creates a snapshot poller and registers its collectors.
func NewSnapshotPoller(reg prom.Registerer, interval time.Duration) (*SnapshotPoller, error) {
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	if interval <= 0 {
		interval = time.Second
	}

	managerGauge := func(name, help string) *prom.GaugeVec {
		return prom.NewGaugeVec(prom.GaugeOpts{Namespace: "taskqueue", Name: name, Help: help}, []string{"manager"})
	}
	queueGauge := func(name, help string) *prom.GaugeVec {
		return prom.NewGaugeVec(prom.GaugeOpts{Namespace: "taskqueue", Name: name, Help: help}, []string{"manager", "queue", "priority"})
	}

	p := &SnapshotPoller{
		interval:        interval,
		managers:        make(map[string]ManagerSnapshotProvider),
		managerPending:  managerGauge("manager_pending_tasks", "Tasks queued across all queues of a manager."),
		managerTasksRun: managerGauge("manager_tasks_run", "Tasks run by a manager since it was created."),
		managerNesting:  managerGauge("manager_nesting_depth", "Current nested pump depth."),
		managerShutdown: managerGauge("manager_shutdown", "Manager shutdown state (1=shut down, 0=running)."),
		queuePending:    queueGauge("queue_pending", "Tasks queued in a queue, delayed ones included."),
		queueDelayed:    queueGauge("queue_delayed", "Delayed tasks not yet due in a queue."),
		queueEnabled:    queueGauge("queue_enabled", "Queue enabled state (1=enabled, 0=paused)."),
		queueRan:        queueGauge("queue_ran", "Tasks run from a queue since it was created."),
		queueRejected:   queueGauge("queue_rejected", "Posts to a queue that were refused."),
	}

	var err error
	for _, g := range []**prom.GaugeVec{
		&p.managerPending, &p.managerTasksRun, &p.managerNesting, &p.managerShutdown,
		&p.queuePending, &p.queueDelayed, &p.queueEnabled, &p.queueRan, &p.queueRejected,
	} {
		if *g, err = registerCollector(reg, *g); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// AddManager adds or replaces a manager snapshot provider by name.
func (p *SnapshotPoller) AddManager(name string, provider ManagerSnapshotProvider) {
	if p == nil || provider == nil {
		return
	}
	name = normalizeLabel(name, "manager")
	p.managersMu.Lock()
	p.managers[name] = provider
	p.managersMu.Unlock()
}

// Start begins periodic polling; repeated calls are no-ops.
func (p *SnapshotPoller) Start(ctx context.Context) {
	if p == nil {
		return
	}

	p.stateMu.Lock()
	if p.running {
		p.stateMu.Unlock()
		return
	}
	pollCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.running = true
	p.stateMu.Unlock()

	go p.loop(pollCtx)
}

// Stop stops periodic polling; repeated calls are safe.
func (p *SnapshotPoller) Stop() {
	if p == nil {
		return
	}

	p.stateMu.Lock()
	if !p.running {
		p.stateMu.Unlock()
		return
	}
	cancel := p.cancel
	done := p.done
	p.stateMu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}

	p.stateMu.Lock()
	p.running = false
	p.cancel = nil
	p.done = nil
	p.stateMu.Unlock()
}

func (p *SnapshotPoller) loop(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.CollectOnce()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.CollectOnce()
		}
	}
}

// CollectOnce takes one snapshot of every registered manager.
func (p *SnapshotPoller) CollectOnce() {
	p.managersMu.RLock()
	defer p.managersMu.RUnlock()

	for name, provider := range p.managers {
		stats := provider.Stats()
		p.managerPending.WithLabelValues(name).Set(float64(stats.PendingTasks))
		p.managerTasksRun.WithLabelValues(name).Set(float64(stats.TasksRun))
		p.managerNesting.WithLabelValues(name).Set(float64(stats.NestingDepth))
		p.managerShutdown.WithLabelValues(name).Set(boolGauge(stats.State != core.StateActive))

		for _, q := range stats.Queues {
			labels := []string{name, normalizeLabel(q.Name, "unnamed"), q.Priority.String()}
			p.queuePending.WithLabelValues(labels...).Set(float64(q.Pending))
			p.queueDelayed.WithLabelValues(labels...).Set(float64(q.Delayed))
			p.queueEnabled.WithLabelValues(labels...).Set(boolGauge(q.Enabled))
			p.queueRan.WithLabelValues(labels...).Set(float64(q.Ran))
			p.queueRejected.WithLabelValues(labels...).Set(float64(q.Rejected))
		}
	}
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
