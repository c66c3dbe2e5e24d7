package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/urfave/cli/v2"

	"github.com/Swind/go-task-queue-manager/core"
	"github.com/Swind/go-task-queue-manager/internal/config"
	"github.com/Swind/go-task-queue-manager/internal/debugserver"
	promexp "github.com/Swind/go-task-queue-manager/observability/prometheus"
	"github.com/Swind/go-task-queue-manager/observability/sqlite"
)

// virtualTick is how far the virtual time domain moves per wall-clock tick.
const virtualTick = 10 * time.Millisecond

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Run the demo workload on a host loop",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "TOML or YAML config file; reloaded on change",
			},
			&cli.DurationFlag{
				Name:  "duration",
				Usage: "keep serving for this long after the workload drains (0 exits once drained)",
			},
			&cli.StringFlag{
				Name:  "listen",
				Usage: "debug and metrics listen address (overrides metrics.listen)",
			},
			&cli.StringFlag{
				Name:  "trace-db",
				Usage: "SQLite trace database (enables tracing)",
			},
		},
		Action: runAction,
	}
}

func runAction(c *cli.Context) error {
	path := c.String("config")
	cfg, err := config.Load(path)
	if err != nil {
		return cli.Exit(fmt.Sprintf("load config: %v", err), 1)
	}
	if c.IsSet("listen") {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Listen = c.String("listen")
	}
	if c.IsSet("trace-db") {
		cfg.Trace.Enabled = true
		cfg.Trace.Path = c.String("trace-db")
	}
	logger := cfg.NewLogger()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	mcfg := cfg.ManagerConfig(logger)
	reg := prometheus.NewRegistry()
	var exporter *promexp.MetricsExporter
	if cfg.Metrics.Enabled {
		reg.MustRegister(collectors.NewGoCollector())
		var err error
		exporter, err = promexp.NewMetricsExporter(cfg.Metrics.Namespace, reg, promexp.ExporterOptions{})
		if err != nil {
			return cli.Exit(fmt.Sprintf("metrics exporter: %v", err), 1)
		}
		mcfg.Metrics = exporter
	}

	manager := core.NewTaskQueueManager(mcfg)
	helper, err := core.NewSchedulerHelper(manager)
	if err != nil {
		return cli.Exit(fmt.Sprintf("scheduler helper: %v", err), 1)
	}
	defer helper.Shutdown()
	manager.SetWorkBatchSize(cfg.Scheduler.WorkBatchSize)
	if exporter != nil {
		helper.AddTaskTimeObserver(exporter)
	}

	virtual := core.NewVirtualTimeDomain("virtual", time.Now())
	if err := helper.RegisterTimeDomain(virtual); err != nil {
		return cli.Exit(fmt.Sprintf("register time domain: %v", err), 1)
	}
	queues := []namedQueue{{name: "default", handle: helper.DefaultQueue()}}
	for _, qc := range cfg.Queues {
		spec, err := qc.QueueSpec(virtual)
		if err != nil {
			return cli.Exit(fmt.Sprintf("queue %s: %v", qc.Name, err), 1)
		}
		h, err := helper.CreateQueue(spec)
		if err != nil {
			return cli.Exit(fmt.Sprintf("create queue %s: %v", qc.Name, err), 1)
		}
		queues = append(queues, namedQueue{name: qc.Name, handle: h})
	}

	var store *sqlite.TraceStore
	if cfg.Trace.Enabled {
		store, err = sqlite.Open(cfg.Trace.Path, sqlite.Options{BatchSize: cfg.Trace.BatchSize, Logger: logger})
		if err != nil {
			return cli.Exit(fmt.Sprintf("open trace store: %v", err), 1)
		}
		defer store.Close()
		helper.AddTaskTimeObserver(store)
	}

	loop, err := core.NewHostLoop(manager, helper.ControlTaskRunner())
	if err != nil {
		return cli.Exit(fmt.Sprintf("host loop: %v", err), 1)
	}
	loop.Start()
	defer loop.Stop()

	if cfg.Metrics.Enabled {
		poller, err := promexp.NewSnapshotPoller(reg, cfg.Metrics.PollInterval)
		if err != nil {
			return cli.Exit(fmt.Sprintf("snapshot poller: %v", err), 1)
		}
		poller.AddManager("tqm", manager)
		poller.Start(ctx)
		defer poller.Stop()

		srv := debugserver.New(manager, logger)
		srv.SetGatherer(reg)
		if store != nil {
			srv.SetTraceSource(store)
		}
		go func() {
			if err := srv.ListenAndServe(ctx, cfg.Metrics.Listen); err != nil {
				logger.Error("debug server stopped", core.F("error", err))
			}
		}()
	}

	if path != "" {
		go watchConfig(ctx, path, helper, logger)
	}
	go advanceVirtualTime(ctx, virtual, logger)

	w := newWorkload(cfg.Workload, manager, queues, logger)
	started := time.Now()
	if err := w.produce(ctx); err != nil {
		return cli.Exit(err.Error(), 1)
	}
	if err := waitDrained(ctx, loop, manager); err != nil && !errors.Is(err, context.Canceled) {
		return cli.Exit(fmt.Sprintf("drain: %v", err), 1)
	}

	stats := manager.Stats()
	fmt.Fprintf(c.App.Writer, "posted %d tasks, ran %d in %s (batch size %d)\n",
		w.posted.Load(), stats.TasksRun, time.Since(started).Round(time.Millisecond), stats.WorkBatchSize)
	for _, q := range stats.Queues {
		fmt.Fprintf(c.App.Writer, "  %-20s %-12s ran=%-6d pending=%d\n", q.Name, q.Priority, q.Ran, q.Pending)
	}

	if d := c.Duration("duration"); d > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(d):
		}
	}
	return nil
}

// waitDrained returns once no task is pending at all, delayed ones included.
func waitDrained(ctx context.Context, loop *core.HostLoop, m *core.TaskQueueManager) error {
	ticker := time.NewTicker(virtualTick)
	defer ticker.Stop()
	for {
		if err := loop.WaitIdle(ctx); err != nil {
			return err
		}
		if m.GetNumberOfPendingTasks() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// watchConfig applies a reloaded batch size from the control queue so the
// change lands between two tasks.
func watchConfig(ctx context.Context, path string, helper *core.SchedulerHelper, logger core.Logger) {
	err := config.Watch(ctx, path, func(cfg config.Config) {
		applyBatchSize(helper.ControlTaskRunner(), cfg.Scheduler.WorkBatchSize, logger)
	}, func(err error) {
		logger.Warn("config reload failed", core.F("error", err))
	})
	if err != nil {
		logger.Warn("config watch stopped", core.F("error", err))
	}
}

// applyBatchSize posts the batch size change; a nil runner means the helper
// is already shut down.
func applyBatchSize(runner *core.QueueTaskRunner, size int, logger core.Logger) {
	if runner == nil {
		logger.Warn("config reload ignored", core.F("reason", "scheduler stopped"))
		return
	}
	err := runner.PostTask(func(ctx context.Context) {
		core.GetCurrentManager(ctx).SetWorkBatchSize(size)
		logger.Info("work batch size reloaded", core.F("size", size))
	})
	if err != nil {
		logger.Warn("config reload rejected", core.F("size", size), core.F("error", err))
	}
}

func advanceVirtualTime(ctx context.Context, d *core.VirtualTimeDomain, logger core.Logger) {
	ticker := time.NewTicker(virtualTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.AdvanceBy(virtualTick); err != nil {
				logger.Warn("advance virtual time", core.F("error", err))
				return
			}
		}
	}
}
