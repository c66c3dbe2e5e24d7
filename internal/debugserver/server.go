// Package debugserver exposes scheduler state over HTTP for local debugging.
package debugserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Swind/go-task-queue-manager/core"
	"github.com/Swind/go-task-queue-manager/observability/sqlite"
)

// Scheduler is the part of *core.TaskQueueManager the server reads.
type Scheduler interface {
	State() core.ManagerState
	Stats() core.ManagerStats
	RecentTasks(limit int) []core.TaskExecutionRecord
}

// TraceSource is the part of *sqlite.TraceStore the server reads.
type TraceSource interface {
	Recent(ctx context.Context, limit int) ([]sqlite.Trace, error)
	SlowTasks(ctx context.Context, min time.Duration, limit int) ([]sqlite.Trace, error)
}

// Server serves /healthz, /metrics and the /debug endpoints.
type Server struct {
	scheduler Scheduler
	traces    TraceSource
	gatherer  prometheus.Gatherer
	logger    core.Logger
}

// New creates a server for scheduler.
func New(scheduler Scheduler, logger core.Logger) *Server {
	if logger == nil {
		logger = core.NewNoOpLogger()
	}
	return &Server{scheduler: scheduler, logger: logger}
}

// SetTraceSource enables /debug/traces.
func (s *Server) SetTraceSource(t TraceSource) { s.traces = t }

// SetGatherer enables /metrics backed by g.
func (s *Server) SetGatherer(g prometheus.Gatherer) { s.gatherer = g }

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/debug", func(r chi.Router) {
		r.Get("/scheduler", s.handleScheduler)
		r.Get("/queues/{name}", s.handleQueue)
		r.Get("/tasks", s.handleTasks)
		r.Get("/traces", s.handleTraces)
	})
	return r
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.logger.Info("debug server listening", core.F("addr", addr))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

type queueView struct {
	Name         string    `json:"name"`
	Priority     string    `json:"priority"`
	Enabled      bool      `json:"enabled"`
	TimeDomain   string    `json:"time_domain"`
	Pending      int       `json:"pending"`
	Delayed      int       `json:"delayed"`
	Ran          int64     `json:"ran"`
	Rejected     int64     `json:"rejected"`
	LastTaskName string    `json:"last_task_name,omitempty"`
	LastTaskAt   time.Time `json:"last_task_at,omitzero"`
}

type schedulerView struct {
	State             string      `json:"state"`
	WorkBatchSize     int         `json:"work_batch_size"`
	PendingTasks      int         `json:"pending_tasks"`
	TasksRun          int64       `json:"tasks_run"`
	NestingDepth      int         `json:"nesting_depth"`
	TaskTimeObservers int         `json:"task_time_observers"`
	TimeDomains       []string    `json:"time_domains"`
	Queues            []queueView `json:"queues"`
}

type taskView struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	Queue        string  `json:"queue"`
	Priority     string  `json:"priority"`
	Sequence     uint64  `json:"sequence"`
	StartedAt    string  `json:"started_at"`
	DurationMS   float64 `json:"duration_ms"`
	NestingDepth int     `json:"nesting_depth"`
	Panicked     bool    `json:"panicked"`
}

func viewQueue(q core.QueueStats) queueView {
	return queueView{
		Name:         q.Name,
		Priority:     q.Priority.String(),
		Enabled:      q.Enabled,
		TimeDomain:   q.TimeDomain,
		Pending:      q.Pending,
		Delayed:      q.Delayed,
		Ran:          q.Ran,
		Rejected:     q.Rejected,
		LastTaskName: q.LastTaskName,
		LastTaskAt:   q.LastTaskAt,
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	state := s.scheduler.State()
	status := http.StatusOK
	if state != core.StateActive {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, map[string]string{"status": state.String()})
}

func (s *Server) handleScheduler(w http.ResponseWriter, r *http.Request) {
	stats := s.scheduler.Stats()
	view := schedulerView{
		State:             stats.State.String(),
		WorkBatchSize:     stats.WorkBatchSize,
		PendingTasks:      stats.PendingTasks,
		TasksRun:          stats.TasksRun,
		NestingDepth:      stats.NestingDepth,
		TaskTimeObservers: stats.TaskTimeObservers,
		TimeDomains:       stats.TimeDomains,
		Queues:            make([]queueView, 0, len(stats.Queues)),
	}
	for _, q := range stats.Queues {
		view.Queues = append(view.Queues, viewQueue(q))
	}
	s.writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	for _, q := range s.scheduler.Stats().Queues {
		if q.Name == name {
			s.writeJSON(w, http.StatusOK, viewQueue(q))
			return
		}
	}
	s.writeError(w, http.StatusNotFound, "queue "+strconv.Quote(name)+" not found")
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	records := s.scheduler.RecentTasks(limit)
	out := make([]taskView, 0, len(records))
	for _, rec := range records {
		out = append(out, taskView{
			ID:           rec.TaskID.String(),
			Name:         rec.Name,
			Queue:        rec.QueueName,
			Priority:     rec.Priority.String(),
			Sequence:     rec.Sequence,
			StartedAt:    rec.StartedAt.Format(time.RFC3339Nano),
			DurationMS:   float64(rec.Duration) / float64(time.Millisecond),
			NestingDepth: rec.NestingDepth,
			Panicked:     rec.Panicked,
		})
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleTraces(w http.ResponseWriter, r *http.Request) {
	if s.traces == nil {
		s.writeError(w, http.StatusNotFound, "trace store disabled")
		return
	}
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var traces []sqlite.Trace
	if raw := r.URL.Query().Get("slow"); raw != "" {
		min, perr := time.ParseDuration(raw)
		if perr != nil {
			s.writeError(w, http.StatusBadRequest, "invalid slow: "+perr.Error())
			return
		}
		traces, err = s.traces.SlowTasks(r.Context(), min, limit)
	} else {
		traces, err = s.traces.Recent(r.Context(), limit)
	}
	if err != nil {
		s.logger.Warn("trace query failed", core.F("error", err))
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]taskView, 0, len(traces))
	for _, t := range traces {
		out = append(out, taskView{
			ID:           t.TaskID,
			Name:         t.Name,
			Queue:        t.Queue,
			Priority:     t.Priority,
			Sequence:     t.Sequence,
			StartedAt:    t.StartedAt.Format(time.RFC3339Nano),
			DurationMS:   float64(t.Duration) / float64(time.Millisecond),
			NestingDepth: t.NestingDepth,
			Panicked:     t.Panicked,
		})
	}
	s.writeJSON(w, http.StatusOK, out)
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New("invalid " + key + ": " + strconv.Quote(raw))
	}
	return n, nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("write json response", core.F("status", status), core.F("error", err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]any{
		"error": map[string]string{"message": msg},
	})
}
