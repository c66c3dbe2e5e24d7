// Package sqlite persists task execution traces in a SQLite database.
// TraceStore is a core.TaskTimeObserver: the owner goroutine only hands
// records to a buffered channel and a background writer batches them into
// the database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // pure-Go driver registered as "sqlite"

	"github.com/Swind/go-task-queue-manager/core"
)

// ErrStoreClosed is returned by Flush after Close.
var ErrStoreClosed = errors.New("trace store closed")

// Trace is one stored task execution.
type Trace struct {
	ID           string
	TaskID       string
	Name         string
	Queue        string
	Priority     string
	Sequence     uint64
	NestingDepth int
	StartedAt    time.Time
	Duration     time.Duration
	Panicked     bool
}

// Options tunes the writer.
type Options struct {
	// BatchSize is the number of traces written per transaction.
	BatchSize int
	// Buffer is the capacity of the hand-off channel. Traces arriving while
	// it is full are dropped and counted.
	Buffer int
	// FlushInterval bounds how long a partial batch waits.
	FlushInterval time.Duration
	Retry         core.RetryPolicy
	Logger        core.Logger
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = 64
	}
	if o.Buffer < o.BatchSize {
		o.Buffer = o.BatchSize * 4
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = 500 * time.Millisecond
	}
	if o.Retry.MaxRetries == 0 && o.Retry.InitialDelay == 0 {
		o.Retry = core.DefaultRetryPolicy()
	}
	if o.Logger == nil {
		o.Logger = core.NewNoOpLogger()
	}
	return o
}

type entry struct {
	trace   Trace
	flushed chan struct{} // set for flush requests only
}

// TraceStore records task timings into SQLite.
type TraceStore struct {
	db   *sql.DB
	opts Options

	mu      sync.RWMutex
	closed  bool
	in      chan entry
	done    chan struct{}
	dropped atomic.Int64
	written atomic.Int64
}

var _ core.TaskTimeObserver = (*TraceStore)(nil)

// Open creates or opens the trace database at path and starts the writer.
func Open(path string, opts Options) (*TraceStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create trace dir: %w", err)
		}
	}

	dsn := "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	opts = opts.withDefaults()
	s := &TraceStore{
		db:   db,
		opts: opts,
		in:   make(chan entry, opts.Buffer),
		done: make(chan struct{}),
	}
	go s.writeLoop()
	return s, nil
}

func migrate(db *sql.DB) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS task_traces (
			id            TEXT PRIMARY KEY,
			task_id       TEXT NOT NULL,
			name          TEXT NOT NULL,
			queue         TEXT NOT NULL,
			priority      TEXT NOT NULL,
			sequence      INTEGER NOT NULL,
			nesting_depth INTEGER NOT NULL DEFAULT 0,
			started_at    INTEGER NOT NULL,
			duration_ns   INTEGER NOT NULL,
			panicked      BOOLEAN NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_traces_started ON task_traces(started_at)`,
		`CREATE INDEX IF NOT EXISTS idx_traces_duration ON task_traces(duration_ns)`,
	}
	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}
	return nil
}

func (s *TraceStore) WillProcessTask(core.TaskInfo, time.Time) {}

// DidProcessTask queues the timing for writing. It never blocks.
func (s *TraceStore) DidProcessTask(timing core.TaskTiming) {
	t := Trace{
		ID:           uuid.NewString(),
		TaskID:       timing.Task.ID.String(),
		Name:         timing.Task.Name,
		Queue:        timing.Task.Queue.Name,
		Priority:     timing.Task.Queue.Priority.String(),
		Sequence:     timing.Task.Sequence,
		NestingDepth: timing.Task.NestingDepth,
		StartedAt:    timing.StartedAt,
		Duration:     timing.Duration(),
		Panicked:     timing.Panicked,
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.dropped.Add(1)
		return
	}
	select {
	case s.in <- entry{trace: t}:
	default:
		s.dropped.Add(1)
	}
}

// Flush blocks until every trace queued before the call is written.
func (s *TraceStore) Flush(ctx context.Context) error {
	flushed := make(chan struct{})

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrStoreClosed
	}
	select {
	case s.in <- entry{flushed: flushed}:
		s.mu.RUnlock()
	case <-ctx.Done():
		s.mu.RUnlock()
		return ctx.Err()
	}

	select {
	case <-flushed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dropped is the number of traces discarded because the buffer was full or
// the store was closed.
func (s *TraceStore) Dropped() int64 { return s.dropped.Load() }

// Written is the number of traces committed so far.
func (s *TraceStore) Written() int64 { return s.written.Load() }

// Close writes what is buffered, stops the writer and closes the database.
func (s *TraceStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.in)
	s.mu.Unlock()

	<-s.done
	return s.db.Close()
}

func (s *TraceStore) writeLoop() {
	defer close(s.done)

	ticker := time.NewTicker(s.opts.FlushInterval)
	defer ticker.Stop()

	batch := make([]Trace, 0, s.opts.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := s.opts.Retry.Do(context.Background(), func() error { return s.insert(batch) }); err != nil {
			s.opts.Logger.Error("dropping trace batch", core.F("traces", len(batch)), core.F("error", err))
			s.dropped.Add(int64(len(batch)))
		} else {
			s.written.Add(int64(len(batch)))
		}
		batch = batch[:0]
	}

	for {
		select {
		case e, ok := <-s.in:
			if !ok {
				flush()
				return
			}
			if e.flushed != nil {
				flush()
				close(e.flushed)
				continue
			}
			batch = append(batch, e.trace)
			if len(batch) >= s.opts.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (s *TraceStore) insert(batch []Trace) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT OR IGNORE INTO task_traces
		(id, task_id, name, queue, priority, sequence, nesting_depth, started_at, duration_ns, panicked)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, t := range batch {
		if _, err := stmt.Exec(t.ID, t.TaskID, t.Name, t.Queue, t.Priority, int64(t.Sequence),
			t.NestingDepth, t.StartedAt.UnixNano(), int64(t.Duration), t.Panicked); err != nil {
			return fmt.Errorf("insert trace %s: %w", t.ID, err)
		}
	}
	return tx.Commit()
}

// Recent returns the newest traces first.
func (s *TraceStore) Recent(ctx context.Context, limit int) ([]Trace, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.query(ctx, `SELECT id, task_id, name, queue, priority, sequence, nesting_depth, started_at, duration_ns, panicked
		FROM task_traces ORDER BY started_at DESC, sequence DESC LIMIT ?`, limit)
}

// SlowTasks returns traces that took at least min, slowest first.
func (s *TraceStore) SlowTasks(ctx context.Context, min time.Duration, limit int) ([]Trace, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.query(ctx, `SELECT id, task_id, name, queue, priority, sequence, nesting_depth, started_at, duration_ns, panicked
		FROM task_traces WHERE duration_ns >= ? ORDER BY duration_ns DESC LIMIT ?`, int64(min), limit)
}

// Count returns the number of stored traces.
func (s *TraceStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM task_traces`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count traces: %w", err)
	}
	return n, nil
}

func (s *TraceStore) query(ctx context.Context, q string, args ...any) ([]Trace, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query traces: %w", err)
	}
	defer rows.Close()

	var out []Trace
	for rows.Next() {
		var (
			t                 Trace
			seq, started, dur int64
		)
		if err := rows.Scan(&t.ID, &t.TaskID, &t.Name, &t.Queue, &t.Priority, &seq,
			&t.NestingDepth, &started, &dur, &t.Panicked); err != nil {
			return nil, fmt.Errorf("scan trace: %w", err)
		}
		t.Sequence = uint64(seq)
		t.StartedAt = time.Unix(0, started)
		t.Duration = time.Duration(dur)
		out = append(out, t)
	}
	return out, rows.Err()
}
