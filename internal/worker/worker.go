// Package worker runs background tasks on a fixed interval.
//
// Each worker kind runs in its own goroutine and is cancelled through its
// context. Cancellation is checked once per loop iteration, so a cycle that
// has started always runs to completion; cycles must therefore commit their
// effects atomically or not at all.
package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/mlscore/internal/metrics"
)

// Kind names a worker.
type Kind string

const (
	KindCommitLog Kind = "commit_log"
	// KindRetry re-delivers envelopes whose processing failed transiently.
	KindRetry Kind = "retry"
)

// MinInterval is the shortest interval a worker may be configured with.
const MinInterval = 2 * time.Second

// Task is one unit of periodic work.
type Task interface {
	Kind() Kind
	// Tick runs a single cycle. cycleID identifies the cycle in logs.
	Tick(ctx context.Context, cycleID string) error
}

// Config configures a Runner.
type Config struct {
	Interval time.Duration
	// RunImmediately ticks once before waiting for the first interval.
	RunImmediately bool
	Metrics        *metrics.Metrics
	Logger         *slog.Logger
	// Now is used to measure cycle durations. Defaults to time.Now.
	Now func() time.Time
}

// ApplyDefaults fills zero fields and clamps Interval to MinInterval.
func (c *Config) ApplyDefaults(def time.Duration) {
	if c.Interval == 0 {
		c.Interval = def
	}
	c.Interval = max(c.Interval, MinInterval)
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Runner ticks a Task until its context is cancelled.
type Runner struct {
	task Task
	cfg  Config
}

// NewRunner creates a runner for task. defaultInterval applies when
// cfg.Interval is zero.
func NewRunner(task Task, cfg Config, defaultInterval time.Duration) *Runner {
	cfg.ApplyDefaults(defaultInterval)
	return &Runner{task: task, cfg: cfg}
}

// Interval returns the effective interval.
func (r *Runner) Interval() time.Duration { return r.cfg.Interval }

// Run blocks until ctx is cancelled. Tick errors are logged and do not stop
// the loop; the next interval retries.
func (r *Runner) Run(ctx context.Context) {
	logger := r.cfg.Logger.With("worker", string(r.task.Kind()))
	logger.Info("worker started", "interval", r.cfg.Interval)
	defer logger.Info("worker stopped")

	if r.cfg.RunImmediately {
		r.RunOnce(ctx)
	}

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single cycle and returns its error.
func (r *Runner) RunOnce(ctx context.Context) error {
	cycleID := newCycleID()
	kind := string(r.task.Kind())
	start := r.cfg.Now()

	err := r.task.Tick(ctx, cycleID)

	elapsed := r.cfg.Now().Sub(start).Seconds()
	result := "ok"
	if err != nil {
		result = "error"
		r.cfg.Logger.Error("worker cycle failed",
			"worker", kind, "cycle_id", cycleID, "error", err)
	} else {
		r.cfg.Logger.Debug("worker cycle complete",
			"worker", kind, "cycle_id", cycleID, "seconds", elapsed)
	}
	r.cfg.Metrics.WorkerCycle(kind, result, elapsed)
	return err
}

// newCycleID returns a time-ordered UUIDv7 so cycle ids sort by start time.
func newCycleID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
