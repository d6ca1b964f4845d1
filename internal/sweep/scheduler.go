// Package sweep schedules the maintenance jobs that keep derived state in
// line with the lock table: the expiry sweep and the listing reconcile.
package sweep

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mistakeknot/engage/internal/metrics"
	"github.com/mistakeknot/engage/internal/propagate"
	"github.com/mistakeknot/engage/internal/storage"
)

const (
	JobExpiry    = "expiry_sweep"
	JobReconcile = "listing_reconcile"
)

// Job runs once and reports how many records it touched.
type Job func(ctx context.Context) (int64, error)

// Scheduler triggers maintenance jobs on cron schedules. Schedules accept
// six-field expressions (with seconds) and descriptors such as "@every 30s".
type Scheduler struct {
	cron    *cron.Cron
	timeout time.Duration
	logger  *slog.Logger
	tracer  trace.Tracer

	mu   sync.Mutex
	jobs map[string]cron.EntryID
}

func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cron:    cron.New(cron.WithSeconds()),
		timeout: time.Minute,
		logger:  logger.With("component", "sweep"),
		tracer:  otel.Tracer("engage/sweep"),
		jobs:    make(map[string]cron.EntryID),
	}
}

// Add registers fn under name, replacing any job already using the name.
func (s *Scheduler) Add(name, schedule string, fn Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.jobs[name]; ok {
		s.cron.Remove(id)
	}
	id, err := s.cron.AddJob(schedule, &jobWrapper{
		name:    name,
		fn:      fn,
		timeout: s.timeout,
		logger:  s.logger.With("job", name),
		tracer:  s.tracer,
	})
	if err != nil {
		return fmt.Errorf("schedule %s %q: %w", name, schedule, err)
	}
	s.jobs[name] = id
	s.logger.Info("scheduled job", "job", name, "schedule", schedule)
	return nil
}

// Jobs returns the registered job names.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		out = append(out, name)
	}
	return out
}

// Start runs the scheduler until ctx is done, then waits for running jobs.
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info("scheduler started")
	s.cron.Start()
	<-ctx.Done()
	stopped := s.cron.Stop()
	<-stopped.Done()
	s.logger.Info("scheduler stopped")
	return ctx.Err()
}

type jobWrapper struct {
	name    string
	fn      Job
	timeout time.Duration
	logger  *slog.Logger
	tracer  trace.Tracer
}

// Run is called by cron on its own goroutine.
func (w *jobWrapper) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()
	ctx, span := w.tracer.Start(ctx, "sweep.Run", trace.WithAttributes(attribute.String("job.name", w.name)))
	defer span.End()

	n, err := w.fn(ctx)
	if err != nil {
		metrics.JobRunsTotal.WithLabelValues(w.name, "error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "job failed")
		w.logger.Error("job failed", "error", err)
		return
	}
	metrics.JobRunsTotal.WithLabelValues(w.name, "ok").Inc()
	span.SetAttributes(attribute.Int64("job.affected", n))
	if n > 0 {
		w.logger.Info("job done", "affected", n)
	}
}

// Expirer is satisfied by the engagement lock service.
type Expirer interface {
	SweepExpired(ctx context.Context) (int, error)
}

// ExpiryJob clears expired Held records and propagates them as free.
func ExpiryJob(e Expirer) Job {
	return func(ctx context.Context) (int64, error) {
		n, err := e.SweepExpired(ctx)
		return int64(n), err
	}
}

// ReconcileJob rewrites listing busy flags from the live lock table.
func ReconcileJob(listings storage.ListingStore, now func() time.Time) Job {
	return func(ctx context.Context) (int64, error) {
		return propagate.Reconcile(ctx, listings, now())
	}
}
