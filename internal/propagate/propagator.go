// Package propagate pushes a subject's busy flag to the read models that
// denormalize it. Delivery is best-effort: the lock is authoritative and
// the read models may lag.
package propagate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mistakeknot/engage/internal/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Sink receives busy-flag updates for a subject.
type Sink interface {
	Name() string
	UpdateBusyFlag(ctx context.Context, subject string, busy bool) error
}

type Config struct {
	QueueSize int
	// Timeout bounds one queued delivery across all sinks.
	Timeout time.Duration
}

func DefaultConfig() Config {
	return Config{QueueSize: 256, Timeout: 5 * time.Second}
}

type update struct {
	subject string
	busy    bool
}

// Propagator delivers updates to its sinks from a single worker goroutine,
// so updates for one subject arrive in submission order.
type Propagator struct {
	sinks   []Sink
	timeout time.Duration
	logger  *slog.Logger
	tracer  trace.Tracer

	mu     sync.RWMutex
	closed bool
	queue  chan update
	done   chan struct{}
}

func New(cfg Config, logger *slog.Logger, sinks ...Sink) *Propagator {
	def := DefaultConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Propagator{
		sinks:   sinks,
		timeout: cfg.Timeout,
		logger:  logger.With("component", "propagate"),
		tracer:  otel.Tracer("engage/propagate"),
		queue:   make(chan update, cfg.QueueSize),
		done:    make(chan struct{}),
	}
	go p.run()
	return p
}

// Submit queues an update without blocking. It returns false when the
// queue is full or the propagator is closed; the update is dropped.
func (p *Propagator) Submit(subject string, busy bool) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	select {
	case p.queue <- update{subject: subject, busy: busy}:
		metrics.PropagationQueueDepth.Inc()
		return true
	default:
		metrics.PropagationsTotal.WithLabelValues("queue", "dropped").Inc()
		p.logger.Warn("propagation queue full, update dropped", "subject", subject, "busy", busy)
		return false
	}
}

// SetBusy delivers the update to every sink synchronously. All sinks are
// attempted; their errors are joined.
func (p *Propagator) SetBusy(ctx context.Context, subject string, busy bool) error {
	ctx, span := p.tracer.Start(ctx, "propagate.SetBusy", trace.WithAttributes(
		attribute.String("subject", subject),
		attribute.Bool("busy", busy),
	))
	defer span.End()

	var errs []error
	for _, s := range p.sinks {
		if err := s.UpdateBusyFlag(ctx, subject, busy); err != nil {
			metrics.PropagationsTotal.WithLabelValues(s.Name(), "error").Inc()
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		metrics.PropagationsTotal.WithLabelValues(s.Name(), "ok").Inc()
	}
	err := errors.Join(errs...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "propagation failed")
	}
	return err
}

// Close stops accepting updates and waits for queued ones to be delivered
// or for ctx to end.
func (p *Propagator) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Propagator) run() {
	defer close(p.done)
	for u := range p.queue {
		metrics.PropagationQueueDepth.Dec()
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		err := p.SetBusy(ctx, u.subject, u.busy)
		cancel()
		if err != nil {
			p.logger.Warn("availability update failed", "subject", u.subject, "busy", u.busy, "error", err)
		}
	}
}
