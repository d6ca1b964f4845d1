package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mistakeknot/engage/internal/core"
	"github.com/mistakeknot/engage/internal/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// MaxAttempts bounds optimistic-concurrency retries on one window.
const MaxAttempts = 16

// Service applies the window rules against a QuotaStore. Concurrent writers
// on one subject are serialized by the store's version check.
type Service struct {
	store  storage.QuotaStore
	now    func() time.Time
	logger *slog.Logger
	tracer trace.Tracer
}

func NewService(store storage.QuotaStore, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  store,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger.With("component", "quota"),
		tracer: otel.Tracer("engage/quota"),
	}
}

// WithClock replaces the time source. Used by tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) Now() time.Time { return s.now() }

// EnsureWindow returns the subject's current window, creating it or rolling
// it over as needed.
func (s *Service) EnsureWindow(ctx context.Context, subject string) (core.QuotaWindow, error) {
	ctx, span := s.tracer.Start(ctx, "quota.EnsureWindow", trace.WithAttributes(attribute.String("subject", subject)))
	defer span.End()

	w, err := s.ensure(ctx, subject)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "ensure window failed")
	}
	return w, err
}

func (s *Service) ensure(ctx context.Context, subject string) (core.QuotaWindow, error) {
	if subject == "" {
		return core.QuotaWindow{}, core.Invalid("subject required")
	}
	for attempt := 0; attempt < MaxAttempts; attempt++ {
		now := s.now()
		w, err := s.store.GetWindow(ctx, subject)
		if errors.Is(err, core.ErrNotFound) {
			created, err := s.store.CreateWindow(ctx, Fresh(subject, now))
			if errors.Is(err, core.ErrVersionConflict) {
				continue
			}
			if err != nil {
				return core.QuotaWindow{}, fmt.Errorf("create window: %w", err)
			}
			return created, nil
		}
		if err != nil {
			return core.QuotaWindow{}, fmt.Errorf("get window: %w", err)
		}
		next, changed := Refresh(w, now)
		if !changed {
			return w, nil
		}
		updated, err := s.store.UpdateWindow(ctx, next)
		if errors.Is(err, core.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return core.QuotaWindow{}, fmt.Errorf("reset window: %w", err)
		}
		s.logger.Debug("window reset", "subject", subject, "enabled", updated.Enabled)
		return updated, nil
	}
	return core.QuotaWindow{}, fmt.Errorf("ensure window %s: %w", subject, core.ErrVersionConflict)
}

// RemainingMs is the busy time still grantable after bringing the window current.
func (s *Service) RemainingMs(ctx context.Context, subject string) (int64, error) {
	w, err := s.EnsureWindow(ctx, subject)
	if err != nil {
		return 0, err
	}
	return Remaining(w), nil
}

// Recompute rewrites the window total from the authoritative intervals.
func (s *Service) Recompute(ctx context.Context, subject string, intervals []core.Allocation) (core.QuotaWindow, error) {
	ctx, span := s.tracer.Start(ctx, "quota.Recompute", trace.WithAttributes(
		attribute.String("subject", subject),
		attribute.Int("intervals", len(intervals)),
	))
	defer span.End()

	w, err := s.Update(ctx, subject, func(w core.QuotaWindow, now time.Time) (core.QuotaWindow, error) {
		return Recompute(w, intervals, now), nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "recompute failed")
	}
	return w, err
}

// ManualEnable re-opens the window; it fails with core.ErrTooEarly while
// the cooldown runs.
func (s *Service) ManualEnable(ctx context.Context, subject string) (core.QuotaWindow, error) {
	ctx, span := s.tracer.Start(ctx, "quota.ManualEnable", trace.WithAttributes(attribute.String("subject", subject)))
	defer span.End()

	w, err := s.Update(ctx, subject, Enable)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "manual enable refused")
		return w, err
	}
	s.logger.Info("window enabled", "subject", subject)
	return w, nil
}

// Update runs fn against the current window and writes the result with a
// version check, retrying on conflict. fn errors abort without writing and
// are returned with the window fn saw.
func (s *Service) Update(ctx context.Context, subject string, fn func(core.QuotaWindow, time.Time) (core.QuotaWindow, error)) (core.QuotaWindow, error) {
	for attempt := 0; attempt < MaxAttempts; attempt++ {
		w, err := s.ensure(ctx, subject)
		if err != nil {
			return core.QuotaWindow{}, err
		}
		next, err := fn(w, s.now())
		if err != nil {
			return w, err
		}
		if sameWindow(w, next) {
			return w, nil
		}
		updated, err := s.store.UpdateWindow(ctx, next)
		if errors.Is(err, core.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return core.QuotaWindow{}, fmt.Errorf("update window: %w", err)
		}
		return updated, nil
	}
	return core.QuotaWindow{}, fmt.Errorf("update window %s: %w", subject, core.ErrVersionConflict)
}
