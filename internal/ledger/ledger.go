// Package ledger grants bounded busy intervals out of a subject's quota
// window and records each grant as an allocation.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mistakeknot/engage/internal/core"
	"github.com/mistakeknot/engage/internal/metrics"
	"github.com/mistakeknot/engage/internal/quota"
	"github.com/mistakeknot/engage/internal/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Store is what the ledger needs from persistence.
type Store interface {
	storage.QuotaStore
	storage.AllocationStore
}

type Ledger struct {
	store  Store
	quota  *quota.Service
	logger *slog.Logger
	tracer trace.Tracer
}

// Grant is the result of a successful Allocate.
type Grant struct {
	Allocation  core.Allocation  `json:"allocation"`
	GrantedMs   int64            `json:"granted_ms"`
	RemainingMs int64            `json:"remaining_ms"`
	Window      core.QuotaWindow `json:"window"`
}

// Status is the quota view exposed to collaborators.
type Status struct {
	Subject     string     `json:"subject"`
	UsedMs      int64      `json:"used_ms"`
	RemainingMs int64      `json:"remaining_ms"`
	Enabled     bool       `json:"enabled"`
	ReenableAt  *time.Time `json:"reenable_at,omitempty"`
	WindowStart time.Time  `json:"window_start"`
}

func New(store Store, q *quota.Service, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		store:  store,
		quota:  q,
		logger: logger.With("component", "ledger"),
		tracer: otel.Tracer("engage/ledger"),
	}
}

// Allocate grants up to requestedMs from the subject's window. The window
// update and the allocation insert commit together under the window version,
// so concurrent allocations for one subject never overdraw the quota.
func (l *Ledger) Allocate(ctx context.Context, subject, requester string, requestedMs int64) (Grant, error) {
	ctx, span := l.tracer.Start(ctx, "ledger.Allocate", trace.WithAttributes(
		attribute.String("subject", subject),
		attribute.String("requester", requester),
		attribute.Int64("requested_ms", requestedMs),
	))
	defer span.End()

	g, err := l.allocate(ctx, subject, requester, requestedMs)
	if err != nil {
		metrics.AllocationsTotal.WithLabelValues(resultLabel(err)).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "allocate refused")
		return Grant{}, err
	}
	metrics.AllocationsTotal.WithLabelValues("granted").Inc()
	metrics.AllocatedMsTotal.Add(float64(g.GrantedMs))
	span.SetAttributes(attribute.Int64("granted_ms", g.GrantedMs))
	l.logger.Info("busy allocated",
		"subject", subject,
		"requester", requester,
		"granted_ms", g.GrantedMs,
		"remaining_ms", g.RemainingMs,
	)
	return g, nil
}

func (l *Ledger) allocate(ctx context.Context, subject, requester string, requestedMs int64) (Grant, error) {
	if requester == "" {
		return Grant{}, core.Invalid("requester required")
	}
	if requestedMs <= 0 {
		return Grant{}, core.Invalid("requested duration must be positive")
	}
	for attempt := 0; attempt < quota.MaxAttempts; attempt++ {
		w, err := l.quota.EnsureWindow(ctx, subject)
		if err != nil {
			return Grant{}, err
		}
		now := l.quota.Now()
		if !w.Enabled {
			return Grant{}, &core.CooldownError{Kind: core.ErrWindowDisabled, Subject: subject, ReenableAt: w.ReenableAt}
		}
		remaining := quota.Remaining(w)
		if remaining <= 0 {
			blocked, err := l.store.UpdateWindow(ctx, quota.Block(w, now))
			if errors.Is(err, core.ErrVersionConflict) {
				continue
			}
			if err != nil {
				return Grant{}, fmt.Errorf("disable window: %w", err)
			}
			l.logger.Warn("quota exhausted", "subject", subject, "reenable_at", blocked.ReenableAt)
			return Grant{}, &core.CooldownError{Kind: core.ErrQuotaExceeded, Subject: subject, ReenableAt: blocked.ReenableAt}
		}

		granted := min(remaining, requestedMs)
		end := now.Add(time.Duration(granted) * time.Millisecond)
		a := core.Allocation{
			Subject:    subject,
			GrantedBy:  requester,
			StartAt:    now,
			EndAt:      &end,
			DurationMs: granted,
			CreatedAt:  now,
		}
		next := quota.Charge(w, granted, now)
		updated, saved, err := l.store.AppendAllocation(ctx, next, a)
		if errors.Is(err, core.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return Grant{}, fmt.Errorf("append allocation: %w", err)
		}
		if !updated.Enabled {
			l.logger.Warn("quota exhausted", "subject", subject, "reenable_at", updated.ReenableAt)
		}
		return Grant{
			Allocation:  saved,
			GrantedMs:   granted,
			RemainingMs: quota.Remaining(updated),
			Window:      updated,
		}, nil
	}
	return Grant{}, fmt.Errorf("allocate %s: %w", subject, core.ErrVersionConflict)
}

// Release ends an allocation early and reconciles the window total. An
// allocation whose end has already passed is returned unchanged.
func (l *Ledger) Release(ctx context.Context, id string) (core.Allocation, error) {
	ctx, span := l.tracer.Start(ctx, "ledger.Release", trace.WithAttributes(attribute.String("allocation_id", id)))
	defer span.End()

	a, err := l.release(ctx, id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "release allocation failed")
	}
	return a, err
}

func (l *Ledger) release(ctx context.Context, id string) (core.Allocation, error) {
	if id == "" {
		return core.Allocation{}, core.Invalid("allocation id required")
	}
	a, err := l.store.GetAllocation(ctx, id)
	if err != nil {
		return core.Allocation{}, err
	}
	now := l.quota.Now()
	if a.EndAt != nil && !now.Before(*a.EndAt) {
		return a, nil
	}
	elapsed := max(now.Sub(a.StartAt).Milliseconds(), 0)
	finished, changed, err := l.store.FinishAllocation(ctx, id, now, elapsed)
	if err != nil {
		return core.Allocation{}, fmt.Errorf("finish allocation: %w", err)
	}
	if !changed {
		return finished, nil
	}
	if _, err := l.recompute(ctx, a.Subject); err != nil {
		return finished, err
	}
	l.logger.Info("allocation released early", "id", id, "subject", a.Subject, "duration_ms", elapsed)
	return finished, nil
}

// QuotaStatus brings the window current, reconciles it against the stored
// allocations and reports it.
func (l *Ledger) QuotaStatus(ctx context.Context, subject string) (Status, error) {
	ctx, span := l.tracer.Start(ctx, "ledger.QuotaStatus", trace.WithAttributes(attribute.String("subject", subject)))
	defer span.End()

	w, err := l.recompute(ctx, subject)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "quota status failed")
		return Status{}, err
	}
	return Status{
		Subject:     subject,
		UsedMs:      w.CumulativeBusyMs,
		RemainingMs: quota.Remaining(w),
		Enabled:     w.Enabled,
		ReenableAt:  w.ReenableAt,
		WindowStart: w.WindowStart,
	}, nil
}

// ManualEnable re-opens a subject's window once its cooldown has passed.
func (l *Ledger) ManualEnable(ctx context.Context, subject string) (Status, error) {
	w, err := l.quota.ManualEnable(ctx, subject)
	if err != nil {
		return Status{}, err
	}
	return Status{
		Subject:     subject,
		UsedMs:      w.CumulativeBusyMs,
		RemainingMs: quota.Remaining(w),
		Enabled:     w.Enabled,
		ReenableAt:  w.ReenableAt,
		WindowStart: w.WindowStart,
	}, nil
}

func (l *Ledger) recompute(ctx context.Context, subject string) (core.QuotaWindow, error) {
	w, err := l.quota.EnsureWindow(ctx, subject)
	if err != nil {
		return core.QuotaWindow{}, err
	}
	intervals, err := l.store.ListAllocations(ctx, subject, w.WindowStart)
	if err != nil {
		return core.QuotaWindow{}, fmt.Errorf("list allocations: %w", err)
	}
	return l.quota.Recompute(ctx, subject, intervals)
}

func resultLabel(err error) string {
	switch {
	case errors.Is(err, core.ErrQuotaExceeded):
		return "quota_exceeded"
	case errors.Is(err, core.ErrWindowDisabled):
		return "window_disabled"
	case errors.Is(err, core.ErrInvalid):
		return "invalid"
	default:
		return "error"
	}
}
