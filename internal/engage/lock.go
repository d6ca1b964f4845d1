// Package engage implements the exclusive per-subject engagement lock.
//
// Every transition is a single conditional write against the LockStore, so
// two requesters racing for one subject can never both win. A Held lock
// whose expiry has passed is treated as Free everywhere; the record is
// physically cleared lazily on the next access or by the sweeper.
package engage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mistakeknot/engage/internal/core"
	"github.com/mistakeknot/engage/internal/history"
	"github.com/mistakeknot/engage/internal/metrics"
	"github.com/mistakeknot/engage/internal/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// acquireAttempts bounds retries when the lock changes between the
// conditional write and the follow-up read.
const acquireAttempts = 3

// Notifier queues busy-flag updates. Submit must not block.
type Notifier interface {
	Submit(subject string, busy bool) bool
}

// Recorder persists completed engagements.
type Recorder interface {
	Record(ctx context.Context, e history.Entry) (core.HistoryRecord, error)
}

type Service struct {
	store      storage.LockStore
	notify     Notifier
	recorder   Recorder
	defaultTTL time.Duration
	now        func() time.Time
	logger     *slog.Logger
	tracer     trace.Tracer
}

func NewService(store storage.LockStore, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  store,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger.With("component", "engage"),
		tracer: otel.Tracer("engage/lock"),
	}
}

func (s *Service) WithNotifier(n Notifier) *Service {
	s.notify = n
	return s
}

func (s *Service) WithRecorder(r Recorder) *Service {
	s.recorder = r
	return s
}

// WithDefaultTTL sets the expiry applied to fresh acquires that give no TTL.
// Zero means such locks never expire.
func (s *Service) WithDefaultTTL(d time.Duration) *Service {
	s.defaultTTL = d
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

type AcquireRequest struct {
	Subject   string
	Requester string
	// TTL is optional. On a re-acquire by the current holder it refreshes
	// the expiry only when set.
	TTL     time.Duration
	Context string
}

type AcquireResult struct {
	Lock       core.Lock `json:"lock"`
	Reacquired bool      `json:"reacquired"`
	Warnings   []string  `json:"warnings,omitempty"`
}

// TryAcquire takes the lock for the requester or reports the current holder
// through a *core.HeldError. It never waits for the lock to free.
func (s *Service) TryAcquire(ctx context.Context, req AcquireRequest) (AcquireResult, error) {
	ctx, span := s.tracer.Start(ctx, "engage.TryAcquire", trace.WithAttributes(
		attribute.String("subject", req.Subject),
		attribute.String("requester", req.Requester),
	))
	defer span.End()

	res, err := s.tryAcquire(ctx, req)
	if err != nil {
		if errors.Is(err, core.ErrAlreadyHeld) {
			metrics.LockTransitionsTotal.WithLabelValues("acquire", "already_held").Inc()
			span.AddEvent("already_held")
		} else {
			metrics.LockTransitionsTotal.WithLabelValues("acquire", "error").Inc()
			span.RecordError(err)
			span.SetStatus(codes.Error, "acquire failed")
		}
		return res, err
	}
	if res.Reacquired {
		metrics.LockTransitionsTotal.WithLabelValues("acquire", "reacquired").Inc()
	} else {
		metrics.LockTransitionsTotal.WithLabelValues("acquire", "acquired").Inc()
	}
	return res, nil
}

func (s *Service) tryAcquire(ctx context.Context, req AcquireRequest) (AcquireResult, error) {
	if req.Subject == "" || req.Requester == "" {
		return AcquireResult{}, core.Invalid("subject and requester required")
	}
	if req.TTL < 0 {
		return AcquireResult{}, core.Invalid("ttl must not be negative")
	}
	var last core.Lock
	for attempt := 0; attempt < acquireAttempts; attempt++ {
		now := s.now()

		var refresh *time.Time
		if req.TTL > 0 {
			at := now.Add(req.TTL)
			refresh = &at
		}
		l, ok, err := s.store.ReacquireLock(ctx, req.Subject, req.Requester, now, refresh, req.Context)
		if err != nil {
			return AcquireResult{}, fmt.Errorf("reacquire: %w", err)
		}
		if ok {
			return AcquireResult{Lock: l, Reacquired: true}, nil
		}

		expiresAt := refresh
		if expiresAt == nil && s.defaultTTL > 0 {
			at := now.Add(s.defaultTTL)
			expiresAt = &at
		}
		l, ok, err = s.store.AcquireLock(ctx, req.Subject, req.Requester, now, expiresAt, req.Context)
		if err != nil {
			return AcquireResult{}, fmt.Errorf("acquire: %w", err)
		}
		if ok {
			s.logger.Info("lock acquired", "subject", req.Subject, "holder", req.Requester, "expires_at", l.ExpiresAt)
			return AcquireResult{Lock: l, Warnings: s.notifyBusy(req.Subject, true)}, nil
		}
		if l.IsHeld(now) && l.Holder != req.Requester {
			return AcquireResult{}, heldError(req.Subject, l)
		}
		last = l
	}
	s.logger.Warn("acquire lost every attempt", "subject", req.Subject, "requester", req.Requester, "attempts", acquireAttempts)
	return AcquireResult{}, heldError(req.Subject, last)
}

// heldError reports a lost acquire with the last record seen for subject.
func heldError(subject string, l core.Lock) *core.HeldError {
	return &core.HeldError{
		Subject:       subject,
		Holder:        l.Holder,
		LinkedContext: l.LinkedContext,
		ExpiresAt:     l.ExpiresAt,
	}
}

// Heartbeat pushes the holder's expiry out to at least now+extend. A longer
// lease is kept, and a lock without expiry stays without one.
func (s *Service) Heartbeat(ctx context.Context, subject, requester string, extend time.Duration) (core.Lock, error) {
	ctx, span := s.tracer.Start(ctx, "engage.Heartbeat", trace.WithAttributes(
		attribute.String("subject", subject),
		attribute.String("requester", requester),
	))
	defer span.End()

	if subject == "" || requester == "" {
		return core.Lock{}, core.Invalid("subject and requester required")
	}
	if extend <= 0 {
		return core.Lock{}, core.Invalid("extend must be positive")
	}
	now := s.now()
	l, ok, err := s.store.ExtendLock(ctx, subject, requester, now, now.Add(extend))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "extend failed")
		return core.Lock{}, fmt.Errorf("extend: %w", err)
	}
	if !ok {
		metrics.LockTransitionsTotal.WithLabelValues("heartbeat", "not_owner").Inc()
		if l.Status == core.LockHeld && l.Expired(now) {
			s.expire(ctx, l, now)
		}
		return core.Lock{}, fmt.Errorf("heartbeat %s: %w", subject, core.ErrNotOwner)
	}
	metrics.LockTransitionsTotal.WithLabelValues("heartbeat", "extended").Inc()
	return l, nil
}

// Outcome carries the optional release details recorded in history.
type Outcome struct {
	Value       float64
	Notes       string
	Metadata    map[string]string
	SkipHistory bool
}

type ReleaseResult struct {
	Lock     core.Lock           `json:"lock"`
	History  *core.HistoryRecord `json:"history,omitempty"`
	Warnings []string            `json:"warnings,omitempty"`
}

// Release frees the lock held by requester and records the engagement. A
// history failure is reported as a warning; the lock is released regardless.
func (s *Service) Release(ctx context.Context, subject, requester string, outcome Outcome) (ReleaseResult, error) {
	ctx, span := s.tracer.Start(ctx, "engage.Release", trace.WithAttributes(
		attribute.String("subject", subject),
		attribute.String("requester", requester),
	))
	defer span.End()

	res, err := s.release(ctx, subject, requester, outcome)
	if err != nil {
		metrics.LockTransitionsTotal.WithLabelValues("release", releaseLabel(err)).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "release refused")
		return res, err
	}
	metrics.LockTransitionsTotal.WithLabelValues("release", "released").Inc()
	return res, nil
}

func (s *Service) release(ctx context.Context, subject, requester string, outcome Outcome) (ReleaseResult, error) {
	if subject == "" || requester == "" {
		return ReleaseResult{}, core.Invalid("subject and requester required")
	}
	l, err := s.store.GetLock(ctx, subject)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return ReleaseResult{}, fmt.Errorf("release %s: %w", subject, core.ErrNotFound)
		}
		return ReleaseResult{}, fmt.Errorf("get lock: %w", err)
	}
	now := s.now()
	if l.Status != core.LockHeld {
		return ReleaseResult{}, fmt.Errorf("release %s: %w", subject, core.ErrNotHeld)
	}
	if l.Expired(now) {
		s.expire(ctx, l, now)
		return ReleaseResult{}, fmt.Errorf("release %s: %w", subject, core.ErrNotHeld)
	}
	if l.Holder != requester {
		return ReleaseResult{}, fmt.Errorf("release %s: %w", subject, core.ErrNotOwner)
	}

	captured := l
	ok, err := s.store.ReleaseLock(ctx, captured, now)
	if err != nil {
		return ReleaseResult{}, fmt.Errorf("release: %w", err)
	}
	if !ok {
		// Released or replaced between the read and the conditional write.
		return ReleaseResult{}, fmt.Errorf("release %s: %w", subject, core.ErrNotHeld)
	}
	s.logger.Info("lock released", "subject", subject, "holder", requester, "held_for", now.Sub(captured.AcquiredAt))

	res := ReleaseResult{Lock: captured, Warnings: s.notifyBusy(subject, false)}
	if outcome.SkipHistory || s.recorder == nil {
		return res, nil
	}
	rec, err := s.recorder.Record(ctx, history.Entry{
		Subject:       subject,
		Holder:        captured.Holder,
		StartedAt:     captured.AcquiredAt,
		EndedAt:       now,
		Value:         outcome.Value,
		Notes:         outcome.Notes,
		LinkedContext: captured.LinkedContext,
		Metadata:      outcome.Metadata,
	})
	if err != nil {
		s.logger.Warn("history record failed", "subject", subject, "holder", requester, "error", err)
		res.Warnings = append(res.Warnings, core.WarnHistoryFailed)
		return res, nil
	}
	res.History = &rec
	return res, nil
}

// Status returns the subject's lock as callers must see it, creating a Free
// record for unknown subjects.
func (s *Service) Status(ctx context.Context, subject string) (core.Lock, error) {
	if subject == "" {
		return core.Lock{}, core.Invalid("subject required")
	}
	now := s.now()
	l, err := s.store.EnsureLock(ctx, subject, now)
	if err != nil {
		return core.Lock{}, fmt.Errorf("ensure lock: %w", err)
	}
	if l.Status == core.LockHeld && l.Expired(now) {
		s.expire(ctx, l, now)
	}
	return l.Effective(now), nil
}

// ListHeld returns every lock currently held and unexpired.
func (s *Service) ListHeld(ctx context.Context) ([]core.Lock, error) {
	return s.store.HeldLocks(ctx, s.now())
}

// SweepExpired clears every Held lock whose expiry has passed and returns
// how many it cleared.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	ctx, span := s.tracer.Start(ctx, "engage.SweepExpired")
	defer span.End()

	now := s.now()
	expired, err := s.store.ExpiredLocks(ctx, now)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list expired failed")
		return 0, fmt.Errorf("expired locks: %w", err)
	}
	n := 0
	for _, l := range expired {
		if s.expire(ctx, l, now) {
			n++
		}
	}
	span.SetAttributes(attribute.Int("cleared", n))
	return n, nil
}

// expire clears an expired lock if it is still the record we saw.
func (s *Service) expire(ctx context.Context, l core.Lock, now time.Time) bool {
	ok, err := s.store.ReleaseLock(ctx, l, now)
	if err != nil {
		s.logger.Warn("expired lock clear failed", "subject", l.Subject, "error", err)
		return false
	}
	if !ok {
		return false
	}
	metrics.LocksExpiredTotal.Inc()
	s.logger.Info("lock expired", "subject", l.Subject, "holder", l.Holder, "expires_at", l.ExpiresAt)
	s.notifyBusy(l.Subject, false)
	return true
}

func (s *Service) notifyBusy(subject string, busy bool) []string {
	if s.notify == nil {
		return nil
	}
	if !s.notify.Submit(subject, busy) {
		return []string{core.WarnPropagationDropped}
	}
	return nil
}

func releaseLabel(err error) string {
	switch {
	case errors.Is(err, core.ErrNotFound):
		return "not_found"
	case errors.Is(err, core.ErrNotHeld):
		return "not_held"
	case errors.Is(err, core.ErrNotOwner):
		return "not_owner"
	case errors.Is(err, core.ErrInvalid):
		return "invalid"
	default:
		return "error"
	}
}
