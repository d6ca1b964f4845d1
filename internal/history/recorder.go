// Package history appends completed-engagement records and reads them back
// for reporting collaborators.
package history

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mistakeknot/engage/internal/core"
	"github.com/mistakeknot/engage/internal/metrics"
	"github.com/mistakeknot/engage/internal/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Entry is one engagement to record. Notes defaults to "Released by <holder>".
type Entry struct {
	Subject       string
	Holder        string
	StartedAt     time.Time
	EndedAt       time.Time
	Value         float64
	Notes         string
	LinkedContext string
	Metadata      map[string]string
}

type Recorder struct {
	store  storage.HistoryStore
	now    func() time.Time
	logger *slog.Logger
	tracer trace.Tracer
}

func NewRecorder(store storage.HistoryStore, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		store:  store,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger.With("component", "history"),
		tracer: otel.Tracer("engage/history"),
	}
}

func (r *Recorder) WithClock(now func() time.Time) *Recorder {
	r.now = now
	return r
}

// Record appends one history record. Duplicate calls create duplicate records.
func (r *Recorder) Record(ctx context.Context, e Entry) (core.HistoryRecord, error) {
	ctx, span := r.tracer.Start(ctx, "history.Record", trace.WithAttributes(
		attribute.String("subject", e.Subject),
		attribute.String("holder", e.Holder),
	))
	defer span.End()

	if e.Subject == "" || e.Holder == "" {
		return core.HistoryRecord{}, core.Invalid("subject and holder required")
	}
	if e.EndedAt.Before(e.StartedAt) {
		return core.HistoryRecord{}, core.Invalid("ended_at before started_at")
	}
	notes := e.Notes
	if notes == "" {
		notes = "Released by " + e.Holder
	}
	rec, err := r.store.AppendHistory(ctx, core.HistoryRecord{
		Subject:       e.Subject,
		Holder:        e.Holder,
		StartedAt:     e.StartedAt,
		EndedAt:       e.EndedAt,
		Value:         e.Value,
		Notes:         notes,
		LinkedContext: e.LinkedContext,
		Metadata:      e.Metadata,
		CreatedAt:     r.now(),
	})
	if err != nil {
		metrics.HistoryRecordsTotal.WithLabelValues("error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "append history failed")
		return core.HistoryRecord{}, fmt.Errorf("append history: %w", err)
	}
	metrics.HistoryRecordsTotal.WithLabelValues("ok").Inc()
	r.logger.Debug("history recorded", "id", rec.ID, "subject", rec.Subject, "holder", rec.Holder)
	return rec, nil
}

// Role selects which side of an engagement a history read matches on.
type Role string

const (
	RoleSubject Role = "subject"
	RoleHolder  Role = "holder"
	RoleParty   Role = "party"
)

// Recent returns the newest records for id in the given role.
func (r *Recorder) Recent(ctx context.Context, id string, role Role, limit int) ([]core.HistoryRecord, error) {
	if id == "" {
		return nil, core.Invalid("id required")
	}
	f := core.HistoryFilter{Limit: limit}
	switch role {
	case RoleSubject, "":
		f.Subject = id
	case RoleHolder:
		f.Holder = id
	case RoleParty:
		f.Party = id
	default:
		return nil, core.Invalid("unknown role %q", role)
	}
	return r.List(ctx, f)
}

// List returns records matching f, newest first.
func (r *Recorder) List(ctx context.Context, f core.HistoryFilter) ([]core.HistoryRecord, error) {
	if f.Limit <= 0 {
		f.Limit = storage.DefaultHistoryLimit
	}
	recs, err := r.store.ListHistory(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	return recs, nil
}
