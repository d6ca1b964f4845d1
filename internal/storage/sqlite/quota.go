package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mistakeknot/engage/internal/core"
)

const windowColumns = `subject, window_start, cumulative_busy_ms, enabled, reenable_at, version`

func scanWindow(row rowScanner) (core.QuotaWindow, error) {
	var (
		w        core.QuotaWindow
		start    int64
		enabled  int
		reenable sql.NullInt64
	)
	if err := row.Scan(&w.Subject, &start, &w.CumulativeBusyMs, &enabled, &reenable, &w.Version); err != nil {
		return core.QuotaWindow{}, err
	}
	w.WindowStart = fromMs(start)
	w.Enabled = enabled != 0
	w.ReenableAt = timePtr(reenable)
	return w, nil
}

func (s *Store) GetWindow(ctx context.Context, subject string) (core.QuotaWindow, error) {
	w, err := scanWindow(s.db.QueryRowContext(ctx,
		`SELECT `+windowColumns+` FROM quota_windows WHERE subject = ?`, subject))
	if errors.Is(err, sql.ErrNoRows) {
		return core.QuotaWindow{}, core.ErrNotFound
	}
	if err != nil {
		return core.QuotaWindow{}, fmt.Errorf("get window: %w", err)
	}
	return w, nil
}

func (s *Store) CreateWindow(ctx context.Context, w core.QuotaWindow) (core.QuotaWindow, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO quota_windows (subject, window_start, cumulative_busy_ms, enabled, reenable_at, version)
		 VALUES (?, ?, ?, ?, ?, 1)
		 ON CONFLICT(subject) DO NOTHING`,
		w.Subject, toMs(w.WindowStart), w.CumulativeBusyMs, boolInt(w.Enabled), nullMs(w.ReenableAt),
	)
	if err != nil {
		return core.QuotaWindow{}, fmt.Errorf("create window: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return core.QuotaWindow{}, fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return core.QuotaWindow{}, core.ErrVersionConflict
	}
	return s.GetWindow(ctx, w.Subject)
}

func (s *Store) UpdateWindow(ctx context.Context, w core.QuotaWindow) (core.QuotaWindow, error) {
	updated, err := updateWindow(ctx, s.db, w)
	if errors.Is(err, core.ErrVersionConflict) {
		if _, getErr := s.GetWindow(ctx, w.Subject); errors.Is(getErr, core.ErrNotFound) {
			return core.QuotaWindow{}, core.ErrNotFound
		}
	}
	return updated, err
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// updateWindow writes w only if the stored version still equals w.Version.
func updateWindow(ctx context.Context, q rowQuerier, w core.QuotaWindow) (core.QuotaWindow, error) {
	updated, err := scanWindow(q.QueryRowContext(ctx,
		`UPDATE quota_windows
		 SET window_start = ?, cumulative_busy_ms = ?, enabled = ?, reenable_at = ?, version = version + 1
		 WHERE subject = ? AND version = ?
		 RETURNING `+windowColumns,
		toMs(w.WindowStart), w.CumulativeBusyMs, boolInt(w.Enabled), nullMs(w.ReenableAt), w.Subject, w.Version,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return core.QuotaWindow{}, core.ErrVersionConflict
	}
	if err != nil {
		return core.QuotaWindow{}, fmt.Errorf("update window: %w", err)
	}
	return updated, nil
}
