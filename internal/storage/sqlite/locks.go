package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mistakeknot/engage/internal/core"
)

const lockColumns = `subject, status, holder, acquired_at, expires_at, context, updated_at`

func scanLock(row rowScanner) (core.Lock, error) {
	var (
		l                 core.Lock
		status            string
		acquired, updated int64
		expires           sql.NullInt64
	)
	if err := row.Scan(&l.Subject, &status, &l.Holder, &acquired, &expires, &l.LinkedContext, &updated); err != nil {
		return core.Lock{}, err
	}
	l.Status = core.LockStatus(status)
	l.AcquiredAt = fromMs(acquired)
	l.ExpiresAt = timePtr(expires)
	l.UpdatedAt = fromMs(updated)
	return l, nil
}

func (s *Store) GetLock(ctx context.Context, subject string) (core.Lock, error) {
	l, err := scanLock(s.db.QueryRowContext(ctx,
		`SELECT `+lockColumns+` FROM locks WHERE subject = ?`, subject))
	if errors.Is(err, sql.ErrNoRows) {
		return core.Lock{}, core.ErrNotFound
	}
	if err != nil {
		return core.Lock{}, fmt.Errorf("get lock: %w", err)
	}
	return l, nil
}

func (s *Store) EnsureLock(ctx context.Context, subject string, now time.Time) (core.Lock, error) {
	if err := s.ensureLock(ctx, subject, now); err != nil {
		return core.Lock{}, err
	}
	return s.GetLock(ctx, subject)
}

func (s *Store) ensureLock(ctx context.Context, subject string, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO locks (subject, status, updated_at) VALUES (?, 'free', ?)
		 ON CONFLICT(subject) DO NOTHING`,
		subject, toMs(now),
	)
	if err != nil {
		return fmt.Errorf("ensure lock: %w", err)
	}
	return nil
}

// AcquireLock is a single conditional UPDATE: it only matches a Free row or
// a Held row whose expiry has passed.
func (s *Store) AcquireLock(ctx context.Context, subject, holder string, now time.Time, expiresAt *time.Time, linked string) (core.Lock, bool, error) {
	if err := s.ensureLock(ctx, subject, now); err != nil {
		return core.Lock{}, false, err
	}
	nowMs := toMs(now)
	l, err := scanLock(s.db.QueryRowContext(ctx,
		`UPDATE locks
		 SET status = 'held', holder = ?, acquired_at = ?, expires_at = ?, context = ?, updated_at = ?
		 WHERE subject = ?
		   AND (status = 'free' OR (expires_at IS NOT NULL AND expires_at <= ?))
		 RETURNING `+lockColumns,
		holder, nowMs, nullMs(expiresAt), linked, nowMs, subject, nowMs,
	))
	return s.afterConditional(ctx, subject, l, err)
}

func (s *Store) ReacquireLock(ctx context.Context, subject, holder string, now time.Time, expiresAt *time.Time, linked string) (core.Lock, bool, error) {
	nowMs := toMs(now)
	l, err := scanLock(s.db.QueryRowContext(ctx,
		`UPDATE locks
		 SET expires_at = COALESCE(?, expires_at),
		     context = CASE WHEN ? = '' THEN context ELSE ? END,
		     updated_at = ?
		 WHERE subject = ? AND status = 'held' AND holder = ?
		   AND (expires_at IS NULL OR expires_at > ?)
		 RETURNING `+lockColumns,
		nullMs(expiresAt), linked, linked, nowMs, subject, holder, nowMs,
	))
	return s.afterConditional(ctx, subject, l, err)
}

func (s *Store) ExtendLock(ctx context.Context, subject, holder string, now, expiresAt time.Time) (core.Lock, bool, error) {
	nowMs := toMs(now)
	l, err := scanLock(s.db.QueryRowContext(ctx,
		`UPDATE locks SET expires_at = CASE WHEN expires_at IS NULL THEN NULL ELSE MAX(expires_at, ?) END,
		   updated_at = ?
		 WHERE subject = ? AND status = 'held' AND holder = ?
		   AND (expires_at IS NULL OR expires_at > ?)
		 RETURNING `+lockColumns,
		toMs(expiresAt), nowMs, subject, holder, nowMs,
	))
	return s.afterConditional(ctx, subject, l, err)
}

// afterConditional turns a RETURNING scan into the (record, applied, error)
// triple. A miss reports the current record without mutating anything.
func (s *Store) afterConditional(ctx context.Context, subject string, l core.Lock, err error) (core.Lock, bool, error) {
	if err == nil {
		return l, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return core.Lock{}, false, fmt.Errorf("update lock: %w", err)
	}
	cur, err := s.GetLock(ctx, subject)
	if errors.Is(err, core.ErrNotFound) {
		return core.Lock{}, false, nil
	}
	if err != nil {
		return core.Lock{}, false, err
	}
	return cur, false, nil
}

func (s *Store) ReleaseLock(ctx context.Context, expected core.Lock, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE locks
		 SET status = 'free', holder = '', acquired_at = 0, expires_at = NULL, context = '', updated_at = ?
		 WHERE subject = ? AND status = 'held' AND holder = ? AND acquired_at = ?`,
		toMs(now), expected.Subject, expected.Holder, toMs(expected.AcquiredAt),
	)
	if err != nil {
		return false, fmt.Errorf("release lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

func (s *Store) HeldLocks(ctx context.Context, now time.Time) ([]core.Lock, error) {
	return s.queryLocks(ctx,
		`SELECT `+lockColumns+` FROM locks
		 WHERE status = 'held' AND (expires_at IS NULL OR expires_at > ?)
		 ORDER BY acquired_at ASC`, toMs(now))
}

func (s *Store) ExpiredLocks(ctx context.Context, now time.Time) ([]core.Lock, error) {
	return s.queryLocks(ctx,
		`SELECT `+lockColumns+` FROM locks
		 WHERE status = 'held' AND expires_at IS NOT NULL AND expires_at <= ?
		 ORDER BY expires_at ASC`, toMs(now))
}

func (s *Store) queryLocks(ctx context.Context, query string, args ...any) ([]core.Lock, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query locks: %w", err)
	}
	defer rows.Close()

	var out []core.Lock
	for rows.Next() {
		l, err := scanLock(rows)
		if err != nil {
			return nil, fmt.Errorf("scan lock: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
