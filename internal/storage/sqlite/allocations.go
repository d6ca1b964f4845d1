package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mistakeknot/engage/internal/core"
)

const allocationColumns = `id, subject, granted_by, start_at, end_at, duration_ms, created_at`

func scanAllocation(row rowScanner) (core.Allocation, error) {
	var (
		a              core.Allocation
		start, created int64
		end            sql.NullInt64
	)
	if err := row.Scan(&a.ID, &a.Subject, &a.GrantedBy, &start, &end, &a.DurationMs, &created); err != nil {
		return core.Allocation{}, err
	}
	a.StartAt = fromMs(start)
	a.EndAt = timePtr(end)
	a.CreatedAt = fromMs(created)
	return a, nil
}

// AppendAllocation commits the window update and the allocation row in one
// transaction. A stale window version rolls both back.
func (s *Store) AppendAllocation(ctx context.Context, w core.QuotaWindow, a core.Allocation) (core.QuotaWindow, core.Allocation, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return core.QuotaWindow{}, core.Allocation{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	updated, err := updateWindow(ctx, tx, w)
	if err != nil {
		return core.QuotaWindow{}, core.Allocation{}, err
	}
	saved, err := scanAllocation(tx.QueryRowContext(ctx,
		`INSERT INTO allocations (id, subject, granted_by, start_at, end_at, duration_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 RETURNING `+allocationColumns,
		a.ID, a.Subject, a.GrantedBy, toMs(a.StartAt), nullMs(a.EndAt), a.DurationMs, toMs(a.CreatedAt),
	))
	if err != nil {
		return core.QuotaWindow{}, core.Allocation{}, fmt.Errorf("insert allocation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return core.QuotaWindow{}, core.Allocation{}, fmt.Errorf("commit: %w", err)
	}
	return updated, saved, nil
}

func (s *Store) GetAllocation(ctx context.Context, id string) (core.Allocation, error) {
	a, err := scanAllocation(s.db.QueryRowContext(ctx,
		`SELECT `+allocationColumns+` FROM allocations WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return core.Allocation{}, core.ErrNotFound
	}
	if err != nil {
		return core.Allocation{}, fmt.Errorf("get allocation: %w", err)
	}
	return a, nil
}

func (s *Store) FinishAllocation(ctx context.Context, id string, endAt time.Time, durationMs int64) (core.Allocation, bool, error) {
	endMs := toMs(endAt)
	a, err := scanAllocation(s.db.QueryRowContext(ctx,
		`UPDATE allocations SET end_at = ?, duration_ms = ?
		 WHERE id = ? AND (end_at IS NULL OR end_at > ?)
		 RETURNING `+allocationColumns,
		endMs, durationMs, id, endMs,
	))
	if err == nil {
		return a, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return core.Allocation{}, false, fmt.Errorf("finish allocation: %w", err)
	}
	cur, err := s.GetAllocation(ctx, id)
	if err != nil {
		return core.Allocation{}, false, err
	}
	return cur, false, nil
}

func (s *Store) ListAllocations(ctx context.Context, subject string, since time.Time) ([]core.Allocation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+allocationColumns+` FROM allocations
		 WHERE subject = ? AND start_at >= ?
		 ORDER BY start_at ASC`,
		subject, toMs(since),
	)
	if err != nil {
		return nil, fmt.Errorf("query allocations: %w", err)
	}
	defer rows.Close()

	var out []core.Allocation
	for rows.Next() {
		a, err := scanAllocation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan allocation: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
