package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mistakeknot/engage/internal/core"
)

func (s *Store) UpsertListing(ctx context.Context, l core.Listing) (core.Listing, error) {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.UpdatedAt.IsZero() {
		l.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO listings (id, subject, title, busy, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET subject = excluded.subject, title = excluded.title,
		   busy = excluded.busy, updated_at = excluded.updated_at`,
		l.ID, l.Subject, l.Title, boolInt(l.Busy), toMs(l.UpdatedAt),
	)
	if err != nil {
		return core.Listing{}, fmt.Errorf("upsert listing: %w", err)
	}
	l.UpdatedAt = fromMs(toMs(l.UpdatedAt))
	return l, nil
}

func (s *Store) ListListings(ctx context.Context, subject string) ([]core.Listing, error) {
	query := `SELECT id, subject, title, busy, updated_at FROM listings`
	var args []any
	if subject != "" {
		query += ` WHERE subject = ?`
		args = append(args, subject)
	}
	query += ` ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query listings: %w", err)
	}
	defer rows.Close()

	var out []core.Listing
	for rows.Next() {
		var (
			l       core.Listing
			busy    int
			updated int64
		)
		if err := rows.Scan(&l.ID, &l.Subject, &l.Title, &busy, &updated); err != nil {
			return nil, fmt.Errorf("scan listing: %w", err)
		}
		l.Busy = busy != 0
		l.UpdatedAt = fromMs(updated)
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *Store) UpdateBusyFlag(ctx context.Context, subject string, busy bool, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE listings SET busy = ?, updated_at = ? WHERE subject = ?`,
		boolInt(busy), toMs(now), subject,
	)
	if err != nil {
		return 0, fmt.Errorf("update busy flag: %w", err)
	}
	return res.RowsAffected()
}

// ReconcileBusyFlags flips only the listings whose flag disagrees with the
// lock table. The lock check and the write are one statement.
func (s *Store) ReconcileBusyFlags(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE listings SET busy = 1 - busy, updated_at = ?
		 WHERE busy != EXISTS (
		   SELECT 1 FROM locks
		    WHERE locks.subject = listings.subject AND locks.status = 'held'
		      AND (locks.expires_at IS NULL OR locks.expires_at > ?))`,
		toMs(now), toMs(now),
	)
	if err != nil {
		return 0, fmt.Errorf("reconcile busy flags: %w", err)
	}
	return res.RowsAffected()
}
