package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mistakeknot/engage/internal/core"
	"github.com/mistakeknot/engage/internal/storage"
)

func (s *Store) AppendHistory(ctx context.Context, rec core.HistoryRecord) (core.HistoryRecord, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	var meta string
	if len(rec.Metadata) > 0 {
		buf, err := json.Marshal(rec.Metadata)
		if err != nil {
			return core.HistoryRecord{}, fmt.Errorf("marshal metadata: %w", err)
		}
		meta = string(buf)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO history (id, subject, holder, started_at, ended_at, value, notes, context, metadata_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		rec.ID, rec.Subject, rec.Holder, toMs(rec.StartedAt), toMs(rec.EndedAt), rec.Value,
		rec.Notes, rec.LinkedContext, meta, toMs(rec.CreatedAt),
	)
	if err != nil {
		return core.HistoryRecord{}, fmt.Errorf("insert history: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return core.HistoryRecord{}, fmt.Errorf("insert history: %w", err)
	} else if n == 0 {
		return core.HistoryRecord{}, core.Invalid("duplicate history id %s", rec.ID)
	}
	rec.StartedAt = fromMs(toMs(rec.StartedAt))
	rec.EndedAt = fromMs(toMs(rec.EndedAt))
	rec.CreatedAt = fromMs(toMs(rec.CreatedAt))
	return rec, nil
}

func (s *Store) ListHistory(ctx context.Context, f core.HistoryFilter) ([]core.HistoryRecord, error) {
	var (
		where []string
		args  []any
	)
	if f.Subject != "" {
		where = append(where, "subject = ?")
		args = append(args, f.Subject)
	}
	if f.Holder != "" {
		where = append(where, "holder = ?")
		args = append(args, f.Holder)
	}
	if f.Party != "" {
		where = append(where, "(subject = ? OR holder = ?)")
		args = append(args, f.Party, f.Party)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = storage.DefaultHistoryLimit
	}

	query := `SELECT id, subject, holder, started_at, ended_at, value, notes, context, metadata_json, created_at FROM history`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []core.HistoryRecord
	for rows.Next() {
		var (
			rec                     core.HistoryRecord
			started, ended, created int64
			meta                    string
		)
		if err := rows.Scan(&rec.ID, &rec.Subject, &rec.Holder, &started, &ended, &rec.Value, &rec.Notes, &rec.LinkedContext, &meta, &created); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		rec.StartedAt = fromMs(started)
		rec.EndedAt = fromMs(ended)
		rec.CreatedAt = fromMs(created)
		if meta != "" {
			if err := json.Unmarshal([]byte(meta), &rec.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata: %w", err)
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
