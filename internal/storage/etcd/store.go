// Package etcd is an alternate Store backend on etcd v3. Records are JSON
// values under a key prefix and every conditional write is a Txn comparing
// the key's ModRevision, so it has the same single-winner semantics as the
// sqlite backend.
package etcd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"time"

	"github.com/google/uuid"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mistakeknot/engage/internal/core"
	"github.com/mistakeknot/engage/internal/storage"
)

const DefaultPrefix = "/engage/"

const (
	dirLocks       = "locks"
	dirWindows     = "windows"
	dirAllocations = "allocations"
	dirHistory     = "history"
	dirListings    = "listings"
)

var _ storage.Store = (*Store)(nil)

type Config struct {
	Endpoints   []string
	DialTimeout time.Duration
	Prefix      string
}

type Store struct {
	client    *clientv3.Client
	ownClient bool
	prefix    string
	logger    *slog.Logger
	tracer    trace.Tracer
}

// Open dials etcd and returns a store that closes the client on Close.
func Open(cfg Config, logger *slog.Logger) (*Store, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("etcd endpoints required")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	cli, err := NewClient(cfg.Endpoints, cfg.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial etcd: %w", err)
	}
	st := New(cli, cfg.Prefix, logger)
	st.ownClient = true
	return st, nil
}

// New wraps an existing client. The caller keeps ownership of cli.
func New(cli *clientv3.Client, prefix string, logger *slog.Logger) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		client: cli,
		prefix: prefix,
		logger: logger.With("component", "etcd-store"),
		tracer: otel.Tracer("engage/etcd"),
	}
}

func (s *Store) Close() error {
	if s.ownClient {
		return s.client.Close()
	}
	return nil
}

func (s *Store) key(dir, id string) string {
	return path.Join(s.prefix, dir, id)
}

func (s *Store) dir(dir string) string {
	return path.Join(s.prefix, dir) + "/"
}

func (s *Store) start(ctx context.Context, op, key string) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "store.etcd."+op, trace.WithAttributes(attribute.String("etcd.key", key)))
}

func fail(span trace.Span, err error, msg string) {
	span.RecordError(err)
	span.SetStatus(codes.Error, msg)
}

// get decodes key into v and returns its ModRevision. A missing key is
// core.ErrNotFound.
func (s *Store) get(ctx context.Context, key string, v any) (int64, error) {
	resp, err := s.client.Get(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("get %s: %w", key, err)
	}
	if len(resp.Kvs) == 0 {
		return 0, core.ErrNotFound
	}
	if err := json.Unmarshal(resp.Kvs[0].Value, v); err != nil {
		return 0, fmt.Errorf("decode %s: %w", key, err)
	}
	return resp.Kvs[0].ModRevision, nil
}

// putIf writes v to key only if the key is unchanged since rev. A rev of 0
// means the key must not exist. Extra ops commit in the same Txn.
func (s *Store) putIf(ctx context.Context, key string, rev int64, v any, extra ...clientv3.Op) (bool, error) {
	buf, err := json.Marshal(v)
	if err != nil {
		return false, fmt.Errorf("encode %s: %w", key, err)
	}
	cmp := clientv3.Compare(clientv3.ModRevision(key), "=", rev)
	if rev == 0 {
		cmp = clientv3.Compare(clientv3.CreateRevision(key), "=", 0)
	}
	ops := append([]clientv3.Op{clientv3.OpPut(key, string(buf))}, extra...)
	resp, err := s.client.Txn(ctx).If(cmp).Then(ops...).Commit()
	if err != nil {
		return false, fmt.Errorf("txn %s: %w", key, err)
	}
	return resp.Succeeded, nil
}

// scan decodes every value under dir, in key order unless opts say otherwise.
func scan[T any](ctx context.Context, s *Store, dir string, opts ...clientv3.OpOption) ([]T, []int64, error) {
	opts = append([]clientv3.OpOption{clientv3.WithPrefix()}, opts...)
	resp, err := s.client.Get(ctx, s.dir(dir), opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("list %s: %w", dir, err)
	}
	out := make([]T, 0, len(resp.Kvs))
	revs := make([]int64, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var v T
		if err := json.Unmarshal(kv.Value, &v); err != nil {
			return nil, nil, fmt.Errorf("decode %s: %w", kv.Key, err)
		}
		out = append(out, v)
		revs = append(revs, kv.ModRevision)
	}
	return out, revs, nil
}

// ---------------------------------------------------------------------------
// Locks
// ---------------------------------------------------------------------------

func (s *Store) GetLock(ctx context.Context, subject string) (core.Lock, error) {
	var l core.Lock
	if _, err := s.get(ctx, s.key(dirLocks, subject), &l); err != nil {
		return core.Lock{}, err
	}
	return l, nil
}

func (s *Store) EnsureLock(ctx context.Context, subject string, now time.Time) (core.Lock, error) {
	key := s.key(dirLocks, subject)
	if _, err := s.putIf(ctx, key, 0, core.Lock{Subject: subject, Status: core.LockFree, UpdatedAt: now}); err != nil {
		return core.Lock{}, err
	}
	return s.GetLock(ctx, subject)
}

// currentLock returns the stored lock and its revision; an absent key reads
// as a Free record at revision 0.
func (s *Store) currentLock(ctx context.Context, key, subject string, now time.Time) (core.Lock, int64, error) {
	var cur core.Lock
	rev, err := s.get(ctx, key, &cur)
	if errors.Is(err, core.ErrNotFound) {
		return core.Lock{Subject: subject, Status: core.LockFree, UpdatedAt: now}, 0, nil
	}
	return cur, rev, err
}

// casLock applies mutate to the current record. mutate returns false to
// leave the lock alone. A lost Txn reports the record that beat us.
func (s *Store) casLock(ctx context.Context, op, subject string, now time.Time, mutate func(cur core.Lock) (core.Lock, bool)) (core.Lock, bool, error) {
	key := s.key(dirLocks, subject)
	ctx, span := s.start(ctx, op, key)
	defer span.End()

	cur, rev, err := s.currentLock(ctx, key, subject, now)
	if err != nil {
		fail(span, err, "read lock failed")
		return core.Lock{}, false, err
	}
	next, apply := mutate(cur)
	if !apply {
		return s.existing(cur, rev), false, nil
	}
	ok, err := s.putIf(ctx, key, rev, next)
	if err != nil {
		fail(span, err, "lock txn failed")
		return core.Lock{}, false, err
	}
	if !ok {
		span.SetAttributes(attribute.Bool("etcd.lost_race", true))
		latest, err := s.GetLock(ctx, subject)
		if err != nil {
			return core.Lock{}, false, err
		}
		return latest, false, nil
	}
	return next, true, nil
}

func (s *Store) existing(cur core.Lock, rev int64) core.Lock {
	if rev == 0 {
		return core.Lock{}
	}
	return cur
}

func (s *Store) AcquireLock(ctx context.Context, subject, holder string, now time.Time, expiresAt *time.Time, linked string) (core.Lock, bool, error) {
	if _, err := s.EnsureLock(ctx, subject, now); err != nil {
		return core.Lock{}, false, err
	}
	return s.casLock(ctx, "AcquireLock", subject, now, func(cur core.Lock) (core.Lock, bool) {
		if cur.IsHeld(now) {
			return cur, false
		}
		return core.Lock{
			Subject:       subject,
			Status:        core.LockHeld,
			Holder:        holder,
			AcquiredAt:    now,
			ExpiresAt:     copyTime(expiresAt),
			LinkedContext: linked,
			UpdatedAt:     now,
		}, true
	})
}

func (s *Store) ReacquireLock(ctx context.Context, subject, holder string, now time.Time, expiresAt *time.Time, linked string) (core.Lock, bool, error) {
	return s.casLock(ctx, "ReacquireLock", subject, now, func(cur core.Lock) (core.Lock, bool) {
		if !cur.IsHeld(now) || cur.Holder != holder {
			return cur, false
		}
		if expiresAt != nil {
			cur.ExpiresAt = copyTime(expiresAt)
		}
		if linked != "" {
			cur.LinkedContext = linked
		}
		cur.UpdatedAt = now
		return cur, true
	})
}

func (s *Store) ExtendLock(ctx context.Context, subject, holder string, now, expiresAt time.Time) (core.Lock, bool, error) {
	return s.casLock(ctx, "ExtendLock", subject, now, func(cur core.Lock) (core.Lock, bool) {
		if !cur.IsHeld(now) || cur.Holder != holder {
			return cur, false
		}
		cur.ExpiresAt = core.LaterExpiry(cur.ExpiresAt, expiresAt)
		cur.UpdatedAt = now
		return cur, true
	})
}

func (s *Store) ReleaseLock(ctx context.Context, expected core.Lock, now time.Time) (bool, error) {
	_, ok, err := s.casLock(ctx, "ReleaseLock", expected.Subject, now, func(cur core.Lock) (core.Lock, bool) {
		if cur.Status != core.LockHeld || cur.Holder != expected.Holder || !cur.AcquiredAt.Equal(expected.AcquiredAt) {
			return cur, false
		}
		return core.Lock{Subject: expected.Subject, Status: core.LockFree, UpdatedAt: now}, true
	})
	return ok, err
}

func (s *Store) HeldLocks(ctx context.Context, now time.Time) ([]core.Lock, error) {
	return s.filterLocks(ctx, func(l core.Lock) bool { return l.IsHeld(now) })
}

func (s *Store) ExpiredLocks(ctx context.Context, now time.Time) ([]core.Lock, error) {
	return s.filterLocks(ctx, func(l core.Lock) bool { return l.Status == core.LockHeld && l.Expired(now) })
}

func (s *Store) filterLocks(ctx context.Context, keep func(core.Lock) bool) ([]core.Lock, error) {
	all, _, err := scan[core.Lock](ctx, s, dirLocks)
	if err != nil {
		return nil, err
	}
	var out []core.Lock
	for _, l := range all {
		if keep(l) {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AcquiredAt.Before(out[j].AcquiredAt) })
	return out, nil
}

// ---------------------------------------------------------------------------
// Quota windows and allocations
// ---------------------------------------------------------------------------

func (s *Store) GetWindow(ctx context.Context, subject string) (core.QuotaWindow, error) {
	var w core.QuotaWindow
	if _, err := s.get(ctx, s.key(dirWindows, subject), &w); err != nil {
		return core.QuotaWindow{}, err
	}
	return w, nil
}

func (s *Store) CreateWindow(ctx context.Context, w core.QuotaWindow) (core.QuotaWindow, error) {
	key := s.key(dirWindows, w.Subject)
	ctx, span := s.start(ctx, "CreateWindow", key)
	defer span.End()

	w.Version = 1
	ok, err := s.putIf(ctx, key, 0, w)
	if err != nil {
		fail(span, err, "create window failed")
		return core.QuotaWindow{}, err
	}
	if !ok {
		return core.QuotaWindow{}, core.ErrVersionConflict
	}
	return w, nil
}

func (s *Store) UpdateWindow(ctx context.Context, w core.QuotaWindow) (core.QuotaWindow, error) {
	key := s.key(dirWindows, w.Subject)
	ctx, span := s.start(ctx, "UpdateWindow", key)
	defer span.End()

	next, err := s.updateWindow(ctx, w)
	if err != nil && !errors.Is(err, core.ErrVersionConflict) && !errors.Is(err, core.ErrNotFound) {
		fail(span, err, "update window failed")
	}
	return next, err
}

// updateWindow checks w.Version against the stored record and commits the
// bumped window, together with extra ops, guarded by the key's ModRevision.
func (s *Store) updateWindow(ctx context.Context, w core.QuotaWindow, extra ...clientv3.Op) (core.QuotaWindow, error) {
	key := s.key(dirWindows, w.Subject)
	var cur core.QuotaWindow
	rev, err := s.get(ctx, key, &cur)
	if err != nil {
		return core.QuotaWindow{}, err
	}
	if cur.Version != w.Version {
		return core.QuotaWindow{}, core.ErrVersionConflict
	}
	w.Version++
	ok, err := s.putIf(ctx, key, rev, w, extra...)
	if err != nil {
		return core.QuotaWindow{}, err
	}
	if !ok {
		return core.QuotaWindow{}, core.ErrVersionConflict
	}
	return w, nil
}

func (s *Store) AppendAllocation(ctx context.Context, w core.QuotaWindow, a core.Allocation) (core.QuotaWindow, core.Allocation, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	ctx, span := s.start(ctx, "AppendAllocation", s.key(dirAllocations, a.ID))
	defer span.End()

	buf, err := json.Marshal(a)
	if err != nil {
		return core.QuotaWindow{}, core.Allocation{}, fmt.Errorf("encode allocation: %w", err)
	}
	updated, err := s.updateWindow(ctx, w, clientv3.OpPut(s.key(dirAllocations, a.ID), string(buf)))
	if err != nil {
		if !errors.Is(err, core.ErrVersionConflict) {
			fail(span, err, "append allocation failed")
		}
		return core.QuotaWindow{}, core.Allocation{}, err
	}
	return updated, a, nil
}

func (s *Store) GetAllocation(ctx context.Context, id string) (core.Allocation, error) {
	var a core.Allocation
	if _, err := s.get(ctx, s.key(dirAllocations, id), &a); err != nil {
		return core.Allocation{}, err
	}
	return a, nil
}

func (s *Store) FinishAllocation(ctx context.Context, id string, endAt time.Time, durationMs int64) (core.Allocation, bool, error) {
	key := s.key(dirAllocations, id)
	ctx, span := s.start(ctx, "FinishAllocation", key)
	defer span.End()

	for {
		var a core.Allocation
		rev, err := s.get(ctx, key, &a)
		if err != nil {
			return core.Allocation{}, false, err
		}
		if a.EndAt != nil && !a.EndAt.After(endAt) {
			return a, false, nil
		}
		a.EndAt = &endAt
		a.DurationMs = durationMs
		ok, err := s.putIf(ctx, key, rev, a)
		if err != nil {
			fail(span, err, "finish allocation failed")
			return core.Allocation{}, false, err
		}
		if ok {
			return a, true, nil
		}
	}
}

func (s *Store) ListAllocations(ctx context.Context, subject string, since time.Time) ([]core.Allocation, error) {
	all, _, err := scan[core.Allocation](ctx, s, dirAllocations)
	if err != nil {
		return nil, err
	}
	var out []core.Allocation
	for _, a := range all {
		if a.Subject == subject && !a.StartAt.Before(since) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartAt.Before(out[j].StartAt) })
	return out, nil
}

// ---------------------------------------------------------------------------
// History
// ---------------------------------------------------------------------------

func (s *Store) AppendHistory(ctx context.Context, rec core.HistoryRecord) (core.HistoryRecord, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	key := s.key(dirHistory, rec.ID)
	ctx, span := s.start(ctx, "AppendHistory", key)
	defer span.End()

	ok, err := s.putIf(ctx, key, 0, rec)
	if err != nil {
		fail(span, err, "append history failed")
		return core.HistoryRecord{}, err
	}
	if !ok {
		return core.HistoryRecord{}, core.Invalid("duplicate history id %s", rec.ID)
	}
	return rec, nil
}

// ListHistory returns records newest first, ordered by the revision that
// created them.
func (s *Store) ListHistory(ctx context.Context, f core.HistoryFilter) ([]core.HistoryRecord, error) {
	all, _, err := scan[core.HistoryRecord](ctx, s, dirHistory,
		clientv3.WithSort(clientv3.SortByCreateRevision, clientv3.SortDescend))
	if err != nil {
		return nil, err
	}
	limit := f.Limit
	if limit <= 0 {
		limit = storage.DefaultHistoryLimit
	}
	var out []core.HistoryRecord
	for _, rec := range all {
		if len(out) >= limit {
			break
		}
		if f.Matches(rec) {
			out = append(out, rec)
		}
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Listings
// ---------------------------------------------------------------------------

func (s *Store) UpsertListing(ctx context.Context, l core.Listing) (core.Listing, error) {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.UpdatedAt.IsZero() {
		l.UpdatedAt = time.Now().UTC()
	}
	buf, err := json.Marshal(l)
	if err != nil {
		return core.Listing{}, fmt.Errorf("encode listing: %w", err)
	}
	if _, err := s.client.Put(ctx, s.key(dirListings, l.ID), string(buf)); err != nil {
		return core.Listing{}, fmt.Errorf("put listing: %w", err)
	}
	return l, nil
}

func (s *Store) ListListings(ctx context.Context, subject string) ([]core.Listing, error) {
	all, _, err := scan[core.Listing](ctx, s, dirListings)
	if err != nil {
		return nil, err
	}
	var out []core.Listing
	for _, l := range all {
		if subject == "" || l.Subject == subject {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) UpdateBusyFlag(ctx context.Context, subject string, busy bool, now time.Time) (int64, error) {
	return s.rewriteFlags(ctx, now, func(l core.Listing) (bool, bool) {
		return busy, l.Subject == subject
	})
}

// ReconcileBusyFlags derives each listing's flag from its subject's lock.
// The write is guarded by the revisions of both the listing and the lock.
func (s *Store) ReconcileBusyFlags(ctx context.Context, now time.Time) (int64, error) {
	ctx, span := s.start(ctx, "ReconcileBusyFlags", s.dir(dirListings))
	defer span.End()

	all, revs, err := scan[core.Listing](ctx, s, dirListings)
	if err != nil {
		fail(span, err, "list listings failed")
		return 0, err
	}
	var n int64
	for i, l := range all {
		changed, err := s.reconcileListing(ctx, l, revs[i], now)
		if err != nil {
			fail(span, err, "reconcile listing failed")
			return n, err
		}
		if changed {
			n++
		}
	}
	span.SetAttributes(attribute.Int64("listings.changed", n))
	return n, nil
}

func (s *Store) reconcileListing(ctx context.Context, l core.Listing, rev int64, now time.Time) (bool, error) {
	key := s.key(dirListings, l.ID)
	for {
		lockKey := s.key(dirLocks, l.Subject)
		lock, lockRev, err := s.currentLock(ctx, lockKey, l.Subject, now)
		if err != nil {
			return false, err
		}
		want := lock.IsHeld(now)
		if want == l.Busy {
			return false, nil
		}
		l.Busy = want
		l.UpdatedAt = now
		buf, err := json.Marshal(l)
		if err != nil {
			return false, fmt.Errorf("encode %s: %w", key, err)
		}
		lockCmp := clientv3.Compare(clientv3.ModRevision(lockKey), "=", lockRev)
		if lockRev == 0 {
			lockCmp = clientv3.Compare(clientv3.CreateRevision(lockKey), "=", 0)
		}
		resp, err := s.client.Txn(ctx).
			If(clientv3.Compare(clientv3.ModRevision(key), "=", rev), lockCmp).
			Then(clientv3.OpPut(key, string(buf))).
			Commit()
		if err != nil {
			return false, fmt.Errorf("txn %s: %w", key, err)
		}
		if resp.Succeeded {
			return true, nil
		}
		var fresh core.Listing
		if rev, err = s.get(ctx, key, &fresh); err != nil {
			if errors.Is(err, core.ErrNotFound) {
				return false, nil
			}
			return false, err
		}
		l = fresh
	}
}

// rewriteFlags sets the flag chosen by want on every listing it selects.
// Each write is guarded by the listing's revision and re-read on a lost race.
func (s *Store) rewriteFlags(ctx context.Context, now time.Time, want func(core.Listing) (bool, bool)) (int64, error) {
	ctx, span := s.start(ctx, "RewriteBusyFlags", s.dir(dirListings))
	defer span.End()

	all, revs, err := scan[core.Listing](ctx, s, dirListings)
	if err != nil {
		fail(span, err, "list listings failed")
		return 0, err
	}
	var n int64
	for i, l := range all {
		rev := revs[i]
		for {
			flag, selected := want(l)
			if !selected {
				break
			}
			l.Busy = flag
			l.UpdatedAt = now
			key := s.key(dirListings, l.ID)
			ok, err := s.putIf(ctx, key, rev, l)
			if err != nil {
				fail(span, err, "rewrite listing failed")
				return n, err
			}
			if ok {
				n++
				break
			}
			if rev, err = s.get(ctx, key, &l); err != nil {
				if errors.Is(err, core.ErrNotFound) {
					break
				}
				return n, err
			}
		}
	}
	span.SetAttributes(attribute.Int64("listings.changed", n))
	return n, nil
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
