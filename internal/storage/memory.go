package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mistakeknot/engage/internal/core"
)

// InMemory is a mutex-guarded store for tests and the "memory" backend.
type InMemory struct {
	mu          sync.Mutex
	locks       map[string]core.Lock
	windows     map[string]core.QuotaWindow
	allocations map[string]core.Allocation
	history     []core.HistoryRecord
	listings    map[string]core.Listing
}

var _ Store = (*InMemory)(nil)

func NewInMemory() *InMemory {
	return &InMemory{
		locks:       make(map[string]core.Lock),
		windows:     make(map[string]core.QuotaWindow),
		allocations: make(map[string]core.Allocation),
		listings:    make(map[string]core.Listing),
	}
}

func (m *InMemory) Close() error { return nil }

func (m *InMemory) GetLock(_ context.Context, subject string) (core.Lock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[subject]
	if !ok {
		return core.Lock{}, core.ErrNotFound
	}
	return l, nil
}

func (m *InMemory) EnsureLock(_ context.Context, subject string, now time.Time) (core.Lock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ensureLocked(subject, now), nil
}

func (m *InMemory) ensureLocked(subject string, now time.Time) core.Lock {
	l, ok := m.locks[subject]
	if !ok {
		l = core.Lock{Subject: subject, Status: core.LockFree, UpdatedAt: now}
		m.locks[subject] = l
	}
	return l
}

func (m *InMemory) AcquireLock(_ context.Context, subject, holder string, now time.Time, expiresAt *time.Time, linked string) (core.Lock, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := m.ensureLocked(subject, now)
	if cur.IsHeld(now) {
		return cur, false, nil
	}
	next := core.Lock{
		Subject:       subject,
		Status:        core.LockHeld,
		Holder:        holder,
		AcquiredAt:    now,
		ExpiresAt:     copyTime(expiresAt),
		LinkedContext: linked,
		UpdatedAt:     now,
	}
	m.locks[subject] = next
	return next, true, nil
}

func (m *InMemory) ReacquireLock(_ context.Context, subject, holder string, now time.Time, expiresAt *time.Time, linked string) (core.Lock, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.locks[subject]
	if !ok || !cur.IsHeld(now) || cur.Holder != holder {
		return cur, false, nil
	}
	if expiresAt != nil {
		cur.ExpiresAt = copyTime(expiresAt)
	}
	if linked != "" {
		cur.LinkedContext = linked
	}
	cur.UpdatedAt = now
	m.locks[subject] = cur
	return cur, true, nil
}

func (m *InMemory) ExtendLock(_ context.Context, subject, holder string, now, expiresAt time.Time) (core.Lock, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.locks[subject]
	if !ok || !cur.IsHeld(now) || cur.Holder != holder {
		return cur, false, nil
	}
	cur.ExpiresAt = core.LaterExpiry(cur.ExpiresAt, expiresAt)
	cur.UpdatedAt = now
	m.locks[subject] = cur
	return cur, true, nil
}

func (m *InMemory) ReleaseLock(_ context.Context, expected core.Lock, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.locks[expected.Subject]
	if !ok || cur.Status != core.LockHeld || cur.Holder != expected.Holder || !cur.AcquiredAt.Equal(expected.AcquiredAt) {
		return false, nil
	}
	m.locks[expected.Subject] = core.Lock{Subject: expected.Subject, Status: core.LockFree, UpdatedAt: now}
	return true, nil
}

func (m *InMemory) HeldLocks(_ context.Context, now time.Time) ([]core.Lock, error) {
	return m.filterLocks(func(l core.Lock) bool { return l.IsHeld(now) }), nil
}

func (m *InMemory) ExpiredLocks(_ context.Context, now time.Time) ([]core.Lock, error) {
	return m.filterLocks(func(l core.Lock) bool { return l.Status == core.LockHeld && l.Expired(now) }), nil
}

func (m *InMemory) filterLocks(keep func(core.Lock) bool) []core.Lock {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []core.Lock
	for _, l := range m.locks {
		if keep(l) {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AcquiredAt.Before(out[j].AcquiredAt) })
	return out
}

func (m *InMemory) GetWindow(_ context.Context, subject string) (core.QuotaWindow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.windows[subject]
	if !ok {
		return core.QuotaWindow{}, core.ErrNotFound
	}
	return w, nil
}

func (m *InMemory) CreateWindow(_ context.Context, w core.QuotaWindow) (core.QuotaWindow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.windows[w.Subject]; ok {
		return core.QuotaWindow{}, core.ErrVersionConflict
	}
	w.Version = 1
	m.windows[w.Subject] = w
	return w, nil
}

func (m *InMemory) UpdateWindow(_ context.Context, w core.QuotaWindow) (core.QuotaWindow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateWindowLocked(w)
}

func (m *InMemory) updateWindowLocked(w core.QuotaWindow) (core.QuotaWindow, error) {
	cur, ok := m.windows[w.Subject]
	if !ok {
		return core.QuotaWindow{}, core.ErrNotFound
	}
	if cur.Version != w.Version {
		return core.QuotaWindow{}, core.ErrVersionConflict
	}
	w.Version++
	m.windows[w.Subject] = w
	return w, nil
}

func (m *InMemory) AppendAllocation(_ context.Context, w core.QuotaWindow, a core.Allocation) (core.QuotaWindow, core.Allocation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	updated, err := m.updateWindowLocked(w)
	if err != nil {
		return core.QuotaWindow{}, core.Allocation{}, err
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	m.allocations[a.ID] = a
	return updated, a, nil
}

func (m *InMemory) GetAllocation(_ context.Context, id string) (core.Allocation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.allocations[id]
	if !ok {
		return core.Allocation{}, core.ErrNotFound
	}
	return a, nil
}

func (m *InMemory) FinishAllocation(_ context.Context, id string, endAt time.Time, durationMs int64) (core.Allocation, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.allocations[id]
	if !ok {
		return core.Allocation{}, false, core.ErrNotFound
	}
	if a.EndAt != nil && !a.EndAt.After(endAt) {
		return a, false, nil
	}
	a.EndAt = &endAt
	a.DurationMs = durationMs
	m.allocations[id] = a
	return a, true, nil
}

func (m *InMemory) ListAllocations(_ context.Context, subject string, since time.Time) ([]core.Allocation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []core.Allocation
	for _, a := range m.allocations {
		if a.Subject == subject && !a.StartAt.Before(since) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartAt.Before(out[j].StartAt) })
	return out, nil
}

func (m *InMemory) AppendHistory(_ context.Context, rec core.HistoryRecord) (core.HistoryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	for _, h := range m.history {
		if h.ID == rec.ID {
			return core.HistoryRecord{}, core.Invalid("duplicate history id %s", rec.ID)
		}
	}
	m.history = append(m.history, rec)
	return rec, nil
}

func (m *InMemory) ListHistory(_ context.Context, f core.HistoryFilter) ([]core.HistoryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	var out []core.HistoryRecord
	// newest first
	for i := len(m.history) - 1; i >= 0 && len(out) < limit; i-- {
		if f.Matches(m.history[i]) {
			out = append(out, m.history[i])
		}
	}
	return out, nil
}

func (m *InMemory) UpsertListing(_ context.Context, l core.Listing) (core.Listing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.UpdatedAt.IsZero() {
		l.UpdatedAt = time.Now().UTC()
	}
	m.listings[l.ID] = l
	return l, nil
}

func (m *InMemory) ListListings(_ context.Context, subject string) ([]core.Listing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []core.Listing
	for _, l := range m.listings {
		if subject == "" || l.Subject == subject {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *InMemory) UpdateBusyFlag(_ context.Context, subject string, busy bool, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, l := range m.listings {
		if l.Subject != subject {
			continue
		}
		l.Busy = busy
		l.UpdatedAt = now
		m.listings[id] = l
		n++
	}
	return n, nil
}

func (m *InMemory) ReconcileBusyFlags(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, l := range m.listings {
		want := m.locks[l.Subject].IsHeld(now)
		if l.Busy == want {
			continue
		}
		l.Busy = want
		l.UpdatedAt = now
		m.listings[id] = l
		n++
	}
	return n, nil
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
