// Package storetest holds the behavioral contract every storage.Store
// backend must satisfy. Backend packages call Run from their tests.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mistakeknot/engage/internal/core"
	"github.com/mistakeknot/engage/internal/storage"
)

// T0 is whole-millisecond so every backend round-trips it exactly.
var T0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// Run executes the contract against fresh stores from newStore.
func Run(t *testing.T, newStore func(t *testing.T) storage.Store) {
	t.Run("LockAcquireRelease", func(t *testing.T) { testLockAcquireRelease(t, newStore(t)) })
	t.Run("LockExpiry", func(t *testing.T) { testLockExpiry(t, newStore(t)) })
	t.Run("LockReacquireExtend", func(t *testing.T) { testLockReacquireExtend(t, newStore(t)) })
	t.Run("LockListings", func(t *testing.T) { testHeldAndExpired(t, newStore(t)) })
	t.Run("WindowVersioning", func(t *testing.T) { testWindowVersioning(t, newStore(t)) })
	t.Run("Allocations", func(t *testing.T) { testAllocations(t, newStore(t)) })
	t.Run("History", func(t *testing.T) { testHistory(t, newStore(t)) })
	t.Run("HistoryDuplicateID", func(t *testing.T) { testHistoryDuplicateID(t, newStore(t)) })
	t.Run("Listings", func(t *testing.T) { testListings(t, newStore(t)) })
	t.Run("ReconcileKeepsFreshFlag", func(t *testing.T) { testReconcileKeepsFreshFlag(t, newStore(t)) })
}

func testLockAcquireRelease(t *testing.T, st storage.Store) {
	ctx := context.Background()
	if _, err := st.GetLock(ctx, "w1"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	l, ok, err := st.AcquireLock(ctx, "w1", "a", T0, nil, "listing-1")
	if err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	if l.Status != core.LockHeld || l.Holder != "a" || !l.AcquiredAt.Equal(T0) || l.LinkedContext != "listing-1" {
		t.Fatalf("unexpected lock: %+v", l)
	}

	cur, ok, err := st.AcquireLock(ctx, "w1", "b", T0.Add(time.Second), nil, "")
	if err != nil || ok {
		t.Fatalf("second acquire must lose: ok=%v err=%v", ok, err)
	}
	if cur.Holder != "a" {
		t.Fatalf("expected current holder a, got %+v", cur)
	}

	stale := l
	stale.Holder = "b"
	if ok, err := st.ReleaseLock(ctx, stale, T0); err != nil || ok {
		t.Fatalf("release with wrong holder must not apply: ok=%v err=%v", ok, err)
	}
	if ok, err := st.ReleaseLock(ctx, l, T0.Add(time.Minute)); err != nil || !ok {
		t.Fatalf("release: ok=%v err=%v", ok, err)
	}
	if ok, err := st.ReleaseLock(ctx, l, T0.Add(time.Minute)); err != nil || ok {
		t.Fatalf("double release must not apply: ok=%v err=%v", ok, err)
	}

	got, err := st.GetLock(ctx, "w1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != core.LockFree || got.Holder != "" || got.ExpiresAt != nil || got.LinkedContext != "" {
		t.Fatalf("expected cleared record, got %+v", got)
	}

	ensured, err := st.EnsureLock(ctx, "w2", T0)
	if err != nil || ensured.Status != core.LockFree || ensured.Subject != "w2" {
		t.Fatalf("ensure: %+v (%v)", ensured, err)
	}
}

func testLockExpiry(t *testing.T, st storage.Store) {
	ctx := context.Background()
	exp := T0.Add(time.Second)
	if _, ok, err := st.AcquireLock(ctx, "w1", "a", T0, &exp, ""); err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	if _, ok, _ := st.AcquireLock(ctx, "w1", "b", T0.Add(500*time.Millisecond), nil, ""); ok {
		t.Fatal("acquire before expiry must lose")
	}
	l, ok, err := st.AcquireLock(ctx, "w1", "b", T0.Add(2*time.Second), nil, "")
	if err != nil || !ok {
		t.Fatalf("acquire after expiry: ok=%v err=%v", ok, err)
	}
	if l.Holder != "b" || l.ExpiresAt != nil {
		t.Fatalf("unexpected takeover: %+v", l)
	}
}

func testLockReacquireExtend(t *testing.T, st storage.Store) {
	ctx := context.Background()
	exp := T0.Add(time.Minute)
	if _, ok, err := st.AcquireLock(ctx, "w1", "a", T0, &exp, "ctx-1"); err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}

	if _, ok, _ := st.ReacquireLock(ctx, "w1", "b", T0, nil, ""); ok {
		t.Fatal("reacquire by another holder must not apply")
	}
	l, ok, err := st.ReacquireLock(ctx, "w1", "a", T0.Add(time.Second), nil, "")
	if err != nil || !ok {
		t.Fatalf("reacquire: ok=%v err=%v", ok, err)
	}
	if !l.ExpiresAt.Equal(exp) || l.LinkedContext != "ctx-1" || !l.AcquiredAt.Equal(T0) {
		t.Fatalf("reacquire without values must keep them: %+v", l)
	}
	newExp := T0.Add(5 * time.Minute)
	l, ok, err = st.ReacquireLock(ctx, "w1", "a", T0.Add(time.Second), &newExp, "ctx-2")
	if err != nil || !ok || !l.ExpiresAt.Equal(newExp) || l.LinkedContext != "ctx-2" {
		t.Fatalf("reacquire refresh: %+v ok=%v err=%v", l, ok, err)
	}

	ext := T0.Add(10 * time.Minute)
	l, ok, err = st.ExtendLock(ctx, "w1", "a", T0.Add(2*time.Second), ext)
	if err != nil || !ok || !l.ExpiresAt.Equal(ext) {
		t.Fatalf("extend: %+v ok=%v err=%v", l, ok, err)
	}
	l, ok, err = st.ExtendLock(ctx, "w1", "a", T0.Add(3*time.Second), T0.Add(time.Minute))
	if err != nil || !ok || !l.ExpiresAt.Equal(ext) {
		t.Fatalf("extend must not shorten the lease: %+v ok=%v err=%v", l, ok, err)
	}
	if _, ok, _ := st.ExtendLock(ctx, "w1", "b", T0.Add(2*time.Second), ext); ok {
		t.Fatal("extend by another holder must not apply")
	}
	if _, ok, _ := st.ExtendLock(ctx, "w1", "a", ext, ext.Add(time.Minute)); ok {
		t.Fatal("extend after expiry must not apply")
	}
	if _, ok, _ := st.ExtendLock(ctx, "missing", "a", T0, ext); ok {
		t.Fatal("extend of missing lock must not apply")
	}

	mustAcquire(t, st, "open", "a", T0, nil)
	l, ok, err = st.ExtendLock(ctx, "open", "a", T0.Add(time.Second), T0.Add(time.Minute))
	if err != nil || !ok || l.ExpiresAt != nil {
		t.Fatalf("extend must keep a lock without expiry open-ended: %+v ok=%v err=%v", l, ok, err)
	}
}

func testHeldAndExpired(t *testing.T, st storage.Store) {
	ctx := context.Background()
	short := T0.Add(time.Second)
	long := T0.Add(time.Hour)
	mustAcquire(t, st, "w1", "a", T0, &short)
	mustAcquire(t, st, "w2", "b", T0.Add(time.Millisecond), &long)
	mustAcquire(t, st, "w3", "c", T0.Add(2*time.Millisecond), nil)

	now := T0.Add(time.Minute)
	held, err := st.HeldLocks(ctx, now)
	if err != nil {
		t.Fatalf("held: %v", err)
	}
	if len(held) != 2 || held[0].Subject != "w2" || held[1].Subject != "w3" {
		t.Fatalf("unexpected held locks: %+v", held)
	}
	expired, err := st.ExpiredLocks(ctx, now)
	if err != nil {
		t.Fatalf("expired: %v", err)
	}
	if len(expired) != 1 || expired[0].Subject != "w1" {
		t.Fatalf("unexpected expired locks: %+v", expired)
	}
}

func mustAcquire(t *testing.T, st storage.Store, subject, holder string, now time.Time, exp *time.Time) core.Lock {
	t.Helper()
	l, ok, err := st.AcquireLock(context.Background(), subject, holder, now, exp, "")
	if err != nil || !ok {
		t.Fatalf("acquire %s: ok=%v err=%v", subject, ok, err)
	}
	return l
}

func testWindowVersioning(t *testing.T, st storage.Store) {
	ctx := context.Background()
	if _, err := st.GetWindow(ctx, "w1"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	w, err := st.CreateWindow(ctx, core.QuotaWindow{Subject: "w1", WindowStart: T0, Enabled: true})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if w.Version != 1 || !w.Enabled || !w.WindowStart.Equal(T0) {
		t.Fatalf("unexpected window: %+v", w)
	}
	if _, err := st.CreateWindow(ctx, w); !errors.Is(err, core.ErrVersionConflict) {
		t.Fatalf("expected conflict on duplicate create, got %v", err)
	}

	reenable := T0.Add(15 * time.Hour)
	next := w
	next.CumulativeBusyMs = 1000
	next.Enabled = false
	next.ReenableAt = &reenable
	updated, err := st.UpdateWindow(ctx, next)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Version != 2 || updated.CumulativeBusyMs != 1000 || updated.Enabled || !updated.ReenableAt.Equal(reenable) {
		t.Fatalf("unexpected updated window: %+v", updated)
	}
	if _, err := st.UpdateWindow(ctx, next); !errors.Is(err, core.ErrVersionConflict) {
		t.Fatalf("expected conflict on stale version, got %v", err)
	}
	if _, err := st.UpdateWindow(ctx, core.QuotaWindow{Subject: "ghost", Version: 1}); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected not found for missing window, got %v", err)
	}
}

func testAllocations(t *testing.T, st storage.Store) {
	ctx := context.Background()
	w, err := st.CreateWindow(ctx, core.QuotaWindow{Subject: "w1", WindowStart: T0, Enabled: true})
	if err != nil {
		t.Fatalf("create window: %v", err)
	}

	end := T0.Add(time.Hour)
	next := w
	next.CumulativeBusyMs = time.Hour.Milliseconds()
	updated, a, err := st.AppendAllocation(ctx, next, core.Allocation{
		Subject: "w1", GrantedBy: "r1", StartAt: T0, EndAt: &end, DurationMs: time.Hour.Milliseconds(), CreatedAt: T0,
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if a.ID == "" || updated.Version != 2 || updated.CumulativeBusyMs != time.Hour.Milliseconds() {
		t.Fatalf("unexpected append result: %+v %+v", updated, a)
	}

	// A stale window version must not insert the allocation.
	if _, _, err := st.AppendAllocation(ctx, next, core.Allocation{Subject: "w1", GrantedBy: "r2", StartAt: T0}); !errors.Is(err, core.ErrVersionConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	list, err := st.ListAllocations(ctx, "w1", T0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("stale append leaked a row: %+v", list)
	}

	got, err := st.GetAllocation(ctx, a.ID)
	if err != nil || got.GrantedBy != "r1" || !got.EndAt.Equal(end) {
		t.Fatalf("get: %+v (%v)", got, err)
	}
	if _, err := st.GetAllocation(ctx, "missing"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	mid := T0.Add(20 * time.Minute)
	fin, changed, err := st.FinishAllocation(ctx, a.ID, mid, 20*time.Minute.Milliseconds())
	if err != nil || !changed {
		t.Fatalf("finish: changed=%v err=%v", changed, err)
	}
	if !fin.EndAt.Equal(mid) || fin.DurationMs != 20*time.Minute.Milliseconds() {
		t.Fatalf("unexpected finished allocation: %+v", fin)
	}
	if _, changed, err := st.FinishAllocation(ctx, a.ID, T0.Add(30*time.Minute), 1); err != nil || changed {
		t.Fatalf("finishing after end must not apply: changed=%v err=%v", changed, err)
	}

	if later, _ := st.ListAllocations(ctx, "w1", T0.Add(time.Second)); len(later) != 0 {
		t.Fatalf("since filter leaked: %+v", later)
	}
}

func testHistory(t *testing.T, st storage.Store) {
	ctx := context.Background()
	seed := []core.HistoryRecord{
		{Subject: "w1", Holder: "a", Notes: "one", Value: 10, Metadata: map[string]string{"rating": "5"}},
		{Subject: "w2", Holder: "a", Notes: "two"},
		{Subject: "a", Holder: "b", Notes: "three"},
	}
	for i, rec := range seed {
		rec.StartedAt = T0
		rec.EndedAt = T0.Add(time.Duration(i+1) * time.Minute)
		if _, err := st.AppendHistory(ctx, rec); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	bySubject, err := st.ListHistory(ctx, core.HistoryFilter{Subject: "w1"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(bySubject) != 1 || bySubject[0].Value != 10 || bySubject[0].Metadata["rating"] != "5" {
		t.Fatalf("unexpected subject history: %+v", bySubject)
	}
	if !bySubject[0].EndedAt.Equal(T0.Add(time.Minute)) {
		t.Fatalf("ended_at did not round-trip: %v", bySubject[0].EndedAt)
	}

	byHolder, _ := st.ListHistory(ctx, core.HistoryFilter{Holder: "a"})
	if len(byHolder) != 2 || byHolder[0].Notes != "two" {
		t.Fatalf("expected newest first, got %+v", byHolder)
	}
	byParty, _ := st.ListHistory(ctx, core.HistoryFilter{Party: "a", Limit: 2})
	if len(byParty) != 2 || byParty[0].Notes != "three" || byParty[1].Notes != "two" {
		t.Fatalf("unexpected party history: %+v", byParty)
	}
}

func testHistoryDuplicateID(t *testing.T, st storage.Store) {
	ctx := context.Background()
	rec := core.HistoryRecord{ID: "h1", Subject: "w1", Holder: "a", StartedAt: T0, EndedAt: T0.Add(time.Minute)}
	if _, err := st.AppendHistory(ctx, rec); err != nil {
		t.Fatalf("append: %v", err)
	}
	rec.Notes = "again"
	if _, err := st.AppendHistory(ctx, rec); !errors.Is(err, core.ErrInvalid) {
		t.Fatalf("expected invalid for duplicate id, got %v", err)
	}
	got, _ := st.ListHistory(ctx, core.HistoryFilter{Subject: "w1"})
	if len(got) != 1 || got[0].Notes != "" {
		t.Fatalf("duplicate must not overwrite the first record: %+v", got)
	}
}

func testListings(t *testing.T, st storage.Store) {
	ctx := context.Background()
	l1, err := st.UpsertListing(ctx, core.Listing{ID: "l1", Subject: "w1", Title: "Plumber"})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, err := st.UpsertListing(ctx, core.Listing{ID: "l2", Subject: "w1"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, err := st.UpsertListing(ctx, core.Listing{ID: "l3", Subject: "w2"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	n, err := st.UpdateBusyFlag(ctx, "w1", true, T0)
	if err != nil || n != 2 {
		t.Fatalf("update busy flag: n=%d err=%v", n, err)
	}
	w1, _ := st.ListListings(ctx, "w1")
	if len(w1) != 2 || !w1[0].Busy || !w1[1].Busy {
		t.Fatalf("expected both w1 listings busy: %+v", w1)
	}

	l1.Title = "Electrician"
	l1.Busy = true
	if _, err := st.UpsertListing(ctx, l1); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}

	if _, ok, err := st.AcquireLock(ctx, "w2", "a", T0, nil, ""); err != nil || !ok {
		t.Fatalf("acquire w2: ok=%v err=%v", ok, err)
	}
	changed, err := st.ReconcileBusyFlags(ctx, T0)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if changed != 3 {
		t.Fatalf("expected 3 corrections, got %d", changed)
	}
	all, _ := st.ListListings(ctx, "")
	if len(all) != 3 {
		t.Fatalf("expected 3 listings, got %d", len(all))
	}
	for _, l := range all {
		if l.Busy != (l.Subject == "w2") {
			t.Fatalf("unexpected flag after reconcile: %+v", l)
		}
		if l.ID == "l1" && l.Title != "Electrician" {
			t.Fatalf("upsert did not update title: %+v", l)
		}
	}
	again, _ := st.ReconcileBusyFlags(ctx, T0)
	if again != 0 {
		t.Fatalf("second reconcile should be a no-op, got %d", again)
	}

	exp := T0.Add(time.Minute)
	if _, ok, err := st.AcquireLock(ctx, "w1", "b", T0, &exp, ""); err != nil || !ok {
		t.Fatalf("acquire w1: ok=%v err=%v", ok, err)
	}
	if n, err := st.ReconcileBusyFlags(ctx, T0.Add(30*time.Second)); err != nil || n != 2 {
		t.Fatalf("expected held w1 listings to turn busy: n=%d err=%v", n, err)
	}
	if n, err := st.ReconcileBusyFlags(ctx, T0.Add(2*time.Minute)); err != nil || n != 2 {
		t.Fatalf("expected only the expired w1 listings to flip: n=%d err=%v", n, err)
	}
}

// testReconcileKeepsFreshFlag covers an acquire whose listing update lands
// after a reconcile pass started with an older clock reading.
func testReconcileKeepsFreshFlag(t *testing.T, st storage.Store) {
	ctx := context.Background()
	if _, err := st.UpsertListing(ctx, core.Listing{ID: "l1", Subject: "w1"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	started := T0
	if _, ok, err := st.AcquireLock(ctx, "w1", "a", T0.Add(time.Millisecond), nil, ""); err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	if _, err := st.UpdateBusyFlag(ctx, "w1", true, T0.Add(time.Millisecond)); err != nil {
		t.Fatalf("update busy flag: %v", err)
	}
	if _, err := st.ReconcileBusyFlags(ctx, started); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	list, _ := st.ListListings(ctx, "w1")
	if len(list) != 1 || !list[0].Busy {
		t.Fatalf("held subject must stay busy after reconcile: %+v", list)
	}
}
