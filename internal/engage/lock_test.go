package engage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mistakeknot/engage/internal/core"
	"github.com/mistakeknot/engage/internal/history"
	"github.com/mistakeknot/engage/internal/storage"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type busyUpdate struct {
	subject string
	busy    bool
}

type recordingNotifier struct {
	mu      sync.Mutex
	updates []busyUpdate
	full    bool
}

func (n *recordingNotifier) Submit(subject string, busy bool) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.full {
		return false
	}
	n.updates = append(n.updates, busyUpdate{subject, busy})
	return true
}

func (n *recordingNotifier) got() []busyUpdate {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]busyUpdate(nil), n.updates...)
}

type failingRecorder struct{}

func (failingRecorder) Record(context.Context, history.Entry) (core.HistoryRecord, error) {
	return core.HistoryRecord{}, errors.New("history store down")
}

type testEnv struct {
	svc    *Service
	store  *storage.InMemory
	clock  *testClock
	notify *recordingNotifier
	hist   *history.Recorder
}

func newTestEnv() *testEnv {
	st := storage.NewInMemory()
	clk := &testClock{now: t0}
	n := &recordingNotifier{}
	rec := history.NewRecorder(st, nil).WithClock(clk.Now)
	svc := NewService(st, nil).WithClock(clk.Now).WithNotifier(n).WithRecorder(rec)
	return &testEnv{svc: svc, store: st, clock: clk, notify: n, hist: rec}
}

func (e *testEnv) acquire(t *testing.T, subject, requester string, ttl time.Duration) AcquireResult {
	t.Helper()
	res, err := e.svc.TryAcquire(context.Background(), AcquireRequest{Subject: subject, Requester: requester, TTL: ttl})
	if err != nil {
		t.Fatalf("acquire %s by %s: %v", subject, requester, err)
	}
	return res
}

func TestEngagementLifecycle(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	res := env.acquire(t, "w1", "engagerA", 60*time.Second)
	if res.Reacquired || res.Lock.Holder != "engagerA" || !res.Lock.AcquiredAt.Equal(t0) {
		t.Fatalf("unexpected acquire: %+v", res)
	}

	_, err := env.svc.TryAcquire(ctx, AcquireRequest{Subject: "w1", Requester: "engagerB"})
	var held *core.HeldError
	if !errors.As(err, &held) || !errors.Is(err, core.ErrAlreadyHeld) {
		t.Fatalf("expected already held, got %v", err)
	}
	if held.Holder != "engagerA" {
		t.Fatalf("expected holder engagerA, got %q", held.Holder)
	}

	if _, err := env.svc.Release(ctx, "w1", "engagerB", Outcome{}); !errors.Is(err, core.ErrNotOwner) {
		t.Fatalf("expected not owner, got %v", err)
	}

	env.clock.Advance(30 * time.Second)
	rel, err := env.svc.Release(ctx, "w1", "engagerA", Outcome{Value: 25})
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if rel.History == nil {
		t.Fatal("expected history record")
	}
	if !rel.History.StartedAt.Equal(t0) || !rel.History.EndedAt.Equal(t0.Add(30*time.Second)) {
		t.Fatalf("unexpected history times: %+v", rel.History)
	}
	if rel.History.Notes != "Released by engagerA" || rel.History.Value != 25 {
		t.Fatalf("unexpected history record: %+v", rel.History)
	}

	recs, err := env.hist.Recent(ctx, "w1", history.RoleSubject, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected exactly one history record, got %d", len(recs))
	}

	got := env.notify.got()
	if len(got) != 2 || !got[0].busy || got[1].busy {
		t.Fatalf("expected busy then free propagation, got %+v", got)
	}

	st, err := env.svc.Status(ctx, "w1")
	if err != nil || st.Status != core.LockFree || st.Holder != "" {
		t.Fatalf("expected free lock, got %+v (%v)", st, err)
	}
}

func TestReacquireIsIdempotent(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	env.acquire(t, "w1", "a", time.Minute)

	env.clock.Advance(10 * time.Second)
	res, err := env.svc.TryAcquire(ctx, AcquireRequest{Subject: "w1", Requester: "a", TTL: 5 * time.Minute, Context: "listing-9"})
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	if !res.Reacquired {
		t.Fatal("expected reacquired")
	}
	if !res.Lock.AcquiredAt.Equal(t0) {
		t.Fatalf("reacquire must keep acquired_at, got %v", res.Lock.AcquiredAt)
	}
	if want := t0.Add(10*time.Second + 5*time.Minute); !res.Lock.ExpiresAt.Equal(want) {
		t.Fatalf("expected expiry %v, got %v", want, res.Lock.ExpiresAt)
	}
	if res.Lock.LinkedContext != "listing-9" {
		t.Fatalf("expected context updated, got %q", res.Lock.LinkedContext)
	}

	// No ttl keeps the expiry.
	res, err = env.svc.TryAcquire(ctx, AcquireRequest{Subject: "w1", Requester: "a"})
	if err != nil || !res.Lock.ExpiresAt.Equal(t0.Add(10*time.Second+5*time.Minute)) {
		t.Fatalf("expected expiry kept, got %+v (%v)", res.Lock, err)
	}

	if len(env.notify.got()) != 1 {
		t.Fatalf("reacquire must not propagate again, got %+v", env.notify.got())
	}
	if _, err := env.svc.Release(ctx, "w1", "a", Outcome{}); err != nil {
		t.Fatalf("release: %v", err)
	}
	recs, _ := env.hist.Recent(ctx, "w1", history.RoleSubject, 0)
	if len(recs) != 1 {
		t.Fatalf("expected one history record, got %d", len(recs))
	}
}

func TestExpiredLockIsFree(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	env.acquire(t, "w1", "a", time.Second)

	env.clock.Advance(2 * time.Second)
	res := env.acquire(t, "w1", "b", 0)
	if res.Lock.Holder != "b" || res.Reacquired {
		t.Fatalf("expected b to take over expired lock, got %+v", res)
	}

	if _, err := env.svc.Release(ctx, "w1", "a", Outcome{}); !errors.Is(err, core.ErrNotOwner) {
		t.Fatalf("expected not owner for previous holder, got %v", err)
	}
}

func TestStatusClearsExpiredLock(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	env.acquire(t, "w1", "a", time.Second)
	env.clock.Advance(time.Second)

	st, err := env.svc.Status(ctx, "w1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.Status != core.LockFree {
		t.Fatalf("expected expired lock to read free, got %+v", st)
	}
	stored, _ := env.store.GetLock(ctx, "w1")
	if stored.Status != core.LockFree {
		t.Fatalf("expected stored record cleared, got %+v", stored)
	}
	got := env.notify.got()
	if len(got) != 2 || got[1].busy {
		t.Fatalf("expected free propagation after expiry, got %+v", got)
	}
}

func TestStatusCreatesFreeRecord(t *testing.T) {
	env := newTestEnv()
	st, err := env.svc.Status(context.Background(), "fresh")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.Subject != "fresh" || st.Status != core.LockFree {
		t.Fatalf("unexpected status: %+v", st)
	}
}

func TestReleaseErrors(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	if _, err := env.svc.Release(ctx, "nobody", "a", Outcome{}); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := env.svc.Status(ctx, "w1"); err != nil {
		t.Fatalf("status: %v", err)
	}
	if _, err := env.svc.Release(ctx, "w1", "a", Outcome{}); !errors.Is(err, core.ErrNotHeld) {
		t.Fatalf("expected not held, got %v", err)
	}

	env.acquire(t, "w2", "a", time.Second)
	env.clock.Advance(time.Minute)
	if _, err := env.svc.Release(ctx, "w2", "a", Outcome{}); !errors.Is(err, core.ErrNotHeld) {
		t.Fatalf("expected not held for expired lock, got %v", err)
	}
}

func TestReleaseSurvivesHistoryFailure(t *testing.T) {
	env := newTestEnv()
	env.svc.WithRecorder(failingRecorder{})
	ctx := context.Background()
	env.acquire(t, "w1", "a", 0)

	res, err := env.svc.Release(ctx, "w1", "a", Outcome{})
	if err != nil {
		t.Fatalf("release should succeed despite history failure: %v", err)
	}
	if res.History != nil || len(res.Warnings) != 1 || res.Warnings[0] != core.WarnHistoryFailed {
		t.Fatalf("expected history warning, got %+v", res)
	}
	st, _ := env.svc.Status(ctx, "w1")
	if st.Status != core.LockFree {
		t.Fatalf("lock must not stay held, got %+v", st)
	}
}

func TestSkipHistory(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	env.acquire(t, "w1", "a", 0)
	res, err := env.svc.Release(ctx, "w1", "a", Outcome{SkipHistory: true})
	if err != nil || res.History != nil {
		t.Fatalf("expected release without history, got %+v (%v)", res, err)
	}
	recs, _ := env.hist.Recent(ctx, "w1", history.RoleSubject, 0)
	if len(recs) != 0 {
		t.Fatalf("expected no history, got %d", len(recs))
	}
}

func TestPropagationDroppedWarning(t *testing.T) {
	env := newTestEnv()
	env.notify.full = true
	res := env.acquire(t, "w1", "a", 0)
	if len(res.Warnings) != 1 || res.Warnings[0] != core.WarnPropagationDropped {
		t.Fatalf("expected propagation warning, got %+v", res.Warnings)
	}
	if res.Lock.Status != core.LockHeld {
		t.Fatal("lock must be held even when propagation is dropped")
	}
}

func TestHeartbeat(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	if _, err := env.svc.Heartbeat(ctx, "w1", "a", time.Minute); !errors.Is(err, core.ErrNotOwner) {
		t.Fatalf("expected not owner on missing lock, got %v", err)
	}
	env.acquire(t, "w1", "a", time.Minute)
	env.clock.Advance(30 * time.Second)

	l, err := env.svc.Heartbeat(ctx, "w1", "a", 2*time.Minute)
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if want := t0.Add(30*time.Second + 2*time.Minute); !l.ExpiresAt.Equal(want) {
		t.Fatalf("expected expiry %v, got %v", want, l.ExpiresAt)
	}
	l, err = env.svc.Heartbeat(ctx, "w1", "a", 10*time.Second)
	if err != nil {
		t.Fatalf("short heartbeat: %v", err)
	}
	if want := t0.Add(30*time.Second + 2*time.Minute); !l.ExpiresAt.Equal(want) {
		t.Fatalf("short heartbeat shortened the lease to %v", l.ExpiresAt)
	}
	if _, err := env.svc.Heartbeat(ctx, "w1", "b", time.Minute); !errors.Is(err, core.ErrNotOwner) {
		t.Fatalf("expected not owner for other requester, got %v", err)
	}

	env.clock.Advance(3 * time.Minute)
	if _, err := env.svc.Heartbeat(ctx, "w1", "a", time.Minute); !errors.Is(err, core.ErrNotOwner) {
		t.Fatalf("expected not owner after expiry, got %v", err)
	}
	if _, err := env.svc.Heartbeat(ctx, "w1", "a", 0); !errors.Is(err, core.ErrInvalid) {
		t.Fatalf("expected invalid extend, got %v", err)
	}
}

func TestDefaultTTL(t *testing.T) {
	env := newTestEnv()
	env.svc.WithDefaultTTL(10 * time.Minute)
	res := env.acquire(t, "w1", "a", 0)
	if res.Lock.ExpiresAt == nil || !res.Lock.ExpiresAt.Equal(t0.Add(10*time.Minute)) {
		t.Fatalf("expected default ttl applied, got %v", res.Lock.ExpiresAt)
	}
}

func TestSweepExpired(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	env.acquire(t, "w1", "a", time.Second)
	env.acquire(t, "w2", "b", time.Hour)
	env.acquire(t, "w3", "c", 0)
	env.clock.Advance(time.Minute)

	n, err := env.svc.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 cleared, got %d", n)
	}
	held, _ := env.svc.ListHeld(ctx)
	if len(held) != 2 {
		t.Fatalf("expected 2 held locks, got %+v", held)
	}
}

// TestConcurrentAcquire verifies mutual exclusion: 20 requesters race for
// one subject and exactly one wins.
func TestConcurrentAcquire(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	const workers = 20

	var wins, held atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			_, err := env.svc.TryAcquire(ctx, AcquireRequest{Subject: "contested", Requester: fmt.Sprintf("r-%d", id), TTL: time.Minute})
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, core.ErrAlreadyHeld):
				held.Add(1)
			default:
				t.Errorf("requester %d: %v", id, err)
			}
		}(i)
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Fatalf("expected exactly 1 winner, got %d", wins.Load())
	}
	if held.Load() != workers-1 {
		t.Fatalf("expected %d already-held, got %d", workers-1, held.Load())
	}
}

// churningStore loses every acquire to a record that is already expired by
// the time it is read back.
type churningStore struct {
	*storage.InMemory
	attempts atomic.Int32
}

func (c *churningStore) AcquireLock(_ context.Context, subject, _ string, now time.Time, _ *time.Time, _ string) (core.Lock, bool, error) {
	c.attempts.Add(1)
	gone := now
	return core.Lock{Subject: subject, Status: core.LockHeld, Holder: "b", LinkedContext: "job-3", ExpiresAt: &gone}, false, nil
}

func TestTryAcquireUnderChurnReportsHolder(t *testing.T) {
	st := &churningStore{InMemory: storage.NewInMemory()}
	svc := NewService(st, nil).WithClock(func() time.Time { return t0 })

	_, err := svc.TryAcquire(context.Background(), AcquireRequest{Subject: "w1", Requester: "a"})
	if !errors.Is(err, core.ErrAlreadyHeld) {
		t.Fatalf("expected already held, got %v", err)
	}
	var held *core.HeldError
	if !errors.As(err, &held) || held.Holder != "b" || held.LinkedContext != "job-3" || held.Subject != "w1" {
		t.Fatalf("expected last seen holder, got %+v", held)
	}
	if n := st.attempts.Load(); n != acquireAttempts {
		t.Fatalf("expected %d attempts, got %d", acquireAttempts, n)
	}
}
