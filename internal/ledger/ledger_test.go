package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mistakeknot/engage/internal/core"
	"github.com/mistakeknot/engage/internal/quota"
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

func newTestLedger() (*Ledger, *storage.InMemory, *testClock) {
	st := storage.NewInMemory()
	clk := &testClock{now: t0}
	q := quota.NewService(st, nil).WithClock(clk.Now)
	return New(st, q, nil), st, clk
}

func hours(n int64) int64 { return n * time.Hour.Milliseconds() }

func TestAllocateClampsAndDisables(t *testing.T) {
	l, _, _ := newTestLedger()
	ctx := context.Background()

	g, err := l.Allocate(ctx, "w1", "r1", hours(5))
	if err != nil {
		t.Fatalf("first allocate: %v", err)
	}
	if g.GrantedMs != hours(5) || g.RemainingMs != hours(3) {
		t.Fatalf("expected 5h granted 3h left, got %d/%d", g.GrantedMs, g.RemainingMs)
	}
	if g.Allocation.EndAt == nil || !g.Allocation.EndAt.Equal(t0.Add(5*time.Hour)) {
		t.Fatalf("expected optimistic end, got %v", g.Allocation.EndAt)
	}

	g, err = l.Allocate(ctx, "w1", "r2", hours(5))
	if err != nil {
		t.Fatalf("second allocate: %v", err)
	}
	if g.GrantedMs != hours(3) || g.RemainingMs != 0 {
		t.Fatalf("expected clamp to 3h, got %d/%d", g.GrantedMs, g.RemainingMs)
	}
	if g.Window.Enabled {
		t.Fatal("expected window disabled")
	}
	if g.Window.ReenableAt == nil || !g.Window.ReenableAt.Equal(t0.Add(15*time.Hour)) {
		t.Fatalf("expected reenable 15h out, got %v", g.Window.ReenableAt)
	}

	_, err = l.Allocate(ctx, "w1", "r3", hours(1))
	if !errors.Is(err, core.ErrWindowDisabled) {
		t.Fatalf("expected window disabled, got %v", err)
	}
}

func TestAllocateQuotaExceededDisables(t *testing.T) {
	l, st, clk := newTestLedger()
	ctx := context.Background()
	w, err := l.quota.EnsureWindow(ctx, "w1")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	w.CumulativeBusyMs = core.MaxBusyMs
	if _, err := st.UpdateWindow(ctx, w); err != nil {
		t.Fatalf("seed: %v", err)
	}

	clk.Advance(time.Minute)
	_, err = l.Allocate(ctx, "w1", "r1", hours(1))
	var cd *core.CooldownError
	if !errors.As(err, &cd) || !errors.Is(err, core.ErrQuotaExceeded) {
		t.Fatalf("expected quota exceeded, got %v", err)
	}
	if cd.ReenableAt == nil || !cd.ReenableAt.Equal(t0.Add(time.Minute+core.BlockDuration)) {
		t.Fatalf("unexpected reenable: %v", cd.ReenableAt)
	}
	stored, _ := st.GetWindow(ctx, "w1")
	if stored.Enabled {
		t.Fatal("expected window disabled as a side effect")
	}
}

func TestAllocateRejectsNonPositive(t *testing.T) {
	l, _, _ := newTestLedger()
	if _, err := l.Allocate(context.Background(), "w1", "r1", 0); !errors.Is(err, core.ErrInvalid) {
		t.Fatalf("expected invalid, got %v", err)
	}
}

func TestReleaseShortensAndRecomputes(t *testing.T) {
	l, _, clk := newTestLedger()
	ctx := context.Background()

	g, err := l.Allocate(ctx, "w1", "r1", hours(4))
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	clk.Advance(90 * time.Minute)

	a, err := l.Release(ctx, g.Allocation.ID)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if a.DurationMs != 90*time.Minute.Milliseconds() {
		t.Fatalf("expected 90m duration, got %d", a.DurationMs)
	}
	if a.EndAt == nil || !a.EndAt.Equal(t0.Add(90*time.Minute)) {
		t.Fatalf("expected end at release time, got %v", a.EndAt)
	}

	st, err := l.QuotaStatus(ctx, "w1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.UsedMs != 90*time.Minute.Milliseconds() {
		t.Fatalf("expected used 90m after recompute, got %d", st.UsedMs)
	}
	if st.RemainingMs != core.MaxBusyMs-st.UsedMs || !st.Enabled {
		t.Fatalf("unexpected status: %+v", st)
	}
}

func TestReleaseImmediatelyNeverNegative(t *testing.T) {
	l, _, _ := newTestLedger()
	ctx := context.Background()
	g, err := l.Allocate(ctx, "w1", "r1", hours(2))
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if _, err := l.Release(ctx, g.Allocation.ID); err != nil {
		t.Fatalf("release: %v", err)
	}
	st, err := l.QuotaStatus(ctx, "w1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.UsedMs != 0 || st.RemainingMs != core.MaxBusyMs {
		t.Fatalf("expected empty window, got %+v", st)
	}
}

func TestReleaseAfterNaturalExpiryIsNoop(t *testing.T) {
	l, _, clk := newTestLedger()
	ctx := context.Background()
	g, err := l.Allocate(ctx, "w1", "r1", hours(1))
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	clk.Advance(2 * time.Hour)
	a, err := l.Release(ctx, g.Allocation.ID)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if a.DurationMs != hours(1) || !a.EndAt.Equal(*g.Allocation.EndAt) {
		t.Fatalf("expected record unchanged, got %+v", a)
	}
}

func TestReleaseUnknown(t *testing.T) {
	l, _, _ := newTestLedger()
	if _, err := l.Release(context.Background(), "nope"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestManualEnableThroughLedger(t *testing.T) {
	l, _, clk := newTestLedger()
	ctx := context.Background()
	if _, err := l.Allocate(ctx, "w1", "r1", hours(8)); err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if _, err := l.ManualEnable(ctx, "w1"); !errors.Is(err, core.ErrTooEarly) {
		t.Fatalf("expected too early, got %v", err)
	}
	clk.Advance(core.BlockDuration)
	st, err := l.ManualEnable(ctx, "w1")
	if err != nil {
		t.Fatalf("enable: %v", err)
	}
	if !st.Enabled {
		t.Fatalf("expected enabled, got %+v", st)
	}
}

// TestConcurrentAllocateNeverOverdraws runs 16 one-hour allocations against
// one subject. Exactly 8 may succeed.
func TestConcurrentAllocateNeverOverdraws(t *testing.T) {
	l, st, _ := newTestLedger()
	ctx := context.Background()
	const workers = 16

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int64
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g, err := l.Allocate(ctx, "w1", "r", hours(1))
			if err != nil {
				return
			}
			mu.Lock()
			granted += g.GrantedMs
			mu.Unlock()
		}()
	}
	wg.Wait()

	if granted > core.MaxBusyMs {
		t.Fatalf("granted %d over the quota", granted)
	}
	w, _ := st.GetWindow(ctx, "w1")
	if w.CumulativeBusyMs != granted {
		t.Fatalf("window total %d does not match grants %d", w.CumulativeBusyMs, granted)
	}
}
