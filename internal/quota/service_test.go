package quota

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mistakeknot/engage/internal/core"
	"github.com/mistakeknot/engage/internal/storage"
)

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

func newTestService() (*Service, *storage.InMemory, *testClock) {
	st := storage.NewInMemory()
	clk := &testClock{now: t0}
	return NewService(st, nil).WithClock(clk.Now), st, clk
}

func TestEnsureWindowCreatesOnce(t *testing.T) {
	svc, st, clk := newTestService()
	ctx := context.Background()

	w, err := svc.EnsureWindow(ctx, "w1")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if !w.Enabled || w.CumulativeBusyMs != 0 || !w.WindowStart.Equal(t0) {
		t.Fatalf("unexpected fresh window: %+v", w)
	}

	clk.Advance(time.Hour)
	again, err := svc.EnsureWindow(ctx, "w1")
	if err != nil {
		t.Fatalf("ensure again: %v", err)
	}
	if again.Version != w.Version || !again.WindowStart.Equal(t0) {
		t.Fatalf("expected same window, got %+v", again)
	}
	stored, _ := st.GetWindow(ctx, "w1")
	if stored.Version != 1 {
		t.Fatalf("expected single write, version=%d", stored.Version)
	}
}

func TestEnsureWindowRequiresSubject(t *testing.T) {
	svc, _, _ := newTestService()
	if _, err := svc.EnsureWindow(context.Background(), ""); !errors.Is(err, core.ErrInvalid) {
		t.Fatalf("expected invalid, got %v", err)
	}
}

func TestRemainingAfterRollover(t *testing.T) {
	svc, st, clk := newTestService()
	ctx := context.Background()
	w, _ := svc.EnsureWindow(ctx, "w1")
	w.CumulativeBusyMs = 6 * time.Hour.Milliseconds()
	if _, err := st.UpdateWindow(ctx, w); err != nil {
		t.Fatalf("seed: %v", err)
	}

	rem, err := svc.RemainingMs(ctx, "w1")
	if err != nil || rem != 2*time.Hour.Milliseconds() {
		t.Fatalf("expected 2h remaining, got %d (%v)", rem, err)
	}

	clk.Advance(core.Window)
	rem, err = svc.RemainingMs(ctx, "w1")
	if err != nil || rem != core.MaxBusyMs {
		t.Fatalf("expected full quota after rollover, got %d (%v)", rem, err)
	}
}

func TestManualEnable(t *testing.T) {
	svc, st, clk := newTestService()
	ctx := context.Background()
	w, _ := svc.EnsureWindow(ctx, "w1")
	if _, err := st.UpdateWindow(ctx, Block(w, clk.Now())); err != nil {
		t.Fatalf("seed: %v", err)
	}

	clk.Advance(time.Hour)
	if _, err := svc.ManualEnable(ctx, "w1"); !errors.Is(err, core.ErrTooEarly) {
		t.Fatalf("expected too early, got %v", err)
	}

	clk.Advance(core.BlockDuration)
	got, err := svc.ManualEnable(ctx, "w1")
	if err != nil {
		t.Fatalf("enable: %v", err)
	}
	if !got.Enabled || got.ReenableAt != nil {
		t.Fatalf("unexpected window: %+v", got)
	}
}

func TestRecomputeLowersTotal(t *testing.T) {
	svc, st, _ := newTestService()
	ctx := context.Background()
	w, _ := svc.EnsureWindow(ctx, "w1")
	w.CumulativeBusyMs = 5 * time.Hour.Milliseconds()
	if _, err := st.UpdateWindow(ctx, w); err != nil {
		t.Fatalf("seed: %v", err)
	}

	got, err := svc.Recompute(ctx, "w1", []core.Allocation{{StartAt: t0, DurationMs: 90 * time.Minute.Milliseconds()}})
	if err != nil {
		t.Fatalf("recompute: %v", err)
	}
	if got.CumulativeBusyMs != 90*time.Minute.Milliseconds() {
		t.Fatalf("expected 90m, got %d", got.CumulativeBusyMs)
	}
}

// TestConcurrentUpdate verifies that the version check serializes writers:
// 20 goroutines each add 1m and none of the increments is lost.
func TestConcurrentUpdate(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	const workers = 20

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Update(ctx, "w1", func(w core.QuotaWindow, now time.Time) (core.QuotaWindow, error) {
				return Charge(w, time.Minute.Milliseconds(), now), nil
			})
			if err != nil && !errors.Is(err, core.ErrVersionConflict) {
				t.Errorf("update: %v", err)
			}
		}()
	}
	wg.Wait()

	w, err := svc.EnsureWindow(ctx, "w1")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if w.CumulativeBusyMs > workers*time.Minute.Milliseconds() {
		t.Fatalf("over-counted: %d", w.CumulativeBusyMs)
	}
	if w.CumulativeBusyMs != (w.Version-1)*time.Minute.Milliseconds() {
		t.Fatalf("each committed version should carry one charge: total=%d version=%d", w.CumulativeBusyMs, w.Version)
	}
}
