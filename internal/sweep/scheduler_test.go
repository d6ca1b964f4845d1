package sweep

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/mistakeknot/engage/internal/core"
	"github.com/mistakeknot/engage/internal/engage"
	"github.com/mistakeknot/engage/internal/metrics"
	"github.com/mistakeknot/engage/internal/storage"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func TestAddRejectsBadSchedule(t *testing.T) {
	s := New(nil)
	err := s.Add("bad", "not a schedule", func(context.Context) (int64, error) { return 0, nil })
	if err == nil {
		t.Fatal("expected parse error")
	}
	if len(s.Jobs()) != 0 {
		t.Fatalf("bad job registered: %v", s.Jobs())
	}
}

func TestAddReplacesJob(t *testing.T) {
	s := New(nil)
	noop := func(context.Context) (int64, error) { return 0, nil }
	if err := s.Add(JobExpiry, "@every 30s", noop); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.Add(JobExpiry, "@every 1m", noop); err != nil {
		t.Fatalf("replace: %v", err)
	}
	if got := s.Jobs(); len(got) != 1 || got[0] != JobExpiry {
		t.Fatalf("unexpected jobs: %v", got)
	}
	if n := len(s.cron.Entries()); n != 1 {
		t.Fatalf("expected 1 cron entry, got %d", n)
	}
}

func TestJobWrapperCountsRuns(t *testing.T) {
	s := New(nil)
	okBefore := testutil.ToFloat64(metrics.JobRunsTotal.WithLabelValues("counted", "ok"))
	errBefore := testutil.ToFloat64(metrics.JobRunsTotal.WithLabelValues("counted", "error"))

	fail := false
	w := &jobWrapper{name: "counted", timeout: time.Second, logger: s.logger, tracer: s.tracer,
		fn: func(context.Context) (int64, error) {
			if fail {
				return 0, errors.New("boom")
			}
			return 3, nil
		}}
	w.Run()
	fail = true
	w.Run()

	if got := testutil.ToFloat64(metrics.JobRunsTotal.WithLabelValues("counted", "ok")) - okBefore; got != 1 {
		t.Fatalf("expected 1 ok run, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.JobRunsTotal.WithLabelValues("counted", "error")) - errBefore; got != 1 {
		t.Fatalf("expected 1 failed run, got %v", got)
	}
}

func TestStartRunsJobs(t *testing.T) {
	s := New(nil)
	var runs atomic.Int32
	if err := s.Add("tick", "@every 1s", func(context.Context) (int64, error) {
		runs.Add(1)
		return 0, nil
	}); err != nil {
		t.Fatalf("add: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for runs.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled, got %v", err)
	}
	if runs.Load() == 0 {
		t.Fatal("job never ran")
	}
}

func TestExpiryJobClearsExpiredLocks(t *testing.T) {
	st := storage.NewInMemory()
	now := t0
	svc := engage.NewService(st, nil).WithClock(func() time.Time { return now })
	ctx := context.Background()
	if _, err := svc.TryAcquire(ctx, engage.AcquireRequest{Subject: "w1", Requester: "a", TTL: time.Second}); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	now = t0.Add(2 * time.Second)

	n, err := ExpiryJob(svc)(ctx)
	if err != nil || n != 1 {
		t.Fatalf("expected 1 expired, got %d (%v)", n, err)
	}
	l, _ := st.GetLock(ctx, "w1")
	if l.Status != core.LockFree {
		t.Fatalf("expected free record, got %+v", l)
	}
}

func TestReconcileJobFixesDrift(t *testing.T) {
	st := storage.NewInMemory()
	ctx := context.Background()
	if _, ok, err := st.AcquireLock(ctx, "w1", "a", t0, nil, ""); err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	if _, err := st.UpsertListing(ctx, core.Listing{ID: "l1", Subject: "w1"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	n, err := ReconcileJob(st, func() time.Time { return t0 })(ctx)
	if err != nil || n != 1 {
		t.Fatalf("expected 1 correction, got %d (%v)", n, err)
	}
	list, _ := st.ListListings(ctx, "w1")
	if len(list) != 1 || !list[0].Busy {
		t.Fatalf("expected busy listing, got %+v", list)
	}
}
