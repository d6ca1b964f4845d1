package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/mistakeknot/engage/internal/config"
	"github.com/mistakeknot/engage/internal/core"
	"github.com/mistakeknot/engage/internal/sweep"
)

func testConfig(t *testing.T, backend string) *config.Config {
	t.Helper()
	return &config.Config{
		HTTPListenAddr: "127.0.0.1:0",
		LogLevel:       "info",
		Store: config.StoreConfig{
			Backend:    backend,
			SQLitePath: filepath.Join(t.TempDir(), "engage.db"),
		},
		Engage:      config.EngageConfig{SweepSchedule: "@every 30s"},
		Propagation: config.PropagationConfig{QueueSize: 16, Timeout: time.Second},
		Reconcile:   config.ReconcileConfig{Schedule: "@every 10m"},
	}
}

func newApp(t *testing.T, backend string) *App {
	t.Helper()
	a, err := New(testConfig(t, backend), nil)
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	t.Cleanup(func() { a.Close(context.Background()) })
	return a
}

func TestOpenStoreUnknownBackend(t *testing.T) {
	if _, err := OpenStore(config.StoreConfig{Backend: "redis"}, nil); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}

func TestNewRegistersJobs(t *testing.T) {
	a := newApp(t, config.BackendMemory)
	jobs := a.Scheduler.Jobs()
	sort.Strings(jobs)
	if len(jobs) != 2 || jobs[0] != sweep.JobExpiry || jobs[1] != sweep.JobReconcile {
		t.Fatalf("expected expiry and reconcile jobs, got %v", jobs)
	}
}

func TestNewRejectsBadSchedule(t *testing.T) {
	cfg := testConfig(t, config.BackendMemory)
	cfg.Engage.SweepSchedule = "every now and then"
	if _, err := New(cfg, nil); err == nil {
		t.Fatal("expected schedule error")
	}
}

func TestEngagementFlowsToListings(t *testing.T) {
	a := newApp(t, config.BackendSQLite)
	ctx := context.Background()
	if _, err := a.Store.UpsertListing(ctx, core.Listing{Subject: "w1", Title: "Plumbing"}); err != nil {
		t.Fatalf("upsert listing: %v", err)
	}

	srv := httptest.NewServer(a.Handler)
	defer srv.Close()

	body, _ := json.Marshal(map[string]any{"subject": "w1", "requester": "c1"})
	resp, err := http.Post(srv.URL+"/api/engage/try", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("try: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		ls, err := a.Store.ListListings(ctx, "w1")
		if err != nil {
			t.Fatalf("list listings: %v", err)
		}
		if len(ls) == 1 && ls[0].Busy {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("listing never marked busy: %+v", ls)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	a := newApp(t, config.BackendMemory)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx, time.Second) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("run did not return after cancel")
	}
}
