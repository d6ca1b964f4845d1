package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/mistakeknot/engage/internal/engage"
	"github.com/mistakeknot/engage/internal/history"
	"github.com/mistakeknot/engage/internal/ledger"
	"github.com/mistakeknot/engage/internal/propagate"
	"github.com/mistakeknot/engage/internal/quota"
	"github.com/mistakeknot/engage/internal/storage/sqlite"
	"github.com/mistakeknot/engage/internal/ws"
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

// testEnv bundles the full service graph behind an httptest.Server.
type testEnv struct {
	srv   *httptest.Server
	hub   *ws.Hub
	store *sqlite.Store
	prop  *propagate.Propagator
	clock *testClock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st := sqlite.NewSQLiteTest(t)
	clk := &testClock{now: t0}
	hub := ws.NewHub(nil)
	listings := propagate.NewListingSink(st)
	listings.Now = clk.Now
	prop := propagate.New(propagate.DefaultConfig(), nil, listings, propagate.NewHubSink(hub))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		prop.Close(ctx)
	})

	rec := history.NewRecorder(st, nil).WithClock(clk.Now)
	locks := engage.NewService(st, nil).WithNotifier(prop).WithRecorder(rec).WithClock(clk.Now)
	q := quota.NewService(st, nil).WithClock(clk.Now)
	svc := NewService(locks, ledger.New(st, q, nil), rec, st, nil)

	srv := httptest.NewServer(NewRouter(svc, hub.Handler()))
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, hub: hub, store: st, prop: prop, clock: clk}
}

func (e *testEnv) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	buf, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(e.srv.URL+path, "application/json", bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func (e *testEnv) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(e.srv.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp
}

func decodeJSON[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func requireStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		t.Fatalf("expected status %d, got %d", want, resp.StatusCode)
	}
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
