package embedded

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/mistakeknot/engage/client"
)

func startTestServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	cfg.Port = -1
	srv, err := New(cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { srv.Stop() })
	return srv
}

func TestEmbeddedEngageRoundTrip(t *testing.T) {
	srv := startTestServer(t, Config{DBPath: filepath.Join(t.TempDir(), "engage.db")})
	c := srv.Client()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := c.TryAcquire(ctx, client.AcquireRequest{Subject: "w1", Requester: "c1"})
	if err != nil {
		t.Fatalf("try acquire: %v", err)
	}
	if !res.Lock.Held() {
		t.Fatalf("expected held lock, got %+v", res.Lock)
	}

	_, err = c.TryAcquire(ctx, client.AcquireRequest{Subject: "w1", Requester: "c2"})
	if client.ErrorKind(err) != "already_held" {
		t.Fatalf("expected already_held, got %v", err)
	}

	rel, err := c.Release(ctx, client.ReleaseRequest{Subject: "w1", Requester: "c1", Value: 25})
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if rel.History == nil || rel.History.Value != 25 {
		t.Fatalf("expected history record, got %+v", rel)
	}
}

func TestEmbeddedInMemoryDefaultTTL(t *testing.T) {
	srv := startTestServer(t, Config{InMemory: true, DefaultTTL: time.Minute})
	res, err := srv.Client().TryAcquire(context.Background(), client.AcquireRequest{Subject: "w1", Requester: "c1"})
	if err != nil {
		t.Fatalf("try acquire: %v", err)
	}
	if res.Lock.ExpiresAt == nil {
		t.Fatal("expected default ttl to set an expiry")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	srv, err := New(Config{InMemory: true, Port: -1})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := srv.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := srv.Stop(); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if err := srv.Start(); err == nil {
		t.Fatal("expected start after stop to fail")
	}
}
