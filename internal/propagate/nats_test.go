package propagate

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/mistakeknot/engage/internal/core"
	"github.com/nats-io/nats.go"
)

// natsURL returns the NATS URL for testing, or skips the test.
func natsURL(t *testing.T) string {
	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("skipping: NATS_URL not set")
	}
	if testing.Short() {
		t.Skip("skipping NATS test in short mode")
	}
	return url
}

func TestNATSSinkPublishes(t *testing.T) {
	url := natsURL(t)
	cfg := DefaultNATSConfig()
	cfg.URL = url
	cfg.Subject = "engage.test.availability"
	cfg.MaxReconnects = 0
	sink, err := DialNATS(cfg)
	if err != nil {
		t.Skipf("skipping: NATS not available at %s: %v", url, err)
	}
	defer sink.Close()

	sub, err := sink.conn.SubscribeSync(cfg.Subject)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	if err := sink.UpdateBusyFlag(context.Background(), "w1", true); err != nil {
		t.Fatalf("publish: %v", err)
	}

	msg, err := sub.NextMsg(2 * time.Second)
	if err != nil {
		t.Fatalf("next msg: %v", err)
	}
	var ev core.AvailabilityEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Subject != "w1" || !ev.Busy || ev.Type != core.EventAvailabilityChanged {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestNATSSinkClosedConn(t *testing.T) {
	url := natsURL(t)
	conn, err := nats.Connect(url, nats.MaxReconnects(0))
	if err != nil {
		t.Skipf("skipping: NATS not available at %s: %v", url, err)
	}
	sink := NewNATSSink(conn, "engage.test.closed")
	conn.Close()
	if err := sink.UpdateBusyFlag(context.Background(), "w1", false); err == nil {
		t.Fatal("expected error on closed connection")
	}
}
