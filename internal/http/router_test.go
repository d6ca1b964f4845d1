package httpapi

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/mistakeknot/engage/internal/core"
)

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	resp := env.get(t, "/healthz")
	requireStatus(t, resp, http.StatusOK)
	if got := decodeJSON[map[string]string](t, resp); got["status"] != "ok" {
		t.Fatalf("unexpected health body: %v", got)
	}
}

func TestMetricsExposeRequests(t *testing.T) {
	env := newTestEnv(t)
	env.get(t, "/api/engage/busy").Body.Close()

	resp := env.get(t, "/metrics")
	requireStatus(t, resp, http.StatusOK)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(body), `engage_http_requests_total{code="200",method="GET",path="/api/engage/busy"}`) {
		t.Fatalf("request counter missing from /metrics output")
	}
}

func TestAvailabilityStream(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/ws/availability?subject=w1"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	eventually(t, func() bool { return env.hub.Subscribers() == 1 })

	requireStatus(t, env.post(t, "/api/engage/try", map[string]any{"subject": "w1", "requester": "a"}), http.StatusOK)

	var ev core.AvailabilityEvent
	if err := wsjson.Read(ctx, conn, &ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if ev.Type != core.EventAvailabilityChanged || ev.Subject != "w1" || !ev.Busy {
		t.Fatalf("unexpected event: %+v", ev)
	}
}
