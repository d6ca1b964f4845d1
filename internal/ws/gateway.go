package ws

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mistakeknot/engage/internal/metrics"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	writeTimeout = 5 * time.Second
	// sendBuffer is how many events a subscriber may fall behind before it
	// is disconnected.
	sendBuffer = 64
)

// Hub fans availability events out to websocket subscribers. Subscribers
// registered under the empty subject receive every event. Each subscriber
// has its own writer goroutine, so Broadcast never waits on a socket.
type Hub struct {
	mu     sync.RWMutex
	conns  map[string]map[*subscriber]struct{}
	logger *slog.Logger
}

type subscriber struct {
	conn    *websocket.Conn
	subject string
	send    chan any
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		conns:  make(map[string]map[*subscriber]struct{}),
		logger: logger.With("component", "ws"),
	}
}

// Handler serves /ws/availability?subject=<id>. Omitting subject subscribes
// to all subjects.
func (h *Hub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		subject := strings.TrimSpace(r.URL.Query().Get("subject"))
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}

		sub := &subscriber{conn: conn, subject: subject, send: make(chan any, sendBuffer)}
		h.add(sub)
		defer h.remove(sub)

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		go h.writeLoop(ctx, sub)

		for {
			var v any
			if err := wsjson.Read(ctx, conn, &v); err != nil {
				return
			}
		}
	}
}

func (h *Hub) writeLoop(ctx context.Context, sub *subscriber) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-sub.send:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, sub.conn, event)
			cancel()
			if err != nil {
				h.logger.Debug("dropping subscriber", "subject", sub.subject, "error", err)
				sub.conn.Close(websocket.StatusGoingAway, "write error")
				return
			}
		}
	}
}

// Broadcast queues event for the subject's subscribers and for every
// all-subjects subscriber. A subscriber whose queue is full is disconnected.
func (h *Hub) Broadcast(subject string, event any) {
	for _, sub := range h.snapshot(subject) {
		select {
		case sub.send <- event:
		default:
			h.logger.Warn("subscriber too slow, dropping", "subject", sub.subject)
			go sub.conn.Close(websocket.StatusPolicyViolation, "too slow")
		}
	}
}

// Subscribers returns the number of open connections.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, conns := range h.conns {
		n += len(conns)
	}
	return n
}

func (h *Hub) snapshot(subject string) []*subscriber {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []*subscriber
	for sub := range h.conns[subject] {
		out = append(out, sub)
	}
	if subject != "" {
		for sub := range h.conns[""] {
			out = append(out, sub)
		}
	}
	return out
}

func (h *Hub) add(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	perSubject, ok := h.conns[sub.subject]
	if !ok {
		perSubject = make(map[*subscriber]struct{})
		h.conns[sub.subject] = perSubject
	}
	perSubject[sub] = struct{}{}
	metrics.WSClients.Inc()
}

func (h *Hub) remove(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	perSubject, ok := h.conns[sub.subject]
	if !ok {
		return
	}
	if _, ok := perSubject[sub]; !ok {
		return
	}
	delete(perSubject, sub)
	metrics.WSClients.Dec()
	if len(perSubject) == 0 {
		delete(h.conns, sub.subject)
	}
}
