package client

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// EventHandler is called for each event received on the availability stream.
type EventHandler func(event AvailabilityEvent)

// WSClient follows the availability stream for one subject or for all.
type WSClient struct {
	baseURL   string
	subject   string
	reconnect bool

	mu       sync.RWMutex
	conn     *websocket.Conn
	handlers []EventHandler

	cancel context.CancelFunc
	done   chan struct{}
}

type WSOption func(*WSClient)

// WithSubject limits the stream to one subject.
func WithSubject(subject string) WSOption {
	return func(c *WSClient) {
		c.subject = subject
	}
}

// WithAutoReconnect controls redialing after the connection drops. It is on
// by default.
func WithAutoReconnect(enabled bool) WSOption {
	return func(c *WSClient) {
		c.reconnect = enabled
	}
}

func NewWSClient(baseURL string, opts ...WSOption) *WSClient {
	c := &WSClient{
		baseURL:   baseURL,
		reconnect: true,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *WSClient) OnEvent(handler EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, handler)
}

// Connect dials the stream and starts delivering events to the handlers
// until Close or until ctx is done.
func (c *WSClient) Connect(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.readLoop(loopCtx)
	return nil
}

// Close stops the read loop and closes the connection.
func (c *WSClient) Close() error {
	if c.cancel == nil {
		return nil
	}
	c.cancel()
	<-c.done
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client closing")
	}
	return nil
}

func (c *WSClient) dial(ctx context.Context) (*websocket.Conn, error) {
	wsURL, err := c.buildWSURL()
	if err != nil {
		return nil, fmt.Errorf("build websocket url: %w", err)
	}
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	return conn, nil
}

func (c *WSClient) buildWSURL() (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = "/ws/availability"
	if c.subject != "" {
		q := u.Query()
		q.Set("subject", c.subject)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// readLoop is the only reader. Reconnects swap the connection in place.
func (c *WSClient) readLoop(ctx context.Context) {
	defer close(c.done)
	for {
		c.mu.RLock()
		conn := c.conn
		c.mu.RUnlock()

		var event AvailabilityEvent
		if err := wsjson.Read(ctx, conn, &event); err != nil {
			if ctx.Err() != nil || !c.reconnect {
				return
			}
			conn.Close(websocket.StatusGoingAway, "reconnecting")
			if !c.redial(ctx) {
				return
			}
			continue
		}
		c.dispatch(event)
	}
}

func (c *WSClient) dispatch(event AvailabilityEvent) {
	c.mu.RLock()
	handlers := make([]EventHandler, len(c.handlers))
	copy(handlers, c.handlers)
	c.mu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
}

func (c *WSClient) redial(ctx context.Context) bool {
	backoff := 1 * time.Second
	maxBackoff := 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(backoff):
		}

		conn, err := c.dial(ctx)
		if err == nil {
			c.mu.Lock()
			c.conn = conn
			c.mu.Unlock()
			return true
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// SubjectFilter wraps handler so it only sees events for the given subjects.
func SubjectFilter(handler EventHandler, subjects ...string) EventHandler {
	want := make(map[string]struct{}, len(subjects))
	for _, s := range subjects {
		want[s] = struct{}{}
	}
	return func(event AvailabilityEvent) {
		if _, ok := want[event.Subject]; ok {
			handler(event)
		}
	}
}
