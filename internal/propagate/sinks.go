package propagate

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mistakeknot/engage/internal/core"
	"github.com/mistakeknot/engage/internal/storage"
	"github.com/nats-io/nats.go"
)

// ListingSink writes the flag onto every listing owned by the subject.
type ListingSink struct {
	Store storage.ListingStore
	Now   func() time.Time
}

func NewListingSink(store storage.ListingStore) *ListingSink {
	return &ListingSink{Store: store, Now: func() time.Time { return time.Now().UTC() }}
}

func (s *ListingSink) Name() string { return "listings" }

func (s *ListingSink) UpdateBusyFlag(ctx context.Context, subject string, busy bool) error {
	_, err := s.Store.UpdateBusyFlag(ctx, subject, busy, s.Now())
	return err
}

// Broadcaster is satisfied by the websocket hub. Broadcast must not block.
type Broadcaster interface {
	Broadcast(subject string, event any)
}

// HubSink pushes availability events to live subscribers.
type HubSink struct {
	Hub Broadcaster
	Now func() time.Time
}

func NewHubSink(hub Broadcaster) *HubSink {
	return &HubSink{Hub: hub, Now: func() time.Time { return time.Now().UTC() }}
}

func (s *HubSink) Name() string { return "ws" }

func (s *HubSink) UpdateBusyFlag(_ context.Context, subject string, busy bool) error {
	s.Hub.Broadcast(subject, event(subject, busy, s.Now()))
	return nil
}

// NATSSink publishes availability events as JSON on a fixed NATS subject.
type NATSSink struct {
	conn    *nats.Conn
	subject string
}

// NATSConfig holds NATS connection settings for the sink.
type NATSConfig struct {
	URL            string
	Subject        string
	Name           string
	ReconnectWait  time.Duration
	MaxReconnects  int
	ConnectTimeout time.Duration
}

func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:            nats.DefaultURL,
		Subject:        "engage.availability",
		Name:           "engage",
		ReconnectWait:  2 * time.Second,
		MaxReconnects:  -1,
		ConnectTimeout: 5 * time.Second,
	}
}

// DialNATS connects and returns a sink that owns the connection.
func DialNATS(cfg NATSConfig) (*NATSSink, error) {
	def := DefaultNATSConfig()
	if cfg.URL == "" {
		cfg.URL = def.URL
	}
	if cfg.Subject == "" {
		cfg.Subject = def.Subject
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	opts := []nats.Option{
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.Timeout(cfg.ConnectTimeout),
	}
	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}
	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return &NATSSink{conn: conn, subject: cfg.Subject}, nil
}

// NewNATSSink wraps an existing connection. The caller keeps ownership.
func NewNATSSink(conn *nats.Conn, subject string) *NATSSink {
	return &NATSSink{conn: conn, subject: subject}
}

func (s *NATSSink) Name() string { return "nats" }

func (s *NATSSink) UpdateBusyFlag(_ context.Context, subject string, busy bool) error {
	if s.conn.IsClosed() {
		return nats.ErrConnectionClosed
	}
	data, err := json.Marshal(event(subject, busy, time.Now().UTC()))
	if err != nil {
		return err
	}
	if err := s.conn.Publish(s.subject, data); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}
	return nil
}

func (s *NATSSink) Close() {
	if s.conn != nil {
		s.conn.Close()
	}
}

func event(subject string, busy bool, at time.Time) core.AvailabilityEvent {
	return core.AvailabilityEvent{Type: core.EventAvailabilityChanged, Subject: subject, Busy: busy, At: at}
}
