// Package embedded runs an engage server inside another process.
package embedded

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mistakeknot/engage/client"
	"github.com/mistakeknot/engage/internal/app"
	"github.com/mistakeknot/engage/internal/config"
	"github.com/mistakeknot/engage/internal/server"
)

// Config configures the embedded server
type Config struct {
	// DBPath is the path to the SQLite database file.
	// If empty, defaults to ~/.engage/engage.db
	DBPath string

	// InMemory uses the memory backend and ignores DBPath.
	InMemory bool

	// Port is the HTTP port to listen on.
	// If 0, defaults to 7338. Use -1 for a free port.
	Port int

	// Host is the host to bind to.
	// If empty, defaults to localhost (127.0.0.1).
	Host string

	// DefaultTTL applies to acquires that do not ask for one.
	DefaultTTL time.Duration

	Logger *slog.Logger
}

// Server is an embedded engage server
type Server struct {
	cfg    Config
	app    *app.App
	http   *server.Server
	cancel context.CancelFunc

	mu      sync.Mutex
	started bool
	stopped bool
}

// New builds the server and binds its listener. Call Start to serve.
func New(cfg Config) (*Server, error) {
	if cfg.DBPath == "" && !cfg.InMemory {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("get home dir: %w", err)
		}
		cfg.DBPath = filepath.Join(home, ".engage", "engage.db")
	}
	switch {
	case cfg.Port == 0:
		cfg.Port = 7338
	case cfg.Port < 0:
		cfg.Port = 0
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	appCfg := &config.Config{
		HTTPListenAddr: fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		LogLevel:       "info",
		Store:          config.StoreConfig{Backend: config.BackendSQLite, SQLitePath: cfg.DBPath},
		Engage:         config.EngageConfig{DefaultTTL: cfg.DefaultTTL, SweepSchedule: "@every 30s"},
		Propagation:    config.PropagationConfig{QueueSize: 256, Timeout: 5 * time.Second},
		Reconcile:      config.ReconcileConfig{Schedule: "@every 10m"},
	}
	if cfg.InMemory {
		appCfg.Store = config.StoreConfig{Backend: config.BackendMemory}
	}
	if err := appCfg.Validate(); err != nil {
		return nil, err
	}

	a, err := app.New(appCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("init engage: %w", err)
	}
	srv, err := a.NewServer()
	if err != nil {
		a.Close(context.Background())
		return nil, err
	}
	return &Server{cfg: cfg, app: a, http: srv}, nil
}

// Start serves in the background and starts the maintenance jobs.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	if s.stopped {
		return fmt.Errorf("server stopped")
	}
	s.started = true

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.app.Scheduler.Start(ctx)
	go func() {
		if err := s.http.Start(); err != nil {
			// Log error but don't crash - the main app should handle this
			fmt.Fprintf(os.Stderr, "engage server error: %v\n", err)
		}
	}()
	return nil
}

// Stop shuts the server down and closes the store.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.http.Shutdown(ctx)
	if cerr := s.app.Close(ctx); err == nil {
		err = cerr
	}
	return err
}

// Addr returns the bound listen address
func (s *Server) Addr() string {
	return s.http.Addr()
}

// URL returns the base URL for the server
func (s *Server) URL() string {
	return "http://" + s.http.Addr()
}

// Client returns an API client pointed at this server.
func (s *Server) Client() *client.Client {
	return client.New(s.URL())
}

// App exposes the service graph for direct in-process calls.
func (s *Server) App() *app.App {
	return s.app
}
