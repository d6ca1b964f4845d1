// Package server runs the HTTP handler on a TCP address and, optionally, a
// unix socket for local clients.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"
)

type Config struct {
	Addr       string
	SocketPath string
	Handler    http.Handler
	Logger     *slog.Logger
}

type Server struct {
	cfg    Config
	http   *http.Server
	ln     net.Listener
	unix   *http.Server
	unixLn net.Listener
	logger *slog.Logger
}

// New binds the listeners immediately so Addr is known before Start.
func New(cfg Config) (*Server, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("addr required")
	}
	h := cfg.Handler
	if h == nil {
		h = http.NewServeMux()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", cfg.Addr, err)
	}
	s := &Server{
		cfg:    cfg,
		http:   &http.Server{Handler: h, ReadHeaderTimeout: 10 * time.Second},
		ln:     ln,
		logger: logger.With("component", "server"),
	}

	if cfg.SocketPath != "" {
		// Remove stale socket file from previous run
		if err := os.Remove(cfg.SocketPath); err != nil && !os.IsNotExist(err) {
			ln.Close()
			return nil, fmt.Errorf("remove stale socket: %w", err)
		}
		uln, err := net.Listen("unix", cfg.SocketPath)
		if err != nil {
			ln.Close()
			return nil, fmt.Errorf("unix listen: %w", err)
		}
		if err := os.Chmod(cfg.SocketPath, 0660); err != nil {
			uln.Close()
			ln.Close()
			return nil, fmt.Errorf("chmod socket: %w", err)
		}
		s.unixLn = uln
		s.unix = &http.Server{Handler: h, ReadHeaderTimeout: 10 * time.Second}
	}

	return s, nil
}

// Start serves until Shutdown. A clean shutdown returns nil.
func (s *Server) Start() error {
	if s.unixLn != nil {
		go func() {
			if err := s.unix.Serve(s.unixLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("unix socket server stopped", "error", err)
			}
		}()
	}
	s.logger.Info("listening", "addr", s.Addr(), "socket", s.cfg.SocketPath)
	if err := s.http.Serve(s.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	var firstErr error

	if s.unix != nil {
		if err := s.unix.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.cfg.SocketPath != "" {
		os.Remove(s.cfg.SocketPath)
	}

	if err := s.http.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	// Never served listeners are not closed by Shutdown.
	s.ln.Close()
	if s.unixLn != nil {
		s.unixLn.Close()
	}

	return firstErr
}

// Addr returns the bound TCP address, useful when Config.Addr used port 0.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// SocketPath returns the configured socket path, or empty if not configured.
func (s *Server) SocketPath() string {
	return s.cfg.SocketPath
}
