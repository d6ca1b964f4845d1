// Package app assembles the engage service graph from a Config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/mistakeknot/engage/internal/config"
	"github.com/mistakeknot/engage/internal/engage"
	"github.com/mistakeknot/engage/internal/history"
	httpapi "github.com/mistakeknot/engage/internal/http"
	"github.com/mistakeknot/engage/internal/ledger"
	"github.com/mistakeknot/engage/internal/propagate"
	"github.com/mistakeknot/engage/internal/quota"
	"github.com/mistakeknot/engage/internal/server"
	"github.com/mistakeknot/engage/internal/storage"
	"github.com/mistakeknot/engage/internal/storage/etcd"
	"github.com/mistakeknot/engage/internal/storage/sqlite"
	"github.com/mistakeknot/engage/internal/sweep"
	"github.com/mistakeknot/engage/internal/tracing"
	"github.com/mistakeknot/engage/internal/ws"
)

type App struct {
	Config     *config.Config
	Store      storage.Store
	Hub        *ws.Hub
	Propagator *propagate.Propagator
	Locks      *engage.Service
	Quota      *quota.Service
	Ledger     *ledger.Ledger
	History    *history.Recorder
	Scheduler  *sweep.Scheduler
	Handler    http.Handler

	logger  *slog.Logger
	closers []func(context.Context) error
}

// OpenStore opens the configured backend.
func OpenStore(cfg config.StoreConfig, logger *slog.Logger) (storage.Store, error) {
	switch cfg.Backend {
	case config.BackendSQLite:
		st, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return sqlite.NewResilient(st.WithLogger(logger)), nil
	case config.BackendEtcd:
		return etcd.Open(etcd.Config{
			Endpoints:   cfg.EtcdEndpoints,
			DialTimeout: cfg.EtcdTimeout,
			Prefix:      cfg.EtcdPrefix,
		}, logger)
	case config.BackendMemory:
		return storage.NewInMemory(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

// New builds every service on top of the configured store. Nothing is
// scheduled or served until Run.
func New(cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Config: cfg, logger: logger}

	if cfg.Tracing.Enabled {
		shutdown, err := tracing.Init(cfg.Tracing.ServiceName, os.Stdout, logger)
		if err != nil {
			return nil, fmt.Errorf("init tracing: %w", err)
		}
		a.closers = append(a.closers, shutdown)
	}

	st, err := OpenStore(cfg.Store, logger)
	if err != nil {
		a.Close(context.Background())
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.Store = st

	a.Hub = ws.NewHub(logger)
	sinks := []propagate.Sink{propagate.NewListingSink(st), propagate.NewHubSink(a.Hub)}
	if cfg.Propagation.NATSURL != "" {
		ns, err := propagate.DialNATS(propagate.NATSConfig{
			URL:     cfg.Propagation.NATSURL,
			Subject: cfg.Propagation.NATSSubject,
			Name:    "engage",
		})
		if err != nil {
			st.Close()
			a.Close(context.Background())
			return nil, err
		}
		sinks = append(sinks, ns)
		a.closers = append(a.closers, func(context.Context) error {
			ns.Close()
			return nil
		})
	}
	a.Propagator = propagate.New(propagate.Config{
		QueueSize: cfg.Propagation.QueueSize,
		Timeout:   cfg.Propagation.Timeout,
	}, logger, sinks...)
	// Closers run in reverse, so the queue drains before the sinks and store go away.
	a.closers = append(a.closers,
		func(context.Context) error { return st.Close() },
		a.Propagator.Close,
	)

	a.History = history.NewRecorder(st, logger)
	a.Locks = engage.NewService(st, logger).
		WithNotifier(a.Propagator).
		WithRecorder(a.History).
		WithDefaultTTL(cfg.Engage.DefaultTTL)
	a.Quota = quota.NewService(st, logger)
	a.Ledger = ledger.New(st, a.Quota, logger)

	svc := httpapi.NewService(a.Locks, a.Ledger, a.History, st, logger)
	a.Handler = httpapi.NewRouter(svc, a.Hub.Handler())

	a.Scheduler = sweep.New(logger)
	if cfg.Engage.SweepSchedule != "" {
		if err := a.Scheduler.Add(sweep.JobExpiry, cfg.Engage.SweepSchedule, sweep.ExpiryJob(a.Locks)); err != nil {
			a.Close(context.Background())
			return nil, err
		}
	}
	if cfg.Reconcile.Schedule != "" {
		job := sweep.ReconcileJob(st, func() time.Time { return time.Now().UTC() })
		if err := a.Scheduler.Add(sweep.JobReconcile, cfg.Reconcile.Schedule, job); err != nil {
			a.Close(context.Background())
			return nil, err
		}
	}
	return a, nil
}

// NewServer binds the configured listeners for the API handler.
func (a *App) NewServer() (*server.Server, error) {
	return server.New(server.Config{
		Addr:       a.Config.HTTPListenAddr,
		SocketPath: a.Config.SocketPath,
		Handler:    a.Handler,
		Logger:     a.logger,
	})
}

// Run serves HTTP and runs the maintenance jobs until ctx is done, then
// shuts the server down within shutdownTimeout.
func (a *App) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	srv, err := a.NewServer()
	if err != nil {
		return err
	}

	schedCtx, stopSched := context.WithCancel(ctx)
	defer stopSched()
	go a.Scheduler.Start(schedCtx)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	a.logger.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return <-errCh
}

// Close releases everything New opened, newest first.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
