package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mistakeknot/engage/client"
	"github.com/mistakeknot/engage/internal/app"
	"github.com/mistakeknot/engage/internal/cli"
	"github.com/mistakeknot/engage/internal/config"
	"github.com/mistakeknot/engage/internal/propagate"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "engage",
		Short:         "Engagement locks and busy-time quotas",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().String("config", "", "config file (default: ./configs/engage.yaml or ./engage.yaml)")
	root.AddCommand(serveCmd(), reconcileCmd(), statusCmd(), initConfigCmd())
	return root
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.Load(path)
}

func serveCmd() *cobra.Command {
	var shutdownTimeout time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and maintenance jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
			slog.SetDefault(logger)

			a, err := app.New(cfg, logger)
			if err != nil {
				return err
			}
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				if err := a.Close(ctx); err != nil {
					logger.Error("close failed", "error", err)
				}
			}()

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			setupGracefulShutdown(cancel, logger)

			logger.Info("starting engage", "backend", cfg.Store.Backend, "addr", cfg.HTTPListenAddr)
			if err := a.Run(ctx, shutdownTimeout); err != nil {
				return err
			}
			logger.Info("engage shut down")
			return nil
		},
	}
	cmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 5*time.Second, "grace period for in-flight requests")
	return cmd
}

func reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Rewrite listing busy flags from the lock table once",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))

			st, err := app.OpenStore(cfg.Store, logger)
			if err != nil {
				return err
			}
			defer st.Close()

			changed, err := propagate.Reconcile(cmd.Context(), st, time.Now().UTC())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d listings updated\n", changed)
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	var serverURL string
	cmd := &cobra.Command{
		Use:   "status <subject>",
		Short: "Show the engagement lock and quota of a subject",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(serverURL)
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			lock, err := c.Status(ctx, args[0])
			if err != nil {
				return err
			}
			quota, err := c.QuotaStatus(ctx, args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{"lock": lock, "quota": quota})
		},
	}
	cmd.Flags().StringVar(&serverURL, "url", "http://127.0.0.1:7338", "engage server base URL")
	return cmd
}

func initConfigCmd() *cobra.Command {
	var (
		path string
		opts cli.InitOptions
	)
	cmd := &cobra.Command{
		Use:   "init-config",
		Short: "Write a config file with the default settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cli.InitConfigFile(path, opts); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "path", "configs/engage.yaml", "where to write the file")
	cmd.Flags().StringVar(&opts.Backend, "backend", "", "store backend: sqlite, etcd or memory")
	cmd.Flags().StringVar(&opts.SQLitePath, "sqlite-path", "", "sqlite database file")
	cmd.Flags().BoolVar(&opts.Force, "force", false, "overwrite an existing file")
	return cmd
}

func setupGracefulShutdown(cancel context.CancelFunc, logger *slog.Logger) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()
}
