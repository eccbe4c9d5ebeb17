// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Permbase Contributors

package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/permbase/permbase/internal/audit"
	"github.com/permbase/permbase/internal/config"
	"github.com/permbase/permbase/internal/data"
	"github.com/permbase/permbase/internal/manager"
	"github.com/permbase/permbase/internal/observability"
	"github.com/permbase/permbase/internal/sweeper"
)

const defaultMetricsAddr = "127.0.0.1:9180"

// serveConfig holds flags specific to the serve subcommand.
type serveConfig struct {
	metricsAddr string
}

// NewServeCmd creates the serve subcommand.
func NewServeCmd() *cobra.Command {
	scfg := &serveConfig{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the permission engine with the expiry sweeper",
		Long: `Opens the configured storage backend, replays any pending audit
write-ahead log entries, and runs the expiry sweeper until interrupted.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, scfg)
		},
	}

	cmd.Flags().StringVar(&scfg.metricsAddr, "metrics-addr", defaultMetricsAddr, "metrics HTTP address (empty = disabled)")

	return cmd
}

func runServe(cmd *cobra.Command, scfg *serveConfig) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	dataMgr, err := data.Open(ctx, cfg.DataOptions())
	if err != nil {
		return oops.In("serve").Wrap(err)
	}
	defer func() {
		if closeErr := dataMgr.Close(); closeErr != nil {
			slog.Warn("error closing storage", "error", closeErr)
		}
	}()

	recorder := audit.NewLogger(audit.NewStoreWriter(dataMgr), cfg.Audit.WALPath)
	defer func() {
		if closeErr := recorder.Close(); closeErr != nil {
			slog.Warn("error closing audit logger", "error", closeErr)
		}
	}()

	if err := recorder.ReplayWAL(ctx); err != nil {
		slog.Warn("audit WAL replay failed, entries retained", "error", err)
	}

	mgr := manager.New(dataMgr, recorder,
		manager.WithSecondaryRankLimit(cfg.Limits.MaxSecondaryRanks),
	)
	if err := mgr.Bootstrap(ctx); err != nil {
		return oops.In("serve").Wrap(err)
	}

	sw := sweeper.New(dataMgr, recorder, nil, sweeper.Options{
		Interval:       cfg.Sweeper.Interval,
		AuditRetention: cfg.Audit.Retention,
	})
	if err := sw.Start(ctx); err != nil {
		return oops.In("serve").Wrap(err)
	}
	defer sw.Stop()

	var obsServer *observability.Server
	var obsErrs <-chan error
	if scfg.metricsAddr != "" {
		obsServer = observability.NewServer(scfg.metricsAddr, func() bool { return true })
		obsErrs, err = obsServer.Start()
		if err != nil {
			return oops.In("serve").Wrap(err)
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	cmd.Println("Permbase started")
	slog.Info("permbase ready",
		"backend", cfg.Storage.Backend,
		"sweep_interval", cfg.Sweeper.Interval,
	)

	select {
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
	case err := <-obsErrs:
		slog.Error("observability server failed", "error", err)
		cancel()
	case <-ctx.Done():
		slog.Info("context cancelled, shutting down")
	}

	if obsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := obsServer.Stop(shutdownCtx); err != nil {
			slog.Warn("error stopping observability server", "error", err)
		}
	}

	slog.Info("shutdown complete")
	return nil
}

// openData is shared by the one-shot subcommands that need the storage layer
// without the sweeper or metrics plumbing.
func openData(ctx context.Context, cfg config.Config) (*data.Manager, error) {
	dataMgr, err := data.Open(ctx, cfg.DataOptions())
	if err != nil {
		return nil, oops.In("cli").Wrap(err)
	}
	return dataMgr, nil
}
