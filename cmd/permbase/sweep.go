// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Permbase Contributors

package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/permbase/permbase/internal/audit"
	"github.com/permbase/permbase/internal/sweeper"
)

// NewSweepCmd creates the sweep subcommand.
func NewSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one expiry sweep and exit",
		Long: `Evicts expired temporary permissions and ranks from every
principal and enforces the audit retention window, then exits. Useful for
cron-driven deployments that do not run the serve daemon.`,
		RunE: runSweep,
	}
}

func runSweep(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	dataMgr, err := openData(ctx, cfg)
	if err != nil {
		return err
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

	sw := sweeper.New(dataMgr, recorder, nil, sweeper.Options{
		AuditRetention: cfg.Audit.Retention,
	})
	if err := sw.Sweep(ctx); err != nil {
		return err
	}

	cmd.Println("Sweep complete")
	return nil
}
