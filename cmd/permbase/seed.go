// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Permbase Contributors

package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/permbase/permbase/internal/audit"
	"github.com/permbase/permbase/internal/manager"
)

// Default timeout for seed command.
const defaultSeedTimeout = 30 * time.Second

// seedConfig holds configuration for the seed subcommand.
type seedConfig struct {
	timeout time.Duration
}

// NewSeedCmd creates the seed subcommand.
func NewSeedCmd() *cobra.Command {
	scfg := &seedConfig{}

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Create the bootstrap default and admin ranks",
		Long: `Creates the default rank every new principal starts with and an
admin rank holding the global wildcard grant.
This command is idempotent - it will not create duplicates if run multiple times.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSeed(cmd, scfg)
		},
	}

	cmd.Flags().DurationVar(&scfg.timeout, "timeout", defaultSeedTimeout, "timeout for storage operations (e.g., 30s, 1m)")

	return cmd
}

func runSeed(cmd *cobra.Command, scfg *seedConfig) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), scfg.timeout)
	defer cancel()

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

	mgr := manager.New(dataMgr, recorder)
	if err := mgr.Bootstrap(ctx); err != nil {
		return err
	}

	cmd.Println("Bootstrap ranks ready")
	return nil
}
