// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Permbase Contributors

package main

import (
	"github.com/spf13/cobra"

	"github.com/permbase/permbase/internal/config"
	"github.com/permbase/permbase/internal/logging"
)

// Global flags available to all subcommands.
var configFile string

// NewRootCmd creates the root command for the permbase CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "permbase",
		Short: "Permbase - permission and rank resolution engine",
		Long: `Permbase resolves effective permission sets from weighted,
inheritable ranks with per-world overrides and temporary grants,
backed by SQLite, PostgreSQL, or flat JSON files.`,
	}

	cmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path")

	cmd.AddCommand(NewServeCmd())
	cmd.AddCommand(NewMigrateCmd())
	cmd.AddCommand(NewSeedCmd())
	cmd.AddCommand(NewCheckCmd())
	cmd.AddCommand(NewSweepCmd())
	cmd.AddCommand(NewAuditCmd())

	return cmd
}

// loadConfig reads the configuration for a subcommand and installs the
// process logger.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return cfg, err
	}
	logging.SetDefault("permbase", version, cfg.Log.Format, cfg.Log.Level)
	return cfg, nil
}
