// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Permbase Contributors

package main

import (
	"log/slog"
	"strconv"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/permbase/permbase/internal/data"
	"github.com/permbase/permbase/internal/storage/postgres"
	"github.com/permbase/permbase/internal/storage/sqlite"
)

// NewMigrateCmd creates the migrate subcommand.
func NewMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the storage schema",
		Long: `Apply or roll back schema migrations for the configured SQL
backend. The flatfile backend has no schema and needs no migrations.`,
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE:  runMigrateUp,
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back every migration, dropping all data",
		RunE:  runMigrateDown,
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show the current schema version",
		RunE:  runMigrateVersion,
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "force <version>",
		Short: "Set the schema version without running migrations",
		Args:  cobra.ExactArgs(1),
		RunE:  runMigrateForce,
	})

	return cmd
}

func runMigrateUp(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	switch cfg.Storage.Backend {
	case data.BackendPostgres:
		m, err := postgres.NewMigrator(cfg.Storage.DSN)
		if err != nil {
			return err
		}
		defer closeMigrator(m)
		if err := m.Up(); err != nil {
			return err
		}
	case data.BackendSQLite:
		// Opening the store applies pending migrations.
		store, err := sqlite.Open(cfg.Storage.Path)
		if err != nil {
			return err
		}
		if err := store.Close(); err != nil {
			return err
		}
	default:
		cmd.Println("Flatfile backend has no schema; nothing to do")
		return nil
	}

	cmd.Println("Migrations completed successfully")
	return nil
}

func runMigrateDown(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	if cfg.Storage.Backend != data.BackendPostgres {
		return oops.In("migrate").
			Code("INVALID_ARGUMENT").
			Errorf("migrate down is only supported for the postgres backend")
	}

	m, err := postgres.NewMigrator(cfg.Storage.DSN)
	if err != nil {
		return err
	}
	defer closeMigrator(m)

	if err := m.Down(); err != nil {
		return err
	}
	cmd.Println("Rollback completed successfully")
	return nil
}

func runMigrateVersion(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	if cfg.Storage.Backend != data.BackendPostgres {
		return oops.In("migrate").
			Code("INVALID_ARGUMENT").
			Errorf("migrate version is only supported for the postgres backend")
	}

	m, err := postgres.NewMigrator(cfg.Storage.DSN)
	if err != nil {
		return err
	}
	defer closeMigrator(m)

	version, dirty, err := m.Version()
	if err != nil {
		return err
	}
	cmd.Printf("Schema version: %d (dirty: %v)\n", version, dirty)
	return nil
}

func runMigrateForce(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	if cfg.Storage.Backend != data.BackendPostgres {
		return oops.In("migrate").
			Code("INVALID_ARGUMENT").
			Errorf("migrate force is only supported for the postgres backend")
	}

	version, err := strconv.Atoi(args[0])
	if err != nil {
		return oops.In("migrate").
			Code("INVALID_ARGUMENT").
			Errorf("version must be an integer, got %q", args[0])
	}

	m, err := postgres.NewMigrator(cfg.Storage.DSN)
	if err != nil {
		return err
	}
	defer closeMigrator(m)

	if err := m.Force(version); err != nil {
		return err
	}
	cmd.Printf("Schema version forced to %d\n", version)
	return nil
}

func closeMigrator(m *postgres.Migrator) {
	if err := m.Close(); err != nil {
		slog.Warn("error closing migrator", "error", err)
	}
}
