// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Permbase Contributors

package main

import (
	"log/slog"
	"sort"

	"github.com/spf13/cobra"

	"github.com/permbase/permbase/internal/audit"
	"github.com/permbase/permbase/internal/manager"
)

// checkConfig holds flags for the check subcommand.
type checkConfig struct {
	world   string
	showSet bool
}

// NewCheckCmd creates the check subcommand.
func NewCheckCmd() *cobra.Command {
	ccfg := &checkConfig{}

	cmd := &cobra.Command{
		Use:   "check <principal> <permission>",
		Short: "Resolve a permission for a principal",
		Long: `Resolves the principal's effective permission set and reports
whether the named permission is granted. Use --world to apply a world's
override layer.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(cmd, args, ccfg)
		},
	}

	cmd.Flags().StringVar(&ccfg.world, "world", "", "world whose overrides apply")
	cmd.Flags().BoolVar(&ccfg.showSet, "show-set", false, "print the full effective permission set")

	return cmd
}

func runCheck(cmd *cobra.Command, args []string, ccfg *checkConfig) error {
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

	mgr := manager.New(dataMgr, recorder,
		manager.WithSecondaryRankLimit(cfg.Limits.MaxSecondaryRanks),
	)

	principalID, permission := args[0], args[1]

	if ccfg.showSet {
		set, err := mgr.Resolve(ctx, principalID, ccfg.world)
		if err != nil {
			return err
		}
		perms := set.Permissions()
		keys := make([]string, 0, len(perms))
		for key := range perms {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			if perms[key] {
				cmd.Println(key)
			} else {
				cmd.Println("-" + key)
			}
		}
	}

	allowed, err := mgr.Check(ctx, principalID, permission, ccfg.world)
	if err != nil {
		return err
	}

	if allowed {
		cmd.Printf("ALLOW %s %s\n", principalID, permission)
	} else {
		cmd.Printf("DENY %s %s\n", principalID, permission)
	}
	return nil
}
