// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Permbase Contributors

package main

import (
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/permbase/permbase/internal/audit"
)

// auditConfig holds flags for the audit subcommand.
type auditConfig struct {
	target string
	action string
	limit  int
	offset int
}

// NewAuditCmd creates the audit subcommand.
func NewAuditCmd() *cobra.Command {
	acfg := &auditConfig{}

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "List recent audit entries",
		Long: `Lists audit entries newest first, optionally filtered by target
(e.g. rank:moderator, principal:alice) or action.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runAudit(cmd, acfg)
		},
	}

	cmd.Flags().StringVar(&acfg.target, "target", "", "filter by target")
	cmd.Flags().StringVar(&acfg.action, "action", "", "filter by action")
	cmd.Flags().IntVar(&acfg.limit, "limit", 50, "maximum entries to list")
	cmd.Flags().IntVar(&acfg.offset, "offset", 0, "entries to skip")

	return cmd
}

func runAudit(cmd *cobra.Command, acfg *auditConfig) error {
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

	entries, err := dataMgr.AuditPage(ctx, audit.Query{
		Target: acfg.target,
		Action: acfg.action,
		Limit:  acfg.limit,
		Offset: acfg.offset,
	})
	if err != nil {
		return err
	}

	for _, e := range entries {
		cmd.Printf("%s  %-32s %-28s %s  %s\n",
			e.Timestamp.Format(time.RFC3339),
			e.Action,
			e.Target,
			e.ActorName,
			e.Detail,
		)
	}
	cmd.Printf("%d entries\n", len(entries))
	return nil
}
