// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Permbase Contributors

package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/permbase/permbase/internal/audit"
	"github.com/permbase/permbase/internal/config"
	"github.com/permbase/permbase/internal/data"
	"github.com/permbase/permbase/internal/manager"
)

// seedPrincipal bootstraps the store behind cfgPath and creates a principal
// whose default rank grants perk.* globally but denies perk.nuke on mars.
func seedPrincipal(t *testing.T, cfgPath, id string) {
	t.Helper()
	ctx := context.Background()

	cfg, err := config.Load(cfgPath, nil)
	require.NoError(t, err)

	dataMgr, err := data.Open(ctx, cfg.DataOptions())
	require.NoError(t, err)
	defer func() { require.NoError(t, dataMgr.Close()) }()

	recorder := audit.NewLogger(audit.NewStoreWriter(dataMgr), cfg.Audit.WALPath)
	defer func() { require.NoError(t, recorder.Close()) }()

	mgr := manager.New(dataMgr, recorder)
	require.NoError(t, mgr.Bootstrap(ctx))

	console := audit.Console()
	require.NoError(t, mgr.AddRankPermission(ctx, console, manager.BootstrapDefaultRank, "", "perk.*", true))
	require.NoError(t, mgr.AddRankPermission(ctx, console, manager.BootstrapDefaultRank, "mars", "perk.nuke", false))

	_, err = mgr.GetOrCreatePrincipal(ctx, id, id)
	require.NoError(t, err)
}

func TestCheckAllowsGrantedPermission(t *testing.T) {
	cfgPath := writeTestConfig(t)
	seedPrincipal(t, cfgPath, "alice")

	out, err := execute(t, "check", "alice", "perk.fly", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "ALLOW alice perk.fly")
}

func TestCheckDeniesUngrantedPermission(t *testing.T) {
	cfgPath := writeTestConfig(t)
	seedPrincipal(t, cfgPath, "alice")

	out, err := execute(t, "check", "alice", "admin.ban", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "DENY alice admin.ban")
}

func TestCheckAppliesWorldOverrides(t *testing.T) {
	cfgPath := writeTestConfig(t)
	seedPrincipal(t, cfgPath, "alice")

	out, err := execute(t, "check", "alice", "perk.nuke", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "ALLOW alice perk.nuke")

	out, err = execute(t, "check", "alice", "perk.nuke", "--world", "mars", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "DENY alice perk.nuke")
}

func TestCheckUnknownPrincipalFails(t *testing.T) {
	cfgPath := writeTestConfig(t)
	seedPrincipal(t, cfgPath, "alice")

	_, err := execute(t, "check", "ghost", "perk.fly", "--config", cfgPath)
	assert.Error(t, err)
}

func TestCheckShowSetPrintsEffectivePermissions(t *testing.T) {
	cfgPath := writeTestConfig(t)
	seedPrincipal(t, cfgPath, "alice")

	out, err := execute(t, "check", "alice", "perk.fly", "--show-set", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "perk.*")
}

func TestSweepCommandRunsCleanly(t *testing.T) {
	cfgPath := writeTestConfig(t)
	seedPrincipal(t, cfgPath, "alice")

	out, err := execute(t, "sweep", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "Sweep complete")
}
