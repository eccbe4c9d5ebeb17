// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Permbase Contributors

package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeTestConfig writes a sqlite-backed config rooted in a temp dir and
// returns its path.
func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "permbase.yaml")
	content := fmt.Sprintf(`
storage:
  backend: sqlite
  path: %s
  fallback_path: ""
audit:
  wal_path: %s
`, filepath.Join(dir, "permbase.db"), filepath.Join(dir, "audit.wal"))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

// execute runs the CLI with args against a fresh root command.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	configFile = ""

	cmd := NewRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestSeedCreatesBootstrapRanks(t *testing.T) {
	cfgPath := writeTestConfig(t)

	out, err := execute(t, "seed", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "Bootstrap ranks ready")
}

func TestSeedIsIdempotent(t *testing.T) {
	cfgPath := writeTestConfig(t)

	_, err := execute(t, "seed", "--config", cfgPath)
	require.NoError(t, err)

	out, err := execute(t, "seed", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "Bootstrap ranks ready")
}

func TestSeedRecordsAuditEntries(t *testing.T) {
	cfgPath := writeTestConfig(t)

	_, err := execute(t, "seed", "--config", cfgPath)
	require.NoError(t, err)

	out, err := execute(t, "audit", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "rank.create")
	assert.Contains(t, out, "Console")
}
