// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Permbase Contributors

package main

import (
	"bytes"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommandHasExpectedSubcommands(t *testing.T) {
	cmd := NewRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--help"})

	require.NoError(t, cmd.Execute())

	output := buf.String()
	subcommands := []string{"serve", "migrate", "seed", "check", "sweep", "audit"}
	for _, sub := range subcommands {
		assert.Contains(t, output, sub, "help missing %q command", sub)
	}
}

func TestRootCommandConfigFlag(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		wantFlag string
	}{
		{
			name:     "config flag",
			args:     []string{"--config", "/path/to/permbase.yaml", "--help"},
			wantFlag: "/path/to/permbase.yaml",
		},
		{
			name:     "config flag with equals",
			args:     []string{"--config=/etc/permbase.yaml", "--help"},
			wantFlag: "/etc/permbase.yaml",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configFile = ""

			cmd := NewRootCmd()
			buf := new(bytes.Buffer)
			cmd.SetOut(buf)
			cmd.SetArgs(tt.args)

			require.NoError(t, cmd.Execute())
			assert.Equal(t, tt.wantFlag, configFile)
		})
	}
}

func TestRootCommandNoArgsShowsHelp(t *testing.T) {
	cmd := NewRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{})

	require.NoError(t, cmd.Execute())
}

func TestUnknownCommand(t *testing.T) {
	cmd := NewRootCmd()
	cmd.SetOut(new(bytes.Buffer))
	cmd.SetErr(new(bytes.Buffer))
	cmd.SetArgs([]string{"nonexistent"})

	assert.Error(t, cmd.Execute())
}

func TestFormatVersion(t *testing.T) {
	assert.Equal(t, "dev (commit: unknown, built: unknown)",
		formatVersion("dev", "unknown", "unknown"))
	assert.Equal(t, "1.0.0 (commit: abc123, built: 2026-01-15)",
		formatVersion("1.0.0", "abc123", "2026-01-15"))
}

func TestRunSuccess(t *testing.T) {
	oldArgs := os.Args
	defer func() { os.Args = oldArgs }()

	os.Args = []string{"permbase", "--help"}
	assert.Equal(t, 0, run())
}

func TestRunError(t *testing.T) {
	oldArgs := os.Args
	defer func() { os.Args = oldArgs }()

	os.Args = []string{"permbase", "nonexistent-command"}
	assert.Equal(t, 1, run())
}
