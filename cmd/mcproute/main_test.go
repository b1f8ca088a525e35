package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"mcproute/internal/infra/catalog"
)

func TestApplyEnvDefaults(t *testing.T) {
	opts := &rootOptions{}
	root := newRootCmd(opts)
	t.Setenv("MCPROUTE_LOG_LEVEL", "debug")
	t.Setenv("MCPROUTE_CONFIG", "/from/env.yaml")

	require.NoError(t, root.PersistentFlags().Set("config", "/from/flag.yaml"))
	require.NoError(t, applyEnvDefaults(root.PersistentFlags()))
	require.Equal(t, "/from/flag.yaml", opts.configPath)
	require.Equal(t, "debug", opts.logLevel)
}

func TestEnvName(t *testing.T) {
	require.Equal(t, "MCPROUTE_LOG_LEVEL", envName("log-level"))
	require.Equal(t, "MCPROUTE_CONFIG", envName("config"))
}

func TestImportCommandPrintsServers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"mcpServers": {"fs": {"command": "npx", "args": ["fs-mcp"]}}}`), 0o600))

	opts := &rootOptions{}
	root := newRootCmd(opts)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"import", "--from", "gemini", "--file", path, "--log-level", "error"})
	require.NoError(t, root.Execute())
	require.Contains(t, out.String(), "servers:")
	require.Contains(t, out.String(), "fs:")
	require.Contains(t, out.String(), "command: npx")
}

func TestImportCommandRequiresSource(t *testing.T) {
	root := newRootCmd(&rootOptions{})
	root.SetArgs([]string{"import", "--log-level", "error"})
	err := root.Execute()
	var exitErr exitError
	require.ErrorAs(t, err, &exitErr)
	require.Equal(t, 2, exitErr.code)
}

func TestExitCodeFor(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{name: "nil", err: nil, want: 0},
		{name: "usage", err: usageError("bad flag"), want: exitUsage},
		{name: "invalid config", err: fmt.Errorf("load: %w", catalog.ErrInvalidConfig), want: exitConfig},
		{name: "missing config", err: fmt.Errorf("read config: %w", os.ErrNotExist), want: exitConfig},
		{name: "other", err: errors.New("boom"), want: exitGeneric},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, exitCodeFor(tc.err))
		})
	}
}
