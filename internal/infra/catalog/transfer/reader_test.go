package transfer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"mcproute/internal/domain"
)

func TestReadSourceClaude(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	writeFile(t, filepath.Join(home, ".claude.json"), `{
  "mcpServers": {
    "git-server": {
      "command": "uvx",
      "args": ["mcp-server-git"],
      "env": {"GIT_DIR": "/repo"}
    },
    "web": {"url": "https://example.com/mcp"},
    "broken": {"command": 3}
  }
}`)

	result, err := ReadSource(SourceClaude)
	require.NoError(t, err)

	want := []domain.ServerSpec{{
		Name:    "git-server",
		Command: "uvx",
		Args:    []string{"mcp-server-git"},
		Env:     map[string]string{"GIT_DIR": "/repo"},
		Enabled: true,
	}}
	if diff := cmp.Diff(want, result.Servers); diff != "" {
		t.Fatalf("servers mismatch (-want +got):\n%s", diff)
	}
	require.Len(t, result.Issues, 2)
	require.Equal(t, "broken", result.Issues[0].Name)
	require.Equal(t, IssueInvalid, result.Issues[0].Kind)
	require.Equal(t, "web", result.Issues[1].Name)
	require.Equal(t, IssueUnsupported, result.Issues[1].Kind)
}

func TestReadSourceCodexToml(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	writeFile(t, filepath.Join(home, ".codex", "config.toml"), `
model = "o3"

[mcp_servers.fetch]
command = "uvx"
args = ["mcp-server-fetch"]
enabled = false
`)

	result, err := ReadSource(SourceCodex)
	require.NoError(t, err)
	require.Len(t, result.Servers, 1)
	require.Equal(t, "fetch", result.Servers[0].Name)
	require.False(t, result.Servers[0].Enabled)
	require.Equal(t, []string{"mcp-server-fetch"}, result.Servers[0].Args)
}

func TestReadSourceMissingFile(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	result, err := ReadSource(SourceGemini)
	require.ErrorIs(t, err, ErrNotFound)
	require.Equal(t, SourceGemini, result.Source)
}

func TestParseSource(t *testing.T) {
	got, err := ParseSource(" Codex ")
	require.NoError(t, err)
	require.Equal(t, SourceCodex, got)

	_, err = ParseSource("cursor")
	require.ErrorIs(t, err, ErrUnknownSource)
}

func TestRenderYAML(t *testing.T) {
	data, err := RenderYAML([]domain.ServerSpec{{Name: "git-server", Command: "uvx", Args: []string{"mcp-server-git"}, Enabled: true}})
	require.NoError(t, err)
	require.YAMLEq(t, `
servers:
  git-server:
    command: uvx
    args: [mcp-server-git]
    enabled: true
`, string(data))
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}
