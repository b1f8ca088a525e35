package transfer

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"mcproute/internal/domain"
)

// ResolvePath returns where source keeps its MCP server list.
func ResolvePath(source Source) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home: %w", err)
	}
	switch source {
	case SourceClaude:
		return filepath.Join(home, ".claude.json"), nil
	case SourceCodex:
		return filepath.Join(home, ".codex", "config.toml"), nil
	case SourceGemini:
		return filepath.Join(home, ".gemini", "settings.json"), nil
	default:
		return "", ErrUnknownSource
	}
}

// ReadSource parses the stdio servers declared by source. Remote servers are reported as issues.
func ReadSource(source Source) (Result, error) {
	path, err := ResolvePath(source)
	if err != nil {
		return Result{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Result{Source: source, Path: path}, ErrNotFound
		}
		return Result{}, fmt.Errorf("read source: %w", err)
	}
	return Parse(source, path, data)
}

// Parse decodes source config content already read from path.
func Parse(source Source, path string, data []byte) (Result, error) {
	var tables map[string]any
	switch source {
	case SourceClaude, SourceGemini:
		var payload map[string]any
		if err := json.Unmarshal(data, &payload); err != nil {
			return Result{}, fmt.Errorf("parse json: %w", err)
		}
		raw, ok := payload["mcpServers"].(map[string]any)
		if !ok {
			return Result{}, errors.New("mcpServers must be an object map")
		}
		tables = raw
	case SourceCodex:
		var payload map[string]any
		if err := toml.Unmarshal(data, &payload); err != nil {
			return Result{}, fmt.Errorf("parse toml: %w", err)
		}
		tables, _ = payload["mcp_servers"].(map[string]any)
	default:
		return Result{}, ErrUnknownSource
	}

	result := Result{Source: source, Path: path}
	names := make([]string, 0, len(tables))
	for name := range tables {
		names = append(names, name)
	}
	sort.Strings(names)

	seen := make(map[string]struct{}, len(names))
	for _, name := range names {
		entry, ok := tables[name].(map[string]any)
		if !ok {
			result.Issues = append(result.Issues, Issue{Name: name, Kind: IssueInvalid, Message: "entry must be an object"})
			continue
		}
		spec, issue := parseEntry(name, entry)
		if issue != nil {
			result.Issues = append(result.Issues, *issue)
			continue
		}
		if _, dup := seen[spec.Name]; dup {
			result.Issues = append(result.Issues, Issue{Name: name, Kind: IssueDuplicate, Message: "name already imported"})
			continue
		}
		seen[spec.Name] = struct{}{}
		result.Servers = append(result.Servers, spec)
	}
	return result, nil
}

func parseEntry(name string, entry map[string]any) (domain.ServerSpec, *Issue) {
	name = strings.TrimSpace(name)
	invalid := func(msg string) (domain.ServerSpec, *Issue) {
		return domain.ServerSpec{}, &Issue{Name: name, Kind: IssueInvalid, Message: msg}
	}
	if name == "" {
		return invalid("server name is required")
	}
	for _, key := range []string{"url", "endpoint", "httpUrl", "serverUrl"} {
		if value, ok := entry[key].(string); ok && strings.TrimSpace(value) != "" {
			return domain.ServerSpec{}, &Issue{Name: name, Kind: IssueUnsupported, Message: "remote servers are not supported; only stdio commands can be imported"}
		}
	}

	command, ok := entry["command"].(string)
	if !ok || strings.TrimSpace(command) == "" {
		return invalid("command is required")
	}
	args, ok := stringSlice(entry["args"])
	if !ok {
		return invalid("args must be an array of strings")
	}
	env, ok := stringMap(entry["env"])
	if !ok {
		return invalid("env must be a map of strings")
	}
	cwd, _ := entry["cwd"].(string)
	description, _ := entry["description"].(string)

	enabled := true
	if disabled, ok := entry["disabled"].(bool); ok {
		enabled = !disabled
	}
	if value, ok := entry["enabled"].(bool); ok {
		enabled = value
	}

	return domain.ServerSpec{
		Name:        name,
		Command:     strings.TrimSpace(command),
		Args:        args,
		Env:         env,
		Cwd:         strings.TrimSpace(cwd),
		Description: strings.TrimSpace(description),
		Enabled:     enabled,
	}, nil
}

func stringSlice(value any) ([]string, bool) {
	switch raw := value.(type) {
	case nil:
		return nil, true
	case []string:
		return append([]string(nil), raw...), true
	case []any:
		out := make([]string, 0, len(raw))
		for _, item := range raw {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	default:
		return nil, false
	}
}

func stringMap(value any) (map[string]string, bool) {
	switch raw := value.(type) {
	case nil:
		return nil, true
	case map[string]string:
		out := make(map[string]string, len(raw))
		for k, v := range raw {
			out[k] = v
		}
		return out, true
	case map[string]any:
		out := make(map[string]string, len(raw))
		for k, v := range raw {
			s, ok := v.(string)
			if !ok {
				return nil, false
			}
			out[k] = s
		}
		return out, true
	default:
		return nil, false
	}
}
