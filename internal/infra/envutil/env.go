// Package envutil builds the environment backend processes are launched with.
package envutil

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	skipPathPatchEnv = "MCPROUTE_SKIP_PATH_PATCH"
	termEnv          = "TERM"
	shellEnv         = "SHELL"
	pathEnv          = "PATH"

	loginShellTimeout = 2 * time.Second
)

type pathCacheEntry struct {
	path string
	err  error
}

var loginPathCache sync.Map

// CommandEnv layers overrides on top of base. On macOS, a gateway started by a desktop client
// without a terminal also gets the login shell's PATH, so commands like npx and uvx resolve.
func CommandEnv(base []string, overrides map[string]string) []string {
	env := append([]string(nil), base...)
	keys := make([]string, 0, len(overrides))
	for key := range overrides {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		env = setEnvValue(env, key, overrides[key])
	}
	if _, pinned := overrides[pathEnv]; pinned {
		return env
	}
	return patchPATH(env)
}

// ResolveCommand looks a bare command name up on env's PATH. Anything else, or a miss, is
// returned unchanged for exec to resolve.
func ResolveCommand(command string, env []string) string {
	if command == "" || strings.ContainsRune(command, os.PathSeparator) {
		return command
	}
	for _, dir := range filepath.SplitList(envVarValue(env, pathEnv)) {
		if dir == "" {
			continue
		}
		candidate := filepath.Join(dir, command)
		info, err := os.Stat(candidate)
		if err != nil || info.IsDir() {
			continue
		}
		if runtime.GOOS == "windows" || info.Mode()&0o111 != 0 {
			return candidate
		}
	}
	return command
}

func patchPATH(env []string) []string {
	if runtime.GOOS != "darwin" {
		return env
	}
	if strings.TrimSpace(envVarValue(env, skipPathPatchEnv)) != "" {
		return env
	}
	if strings.TrimSpace(envVarValue(env, termEnv)) != "" {
		return env
	}
	shellPath := strings.TrimSpace(envVarValue(env, shellEnv))
	if shellPath == "" {
		shellPath = "/bin/zsh"
	}
	loginPath, err := loginShellPATH(shellPath)
	if err != nil || strings.TrimSpace(loginPath) == "" {
		return env
	}
	currentPath := envVarValue(env, pathEnv)
	mergedPath := mergePATH(loginPath, currentPath)
	if mergedPath == "" || mergedPath == currentPath {
		return env
	}
	return setEnvValue(env, pathEnv, mergedPath)
}

// envVarValue returns the last value for key, matching exec's precedence.
func envVarValue(env []string, key string) string {
	if key == "" {
		return ""
	}
	prefix := key + "="
	var value string
	for _, entry := range env {
		if strings.HasPrefix(entry, prefix) {
			value = strings.TrimPrefix(entry, prefix)
		}
	}
	return value
}

func setEnvValue(env []string, key, value string) []string {
	if key == "" {
		return env
	}
	prefix := key + "="
	out := make([]string, 0, len(env)+1)
	for _, entry := range env {
		if strings.HasPrefix(entry, prefix) {
			continue
		}
		out = append(out, entry)
	}
	return append(out, prefix+value)
}

func loginShellPATH(shellPath string) (string, error) {
	if cached, ok := loginPathCache.Load(shellPath); ok {
		entry := cached.(pathCacheEntry)
		return entry.path, entry.err
	}
	path, err := resolveLoginShellPATH(shellPath)
	loginPathCache.Store(shellPath, pathCacheEntry{path: path, err: err})
	return path, err
}

func resolveLoginShellPATH(shellPath string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), loginShellTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, shellPath, "-lc", "echo $PATH")
	cmd.Env = append(os.Environ(), "LANG=C", "LC_ALL=C")
	output, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(output)), nil
}

// mergePATH keeps the first occurrence of every entry, primary first.
func mergePATH(primary, fallback string) string {
	seen := map[string]struct{}{}
	out := make([]string, 0, 8)
	for _, path := range []string{primary, fallback} {
		for _, entry := range filepath.SplitList(path) {
			entry = strings.TrimSpace(entry)
			if entry == "" {
				continue
			}
			if _, exists := seen[entry]; exists {
				continue
			}
			seen[entry] = struct{}{}
			out = append(out, entry)
		}
	}
	return strings.Join(out, string(os.PathListSeparator))
}
