package catalog

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// envPattern matches ${VAR}, ${VAR:-fallback} and $VAR.
var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandConfigEnv substitutes environment placeholders inside YAML scalar values. Keys are left untouched.
// It returns the re-encoded document and the sorted names of variables that were unset and had no fallback.
func expandConfigEnv(raw []byte) (string, []string, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(raw, &root); err != nil {
		return "", nil, fmt.Errorf("parse config: %w", err)
	}

	missing := make(map[string]struct{})
	walkValues(&root, func(node *yaml.Node) {
		if node.Tag != "" && node.Tag != "!!str" {
			return
		}
		if !strings.Contains(node.Value, "$") {
			return
		}
		expanded := expandEnv(node.Value, missing)
		if expanded == node.Value {
			return
		}
		node.Value = expanded
		if node.Style == 0 {
			// Plain scalars are re-resolved so "${PORT}" can still become an int.
			node.Tag = ""
			if resolved := resolvePlain(expanded); resolved != "" {
				node.Tag = resolved
			}
		}
	})

	if len(root.Content) == 0 {
		return "", nil, nil
	}
	expanded, err := yaml.Marshal(&root)
	if err != nil {
		return "", nil, fmt.Errorf("encode expanded config: %w", err)
	}

	names := make([]string, 0, len(missing))
	for name := range missing {
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) == 0 {
		names = nil
	}
	return string(expanded), names, nil
}

func walkValues(node *yaml.Node, visit func(*yaml.Node)) {
	switch node.Kind {
	case yaml.DocumentNode, yaml.SequenceNode:
		for _, child := range node.Content {
			walkValues(child, visit)
		}
	case yaml.MappingNode:
		for i := 1; i < len(node.Content); i += 2 {
			walkValues(node.Content[i], visit)
		}
	case yaml.AliasNode:
		if node.Alias != nil {
			walkValues(node.Alias, visit)
		}
	case yaml.ScalarNode:
		visit(node)
	}
}

func expandEnv(value string, missing map[string]struct{}) string {
	return envPattern.ReplaceAllStringFunc(value, func(match string) string {
		groups := envPattern.FindStringSubmatch(match)
		name, fallback, hasFallback := groups[1], groups[2], strings.Contains(match, ":-")
		if name == "" {
			name = groups[3]
		}
		if val, ok := os.LookupEnv(name); ok && (val != "" || !hasFallback) {
			return val
		}
		if hasFallback {
			return fallback
		}
		missing[name] = struct{}{}
		return ""
	})
}

// resolvePlain returns the YAML tag a plain scalar with this text would resolve to.
func resolvePlain(value string) string {
	if strings.TrimSpace(value) == "" {
		return "!!str"
	}
	var node yaml.Node
	if err := yaml.Unmarshal([]byte(value), &node); err != nil || len(node.Content) != 1 {
		return "!!str"
	}
	scalar := node.Content[0]
	if scalar.Kind != yaml.ScalarNode {
		return "!!str"
	}
	return scalar.ShortTag()
}
