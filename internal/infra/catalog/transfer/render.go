package transfer

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"mcproute/internal/domain"
)

type yamlServer struct {
	Command     string            `yaml:"command"`
	Args        []string          `yaml:"args,omitempty"`
	Env         map[string]string `yaml:"env,omitempty"`
	Cwd         string            `yaml:"cwd,omitempty"`
	Description string            `yaml:"description,omitempty"`
	Category    string            `yaml:"category,omitempty"`
	Enabled     bool              `yaml:"enabled"`
}

// RenderYAML encodes servers as a config "servers:" block.
func RenderYAML(servers []domain.ServerSpec) ([]byte, error) {
	out := make(map[string]yamlServer, len(servers))
	for _, spec := range servers {
		out[spec.Name] = yamlServer{
			Command:     spec.Command,
			Args:        spec.Args,
			Env:         spec.Env,
			Cwd:         spec.Cwd,
			Description: spec.Description,
			Category:    spec.Category,
			Enabled:     spec.Enabled,
		}
	}
	data, err := yaml.Marshal(map[string]any{"servers": out})
	if err != nil {
		return nil, fmt.Errorf("encode servers: %w", err)
	}
	return data, nil
}
