package domain

import (
	"sort"
	"time"
)

// ServerSpec declares one backend MCP server launched over stdio.
type ServerSpec struct {
	Name        string            `json:"name"`
	Command     string            `json:"command"`
	Args        []string          `json:"args,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	Cwd         string            `json:"cwd,omitempty"`
	Description string            `json:"description,omitempty"`
	Category    string            `json:"category,omitempty"`
	Enabled     bool              `json:"enabled"`
	HealthCheck HealthCheckConfig `json:"healthCheck"`
}

type HealthCheckConfig struct {
	Interval time.Duration `json:"interval"`
	Timeout  time.Duration `json:"timeout"`
}

type RegistryConfig struct {
	TTL           time.Duration `json:"ttl"`
	MaxDynamic    int           `json:"maxDynamic"`
	SweepInterval time.Duration `json:"sweepInterval"`
}

type IndexConfig struct {
	TopN              int     `json:"topN"`
	MinSimilarity     float64 `json:"minSimilarity"`
	TopK              int     `json:"topK"`
	ClusterThreshold  float64 `json:"clusterThreshold"`
	Dimension         int     `json:"dimension"`
	FastPathThreshold float64 `json:"fastPathThreshold"`
}

type DecisionConfig struct {
	MaxProxied  int           `json:"maxProxied"`
	LLMTimeout  time.Duration `json:"llmTimeout"`
	DefaultMode DecisionMode  `json:"defaultMode"`
}

type ScriptConfig struct {
	Timeout time.Duration `json:"timeout"`
	PoolMin int           `json:"poolMin"`
	PoolMax int           `json:"poolMax"`
	Workers int           `json:"workers"`
	DryRun  bool          `json:"dryRun"`
}

type PoolConfig struct {
	RetryAttempts int           `json:"retryAttempts"`
	RetryBase     time.Duration `json:"retryBase"`
	RetryMax      time.Duration `json:"retryMax"`
	DiscoveryTTL  time.Duration `json:"discoveryTTL"`
	CallTimeout   time.Duration `json:"callTimeout"`
	StartTimeout  time.Duration `json:"startTimeout"`
}

type LLMConfig struct {
	Provider  string        `json:"provider"`
	Model     string        `json:"model"`
	BaseURL   string        `json:"baseURL"`
	APIKey    string        `json:"-"`
	APIKeyEnv string        `json:"apiKeyEnv"`
	Timeout   time.Duration `json:"timeout"`
}

// Configured reports whether enough is set to build a completion client.
func (c LLMConfig) Configured() bool {
	return c.Model != ""
}

type FramingMode string

const (
	FramingAuto          FramingMode = "auto"
	FramingContentLength FramingMode = "content-length"
	FramingNewline       FramingMode = "newline"
)

type GatewayConfig struct {
	Name    string      `json:"name"`
	Version string      `json:"version"`
	Framing FramingMode `json:"framing"`
}

type ObservabilityConfig struct {
	ListenAddress string `json:"listenAddress"`
}

type HistoryConfig struct {
	Path       string `json:"path"`
	MaxRecords int    `json:"maxRecords"`
}

// Catalog is the fully normalized gateway configuration.
type Catalog struct {
	Servers       map[string]ServerSpec `json:"servers"`
	Registry      RegistryConfig        `json:"registry"`
	Index         IndexConfig           `json:"index"`
	Decision      DecisionConfig        `json:"decision"`
	Script        ScriptConfig          `json:"script"`
	Pool          PoolConfig            `json:"pool"`
	LLM           LLMConfig             `json:"llm"`
	Gateway       GatewayConfig         `json:"gateway"`
	Observability ObservabilityConfig   `json:"observability"`
	History       HistoryConfig         `json:"history"`
}

// ServerNames returns server names in stable order.
func (c Catalog) ServerNames() []string {
	names := make([]string, 0, len(c.Servers))
	for name := range c.Servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// EnabledServers returns enabled server specs in stable order.
func (c Catalog) EnabledServers() []ServerSpec {
	out := make([]ServerSpec, 0, len(c.Servers))
	for _, name := range c.ServerNames() {
		spec := c.Servers[name]
		if spec.Enabled {
			out = append(out, spec)
		}
	}
	return out
}
