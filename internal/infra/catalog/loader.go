package catalog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"mcproute/internal/domain"
)

const defaultAPIKeyEnv = "OPENAI_API_KEY"

// ErrInvalidConfig wraps every validation failure reported by Parse.
var ErrInvalidConfig = errors.New("invalid config")

var serverNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

type Loader struct {
	logger *zap.Logger
}

func NewLoader(logger *zap.Logger) *Loader {
	if logger == nil {
		return &Loader{logger: zap.NewNop()}
	}
	return &Loader{logger: logger.Named("catalog")}
}

func newCatalogViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	setCatalogDefaults(v)
	return v
}

func setCatalogDefaults(v *viper.Viper) {
	v.SetDefault("registry.ttl", domain.DefaultToolTTL)
	v.SetDefault("registry.max_dynamic", domain.DefaultMaxDynamicTools)
	v.SetDefault("registry.sweep_interval", domain.DefaultSweepInterval)
	v.SetDefault("index.top_n", domain.DefaultTopN)
	v.SetDefault("index.min_similarity", domain.DefaultMinSimilarity)
	v.SetDefault("index.top_k", domain.DefaultTopK)
	v.SetDefault("index.cluster_threshold", domain.DefaultClusterThreshold)
	v.SetDefault("index.dimension", domain.DefaultEmbedDimension)
	v.SetDefault("index.fast_path_threshold", domain.DefaultFastPathScore)
	v.SetDefault("decision.max_proxied", domain.DefaultMaxProxied)
	v.SetDefault("decision.llm_timeout", domain.DefaultLLMTimeout)
	v.SetDefault("decision.default_mode", string(domain.DecisionModeAuto))
	v.SetDefault("script.timeout", domain.DefaultScriptTimeout)
	v.SetDefault("script.pool_min", domain.DefaultScriptPoolMin)
	v.SetDefault("script.pool_max", domain.DefaultScriptPoolMax)
	v.SetDefault("script.workers", domain.DefaultScriptWorkers)
	v.SetDefault("script.dry_run", false)
	v.SetDefault("pool.retry_attempts", domain.DefaultRetryAttempts)
	v.SetDefault("pool.retry_base", domain.DefaultRetryBase)
	v.SetDefault("pool.retry_max", domain.DefaultRetryMax)
	v.SetDefault("pool.discovery_ttl", domain.DefaultDiscoveryTTL)
	v.SetDefault("pool.call_timeout", domain.DefaultCallTimeout)
	v.SetDefault("pool.start_timeout", domain.DefaultStartTimeout)
	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.api_key_env", defaultAPIKeyEnv)
	v.SetDefault("llm.timeout", domain.DefaultLLMTimeout)
	v.SetDefault("gateway.name", domain.DefaultGatewayName)
	v.SetDefault("gateway.version", domain.DefaultGatewayVersion)
	v.SetDefault("gateway.framing", string(domain.FramingAuto))
	v.SetDefault("history.max_records", domain.DefaultHistoryRecords)
}

type rawCatalog struct {
	Registry      rawRegistryConfig      `mapstructure:"registry"`
	Index         rawIndexConfig         `mapstructure:"index"`
	Decision      rawDecisionConfig      `mapstructure:"decision"`
	Script        rawScriptConfig        `mapstructure:"script"`
	Pool          rawPoolConfig          `mapstructure:"pool"`
	LLM           rawLLMConfig           `mapstructure:"llm"`
	Gateway       rawGatewayConfig       `mapstructure:"gateway"`
	Observability rawObservabilityConfig `mapstructure:"observability"`
	History       rawHistoryConfig       `mapstructure:"history"`
}

type rawRegistryConfig struct {
	TTL           time.Duration `mapstructure:"ttl"`
	MaxDynamic    int           `mapstructure:"max_dynamic"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

type rawIndexConfig struct {
	TopN              int     `mapstructure:"top_n"`
	MinSimilarity     float64 `mapstructure:"min_similarity"`
	TopK              int     `mapstructure:"top_k"`
	ClusterThreshold  float64 `mapstructure:"cluster_threshold"`
	Dimension         int     `mapstructure:"dimension"`
	FastPathThreshold float64 `mapstructure:"fast_path_threshold"`
}

type rawDecisionConfig struct {
	MaxProxied  int           `mapstructure:"max_proxied"`
	LLMTimeout  time.Duration `mapstructure:"llm_timeout"`
	DefaultMode string        `mapstructure:"default_mode"`
}

type rawScriptConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
	PoolMin int           `mapstructure:"pool_min"`
	PoolMax int           `mapstructure:"pool_max"`
	Workers int           `mapstructure:"workers"`
	DryRun  bool          `mapstructure:"dry_run"`
}

type rawPoolConfig struct {
	RetryAttempts int           `mapstructure:"retry_attempts"`
	RetryBase     time.Duration `mapstructure:"retry_base"`
	RetryMax      time.Duration `mapstructure:"retry_max"`
	DiscoveryTTL  time.Duration `mapstructure:"discovery_ttl"`
	CallTimeout   time.Duration `mapstructure:"call_timeout"`
	StartTimeout  time.Duration `mapstructure:"start_timeout"`
}

type rawLLMConfig struct {
	Provider  string        `mapstructure:"provider"`
	Model     string        `mapstructure:"model"`
	BaseURL   string        `mapstructure:"base_url"`
	APIKey    string        `mapstructure:"api_key"`
	APIKeyEnv string        `mapstructure:"api_key_env"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

type rawGatewayConfig struct {
	Name    string `mapstructure:"name"`
	Version string `mapstructure:"version"`
	Framing string `mapstructure:"framing"`
}

type rawObservabilityConfig struct {
	ListenAddress string `mapstructure:"listen_address"`
}

type rawHistoryConfig struct {
	Path       string `mapstructure:"path"`
	MaxRecords int    `mapstructure:"max_records"`
}

// rawServers is decoded with yaml.v3 directly: viper lowercases map keys and server names are case-sensitive.
type rawServers struct {
	Servers map[string]rawServerSpec `yaml:"servers"`
}

type rawServerSpec struct {
	Command     string            `yaml:"command"`
	Args        []string          `yaml:"args"`
	Env         map[string]string `yaml:"env"`
	Cwd         string            `yaml:"cwd"`
	Description string            `yaml:"description"`
	Category    string            `yaml:"category"`
	Enabled     *bool             `yaml:"enabled"`
	HealthCheck rawHealthCheck    `yaml:"health_check"`
}

type rawHealthCheck struct {
	Interval string `yaml:"interval"`
	Timeout  string `yaml:"timeout"`
}

// Load reads, expands and validates the config file at path.
func (l *Loader) Load(ctx context.Context, path string) (domain.Catalog, error) {
	if path == "" {
		return domain.Catalog{}, errors.New("config path is required")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return domain.Catalog{}, fmt.Errorf("read config: %w", err)
	}
	return l.Parse(ctx, data)
}

// Parse validates raw YAML config content.
func (l *Loader) Parse(ctx context.Context, data []byte) (domain.Catalog, error) {
	expanded, missing, err := expandConfigEnv(data)
	if err != nil {
		return domain.Catalog{}, err
	}
	if len(missing) > 0 {
		l.logger.Warn("missing environment variables in config", zap.Strings("missing", missing))
	}

	v := newCatalogViper()
	if err := v.ReadConfig(bytes.NewBufferString(expanded)); err != nil {
		return domain.Catalog{}, fmt.Errorf("parse config: %w", err)
	}

	var cfg rawCatalog
	if err := v.Unmarshal(&cfg); err != nil {
		return domain.Catalog{}, fmt.Errorf("decode config: %w", err)
	}

	var servers rawServers
	if err := yaml.Unmarshal([]byte(expanded), &servers); err != nil {
		return domain.Catalog{}, fmt.Errorf("decode servers: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return domain.Catalog{}, err
	}

	var validationErrors []string
	catalog := normalizeCatalog(cfg)
	validationErrors = append(validationErrors, validateCatalog(catalog)...)

	catalog.Servers = make(map[string]domain.ServerSpec, len(servers.Servers))
	for name, raw := range servers.Servers {
		spec, errs := normalizeServerSpec(name, raw)
		if len(errs) > 0 {
			validationErrors = append(validationErrors, errs...)
			continue
		}
		catalog.Servers[spec.Name] = spec
	}

	if len(validationErrors) > 0 {
		sort.Strings(validationErrors)
		return domain.Catalog{}, fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(validationErrors, "; "))
	}
	return catalog, nil
}

func normalizeCatalog(cfg rawCatalog) domain.Catalog {
	llm := domain.LLMConfig{
		Provider:  strings.ToLower(strings.TrimSpace(cfg.LLM.Provider)),
		Model:     strings.TrimSpace(cfg.LLM.Model),
		BaseURL:   strings.TrimSpace(cfg.LLM.BaseURL),
		APIKey:    strings.TrimSpace(cfg.LLM.APIKey),
		APIKeyEnv: strings.TrimSpace(cfg.LLM.APIKeyEnv),
		Timeout:   cfg.LLM.Timeout,
	}
	if llm.APIKey == "" && llm.APIKeyEnv != "" {
		llm.APIKey = os.Getenv(llm.APIKeyEnv)
	}

	return domain.Catalog{
		Registry: domain.RegistryConfig{
			TTL:           cfg.Registry.TTL,
			MaxDynamic:    cfg.Registry.MaxDynamic,
			SweepInterval: cfg.Registry.SweepInterval,
		},
		Index: domain.IndexConfig{
			TopN:              cfg.Index.TopN,
			MinSimilarity:     cfg.Index.MinSimilarity,
			TopK:              cfg.Index.TopK,
			ClusterThreshold:  cfg.Index.ClusterThreshold,
			Dimension:         cfg.Index.Dimension,
			FastPathThreshold: cfg.Index.FastPathThreshold,
		},
		Decision: domain.DecisionConfig{
			MaxProxied:  cfg.Decision.MaxProxied,
			LLMTimeout:  cfg.Decision.LLMTimeout,
			DefaultMode: domain.DecisionMode(strings.ToLower(strings.TrimSpace(cfg.Decision.DefaultMode))),
		},
		Script: domain.ScriptConfig{
			Timeout: cfg.Script.Timeout,
			PoolMin: cfg.Script.PoolMin,
			PoolMax: cfg.Script.PoolMax,
			Workers: cfg.Script.Workers,
			DryRun:  cfg.Script.DryRun,
		},
		Pool: domain.PoolConfig{
			RetryAttempts: cfg.Pool.RetryAttempts,
			RetryBase:     cfg.Pool.RetryBase,
			RetryMax:      cfg.Pool.RetryMax,
			DiscoveryTTL:  cfg.Pool.DiscoveryTTL,
			CallTimeout:   cfg.Pool.CallTimeout,
			StartTimeout:  cfg.Pool.StartTimeout,
		},
		LLM: llm,
		Gateway: domain.GatewayConfig{
			Name:    strings.TrimSpace(cfg.Gateway.Name),
			Version: strings.TrimSpace(cfg.Gateway.Version),
			Framing: domain.FramingMode(strings.ToLower(strings.TrimSpace(cfg.Gateway.Framing))),
		},
		Observability: domain.ObservabilityConfig{
			ListenAddress: strings.TrimSpace(cfg.Observability.ListenAddress),
		},
		History: domain.HistoryConfig{
			Path:       strings.TrimSpace(cfg.History.Path),
			MaxRecords: cfg.History.MaxRecords,
		},
	}
}

func validateCatalog(c domain.Catalog) []string {
	var errs []string
	if c.Registry.TTL <= 0 {
		errs = append(errs, "registry.ttl must be > 0")
	}
	if c.Registry.MaxDynamic < 0 {
		errs = append(errs, "registry.max_dynamic must be >= 0")
	}
	if c.Registry.SweepInterval <= 0 {
		errs = append(errs, "registry.sweep_interval must be > 0")
	}
	if c.Index.TopN < 1 {
		errs = append(errs, "index.top_n must be >= 1")
	}
	if c.Index.TopK < 1 {
		errs = append(errs, "index.top_k must be >= 1")
	}
	if c.Index.Dimension < 1 {
		errs = append(errs, "index.dimension must be >= 1")
	}
	for name, value := range map[string]float64{
		"index.min_similarity":      c.Index.MinSimilarity,
		"index.cluster_threshold":   c.Index.ClusterThreshold,
		"index.fast_path_threshold": c.Index.FastPathThreshold,
	} {
		if value < -1 || value > 1 {
			errs = append(errs, fmt.Sprintf("%s must be within [-1, 1]", name))
		}
	}
	if c.Decision.MaxProxied < 1 {
		errs = append(errs, "decision.max_proxied must be >= 1")
	}
	if c.Decision.LLMTimeout <= 0 {
		errs = append(errs, "decision.llm_timeout must be > 0")
	}
	switch c.Decision.DefaultMode {
	case domain.DecisionModeAuto, domain.DecisionModeLLM, domain.DecisionModeVector:
	default:
		errs = append(errs, "decision.default_mode must be auto, llm or vector")
	}
	if c.Script.Timeout <= 0 {
		errs = append(errs, "script.timeout must be > 0")
	}
	if c.Script.PoolMin < 0 || c.Script.PoolMax < 1 || c.Script.PoolMin > c.Script.PoolMax {
		errs = append(errs, "script.pool_min/pool_max must satisfy 0 <= pool_min <= pool_max and pool_max >= 1")
	}
	if c.Script.Workers < 1 {
		errs = append(errs, "script.workers must be >= 1")
	}
	if c.Pool.RetryAttempts < 1 {
		errs = append(errs, "pool.retry_attempts must be >= 1")
	}
	if c.Pool.RetryBase <= 0 || c.Pool.RetryMax < c.Pool.RetryBase {
		errs = append(errs, "pool.retry_base must be > 0 and <= pool.retry_max")
	}
	if c.Pool.CallTimeout <= 0 {
		errs = append(errs, "pool.call_timeout must be > 0")
	}
	if c.Pool.StartTimeout <= 0 {
		errs = append(errs, "pool.start_timeout must be > 0")
	}
	if c.Pool.DiscoveryTTL <= 0 {
		errs = append(errs, "pool.discovery_ttl must be > 0")
	}
	if c.LLM.Model != "" && c.LLM.Provider != "openai" {
		errs = append(errs, "llm.provider must be openai")
	}
	switch c.Gateway.Framing {
	case domain.FramingAuto, domain.FramingContentLength, domain.FramingNewline:
	default:
		errs = append(errs, "gateway.framing must be auto, content-length or newline")
	}
	if c.History.MaxRecords < 1 {
		errs = append(errs, "history.max_records must be >= 1")
	}
	return errs
}

func normalizeServerSpec(name string, raw rawServerSpec) (domain.ServerSpec, []string) {
	name = strings.TrimSpace(name)
	var errs []string
	if !serverNamePattern.MatchString(name) {
		errs = append(errs, fmt.Sprintf("servers.%s: name must match %s", name, serverNamePattern.String()))
	}
	if strings.Contains(name, "::") {
		errs = append(errs, fmt.Sprintf("servers.%s: name must not contain \"::\"", name))
	}

	spec := domain.ServerSpec{
		Name:        name,
		Command:     strings.TrimSpace(raw.Command),
		Args:        raw.Args,
		Env:         raw.Env,
		Cwd:         strings.TrimSpace(raw.Cwd),
		Description: strings.TrimSpace(raw.Description),
		Category:    strings.TrimSpace(raw.Category),
		Enabled:     true,
		HealthCheck: domain.HealthCheckConfig{
			Interval: domain.DefaultHealthInterval,
			Timeout:  domain.DefaultHealthTimeout,
		},
	}
	if raw.Enabled != nil {
		spec.Enabled = *raw.Enabled
	}
	if spec.Command == "" {
		errs = append(errs, fmt.Sprintf("servers.%s: command is required", name))
	}

	if raw.HealthCheck.Interval != "" {
		interval, err := parseDuration(raw.HealthCheck.Interval)
		if err != nil || interval <= 0 {
			errs = append(errs, fmt.Sprintf("servers.%s: health_check.interval must be a positive duration", name))
		}
		spec.HealthCheck.Interval = interval
	}
	if raw.HealthCheck.Timeout != "" {
		timeout, err := parseDuration(raw.HealthCheck.Timeout)
		if err != nil || timeout <= 0 {
			errs = append(errs, fmt.Sprintf("servers.%s: health_check.timeout must be a positive duration", name))
		}
		spec.HealthCheck.Timeout = timeout
	}
	return spec, errs
}

// parseDuration accepts Go duration strings and bare numbers of seconds.
func parseDuration(value string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if seconds, err := strconv.ParseFloat(value, 64); err == nil {
		return time.Duration(seconds * float64(time.Second)), nil
	}
	return time.ParseDuration(value)
}
