package app

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"mcproute/internal/domain"
	"mcproute/internal/infra/catalog"
	"mcproute/internal/infra/decision"
	"mcproute/internal/infra/embedding"
	"mcproute/internal/infra/gateway"
	"mcproute/internal/infra/history"
	"mcproute/internal/infra/index"
	"mcproute/internal/infra/llm"
	"mcproute/internal/infra/pool"
	"mcproute/internal/infra/registry"
	"mcproute/internal/infra/script"
	"mcproute/internal/infra/telemetry"
	"mcproute/internal/infra/transport"
)

const poolShutdownTimeout = 10 * time.Second

func NewMetricsRegistry() *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	registry.MustRegister(collectors.NewGoCollector())
	return registry
}

func NewMetrics(registry *prometheus.Registry) domain.Metrics {
	return telemetry.NewPrometheusMetrics(registry)
}

func NewHealthTracker() *telemetry.HealthTracker {
	return telemetry.NewHealthTracker()
}

func NewCatalogLoader(logger *zap.Logger) *catalog.Loader {
	return catalog.NewLoader(logger)
}

// LoadCatalog reads the config named by the serve command.
func LoadCatalog(ctx context.Context, cfg ServeConfig, loader *catalog.Loader) (domain.Catalog, error) {
	return loader.Load(ctx, cfg.ConfigPath)
}

func NewDialer(logger *zap.Logger) transport.Dialer {
	return transport.NewStdioDialer(logger)
}

// NewPool builds the backend pool. Backends are started later by Application.Run.
func NewPool(dialer transport.Dialer, cfg domain.PoolConfig, gw domain.GatewayConfig, metrics domain.Metrics, logger *zap.Logger) (*pool.Pool, func()) {
	p := pool.New(pool.Options{
		Dialer:        dialer,
		Config:        cfg,
		ClientName:    gw.Name,
		ClientVersion: gw.Version,
		Metrics:       metrics,
		Logger:        logger,
	})
	cleanup := func() {
		ctx, cancel := context.WithTimeout(context.Background(), poolShutdownTimeout)
		defer cancel()
		if err := p.Close(ctx); err != nil {
			logger.Warn("backend pool shutdown failed", zap.Error(err))
		}
	}
	return p, cleanup
}

// NewEmbedder returns the local feature-hashing embedder at the configured dimension.
func NewEmbedder(cfg domain.IndexConfig) domain.Embedder {
	dim := cfg.Dimension
	if dim <= 0 {
		dim = domain.DefaultEmbedDimension
	}
	return embedding.NewAdapter(embedding.NewHashingEmbedder(dim), dim)
}

func NewIndex(cfg domain.IndexConfig, logger *zap.Logger) *index.Index {
	return index.New(cfg, logger)
}

func NewRegistry(cfg domain.RegistryConfig, metrics domain.Metrics, logger *zap.Logger) *registry.Registry {
	return registry.New(registry.Options{
		Config:  cfg,
		Metrics: metrics,
		Logger:  logger,
	})
}

func NewScriptEngine(cfg domain.ScriptConfig, caller domain.ToolCaller, metrics domain.Metrics, logger *zap.Logger) (*script.Engine, func(), error) {
	engine, err := script.NewEngine(script.Options{
		Config:  cfg,
		Caller:  caller,
		Metrics: metrics,
		Logger:  logger,
	})
	if err != nil {
		return nil, nil, err
	}
	return engine, engine.Close, nil
}

func NewScriptValidator(logger *zap.Logger) *script.Validator {
	return script.NewValidator(logger)
}

// NewCompleter returns nil when no model is configured so routing stays on vector search.
func NewCompleter(ctx context.Context, cfg domain.LLMConfig, metrics domain.Metrics, logger *zap.Logger) (domain.Completer, error) {
	completer, err := llm.New(ctx, cfg, metrics, logger)
	if err != nil {
		return nil, err
	}
	if completer == nil {
		logger.Info("llm not configured; routing uses vector search only")
		return nil, nil
	}
	return completer, nil
}

// NewHistory opens the history store. A store that cannot be opened, usually because another
// gateway instance holds the file lock, disables history instead of failing startup.
func NewHistory(cfg domain.HistoryConfig, logger *zap.Logger) (domain.HistoryRecorder, func()) {
	path := cfg.Path
	if path == "" {
		path = history.ResolveDefaultPath()
	}
	store, err := history.OpenStore(path, cfg.MaxRecords, logger)
	if err != nil {
		logger.Warn("history disabled", zap.String("path", path), zap.Error(err))
		return nil, func() {}
	}
	cleanup := func() {
		if err := store.Close(); err != nil {
			logger.Warn("history close failed", zap.Error(err))
		}
	}
	return store, cleanup
}

func NewDecisionEngine(
	cfg domain.DecisionConfig,
	idx *index.Index,
	embedder domain.Embedder,
	backends *pool.Pool,
	reg *registry.Registry,
	completer domain.Completer,
	validator *script.Validator,
	scripts *script.Engine,
	recorder domain.HistoryRecorder,
	metrics domain.Metrics,
	logger *zap.Logger,
) *decision.Engine {
	return decision.New(decision.Options{
		Config:    cfg,
		Index:     idx,
		Embedder:  embedder,
		Discovery: backends,
		Registry:  reg,
		Caller:    backends,
		Completer: completer,
		Validator: validator,
		DryRunner: scripts,
		History:   recorder,
		Metrics:   metrics,
		Logger:    logger,
	})
}

func NewGateway(
	cfg domain.GatewayConfig,
	reg *registry.Registry,
	router *decision.Engine,
	backends *pool.Pool,
	scripts *script.Engine,
	recorder domain.HistoryRecorder,
	logger *zap.Logger,
) *gateway.Gateway {
	return gateway.New(gateway.Options{
		Config:   cfg,
		Registry: reg,
		Router:   router,
		Backends: backends,
		Scripts:  scripts,
		History:  recorder,
		Logger:   logger,
	})
}
