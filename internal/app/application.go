package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"mcproute/internal/domain"
	"mcproute/internal/infra/catalog"
	"mcproute/internal/infra/gateway"
	"mcproute/internal/infra/index"
	"mcproute/internal/infra/pool"
	"mcproute/internal/infra/registry"
	"mcproute/internal/infra/telemetry"
)

const healthPublishInterval = 5 * time.Second

// Application wires the gateway runtime and its background loops.
type Application struct {
	ctx        context.Context
	configPath string
	watch      bool

	logger   *zap.Logger
	metrics  domain.Metrics
	gatherer *prometheus.Registry
	health   *telemetry.HealthTracker
	loader   *catalog.Loader
	catalog  domain.Catalog
	pool     *pool.Pool
	index    *index.Index
	embedder domain.Embedder
	registry *registry.Registry
	gateway  *gateway.Gateway

	refreshMu sync.Mutex
}

// ApplicationOptions captures dependencies and settings for Application.
type ApplicationOptions struct {
	Context     context.Context
	ServeConfig ServeConfig
	Logger      *zap.Logger
	Metrics     domain.Metrics
	Gatherer    *prometheus.Registry
	Health      *telemetry.HealthTracker
	Loader      *catalog.Loader
	Catalog     domain.Catalog
	Pool        *pool.Pool
	Index       *index.Index
	Embedder    domain.Embedder
	Registry    *registry.Registry
	Gateway     *gateway.Gateway
}

// NewApplication constructs the gateway runtime.
func NewApplication(opts ApplicationOptions) *Application {
	ctx := opts.Context
	if ctx == nil {
		ctx = context.Background()
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = domain.NoopMetrics{}
	}
	return &Application{
		ctx:        ctx,
		configPath: opts.ServeConfig.ConfigPath,
		watch:      !opts.ServeConfig.NoWatch,
		logger:     logger,
		metrics:    metrics,
		gatherer:   opts.Gatherer,
		health:     opts.Health,
		loader:     opts.Loader,
		catalog:    opts.Catalog,
		pool:       opts.Pool,
		index:      opts.Index,
		embedder:   opts.Embedder,
		registry:   opts.Registry,
		gateway:    opts.Gateway,
	}
}

// Run starts backends and background loops, then serves one client over in/out until the
// client disconnects or the context ends.
func (a *Application) Run(in io.ReadCloser, out io.WriteCloser) error {
	ctx, cancel := context.WithCancel(a.ctx)
	defer cancel()

	a.logger.Info("configuration loaded",
		zap.String("config", a.configPath),
		zap.Int("servers", len(a.catalog.Servers)),
	)
	if err := a.refresh(ctx, a.catalog); err != nil {
		return err
	}

	var wg sync.WaitGroup
	a.spawn(ctx, &wg, "registry sweep", a.registry.Run)
	a.spawn(ctx, &wg, "backend health", a.pool.Run)
	a.spawn(ctx, &wg, "health publisher", a.publishHealth)
	a.spawn(ctx, &wg, "observability server", func(ctx context.Context) error {
		return telemetry.StartHTTPServer(ctx, telemetry.HTTPServerOptions{
			Addr:     a.catalog.Observability.ListenAddress,
			Health:   a.health,
			Registry: a.gatherer,
			Stats:    a.registry.Stats,
		}, a.logger)
	})
	if a.watch && a.configPath != "" {
		watcher := catalog.NewWatcher(a.configPath, a.loader, a.onReload, a.logger)
		a.spawn(ctx, &wg, "config watcher", watcher.Run)
	}

	err := a.gateway.RunStdio(ctx, in, out)
	cancel()
	wg.Wait()
	a.logger.Info("gateway stopped")
	return err
}

func (a *Application) spawn(ctx context.Context, wg *sync.WaitGroup, name string, fn func(context.Context) error) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Warn("background task stopped", zap.String("task", name), zap.Error(err))
		}
	}()
}

// refresh warms the pool against cfg, then rebuilds the index and the base tools from the
// resulting discovery snapshot.
func (a *Application) refresh(ctx context.Context, cfg domain.Catalog) error {
	a.refreshMu.Lock()
	defer a.refreshMu.Unlock()

	a.pool.WarmUp(ctx, cfg)
	discovery := a.pool.Discovery(ctx)
	if err := index.Rebuild(ctx, a.index, a.embedder, discovery); err != nil {
		return fmt.Errorf("rebuild index: %w", err)
	}
	base, err := gateway.BaseTools(discovery)
	if err != nil {
		return fmt.Errorf("build base tools: %w", err)
	}
	a.registry.ReplaceBase(base)
	a.health.Update(a.pool.Statuses())

	tools := 0
	for _, server := range discovery.Servers {
		tools += len(server.Tools)
	}
	a.logger.Info("backends ready",
		telemetry.EventField(telemetry.EventReload),
		zap.Int("servers", len(discovery.Servers)),
		zap.Int("tools", tools),
	)
	return nil
}

func (a *Application) onReload(ctx context.Context, cfg domain.Catalog) {
	started := time.Now()
	err := a.refresh(ctx, cfg)
	a.metrics.ObserveReload(time.Since(started), err)
	if err != nil {
		a.logger.Warn("reload failed", zap.Error(err))
		return
	}
	a.logger.Info("reload applied", telemetry.DurationField(time.Since(started)))
}

func (a *Application) publishHealth(ctx context.Context) error {
	ticker := time.NewTicker(healthPublishInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			a.health.Update(a.pool.Statuses())
		}
	}
}
