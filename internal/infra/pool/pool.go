package pool

import (
	"context"
	"errors"
	"reflect"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"mcproute/internal/domain"
	"mcproute/internal/infra/telemetry"
	"mcproute/internal/infra/transport"
)

// Options configures a Pool.
type Options struct {
	Dialer        transport.Dialer
	Config        domain.PoolConfig
	ClientName    string
	ClientVersion string
	Metrics       domain.Metrics
	Logger        *zap.Logger
	Now           func() time.Time
}

// Pool owns the backend server connections. Each backend guards its own state, so a
// slow or dead server never blocks calls to the others.
type Pool struct {
	dialer        transport.Dialer
	cfg           domain.PoolConfig
	clientName    string
	clientVersion string
	metrics       domain.Metrics
	logger        *zap.Logger
	now           func() time.Time

	mu       sync.RWMutex
	backends map[string]*backend
}

func New(opts Options) *Pool {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = domain.NoopMetrics{}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = transport.NewStdioDialer(logger)
	}
	clientName := opts.ClientName
	if clientName == "" {
		clientName = domain.DefaultGatewayName
	}
	clientVersion := opts.ClientVersion
	if clientVersion == "" {
		clientVersion = domain.DefaultGatewayVersion
	}
	return &Pool{
		dialer:        dialer,
		cfg:           normalizeConfig(opts.Config),
		clientName:    clientName,
		clientVersion: clientVersion,
		metrics:       metrics,
		logger:        logger.Named("pool"),
		now:           now,
		backends:      make(map[string]*backend),
	}
}

func normalizeConfig(cfg domain.PoolConfig) domain.PoolConfig {
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = domain.DefaultRetryAttempts
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = domain.DefaultRetryBase
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = domain.DefaultRetryMax
	}
	if cfg.DiscoveryTTL <= 0 {
		cfg.DiscoveryTTL = domain.DefaultDiscoveryTTL
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = domain.DefaultCallTimeout
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = domain.DefaultStartTimeout
	}
	return cfg
}

// WarmUp brings the pool in line with catalog. Enabled servers are started concurrently;
// a failing server is left unreachable for the health loop to retry. Servers that were
// removed, disabled or changed since the last warm-up are stopped first.
func (p *Pool) WarmUp(ctx context.Context, catalog domain.Catalog) {
	desired := make(map[string]domain.ServerSpec)
	for _, spec := range catalog.EnabledServers() {
		desired[spec.Name] = spec
	}

	p.mu.Lock()
	var retired []*backend
	for name, b := range p.backends {
		spec, keep := desired[name]
		if keep && reflect.DeepEqual(spec, b.spec) {
			continue
		}
		retired = append(retired, b)
		delete(p.backends, name)
	}
	var pending []*backend
	for name, spec := range desired {
		if _, ok := p.backends[name]; ok {
			continue
		}
		b := newBackend(spec)
		p.backends[name] = b
		pending = append(pending, b)
	}
	p.mu.Unlock()

	for _, b := range retired {
		p.stopBackend(ctx, b)
	}

	var wg sync.WaitGroup
	for _, b := range pending {
		wg.Add(1)
		go func(b *backend) {
			defer wg.Done()
			_ = p.start(ctx, b)
		}(b)
	}
	wg.Wait()
}

// Statuses reports every backend in name order.
func (p *Pool) Statuses() []domain.BackendStatus {
	backends := p.snapshot()
	out := make([]domain.BackendStatus, 0, len(backends))
	for _, b := range backends {
		out = append(out, b.status())
	}
	return out
}

// Close stops every backend process.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	backends := make([]*backend, 0, len(p.backends))
	for _, b := range p.backends {
		backends = append(backends, b)
	}
	p.backends = make(map[string]*backend)
	p.mu.Unlock()

	var errs []error
	for _, b := range backends {
		if err := p.stopBackend(ctx, b); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *Pool) lookup(server string) (*backend, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	b, ok := p.backends[server]
	return b, ok
}

func (p *Pool) snapshot() []*backend {
	p.mu.RLock()
	out := make([]*backend, 0, len(p.backends))
	for _, b := range p.backends {
		out = append(out, b)
	}
	p.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].spec.Name < out[j].spec.Name })
	return out
}

func (p *Pool) stopBackend(ctx context.Context, b *backend) error {
	started := time.Now()
	err := b.shutdown(ctx)
	if err != nil {
		p.logger.Warn("backend stop failed",
			telemetry.EventField(telemetry.EventStopFailure),
			telemetry.ServerField(b.spec.Name),
			telemetry.DurationField(time.Since(started)),
			zap.Error(err),
		)
		return err
	}
	p.logger.Info("backend stopped",
		telemetry.EventField(telemetry.EventStopSuccess),
		telemetry.ServerField(b.spec.Name),
		telemetry.DurationField(time.Since(started)),
	)
	return nil
}
