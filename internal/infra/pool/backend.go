package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"mcproute/internal/domain"
	"mcproute/internal/infra/telemetry"
	"mcproute/internal/infra/transport"
)

// backend is one configured server. mu guards the fields below it and is never held
// across network I/O; startMu serializes (re)starts.
type backend struct {
	spec    domain.ServerSpec
	stale   atomic.Bool
	startMu sync.Mutex

	mu           sync.Mutex
	client       *transport.Client
	stop         transport.StopFunc
	health       domain.HealthState
	tools        []domain.BackendTool
	discoveredAt time.Time
	lastCheck    time.Time
	lastError    string
	startedAt    time.Time
	restarts     int
	everStarted  bool
}

func newBackend(spec domain.ServerSpec) *backend {
	return &backend{spec: spec, health: domain.HealthUnreachable}
}

func (b *backend) markStale() {
	b.stale.Store(true)
}

// activeClient returns the live client, or nil when the connection is gone.
func (b *backend) activeClient() *transport.Client {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client == nil {
		return nil
	}
	select {
	case <-b.client.Done():
		return nil
	default:
		return b.client
	}
}

func (b *backend) setHealth(state domain.HealthState, lastErr string, now time.Time) domain.HealthState {
	b.mu.Lock()
	defer b.mu.Unlock()
	prev := b.health
	b.health = state
	b.lastError = lastErr
	b.lastCheck = now
	return prev
}

func (b *backend) healthState() domain.HealthState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.health
}

func (b *backend) status() domain.BackendStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return domain.BackendStatus{
		Server:      b.spec.Name,
		Health:      b.health,
		ToolCount:   len(b.tools),
		LastCheck:   b.lastCheck,
		LastError:   b.lastError,
		StartedAt:   b.startedAt,
		Restarts:    b.restarts,
		Description: b.spec.Description,
	}
}

// shutdown detaches and closes the current connection, then stops the process.
func (b *backend) shutdown(ctx context.Context) error {
	b.mu.Lock()
	client, stop := b.client, b.stop
	b.client, b.stop = nil, nil
	b.health = domain.HealthUnreachable
	b.mu.Unlock()

	if client != nil {
		_ = client.Close()
	}
	if stop == nil {
		return nil
	}
	if err := stop(ctx); err != nil {
		return fmt.Errorf("stop %s: %w", b.spec.Name, err)
	}
	return nil
}

// start dials, initializes and discovers a backend. A running backend is left alone.
func (p *Pool) start(ctx context.Context, b *backend) error {
	b.startMu.Lock()
	defer b.startMu.Unlock()

	if b.activeClient() != nil {
		return nil
	}
	if err := b.shutdown(ctx); err != nil {
		p.logger.Debug("cleanup before restart failed", telemetry.ServerField(b.spec.Name), zap.Error(err))
	}

	started := time.Now()
	p.logger.Info("starting backend",
		telemetry.EventField(telemetry.EventStartAttempt),
		telemetry.ServerField(b.spec.Name),
	)

	startCtx, cancel := context.WithTimeout(ctx, p.cfg.StartTimeout)
	defer cancel()

	conn, stop, err := p.dialer.Dial(startCtx, b.spec)
	if err != nil {
		return p.startFailed(b, telemetry.EventStartFailure, err, started)
	}
	client := transport.NewClient(conn, transport.ClientOptions{
		Logger:         p.logger.Named("conn").With(telemetry.ServerField(b.spec.Name)),
		Server:         b.spec.Name,
		OnToolsChanged: b.markStale,
	})
	abandon := func() {
		_ = client.Close()
		if stop != nil {
			_ = stop(ctx)
		}
	}

	if _, err := client.Initialize(startCtx, p.clientName, p.clientVersion); err != nil {
		abandon()
		return p.startFailed(b, telemetry.EventInitializeFailure, err, started)
	}
	tools, err := client.ListTools(startCtx, b.spec.Name)
	if err != nil {
		abandon()
		return p.startFailed(b, telemetry.EventStartFailure, err, started)
	}

	now := p.now()
	b.mu.Lock()
	b.client, b.stop = client, stop
	if b.everStarted {
		b.restarts++
	}
	b.everStarted = true
	b.tools = tools
	b.discoveredAt = now
	b.startedAt = now
	b.lastCheck = now
	b.lastError = ""
	b.health = domain.HealthHealthy
	b.mu.Unlock()
	b.stale.Store(false)

	p.metrics.SetBackendHealth(b.spec.Name, domain.HealthHealthy)
	p.logger.Info("backend started",
		telemetry.EventField(telemetry.EventStartSuccess),
		telemetry.ServerField(b.spec.Name),
		telemetry.DurationField(time.Since(started)),
		zap.Int("tools", len(tools)),
	)
	return nil
}

func (p *Pool) startFailed(b *backend, event string, err error, started time.Time) error {
	b.setHealth(domain.HealthUnreachable, err.Error(), p.now())
	p.metrics.SetBackendHealth(b.spec.Name, domain.HealthUnreachable)
	p.logger.Warn("backend start failed",
		telemetry.EventField(event),
		telemetry.ServerField(b.spec.Name),
		telemetry.DurationField(time.Since(started)),
		zap.Error(err),
	)
	return domain.E(domain.CodeServerUnavailable, "pool.start", "", err)
}
