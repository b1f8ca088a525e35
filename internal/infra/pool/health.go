package pool

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"mcproute/internal/domain"
	"mcproute/internal/infra/telemetry"
)

// HealthCheckAll pings every backend concurrently and restarts unreachable ones.
func (p *Pool) HealthCheckAll(ctx context.Context) []domain.BackendStatus {
	p.checkBackends(ctx, p.snapshot())
	return p.Statuses()
}

// Run checks each backend whenever its own interval has elapsed, until ctx ends.
func (p *Pool) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.tickInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.checkBackends(ctx, p.dueBackends())
			ticker.Reset(p.tickInterval())
		}
	}
}

// tickInterval is the smallest configured health interval across backends.
func (p *Pool) tickInterval() time.Duration {
	interval := time.Duration(0)
	for _, b := range p.snapshot() {
		candidate := healthInterval(b.spec)
		if interval == 0 || candidate < interval {
			interval = candidate
		}
	}
	if interval == 0 {
		interval = domain.DefaultHealthInterval
	}
	return interval
}

func (p *Pool) dueBackends() []*backend {
	now := p.now()
	var due []*backend
	for _, b := range p.snapshot() {
		b.mu.Lock()
		last := b.lastCheck
		b.mu.Unlock()
		if now.Sub(last) >= healthInterval(b.spec) {
			due = append(due, b)
		}
	}
	return due
}

func (p *Pool) checkBackends(ctx context.Context, backends []*backend) {
	var wg sync.WaitGroup
	for _, b := range backends {
		wg.Add(1)
		go func(b *backend) {
			defer wg.Done()
			p.checkBackend(ctx, b)
		}(b)
	}
	wg.Wait()
}

func (p *Pool) checkBackend(ctx context.Context, b *backend) {
	prev := b.healthState()
	next, errMsg := p.probe(ctx, b)

	if next == domain.HealthUnreachable {
		// The process is gone or the connection dropped; try a fresh start.
		if err := p.start(ctx, b); err == nil {
			next, errMsg = domain.HealthHealthy, ""
		} else {
			errMsg = err.Error()
		}
	}

	b.setHealth(next, errMsg, p.now())
	p.metrics.SetBackendHealth(b.spec.Name, next)
	if prev != next {
		p.logger.Info("backend health changed",
			telemetry.EventField(telemetry.EventHealthChange),
			telemetry.ServerField(b.spec.Name),
			telemetry.HealthField(string(next)),
			zap.String("previous", string(prev)),
			zap.String("error", errMsg),
		)
	}
}

// probe classifies a backend without restarting it.
func (p *Pool) probe(ctx context.Context, b *backend) (domain.HealthState, string) {
	client := b.activeClient()
	if client == nil {
		return domain.HealthUnreachable, "connection closed"
	}
	pingCtx, cancel := context.WithTimeout(ctx, healthTimeout(b.spec))
	defer cancel()
	if err := client.Ping(pingCtx); err != nil {
		p.logger.Debug("backend ping failed",
			telemetry.EventField(telemetry.EventPingFailure),
			telemetry.ServerField(b.spec.Name),
			zap.Error(err),
		)
		if b.activeClient() == nil {
			return domain.HealthUnreachable, err.Error()
		}
		return domain.HealthDegraded, err.Error()
	}
	return domain.HealthHealthy, ""
}

func healthInterval(spec domain.ServerSpec) time.Duration {
	if spec.HealthCheck.Interval > 0 {
		return spec.HealthCheck.Interval
	}
	return domain.DefaultHealthInterval
}

func healthTimeout(spec domain.ServerSpec) time.Duration {
	if spec.HealthCheck.Timeout > 0 {
		return spec.HealthCheck.Timeout
	}
	return domain.DefaultHealthTimeout
}
