package pool

import (
	"context"

	"go.uber.org/zap"

	"mcproute/internal/domain"
	"mcproute/internal/infra/telemetry"
)

// Discovery returns the current tool snapshot. Tool lists older than the discovery TTL,
// or flagged by a list_changed notification, are refreshed first.
func (p *Pool) Discovery(ctx context.Context) domain.Discovery {
	backends := p.snapshot()
	out := domain.Discovery{Servers: make([]domain.ServerDiscovery, 0, len(backends))}
	for _, b := range backends {
		if p.needsRefresh(b) {
			p.refreshTools(ctx, b)
		}
		b.mu.Lock()
		reachable := b.health != domain.HealthUnreachable
		tools := append([]domain.BackendTool(nil), b.tools...)
		b.mu.Unlock()
		if !reachable {
			continue
		}
		out.Servers = append(out.Servers, domain.ServerDiscovery{
			Server:      b.spec.Name,
			Description: b.spec.Description,
			Category:    b.spec.Category,
			Tools:       tools,
		})
	}
	return out
}

func (p *Pool) needsRefresh(b *backend) bool {
	if b.stale.Load() {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.client != nil && p.now().Sub(b.discoveredAt) >= p.cfg.DiscoveryTTL
}

func (p *Pool) refreshTools(ctx context.Context, b *backend) {
	client := b.activeClient()
	if client == nil {
		return
	}
	listCtx, cancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
	defer cancel()

	b.stale.Store(false)
	tools, err := client.ListTools(listCtx, b.spec.Name)
	if err != nil {
		b.stale.Store(true)
		p.logger.Warn("tool discovery refresh failed",
			telemetry.EventField(telemetry.EventDiscovery),
			telemetry.ServerField(b.spec.Name),
			zap.Error(err),
		)
		return
	}
	b.mu.Lock()
	b.tools = tools
	b.discoveredAt = p.now()
	b.mu.Unlock()
	p.logger.Debug("tool discovery refreshed",
		telemetry.EventField(telemetry.EventDiscovery),
		telemetry.ServerField(b.spec.Name),
		zap.Int("tools", len(tools)),
	)
}
