package pool

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"mcproute/internal/domain"
	"mcproute/internal/infra/telemetry"
	"mcproute/internal/infra/transport"
)

const opCallTool = "pool.call_tool"

// CallTool invokes method on server and returns the decoded result value. Only
// SERVER_UNAVAILABLE and TIMEOUT failures are retried, with doubling backoff.
func (p *Pool) CallTool(ctx context.Context, server, method string, args json.RawMessage) (json.RawMessage, error) {
	args, err := normalizeArgs(args)
	if err != nil {
		return nil, err
	}
	b, ok := p.lookup(server)
	if !ok {
		unknown := domain.E(domain.CodeServerUnavailable, opCallTool, "", fmt.Errorf("%w: %s", domain.ErrUnknownServer, server))
		unknown.Retryable = false
		return nil, unknown
	}

	started := time.Now()
	delay := newBackoff(p.cfg.RetryBase, p.cfg.RetryMax)
	var result json.RawMessage
	for attempt := 1; ; attempt++ {
		result, err = p.callOnce(ctx, b, method, args)
		if err == nil || !domain.IsRetryable(err) || attempt >= p.cfg.RetryAttempts {
			break
		}
		p.logger.Info("retrying backend call",
			telemetry.EventField(telemetry.EventCallRetry),
			telemetry.ServerField(server),
			telemetry.ToolField(method),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if !delay.Sleep(ctx) {
			err = domain.E(domain.CodeTimeout, opCallTool, "", ctx.Err())
			break
		}
	}

	p.metrics.ObserveBackendCall(server, time.Since(started), err)
	if err != nil {
		p.logger.Warn("backend call failed",
			telemetry.EventField(telemetry.EventCallFailure),
			telemetry.ServerField(server),
			telemetry.ToolField(method),
			telemetry.DurationField(time.Since(started)),
			zap.Error(err),
		)
		return nil, err
	}
	return result, nil
}

func (p *Pool) callOnce(ctx context.Context, b *backend, method string, args json.RawMessage) (json.RawMessage, error) {
	client := b.activeClient()
	if client == nil {
		if err := p.start(ctx, b); err != nil {
			return nil, err
		}
		client = b.activeClient()
		if client == nil {
			return nil, domain.E(domain.CodeServerUnavailable, opCallTool, "", domain.ErrServerUnavailable)
		}
	}
	if b.knowsToolMissing(method) {
		return nil, domain.E(domain.CodeMethodNotFound, opCallTool, fmt.Sprintf("%s::%s", b.spec.Name, method), domain.ErrMethodNotFound)
	}

	callCtx, cancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
	defer cancel()

	out, err := client.CallTool(callCtx, method, args)
	if err != nil {
		return nil, p.classify(ctx, b, method, err)
	}
	if out.IsError {
		msg := out.Text
		if msg == "" {
			msg = "tool reported an error"
		}
		return nil, domain.E(domain.CodeProtocolError, opCallTool, msg, nil)
	}
	return out.Value, nil
}

// classify maps a transport failure onto the backend error taxonomy.
func (p *Pool) classify(ctx context.Context, b *backend, method string, err error) error {
	switch {
	case ctx.Err() != nil:
		timeout := domain.E(domain.CodeTimeout, opCallTool, "", ctx.Err())
		timeout.Retryable = false
		return timeout
	case errors.Is(err, context.DeadlineExceeded):
		return domain.E(domain.CodeTimeout, opCallTool, fmt.Sprintf("%s::%s timed out", b.spec.Name, method), err)
	case errors.Is(err, domain.ErrConnectionClosed):
		b.setHealth(domain.HealthUnreachable, err.Error(), p.now())
		p.metrics.SetBackendHealth(b.spec.Name, domain.HealthUnreachable)
		return domain.E(domain.CodeServerUnavailable, opCallTool, "", err)
	case transport.IsMethodNotFound(err):
		return domain.E(domain.CodeMethodNotFound, opCallTool, "", errors.Join(domain.ErrMethodNotFound, err))
	}
	if msg, ok := transport.RPCErrorMessage(err); ok {
		if strings.Contains(strings.ToLower(msg), "unknown tool") {
			return domain.E(domain.CodeMethodNotFound, opCallTool, msg, errors.Join(domain.ErrMethodNotFound, err))
		}
		return domain.E(domain.CodeProtocolError, opCallTool, msg, err)
	}
	return domain.E(domain.CodeProtocolError, opCallTool, "", err)
}

// knowsToolMissing reports whether a fresh discovery list exists and lacks method.
func (b *backend) knowsToolMissing(method string) bool {
	if b.stale.Load() {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.tools) == 0 {
		return false
	}
	for _, tool := range b.tools {
		if tool.Name == method {
			return false
		}
	}
	return true
}

// normalizeArgs accepts a JSON object or null. Anything else is malformed.
func normalizeArgs(args json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(args)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	if trimmed[0] != '{' || !json.Valid(trimmed) {
		return nil, domain.E(domain.CodeMalformedRequest, opCallTool, "arguments must be a JSON object or null", domain.ErrMalformedRequest)
	}
	return trimmed, nil
}
