package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"mcproute/internal/domain"
	"mcproute/internal/infra/telemetry"
	"mcproute/internal/infra/transport"
)

const (
	opCallTool = "gateway.call_tool"

	methodListTools = "tools/list"
	methodCallTool  = "tools/call"
)

// Router selects or synthesizes tools for an intelligent_route request.
type Router interface {
	Route(ctx context.Context, req domain.RouteRequest) (domain.RouteResponse, error)
}

// Backends is the connection pool surface the facade calls into.
type Backends interface {
	domain.ToolCaller
	domain.DiscoverySource
}

type Options struct {
	Config   domain.GatewayConfig
	Registry domain.ToolRegistry
	Router   Router
	Backends Backends
	Scripts  domain.ScriptExecutor
	History  domain.HistoryRecorder
	Logger   *zap.Logger
	Now      func() time.Time
}

// Gateway is the client-facing MCP server. tools/list and tools/call never reach the
// SDK's own tool table: a receiving middleware answers both from the registry.
type Gateway struct {
	cfg      domain.GatewayConfig
	registry domain.ToolRegistry
	router   Router
	backends Backends
	scripts  domain.ScriptExecutor
	history  domain.HistoryRecorder
	logger   *zap.Logger
	now      func() time.Time
	server   *mcp.Server
}

func New(opts Options) *Gateway {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	cfg := opts.Config
	if cfg.Name == "" {
		cfg.Name = domain.DefaultGatewayName
	}
	if cfg.Version == "" {
		cfg.Version = domain.DefaultGatewayVersion
	}
	g := &Gateway{
		cfg:      cfg,
		registry: opts.Registry,
		router:   opts.Router,
		backends: opts.Backends,
		scripts:  opts.Scripts,
		history:  opts.History,
		logger:   logger.Named("gateway"),
		now:      now,
	}
	g.server = mcp.NewServer(&mcp.Implementation{
		Name:    cfg.Name,
		Version: cfg.Version,
	}, &mcp.ServerOptions{
		Capabilities: &mcp.ServerCapabilities{Tools: &mcp.ToolCapabilities{}},
	})
	g.server.AddReceivingMiddleware(g.intercept)
	return g
}

// Server exposes the underlying MCP server, mainly for in-memory connections in tests.
func (g *Gateway) Server() *mcp.Server {
	return g.server
}

// Run serves one client over t until the client disconnects or ctx ends.
func (g *Gateway) Run(ctx context.Context, t mcp.Transport) error {
	g.logger.Info("gateway starting", zap.String("name", g.cfg.Name), zap.String("version", g.cfg.Version))
	err := g.server.Run(ctx, t)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// RunStdio serves one client over a byte stream using the configured framing.
func (g *Gateway) RunStdio(ctx context.Context, in io.ReadCloser, out io.WriteCloser) error {
	return g.Run(ctx, &transport.FramedTransport{
		Reader: in,
		Writer: out,
		Mode:   g.cfg.Framing,
		Logger: g.logger,
	})
}

func (g *Gateway) intercept(next mcp.MethodHandler) mcp.MethodHandler {
	return func(ctx context.Context, method string, req mcp.Request) (mcp.Result, error) {
		switch method {
		case methodListTools:
			return &mcp.ListToolsResult{Tools: wireTools(g.registry.AllToolDefinitions(), g.logger)}, nil
		case methodCallTool:
			call, ok := req.(*mcp.CallToolRequest)
			if !ok || call.Params == nil {
				return next(ctx, method, req)
			}
			sessionID := ""
			if call.Session != nil {
				sessionID = call.Session.ID()
			}
			ctx, _ = telemetry.StartRequest(ctx, sessionID)
			return g.CallTool(ctx, call.Params.Name, call.Params.Arguments), nil
		default:
			return next(ctx, method, req)
		}
	}
}

// CallTool dispatches one tools/call. Failures are reported as tool-level errors, never
// as JSON-RPC errors, so the client model can read them.
func (g *Gateway) CallTool(ctx context.Context, name string, args json.RawMessage) *mcp.CallToolResult {
	switch name {
	case ToolIntelligentRoute:
		return g.intelligentRoute(ctx, args)
	case ToolExecuteTool:
		return g.executeTool(ctx, args)
	case ToolGetMethodSchema:
		return g.methodSchema(ctx, args)
	}

	resolved, err := g.registry.GetTool(name)
	if err != nil {
		return errorResult(err)
	}
	if resolved.Dynamic == nil {
		return errorResult(domain.E(domain.CodeToolNotFound, opCallTool, fmt.Sprintf("%s: %s", domain.ErrToolNotFound.Error(), name), domain.ErrToolNotFound))
	}
	return g.invokeDynamic(ctx, name, resolved.Dynamic, args)
}

func (g *Gateway) invokeDynamic(ctx context.Context, name string, tool domain.RegisteredTool, args json.RawMessage) *mcp.CallToolResult {
	started := g.now()
	var (
		result json.RawMessage
		err    error
	)
	switch t := tool.(type) {
	case domain.ProxiedTool:
		result, err = g.callBackend(ctx, t.Server, t.Method, args)
	case *domain.ProxiedTool:
		result, err = g.callBackend(ctx, t.Server, t.Method, args)
	case domain.ScriptTool:
		result, err = g.runScript(ctx, t, args)
	case *domain.ScriptTool:
		result, err = g.runScript(ctx, *t, args)
	default:
		err = domain.E(domain.CodeInternal, opCallTool, fmt.Sprintf("unsupported tool type %T", tool), nil)
	}
	duration := g.now().Sub(started)

	logger := telemetry.LoggerFor(ctx, g.logger)
	kind := domain.ToolKind(tool)
	if err != nil {
		logger.Warn("dynamic tool failed",
			telemetry.ToolField(name),
			zap.String("kind", kind),
			telemetry.DurationField(duration),
			zap.Error(err),
		)
	} else {
		logger.Debug("dynamic tool executed",
			telemetry.ToolField(name),
			zap.String("kind", kind),
			telemetry.DurationField(duration),
		)
	}
	g.recordExecution(ctx, name, kind, duration, err)

	if err != nil {
		return errorResult(err)
	}
	return rawResult(result)
}

func (g *Gateway) callBackend(ctx context.Context, server, method string, args json.RawMessage) (json.RawMessage, error) {
	if g.backends == nil {
		return nil, domain.E(domain.CodeServerUnavailable, opCallTool, "no backend pool configured", domain.ErrServerUnavailable)
	}
	return g.backends.CallTool(ctx, server, method, args)
}

func (g *Gateway) runScript(ctx context.Context, tool domain.ScriptTool, args json.RawMessage) (json.RawMessage, error) {
	if g.scripts == nil {
		return nil, domain.E(domain.CodeExecutionError, opCallTool, "no script engine configured", nil)
	}
	return g.scripts.Execute(ctx, tool, args)
}

func (g *Gateway) recordExecution(ctx context.Context, name, kind string, duration time.Duration, err error) {
	if g.history == nil {
		return
	}
	record := domain.ExecutionRecord{
		Tool:       name,
		Kind:       kind,
		Success:    err == nil,
		DurationMs: duration.Milliseconds(),
		RecordedAt: g.now(),
	}
	if err != nil {
		record.Error = err.Error()
		if code, ok := domain.CodeFrom(err); ok {
			record.ErrorCode = string(code)
		}
	}
	if recErr := g.history.RecordExecution(ctx, record); recErr != nil {
		telemetry.LoggerFor(ctx, g.logger).Warn("record execution history failed", zap.Error(recErr))
	}
}

func (g *Gateway) intelligentRoute(ctx context.Context, args json.RawMessage) *mcp.CallToolResult {
	var req domain.RouteRequest
	if err := decodeArguments(ToolIntelligentRoute, args, &req); err != nil {
		return errorResult(err)
	}
	if g.router == nil {
		return errorResult(domain.E(domain.CodeInternal, opCallTool, "routing is not configured", nil))
	}
	if req.SessionID != "" {
		ctx, _ = telemetry.StartRequest(ctx, req.SessionID)
	}
	resp, err := g.router.Route(ctx, req)
	if err != nil {
		code, _ := domain.CodeFrom(err)
		if code == domain.CodeNoSuitableTool {
			// The structured response still tells the client what was searched.
			return jsonResult(resp, true)
		}
		return errorResult(err)
	}
	return jsonResult(resp, false)
}

func (g *Gateway) executeTool(ctx context.Context, args json.RawMessage) *mcp.CallToolResult {
	var req domain.ExecuteToolRequest
	if err := decodeArguments(ToolExecuteTool, args, &req); err != nil {
		return errorResult(err)
	}
	payload, err := json.Marshal(req.Arguments)
	if err != nil {
		return errorResult(domain.E(domain.CodeMalformedRequest, opCallTool, "encode arguments", err))
	}
	if req.Arguments == nil {
		payload = nil
	}

	started := g.now()
	result, err := g.callBackend(ctx, req.Server, req.Tool, payload)
	duration := g.now().Sub(started)
	g.recordExecution(ctx, domain.QualifyTool(req.Server, req.Tool), domain.ToolKindProxied, duration, err)

	resp := domain.ExecuteToolResponse{
		Success:    err == nil,
		Result:     result,
		DurationMs: duration.Milliseconds(),
	}
	if err != nil {
		resp.Error = err.Error()
		return jsonResult(resp, true)
	}
	return jsonResult(resp, false)
}

func (g *Gateway) methodSchema(ctx context.Context, args json.RawMessage) *mcp.CallToolResult {
	var req domain.MethodSchemaRequest
	if err := decodeArguments(ToolGetMethodSchema, args, &req); err != nil {
		return errorResult(err)
	}
	if g.backends == nil {
		return errorResult(domain.E(domain.CodeServerUnavailable, opCallTool, "no backend pool configured", domain.ErrServerUnavailable))
	}
	discovery := g.backends.Discovery(ctx)
	tool, ok := discovery.Lookup(req.Server, req.Tool)
	if !ok {
		return errorResult(domain.E(domain.CodeMethodNotFound, opCallTool, fmt.Sprintf("%s: %s", domain.ErrMethodNotFound.Error(), domain.QualifyTool(req.Server, req.Tool)), domain.ErrMethodNotFound))
	}
	schema := tool.InputSchema
	if len(schema) == 0 || string(schema) == "null" {
		schema = json.RawMessage(`{"type":"object","properties":{}}`)
	}
	return jsonResult(domain.MethodSchemaResponse{
		Server:      tool.Server,
		Tool:        tool.Name,
		Description: tool.Description,
		InputSchema: schema,
	}, false)
}
