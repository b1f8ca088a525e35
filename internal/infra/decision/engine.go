package decision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mcproute/internal/domain"
	"mcproute/internal/infra/script"
	"mcproute/internal/infra/telemetry"
)

const (
	opRoute = "decision.route"

	maxWorkflowRenames = 3
)

// Searcher is the slice of the vector index the engine needs.
type Searcher interface {
	Config() domain.IndexConfig
	SearchTools(query []float32, topN int, minSimilarity float64) ([]domain.SearchHit, error)
	SearchMethods(query []float32, toolFilter []string, topK int, clusterThreshold float64) ([]domain.SearchHit, error)
}

// DryRunner replays a workflow against mocked bridges before it is registered.
type DryRunner interface {
	DryRunEnabled() bool
	DryRun(ctx context.Context, tool domain.ScriptTool) error
}

type Options struct {
	Config    domain.DecisionConfig
	Index     Searcher
	Embedder  domain.Embedder
	Discovery domain.DiscoverySource
	Registry  domain.ToolRegistry
	Caller    domain.ToolCaller
	// Completer is nil when no LLM is configured; routing then always uses vector search.
	Completer domain.Completer
	Validator domain.ScriptValidator
	DryRunner DryRunner
	History   domain.HistoryRecorder
	Metrics   domain.Metrics
	Logger    *zap.Logger
	Now       func() time.Time
}

// Engine turns an intelligent_route request into registered tools.
type Engine struct {
	cfg       domain.DecisionConfig
	index     Searcher
	embedder  domain.Embedder
	discovery domain.DiscoverySource
	registry  domain.ToolRegistry
	caller    domain.ToolCaller
	completer domain.Completer
	validator domain.ScriptValidator
	dryRunner DryRunner
	history   domain.HistoryRecorder
	metrics   domain.Metrics
	logger    *zap.Logger
	now       func() time.Time
}

func New(opts Options) *Engine {
	cfg := opts.Config
	if cfg.MaxProxied <= 0 {
		cfg.MaxProxied = domain.DefaultMaxProxied
	}
	if cfg.LLMTimeout <= 0 {
		cfg.LLMTimeout = domain.DefaultLLMTimeout
	}
	if cfg.DefaultMode == "" {
		cfg.DefaultMode = domain.DecisionModeAuto
	}
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
	return &Engine{
		cfg:       cfg,
		index:     opts.Index,
		embedder:  opts.Embedder,
		discovery: opts.Discovery,
		registry:  opts.Registry,
		caller:    opts.Caller,
		completer: opts.Completer,
		validator: opts.Validator,
		dryRunner: opts.DryRunner,
		history:   opts.History,
		metrics:   metrics,
		logger:    logger.Named("decision"),
		now:       now,
	}
}

// LLMConfigured reports whether the planning path is available.
func (e *Engine) LLMConfigured() bool {
	return e.completer != nil
}

type routeState int

const (
	stateStart routeState = iota
	stateTryLLM
	stateGenerateCode
	stateVectorMode
	stateDone
)

func (s routeState) String() string {
	switch s {
	case stateStart:
		return "start"
	case stateTryLLM:
		return "try_llm"
	case stateGenerateCode:
		return "generate_code"
	case stateVectorMode:
		return "vector_mode"
	case stateDone:
		return "done"
	default:
		return "unknown"
	}
}

// route carries one intelligent_route call through the state machine.
type route struct {
	req       domain.RouteRequest
	state     routeState
	query     []float32
	hits      []domain.SearchHit
	discovery domain.Discovery
	known     map[string]domain.BackendTool
	plan      *domain.WorkflowPlan
	path      domain.RoutePath
	fallback  string
	resp      domain.RouteResponse
	err       error
}

// Route selects or synthesizes tools for req and registers them. LLM failures never surface:
// they fall back to vector search, which reports NO_SUITABLE_TOOL only when nothing matches.
func (e *Engine) Route(ctx context.Context, req domain.RouteRequest) (domain.RouteResponse, error) {
	started := e.now()
	r := &route{req: req}
	if err := e.prepare(ctx, r); err != nil {
		r.err = err
		r.state = stateDone
	}

	for r.state != stateDone {
		switch r.state {
		case stateStart:
			e.start(r)
		case stateTryLLM:
			e.tryLLM(ctx, r)
		case stateGenerateCode:
			e.generateCode(ctx, r)
		case stateVectorMode:
			e.vectorMode(ctx, r)
		default:
			r.err = domain.E(domain.CodeInternal, opRoute, fmt.Sprintf("unexpected route state %s", r.state), nil)
			r.state = stateDone
		}
	}

	e.finish(ctx, r, started)
	if r.err != nil {
		return r.resp, r.err
	}
	return r.resp, nil
}

func (e *Engine) prepare(ctx context.Context, r *route) error {
	r.req.UserRequest = strings.TrimSpace(r.req.UserRequest)
	if r.req.UserRequest == "" {
		return domain.E(domain.CodeMalformedRequest, opRoute, "user_request cannot be empty", domain.ErrMalformedRequest)
	}
	if r.req.MaxCandidates < 0 {
		return domain.E(domain.CodeMalformedRequest, opRoute, "max_candidates must not be negative", domain.ErrMalformedRequest)
	}
	switch r.req.DecisionMode {
	case "":
		r.req.DecisionMode = e.cfg.DefaultMode
	case domain.DecisionModeAuto, domain.DecisionModeLLM, domain.DecisionModeVector:
	default:
		return domain.E(domain.CodeMalformedRequest, opRoute, fmt.Sprintf("unknown decision_mode %q", r.req.DecisionMode), domain.ErrMalformedRequest)
	}
	switch r.req.ExecutionMode {
	case "":
		r.req.ExecutionMode = domain.ExecutionModeDynamic
	case domain.ExecutionModeDynamic, domain.ExecutionModeQuery:
	default:
		return domain.E(domain.CodeMalformedRequest, opRoute, fmt.Sprintf("unknown execution_mode %q", r.req.ExecutionMode), domain.ErrMalformedRequest)
	}

	vectors, err := e.embedder.Embed(ctx, []string{r.req.UserRequest})
	if err != nil {
		return domain.E(domain.CodeInternal, opRoute, "embed request", err)
	}
	if len(vectors) != 1 {
		return domain.E(domain.CodeInternal, opRoute, fmt.Sprintf("embedder returned %d vectors for 1 text", len(vectors)), nil)
	}
	r.query = vectors[0]

	cfg := e.index.Config()
	r.hits, err = e.index.SearchTools(r.query, cfg.TopN, cfg.MinSimilarity)
	if err != nil {
		return domain.E(domain.CodeInternal, opRoute, "search tools", err)
	}

	if e.discovery != nil {
		r.discovery = e.discovery.Discovery(ctx)
	}
	r.known = make(map[string]domain.BackendTool)
	for _, tool := range r.discovery.AllTools() {
		r.known[tool.QualifiedName()] = tool
	}
	r.state = stateStart
	return nil
}

func (e *Engine) start(r *route) {
	switch {
	case r.req.DecisionMode == domain.DecisionModeVector || e.completer == nil:
		r.state = stateVectorMode
	case r.req.DecisionMode == domain.DecisionModeAuto && len(r.hits) > 0 && r.hits[0].Score >= e.index.Config().FastPathThreshold:
		r.path = domain.RoutePathFastPath
		r.state = stateVectorMode
	default:
		r.state = stateTryLLM
	}
}

func (e *Engine) tryLLM(ctx context.Context, r *route) {
	candidates := e.planningCandidates(r)
	if len(candidates) == 0 {
		e.fallBack(ctx, r, "no tools have been discovered")
		return
	}
	reply, err := e.complete(ctx, buildPlanningPrompt(r.req.UserRequest, candidates))
	if err != nil {
		e.fallBack(ctx, r, "planning failed: "+err.Error())
		return
	}
	plan, err := parsePlan(reply, r.req.UserRequest, r.known)
	if err != nil {
		e.fallBack(ctx, r, "invalid plan: "+err.Error())
		return
	}
	if !plan.IsFeasible {
		e.fallBack(ctx, r, "plan infeasible: "+plan.Reason)
		return
	}
	r.plan = plan
	if plan.NeedsOrchestration {
		r.state = stateGenerateCode
		return
	}

	tool := r.known[plan.Steps[0].Tool]
	target := proxyTarget{tool: tool, arguments: plan.Arguments, score: confidenceOr(plan.Confidence, 1)}
	names, _, err := e.registerProxies(r, []proxyTarget{target})
	if err != nil {
		e.fallBack(ctx, r, "register proxy: "+err.Error())
		return
	}
	r.path = domain.RoutePathProxy
	r.resp = domain.RouteResponse{
		Success:    true,
		Confidence: target.score,
		Message: fmt.Sprintf("Registered '%s' (proxy to %s). Call it directly.",
			names[0], tool.QualifiedName()),
		SelectedTool:          selected(names[0], tool, target.arguments, plan.Description),
		DynamicallyRegistered: names,
		ToolSchema:            proxySchema(tool.InputSchema),
	}
	e.execute(ctx, r, tool, target.arguments)
	r.state = stateDone
}

func (e *Engine) generateCode(ctx context.Context, r *route) {
	plan := r.plan
	reply, err := e.complete(ctx, buildCodegenPrompt(plan))
	if err != nil {
		e.fallBack(ctx, r, "code generation failed: "+err.Error())
		return
	}
	source := stripCodeFences(reply)
	bridges := plan.Tools()
	if err := e.validator.Validate(ctx, source, bridges); err != nil {
		e.fallBack(ctx, r, "generated code rejected: "+err.Error())
		return
	}
	schema, err := InputSchema(plan.InputParams)
	if err != nil {
		e.fallBack(ctx, r, err.Error())
		return
	}
	tool := domain.ScriptTool{
		Tool: domain.ToolDefinition{
			Name:        plan.SuggestedName,
			Description: scriptDescription(plan),
			InputSchema: schema,
		},
		Source:  source,
		Bridges: bridges,
		Plan:    plan,
	}
	if e.dryRunner != nil && e.dryRunner.DryRunEnabled() {
		if err := e.dryRunner.DryRun(ctx, tool); err != nil {
			e.fallBack(ctx, r, "dry run failed: "+err.Error())
			return
		}
	}
	if err := e.registerWorkflow(&tool); err != nil {
		e.fallBack(ctx, r, "register workflow: "+err.Error())
		return
	}

	r.path = domain.RoutePathScript
	r.resp = domain.RouteResponse{
		Success:    true,
		Confidence: confidenceOr(plan.Confidence, 1),
		Message: fmt.Sprintf("Created workflow '%s' over %s. Call it to solve your request.",
			tool.Tool.Name, strings.Join(bridges, ", ")),
		SelectedTool: &domain.SelectedTool{
			Name:      tool.Tool.Name,
			Kind:      domain.ToolKindScript,
			Rationale: plan.Description,
		},
		DynamicallyRegistered: []string{tool.Tool.Name},
		ToolSchema:            schema,
	}
	r.state = stateDone
}

func (e *Engine) vectorMode(ctx context.Context, r *route) {
	r.state = stateDone
	if r.path == "" {
		r.path = domain.RoutePathVector
	}
	if len(r.hits) == 0 {
		r.err = domain.E(domain.CodeNoSuitableTool, opRoute, "no tool matched the request", domain.ErrNoSuitableTool)
		r.resp = domain.RouteResponse{Message: "No MCP tools matched the request"}
		return
	}

	limit := e.cfg.MaxProxied
	if r.path == domain.RoutePathFastPath {
		limit = 1
	}
	if r.req.MaxCandidates > 0 && r.req.MaxCandidates < limit {
		limit = r.req.MaxCandidates
	}
	targets := make([]proxyTarget, 0, limit)
	for _, hit := range r.hits {
		if len(targets) == limit {
			break
		}
		tool, ok := r.known[hit.Qualified()]
		if !ok {
			tool = domain.BackendTool{Server: hit.Server, Name: hit.ToolName, Description: hit.Description}
		}
		targets = append(targets, proxyTarget{tool: tool, score: hit.Score})
	}

	names, byTool, err := e.registerProxies(r, targets)
	if err != nil {
		r.err = err
		r.resp = domain.RouteResponse{Message: err.Error()}
		return
	}

	top := targets[0]
	arguments := map[string]any(nil)
	if r.req.ExecutionMode == domain.ExecutionModeQuery {
		arguments = e.extractArguments(ctx, r.req.UserRequest, top.tool)
	}
	rationale := "Best vector match"
	if r.path == domain.RoutePathFastPath {
		rationale = "High-confidence vector match"
	}
	r.resp = domain.RouteResponse{
		Success:               true,
		Confidence:            top.score,
		Message:               vectorMessage(names),
		SelectedTool:          selected(names[0], top.tool, arguments, rationale),
		Alternatives:          alternatives(r.hits, byTool, names[0]),
		DynamicallyRegistered: names,
		ToolSchema:            proxySchema(top.tool.InputSchema),
	}
	e.execute(ctx, r, top.tool, arguments)
}

// fallBack abandons the LLM path for vector search.
func (e *Engine) fallBack(ctx context.Context, r *route, reason string) {
	logger := telemetry.LoggerFor(ctx, e.logger)
	logger.Warn("llm routing failed, falling back to vector search",
		telemetry.EventField(telemetry.EventRouteFallback),
		zap.String("state", r.state.String()),
		zap.String("reason", reason),
	)
	r.fallback = reason
	r.plan = nil
	r.state = stateVectorMode
}

func (e *Engine) complete(ctx context.Context, prompt string) (string, error) {
	llmCtx, cancel := context.WithTimeout(ctx, e.cfg.LLMTimeout)
	defer cancel()
	reply, err := e.completer.Complete(llmCtx, prompt)
	if err != nil {
		if errors.Is(llmCtx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("llm timed out after %s: %w", e.cfg.LLMTimeout, err)
		}
		return "", err
	}
	return reply, nil
}

// planningCandidates lists every discovered tool, most relevant first by method-level score.
func (e *Engine) planningCandidates(r *route) []domain.BackendTool {
	all := r.discovery.AllTools()
	if len(all) == 0 {
		return nil
	}
	out := make([]domain.BackendTool, 0, len(all))
	added := make(map[string]struct{}, len(all))
	cfg := e.index.Config()
	if ranked, err := e.index.SearchMethods(r.query, nil, len(all), cfg.ClusterThreshold); err == nil {
		for _, hit := range ranked {
			tool, ok := r.known[hit.Qualified()]
			if !ok {
				continue
			}
			if _, dup := added[hit.Qualified()]; dup {
				continue
			}
			added[hit.Qualified()] = struct{}{}
			out = append(out, tool)
		}
	}
	for _, tool := range all {
		if _, dup := added[tool.QualifiedName()]; dup {
			continue
		}
		added[tool.QualifiedName()] = struct{}{}
		out = append(out, tool)
	}
	return out
}

type proxyTarget struct {
	tool      domain.BackendTool
	arguments map[string]any
	score     float64
}

// registerWorkflow registers tool under its suggested name, or under a numbered variant
// when a live tool of another kind already holds that name.
func (e *Engine) registerWorkflow(tool *domain.ScriptTool) error {
	suggested := tool.Tool.Name
	err := e.registry.Register(*tool)
	for n := 2; errors.Is(err, domain.ErrToolKindConflict) && n <= maxWorkflowRenames+1; n++ {
		tool.Tool.Name = numberedWorkflowName(suggested, n)
		err = e.registry.Register(*tool)
	}
	return err
}

// registerProxies registers each target and returns the names that made it. It fails only
// when none did.
func (e *Engine) registerProxies(r *route, targets []proxyTarget) ([]string, map[string]string, error) {
	reserved := e.baseToolNames()
	names := make([]string, 0, len(targets))
	byTool := make(map[string]string, len(targets))
	var firstErr error
	for _, target := range targets {
		name := proxyName(target.tool, r.discovery, reserved)
		err := e.registry.Register(domain.ProxiedTool{
			Tool: domain.ToolDefinition{
				Name:        name,
				Description: proxyDescription(target.tool),
				InputSchema: proxySchema(target.tool.InputSchema),
			},
			Server: target.tool.Server,
			Method: target.tool.Name,
		})
		if err != nil {
			e.logger.Warn("proxy registration failed",
				telemetry.ServerField(target.tool.Server),
				telemetry.ToolField(target.tool.Name),
				zap.Error(err),
			)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		names = append(names, name)
		byTool[target.tool.QualifiedName()] = name
	}
	if len(names) == 0 {
		return nil, nil, domain.Wrap(domain.CodeInternal, opRoute, firstErr)
	}
	return names, byTool, nil
}

func (e *Engine) baseToolNames() map[string]struct{} {
	out := make(map[string]struct{})
	snapshot := e.registry.AllToolDefinitions()
	if snapshot == nil {
		return out
	}
	for _, tool := range snapshot.Tools {
		if tool.Origin == domain.ToolOriginBase {
			out[tool.Name] = struct{}{}
		}
	}
	return out
}

// extractArguments asks the LLM for call arguments. Without an LLM, or on any failure, it returns {}.
func (e *Engine) extractArguments(ctx context.Context, userRequest string, tool domain.BackendTool) map[string]any {
	if e.completer == nil {
		return map[string]any{}
	}
	reply, err := e.complete(ctx, buildArgumentsPrompt(userRequest, tool))
	if err != nil {
		e.logger.Debug("argument extraction failed", telemetry.ToolField(tool.QualifiedName()), zap.Error(err))
		return map[string]any{}
	}
	args, err := parseArguments(reply)
	if err != nil {
		e.logger.Debug("argument extraction unparsable", telemetry.ToolField(tool.QualifiedName()), zap.Error(err))
		return map[string]any{}
	}
	return args
}

// execute runs the selected proxy immediately in query mode.
func (e *Engine) execute(ctx context.Context, r *route, tool domain.BackendTool, arguments map[string]any) {
	if r.req.ExecutionMode != domain.ExecutionModeQuery || e.caller == nil {
		return
	}
	if arguments == nil {
		arguments = map[string]any{}
	}
	if r.resp.SelectedTool != nil {
		r.resp.SelectedTool.Arguments = arguments
	}
	payload, err := json.Marshal(arguments)
	if err != nil {
		r.resp.Success = false
		r.resp.Message = fmt.Sprintf("%s Encoding arguments failed: %v", r.resp.Message, err)
		return
	}
	result, err := e.caller.CallTool(ctx, tool.Server, tool.Name, payload)
	if err != nil {
		r.resp.Success = false
		r.resp.Message = fmt.Sprintf("%s Execution failed: %v", r.resp.Message, err)
		return
	}
	r.resp.Result = result
}

func (e *Engine) finish(ctx context.Context, r *route, started time.Time) {
	duration := e.now().Sub(started)
	r.resp.Path = string(r.path)
	if r.err != nil && r.resp.Message == "" {
		r.resp.Message = r.err.Error()
	}

	outcome := domain.RouteOutcomeRegistered
	if code, ok := domain.CodeFrom(r.err); ok {
		outcome = domain.RouteOutcomeError
		if code == domain.CodeNoSuitableTool {
			outcome = domain.RouteOutcomeNoTool
		}
	}
	e.metrics.ObserveRoute(domain.RouteMetric{
		Path:     r.path,
		Outcome:  outcome,
		Fallback: r.fallback != "",
		Duration: duration,
	})

	logger := telemetry.LoggerFor(ctx, e.logger)
	fields := []zap.Field{
		telemetry.EventField(telemetry.EventRouteDecision),
		telemetry.PathField(string(r.path)),
		zap.String("outcome", string(outcome)),
		zap.Strings("registered", r.resp.DynamicallyRegistered),
		telemetry.DurationField(duration),
	}
	if r.fallback != "" {
		fields = append(fields, zap.String("fallback", r.fallback))
	}
	if r.err != nil {
		logger.Info("route failed", append(fields, zap.Error(r.err))...)
	} else {
		logger.Info("route decided", fields...)
	}

	if e.history == nil {
		return
	}
	record := domain.RouteRecord{
		ID:          uuid.NewString(),
		SessionID:   r.req.SessionID,
		Request:     r.req.UserRequest,
		Path:        string(r.path),
		Success:     r.err == nil && r.resp.Success,
		Message:     r.resp.Message,
		Registered:  r.resp.DynamicallyRegistered,
		Confidence:  r.resp.Confidence,
		DurationMs:  duration.Milliseconds(),
		RecordedAt:  e.now(),
		FallbackWhy: r.fallback,
	}
	if code, ok := domain.CodeFrom(r.err); ok {
		record.ErrorCode = string(code)
	}
	if err := e.history.RecordRoute(ctx, record); err != nil {
		logger.Warn("record route history failed", zap.Error(err))
	}
}

func selected(name string, tool domain.BackendTool, arguments map[string]any, rationale string) *domain.SelectedTool {
	return &domain.SelectedTool{
		Name:      name,
		Server:    tool.Server,
		Method:    tool.Name,
		Kind:      domain.ToolKindProxied,
		Arguments: arguments,
		Rationale: rationale,
	}
}

// alternatives lists every other hit, naming those that were registered.
func alternatives(hits []domain.SearchHit, registered map[string]string, selected string) []domain.Alternative {
	out := make([]domain.Alternative, 0, len(hits))
	for _, hit := range hits {
		name := registered[hit.Qualified()]
		if name == selected {
			continue
		}
		out = append(out, domain.Alternative{Name: name, Server: hit.Server, Method: hit.ToolName, Score: hit.Score})
	}
	return out
}

func vectorMessage(names []string) string {
	if len(names) == 1 {
		return fmt.Sprintf("Registered '%s'. Call it directly.", names[0])
	}
	return fmt.Sprintf("Registered %d tools matching the request: %s. Call the best fit directly.",
		len(names), strings.Join(names, ", "))
}

// proxyName uses the backend tool name unless another server exposes the same name or it
// shadows a base tool, in which case it is qualified with the server.
func proxyName(tool domain.BackendTool, discovery domain.Discovery, reserved map[string]struct{}) string {
	if _, clash := reserved[tool.Name]; clash {
		return script.BridgeName(tool.Server, tool.Name)
	}
	for _, server := range discovery.Servers {
		if server.Server == tool.Server {
			continue
		}
		for _, other := range server.Tools {
			if other.Name == tool.Name {
				return script.BridgeName(tool.Server, tool.Name)
			}
		}
	}
	return tool.Name
}

func proxyDescription(tool domain.BackendTool) string {
	if tool.Description == "" {
		return fmt.Sprintf("Proxy to %s.", tool.QualifiedName())
	}
	return fmt.Sprintf("%s (via %s)", tool.Description, tool.QualifiedName())
}

func scriptDescription(plan *domain.WorkflowPlan) string {
	return fmt.Sprintf("%s Orchestrates %s.", strings.TrimSuffix(plan.Description, ".")+".", strings.Join(plan.Tools(), ", "))
}

func confidenceOr(value, fallback float64) float64 {
	if value <= 0 {
		return fallback
	}
	return value
}
