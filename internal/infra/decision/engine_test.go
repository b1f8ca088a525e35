package decision

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mcproute/internal/domain"
	"mcproute/internal/infra/index"
	"mcproute/internal/infra/registry"
	"mcproute/internal/infra/script"
)

// keywordEmbedder maps text onto fixed keyword axes so scores are predictable.
type keywordEmbedder struct{}

var keywordAxes = [][]string{
	{"git", "commit", "branch", "log"},
	{"status"},
	{"file", "read"},
	{"weather", "forecast"},
}

func (keywordEmbedder) Dimension() int { return len(keywordAxes) + 1 }

func (keywordEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for _, text := range texts {
		lower := strings.ToLower(text)
		vec := make([]float32, len(keywordAxes)+1)
		for i, words := range keywordAxes {
			for _, word := range words {
				vec[i] += float32(strings.Count(lower, word))
			}
		}
		vec[len(keywordAxes)] = 0.1
		out = append(out, vec)
	}
	return out, nil
}

type staticDiscovery domain.Discovery

func (s staticDiscovery) Discovery(context.Context) domain.Discovery { return domain.Discovery(s) }

type completion struct {
	text string
	err  error
}

type scriptedCompleter struct {
	mu      sync.Mutex
	replies []completion
	prompts []string
}

func (c *scriptedCompleter) Complete(_ context.Context, prompt string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prompts = append(c.prompts, prompt)
	if len(c.replies) == 0 {
		return "", errors.New("no scripted reply")
	}
	next := c.replies[0]
	c.replies = c.replies[1:]
	return next.text, next.err
}

func (c *scriptedCompleter) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.prompts)
}

type blockingCompleter struct{}

func (blockingCompleter) Complete(ctx context.Context, _ string) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

type recordingCaller struct {
	mu    sync.Mutex
	calls []string
	args  []string
	reply json.RawMessage
	err   error
}

func (c *recordingCaller) CallTool(_ context.Context, server, tool string, args json.RawMessage) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, domain.QualifyTool(server, tool))
	c.args = append(c.args, string(args))
	return c.reply, c.err
}

type routeMetrics struct {
	domain.NoopMetrics
	mu     sync.Mutex
	routes []domain.RouteMetric
}

func (m *routeMetrics) ObserveRoute(metric domain.RouteMetric) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routes = append(m.routes, metric)
}

func (m *routeMetrics) last() domain.RouteMetric {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.routes[len(m.routes)-1]
}

type memoryHistory struct {
	mu     sync.Mutex
	routes []domain.RouteRecord
}

func (h *memoryHistory) RecordRoute(_ context.Context, record domain.RouteRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.routes = append(h.routes, record)
	return nil
}

func (h *memoryHistory) RecordExecution(context.Context, domain.ExecutionRecord) error { return nil }

type failingDryRun struct{}

func (failingDryRun) DryRunEnabled() bool { return true }
func (failingDryRun) DryRun(context.Context, domain.ScriptTool) error {
	return errors.New("bridge returned nothing useful")
}

func gitDiscovery() domain.Discovery {
	return domain.Discovery{Servers: []domain.ServerDiscovery{
		{Server: "git", Tools: []domain.BackendTool{
			{Server: "git", Name: "git_status", Description: "Show the working tree status", InputSchema: json.RawMessage(`{"type":"object","properties":{"repo_path":{"type":"string"}}}`)},
			{Server: "git", Name: "git_log", Description: "Show commit logs"},
		}},
	}}
}

func repoDiscovery() domain.Discovery {
	return domain.Discovery{Servers: []domain.ServerDiscovery{
		{Server: "repo", Tools: []domain.BackendTool{
			{Server: "repo", Name: "status", Description: "Show the working tree status"},
			{Server: "repo", Name: "log", Description: "Show recent commit history"},
		}},
		{Server: "fs", Tools: []domain.BackendTool{
			{Server: "fs", Name: "read_file", Description: "Read a file from disk", InputSchema: json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"}}}`)},
		}},
		{Server: "weather", Tools: []domain.BackendTool{
			{Server: "weather", Name: "forecast", Description: "Get the weather forecast"},
		}},
	}}
}

type harness struct {
	engine   *Engine
	registry *registry.Registry
	caller   *recordingCaller
	metrics  *routeMetrics
	history  *memoryHistory
}

type harnessOptions struct {
	discovery domain.Discovery
	completer domain.Completer
	fastPath  float64
	decision  domain.DecisionConfig
	dryRunner DryRunner
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()
	embedder := keywordEmbedder{}
	idx := index.New(domain.IndexConfig{Dimension: embedder.Dimension(), FastPathThreshold: opts.fastPath}, nil)
	require.NoError(t, index.Rebuild(context.Background(), idx, embedder, opts.discovery))

	reg := registry.New(registry.Options{Config: domain.RegistryConfig{TTL: 10 * time.Minute, MaxDynamic: 100}})
	reg.ReplaceBase([]domain.ToolDefinition{{Name: "intelligent_route"}, {Name: "execute_tool"}, {Name: "get_method_schema"}})

	h := &harness{
		registry: reg,
		caller:   &recordingCaller{reply: json.RawMessage(`{"branch":"main"}`)},
		metrics:  &routeMetrics{},
		history:  &memoryHistory{},
	}
	h.engine = New(Options{
		Config:    opts.decision,
		Index:     idx,
		Embedder:  embedder,
		Discovery: staticDiscovery(opts.discovery),
		Registry:  reg,
		Caller:    h.caller,
		Completer: opts.completer,
		Validator: script.NewValidator(nil),
		DryRunner: opts.dryRunner,
		History:   h.history,
		Metrics:   h.metrics,
	})
	return h
}

func (h *harness) listed() []string {
	return h.registry.AllToolDefinitions().Names()
}

const threeStepPlan = `{
  "is_feasible": true,
  "suggested_name": "Repo Summary",
  "description": "Summarize the repository",
  "steps": [
    {"step": 1, "tool": "repo::status", "description": "current branch"},
    {"step": 2, "tool": "repo::log", "description": "recent commits", "dependencies": [1]},
    {"step": 3, "tool": "fs::read_file", "description": "readme", "dependencies": [1, 2]}
  ],
  "input_params": [{"name": "path", "type": "string", "description": "readme path", "required": true}]
}`

const threeStepCode = "```javascript\n" + `async function workflow(input) {
  try {
    const status = await repo_status({});
    const log = await repo_log({ limit: 2 });
    const readme = await fs_read_file({ path: input.path });
    return { branch: status.branch, commits: log.length, readme: readme.text };
  } catch (err) {
    throw new Error("summary failed: " + err.message);
  }
}` + "\n```"

func TestEngine_VectorModeWithoutLLM(t *testing.T) {
	h := newHarness(t, harnessOptions{discovery: gitDiscovery()})

	resp, err := h.engine.Route(context.Background(), domain.RouteRequest{UserRequest: "check git status", SessionID: "s1"})
	require.NoError(t, err)
	require.True(t, resp.Success)
	require.Equal(t, string(domain.RoutePathVector), resp.Path)
	require.Equal(t, []string{"git_status", "git_log"}, resp.DynamicallyRegistered)
	require.Equal(t, "git_status", resp.SelectedTool.Name)
	require.Equal(t, "git", resp.SelectedTool.Server)
	require.Equal(t, "git_status", resp.SelectedTool.Method)
	require.Equal(t, domain.ToolKindProxied, resp.SelectedTool.Kind)
	require.JSONEq(t, `{"type":"object","properties":{"repo_path":{"type":"string"}}}`, string(resp.ToolSchema))
	require.Len(t, resp.Alternatives, 1)
	require.Equal(t, "git_log", resp.Alternatives[0].Name)
	require.Greater(t, resp.Confidence, resp.Alternatives[0].Score)

	require.Contains(t, h.listed(), "git_status")
	resolved, err := h.registry.GetTool("git_status")
	require.NoError(t, err)
	require.Equal(t, domain.ProxiedTool{
		Tool:   domain.ToolDefinition{Name: "git_status", Description: "Show the working tree status (via git::git_status)", InputSchema: resp.ToolSchema},
		Server: "git",
		Method: "git_status",
	}, resolved.Dynamic)

	require.Empty(t, h.caller.calls)
	require.Equal(t, domain.RouteMetric{Path: domain.RoutePathVector, Outcome: domain.RouteOutcomeRegistered, Duration: h.metrics.last().Duration}, h.metrics.last())
	require.Len(t, h.history.routes, 1)
	require.Equal(t, "s1", h.history.routes[0].SessionID)
	require.True(t, h.history.routes[0].Success)
}

func TestEngine_FallbackWhenLLMFails(t *testing.T) {
	tests := []struct {
		name      string
		completer domain.Completer
		timeout   time.Duration
	}{
		{name: "transport error", completer: &scriptedCompleter{replies: []completion{{err: errors.New("connection refused")}}}},
		{name: "malformed json", completer: &scriptedCompleter{replies: []completion{{text: "sure, let me think"}}}},
		{name: "unknown tool", completer: &scriptedCompleter{replies: []completion{{text: `{"is_feasible": true, "steps": [{"step": 1, "tool": "db::query"}]}`}}}},
		{name: "infeasible", completer: &scriptedCompleter{replies: []completion{{text: `{"is_feasible": false, "reason": "no database"}`}}}},
		{name: "codegen error", completer: &scriptedCompleter{replies: []completion{{text: threeStepPlan}, {err: errors.New("rate limited")}}}},
		{name: "timeout", completer: blockingCompleter{}, timeout: 50 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, harnessOptions{
				discovery: repoDiscovery(),
				completer: tt.completer,
				fastPath:  2,
				decision:  domain.DecisionConfig{LLMTimeout: tt.timeout},
			})

			resp, err := h.engine.Route(context.Background(), domain.RouteRequest{UserRequest: "status of the repo"})
			require.NoError(t, err)
			require.True(t, resp.Success)
			require.Equal(t, string(domain.RoutePathVector), resp.Path)
			require.Equal(t, []string{"status"}, resp.DynamicallyRegistered)
			require.Contains(t, h.listed(), "status")
			require.True(t, h.metrics.last().Fallback)
			require.NotEmpty(t, h.history.routes[0].FallbackWhy)
		})
	}
}

func TestEngine_NoSuitableTool(t *testing.T) {
	for _, completer := range []domain.Completer{nil, &scriptedCompleter{}} {
		h := newHarness(t, harnessOptions{discovery: repoDiscovery(), completer: completer})

		resp, err := h.engine.Route(context.Background(), domain.RouteRequest{UserRequest: "book a flight to paris"})
		require.ErrorIs(t, err, domain.ErrNoSuitableTool)
		code, ok := domain.CodeFrom(err)
		require.True(t, ok)
		require.Equal(t, domain.CodeNoSuitableTool, code)
		require.False(t, resp.Success)
		require.Empty(t, resp.DynamicallyRegistered)
		require.Equal(t, []string{"execute_tool", "get_method_schema", "intelligent_route"}, h.listed())
		require.Equal(t, domain.RouteOutcomeNoTool, h.metrics.last().Outcome)
	}
}

func TestEngine_FastPathSkipsLLM(t *testing.T) {
	completer := &scriptedCompleter{}
	h := newHarness(t, harnessOptions{discovery: repoDiscovery(), completer: completer})

	resp, err := h.engine.Route(context.Background(), domain.RouteRequest{UserRequest: "status of the repo"})
	require.NoError(t, err)
	require.Equal(t, string(domain.RoutePathFastPath), resp.Path)
	require.Equal(t, []string{"status"}, resp.DynamicallyRegistered)
	require.Zero(t, completer.calls())
	require.False(t, h.metrics.last().Fallback)
}

func TestEngine_LLMModeBypassesFastPath(t *testing.T) {
	completer := &scriptedCompleter{replies: []completion{
		{text: `{"is_feasible": true, "suggested_name": "status", "steps": [{"step": 1, "tool": "repo::status"}], "arguments": {"short": true}}`},
	}}
	h := newHarness(t, harnessOptions{discovery: repoDiscovery(), completer: completer})

	resp, err := h.engine.Route(context.Background(), domain.RouteRequest{
		UserRequest:  "status of the repo",
		DecisionMode: domain.DecisionModeLLM,
	})
	require.NoError(t, err)
	require.Equal(t, string(domain.RoutePathProxy), resp.Path)
	require.Equal(t, 1, completer.calls())
	require.Equal(t, map[string]any{"short": true}, resp.SelectedTool.Arguments)
	require.Equal(t, 1.0, resp.Confidence)
}

func TestEngine_LLMProxyQueryMode(t *testing.T) {
	completer := &scriptedCompleter{replies: []completion{
		{text: `{"is_feasible": true, "steps": [{"step": 1, "tool": "fs::read_file"}], "arguments": {"path": "README.md"}, "confidence": 0.9}`},
	}}
	h := newHarness(t, harnessOptions{discovery: repoDiscovery(), completer: completer, fastPath: 2})

	resp, err := h.engine.Route(context.Background(), domain.RouteRequest{
		UserRequest:   "show me the readme",
		ExecutionMode: domain.ExecutionModeQuery,
	})
	require.NoError(t, err)
	require.True(t, resp.Success)
	require.Equal(t, string(domain.RoutePathProxy), resp.Path)
	require.Equal(t, []string{"read_file"}, resp.DynamicallyRegistered)
	require.Equal(t, 0.9, resp.Confidence)
	require.Equal(t, []string{"fs::read_file"}, h.caller.calls)
	require.JSONEq(t, `{"path":"README.md"}`, h.caller.args[0])
	require.JSONEq(t, `{"branch":"main"}`, string(resp.Result))
	require.Contains(t, completer.prompts[0], "fs::read_file")
}

func TestEngine_QueryModeExecutionFailure(t *testing.T) {
	h := newHarness(t, harnessOptions{discovery: gitDiscovery()})
	h.caller.err = domain.E(domain.CodeServerUnavailable, "pool.call_tool", "", domain.ErrServerUnavailable)

	resp, err := h.engine.Route(context.Background(), domain.RouteRequest{
		UserRequest:   "check git status",
		ExecutionMode: domain.ExecutionModeQuery,
	})
	require.NoError(t, err)
	require.False(t, resp.Success)
	require.Contains(t, resp.Message, "Execution failed")
	require.Equal(t, map[string]any{}, resp.SelectedTool.Arguments)
	require.Contains(t, h.listed(), "git_status")
}

func TestEngine_ThreeStepOrchestration(t *testing.T) {
	completer := &scriptedCompleter{replies: []completion{{text: threeStepPlan}, {text: threeStepCode}}}
	h := newHarness(t, harnessOptions{discovery: repoDiscovery(), completer: completer})

	resp, err := h.engine.Route(context.Background(), domain.RouteRequest{UserRequest: "summarize the repo"})
	require.NoError(t, err)
	require.True(t, resp.Success)
	require.Equal(t, string(domain.RoutePathScript), resp.Path)
	require.Equal(t, []string{"repo_summary_workflow"}, resp.DynamicallyRegistered)
	require.Equal(t, domain.ToolKindScript, resp.SelectedTool.Kind)
	require.JSONEq(t, `{"type":"object","properties":{"path":{"type":"string","description":"readme path"}},"required":["path"]}`, string(resp.ToolSchema))

	resolved, err := h.registry.GetTool("repo_summary_workflow")
	require.NoError(t, err)
	tool, ok := resolved.Dynamic.(domain.ScriptTool)
	require.True(t, ok)
	require.Equal(t, []string{"repo::status", "repo::log", "fs::read_file"}, tool.Bridges)
	require.True(t, strings.HasPrefix(tool.Source, "async function workflow(input)"))
	require.Equal(t, "Summarize the repository. Orchestrates repo::status, repo::log, fs::read_file.", tool.Tool.Description)

	require.Len(t, completer.prompts, 2)
	require.Contains(t, completer.prompts[1], "await repo_status(args) calls repo::status")
	require.Contains(t, completer.prompts[1], "input.path (string, required)")
}

func TestEngine_WorkflowNameClashKeepsLiveProxy(t *testing.T) {
	completer := &scriptedCompleter{replies: []completion{{text: threeStepPlan}, {text: threeStepCode}}}
	h := newHarness(t, harnessOptions{discovery: repoDiscovery(), completer: completer})
	require.NoError(t, h.registry.Register(domain.ProxiedTool{
		Tool:   domain.ToolDefinition{Name: "repo_summary_workflow", InputSchema: json.RawMessage(`{"type":"object"}`)},
		Server: "repo",
		Method: "summary_workflow",
	}))

	resp, err := h.engine.Route(context.Background(), domain.RouteRequest{UserRequest: "summarize the repo"})
	require.NoError(t, err)
	require.True(t, resp.Success)
	require.Equal(t, []string{"repo_summary_2_workflow"}, resp.DynamicallyRegistered)

	proxy, err := h.registry.GetTool("repo_summary_workflow")
	require.NoError(t, err)
	require.IsType(t, domain.ProxiedTool{}, proxy.Dynamic)
	workflow, err := h.registry.GetTool("repo_summary_2_workflow")
	require.NoError(t, err)
	require.IsType(t, domain.ScriptTool{}, workflow.Dynamic)
}

func TestNumberedWorkflowName(t *testing.T) {
	require.Equal(t, "repo_summary_2_workflow", numberedWorkflowName("repo_summary_workflow", 2))
	long := numberedWorkflowName(strings.Repeat("a", 60), 3)
	require.Len(t, long, maxWorkflowName)
	require.True(t, strings.HasSuffix(long, "_3_workflow"))
}

func TestEngine_RejectsUnsafeGeneratedCode(t *testing.T) {
	tests := map[string]string{
		"eval":      `async function workflow(input) { return eval("1 + 1"); }`,
		"prototype": `async function workflow(input) { Object.prototype.__proto__ = null; return {}; }`,
		"no entry":  `function main() { return 1; }`,
		"foreign":   `async function workflow(input) { return await weather_forecast({}); }`,
	}
	for name, code := range tests {
		t.Run(name, func(t *testing.T) {
			completer := &scriptedCompleter{replies: []completion{{text: threeStepPlan}, {text: code}}}
			h := newHarness(t, harnessOptions{discovery: repoDiscovery(), completer: completer, fastPath: 2})

			resp, err := h.engine.Route(context.Background(), domain.RouteRequest{UserRequest: "status of the repo"})
			require.NoError(t, err)
			require.Equal(t, string(domain.RoutePathVector), resp.Path)
			require.NotContains(t, h.listed(), "repo_summary_workflow")
			require.Contains(t, h.history.routes[0].FallbackWhy, "generated code rejected")
		})
	}
}

func TestEngine_DryRunFailureFallsBack(t *testing.T) {
	completer := &scriptedCompleter{replies: []completion{{text: threeStepPlan}, {text: threeStepCode}}}
	h := newHarness(t, harnessOptions{discovery: repoDiscovery(), completer: completer, fastPath: 2, dryRunner: failingDryRun{}})

	resp, err := h.engine.Route(context.Background(), domain.RouteRequest{UserRequest: "status of the repo"})
	require.NoError(t, err)
	require.Equal(t, string(domain.RoutePathVector), resp.Path)
	require.NotContains(t, h.listed(), "repo_summary_workflow")
	require.Contains(t, h.history.routes[0].FallbackWhy, "dry run failed")
}

func TestEngine_RegistrationCap(t *testing.T) {
	tools := make([]domain.BackendTool, 0, 7)
	for _, name := range []string{"git_a", "git_b", "git_c", "git_d", "git_e", "git_f", "git_g"} {
		tools = append(tools, domain.BackendTool{Server: "git", Name: name, Description: "git helper"})
	}
	discovery := domain.Discovery{Servers: []domain.ServerDiscovery{{Server: "git", Tools: tools}}}

	tests := []struct {
		name          string
		maxCandidates int
		want          int
	}{
		{name: "default cap", want: 5},
		{name: "caller cap", maxCandidates: 2, want: 2},
		{name: "caller cap above default", maxCandidates: 9, want: 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, harnessOptions{discovery: discovery})
			resp, err := h.engine.Route(context.Background(), domain.RouteRequest{UserRequest: "git", MaxCandidates: tt.maxCandidates})
			require.NoError(t, err)
			require.Len(t, resp.DynamicallyRegistered, tt.want)
			require.Equal(t, "git_a", resp.DynamicallyRegistered[0])
			require.Len(t, resp.Alternatives, 6)
			require.Equal(t, tt.want, h.registry.Stats().DynamicTools)
		})
	}
}

func TestEngine_ProxyNamesAvoidCollisions(t *testing.T) {
	discovery := domain.Discovery{Servers: []domain.ServerDiscovery{
		{Server: "alpha", Tools: []domain.BackendTool{{Server: "alpha", Name: "git_status", Description: "git status"}}},
		{Server: "beta", Tools: []domain.BackendTool{
			{Server: "beta", Name: "git_status", Description: "git status"},
			{Server: "beta", Name: "execute_tool", Description: "git runner"},
		}},
	}}
	h := newHarness(t, harnessOptions{discovery: discovery})

	resp, err := h.engine.Route(context.Background(), domain.RouteRequest{UserRequest: "git status"})
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"alpha_git_status", "beta_git_status", "beta_execute_tool"}, resp.DynamicallyRegistered)
}

func TestEngine_MalformedRequests(t *testing.T) {
	tests := []struct {
		name string
		req  domain.RouteRequest
	}{
		{name: "empty", req: domain.RouteRequest{UserRequest: "   "}},
		{name: "decision mode", req: domain.RouteRequest{UserRequest: "git", DecisionMode: "magic"}},
		{name: "execution mode", req: domain.RouteRequest{UserRequest: "git", ExecutionMode: "later"}},
		{name: "negative candidates", req: domain.RouteRequest{UserRequest: "git", MaxCandidates: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, harnessOptions{discovery: gitDiscovery()})
			resp, err := h.engine.Route(context.Background(), tt.req)
			require.ErrorIs(t, err, domain.ErrMalformedRequest)
			require.False(t, resp.Success)
			require.Equal(t, domain.RouteOutcomeError, h.metrics.last().Outcome)
		})
	}
}
