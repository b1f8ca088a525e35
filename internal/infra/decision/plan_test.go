package decision

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"mcproute/internal/domain"
)

func knownTools(qualified ...string) map[string]domain.BackendTool {
	out := make(map[string]domain.BackendTool, len(qualified))
	for _, name := range qualified {
		server, tool, _ := domain.SplitQualified(name)
		out[name] = domain.BackendTool{Server: server, Name: tool}
	}
	return out
}

func TestParsePlan(t *testing.T) {
	known := knownTools("repo::status", "repo::log", "fs::read_file")

	tests := []struct {
		name    string
		content string
		want    *domain.WorkflowPlan
		wantErr string
	}{
		{
			name: "fenced single step",
			content: "```json\n" + `{"is_feasible": true, "suggested_name": "Repo Status", "description": " Show status ",
				"steps": [{"step": 1, "tool": "repo::status"}], "arguments": {"verbose": true}, "confidence": 0.8}` + "\n```",
			want: &domain.WorkflowPlan{
				IsFeasible:    true,
				SuggestedName: "repo_status_workflow",
				Description:   "Show status",
				Steps:         []domain.PlanStep{{Step: 1, Tool: "repo::status", Description: "Call repo::status", Dependencies: []int{}}},
				InputParams:   []domain.InputParam{},
				Arguments:     map[string]any{"verbose": true},
				Confidence:    0.8,
			},
		},
		{
			name: "prose around json with renumbering",
			content: `Here is the plan: {"is_feasible": true, "suggested_name": "summary",
				"steps": [
					{"step": 5, "tool": "repo::status", "description": "branch"},
					{"step": 7, "tool": "status", "dependencies": [5, 5, 7, 42]},
					{"step": 9, "tool": "fs::read_file", "dependencies": [7, 5]}
				],
				"input_params": [
					{"name": "path", "type": "String"},
					{"name": "Path", "type": "number"},
					{"name": "limit", "type": "integer", "required": true},
					{"name": "tags", "type": "list"},
					{"name": " ", "type": "string"}
				]} Good luck!`,
			want: &domain.WorkflowPlan{
				IsFeasible:    true,
				SuggestedName: "summary_workflow",
				Description:   "Workflow for summarize the repo",
				Steps: []domain.PlanStep{
					{Step: 1, Tool: "repo::status", Description: "branch", Dependencies: []int{}},
					{Step: 2, Tool: "repo::status", Description: "Call status", Dependencies: []int{1}},
					{Step: 3, Tool: "fs::read_file", Description: "Call fs::read_file", Dependencies: []int{1, 2}},
				},
				InputParams: []domain.InputParam{
					{Name: "path", Type: "string", Description: "Input for path"},
					{Name: "limit", Type: "number", Description: "Input for limit", Required: true},
					{Name: "tags", Type: "array", Description: "Input for tags"},
				},
				NeedsOrchestration: true,
			},
		},
		{
			name:    "infeasible keeps reason",
			content: `{"is_feasible": false, "steps": []}`,
			want: &domain.WorkflowPlan{
				IsFeasible:    false,
				Reason:        "the planner marked the request as infeasible",
				SuggestedName: "summarize_the_repo_workflow",
				Description:   "Workflow for summarize the repo",
				Steps:         []domain.PlanStep{},
				InputParams:   []domain.InputParam{},
			},
		},
		{
			name:    "unknown tool",
			content: `{"is_feasible": true, "steps": [{"step": 1, "tool": "db::query"}]}`,
			wantErr: `unknown tool "db::query"`,
		},
		{
			name:    "feasible without steps",
			content: `{"is_feasible": true, "steps": [{"step": 1, "tool": "  "}]}`,
			wantErr: "no steps",
		},
		{
			name:    "not json",
			content: "I cannot help with that.",
			wantErr: "decode plan",
		},
		{
			name:    "llm flag forces orchestration",
			content: `{"is_feasible": true, "needs_orchestration": true, "steps": [{"step": 1, "tool": "repo::log"}], "confidence": 7}`,
			want: &domain.WorkflowPlan{
				IsFeasible:         true,
				SuggestedName:      "summarize_the_repo_workflow",
				Description:        "Workflow for summarize the repo",
				Steps:              []domain.PlanStep{{Step: 1, Tool: "repo::log", Description: "Call repo::log", Dependencies: []int{}}},
				InputParams:        []domain.InputParam{},
				NeedsOrchestration: true,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parsePlan(tt.content, "summarize the repo", known)
			if tt.wantErr != "" {
				require.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Fatalf("plan mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestWorkflowName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", "workflow_plan"},
		{"repo_summary", "repo_summary_workflow"},
		{"repo_summary_workflow", "repo_summary_workflow"},
		{strings.Repeat("a", 60), strings.Repeat("a", 39) + "_workflow"},
		{strings.Repeat("ab_", 20), strings.Repeat("ab_", 12) + "ab_workflow"},
	}
	for _, tt := range tests {
		got := workflowName(tt.in)
		require.Equal(t, tt.want, got, tt.in)
		require.LessOrEqual(t, len(got), maxWorkflowName)
	}
}

func TestSnakeCase(t *testing.T) {
	tests := map[string]string{
		"Repo Summary":           "repo_summary",
		"  --Check__Git--Status": "check_git_status",
		"ünïcode only":           "n_code_only",
		"":                       "",
	}
	for in, want := range tests {
		require.Equal(t, want, snakeCase(in), in)
	}
}

func TestStripCodeFences(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"plain", "plain"},
		{"```js\nasync function workflow(input) {}\n```", "async function workflow(input) {}"},
		{"```\n{\"a\": 1}\n```  ", `{"a": 1}`},
		{"```json\n{\"a\": 1}```", `{"a": 1}`},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, stripCodeFences(tt.in))
	}
}

func TestParseArguments(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    map[string]any
		wantErr bool
	}{
		{name: "object", content: `{"path": "README.md"}`, want: map[string]any{"path": "README.md"}},
		{name: "wrapped", content: "Arguments:\n```json\n{\"limit\": 2}\n```", want: map[string]any{"limit": float64(2)}},
		{name: "null", content: "null", want: map[string]any{}},
		{name: "string holding json", content: `"{\"a\": true}"`, want: map[string]any{"a": true}},
		{name: "scalar", content: "42", want: map[string]any{"value": float64(42)}},
		{name: "garbage", content: "no idea", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseArguments(tt.content)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestInputSchema(t *testing.T) {
	raw, err := InputSchema([]domain.InputParam{
		{Name: "path", Type: "string", Description: "file to read", Required: true},
		{Name: "limit", Type: "number"},
		{Name: "tags", Type: "array"},
	})
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(raw, &got))
	want := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":  map[string]any{"type": "string", "description": "file to read"},
			"limit": map[string]any{"type": "number"},
			"tags":  map[string]any{"type": "array"},
		},
		"required": []any{"path"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("schema mismatch (-want +got):\n%s", diff)
	}

	empty, err := InputSchema(nil)
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"object"}`, string(empty))
}

func TestCapabilitySummary(t *testing.T) {
	discovery := domain.Discovery{Servers: []domain.ServerDiscovery{
		{Server: "git", Tools: []domain.BackendTool{
			{Server: "git", Name: "git_status", Description: "Show the working tree status"},
			{Server: "git", Name: "git_log", Description: "Show commit logs"},
		}},
		{Server: "fs", Category: "storage", Tools: []domain.BackendTool{
			{Server: "fs", Name: "read_file", Description: "Read a file"},
		}},
	}}

	got := CapabilitySummary(discovery)
	want := "I can route your requests to 2 downstream MCP servers (fs, git) with 3 total tools available. " +
		"Available tools: [fs] read_file; [git] git_status, git_log. Supported categories: storage, version_control."
	require.Equal(t, want, got)

	single := CapabilitySummary(domain.Discovery{Servers: []domain.ServerDiscovery{
		{Server: "web", Tools: []domain.BackendTool{{Server: "web", Name: "fetch_url", Description: "Fetch a web page over http"}}},
	}})
	require.Contains(t, single, "1 downstream MCP server (web) with 1 total tool available")
	require.Contains(t, single, "Supported categories: web_access.")
}
