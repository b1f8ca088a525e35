package domain

import "encoding/json"

type DecisionMode string

const (
	DecisionModeAuto   DecisionMode = "auto"
	DecisionModeLLM    DecisionMode = "llm"
	DecisionModeVector DecisionMode = "vector"
)

type ExecutionMode string

const (
	ExecutionModeDynamic ExecutionMode = "dynamic"
	ExecutionModeQuery   ExecutionMode = "query"
)

// RouteRequest is the input of the intelligent_route built-in.
type RouteRequest struct {
	UserRequest   string        `json:"user_request" jsonschema:"natural language description of what you want to accomplish"`
	SessionID     string        `json:"session_id,omitempty" jsonschema:"optional caller session identifier"`
	MaxCandidates int           `json:"max_candidates,omitempty" jsonschema:"maximum number of candidate tools to register"`
	DecisionMode  DecisionMode  `json:"decision_mode,omitempty" jsonschema:"auto, llm or vector"`
	ExecutionMode ExecutionMode `json:"execution_mode,omitempty" jsonschema:"dynamic registers tools, query also runs the selected tool"`
}

type SelectedTool struct {
	Name      string         `json:"name"`
	Server    string         `json:"mcp_server,omitempty"`
	Method    string         `json:"tool_name,omitempty"`
	Kind      string         `json:"kind"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Rationale string         `json:"rationale,omitempty"`
}

type Alternative struct {
	Name   string  `json:"name"`
	Server string  `json:"mcp_server"`
	Method string  `json:"tool_name"`
	Score  float64 `json:"score"`
}

// RouteResponse is the output of the intelligent_route built-in.
type RouteResponse struct {
	Success               bool            `json:"success"`
	Confidence            float64         `json:"confidence"`
	Message               string          `json:"message"`
	SelectedTool          *SelectedTool   `json:"selected_tool,omitempty"`
	Result                json.RawMessage `json:"result,omitempty"`
	Alternatives          []Alternative   `json:"alternatives,omitempty"`
	DynamicallyRegistered []string        `json:"dynamically_registered,omitempty"`
	ToolSchema            json.RawMessage `json:"tool_schema,omitempty"`
	Path                  string          `json:"path,omitempty"`
}

type ExecuteToolRequest struct {
	Server    string         `json:"mcp_server" jsonschema:"backend server name"`
	Tool      string         `json:"tool_name" jsonschema:"backend tool name"`
	Arguments map[string]any `json:"arguments,omitempty" jsonschema:"tool arguments"`
}

type ExecuteToolResponse struct {
	Success    bool            `json:"success"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	DurationMs int64           `json:"duration_ms"`
}

type MethodSchemaRequest struct {
	Server string `json:"mcp_server" jsonschema:"backend server name"`
	Tool   string `json:"tool_name" jsonschema:"backend tool name"`
}

type MethodSchemaResponse struct {
	Server      string          `json:"mcp_server"`
	Tool        string          `json:"tool_name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}
