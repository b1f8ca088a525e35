package domain

import (
	"context"
	"encoding/json"
)

// Embedder turns text into fixed-length vectors.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// Completer is the LLM text-completion collaborator.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// ToolCaller invokes a backend tool and returns its decoded result value.
type ToolCaller interface {
	CallTool(ctx context.Context, server, tool string, args json.RawMessage) (json.RawMessage, error)
}

// DiscoverySource exposes the current discovery snapshot.
type DiscoverySource interface {
	Discovery(ctx context.Context) Discovery
}

// ScriptExecutor runs a script-orchestrated tool with the given input object.
type ScriptExecutor interface {
	Execute(ctx context.Context, tool ScriptTool, input json.RawMessage) (json.RawMessage, error)
}

// ScriptValidator checks generated workflow code before registration.
type ScriptValidator interface {
	Validate(ctx context.Context, source string, bridges []string) error
}

// ToolRegistry is the dynamic registry surface used by routing and the facade.
type ToolRegistry interface {
	Register(tool RegisteredTool) error
	GetTool(name string) (ResolvedTool, error)
	AllToolDefinitions() *ToolSnapshot
}

// HistoryRecorder persists route and execution outcomes.
type HistoryRecorder interface {
	RecordRoute(ctx context.Context, record RouteRecord) error
	RecordExecution(ctx context.Context, record ExecutionRecord) error
}
