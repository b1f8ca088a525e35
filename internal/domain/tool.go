package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

type ToolOrigin string

const (
	ToolOriginBase    ToolOrigin = "base"
	ToolOriginDynamic ToolOrigin = "dynamic"
)

// ToolDefinition is the client-facing shape of a tool. Values are treated as immutable once built.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
	Origin      ToolOrigin      `json:"origin"`
}

// ToolSnapshot is a published, read-only view of every visible tool.
type ToolSnapshot struct {
	ETag  string
	Tools []ToolDefinition
}

// Names lists tool names in snapshot order.
func (s *ToolSnapshot) Names() []string {
	if s == nil {
		return nil
	}
	out := make([]string, 0, len(s.Tools))
	for _, tool := range s.Tools {
		out = append(out, tool.Name)
	}
	return out
}

// ErrInvalidInputSchema marks a tool input schema that cannot describe an arguments object.
var ErrInvalidInputSchema = errors.New("input schema must be a JSON object schema")

// NormalizeInputSchema returns raw as a schema clients accept for tool arguments. A missing
// schema becomes {"type":"object"}, and an object without "type" gets "type":"object".
// Anything whose type is not "object" is rejected.
func NormalizeInputSchema(raw json.RawMessage) (json.RawMessage, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return json.RawMessage(`{"type":"object"}`), nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(trimmed), &obj); err != nil || obj == nil {
		return nil, ErrInvalidInputSchema
	}
	typ, ok := obj["type"]
	if ok {
		if val, isString := typ.(string); isString && val == "object" {
			return raw, nil
		}
		if val, isString := typ.(string); !isString || !strings.EqualFold(val, "object") {
			return nil, fmt.Errorf("%w: type is %v", ErrInvalidInputSchema, typ)
		}
	}
	obj["type"] = "object"
	data, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInputSchema, err)
	}
	return data, nil
}

// BackendTool is one tool discovered on a backend server.
type BackendTool struct {
	Server      string          `json:"server"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// QualifiedName joins server and tool as "server::tool".
func (t BackendTool) QualifiedName() string {
	return QualifyTool(t.Server, t.Name)
}

func QualifyTool(server, tool string) string {
	return server + "::" + tool
}

// SplitQualified splits "server::tool". The second result is false when the separator is missing.
func SplitQualified(qualified string) (string, string, bool) {
	server, tool, ok := strings.Cut(qualified, "::")
	if !ok || server == "" || tool == "" {
		return "", "", false
	}
	return server, tool, true
}

// EntryMeta carries lifetime and usage accounting for a dynamic tool.
type EntryMeta struct {
	RegisteredAt   time.Time
	TTL            time.Duration
	LastUsed       time.Time
	ExecutionCount int64
}

// ExpiresAt returns the instant after which the entry is no longer visible.
func (m EntryMeta) ExpiresAt() time.Time {
	return m.RegisteredAt.Add(m.TTL)
}

// Live reports whether the entry is visible at now.
func (m EntryMeta) Live(now time.Time) bool {
	return now.Before(m.ExpiresAt())
}

// RegisteredTool is a dynamic tool. Implementations are ProxiedTool and ScriptTool only.
type RegisteredTool interface {
	Definition() ToolDefinition
	registeredTool()
}

// ProxiedTool forwards calls verbatim to a single backend method.
type ProxiedTool struct {
	Tool   ToolDefinition
	Server string
	Method string
}

func (p ProxiedTool) Definition() ToolDefinition { return p.Tool }
func (ProxiedTool) registeredTool()              {}

// ScriptTool runs validated workflow code that may call the listed bridges.
type ScriptTool struct {
	Tool    ToolDefinition
	Source  string
	Bridges []string
	Plan    *WorkflowPlan
}

func (s ScriptTool) Definition() ToolDefinition { return s.Tool }
func (ScriptTool) registeredTool()              {}

// DynamicEntry pairs a registered tool with its accounting metadata.
type DynamicEntry struct {
	Tool RegisteredTool
	Meta EntryMeta
}

// ResolvedTool is the result of a registry lookup.
type ResolvedTool struct {
	Definition ToolDefinition
	// Dynamic is nil for base tools.
	Dynamic RegisteredTool
}

type RegistryStats struct {
	BaseTools    int   `json:"baseTools"`
	DynamicTools int   `json:"dynamicTools"`
	Capacity     int   `json:"capacity"`
	Proxied      int   `json:"proxied"`
	Scripted     int   `json:"scripted"`
	Executions   int64 `json:"executions"`
}

const (
	ToolKindBase    = "base"
	ToolKindProxied = "proxied"
	ToolKindScript  = "script"
)

// ToolKind labels a registered tool for logs, history and stats.
func ToolKind(tool RegisteredTool) string {
	switch tool.(type) {
	case ProxiedTool, *ProxiedTool:
		return ToolKindProxied
	case ScriptTool, *ScriptTool:
		return ToolKindScript
	default:
		return ToolKindBase
	}
}
