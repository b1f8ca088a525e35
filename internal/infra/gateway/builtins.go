package gateway

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"

	"mcproute/internal/domain"
	"mcproute/internal/infra/decision"
)

const (
	ToolIntelligentRoute = "intelligent_route"
	ToolExecuteTool      = "execute_tool"
	ToolGetMethodSchema  = "get_method_schema"
)

const (
	executeToolDescription = "Call any discovered backend tool directly by server and tool name. " +
		"Use get_method_schema first when you are unsure about the arguments."
	methodSchemaDescription = "Return the input schema and description of a backend tool."
	routeUsageHint          = " Describe the task in user_request; matching tools are registered and appear in the next tools/list."
)

// builtin carries the generated schema of one built-in tool, both in wire form and
// resolved for argument validation.
type builtin struct {
	raw      json.RawMessage
	resolved *jsonschema.Resolved
}

var (
	builtinsOnce sync.Once
	builtinsErr  error
	builtins     map[string]builtin
)

func loadBuiltins() (map[string]builtin, error) {
	builtinsOnce.Do(func() {
		routeSchema, err := jsonschema.For[domain.RouteRequest](nil)
		if err != nil {
			builtinsErr = fmt.Errorf("infer %s schema: %w", ToolIntelligentRoute, err)
			return
		}
		routeSchema.Properties["decision_mode"].Enum = []any{
			string(domain.DecisionModeAuto), string(domain.DecisionModeLLM), string(domain.DecisionModeVector),
		}
		routeSchema.Properties["execution_mode"].Enum = []any{
			string(domain.ExecutionModeDynamic), string(domain.ExecutionModeQuery),
		}
		routeSchema.Properties["max_candidates"].Minimum = jsonschema.Ptr(0.0)

		executeSchema, err := jsonschema.For[domain.ExecuteToolRequest](nil)
		if err != nil {
			builtinsErr = fmt.Errorf("infer %s schema: %w", ToolExecuteTool, err)
			return
		}
		methodSchema, err := jsonschema.For[domain.MethodSchemaRequest](nil)
		if err != nil {
			builtinsErr = fmt.Errorf("infer %s schema: %w", ToolGetMethodSchema, err)
			return
		}

		out := make(map[string]builtin, 3)
		for name, schema := range map[string]*jsonschema.Schema{
			ToolIntelligentRoute: routeSchema,
			ToolExecuteTool:      executeSchema,
			ToolGetMethodSchema:  methodSchema,
		} {
			resolved, err := schema.Resolve(nil)
			if err != nil {
				builtinsErr = fmt.Errorf("resolve %s schema: %w", name, err)
				return
			}
			raw, err := json.Marshal(schema)
			if err != nil {
				builtinsErr = fmt.Errorf("marshal %s schema: %w", name, err)
				return
			}
			out[name] = builtin{raw: raw, resolved: resolved}
		}
		builtins = out
	})
	return builtins, builtinsErr
}

// IsBuiltin reports whether name is one of the gateway's own tools.
func IsBuiltin(name string) bool {
	switch name {
	case ToolIntelligentRoute, ToolExecuteTool, ToolGetMethodSchema:
		return true
	default:
		return false
	}
}

// BaseTools builds the permanent tool set for a discovery snapshot. Only the
// intelligent_route description depends on discovery; backend tools are never base tools.
func BaseTools(discovery domain.Discovery) ([]domain.ToolDefinition, error) {
	schemas, err := loadBuiltins()
	if err != nil {
		return nil, err
	}
	return []domain.ToolDefinition{
		{
			Name:        ToolIntelligentRoute,
			Description: decision.CapabilitySummary(discovery) + routeUsageHint,
			InputSchema: schemas[ToolIntelligentRoute].raw,
			Origin:      domain.ToolOriginBase,
		},
		{
			Name:        ToolExecuteTool,
			Description: executeToolDescription,
			InputSchema: schemas[ToolExecuteTool].raw,
			Origin:      domain.ToolOriginBase,
		},
		{
			Name:        ToolGetMethodSchema,
			Description: methodSchemaDescription,
			InputSchema: schemas[ToolGetMethodSchema].raw,
			Origin:      domain.ToolOriginBase,
		},
	}, nil
}

// decodeArguments validates raw against the built-in's schema and decodes it into out.
func decodeArguments(name string, raw json.RawMessage, out any) error {
	schemas, err := loadBuiltins()
	if err != nil {
		return domain.E(domain.CodeInternal, opCallTool, "", err)
	}
	if len(raw) == 0 || string(raw) == "null" {
		raw = json.RawMessage("{}")
	}
	var instance any
	if err := json.Unmarshal(raw, &instance); err != nil {
		return domain.E(domain.CodeMalformedRequest, opCallTool, fmt.Sprintf("%s arguments are not valid JSON: %v", name, err), domain.ErrMalformedRequest)
	}
	if err := schemas[name].resolved.Validate(instance); err != nil {
		return domain.E(domain.CodeMalformedRequest, opCallTool, fmt.Sprintf("invalid %s arguments: %v", name, err), domain.ErrMalformedRequest)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return domain.E(domain.CodeMalformedRequest, opCallTool, fmt.Sprintf("decode %s arguments: %v", name, err), domain.ErrMalformedRequest)
	}
	return nil
}
