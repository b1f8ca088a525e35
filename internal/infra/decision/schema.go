package decision

import (
	"encoding/json"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"

	"mcproute/internal/domain"
)

var emptyObjectSchema = json.RawMessage(`{"type":"object","properties":{}}`)

// InputSchema builds the object schema a generated workflow accepts.
func InputSchema(params []domain.InputParam) (json.RawMessage, error) {
	schema := &jsonschema.Schema{
		Type:       "object",
		Properties: make(map[string]*jsonschema.Schema, len(params)),
	}
	for _, param := range params {
		prop := &jsonschema.Schema{
			Type:        sanitizeParamType(param.Type),
			Description: param.Description,
		}
		schema.Properties[param.Name] = prop
		if param.Required {
			schema.Required = append(schema.Required, param.Name)
		}
	}
	if _, err := schema.Resolve(nil); err != nil {
		return nil, fmt.Errorf("resolve input schema: %w", err)
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("marshal input schema: %w", err)
	}
	return data, nil
}

// proxySchema returns the backend schema normalized to an object schema, or an empty
// object schema when the backend sent none. A schema that is not an object schema is
// returned unchanged, and registration rejects it.
func proxySchema(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || string(raw) == "null" {
		return emptyObjectSchema
	}
	normalized, err := domain.NormalizeInputSchema(raw)
	if err != nil {
		return raw
	}
	return normalized
}
