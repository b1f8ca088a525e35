package gateway

import (
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"mcproute/internal/domain"
)

// wireTools converts a registry snapshot into tools/list entries. Input schemas are
// normalized to object schemas. The registry refuses any that cannot be, so a skip here
// only guards against a hand-built snapshot.
func wireTools(snapshot *domain.ToolSnapshot, logger *zap.Logger) []*mcp.Tool {
	tools := []*mcp.Tool{}
	if snapshot == nil {
		return tools
	}
	for _, def := range snapshot.Tools {
		if def.Name == "" {
			continue
		}
		schema, err := domain.NormalizeInputSchema(def.InputSchema)
		if err != nil {
			logger.Warn("skip tool with invalid input schema", zap.String("tool", def.Name), zap.Error(err))
			continue
		}
		tools = append(tools, &mcp.Tool{
			Name:        def.Name,
			Description: def.Description,
			InputSchema: schema,
		})
	}
	return tools
}
