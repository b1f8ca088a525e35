package hashutil

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"mcproute/internal/domain"
)

func TestToolETag(t *testing.T) {
	tools := []domain.ToolDefinition{
		{Name: "git_status", Description: "status", InputSchema: json.RawMessage(`{"type":"object"}`), Origin: domain.ToolOriginDynamic},
	}

	first := ToolETag(nil, tools)
	require.Len(t, first, 64)
	require.Equal(t, first, ToolETag(nil, tools))

	changed := append([]domain.ToolDefinition(nil), tools...)
	changed[0].Description = "working tree status"
	require.NotEqual(t, first, ToolETag(nil, changed))
}

func TestToolETag_InvalidSchemaYieldsEmpty(t *testing.T) {
	tools := []domain.ToolDefinition{{Name: "broken", InputSchema: json.RawMessage(`{`)}}
	require.Empty(t, ToolETag(nil, tools))
}
