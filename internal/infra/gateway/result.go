package gateway

import (
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

func textResult(text string, isError bool) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
		IsError: isError,
	}
}

func errorResult(err error) *mcp.CallToolResult {
	return textResult(err.Error(), true)
}

func jsonResult(value any, isError bool) *mcp.CallToolResult {
	data, err := json.Marshal(value)
	if err != nil {
		return textResult(fmt.Sprintf("encode result: %v", err), true)
	}
	return textResult(string(data), isError)
}

func rawResult(raw json.RawMessage) *mcp.CallToolResult {
	if len(raw) == 0 {
		raw = json.RawMessage("null")
	}
	return textResult(string(raw), false)
}
