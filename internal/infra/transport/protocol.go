package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"mcproute/internal/domain"
)

const maxListPages = 100

// ServerInfo is what a backend reported during the initialize handshake.
type ServerInfo struct {
	Name            string
	Version         string
	ProtocolVersion string
	Instructions    string
	ToolsChanged    bool
}

// Initialize performs the MCP handshake and sends notifications/initialized.
func (c *Client) Initialize(ctx context.Context, clientName, clientVersion string) (ServerInfo, error) {
	params := &mcp.InitializeParams{
		ProtocolVersion: domain.DefaultProtocolVersion,
		ClientInfo: &mcp.Implementation{
			Name:    clientName,
			Version: clientVersion,
		},
		Capabilities: &mcp.ClientCapabilities{},
	}
	raw, err := c.Call(ctx, "initialize", params)
	if err != nil {
		return ServerInfo{}, fmt.Errorf("initialize: %w", err)
	}
	info, err := decodeInitializeResult(raw)
	if err != nil {
		return ServerInfo{}, err
	}
	if err := c.Notify(ctx, "notifications/initialized", &mcp.InitializedParams{}); err != nil {
		return ServerInfo{}, fmt.Errorf("send initialized: %w", err)
	}
	return info, nil
}

func decodeInitializeResult(raw json.RawMessage) (ServerInfo, error) {
	if len(raw) == 0 {
		return ServerInfo{}, errors.New("initialize response missing result")
	}
	var result mcp.InitializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return ServerInfo{}, fmt.Errorf("decode initialize result: %w", err)
	}
	if strings.TrimSpace(result.ProtocolVersion) == "" {
		return ServerInfo{}, errors.New("missing protocolVersion")
	}
	if result.ServerInfo == nil || result.ServerInfo.Name == "" {
		return ServerInfo{}, errors.New("missing serverInfo")
	}
	if result.Capabilities == nil {
		return ServerInfo{}, errors.New("missing capabilities")
	}
	info := ServerInfo{
		Name:            result.ServerInfo.Name,
		Version:         result.ServerInfo.Version,
		ProtocolVersion: result.ProtocolVersion,
		Instructions:    result.Instructions,
	}
	if result.Capabilities.Tools != nil {
		info.ToolsChanged = result.Capabilities.Tools.ListChanged
	}
	return info, nil
}

type wireTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

type listToolsResult struct {
	Tools      []wireTool `json:"tools"`
	NextCursor string     `json:"nextCursor,omitempty"`
}

// ListTools fetches every page of tools/list for server.
func (c *Client) ListTools(ctx context.Context, server string) ([]domain.BackendTool, error) {
	var out []domain.BackendTool
	seen := make(map[string]struct{})
	cursor := ""
	for page := 0; page < maxListPages; page++ {
		params := map[string]any{}
		if cursor != "" {
			params["cursor"] = cursor
		}
		raw, err := c.Call(ctx, "tools/list", params)
		if err != nil {
			return nil, fmt.Errorf("tools/list: %w", err)
		}
		var result listToolsResult
		if err := json.Unmarshal(raw, &result); err != nil {
			return nil, fmt.Errorf("decode tools/list: %w", err)
		}
		for _, tool := range result.Tools {
			if strings.TrimSpace(tool.Name) == "" {
				continue
			}
			if _, ok := seen[tool.Name]; ok {
				continue
			}
			seen[tool.Name] = struct{}{}
			schema, err := domain.NormalizeInputSchema(tool.InputSchema)
			if err != nil {
				schema = tool.InputSchema
			}
			out = append(out, domain.BackendTool{
				Server:      server,
				Name:        tool.Name,
				Description: tool.Description,
				InputSchema: schema,
			})
		}
		if result.NextCursor == "" || result.NextCursor == cursor {
			return out, nil
		}
		cursor = result.NextCursor
	}
	return out, nil
}

type wireContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type callToolResult struct {
	Content           []wireContent   `json:"content"`
	StructuredContent json.RawMessage `json:"structuredContent,omitempty"`
	IsError           bool            `json:"isError,omitempty"`
}

// ToolOutput is a decoded tools/call result.
type ToolOutput struct {
	// Value is structuredContent when present, else the joined text blocks, else null.
	Value   json.RawMessage
	IsError bool
	Text    string
}

// CallTool invokes tools/call. args must already be a JSON object or null.
func (c *Client) CallTool(ctx context.Context, name string, args json.RawMessage) (ToolOutput, error) {
	params := struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}{Name: name, Arguments: args}
	if len(params.Arguments) == 0 || string(params.Arguments) == "null" {
		params.Arguments = json.RawMessage(`{}`)
	}
	raw, err := c.Call(ctx, "tools/call", params)
	if err != nil {
		return ToolOutput{}, err
	}
	return DecodeToolOutput(raw)
}

// DecodeToolOutput extracts the result value from a tools/call response.
func DecodeToolOutput(raw json.RawMessage) (ToolOutput, error) {
	var result callToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return ToolOutput{}, fmt.Errorf("decode tools/call result: %w", err)
	}
	texts := make([]string, 0, len(result.Content))
	for _, block := range result.Content {
		if block.Type == "text" {
			texts = append(texts, block.Text)
		}
	}
	out := ToolOutput{IsError: result.IsError, Text: strings.Join(texts, "\n")}
	switch {
	case len(result.StructuredContent) > 0 && string(result.StructuredContent) != "null":
		out.Value = result.StructuredContent
	case len(texts) > 0:
		encoded, err := json.Marshal(out.Text)
		if err != nil {
			return ToolOutput{}, fmt.Errorf("encode text result: %w", err)
		}
		out.Value = encoded
	default:
		out.Value = json.RawMessage("null")
	}
	return out, nil
}

// Ping sends a ping request and expects an empty result.
func (c *Client) Ping(ctx context.Context) error {
	raw, err := c.Call(ctx, "ping", nil)
	if err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	if len(raw) == 0 {
		return errors.New("ping response missing result")
	}
	return nil
}

// IsMethodNotFound reports whether err is a JSON-RPC method-not-found reply.
func IsMethodNotFound(err error) bool {
	var rpcErr *jsonrpc.Error
	return errors.As(err, &rpcErr) && rpcErr.Code == jsonrpc.CodeMethodNotFound
}

// RPCErrorMessage returns the message of a JSON-RPC error reply, if err is one.
func RPCErrorMessage(err error) (string, bool) {
	var rpcErr *jsonrpc.Error
	if errors.As(err, &rpcErr) {
		return rpcErr.Message, true
	}
	return "", false
}
