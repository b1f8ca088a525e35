package transport

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"
)

func newGitServer() *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{Name: "git-server", Version: "1.0.0"}, &mcp.ServerOptions{HasTools: true})
	server.AddTool(&mcp.Tool{
		Name:        "git_status",
		Description: "Show the working tree status",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"path": map[string]any{"type": "string"}},
		},
	}, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var args struct {
			Path string `json:"path"`
		}
		if len(req.Params.Arguments) > 0 {
			if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
				return nil, err
			}
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: "On branch main (" + args.Path + ")"}},
		}, nil
	})
	server.AddTool(&mcp.Tool{
		Name:        "git_fail",
		Description: "Always reports a tool error",
		InputSchema: map[string]any{"type": "object"},
	}, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return &mcp.CallToolResult{
			IsError: true,
			Content: []mcp.Content{&mcp.TextContent{Text: "not a git repository"}},
		}, nil
	})
	return server
}

func connectInMemory(t *testing.T, ctx context.Context, server *mcp.Server, opts ClientOptions) *Client {
	t.Helper()
	clientTransport, serverTransport := mcp.NewInMemoryTransports()
	session, err := server.Connect(ctx, serverTransport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })

	conn, err := clientTransport.Connect(ctx)
	require.NoError(t, err)
	client := NewClient(conn, opts)
	t.Cleanup(func() { _ = client.Close() })
	return client
}
