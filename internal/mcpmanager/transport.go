package mcpmanager

import (
	"context"
	"fmt"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
)

// goMCPTransport adapts mark3labs/mcp-go/client's streamable-HTTP client to
// the Transport interface the manager drives.
type goMCPTransport struct {
	client *mcpclient.Client
}

// NewStreamableTransport is the default TransportFactory: one
// streamable-HTTP MCP session per connection.
func NewStreamableTransport(serverURL string) (Transport, error) {
	c, err := mcpclient.NewStreamableHttpClient(serverURL)
	if err != nil {
		return nil, fmt.Errorf("new streamable http client: %w", err)
	}
	return &goMCPTransport{client: c}, nil
}

func (t *goMCPTransport) Initialize(ctx context.Context) error {
	// Start begins the underlying transport (for streamable HTTP, the
	// client's session) and is required before the first request of any
	// kind, Initialize included.
	if err := t.client.Start(ctx); err != nil {
		return fmt.Errorf("start transport: %w", err)
	}
	_, err := t.client.Initialize(ctx, mcp.InitializeRequest{})
	return err
}

func (t *goMCPTransport) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	res, err := t.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, err
	}
	return res.Tools, nil
}

func (t *goMCPTransport) ListPrompts(ctx context.Context) ([]mcp.Prompt, error) {
	res, err := t.client.ListPrompts(ctx, mcp.ListPromptsRequest{})
	if err != nil {
		return nil, err
	}
	return res.Prompts, nil
}

func (t *goMCPTransport) ListResources(ctx context.Context) ([]mcp.Resource, error) {
	res, err := t.client.ListResources(ctx, mcp.ListResourcesRequest{})
	if err != nil {
		return nil, err
	}
	return res.Resources, nil
}

func (t *goMCPTransport) ListResourceTemplates(ctx context.Context) ([]mcp.ResourceTemplate, error) {
	res, err := t.client.ListResourceTemplates(ctx, mcp.ListResourceTemplatesRequest{})
	if err != nil {
		return nil, err
	}
	return res.ResourceTemplates, nil
}

func (t *goMCPTransport) CallTool(ctx context.Context, name string, arguments map[string]any) (*mcp.CallToolResult, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = arguments
	return t.client.CallTool(ctx, req)
}

func (t *goMCPTransport) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	req := mcp.ReadResourceRequest{}
	req.Params.URI = uri
	return t.client.ReadResource(ctx, req)
}

func (t *goMCPTransport) GetPrompt(ctx context.Context, name string, arguments map[string]string) (*mcp.GetPromptResult, error) {
	req := mcp.GetPromptRequest{}
	req.Params.Name = name
	req.Params.Arguments = arguments
	return t.client.GetPrompt(ctx, req)
}

func (t *goMCPTransport) Close() error {
	return t.client.Close()
}
