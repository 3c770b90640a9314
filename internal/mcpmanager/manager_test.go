package mcpmanager

import (
	"context"
	"net/http"
	"net/url"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
)

type fakeTransport struct {
	tools  []mcp.Tool
	closed bool
}

func (f *fakeTransport) Initialize(ctx context.Context) error { return nil }
func (f *fakeTransport) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	return f.tools, nil
}
func (f *fakeTransport) ListPrompts(ctx context.Context) ([]mcp.Prompt, error) { return nil, nil }
func (f *fakeTransport) ListResources(ctx context.Context) ([]mcp.Resource, error) {
	return nil, nil
}
func (f *fakeTransport) ListResourceTemplates(ctx context.Context) ([]mcp.ResourceTemplate, error) {
	return nil, nil
}
func (f *fakeTransport) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	return &mcp.CallToolResult{}, nil
}
func (f *fakeTransport) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	return &mcp.ReadResourceResult{}, nil
}
func (f *fakeTransport) GetPrompt(ctx context.Context, name string, args map[string]string) (*mcp.GetPromptResult, error) {
	return &mcp.GetPromptResult{}, nil
}
func (f *fakeTransport) Close() error { f.closed = true; return nil }

func TestConnectWithoutAuthReachesReady(t *testing.T) {
	m := New(func(serverURL string) (Transport, error) {
		return &fakeTransport{tools: []mcp.Tool{{Name: "search"}}}, nil
	})

	result, err := m.Connect(context.Background(), "https://srv/mcp", ConnectOptions{})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	conn, ok := m.Connection(result.ID)
	if !ok || conn.State != StateReady {
		t.Fatalf("expected ready connection, got %+v", conn)
	}

	tools := m.ListTools()
	if len(tools) != 1 || tools[0].ServerID != result.ID || tools[0].Name != "search" {
		t.Fatalf("unexpected tools: %+v", tools)
	}
}

func TestListToolsUnionPreservesServerID(t *testing.T) {
	m := New(func(serverURL string) (Transport, error) {
		return &fakeTransport{tools: []mcp.Tool{{Name: "tool-a"}}}, nil
	})
	r1, _ := m.Connect(context.Background(), "https://a", ConnectOptions{})
	r2, _ := m.Connect(context.Background(), "https://b", ConnectOptions{})

	tools := m.ListTools()
	if len(tools) != 2 {
		t.Fatalf("expected union of 2 tools, got %d", len(tools))
	}
	seen := map[string]bool{}
	for _, tool := range tools {
		seen[tool.ServerID] = true
	}
	if !seen[r1.ID] || !seen[r2.ID] {
		t.Fatalf("expected tools namespaced by both server ids")
	}
}

func TestOAuthCallbackFlow(t *testing.T) {
	m := New(func(serverURL string) (Transport, error) {
		return &fakeTransport{}, nil
	})

	auth := &AuthProvider{ClientID: "C", AuthURL: "https://idp/authorize", RedirectURL: "https://host/callback/S"}
	result, err := m.Connect(context.Background(), "https://srv/mcp", ConnectOptions{Auth: auth})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if result.AuthURL == "" {
		t.Fatalf("expected pending auth url")
	}

	conn, _ := m.Connection(result.ID)
	if conn.State != StateAuthenticating {
		t.Fatalf("expected authenticating state, got %s", conn.State)
	}

	reqURL, _ := url.Parse("https://host/callback/S?code=abc&state=C")
	req := &http.Request{Method: http.MethodGet, URL: reqURL}
	if !m.IsCallbackRequest(req) {
		t.Fatalf("expected callback request to be recognized")
	}

	cbResult, err := m.HandleCallbackRequest(context.Background(), req)
	if err != nil {
		t.Fatalf("handle callback: %v", err)
	}
	if cbResult.ServerID != result.ID {
		t.Fatalf("unexpected server id: %s", cbResult.ServerID)
	}

	conn, _ = m.Connection(result.ID)
	if conn.State != StateReady {
		t.Fatalf("expected ready after callback, got %s", conn.State)
	}
}

func TestHandleCallbackRequestMissingCode(t *testing.T) {
	m := New(func(serverURL string) (Transport, error) { return &fakeTransport{}, nil })
	auth := &AuthProvider{ClientID: "C", AuthURL: "https://idp/authorize", RedirectURL: "https://host/callback/S"}
	result, _ := m.Connect(context.Background(), "https://srv/mcp", ConnectOptions{Auth: auth})
	_ = result

	reqURL, _ := url.Parse("https://host/callback/S?state=C")
	req := &http.Request{Method: http.MethodGet, URL: reqURL}
	if _, err := m.HandleCallbackRequest(context.Background(), req); err == nil {
		t.Fatalf("expected error for missing code")
	}
}
