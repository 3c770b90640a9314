package demoagent

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/fly-lab/agents/internal/instance"
	"github.com/fly-lab/agents/internal/mcpmanager"
	"github.com/fly-lab/agents/internal/rpc"
	"github.com/fly-lab/agents/internal/store"
	"github.com/fly-lab/agents/internal/testutil"
	"github.com/fly-lab/agents/internal/wsproto"
)

// fakeTransport satisfies mcpmanager.Transport without any network I/O, so
// connect/reconnect flows in these tests stay hermetic.
type fakeTransport struct {
	closed bool
}

func (f *fakeTransport) Initialize(ctx context.Context) error { return nil }
func (f *fakeTransport) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	return []mcp.Tool{{Name: "search"}}, nil
}
func (f *fakeTransport) ListPrompts(ctx context.Context) ([]mcp.Prompt, error) { return nil, nil }
func (f *fakeTransport) ListResources(ctx context.Context) ([]mcp.Resource, error) {
	return nil, nil
}
func (f *fakeTransport) ListResourceTemplates(ctx context.Context) ([]mcp.ResourceTemplate, error) {
	return nil, nil
}
func (f *fakeTransport) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	return nil, nil
}
func (f *fakeTransport) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	return nil, nil
}
func (f *fakeTransport) GetPrompt(ctx context.Context, name string, args map[string]string) (*mcp.GetPromptResult, error) {
	return nil, nil
}
func (f *fakeTransport) Close() error { f.closed = true; return nil }

func newFakeManager() *mcpmanager.Manager {
	return mcpmanager.New(func(serverURL string) (mcpmanager.Transport, error) {
		return &fakeTransport{}, nil
	})
}

// newTestInstance builds a real instance.Instance against a temp SQLite
// file so the MCP-persistence tests exercise the actual store, not a fake.
func newTestInstance(t *testing.T, class *instance.Class) *instance.Instance {
	t.Helper()
	db, cleanup := testutil.OpenTestDB(t)
	t.Cleanup(cleanup)
	inst := instance.New(class, "inst-1", db, store.NewStore(db))
	t.Cleanup(func() { _ = inst.Close() })
	return inst
}

func TestConnectMCPServerPersistsBinding(t *testing.T) {
	mcp := newFakeManager()
	class := New(mcp)
	inst := newTestInstance(t, class)

	inv := rpc.Invocation{Agent: inst}
	d := rpc.NewDispatcher(class.Registry)

	var got rpc.Response
	d.Dispatch(context.Background(), inv, "connectMCPServer", []any{"https://example.com/mcp"}, func(r rpc.Response) {
		got = r
	})
	if !got.Success {
		t.Fatalf("connectMCPServer failed: %+v", got)
	}

	rows, err := inst.Store().ListMCPServers(context.Background())
	if err != nil {
		t.Fatalf("list mcp servers: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 persisted server binding, got %d", len(rows))
	}
	if rows[0].ServerURL != "https://example.com/mcp" {
		t.Fatalf("unexpected server url: %+v", rows[0])
	}
}

func TestCloseMCPServerForgetsBinding(t *testing.T) {
	mcp := newFakeManager()
	class := New(mcp)
	inst := newTestInstance(t, class)

	inv := rpc.Invocation{Agent: inst}
	d := rpc.NewDispatcher(class.Registry)

	var connectResp rpc.Response
	d.Dispatch(context.Background(), inv, "connectMCPServer", []any{"https://example.com/mcp"}, func(r rpc.Response) {
		connectResp = r
	})
	result, ok := connectResp.Result.(mcpmanager.ConnectResult)
	if !ok {
		t.Fatalf("unexpected connect result type: %+v", connectResp.Result)
	}

	var closeResp rpc.Response
	d.Dispatch(context.Background(), inv, "closeMCPServer", []any{result.ID}, func(r rpc.Response) {
		closeResp = r
	})
	if !closeResp.Success {
		t.Fatalf("closeMCPServer failed: %+v", closeResp)
	}

	rows, err := inst.Store().ListMCPServers(context.Background())
	if err != nil {
		t.Fatalf("list mcp servers: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected binding to be forgotten, got %+v", rows)
	}
}

func TestMCPDiscoveryMethodsAfterConnect(t *testing.T) {
	mcp := newFakeManager()
	class := New(mcp)
	inst := newTestInstance(t, class)

	inv := rpc.Invocation{Agent: inst}
	d := rpc.NewDispatcher(class.Registry)

	var connectResp rpc.Response
	d.Dispatch(context.Background(), inv, "connectMCPServer", []any{"https://example.com/mcp"}, func(r rpc.Response) {
		connectResp = r
	})
	result := connectResp.Result.(mcpmanager.ConnectResult)

	var toolsResp rpc.Response
	d.Dispatch(context.Background(), inv, "listMCPTools", nil, func(r rpc.Response) { toolsResp = r })
	tools := toolsResp.Result.([]mcpmanager.NamespacedTool)
	if len(tools) != 1 || tools[0].Name != "search" {
		t.Fatalf("unexpected listMCPTools result: %+v", tools)
	}

	var callResp rpc.Response
	d.Dispatch(context.Background(), inv, "callMCPTool", []any{result.ID, "search", map[string]any{"q": "go"}}, func(r rpc.Response) {
		callResp = r
	})
	if !callResp.Success {
		t.Fatalf("callMCPTool failed: %+v", callResp)
	}

	var aiToolsResp rpc.Response
	d.Dispatch(context.Background(), inv, "unstableGetAITools", nil, func(r rpc.Response) { aiToolsResp = r })
	aiTools := aiToolsResp.Result.(map[string]mcpmanager.AITool)
	if len(aiTools) != 1 {
		t.Fatalf("expected 1 ai tool, got %d", len(aiTools))
	}
}

func TestConnectMCPServerWithOAuthReturnsAuthURL(t *testing.T) {
	mcp := newFakeManager()
	class := New(mcp)
	inst := newTestInstance(t, class)

	inv := rpc.Invocation{Agent: inst}
	d := rpc.NewDispatcher(class.Registry)

	var got rpc.Response
	d.Dispatch(context.Background(), inv, "connectMCPServerWithOAuth", []any{
		"https://example.com/mcp", "client-1", "https://example.com/authorize",
		"https://example.com/token", "https://host.example/callback",
	}, func(r rpc.Response) { got = r })

	if !got.Success {
		t.Fatalf("connectMCPServerWithOAuth failed: %+v", got)
	}
	result := got.Result.(mcpmanager.ConnectResult)
	if result.AuthURL == "" {
		t.Fatalf("expected an authUrl to redirect the user to, got %+v", result)
	}
}

func TestConnectionCountReflectsAttachedConnections(t *testing.T) {
	mcp := newFakeManager()
	class := New(mcp)
	inst := newTestInstance(t, class)

	inv := rpc.Invocation{Agent: inst}
	d := rpc.NewDispatcher(class.Registry)

	var got rpc.Response
	d.Dispatch(context.Background(), inv, "connectionCount", nil, func(r rpc.Response) {
		got = r
	})
	if got.Result != 0 {
		t.Fatalf("expected 0 connections before any attach, got %+v", got)
	}

	conn := instance.NewConnection("conn-1", func([]byte) error { return nil }, func() error { return nil })
	inst.AddConnection(context.Background(), conn)

	d.Dispatch(context.Background(), inv, "connectionCount", nil, func(r rpc.Response) {
		got = r
	})
	if got.Result != 1 {
		t.Fatalf("expected 1 connection after attach, got %+v", got)
	}
}

func TestReconnectMCPServersReplaysPersistedBindingsOnHydrate(t *testing.T) {
	mcp := newFakeManager()
	class := New(mcp)

	db, cleanup := testutil.OpenTestDB(t)
	t.Cleanup(cleanup)
	st := store.NewStore(db)
	if err := st.UpsertMCPServer(context.Background(), store.MCPServerRow{
		ID:        "srv-1",
		ServerURL: "https://example.com/mcp",
		ClientID:  "client-abc",
	}); err != nil {
		t.Fatalf("seed mcp server row: %v", err)
	}

	inst := instance.New(class, "inst-2", db, st)
	t.Cleanup(func() { _ = inst.Close() })

	if err := class.OnHydrate(context.Background(), inst); err != nil {
		t.Fatalf("OnHydrate: %v", err)
	}

	if _, ok := mcp.Connection("srv-1"); !ok {
		t.Fatalf("expected reconnectMCPServers to re-establish srv-1")
	}
}

func TestEchoChatResponseRepliesWithSameBody(t *testing.T) {
	var written []byte
	conn := instance.NewConnection("conn-1", func(data []byte) error {
		written = data
		return nil
	}, func() error { return nil })

	req, err := json.Marshal(wsproto.ChatRequestFrame{
		Type: wsproto.TypeChatRequest,
		ID:   "req-1",
		Init: json.RawMessage(`{"role":"user","content":"hi"}`),
	})
	if err != nil {
		t.Fatalf("encode chat request: %v", err)
	}

	echoChatResponse(context.Background(), conn, req)

	if written == nil {
		t.Fatalf("expected a response frame to be written")
	}
	env, ok := wsproto.Decode(written)
	if !ok || env.Type != wsproto.TypeChatResponse {
		t.Fatalf("expected a chat response frame, got %+v", env)
	}
	var resp wsproto.ChatResponseFrame
	if err := json.Unmarshal(env.Raw, &resp); err != nil {
		t.Fatalf("decode chat response: %v", err)
	}
	if resp.ID != "req-1" || !resp.Done {
		t.Fatalf("unexpected chat response frame: %+v", resp)
	}
}
