// Package demoagent registers one example agent class, "Assistant", that
// exercises the runtime's RPC dispatch, scheduled/queued callbacks, and
// chat-message relay end to end. It plays the role the teacher's built-in
// weather/exec demo agent played: a working example a new host can copy
// from, not a feature of the framework itself.
package demoagent

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/fly-lab/agents/internal/instance"
	"github.com/fly-lab/agents/internal/mcpmanager"
	"github.com/fly-lab/agents/internal/rpc"
	"github.com/fly-lab/agents/internal/store"
	"github.com/fly-lab/agents/internal/wsproto"
)

// New builds the "Assistant" class: its callable-method registry plus the
// scheduled/queued callback map the instance's alarm loop resolves by
// name. mcp is shared across every instance of the class, as the spec's
// MCP client manager is not pinned to one instance; each instance still
// persists and restores its own reconnectable server bindings, per the
// storage layer's mcp_servers table.
func New(mcp *mcpmanager.Manager) *instance.Class {
	registry := rpc.NewRegistry()
	registry.RegisterCallable("addNumbers", addNumbers)
	registry.RegisterStreaming("countUp", countUp)
	registry.RegisterCallable("connectMCPServer", connectMCPServer(mcp))
	registry.RegisterCallable("connectMCPServerWithOAuth", connectMCPServerWithOAuth(mcp))
	registry.RegisterCallable("listMCPTools", listMCPTools(mcp))
	registry.RegisterCallable("listMCPPrompts", listMCPPrompts(mcp))
	registry.RegisterCallable("listMCPResources", listMCPResources(mcp))
	registry.RegisterCallable("listMCPResourceTemplates", listMCPResourceTemplates(mcp))
	registry.RegisterCallable("callMCPTool", callMCPTool(mcp))
	registry.RegisterCallable("readMCPResource", readMCPResource(mcp))
	registry.RegisterCallable("getMCPPrompt", getMCPPrompt(mcp))
	registry.RegisterCallable("unstableGetAITools", unstableGetAITools(mcp))
	registry.RegisterCallable("closeMCPServer", closeMCPServer(mcp))
	registry.RegisterCallable("connectionCount", connectionCount)

	class := &instance.Class{
		Name:     "Assistant",
		Registry: registry,
		OnConnect: func(ctx context.Context, conn *instance.Connection) {
			log.Printf("demoagent: connection %s opened", conn.ID)
		},
		OnStateUpdate: func(ctx context.Context, oldState, newState json.RawMessage) {
			log.Printf("demoagent: state %s -> %s", oldState, newState)
		},
		OnError: func(err error) {
			log.Printf("demoagent: handler error: %v", err)
		},
		OnHydrate: reconnectMCPServers(mcp),
		OnMessage: echoChatResponse,
	}
	class.Callbacks = map[string]func(ctx context.Context, payload string) error{
		"logReminder": func(ctx context.Context, payload string) error {
			log.Printf("demoagent: reminder fired: %s", payload)
			return nil
		},
	}
	return class
}

// reconnectMCPServers restores every MCP binding this instance persisted
// before it was last evicted or restarted, so a host doesn't have to
// replay connect()/OAuth for servers that were already ready.
func reconnectMCPServers(mcp *mcpmanager.Manager) func(ctx context.Context, inst *instance.Instance) error {
	return func(ctx context.Context, inst *instance.Instance) error {
		rows, err := inst.Store().ListMCPServers(ctx)
		if err != nil {
			return err
		}
		for _, row := range rows {
			_, err := mcp.Connect(ctx, row.ServerURL, mcpmanager.ConnectOptions{
				Reconnect: &mcpmanager.ReconnectOptions{ID: row.ID, OAuthClientID: row.ClientID},
			})
			if err != nil {
				log.Printf("demoagent: reconnect mcp server %s: %v", row.ID, err)
			}
		}
		return nil
	}
}

// echoChatResponse is a placeholder chat handler: it sends the user's own
// message straight back as the assistant's reply, demonstrating the
// cf_agent_use_chat_response frame without performing any LLM
// orchestration, which stays out of scope for this runtime.
func echoChatResponse(ctx context.Context, conn *instance.Connection, data []byte) {
	env, ok := wsproto.Decode(data)
	if !ok || env.Type != wsproto.TypeChatRequest {
		return
	}
	f, err := wsproto.DecodeChatRequest(env.Raw)
	if err != nil {
		return
	}
	resp, err := wsproto.EncodeChatResponse(wsproto.ChatResponseFrame{ID: f.ID, Body: f.Init, Done: true})
	if err != nil {
		return
	}
	_ = conn.WriteText(resp)
}

func addNumbers(ctx context.Context, args []any, sink rpc.Sink) (any, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("addNumbers expects 2 arguments, got %d", len(args))
	}
	a, ok1 := toFloat(args[0])
	b, ok2 := toFloat(args[1])
	if !ok1 || !ok2 {
		return nil, fmt.Errorf("addNumbers expects numeric arguments")
	}
	return a + b, nil
}

func countUp(ctx context.Context, args []any, sink rpc.Sink) (any, error) {
	n := 3
	if len(args) == 1 {
		if v, ok := toFloat(args[0]); ok {
			n = int(v)
		}
	}
	for i := 1; i <= n; i++ {
		if err := sink.Send(i); err != nil {
			return nil, err
		}
	}
	return n, sink.End(n)
}

// connectMCPServer wires the manager's connect flow in as an RPC method:
// addNumbers-style agents can onboard a remote MCP server by URL and,
// when it requires OAuth, get back an authUrl to redirect the end user to.
// A successful connect is persisted to this instance's mcp_servers table
// so it survives eviction and is restored by reconnectMCPServers.
func connectMCPServer(mcp *mcpmanager.Manager) rpc.Method {
	return func(ctx context.Context, args []any, sink rpc.Sink) (any, error) {
		if len(args) < 1 {
			return nil, fmt.Errorf("connectMCPServer expects a server url argument")
		}
		url, ok := args[0].(string)
		if !ok {
			return nil, fmt.Errorf("connectMCPServer expects a string url")
		}
		result, err := mcp.Connect(ctx, url, mcpmanager.ConnectOptions{})
		if err != nil {
			return nil, err
		}
		if inst, ok := currentInstance(ctx); ok {
			if err := inst.Store().UpsertMCPServer(ctx, store.MCPServerRow{
				ID:        result.ID,
				ServerURL: url,
				ClientID:  result.ClientID,
				AuthURL:   result.AuthURL,
			}); err != nil {
				return nil, fmt.Errorf("persist mcp server binding: %w", err)
			}
		}
		return result, nil
	}
}

// connectMCPServerWithOAuth is connectMCPServer's counterpart for a remote
// server that requires the authorization-code+PKCE flow up front: the
// caller supplies the OAuth endpoints and scopes, and a successful call
// returns an authUrl to redirect the end user to rather than a ready
// connection (completed later via the host's callback endpoint).
func connectMCPServerWithOAuth(mcp *mcpmanager.Manager) rpc.Method {
	return func(ctx context.Context, args []any, sink rpc.Sink) (any, error) {
		if len(args) < 5 {
			return nil, fmt.Errorf("connectMCPServerWithOAuth expects url, clientId, authUrl, tokenUrl, redirectUrl arguments")
		}
		url, ok1 := args[0].(string)
		clientID, ok2 := args[1].(string)
		authURL, ok3 := args[2].(string)
		tokenURL, ok4 := args[3].(string)
		redirectURL, ok5 := args[4].(string)
		if !ok1 || !ok2 || !ok3 || !ok4 || !ok5 {
			return nil, fmt.Errorf("connectMCPServerWithOAuth expects string arguments")
		}
		var scopes []string
		if len(args) >= 6 {
			if raw, ok := args[5].([]any); ok {
				for _, v := range raw {
					if s, ok := v.(string); ok {
						scopes = append(scopes, s)
					}
				}
			}
		}
		auth, err := mcpmanager.NewAuthProvider(clientID, authURL, tokenURL, redirectURL, scopes)
		if err != nil {
			return nil, fmt.Errorf("build oauth provider: %w", err)
		}
		result, err := mcp.Connect(ctx, url, mcpmanager.ConnectOptions{Auth: auth})
		if err != nil {
			return nil, err
		}
		if inst, ok := currentInstance(ctx); ok {
			if err := inst.Store().UpsertMCPServer(ctx, store.MCPServerRow{
				ID:        result.ID,
				ServerURL: url,
				ClientID:  result.ClientID,
				AuthURL:   result.AuthURL,
			}); err != nil {
				return nil, fmt.Errorf("persist mcp server binding: %w", err)
			}
		}
		return result, nil
	}
}

func listMCPTools(mcp *mcpmanager.Manager) rpc.Method {
	return func(ctx context.Context, args []any, sink rpc.Sink) (any, error) {
		return mcp.ListTools(), nil
	}
}

func listMCPPrompts(mcp *mcpmanager.Manager) rpc.Method {
	return func(ctx context.Context, args []any, sink rpc.Sink) (any, error) {
		return mcp.ListPrompts(), nil
	}
}

func listMCPResources(mcp *mcpmanager.Manager) rpc.Method {
	return func(ctx context.Context, args []any, sink rpc.Sink) (any, error) {
		return mcp.ListResources(), nil
	}
}

func listMCPResourceTemplates(mcp *mcpmanager.Manager) rpc.Method {
	return func(ctx context.Context, args []any, sink rpc.Sink) (any, error) {
		return mcp.ListResourceTemplates(), nil
	}
}

// callMCPTool invokes a discovered tool given an explicit server id and a
// tool name (bare, or carrying the "<serverId>." namespace prefix),
// forwarding to that server's pooled connection.
func callMCPTool(mcp *mcpmanager.Manager) rpc.Method {
	return func(ctx context.Context, args []any, sink rpc.Sink) (any, error) {
		if len(args) < 2 {
			return nil, fmt.Errorf("callMCPTool expects server id and tool name arguments")
		}
		serverID, ok := args[0].(string)
		name, ok2 := args[1].(string)
		if !ok || !ok2 {
			return nil, fmt.Errorf("callMCPTool expects string server id and tool name")
		}
		var arguments map[string]any
		if len(args) >= 3 {
			arguments, _ = args[2].(map[string]any)
		}
		return mcp.CallTool(ctx, mcpmanager.CallToolRequest{ServerID: serverID, Name: name, Arguments: arguments})
	}
}

func readMCPResource(mcp *mcpmanager.Manager) rpc.Method {
	return func(ctx context.Context, args []any, sink rpc.Sink) (any, error) {
		if len(args) < 2 {
			return nil, fmt.Errorf("readMCPResource expects server id and uri arguments")
		}
		serverID, ok := args[0].(string)
		uri, ok2 := args[1].(string)
		if !ok || !ok2 {
			return nil, fmt.Errorf("readMCPResource expects string server id and uri")
		}
		return mcp.ReadResource(ctx, mcpmanager.ReadResourceRequest{ServerID: serverID, URI: uri})
	}
}

func getMCPPrompt(mcp *mcpmanager.Manager) rpc.Method {
	return func(ctx context.Context, args []any, sink rpc.Sink) (any, error) {
		if len(args) < 2 {
			return nil, fmt.Errorf("getMCPPrompt expects server id and prompt name arguments")
		}
		serverID, ok := args[0].(string)
		name, ok2 := args[1].(string)
		if !ok || !ok2 {
			return nil, fmt.Errorf("getMCPPrompt expects string server id and prompt name")
		}
		var arguments map[string]string
		if len(args) >= 3 {
			if raw, ok := args[2].(map[string]any); ok {
				arguments = make(map[string]string, len(raw))
				for k, v := range raw {
					if s, ok := v.(string); ok {
						arguments[k] = s
					}
				}
			}
		}
		return mcp.GetPrompt(ctx, mcpmanager.GetPromptRequest{ServerID: serverID, Name: name, Arguments: arguments})
	}
}

// closeMCPServer tears down one pooled connection and forgets its
// persisted binding so reconnectMCPServers won't restore it again.
func closeMCPServer(mcp *mcpmanager.Manager) rpc.Method {
	return func(ctx context.Context, args []any, sink rpc.Sink) (any, error) {
		if len(args) < 1 {
			return nil, fmt.Errorf("closeMCPServer expects a server id argument")
		}
		id, ok := args[0].(string)
		if !ok {
			return nil, fmt.Errorf("closeMCPServer expects a string id")
		}
		if err := mcp.CloseConnection(id); err != nil {
			return nil, err
		}
		if inst, ok := currentInstance(ctx); ok {
			if err := inst.Store().DeleteMCPServer(ctx, id); err != nil {
				return nil, err
			}
		}
		return nil, nil
	}
}

// unstableGetAITools exposes the manager's unstable_getAITools() surface as
// a callable method, mirroring how a host would hand these tool
// descriptions (and their bound Execute closures) to an LLM SDK.
func unstableGetAITools(mcp *mcpmanager.Manager) rpc.Method {
	return func(ctx context.Context, args []any, sink rpc.Sink) (any, error) {
		return mcp.UnstableGetAITools(), nil
	}
}

// connectionCount reports how many live WebSocket connections this
// instance currently holds, for a client to check before broadcasting.
func connectionCount(ctx context.Context, args []any, sink rpc.Sink) (any, error) {
	inst, ok := currentInstance(ctx)
	if !ok {
		return 0, nil
	}
	return inst.ConnectionCount(), nil
}

func currentInstance(ctx context.Context) (*instance.Instance, bool) {
	inv, ok := rpc.FromContext(ctx)
	if !ok {
		return nil, false
	}
	inst, ok := inv.Agent.(*instance.Instance)
	return inst, ok
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}
