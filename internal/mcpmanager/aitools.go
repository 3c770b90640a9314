package mcpmanager

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
)

// firstContentText extracts the text of the first content element of a
// tool result, when it is a text block.
func firstContentText(result *mcp.CallToolResult) (string, bool) {
	if len(result.Content) == 0 {
		return "", false
	}
	if tc, ok := mcp.AsTextContent(result.Content[0]); ok {
		return tc.Text, true
	}
	return "", false
}

// AITool is the shape unstable_getAITools() exposes per tool: enough for a
// caller to describe it to an LLM and execute it without knowing it's
// backed by MCP.
type AITool struct {
	Description string
	InputSchema any
	Execute     func(ctx context.Context, args map[string]any) (any, error)
}

// UnstableGetAITools returns every discovered tool across every pooled
// connection, keyed "tool_<serverId>_<name>" so identical tool names from
// different servers never collide.
func (m *Manager) UnstableGetAITools() map[string]AITool {
	out := make(map[string]AITool)
	for _, nt := range m.ListTools() {
		serverID, name, tool := nt.ServerID, nt.Name, nt.Tool
		key := fmt.Sprintf("tool_%s_%s", serverID, name)
		out[key] = AITool{
			Description: tool.Description,
			InputSchema: tool.InputSchema,
			Execute: func(ctx context.Context, args map[string]any) (any, error) {
				result, err := m.CallTool(ctx, CallToolRequest{ServerID: serverID, Name: name, Arguments: args})
				if err != nil {
					return nil, err
				}
				if result.IsError {
					if text, ok := firstContentText(result); ok {
						return nil, fmt.Errorf("%s", text)
					}
					return nil, fmt.Errorf("Tool execution failed")
				}
				return result, nil
			},
		}
	}
	return out
}
