package mcpmanager

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// NamespacedTool tags a discovered tool with the connection it came from.
type NamespacedTool struct {
	ServerID string
	mcp.Tool
}

type NamespacedPrompt struct {
	ServerID string
	mcp.Prompt
}

type NamespacedResource struct {
	ServerID string
	mcp.Resource
}

type NamespacedResourceTemplate struct {
	ServerID string
	mcp.ResourceTemplate
}

// ListTools returns the union of every pooled connection's tools, each
// tagged with its ServerID, in connection order.
func (m *Manager) ListTools() []NamespacedTool {
	var out []NamespacedTool
	for _, c := range m.snapshot() {
		for _, t := range c.Tools {
			out = append(out, NamespacedTool{ServerID: c.ID, Tool: t})
		}
	}
	return out
}

func (m *Manager) ListPrompts() []NamespacedPrompt {
	var out []NamespacedPrompt
	for _, c := range m.snapshot() {
		for _, p := range c.Prompts {
			out = append(out, NamespacedPrompt{ServerID: c.ID, Prompt: p})
		}
	}
	return out
}

func (m *Manager) ListResources() []NamespacedResource {
	var out []NamespacedResource
	for _, c := range m.snapshot() {
		for _, r := range c.Resources {
			out = append(out, NamespacedResource{ServerID: c.ID, Resource: r})
		}
	}
	return out
}

func (m *Manager) ListResourceTemplates() []NamespacedResourceTemplate {
	var out []NamespacedResourceTemplate
	for _, c := range m.snapshot() {
		for _, rt := range c.ResourceTemplates {
			out = append(out, NamespacedResourceTemplate{ServerID: c.ID, ResourceTemplate: rt})
		}
	}
	return out
}

type CallToolRequest struct {
	ServerID  string
	Name      string
	Arguments map[string]any
}

// CallTool forwards to the named connection, stripping a "<serverId>."
// namespace prefix from Name if the caller passed a namespaced name.
func (m *Manager) CallTool(ctx context.Context, req CallToolRequest) (*mcp.CallToolResult, error) {
	name := strings.TrimPrefix(req.Name, req.ServerID+".")
	conn, ok := m.Connection(req.ServerID)
	if !ok || conn.transport == nil {
		return nil, fmt.Errorf("mcp connection %s not found or not ready", req.ServerID)
	}
	return conn.transport.CallTool(ctx, name, req.Arguments)
}

type ReadResourceRequest struct {
	ServerID string
	URI      string
}

func (m *Manager) ReadResource(ctx context.Context, req ReadResourceRequest) (*mcp.ReadResourceResult, error) {
	conn, ok := m.Connection(req.ServerID)
	if !ok || conn.transport == nil {
		return nil, fmt.Errorf("mcp connection %s not found or not ready", req.ServerID)
	}
	return conn.transport.ReadResource(ctx, req.URI)
}

type GetPromptRequest struct {
	ServerID  string
	Name      string
	Arguments map[string]string
}

func (m *Manager) GetPrompt(ctx context.Context, req GetPromptRequest) (*mcp.GetPromptResult, error) {
	conn, ok := m.Connection(req.ServerID)
	if !ok || conn.transport == nil {
		return nil, fmt.Errorf("mcp connection %s not found or not ready", req.ServerID)
	}
	return conn.transport.GetPrompt(ctx, req.Name, req.Arguments)
}
