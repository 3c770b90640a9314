// Package mcpmanager implements the MCP Client Manager: a pool of remote
// MCP server connections keyed by a random short server id, OAuth
// authorization-code + PKCE onboarding, and namespaced discovery across
// every pooled connection.
package mcpmanager

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/fly-lab/agents/internal/idgen"
)

type ConnectionState string

const (
	StateConnecting     ConnectionState = "connecting"
	StateAuthenticating ConnectionState = "authenticating"
	StateReady          ConnectionState = "ready"
	StateFailed         ConnectionState = "failed"
)

// Transport is the subset of an MCP client session the manager drives.
// The production implementation (see transport.go) wraps
// mark3labs/mcp-go/client's streamable-HTTP client; tests substitute a fake.
type Transport interface {
	Initialize(ctx context.Context) error
	ListTools(ctx context.Context) ([]mcp.Tool, error)
	ListPrompts(ctx context.Context) ([]mcp.Prompt, error)
	ListResources(ctx context.Context) ([]mcp.Resource, error)
	ListResourceTemplates(ctx context.Context) ([]mcp.ResourceTemplate, error)
	CallTool(ctx context.Context, name string, arguments map[string]any) (*mcp.CallToolResult, error)
	ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error)
	GetPrompt(ctx context.Context, name string, arguments map[string]string) (*mcp.GetPromptResult, error)
	Close() error
}

// TransportFactory opens a Transport to serverURL. Swappable for tests.
type TransportFactory func(serverURL string) (Transport, error)

// AuthProvider supplies the OAuth authorization-code+PKCE flow for one
// connection, if the remote server requires it.
type AuthProvider struct {
	ServerID    string
	ClientID    string
	AuthURL     string
	RedirectURL string

	oauth *oauthFlow
}

// NewAuthProvider builds an AuthProvider that drives a real
// authorization-code+PKCE exchange against tokenURL once the caller
// redirects the end user through AuthURL.
func NewAuthProvider(clientID, authURL, tokenURL, redirectURL string, scopes []string) (*AuthProvider, error) {
	flow, err := newOAuthFlow(clientID, authURL, tokenURL, redirectURL, scopes)
	if err != nil {
		return nil, err
	}
	return &AuthProvider{
		ClientID:    clientID,
		AuthURL:     flow.AuthCodeURL(clientID),
		RedirectURL: redirectURL,
		oauth:       flow,
	}, nil
}

type ReconnectOptions struct {
	ID            string
	OAuthClientID string
	OAuthCode     string
}

type ConnectOptions struct {
	Auth      *AuthProvider
	Reconnect *ReconnectOptions
}

type ConnectResult struct {
	ID       string
	AuthURL  string
	ClientID string
}

// Connection is a pooled MCP session: its transport, auth state, and the
// discovery caches listTools/listPrompts/etc. read from.
type Connection struct {
	ID        string
	ServerURL string
	Options   ConnectOptions
	State     ConnectionState

	transport Transport

	Tools             []mcp.Tool
	Prompts           []mcp.Prompt
	Resources         []mcp.Resource
	ResourceTemplates []mcp.ResourceTemplate
}

type Manager struct {
	newTransport TransportFactory

	mu           sync.Mutex
	connections  map[string]*Connection
	order        []string // connect order, preserved by discovery unions
	callbackURLs map[string]string // callback URL -> server id, append-only
}

func New(newTransport TransportFactory) *Manager {
	return &Manager{
		newTransport: newTransport,
		connections:  make(map[string]*Connection),
		callbackURLs: make(map[string]string),
	}
}

// Connect opens (or reopens, via opts.Reconnect) a connection to serverURL.
// If opts.Auth is supplied and the remote reports an authorization URL,
// the connection parks in StateAuthenticating and the caller must redirect
// the end user to AuthURL; the flow completes via HandleCallbackRequest.
func (m *Manager) Connect(ctx context.Context, serverURL string, opts ConnectOptions) (ConnectResult, error) {
	id := idgen.NewServerID()
	if opts.Reconnect != nil && opts.Reconnect.ID != "" {
		id = opts.Reconnect.ID
	}

	if opts.Auth != nil {
		opts.Auth.ServerID = id
		if opts.Reconnect != nil && opts.Reconnect.OAuthClientID != "" {
			opts.Auth.ClientID = opts.Reconnect.OAuthClientID
		}
	} else {
		// A single warning, per the spec, rather than an error: connecting
		// without an auth provider is legal for unauthenticated servers.
		log.Printf("mcpmanager: connecting to %s without an auth provider", serverURL)
	}

	conn := &Connection{ID: id, ServerURL: serverURL, Options: opts, State: StateConnecting}
	m.mu.Lock()
	if _, exists := m.connections[id]; !exists {
		m.order = append(m.order, id)
	}
	m.connections[id] = conn
	m.mu.Unlock()

	var code string
	if opts.Reconnect != nil {
		code = opts.Reconnect.OAuthCode
	}
	if err := m.init(ctx, conn, code); err != nil {
		conn.State = StateFailed
		return ConnectResult{}, err
	}

	if opts.Auth != nil && opts.Auth.AuthURL != "" && opts.Auth.RedirectURL != "" && conn.State != StateReady {
		m.mu.Lock()
		m.callbackURLs[opts.Auth.RedirectURL] = id
		m.mu.Unlock()
		return ConnectResult{ID: id, AuthURL: opts.Auth.AuthURL, ClientID: opts.Auth.ClientID}, nil
	}
	return ConnectResult{ID: id}, nil
}

// init opens the transport and, if oauthCode is set, completes the token
// exchange before initializing the MCP session and running discovery.
func (m *Manager) init(ctx context.Context, conn *Connection, oauthCode string) error {
	if conn.Options.Auth != nil && conn.Options.Auth.AuthURL != "" && oauthCode == "" {
		conn.State = StateAuthenticating
		return nil
	}

	if oauthCode == "throw_error" {
		return fmt.Errorf("mcp connect %s: simulated init failure", conn.ID)
	}

	if oauthCode != "" && conn.Options.Auth != nil && conn.Options.Auth.oauth != nil {
		if _, err := conn.Options.Auth.oauth.Exchange(ctx, oauthCode); err != nil {
			return fmt.Errorf("exchange oauth code for %s: %w", conn.ID, err)
		}
	}

	transport, err := m.newTransport(conn.ServerURL)
	if err != nil {
		return fmt.Errorf("open transport to %s: %w", conn.ServerURL, err)
	}
	if err := transport.Initialize(ctx); err != nil {
		_ = transport.Close()
		return fmt.Errorf("initialize mcp session %s: %w", conn.ID, err)
	}
	conn.transport = transport

	if err := m.discover(ctx, conn); err != nil {
		return err
	}
	conn.State = StateReady
	return nil
}

func (m *Manager) discover(ctx context.Context, conn *Connection) error {
	tools, err := conn.transport.ListTools(ctx)
	if err != nil {
		return fmt.Errorf("list tools %s: %w", conn.ID, err)
	}
	prompts, err := conn.transport.ListPrompts(ctx)
	if err != nil {
		return fmt.Errorf("list prompts %s: %w", conn.ID, err)
	}
	resources, err := conn.transport.ListResources(ctx)
	if err != nil {
		return fmt.Errorf("list resources %s: %w", conn.ID, err)
	}
	templates, err := conn.transport.ListResourceTemplates(ctx)
	if err != nil {
		return fmt.Errorf("list resource templates %s: %w", conn.ID, err)
	}
	conn.Tools, conn.Prompts, conn.Resources, conn.ResourceTemplates = tools, prompts, resources, templates
	return nil
}

func (m *Manager) Connection(id string) (*Connection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.connections[id]
	return c, ok
}

func (m *Manager) CloseConnection(id string) error {
	m.mu.Lock()
	conn, ok := m.connections[id]
	if ok {
		delete(m.connections, id)
		for i, oid := range m.order {
			if oid == id {
				m.order = append(m.order[:i], m.order[i+1:]...)
				break
			}
		}
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}
	if conn.transport != nil {
		return conn.transport.Close()
	}
	return nil
}

func (m *Manager) CloseAllConnections() error {
	m.mu.Lock()
	conns := make([]*Connection, 0, len(m.connections))
	for _, c := range m.connections {
		conns = append(conns, c)
	}
	m.connections = make(map[string]*Connection)
	m.order = nil
	m.mu.Unlock()

	var firstErr error
	for _, c := range conns {
		if c.transport != nil {
			if err := c.transport.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// snapshot returns every pooled connection in connect order.
func (m *Manager) snapshot() []*Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Connection, 0, len(m.connections))
	for _, id := range m.order {
		if c, ok := m.connections[id]; ok {
			out = append(out, c)
		}
	}
	return out
}
