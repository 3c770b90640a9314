package mcpmanager

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
)

// oauthFlow drives the authorization-code+PKCE exchange for one connection.
// PKCE's verifier/challenge pair has no dedicated helper in
// golang.org/x/oauth2 beyond the AuthCodeOption plumbing used below, so it
// is generated directly from crypto/rand and crypto/sha256 (RFC 7636 S256).
type oauthFlow struct {
	config   *oauth2.Config
	verifier string
}

func newOAuthFlow(clientID, authURL, tokenURL, redirectURL string, scopes []string) (*oauthFlow, error) {
	verifier, err := generatePKCEVerifier()
	if err != nil {
		return nil, fmt.Errorf("generate pkce verifier: %w", err)
	}
	return &oauthFlow{
		config: &oauth2.Config{
			ClientID:    clientID,
			RedirectURL: redirectURL,
			Endpoint:    oauth2.Endpoint{AuthURL: authURL, TokenURL: tokenURL},
			Scopes:      scopes,
		},
		verifier: verifier,
	}, nil
}

func generatePKCEVerifier() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func pkceChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// AuthCodeURL builds the authorization URL, passing state as the spec's
// MCP OAuth state value (the server id's client id, not a CSRF token — see
// the documented open question about this choice).
func (f *oauthFlow) AuthCodeURL(state string) string {
	return f.config.AuthCodeURL(state,
		oauth2.SetAuthURLParam("code_challenge", pkceChallenge(f.verifier)),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"))
}

func (f *oauthFlow) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	return f.config.Exchange(ctx, code, oauth2.SetAuthURLParam("code_verifier", f.verifier))
}

// IsCallbackRequest reports whether req is a GET whose URL is prefixed by
// one of the manager's registered OAuth redirect URLs.
func (m *Manager) IsCallbackRequest(req *http.Request) bool {
	if req.Method != http.MethodGet {
		return false
	}
	_, ok := m.matchCallbackURL(req.URL.String())
	return ok
}

func (m *Manager) matchCallbackURL(reqURL string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for cbURL, serverID := range m.callbackURLs {
		if strings.HasPrefix(reqURL, cbURL) {
			return serverID, true
		}
	}
	return "", false
}

type CallbackResult struct {
	ServerID string
}

// HandleCallbackRequest completes the authorization-code exchange for the
// connection bound to the matched callback URL: the server id is the one
// registered for the callback URL the request starts with (the URL path is
// not parsed for it); code and state are required; the connection must
// currently be authenticating.
func (m *Manager) HandleCallbackRequest(ctx context.Context, req *http.Request) (CallbackResult, error) {
	reqURL := req.URL.String()
	serverID, ok := m.matchCallbackURL(reqURL)
	if !ok {
		return CallbackResult{}, fmt.Errorf("No callback URI match found for the request url: %s", reqURL)
	}

	q := req.URL.Query()
	code := q.Get("code")
	state := q.Get("state")
	if code == "" {
		return CallbackResult{}, fmt.Errorf("Unauthorized: no code provided")
	}
	if state == "" {
		return CallbackResult{}, fmt.Errorf("Unauthorized: no state provided")
	}

	conn, ok := m.Connection(serverID)
	if !ok || conn.Options.Auth == nil {
		return CallbackResult{}, fmt.Errorf("Trying to finalize authentication for a server connection without an authProvider")
	}
	if conn.State != StateAuthenticating {
		return CallbackResult{}, fmt.Errorf("Failed to authenticate: the client isn't in the `authenticating` state")
	}

	conn.Options.Auth.ClientID = state
	conn.Options.Auth.ServerID = serverID

	_, err := m.Connect(ctx, conn.ServerURL, ConnectOptions{
		Auth: conn.Options.Auth,
		Reconnect: &ReconnectOptions{
			ID:            serverID,
			OAuthClientID: state,
			OAuthCode:     code,
		},
	})
	if err != nil {
		return CallbackResult{}, fmt.Errorf("Failed to authenticate: client failed to initialize")
	}

	conn, _ = m.Connection(serverID)
	if conn.State != StateReady {
		return CallbackResult{}, fmt.Errorf("Failed to authenticate: client failed to initialize")
	}
	return CallbackResult{ServerID: serverID}, nil
}
