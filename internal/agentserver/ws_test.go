package agentserver_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/fly-lab/agents/internal/agentserver"
	"github.com/fly-lab/agents/internal/instance"
	"github.com/fly-lab/agents/internal/rpc"
	"github.com/fly-lab/agents/internal/router"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	return newTestServerWithClass(t, func(registry *rpc.Registry) *instance.Class {
		return &instance.Class{Name: "Assistant", Registry: registry}
	})
}

func newTestServerWithClass(t *testing.T, build func(registry *rpc.Registry) *instance.Class) *httptest.Server {
	t.Helper()
	dir := t.TempDir()
	reg := instance.NewRegistry(func(class, name string) string {
		return filepath.Join(dir, class, name+".db")
	}, time.Minute)

	registry := rpc.NewRegistry()
	registry.RegisterCallable("addNumbers", func(ctx context.Context, args []any, sink rpc.Sink) (any, error) {
		a, b := args[0].(float64), args[1].(float64)
		return a + b, nil
	})
	class := build(registry)

	rt := router.New("agents", reg)
	rt.RegisterClass(class)
	srv := agentserver.New(reg)
	rt.OnRequest = srv.OnRequest
	rt.OnUpgrade = srv.OnUpgrade

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rt.ServeHTTP(w, r) {
			http.NotFound(w, r)
		}
	}))
}

// seedState stores a state for inst-1 so that a later WS upgrade sends its
// initial cf_agent_state frame; with no state stored, none is sent.
func seedState(ctx context.Context, t *testing.T, srv *httptest.Server) {
	t.Helper()
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, srv.URL+"/agents/assistant/inst-1/setState", strings.NewReader(`{"count":1}`))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("setState: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("setState: unexpected status %d", resp.StatusCode)
	}
}

func TestWebSocketDeliversInitialStateThenRPCResponse(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	setReq, _ := http.NewRequestWithContext(ctx, http.MethodPost, srv.URL+"/agents/assistant/inst-1/setState", strings.NewReader(`{"count":9}`))
	setResp, err := http.DefaultClient.Do(setReq)
	if err != nil {
		t.Fatalf("setState: %v", err)
	}
	setResp.Body.Close()
	if setResp.StatusCode != http.StatusOK {
		t.Fatalf("setState: unexpected status %d", setResp.StatusCode)
	}

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/agents/assistant/inst-1"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	_, initial, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read initial frame: %v", err)
	}
	var frame map[string]any
	if err := json.Unmarshal(initial, &frame); err != nil {
		t.Fatalf("decode initial frame: %v", err)
	}
	if frame["type"] != "cf_agent_state" {
		t.Fatalf("expected initial cf_agent_state frame, got %+v", frame)
	}
	state, _ := frame["state"].(map[string]any)
	if state["count"] != float64(9) {
		t.Fatalf("expected initial state to carry prior setState, got %+v", frame)
	}

	req, _ := json.Marshal(map[string]any{
		"type":   "rpc",
		"id":     "call-1",
		"method": "addNumbers",
		"args":   []any{15, 27},
	})
	if err := conn.Write(ctx, websocket.MessageText, req); err != nil {
		t.Fatalf("write rpc request: %v", err)
	}

	_, resp, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read rpc response: %v", err)
	}
	var respFrame map[string]any
	if err := json.Unmarshal(resp, &respFrame); err != nil {
		t.Fatalf("decode rpc response: %v", err)
	}
	if respFrame["result"] != float64(42) {
		t.Fatalf("unexpected rpc result: %+v", respFrame)
	}
}

func TestWebSocketOnCloseFiresOnTeardown(t *testing.T) {
	var closed atomic.Bool
	srv := newTestServerWithClass(t, func(registry *rpc.Registry) *instance.Class {
		return &instance.Class{
			Name:     "Assistant",
			Registry: registry,
			OnClose: func(ctx context.Context, conn *instance.Connection) {
				closed.Store(true)
			},
		}
	})
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	seedState(ctx, t, srv)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/agents/assistant/inst-1"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if _, _, err := conn.Read(ctx); err != nil {
		t.Fatalf("read initial frame: %v", err)
	}
	conn.Close(websocket.StatusNormalClosure, "")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if closed.Load() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected OnClose to fire on WS teardown")
}

func TestWebSocketPanicInOnMessageClosesWithInternalError(t *testing.T) {
	srv := newTestServerWithClass(t, func(registry *rpc.Registry) *instance.Class {
		return &instance.Class{
			Name:     "Assistant",
			Registry: registry,
			OnMessage: func(ctx context.Context, conn *instance.Connection, data []byte) {
				panic("boom")
			},
		}
	})
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	seedState(ctx, t, srv)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/agents/assistant/inst-1"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	if _, _, err := conn.Read(ctx); err != nil {
		t.Fatalf("read initial frame: %v", err)
	}

	msg, _ := json.Marshal(map[string]any{"type": "custom", "hello": "world"})
	if err := conn.Write(ctx, websocket.MessageText, msg); err != nil {
		t.Fatalf("write custom frame: %v", err)
	}

	_, _, readErr := conn.Read(ctx)
	if readErr == nil {
		t.Fatal("expected the connection to close after a panicking OnMessage")
	}
	if websocket.CloseStatus(readErr) != websocket.StatusInternalError {
		t.Fatalf("expected close code %d, got %v", websocket.StatusInternalError, readErr)
	}
}
