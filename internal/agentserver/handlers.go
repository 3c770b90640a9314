// Package agentserver wires router, instance, rpc and wsproto together
// into the well-known HTTP and WebSocket surface a host exposes per
// agent: setState/getState, the JSON-RPC 2.0 envelope, and the WS
// control protocol frames.
package agentserver

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/fly-lab/agents/internal/instance"
	"github.com/fly-lab/agents/internal/rpc"
)

// Server dispatches matched, non-WS requests to the well-known per-agent
// endpoints, and matched WS upgrades to the control-protocol loop. It
// holds no per-class state: every instance carries its own Class.Registry,
// so the dispatcher used for a call is built from whichever instance the
// router resolved.
type Server struct {
	Registry *instance.Registry
}

func New(registry *instance.Registry) *Server {
	return &Server{Registry: registry}
}

// OnRequest is the router.OnRequest implementation for a matched HTTP
// request against an agent instance.
func (s *Server) OnRequest(w http.ResponseWriter, r *http.Request, inst *instance.Instance, tail string) {
	switch tail {
	case "setState":
		s.handleSetState(w, r, inst)
	case "getState":
		s.handleGetState(w, r, inst)
	case "destroy":
		s.handleDestroy(w, r, inst)
	case "":
		s.handleJSONRPC(w, r, inst)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleSetState(w http.ResponseWriter, r *http.Request, inst *instance.Instance) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var newState json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&newState); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if err := inst.Do(r.Context(), func(ctx context.Context) error {
		return inst.SetState(ctx, newState)
	}); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request, inst *instance.Instance) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	var state json.RawMessage
	err := inst.Do(r.Context(), func(ctx context.Context) error {
		st, err := inst.GetState(ctx)
		if err != nil {
			return err
		}
		state = st
		return nil
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if state == nil {
		_, _ = w.Write([]byte("null"))
		return
	}
	_, _ = w.Write(state)
}

// handleDestroy is the well-known endpoint for Instance.Destroy: it cancels
// all schedules, closes all connections, and deletes every per-agent row.
// The instance is unusable afterward; a later request for the same
// (class, name) resolves a fresh one with an empty store.
func (s *Server) handleDestroy(w http.ResponseWriter, r *http.Request, inst *instance.Instance) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	if err := s.Registry.Destroy(r.Context(), inst.Class.Name, inst.Name); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleJSONRPC(w http.ResponseWriter, r *http.Request, inst *instance.Instance) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var env rpc.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		writeJSON(w, http.StatusBadRequest, rpc.EnvelopeResponse{
			JSONRPC: "2.0",
			Error:   &rpc.RPCError{Code: -32700, Message: "parse error"},
		})
		return
	}

	inv := rpc.Invocation{Agent: inst, Request: r}
	dispatcher := rpc.NewDispatcher(inst.Class.Registry)
	var resp rpc.EnvelopeResponse
	err := inst.Do(r.Context(), func(ctx context.Context) error {
		resp = dispatcher.DispatchEnvelope(ctx, inv, env)
		return nil
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	status := http.StatusOK
	if resp.Error != nil {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, resp)
}
