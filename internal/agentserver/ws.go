package agentserver

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/fly-lab/agents/internal/idgen"
	"github.com/fly-lab/agents/internal/instance"
	"github.com/fly-lab/agents/internal/rpc"
	"github.com/fly-lab/agents/internal/wsproto"
)

// OnUpgrade is the router.OnUpgrade implementation: it attaches conn as an
// instance.Connection and runs the control-protocol loop until the socket
// closes.
func (s *Server) OnUpgrade(conn *websocket.Conn, inst *instance.Instance, r *http.Request) {
	ctx := r.Context()
	adapter := wsproto.NewConnAdapter(ctx, conn)

	id := idgen.New()
	ic := instance.NewConnection(id, adapter.WriteText, func() error {
		return conn.Close(websocket.StatusNormalClosure, "")
	})
	ic.SetAbnormalCloser(func() error {
		return conn.Close(websocket.StatusInternalError, "handler exception")
	})
	ic.MarkOpen()

	cancels := &cancelRegistry{cancels: make(map[string]context.CancelFunc)}

	_ = inst.Do(ctx, func(ctx context.Context) error {
		inst.AddConnection(ctx, ic)
		return nil
	})
	defer func() {
		_ = inst.Do(ctx, func(ctx context.Context) error {
			if inst.Class.OnClose != nil {
				inst.Class.OnClose(ctx, ic)
			}
			return nil
		})
		inst.RemoveConnection(id)
		ic.Close()
	}()

	var initialState json.RawMessage
	_ = inst.Do(ctx, func(ctx context.Context) error {
		st, err := inst.GetState(ctx)
		if err != nil {
			return err
		}
		initialState = st
		return nil
	})
	if initialState != nil {
		if frame, err := wsproto.EncodeStateFrame(initialState); err == nil {
			_ = ic.WriteText(frame)
		}
	}

	err := wsproto.Loop(ctx, conn, func(env wsproto.Envelope) {
		s.handleFrame(ctx, inst, ic, cancels, env)
	})
	if err != nil && inst.Class.OnError != nil {
		inst.Class.OnError(err)
	}
}

// cancelRegistry tracks the cancel func for each in-flight streaming RPC
// or chat request id, so cf_agent_chat_request_cancel can abort it.
type cancelRegistry struct {
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func (r *cancelRegistry) set(id string, cancel context.CancelFunc) {
	r.mu.Lock()
	r.cancels[id] = cancel
	r.mu.Unlock()
}

func (r *cancelRegistry) clear(id string) {
	r.mu.Lock()
	delete(r.cancels, id)
	r.mu.Unlock()
}

func (r *cancelRegistry) cancel(id string) {
	r.mu.Lock()
	cancel, ok := r.cancels[id]
	r.mu.Unlock()
	if ok {
		cancel()
	}
}

func (s *Server) handleFrame(ctx context.Context, inst *instance.Instance, conn *instance.Connection, cancels *cancelRegistry, env wsproto.Envelope) {
	switch env.Type {
	case wsproto.TypeAgentState:
		f, err := wsproto.DecodeStateFrame(env.Raw)
		if err != nil {
			return
		}
		_ = inst.Do(ctx, func(ctx context.Context) error {
			return inst.SetState(ctx, f.State)
		})

	case wsproto.TypeRPC:
		s.handleRPCFrame(ctx, inst, conn, cancels, env)

	case wsproto.TypeChatRequestCancel:
		f, err := wsproto.DecodeChatCancel(env.Raw)
		if err != nil {
			return
		}
		cancels.cancel(f.ID)

	case wsproto.TypeChatClear:
		_ = inst.Do(ctx, func(ctx context.Context) error {
			return inst.Store().ClearChatMessages(ctx)
		})
		s.broadcastChatMessages(ctx, inst)

	case wsproto.TypeChatRequest:
		s.handleChatRequest(ctx, inst, conn, cancels, env)

	default:
		if inst.Class.OnMessage != nil {
			if err := inst.Do(ctx, func(ctx context.Context) error {
				inst.Class.OnMessage(ctx, conn, env.Raw)
				return nil
			}); err != nil {
				conn.CloseAbnormally()
			}
		}
	}
}

func (s *Server) handleRPCFrame(ctx context.Context, inst *instance.Instance, conn *instance.Connection, cancels *cancelRegistry, env wsproto.Envelope) {
	f, err := wsproto.DecodeRPCRequest(env.Raw)
	if err != nil {
		return
	}
	var args []any
	if len(f.Args) > 0 {
		if err := json.Unmarshal(f.Args, &args); err != nil {
			frame, _ := wsproto.EncodeRPCResponse(wsproto.RPCResponseFrame{ID: f.ID, Success: false, Error: "invalid args"})
			_ = conn.WriteText(frame)
			return
		}
	}

	callCtx, cancel := context.WithCancel(ctx)
	cancels.set(f.ID, cancel)

	inv := rpc.Invocation{Agent: inst, Connection: conn}
	dispatcher := rpc.NewDispatcher(inst.Class.Registry)
	err = inst.Do(ctx, func(ctx context.Context) error {
		dispatcher.Dispatch(callCtx, inv, f.Method, args, func(r rpc.Response) {
			frame, err := wsproto.EncodeRPCResponse(wsproto.RPCResponseFrame{
				ID: f.ID, Success: r.Success, Result: r.Result, Error: r.Error, Done: r.Done,
			})
			if err != nil {
				return
			}
			if err := conn.WriteText(frame); err != nil {
				log.Printf("agentserver: write rpc response: %v", err)
			}
		})
		return nil
	})
	cancels.clear(f.ID)
	cancel()
	// err is non-nil only when Dispatch's method call panicked and Do's
	// recover turned it into a "handler panic" error — a normal method
	// error is already delivered as a Response with Success=false and never
	// propagates out of the Do closure.
	if err != nil {
		conn.CloseAbnormally()
	}
}

// handleChatRequest appends the incoming message to the chat log,
// broadcasts the updated transcript, and leaves response generation to
// the class's OnMessage hook — this transport only persists and relays,
// per the spec's non-goal of not implementing LLM orchestration.
func (s *Server) handleChatRequest(ctx context.Context, inst *instance.Instance, conn *instance.Connection, cancels *cancelRegistry, env wsproto.Envelope) {
	f, err := wsproto.DecodeChatRequest(env.Raw)
	if err != nil {
		return
	}
	callCtx, cancel := context.WithCancel(ctx)
	cancels.set(f.ID, cancel)
	defer func() {
		cancels.clear(f.ID)
		cancel()
	}()

	_ = inst.Do(callCtx, func(ctx context.Context) error {
		if _, err := inst.Store().AppendChatMessage(ctx, string(f.Init)); err != nil {
			return err
		}
		return nil
	})
	s.broadcastChatMessages(ctx, inst)

	if inst.Class.OnMessage != nil {
		if err := inst.Do(callCtx, func(ctx context.Context) error {
			inst.Class.OnMessage(ctx, conn, env.Raw)
			return nil
		}); err != nil {
			conn.CloseAbnormally()
		}
	}
}

func (s *Server) broadcastChatMessages(ctx context.Context, inst *instance.Instance) {
	var messages []byte
	_ = inst.Do(ctx, func(ctx context.Context) error {
		rows, err := inst.Store().ListChatMessages(ctx)
		if err != nil {
			return err
		}
		raw := make([]json.RawMessage, len(rows))
		for i, row := range rows {
			raw[i] = json.RawMessage(row.Message)
		}
		b, err := json.Marshal(raw)
		if err != nil {
			return err
		}
		messages = b
		return nil
	})
	if messages == nil {
		return
	}
	frame, err := wsproto.EncodeChatMessages(messages)
	if err != nil {
		return
	}
	inst.BroadcastRaw(frame)
}
