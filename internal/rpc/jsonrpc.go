package rpc

import (
	"context"
	"encoding/json"
)

// Envelope is the JSON-RPC 2.0 request/response shape accepted on an
// agent's HTTP POST /.
type Envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      any             `json:"id"`
}

type EnvelopeResponse struct {
	JSONRPC string `json:"jsonrpc"`
	ID      any    `json:"id"`
	Result  any    `json:"result,omitempty"`
	Error   *RPCError `json:"error,omitempty"`
}

type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// DispatchEnvelope maps a JSON-RPC 2.0 envelope onto the same dispatch
// pipeline the WS "rpc" frame uses. Streaming methods are dispatched too,
// but this unary transport returns a single response: each emitted chunk
// overwrites Result, so the last one (the done:true value) wins.
func (d *Dispatcher) DispatchEnvelope(ctx context.Context, inv Invocation, env Envelope) EnvelopeResponse {
	var params []any
	if len(env.Params) > 0 {
		if err := json.Unmarshal(env.Params, &params); err != nil {
			return EnvelopeResponse{JSONRPC: "2.0", ID: env.ID, Error: &RPCError{Code: -32602, Message: "invalid params"}}
		}
	}

	resp := EnvelopeResponse{JSONRPC: "2.0", ID: env.ID}
	d.Dispatch(ctx, inv, env.Method, params, func(r Response) {
		if !r.Success {
			resp.Error = &RPCError{Code: -32000, Message: r.Error}
			return
		}
		resp.Result = r.Result
	})
	return resp
}
