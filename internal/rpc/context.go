// Package rpc implements the callable-method registry and dispatcher that
// back both the WebSocket "rpc" frame and the HTTP JSON-RPC 2.0 endpoint.
package rpc

import "context"

type contextKey string

const invocationKey contextKey = "rpc_invocation"

// Invocation is the ambient context available to a dispatched method via
// FromContext, the idiomatic Go rendition of the spec's task-local
// getCurrentAgent(): a context.Context value rather than a global,
// following the same pattern as the teacher's agentcontext/tasks context
// helpers.
type Invocation struct {
	Agent      any
	Request    any
	Connection any
	Email      any
}

func WithInvocation(ctx context.Context, inv Invocation) context.Context {
	return context.WithValue(ctx, invocationKey, inv)
}

// FromContext returns the ambient invocation set up by the dispatcher for
// the current call, and ok=false outside of any dispatched handler.
func FromContext(ctx context.Context) (Invocation, bool) {
	if ctx == nil {
		return Invocation{}, false
	}
	inv, ok := ctx.Value(invocationKey).(Invocation)
	return inv, ok
}
