package rpc

import (
	"context"
	"errors"
	"sync"
)

// Response is the wire shape of one RPC reply, used for both the WS "rpc"
// frame and JSON-RPC 2.0 envelopes. Done is nil for a one-shot result,
// false for a streaming chunk and true for the streaming terminator.
type Response struct {
	Success bool  `json:"success"`
	Result  any   `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
	Done    *bool `json:"done,omitempty"`
}

// Emit is called once per frame a dispatched call produces: exactly one
// call for a one-shot method, or a sequence of chunk responses followed by
// one done:true response for a streaming method (or by one failure response
// if the method returns an error before the stream ended).
type Emit func(Response)

// Dispatcher resolves and invokes callable methods under the ambient
// invocation context the spec requires.
type Dispatcher struct {
	registry *Registry
}

func NewDispatcher(registry *Registry) *Dispatcher {
	return &Dispatcher{registry: registry}
}

// Dispatch resolves method, establishes the ambient Invocation for the
// duration of the call, invokes it with args, and delivers one or more
// Response values via emit.
func (d *Dispatcher) Dispatch(ctx context.Context, inv Invocation, method string, args []any, emit Emit) {
	fn, streaming, ok := d.registry.lookup(method)
	if !ok {
		emit(Response{Success: false, Error: ErrMethodNotFound.Error()})
		return
	}

	callCtx := WithInvocation(ctx, inv)

	if streaming {
		sink := newEmitSink(emit)
		extra, err := fn(callCtx, args, sink)
		if err != nil {
			sink.failIfOpen(err)
			return
		}
		// A streaming method that also returns a value without calling End
		// is treated as its final chunk, matching "the first value returned
		// must be a streaming sink" — any trailing return is the final value.
		if !sink.closed {
			_ = sink.End(extra)
		}
		return
	}

	result, err := fn(callCtx, args, nil)
	if err != nil {
		emit(Response{Success: false, Error: err.Error()})
		return
	}
	emit(Response{Success: true, Result: result})
}

type emitSink struct {
	mu     sync.Mutex
	emit   Emit
	closed bool
}

func newEmitSink(emit Emit) *emitSink {
	return &emitSink{emit: emit}
}

var errStreamClosed = errors.New("StreamingResponse is already closed")

func (s *emitSink) Send(chunk any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errStreamClosed
	}
	done := false
	s.emit(Response{Success: true, Result: chunk, Done: &done})
	return nil
}

func (s *emitSink) End(final any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errStreamClosed
	}
	s.closed = true
	done := true
	s.emit(Response{Success: true, Result: final, Done: &done})
	return nil
}

func (s *emitSink) failIfOpen(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.emit(Response{Success: false, Error: err.Error()})
}
