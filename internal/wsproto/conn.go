package wsproto

import (
	"context"

	"github.com/coder/websocket"
)

// Writer is the minimal surface this package needs from a WebSocket
// connection, kept as an interface (rather than importing *websocket.Conn
// directly into callers) so tests can substitute a fake — the same
// testability seam the teacher's wsWriter interface provides.
type Writer interface {
	Write(ctx context.Context, typ websocket.MessageType, data []byte) error
}

// ConnAdapter wraps a live *websocket.Conn for use as an
// instance.Connection writer; it has no close method.
type ConnAdapter struct {
	Conn Writer
	ctx  context.Context
}

func NewConnAdapter(ctx context.Context, conn Writer) *ConnAdapter {
	return &ConnAdapter{Conn: conn, ctx: ctx}
}

func (a *ConnAdapter) WriteText(data []byte) error {
	return a.Conn.Write(a.ctx, websocket.MessageText, data)
}

// Loop reads text frames from conn until it closes or ctx is cancelled,
// decoding each as an Envelope and invoking handle. Non-text frames,
// invalid JSON and frames without a type are silently dropped; a frame of
// any other type, known or not, is passed to handle.
func Loop(ctx context.Context, conn *websocket.Conn, handle func(Envelope)) error {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if typ != websocket.MessageText {
			continue
		}
		env, ok := Decode(data)
		if !ok {
			continue
		}
		handle(env)
	}
}
