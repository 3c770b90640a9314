package instance

import (
	"errors"
	"sync"
)

var errConnectionClosed = errors.New("connection is closed")

// Connection is a live WebSocket attached to exactly one Instance. Writer
// is supplied by the transport layer (internal/wsproto) so this package
// stays free of any websocket library import.
type Connection struct {
	ID    string
	State any

	mu             sync.Mutex
	readyState     string
	writer         func(data []byte) error
	closer         func() error
	abnormalCloser func() error
}

const (
	ReadyStateConnecting = "connecting"
	ReadyStateOpen       = "open"
	ReadyStateClosed     = "closed"
)

func NewConnection(id string, writer func([]byte) error, closer func() error) *Connection {
	return &Connection{ID: id, readyState: ReadyStateConnecting, writer: writer, closer: closer}
}

func (c *Connection) MarkOpen() {
	c.mu.Lock()
	c.readyState = ReadyStateOpen
	c.mu.Unlock()
}

// SetAbnormalCloser supplies the transport-specific close path used when a
// handler exception (a recovered panic in OnMessage or an RPC method)
// requires closing the socket with an abnormal status — WS close code 1011
// for the coder/websocket transport — rather than the normal-closure path.
// Transports that don't distinguish the two cases can leave this unset;
// CloseAbnormally then falls back to Close.
func (c *Connection) SetAbnormalCloser(closer func() error) {
	c.mu.Lock()
	c.abnormalCloser = closer
	c.mu.Unlock()
}

func (c *Connection) ReadyState() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readyState
}

// WriteText writes a text frame, refusing once the connection has closed
// rather than racing the transport's own teardown.
func (c *Connection) WriteText(data []byte) error {
	if c.ReadyState() == ReadyStateClosed {
		return errConnectionClosed
	}
	return c.writer(data)
}

func (c *Connection) Close() {
	c.mu.Lock()
	c.readyState = ReadyStateClosed
	closer := c.closer
	c.mu.Unlock()
	if closer != nil {
		_ = closer()
	}
}

// CloseAbnormally closes the connection via the abnormal closer set with
// SetAbnormalCloser, for a handler exception. Falls back to Close when no
// abnormal closer was supplied.
func (c *Connection) CloseAbnormally() {
	c.mu.Lock()
	c.readyState = ReadyStateClosed
	closer := c.abnormalCloser
	if closer == nil {
		closer = c.closer
	}
	c.mu.Unlock()
	if closer != nil {
		_ = closer()
	}
}
