// Package instance implements the Agent Instance: a single-writer actor
// addressable by (class, name), backed by a private per-instance SQLite
// store, that serializes all dispatched work — HTTP, WS messages, RPC,
// scheduled callbacks, queued items — through one mailbox goroutine.
package instance

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/fly-lab/agents/internal/broadcast"
	"github.com/fly-lab/agents/internal/queue"
	"github.com/fly-lab/agents/internal/rpc"
	"github.com/fly-lab/agents/internal/scheduler"
	"github.com/fly-lab/agents/internal/store"
)

// Class describes the behavior shared by every instance of one agent type:
// its callable-method registry and the hooks the host calls as frames and
// requests arrive.
type Class struct {
	Name     string
	Registry *rpc.Registry

	// OnConnect is invoked once a new Connection has been attached.
	OnConnect func(ctx context.Context, conn *Connection)
	// OnMessage is invoked for each inbound WS text frame not recognized
	// as a core protocol frame type (see wsproto).
	OnMessage func(ctx context.Context, conn *Connection, data []byte)
	// OnClose is invoked once a Connection is about to be torn down,
	// whether the peer closed the socket, the transport's read loop
	// exited, or Destroy closed every connection at once.
	OnClose func(ctx context.Context, conn *Connection)
	// OnStateUpdate fires after a successful setState, before broadcast.
	OnStateUpdate func(ctx context.Context, oldState, newState json.RawMessage)
	// OnError is the default handler-exception sink; when nil, such errors
	// are dropped without being logged.
	OnError func(err error)

	// Callbacks resolves the callback name stored on a schedule or queue
	// row to the handler that runs it. A name with no entry is logged and
	// dropped rather than retried forever.
	Callbacks map[string]func(ctx context.Context, payload string) error

	// OnHydrate runs once, inside Do, right after an instance is first
	// created or re-created following eviction — before it serves any
	// request. Used to restore in-memory state (e.g. MCP connections)
	// from rows the instance persisted before it was last closed.
	OnHydrate func(ctx context.Context, inst *Instance) error
}

// Instance is one addressable (class, name) actor.
type Instance struct {
	Class *Class
	Name  string

	store     *store.Store
	db        interface{ Close() error }
	scheduler *scheduler.Scheduler
	queue     *queue.Queue
	hub       *broadcast.Hub[[]byte]

	mailbox chan func()
	done    chan struct{}

	mu          sync.Mutex
	connections map[string]*Connection
	lastActive  time.Time
	closed      bool
}

// New creates and starts the mailbox loop for one instance. db must already
// be migrated (see store.Open).
func New(class *Class, name string, db interface{ Close() error }, st *store.Store) *Instance {
	inst := &Instance{
		Class:       class,
		Name:        name,
		store:       st,
		db:          db,
		scheduler:   scheduler.New(st),
		queue:       queue.New(st),
		hub:         broadcast.NewHub[[]byte](),
		mailbox:     make(chan func(), 64),
		done:        make(chan struct{}),
		connections: make(map[string]*Connection),
		lastActive:  time.Now(),
	}
	go inst.run()
	go inst.alarmLoop()
	return inst
}

// alarmPollInterval bounds how long a due schedule or queue item can sit
// before the instance notices it without an inbound request waking it.
const alarmPollInterval = 500 * time.Millisecond

// alarmLoop periodically submits RunAlarm through the single-writer
// mailbox, so scheduled callbacks and queued items fire even when no
// connection or HTTP request touches the instance.
func (inst *Instance) alarmLoop() {
	ticker := time.NewTicker(alarmPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx := context.Background()
			if err := inst.Do(ctx, func(ctx context.Context) error {
				return inst.RunAlarm(ctx, inst.runCallback)
			}); err != nil && inst.Class.OnError != nil {
				inst.Class.OnError(err)
			}
		case <-inst.done:
			return
		}
	}
}

// runCallback resolves a schedule/queue callback name against the class's
// registered callbacks. A name with no registered handler reports
// store.ErrCallbackNotFound so the scheduler and queue can tell an orphaned
// row apart from one whose handler ran and failed. The handler runs with an
// ambient rpc.Invocation whose Agent is inst and whose request, connection
// and email are unset.
func (inst *Instance) runCallback(ctx context.Context, callback, payload string) error {
	fn, ok := inst.Class.Callbacks[callback]
	if !ok {
		return fmt.Errorf("%w: %q", store.ErrCallbackNotFound, callback)
	}
	return fn(rpc.WithInvocation(ctx, rpc.Invocation{Agent: inst}), payload)
}

func (inst *Instance) run() {
	for {
		select {
		case fn := <-inst.mailbox:
			fn()
		case <-inst.done:
			return
		}
	}
}

// Do submits fn to the single-writer mailbox and blocks until it has run,
// so the caller observes its effects (and any panic is recovered and
// reported, closing the connection at a higher layer if appropriate).
func (inst *Instance) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	resultCh := make(chan error, 1)
	submit := func() {
		defer func() {
			if r := recover(); r != nil {
				resultCh <- fmt.Errorf("handler panic: %v", r)
			}
		}()
		resultCh <- fn(ctx)
	}
	inst.touch()
	select {
	case inst.mailbox <- submit:
	case <-inst.done:
		return fmt.Errorf("instance %s closed", inst.Name)
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-resultCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (inst *Instance) touch() {
	inst.mu.Lock()
	inst.lastActive = time.Now()
	inst.mu.Unlock()
}

// Idle reports whether the instance has had no open connections and no
// activity for at least d.
func (inst *Instance) Idle(d time.Duration) bool {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return len(inst.connections) == 0 && time.Since(inst.lastActive) >= d
}

// Close stops the mailbox loop and closes the underlying store handle.
// Every open connection is closed first.
func (inst *Instance) Close() error {
	inst.mu.Lock()
	if inst.closed {
		inst.mu.Unlock()
		return nil
	}
	inst.closed = true
	conns := make([]*Connection, 0, len(inst.connections))
	for _, c := range inst.connections {
		conns = append(conns, c)
	}
	inst.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	close(inst.done)
	return inst.db.Close()
}

// Destroy is the spec's destroy(): cancels every pending schedule and queue
// item, deletes every per-agent row across all five tables, fires OnClose
// for each open connection, then closes them and the underlying store.
// Unlike Close (used for idle eviction, which keeps the on-disk rows for a
// later rehydration), Destroy is irreversible — a re-Resolve of the same
// (class, name) after Destroy starts from a clean instance.
func (inst *Instance) Destroy(ctx context.Context) error {
	if err := inst.Do(ctx, func(ctx context.Context) error {
		if err := inst.store.DeleteAllSchedules(ctx); err != nil {
			return err
		}
		if err := inst.store.DeleteAllQueueItems(ctx); err != nil {
			return err
		}
		if err := inst.store.DeleteAllMCPServers(ctx); err != nil {
			return err
		}
		if err := inst.store.ClearChatMessages(ctx); err != nil {
			return err
		}
		return inst.store.ClearState(ctx)
	}); err != nil {
		return err
	}

	inst.mu.Lock()
	conns := make([]*Connection, 0, len(inst.connections))
	for _, c := range inst.connections {
		conns = append(conns, c)
	}
	inst.mu.Unlock()
	if inst.Class.OnClose != nil {
		for _, c := range conns {
			inst.Class.OnClose(ctx, c)
		}
	}
	return inst.Close()
}

// GetState returns the current persisted state as raw JSON, nil if unset.
func (inst *Instance) GetState(ctx context.Context) (json.RawMessage, error) {
	blob, err := inst.store.GetState(ctx)
	if err != nil {
		return nil, err
	}
	if blob == "" {
		return nil, nil
	}
	return json.RawMessage(blob), nil
}

// SetState replaces the persisted state and, per the spec's invariant,
// broadcasts {type: "cf_agent_state", state} to every open connection
// before returning — run this from within Do so it observes the
// single-writer ordering guarantee on broadcasts.
func (inst *Instance) SetState(ctx context.Context, newState json.RawMessage) error {
	old, err := inst.GetState(ctx)
	if err != nil {
		return err
	}
	if err := inst.store.SetState(ctx, string(newState)); err != nil {
		return err
	}
	if inst.Class.OnStateUpdate != nil {
		inst.Class.OnStateUpdate(ctx, old, newState)
	}
	inst.BroadcastState(newState)
	return nil
}

// BroadcastState sends a cf_agent_state frame to every open connection.
func (inst *Instance) BroadcastState(state json.RawMessage) {
	frame, err := json.Marshal(map[string]any{"type": "cf_agent_state", "state": json.RawMessage(state)})
	if err != nil {
		return
	}
	inst.BroadcastRaw(frame)
}

// BroadcastRaw sends an already-encoded frame to every open connection, in
// the order setState/broadcast calls were made (the single-writer mailbox
// guarantees that ordering for any caller running inside Do).
func (inst *Instance) BroadcastRaw(frame []byte) {
	inst.mu.Lock()
	conns := make([]*Connection, 0, len(inst.connections))
	for _, c := range inst.connections {
		conns = append(conns, c)
	}
	inst.mu.Unlock()
	for _, c := range conns {
		_ = c.WriteText(frame)
	}
}

func (inst *Instance) Store() *store.Store             { return inst.store }
func (inst *Instance) Scheduler() *scheduler.Scheduler { return inst.scheduler }
func (inst *Instance) Queue() *queue.Queue             { return inst.queue }

// RunAlarm fires every due schedule row, in ascending time order, then
// drains the queue — the ordering the spec requires at wake-up: scheduled
// callbacks before any queued item or freshly arrived request.
func (inst *Instance) RunAlarm(ctx context.Context, cb func(ctx context.Context, callback, payload string) error) error {
	if err := inst.scheduler.RunDue(ctx, time.Now().UTC(), cb); err != nil {
		return err
	}
	_, err := inst.queue.Drain(ctx, cb)
	return err
}

// AddConnection attaches a live connection and invokes the class's
// OnConnect hook, if set.
func (inst *Instance) AddConnection(ctx context.Context, conn *Connection) {
	inst.mu.Lock()
	inst.connections[conn.ID] = conn
	inst.mu.Unlock()
	if inst.Class.OnConnect != nil {
		inst.Class.OnConnect(ctx, conn)
	}
}

// RemoveConnection detaches a connection, e.g. on WS close.
func (inst *Instance) RemoveConnection(id string) {
	inst.mu.Lock()
	delete(inst.connections, id)
	inst.mu.Unlock()
}

func (inst *Instance) ConnectionCount() int {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return len(inst.connections)
}
