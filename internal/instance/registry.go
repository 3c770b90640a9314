package instance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fly-lab/agents/internal/store"
)

// Registry is the in-process map from (class, name) to its live Instance,
// implementing the spec's "created lazily on first resolution; evicted by
// the host when idle; re-hydrated transparently" lifecycle.
type Registry struct {
	dbPath      func(class, name string) string
	idleTimeout time.Duration

	mu        sync.Mutex
	instances map[key]*Instance
}

type key struct {
	class string
	name  string
}

func NewRegistry(dbPath func(class, name string) string, idleTimeout time.Duration) *Registry {
	return &Registry{dbPath: dbPath, instances: make(map[key]*Instance), idleTimeout: idleTimeout}
}

// Resolve returns the live instance for (class, name), creating and
// hydrating it from storage if this is the first resolution (or if it was
// previously evicted).
func (r *Registry) Resolve(class *Class, name string) (*Instance, error) {
	k := key{class: class.Name, name: name}
	r.mu.Lock()
	if inst, ok := r.instances[k]; ok {
		r.mu.Unlock()
		return inst, nil
	}
	r.mu.Unlock()

	path := r.dbPath(class.Name, name)
	db, err := store.Open(path)
	if err != nil {
		return nil, fmt.Errorf("hydrate instance %s/%s: %w", class.Name, name, err)
	}
	inst := New(class, name, db, store.NewStore(db))

	r.mu.Lock()
	if existing, ok := r.instances[k]; ok {
		// Another resolution raced us; keep the first and discard ours.
		r.mu.Unlock()
		_ = inst.Close()
		return existing, nil
	}
	r.instances[k] = inst
	r.mu.Unlock()

	// Hydrate and replay missed fires in one mailbox turn, before the
	// instance is handed back to serve any request: OnHydrate restores
	// in-memory state (e.g. MCP connections) that due callbacks may depend
	// on, then RunAlarm fires every schedule row already due and drains
	// the queue, so a request arriving immediately after Resolve returns
	// can never observe a due callback that hasn't run yet.
	if err := inst.Do(context.Background(), func(ctx context.Context) error {
		if class.OnHydrate != nil {
			if err := class.OnHydrate(ctx, inst); err != nil {
				return err
			}
		}
		return inst.RunAlarm(ctx, inst.runCallback)
	}); err != nil {
		return nil, fmt.Errorf("hydrate instance %s/%s: %w", class.Name, name, err)
	}
	return inst, nil
}

// EvictIdle closes and forgets every instance that has been idle for at
// least the registry's configured timeout. Intended to be called
// periodically by the host.
func (r *Registry) EvictIdle() int {
	r.mu.Lock()
	var toEvict []*Instance
	for k, inst := range r.instances {
		if inst.Idle(r.idleTimeout) {
			toEvict = append(toEvict, inst)
			delete(r.instances, k)
		}
	}
	r.mu.Unlock()

	// Closing happens outside the lock since it may block briefly on
	// connection teardown and the db file close.
	for _, inst := range toEvict {
		_ = inst.Close()
	}
	return len(toEvict)
}

// Destroy removes (class, name) from the registry and destroys its
// instance. Callers reach this through a request the router already
// resolved an instance for, so the instance is normally live here. For a
// (class, name) with no live instance Destroy does nothing, and rows an
// idle-evicted instance left on disk stay there. After Destroy of a live
// instance, a later Resolve of the same key creates a fresh instance from
// an empty store.
func (r *Registry) Destroy(ctx context.Context, class, name string) error {
	k := key{class: class, name: name}
	r.mu.Lock()
	inst, ok := r.instances[k]
	if ok {
		delete(r.instances, k)
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return inst.Destroy(ctx)
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.instances)
}
