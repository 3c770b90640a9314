// Package queue implements the FIFO, at-least-once durable work queue: one
// handler invocation per item, strictly ordered by (created_at, id).
package queue

import (
	"context"
	"errors"
	"log"

	"github.com/fly-lab/agents/internal/store"
)

// Callback is invoked once per queue item, under an ambient
// rpc.Invocation that carries the agent; a returned error retains the item for retry on
// the next alarm.
type Callback func(ctx context.Context, callback string, payload string) error

type Queue struct {
	store *store.Store
}

func New(s *store.Store) *Queue {
	return &Queue{store: s}
}

// Enqueue appends a work item; the caller is responsible for waking the
// instance's alarm if it is currently idle.
func (q *Queue) Enqueue(ctx context.Context, callback, payload string) (store.QueueItem, error) {
	return q.store.Enqueue(ctx, callback, payload)
}

// RunOne processes at most one pending item, preserving the "no parallelism
// inside an instance" invariant: the caller's single-writer loop decides
// how many times to call RunOne per alarm tick. An item whose callback
// name has no registered handler (store.ErrCallbackNotFound) is logged and
// deleted rather than retried; any other handler error retains it for
// retry on the next alarm.
func (q *Queue) RunOne(ctx context.Context, cb Callback) (processed bool, err error) {
	item, err := q.store.NextQueueItem(ctx)
	if err != nil {
		return false, err
	}
	if item == nil {
		return false, nil
	}
	if err := cb(ctx, item.Callback, item.Payload); err != nil {
		if !errors.Is(err, store.ErrCallbackNotFound) {
			return true, nil // retained; retried on next alarm
		}
		log.Printf("queue: dropping queue item %s: %v", item.ID, err)
	}
	if err := q.store.DeleteQueueItem(ctx, item.ID); err != nil {
		return true, err
	}
	return true, nil
}

// Drain processes every currently pending item in FIFO order, stopping
// early if a handler error leaves an item retained (to avoid reprocessing
// it immediately within the same drain).
func (q *Queue) Drain(ctx context.Context, cb Callback) (int, error) {
	n := 0
	for {
		before, err := q.store.NextQueueItem(ctx)
		if err != nil {
			return n, err
		}
		if before == nil {
			return n, nil
		}
		processed, err := q.RunOne(ctx, cb)
		if err != nil {
			return n, err
		}
		if !processed {
			return n, nil
		}
		after, err := q.store.NextQueueItem(ctx)
		if err != nil {
			return n, err
		}
		if after != nil && after.ID == before.ID {
			// handler failed and the same item is still at the head; stop
			// this drain pass rather than busy-looping on a retained item.
			n++
			return n, nil
		}
		n++
	}
}
