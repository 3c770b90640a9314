package queue_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/fly-lab/agents/internal/queue"
	"github.com/fly-lab/agents/internal/store"
	"github.com/fly-lab/agents/internal/testutil"
)

func TestQueueDrainFIFOOrder(t *testing.T) {
	db, closeFn := testutil.OpenTestDB(t)
	defer closeFn()
	q := queue.New(store.NewStore(db))
	ctx := context.Background()

	for _, payload := range []string{"a", "b", "c"} {
		if _, err := q.Enqueue(ctx, "onItem", payload); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	var order []string
	n, err := q.Drain(ctx, func(ctx context.Context, callback, payload string) error {
		order = append(order, payload)
		return nil
	})
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 processed, got %d", n)
	}
	if order[0] != "a" || order[1] != "b" || order[2] != "c" {
		t.Fatalf("expected FIFO order, got %v", order)
	}
}

func TestQueueRetainsItemOnHandlerError(t *testing.T) {
	db, closeFn := testutil.OpenTestDB(t)
	defer closeFn()
	q := queue.New(store.NewStore(db))
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, "onItem", "payload"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	processed, err := q.RunOne(ctx, func(ctx context.Context, callback, payload string) error {
		return errors.New("boom")
	})
	if err != nil {
		t.Fatalf("run one: %v", err)
	}
	if !processed {
		t.Fatalf("expected processed=true even on handler error")
	}

	processed, err = q.RunOne(ctx, func(ctx context.Context, callback, payload string) error {
		return nil
	})
	if err != nil {
		t.Fatalf("run one retry: %v", err)
	}
	if !processed {
		t.Fatalf("expected retained item to still be processable")
	}
}

func TestQueueDropsItemOnCallbackNotFound(t *testing.T) {
	db, closeFn := testutil.OpenTestDB(t)
	defer closeFn()
	q := queue.New(store.NewStore(db))
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, "missingCallback", "payload"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	processed, err := q.RunOne(ctx, func(ctx context.Context, callback, payload string) error {
		return fmt.Errorf("%w: %q", store.ErrCallbackNotFound, callback)
	})
	if err != nil {
		t.Fatalf("run one: %v", err)
	}
	if !processed {
		t.Fatalf("expected processed=true for an orphaned item")
	}

	processed, err = q.RunOne(ctx, func(ctx context.Context, callback, payload string) error {
		t.Fatalf("handler should not be invoked; queue should be empty")
		return nil
	})
	if err != nil {
		t.Fatalf("run one after drop: %v", err)
	}
	if processed {
		t.Fatalf("expected no remaining items after the orphaned item was dropped")
	}
}
