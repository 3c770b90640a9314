package store_test

import (
	"context"
	"testing"

	"github.com/fly-lab/agents/internal/store"
	"github.com/fly-lab/agents/internal/testutil"
)

func TestStoreStateRoundTrip(t *testing.T) {
	db, closeFn := testutil.OpenTestDB(t)
	defer closeFn()

	s := store.NewStore(db)
	ctx := context.Background()

	got, err := s.GetState(ctx)
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if got != "" {
		t.Fatalf("expected empty state before first write, got %q", got)
	}

	if err := s.SetState(ctx, `{"count":1}`); err != nil {
		t.Fatalf("set state: %v", err)
	}
	got, err = s.GetState(ctx)
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if got != `{"count":1}` {
		t.Fatalf("unexpected state: %s", got)
	}

	if err := s.SetState(ctx, `{"count":2}`); err != nil {
		t.Fatalf("overwrite state: %v", err)
	}
	got, _ = s.GetState(ctx)
	if got != `{"count":2}` {
		t.Fatalf("expected overwritten state, got %s", got)
	}
}

func TestStoreQueueFIFO(t *testing.T) {
	db, closeFn := testutil.OpenTestDB(t)
	defer closeFn()

	s := store.NewStore(db)
	ctx := context.Background()

	first, err := s.Enqueue(ctx, "onTick", `{"n":1}`)
	if err != nil {
		t.Fatalf("enqueue first: %v", err)
	}
	_, err = s.Enqueue(ctx, "onTick", `{"n":2}`)
	if err != nil {
		t.Fatalf("enqueue second: %v", err)
	}

	item, err := s.NextQueueItem(ctx)
	if err != nil {
		t.Fatalf("next queue item: %v", err)
	}
	if item == nil || item.ID != first.ID {
		t.Fatalf("expected FIFO order, got %+v", item)
	}

	if err := s.DeleteQueueItem(ctx, item.ID); err != nil {
		t.Fatalf("delete queue item: %v", err)
	}
	item, err = s.NextQueueItem(ctx)
	if err != nil {
		t.Fatalf("next queue item after delete: %v", err)
	}
	if item == nil || item.Callback != "onTick" {
		t.Fatalf("expected remaining item, got %+v", item)
	}
}

func TestStoreScheduleAlarm(t *testing.T) {
	db, closeFn := testutil.OpenTestDB(t)
	defer closeFn()

	s := store.NewStore(db)
	ctx := context.Background()

	alarm, err := s.NextAlarm(ctx)
	if err != nil {
		t.Fatalf("next alarm: %v", err)
	}
	if alarm != nil {
		t.Fatalf("expected no alarm before scheduling, got %v", *alarm)
	}

	_, err = s.CreateSchedule(ctx, store.ScheduleRow{Callback: "onAlarm", Type: store.ScheduleScheduled, Time: 200})
	if err != nil {
		t.Fatalf("create schedule: %v", err)
	}
	_, err = s.CreateSchedule(ctx, store.ScheduleRow{Callback: "onAlarm", Type: store.ScheduleScheduled, Time: 100})
	if err != nil {
		t.Fatalf("create schedule: %v", err)
	}

	alarm, err = s.NextAlarm(ctx)
	if err != nil {
		t.Fatalf("next alarm: %v", err)
	}
	if alarm == nil || *alarm != 100 {
		t.Fatalf("expected alarm at min(time)=100, got %v", alarm)
	}

	due, err := s.DueSchedules(ctx, 150)
	if err != nil {
		t.Fatalf("due schedules: %v", err)
	}
	if len(due) != 1 || due[0].Time != 100 {
		t.Fatalf("expected one due schedule at t=100, got %+v", due)
	}
}
