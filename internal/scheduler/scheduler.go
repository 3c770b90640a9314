// Package scheduler implements the absolute/delayed/cron schedule table and
// the single-alarm-per-instance wake model. Cron expressions are parsed
// with robfig/cron/v3's standard parser purely to compute Next(t); the
// library's own goroutine-driven Cron runtime is not used, since the
// spec's alarm is min(time) across schedule rows, computed by the host
// rather than ticked internally by the cron library.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/fly-lab/agents/internal/store"
)

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// When describes the caller-supplied fire spec passed to Schedule, prior to
// normalization into a store.ScheduleRow.
type When struct {
	// Absolute is set for a one-shot fire at a specific instant.
	Absolute *time.Time
	// DelaySeconds is set for a one-shot fire N seconds from now.
	DelaySeconds *int64
	// Cron is a standard 5-field expression for a recurring fire.
	Cron string
}

// Callback is invoked when a schedule or queue row fires, under an
// ambient rpc.Invocation that carries the agent; it returns an error to
// signal at-least-once retry on the next alarm.
type Callback func(ctx context.Context, callback string, payload string) error

type Scheduler struct {
	store *store.Store
}

func New(s *store.Store) *Scheduler {
	return &Scheduler{store: s}
}

// Schedule normalizes when into a persisted schedule row and returns it.
func (s *Scheduler) Schedule(ctx context.Context, when When, callback, payload string) (store.ScheduleRow, error) {
	now := time.Now().UTC()
	switch {
	case when.Absolute != nil:
		return s.store.CreateSchedule(ctx, store.ScheduleRow{
			Callback: callback, Payload: payload,
			Type: store.ScheduleScheduled, Time: when.Absolute.Unix(),
		})
	case when.DelaySeconds != nil:
		t := *when.DelaySeconds
		return s.store.CreateSchedule(ctx, store.ScheduleRow{
			Callback: callback, Payload: payload,
			Type: store.ScheduleDelayed, Time: now.Unix() + t, DelaySeconds: &t,
		})
	case when.Cron != "":
		next, err := NextFire(when.Cron, now)
		if err != nil {
			return store.ScheduleRow{}, err
		}
		return s.store.CreateSchedule(ctx, store.ScheduleRow{
			Callback: callback, Payload: payload,
			Type: store.ScheduleCron, Time: next, Cron: when.Cron,
		})
	default:
		return store.ScheduleRow{}, fmt.Errorf("schedule: when must set Absolute, DelaySeconds, or Cron")
	}
}

// NextFire returns the next Unix-second fire time strictly after from,
// for a standard 5-field cron expression.
func NextFire(expr string, from time.Time) (int64, error) {
	sched, err := parser.Parse(expr)
	if err != nil {
		return 0, fmt.Errorf("parse cron expression %q: %w", expr, err)
	}
	return sched.Next(from).Unix(), nil
}

// NextAlarm returns the soonest pending fire time, or nil if nothing is
// scheduled.
func (s *Scheduler) NextAlarm(ctx context.Context) (*int64, error) {
	return s.store.NextAlarm(ctx)
}

// RunDue fires every schedule row due at or before now, in ascending time
// order, via cb. On success, or when cb reports store.ErrCallbackNotFound
// (no handler registered for the row's callback name — logged and never
// retried), a one-shot row is deleted and a cron row is rewritten to its
// next fire. Any other error leaves the row in place for retry on the next
// alarm (at-least-once).
func (s *Scheduler) RunDue(ctx context.Context, now time.Time, cb Callback) error {
	due, err := s.store.DueSchedules(ctx, now.Unix())
	if err != nil {
		return err
	}
	for _, row := range due {
		err := cb(ctx, row.Callback, row.Payload)
		if err != nil && !errors.Is(err, store.ErrCallbackNotFound) {
			continue // retained; fires again next alarm
		}
		if err != nil {
			log.Printf("scheduler: orphaned schedule row %s: %v", row.ID, err)
		}
		if row.Type == store.ScheduleCron {
			next, nerr := NextFire(row.Cron, now)
			if nerr != nil {
				continue
			}
			if serr := s.store.RescheduleCron(ctx, row.ID, next); serr != nil {
				return serr
			}
			continue
		}
		if derr := s.store.DeleteSchedule(ctx, row.ID); derr != nil {
			return derr
		}
	}
	return nil
}

// List returns every pending schedule row, for getSchedules()-style
// introspection. Replay on hydration goes through RunDue instead.
func (s *Scheduler) List(ctx context.Context) ([]store.ScheduleRow, error) {
	return s.store.ListSchedules(ctx)
}
