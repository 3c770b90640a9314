// Package store implements the per-agent embedded SQL layer: the five
// tables (state, queue, schedule, mcp_servers, chat_messages) that back one
// agent instance.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fly-lab/agents/internal/idgen"
)

// ErrCallbackNotFound is the sentinel a schedule/queue callback resolver
// returns when a row's callback name has no registered handler. Scheduler
// and queue both check for it with errors.Is to tell "orphaned row" (log
// and drop/advance, never retried) apart from "handler ran and failed"
// (retained for at-least-once retry) — the two conditions a plain error
// return can't otherwise distinguish. It lives here, rather than in
// internal/instance where the resolver itself is defined, so scheduler and
// queue can depend on it without importing instance.
var ErrCallbackNotFound = errors.New("no callback registered for this name")

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// --- state ---

// GetState returns the singleton state blob, or "" if never set.
func (s *Store) GetState(ctx context.Context) (string, error) {
	var blob string
	err := s.db.QueryRowContext(ctx, `SELECT blob FROM state WHERE id = 1`).Scan(&blob)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get state: %w", err)
	}
	return blob, nil
}

// SetState upserts the singleton state blob.
func (s *Store) SetState(ctx context.Context, blob string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO state (id, blob) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET blob = excluded.blob`, blob)
	if err != nil {
		return fmt.Errorf("set state: %w", err)
	}
	return nil
}

// ClearState deletes the singleton state row, for instance destruction.
func (s *Store) ClearState(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM state WHERE id = 1`)
	if err != nil {
		return fmt.Errorf("clear state: %w", err)
	}
	return nil
}

// --- queue ---

type QueueItem struct {
	ID        string
	Callback  string
	Payload   string
	CreatedAt time.Time
}

func (s *Store) Enqueue(ctx context.Context, callback, payload string) (QueueItem, error) {
	item := QueueItem{ID: idgen.NewRowID(), Callback: callback, Payload: payload, CreatedAt: time.Now().UTC()}
	_, err := s.db.ExecContext(ctx, `INSERT INTO queue (id, callback, payload, created_at) VALUES (?, ?, ?, ?)`,
		item.ID, item.Callback, item.Payload, item.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return QueueItem{}, fmt.Errorf("enqueue: %w", err)
	}
	return item, nil
}

// NextQueueItem returns the oldest unprocessed queue item, ordered by
// (created_at, id) as the FIFO invariant requires.
func (s *Store) NextQueueItem(ctx context.Context) (*QueueItem, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, callback, payload, created_at FROM queue ORDER BY created_at, id LIMIT 1`)
	var item QueueItem
	var createdAt string
	if err := row.Scan(&item.ID, &item.Callback, &item.Payload, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("next queue item: %w", err)
	}
	item.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &item, nil
}

func (s *Store) DeleteQueueItem(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM queue WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete queue item: %w", err)
	}
	return nil
}

// DeleteAllQueueItems empties the queue table, for instance destruction.
func (s *Store) DeleteAllQueueItems(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM queue`)
	if err != nil {
		return fmt.Errorf("delete all queue items: %w", err)
	}
	return nil
}

// --- schedule ---

type ScheduleType string

const (
	ScheduleScheduled ScheduleType = "scheduled"
	ScheduleDelayed   ScheduleType = "delayed"
	ScheduleCron      ScheduleType = "cron"
)

type ScheduleRow struct {
	ID           string
	Callback     string
	Payload      string
	Type         ScheduleType
	Time         int64
	DelaySeconds *int64
	Cron         string
	CreatedAt    time.Time
}

func (s *Store) CreateSchedule(ctx context.Context, row ScheduleRow) (ScheduleRow, error) {
	row.ID = idgen.NewRowID()
	row.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO schedule (id, callback, payload, type, time, delay_seconds, cron, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		row.ID, row.Callback, row.Payload, string(row.Type), row.Time, row.DelaySeconds, row.Cron,
		row.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return ScheduleRow{}, fmt.Errorf("create schedule: %w", err)
	}
	return row, nil
}

// NextAlarm returns the soonest pending fire time across schedule rows, or
// nil if none are pending.
func (s *Store) NextAlarm(ctx context.Context) (*int64, error) {
	var t sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MIN(time) FROM schedule`).Scan(&t)
	if err != nil {
		return nil, fmt.Errorf("next alarm: %w", err)
	}
	if !t.Valid {
		return nil, nil
	}
	v := t.Int64
	return &v, nil
}

func (s *Store) DueSchedules(ctx context.Context, now int64) ([]ScheduleRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, callback, payload, type, time, delay_seconds, cron, created_at
		FROM schedule WHERE time <= ? ORDER BY time, id`, now)
	if err != nil {
		return nil, fmt.Errorf("due schedules: %w", err)
	}
	defer rows.Close()
	return scanSchedules(rows)
}

func (s *Store) ListSchedules(ctx context.Context) ([]ScheduleRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, callback, payload, type, time, delay_seconds, cron, created_at
		FROM schedule ORDER BY time, id`)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()
	return scanSchedules(rows)
}

func scanSchedules(rows *sql.Rows) ([]ScheduleRow, error) {
	var out []ScheduleRow
	for rows.Next() {
		var r ScheduleRow
		var typ, createdAt string
		var delay sql.NullInt64
		var cronExpr sql.NullString
		if err := rows.Scan(&r.ID, &r.Callback, &r.Payload, &typ, &r.Time, &delay, &cronExpr, &createdAt); err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		r.Type = ScheduleType(typ)
		if delay.Valid {
			v := delay.Int64
			r.DelaySeconds = &v
		}
		r.Cron = cronExpr.String
		r.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) DeleteSchedule(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM schedule WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	return nil
}

// RescheduleCron rewrites a cron row's next fire time, as required by the
// spec's cron lifecycle: rewritten with next fire rather than deleted.
func (s *Store) RescheduleCron(ctx context.Context, id string, nextTime int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE schedule SET time = ? WHERE id = ?`, nextTime, id)
	if err != nil {
		return fmt.Errorf("reschedule cron: %w", err)
	}
	return nil
}

// DeleteAllSchedules cancels every pending schedule row (one-shot and
// cron alike), for instance destruction.
func (s *Store) DeleteAllSchedules(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM schedule`)
	if err != nil {
		return fmt.Errorf("delete all schedules: %w", err)
	}
	return nil
}

// --- mcp_servers ---

type MCPServerRow struct {
	ID            string
	Name          string
	ServerURL     string
	CallbackURL   string
	ClientID      string
	AuthURL       string
	ServerOptions string
}

func (s *Store) UpsertMCPServer(ctx context.Context, row MCPServerRow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO mcp_servers (id, name, server_url, callback_url, client_id, auth_url, server_options)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, server_url = excluded.server_url,
			callback_url = excluded.callback_url, client_id = excluded.client_id,
			auth_url = excluded.auth_url, server_options = excluded.server_options`,
		row.ID, row.Name, row.ServerURL, row.CallbackURL, row.ClientID, row.AuthURL, row.ServerOptions)
	if err != nil {
		return fmt.Errorf("upsert mcp server: %w", err)
	}
	return nil
}

func (s *Store) ListMCPServers(ctx context.Context) ([]MCPServerRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, server_url, callback_url, client_id, auth_url, server_options FROM mcp_servers`)
	if err != nil {
		return nil, fmt.Errorf("list mcp servers: %w", err)
	}
	defer rows.Close()
	var out []MCPServerRow
	for rows.Next() {
		var r MCPServerRow
		var callbackURL, clientID, authURL, opts sql.NullString
		if err := rows.Scan(&r.ID, &r.Name, &r.ServerURL, &callbackURL, &clientID, &authURL, &opts); err != nil {
			return nil, fmt.Errorf("scan mcp server: %w", err)
		}
		r.CallbackURL, r.ClientID, r.AuthURL, r.ServerOptions = callbackURL.String, clientID.String, authURL.String, opts.String
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) DeleteMCPServer(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM mcp_servers WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete mcp server: %w", err)
	}
	return nil
}

// DeleteAllMCPServers forgets every persisted server binding, for instance
// destruction.
func (s *Store) DeleteAllMCPServers(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM mcp_servers`)
	if err != nil {
		return fmt.Errorf("delete all mcp servers: %w", err)
	}
	return nil
}

// --- chat_messages ---

type ChatMessage struct {
	ID        string
	Message   string
	CreatedAt time.Time
}

func (s *Store) AppendChatMessage(ctx context.Context, message string) (ChatMessage, error) {
	m := ChatMessage{ID: idgen.NewRowID(), Message: message, CreatedAt: time.Now().UTC()}
	_, err := s.db.ExecContext(ctx, `INSERT INTO chat_messages (id, message, created_at) VALUES (?, ?, ?)`,
		m.ID, m.Message, m.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return ChatMessage{}, fmt.Errorf("append chat message: %w", err)
	}
	return m, nil
}

func (s *Store) ListChatMessages(ctx context.Context) ([]ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, message, created_at FROM chat_messages ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list chat messages: %w", err)
	}
	defer rows.Close()
	var out []ChatMessage
	for rows.Next() {
		var m ChatMessage
		var createdAt string
		if err := rows.Scan(&m.ID, &m.Message, &createdAt); err != nil {
			return nil, fmt.Errorf("scan chat message: %w", err)
		}
		m.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) ClearChatMessages(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM chat_messages`)
	if err != nil {
		return fmt.Errorf("clear chat messages: %w", err)
	}
	return nil
}
