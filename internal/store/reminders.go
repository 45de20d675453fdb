package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Reminder statuses.
const (
	ReminderPending   = "pending"
	ReminderFired     = "fired"
	ReminderCancelled = "cancelled"
)

// Reminder is a time-anchored message that fires through the pipeline.
type Reminder struct {
	ID             int64      `json:"id"`
	Message        string     `json:"message"`
	TriggerAt      time.Time  `json:"trigger_at"`
	RoomID         *int64     `json:"room_id,omitempty"`
	RoomName       string     `json:"room_name,omitempty"`
	UserID         *int64     `json:"user_id,omitempty"`
	SessionID      string     `json:"session_id,omitempty"`
	Status         string     `json:"status"`
	FiredAt        *time.Time `json:"fired_at,omitempty"`
	NotificationID *int64     `json:"notification_id,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

const reminderColumns = `id, message, trigger_at, room_id, room_name, user_id, session_id,
	status, fired_at, notification_id, created_at`

func scanReminder(row pgx.Row) (Reminder, error) {
	var r Reminder
	err := row.Scan(&r.ID, &r.Message, &r.TriggerAt, &r.RoomID, &r.RoomName, &r.UserID,
		&r.SessionID, &r.Status, &r.FiredAt, &r.NotificationID, &r.CreatedAt)
	return r, err
}

// CreateReminder persists a pending reminder.
func (s *Store) CreateReminder(ctx context.Context, r Reminder) (Reminder, error) {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO reminders (message, trigger_at, room_id, room_name, user_id, session_id)
		 VALUES ($1,$2,$3,$4,$5,$6) RETURNING `+reminderColumns,
		r.Message, r.TriggerAt, r.RoomID, r.RoomName, r.UserID, r.SessionID)
	created, err := scanReminder(row)
	if err != nil {
		return Reminder{}, fmt.Errorf("create reminder: %w", err)
	}
	return created, nil
}

// DueReminders lists pending reminders whose trigger time has passed.
func (s *Store) DueReminders(ctx context.Context, now time.Time) ([]Reminder, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+reminderColumns+` FROM reminders
		 WHERE status = $1 AND trigger_at <= $2 ORDER BY trigger_at ASC`,
		ReminderPending, now)
	if err != nil {
		return nil, fmt.Errorf("due reminders: %w", err)
	}
	defer rows.Close()
	var out []Reminder
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reminder: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// MarkReminderFired links the reminder to the notification it produced.
func (s *Store) MarkReminderFired(ctx context.Context, id int64, notificationID *int64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE reminders SET status = $2, fired_at = now(), notification_id = $3 WHERE id = $1`,
		id, ReminderFired, notificationID)
	if err != nil {
		return fmt.Errorf("mark reminder fired: %w", err)
	}
	return nil
}

// CancelReminder transitions pending to cancelled.
func (s *Store) CancelReminder(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE reminders SET status = $2 WHERE id = $1 AND status = $3`,
		id, ReminderCancelled, ReminderPending)
	if err != nil {
		return fmt.Errorf("cancel reminder: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListReminders lists reminders, newest first.
func (s *Store) ListReminders(ctx context.Context, status string, limit int) ([]Reminder, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + reminderColumns + ` FROM reminders`
	args := []any{}
	if status != "" {
		query += ` WHERE status = $1 ORDER BY created_at DESC LIMIT $2`
		args = append(args, status, limit)
	} else {
		query += ` ORDER BY created_at DESC LIMIT $1`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list reminders: %w", err)
	}
	defer rows.Close()
	var out []Reminder
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reminder: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ReminderByID fetches one reminder.
func (s *Store) ReminderByID(ctx context.Context, id int64) (Reminder, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+reminderColumns+` FROM reminders WHERE id = $1`, id)
	r, err := scanReminder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Reminder{}, ErrNotFound
	}
	if err != nil {
		return Reminder{}, fmt.Errorf("query reminder: %w", err)
	}
	return r, nil
}
