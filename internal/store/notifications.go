package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
)

// Notification urgency, status, privacy enums.
const (
	UrgencyInfo     = "info"
	UrgencyWarning  = "warning"
	UrgencyCritical = "critical"

	StatusPending      = "pending"
	StatusDelivered    = "delivered"
	StatusAcknowledged = "acknowledged"
	StatusDismissed    = "dismissed"

	PrivacyPublic       = "public"
	PrivacyPersonal     = "personal"
	PrivacyConfidential = "confidential"
)

// Notification is one proactive message moving through the pipeline.
type Notification struct {
	ID             int64      `json:"id"`
	EventType      string     `json:"event_type"`
	Title          string     `json:"title"`
	Message        string     `json:"message"`
	Urgency        string     `json:"urgency"`
	RoomID         *int64     `json:"room_id,omitempty"`
	RoomName       string     `json:"room_name,omitempty"`
	Source         string     `json:"source"`
	SourceData     string     `json:"source_data,omitempty"`
	Status         string     `json:"status"`
	TTSDelivered   bool       `json:"tts_delivered"`
	DeliveredTo    []string   `json:"delivered_to,omitempty"`
	DedupKey       string     `json:"dedup_key"`
	Privacy        string     `json:"privacy"`
	TargetUserID   *int64     `json:"target_user_id,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	DeliveredAt    *time.Time `json:"delivered_at,omitempty"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	AcknowledgedBy string     `json:"acknowledged_by,omitempty"`
	ExpiresAt      time.Time  `json:"expires_at"`
}

const notificationColumns = `id, event_type, title, message, urgency, room_id, room_name,
	source, source_data, status, tts_delivered, delivered_to, dedup_key, privacy,
	target_user_id, created_at, delivered_at, acknowledged_at, acknowledged_by, expires_at`

func scanNotification(row pgx.Row) (Notification, error) {
	var n Notification
	var deliveredTo string
	err := row.Scan(&n.ID, &n.EventType, &n.Title, &n.Message, &n.Urgency, &n.RoomID, &n.RoomName,
		&n.Source, &n.SourceData, &n.Status, &n.TTSDelivered, &deliveredTo, &n.DedupKey, &n.Privacy,
		&n.TargetUserID, &n.CreatedAt, &n.DeliveredAt, &n.AcknowledgedAt, &n.AcknowledgedBy, &n.ExpiresAt)
	if err != nil {
		return Notification{}, err
	}
	if deliveredTo != "" {
		n.DeliveredTo = strings.Split(deliveredTo, ",")
	}
	return n, nil
}

// CreateNotification persists a pending notification.
func (s *Store) CreateNotification(ctx context.Context, n Notification) (Notification, error) {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO notifications (event_type, title, message, urgency, room_id, room_name,
		                            source, source_data, dedup_key, privacy, target_user_id, expires_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		 RETURNING `+notificationColumns,
		n.EventType, n.Title, n.Message, n.Urgency, n.RoomID, n.RoomName,
		n.Source, n.SourceData, n.DedupKey, n.Privacy, n.TargetUserID, n.ExpiresAt)
	created, err := scanNotification(row)
	if err != nil {
		return Notification{}, fmt.Errorf("create notification: %w", err)
	}
	return created, nil
}

// HasRecentDedupKey reports whether a notification with the key was created
// inside the suppression window.
func (s *Store) HasRecentDedupKey(ctx context.Context, key string, window time.Duration) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM notifications WHERE dedup_key = $1 AND created_at > $2)`,
		key, time.Now().UTC().Add(-window)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("dedup lookup: %w", err)
	}
	return exists, nil
}

// MarkDelivered records the delivery result.
func (s *Store) MarkDelivered(ctx context.Context, id int64, deliveredTo []string, ttsDelivered bool) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE notifications
		 SET status = $2, delivered_at = now(), delivered_to = $3, tts_delivered = $4
		 WHERE id = $1`,
		id, StatusDelivered, strings.Join(deliveredTo, ","), ttsDelivered)
	if err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	return nil
}

// AcknowledgeNotification transitions a notification to acknowledged.
func (s *Store) AcknowledgeNotification(ctx context.Context, id int64, by string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE notifications SET status = $2, acknowledged_at = now(), acknowledged_by = $3
		 WHERE id = $1 AND is_active`,
		id, StatusAcknowledged, by)
	if err != nil {
		return fmt.Errorf("acknowledge notification: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DismissNotification soft-deletes a notification.
func (s *Store) DismissNotification(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE notifications SET status = $2, is_active = FALSE WHERE id = $1 AND is_active`,
		id, StatusDismissed)
	if err != nil {
		return fmt.Errorf("dismiss notification: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CleanupExpiredNotifications hard-deletes rows past their expiry.
func (s *Store) CleanupExpiredNotifications(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM notifications WHERE expires_at < now()`)
	if err != nil {
		return 0, fmt.Errorf("cleanup notifications: %w", err)
	}
	return tag.RowsAffected(), nil
}

// NotificationFilter narrows ListNotifications.
type NotificationFilter struct {
	RoomID  *int64
	Urgency string
	Status  string
	Since   *time.Time
	Limit   int
}

// ListNotifications lists active, unexpired notifications, newest first.
func (s *Store) ListNotifications(ctx context.Context, f NotificationFilter) ([]Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE is_active AND expires_at > now()`
	args := []any{}
	idx := 1
	add := func(cond string, v any) {
		query += fmt.Sprintf(" AND "+cond, idx)
		args = append(args, v)
		idx++
	}
	if f.RoomID != nil {
		add("room_id = $%d", *f.RoomID)
	}
	if f.Urgency != "" {
		add("urgency = $%d", f.Urgency)
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	if f.Since != nil {
		add("created_at >= $%d", *f.Since)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", idx)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()
	var out []Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// NotificationByID fetches one active notification.
func (s *Store) NotificationByID(ctx context.Context, id int64) (Notification, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+notificationColumns+` FROM notifications WHERE id = $1 AND is_active`, id)
	n, err := scanNotification(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Notification{}, ErrNotFound
	}
	if err != nil {
		return Notification{}, fmt.Errorf("query notification: %w", err)
	}
	return n, nil
}
