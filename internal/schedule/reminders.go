package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/renfield-voice/renfield/internal/notify"
	"github.com/renfield-voice/renfield/internal/observability"
	"github.com/renfield-voice/renfield/internal/store"
)

// Submitter is the pipeline surface the schedulers fire into.
type Submitter interface {
	Submit(ctx context.Context, req notify.Request) (notify.Outcome, error)
}

// ReminderStore is the persistence surface for reminders.
type ReminderStore interface {
	CreateReminder(ctx context.Context, r store.Reminder) (store.Reminder, error)
	DueReminders(ctx context.Context, now time.Time) ([]store.Reminder, error)
	MarkReminderFired(ctx context.Context, id int64, notificationID *int64) error
	CancelReminder(ctx context.Context, id int64) error
	ListReminders(ctx context.Context, status string, limit int) ([]store.Reminder, error)
	ReminderByID(ctx context.Context, id int64) (store.Reminder, error)
}

// ReminderService creates reminders from natural trigger specs and fires
// due ones through the notification pipeline.
type ReminderService struct {
	storage  ReminderStore
	pipeline Submitter
	logger   zerolog.Logger
	metrics  *observability.Metrics
	now      func() time.Time
}

func NewReminderService(storage ReminderStore, pipeline Submitter, logger zerolog.Logger, metrics *observability.Metrics) *ReminderService {
	return &ReminderService{
		storage:  storage,
		pipeline: pipeline,
		logger:   logger.With().Str("component", "reminders").Logger(),
		metrics:  metrics,
		now:      func() time.Time { return time.Now() },
	}
}

// SetClock replaces the time source. Test hook.
func (s *ReminderService) SetClock(now func() time.Time) { s.now = now }

// CreateRequest carries a new reminder.
type CreateRequest struct {
	Message     string
	TriggerSpec string
	RoomID      *int64
	RoomName    string
	UserID      *int64
	SessionID   string
}

// Create parses the trigger spec and persists a pending reminder.
func (s *ReminderService) Create(ctx context.Context, req CreateRequest) (store.Reminder, error) {
	if req.Message == "" {
		return store.Reminder{}, fmt.Errorf("reminder message is required")
	}
	triggerAt, err := ParseTrigger(req.TriggerSpec, s.now())
	if err != nil {
		return store.Reminder{}, err
	}
	return s.storage.CreateReminder(ctx, store.Reminder{
		Message:   req.Message,
		TriggerAt: triggerAt,
		RoomID:    req.RoomID,
		RoomName:  req.RoomName,
		UserID:    req.UserID,
		SessionID: req.SessionID,
	})
}

// Cancel transitions a pending reminder to cancelled.
func (s *ReminderService) Cancel(ctx context.Context, id int64) error {
	return s.storage.CancelReminder(ctx, id)
}

// List lists reminders, optionally filtered by status.
func (s *ReminderService) List(ctx context.Context, status string, limit int) ([]store.Reminder, error) {
	return s.storage.ListReminders(ctx, status, limit)
}

// Run ticks until ctx ends.
func (s *ReminderService) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.FireDue(ctx)
		}
	}
}

// FireDue fires every pending reminder whose trigger time has passed.
func (s *ReminderService) FireDue(ctx context.Context) {
	due, err := s.storage.DueReminders(ctx, s.now())
	if err != nil {
		s.logger.Error().Err(err).Msg("due reminder scan failed")
		return
	}
	for _, r := range due {
		outcome, err := s.pipeline.Submit(ctx, notify.Request{
			EventType: "reminder.fired",
			Title:     "Reminder",
			Message:   r.Message,
			Urgency:   store.UrgencyInfo,
			Room:      r.RoomName,
			TTS:       true,
			Source:    "reminder",
		})
		if err != nil {
			s.logger.Error().Err(err).Int64("reminder_id", r.ID).Msg("reminder delivery failed")
			continue
		}
		var notificationID *int64
		if outcome.Notification != nil {
			notificationID = &outcome.Notification.ID
		}
		if err := s.storage.MarkReminderFired(ctx, r.ID, notificationID); err != nil {
			s.logger.Error().Err(err).Int64("reminder_id", r.ID).Msg("reminder state update failed")
			continue
		}
		if s.metrics != nil {
			s.metrics.RemindersFired.Inc()
		}
		s.logger.Info().Int64("reminder_id", r.ID).Str("room", r.RoomName).Msg("reminder fired")
	}
}
