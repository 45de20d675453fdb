package schedule

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/renfield-voice/renfield/internal/notify"
	"github.com/renfield-voice/renfield/internal/observability"
	"github.com/renfield-voice/renfield/internal/store"
)

// Job types.
const (
	JobBriefing = "briefing"
)

// JobStore is the persistence surface for scheduled jobs.
type JobStore interface {
	CreateScheduledJob(ctx context.Context, j store.ScheduledJob) (store.ScheduledJob, error)
	DueJobs(ctx context.Context, now time.Time) ([]store.ScheduledJob, error)
	AdvanceJob(ctx context.Context, id int64, ranAt, nextRunAt time.Time) error
	ListJobs(ctx context.Context) ([]store.ScheduledJob, error)
	RoomByID(ctx context.Context, id int64) (store.Room, error)
}

// TextGenerator produces briefing prose.
type TextGenerator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// BriefingConfig is the per-job config payload for briefing jobs.
type BriefingConfig struct {
	Topics   []string `json:"topics,omitempty"`
	Language string   `json:"language,omitempty"`
	Greeting string   `json:"greeting,omitempty"`
}

// Scheduler runs cron jobs and pipes their output through the pipeline.
type Scheduler struct {
	storage  JobStore
	pipeline Submitter
	llm      TextGenerator
	logger   zerolog.Logger
	metrics  *observability.Metrics
	now      func() time.Time
}

func NewScheduler(storage JobStore, pipeline Submitter, llm TextGenerator, logger zerolog.Logger, metrics *observability.Metrics) *Scheduler {
	return &Scheduler{
		storage:  storage,
		pipeline: pipeline,
		llm:      llm,
		logger:   logger.With().Str("component", "scheduler").Logger(),
		metrics:  metrics,
		now:      func() time.Time { return time.Now() },
	}
}

// SetClock replaces the time source. Test hook.
func (s *Scheduler) SetClock(now func() time.Time) { s.now = now }

// CreateJob validates the cron expression, computes the first run and
// persists the job.
func (s *Scheduler) CreateJob(ctx context.Context, name, jobType, cron, config string, roomID *int64) (store.ScheduledJob, error) {
	if name == "" || jobType == "" {
		return store.ScheduledJob{}, fmt.Errorf("job name and type are required")
	}
	next, err := NextRunAfter(cron, s.now())
	if err != nil {
		return store.ScheduledJob{}, err
	}
	if config == "" {
		config = "{}"
	}
	return s.storage.CreateScheduledJob(ctx, store.ScheduledJob{
		Name:         name,
		JobType:      jobType,
		ScheduleCron: cron,
		NextRunAt:    next,
		Config:       config,
		RoomID:       roomID,
		IsEnabled:    true,
	})
}

// ListJobs returns all persisted jobs, enabled or not.
func (s *Scheduler) ListJobs(ctx context.Context) ([]store.ScheduledJob, error) {
	return s.storage.ListJobs(ctx)
}

// Run ticks until ctx ends.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.RunDue(ctx)
		}
	}
}

// RunDue executes every due job once, then advances its schedule. A job
// whose cron no longer parses is logged and skipped, never retried in a
// hot loop.
func (s *Scheduler) RunDue(ctx context.Context) {
	now := s.now()
	due, err := s.storage.DueJobs(ctx, now)
	if err != nil {
		s.logger.Error().Err(err).Msg("due job scan failed")
		return
	}
	for _, job := range due {
		result := "ok"
		if err := s.execute(ctx, job); err != nil {
			result = "error"
			s.logger.Error().Err(err).Str("job", job.Name).Msg("job run failed")
		}
		if s.metrics != nil {
			s.metrics.ScheduledJobRuns.WithLabelValues(job.JobType, result).Inc()
		}

		next, err := NextRunAfter(job.ScheduleCron, now)
		if err != nil {
			s.logger.Error().Err(err).Str("job", job.Name).Str("cron", job.ScheduleCron).
				Msg("stored cron no longer parses, pushing job out a day")
			next = now.Add(24 * time.Hour)
		}
		if err := s.storage.AdvanceJob(ctx, job.ID, now, next); err != nil {
			s.logger.Error().Err(err).Str("job", job.Name).Msg("job advance failed")
		}
	}
}

func (s *Scheduler) execute(ctx context.Context, job store.ScheduledJob) error {
	switch job.JobType {
	case JobBriefing:
		return s.runBriefing(ctx, job)
	default:
		return fmt.Errorf("unknown job type %q", job.JobType)
	}
}

func (s *Scheduler) runBriefing(ctx context.Context, job store.ScheduledJob) error {
	var cfg BriefingConfig
	if err := json.Unmarshal([]byte(job.Config), &cfg); err != nil {
		return fmt.Errorf("briefing config: %w", err)
	}
	if cfg.Language == "" {
		cfg.Language = "en"
	}

	text := cfg.Greeting
	if s.llm != nil {
		prompt := briefingPrompt(cfg)
		generated, err := s.llm.Generate(ctx, prompt)
		if err != nil {
			s.logger.Warn().Err(err).Str("job", job.Name).Msg("briefing generation failed, using fallback")
		} else {
			text = strings.TrimSpace(generated)
		}
	}
	if text == "" {
		text = "Good morning. Have a nice day."
	}

	roomName := ""
	if job.RoomID != nil {
		if room, err := s.storage.RoomByID(ctx, *job.RoomID); err == nil {
			roomName = room.Name
		}
	}
	_, err := s.pipeline.Submit(ctx, notify.Request{
		EventType: "scheduled.briefing",
		Title:     job.Name,
		Message:   text,
		Urgency:   store.UrgencyInfo,
		Room:      roomName,
		TTS:       true,
		Source:    "schedule",
	})
	return err
}

func briefingPrompt(cfg BriefingConfig) string {
	var b strings.Builder
	b.WriteString("Write a short spoken morning briefing in language ")
	b.WriteString(cfg.Language)
	b.WriteString(". Start with a brief greeting. ")
	if len(cfg.Topics) > 0 {
		b.WriteString("Cover these topics: ")
		b.WriteString(strings.Join(cfg.Topics, ", "))
		b.WriteString(". ")
	}
	b.WriteString("Keep it under four sentences. Plain text only.")
	return b.String()
}
