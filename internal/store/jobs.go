package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ScheduledJob is a cron-driven task executed by the scheduler loop.
type ScheduledJob struct {
	ID           int64      `json:"id"`
	Name         string     `json:"name"`
	JobType      string     `json:"job_type"`
	ScheduleCron string     `json:"schedule_cron"`
	NextRunAt    time.Time  `json:"next_run_at"`
	LastRunAt    *time.Time `json:"last_run_at,omitempty"`
	Config       string     `json:"config"`
	RoomID       *int64     `json:"room_id,omitempty"`
	IsEnabled    bool       `json:"is_enabled"`
	CreatedAt    time.Time  `json:"created_at"`
}

const jobColumns = `id, name, job_type, schedule_cron, next_run_at, last_run_at,
	config, room_id, is_enabled, created_at`

func scanJob(row pgx.Row) (ScheduledJob, error) {
	var j ScheduledJob
	err := row.Scan(&j.ID, &j.Name, &j.JobType, &j.ScheduleCron, &j.NextRunAt, &j.LastRunAt,
		&j.Config, &j.RoomID, &j.IsEnabled, &j.CreatedAt)
	return j, err
}

// CreateScheduledJob persists a job. Cron validation happens in the
// scheduler before this call.
func (s *Store) CreateScheduledJob(ctx context.Context, j ScheduledJob) (ScheduledJob, error) {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO scheduled_jobs (name, job_type, schedule_cron, next_run_at, config, room_id, is_enabled)
		 VALUES ($1,$2,$3,$4,$5,$6,$7) RETURNING `+jobColumns,
		j.Name, j.JobType, j.ScheduleCron, j.NextRunAt, j.Config, j.RoomID, j.IsEnabled)
	created, err := scanJob(row)
	if err != nil {
		return ScheduledJob{}, fmt.Errorf("create scheduled job: %w", err)
	}
	return created, nil
}

// DueJobs lists enabled jobs whose next run time has passed.
func (s *Store) DueJobs(ctx context.Context, now time.Time) ([]ScheduledJob, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM scheduled_jobs WHERE is_enabled AND next_run_at <= $1`, now)
	if err != nil {
		return nil, fmt.Errorf("due jobs: %w", err)
	}
	defer rows.Close()
	var out []ScheduledJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// AdvanceJob records a run and schedules the next one.
func (s *Store) AdvanceJob(ctx context.Context, id int64, ranAt, nextRunAt time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE scheduled_jobs SET last_run_at = $2, next_run_at = $3 WHERE id = $1`,
		id, ranAt, nextRunAt)
	if err != nil {
		return fmt.Errorf("advance job: %w", err)
	}
	return nil
}

// ListJobs lists all jobs.
func (s *Store) ListJobs(ctx context.Context) ([]ScheduledJob, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+jobColumns+` FROM scheduled_jobs ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	var out []ScheduledJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// JobByID fetches one job.
func (s *Store) JobByID(ctx context.Context, id int64) (ScheduledJob, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM scheduled_jobs WHERE id = $1`, id)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return ScheduledJob{}, ErrNotFound
	}
	if err != nil {
		return ScheduledJob{}, fmt.Errorf("query job: %w", err)
	}
	return j, nil
}
