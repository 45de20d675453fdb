package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrNotFound = errors.New("not found")

// Store persists all durable entities in PostgreSQL.
type Store struct {
	pool         *pgxpool.Pool
	embeddingDim int
}

func New(ctx context.Context, databaseURL string, embeddingDim int) (*Store, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := &Store{pool: pool, embeddingDim: embeddingDim}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector;`,
		`CREATE TABLE IF NOT EXISTS rooms (
			id BIGSERIAL PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			alias TEXT NOT NULL,
			bridge_area_id TEXT NOT NULL DEFAULT '',
			source TEXT NOT NULL DEFAULT 'local',
			icon TEXT NOT NULL DEFAULT '',
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_rooms_alias ON rooms (alias);`,
		`CREATE TABLE IF NOT EXISTS room_output_devices (
			id BIGSERIAL PRIMARY KEY,
			room_id BIGINT NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
			output_type TEXT NOT NULL,
			local_device_id TEXT NOT NULL DEFAULT '',
			bridge_entity_id TEXT NOT NULL DEFAULT '',
			priority INTEGER NOT NULL DEFAULT 1,
			allow_interruption BOOLEAN NOT NULL DEFAULT FALSE,
			tts_volume DOUBLE PRECISION NULL,
			device_name TEXT NOT NULL DEFAULT '',
			is_enabled BOOLEAN NOT NULL DEFAULT TRUE,
			CHECK ((local_device_id = '') <> (bridge_entity_id = ''))
		);`,
		`CREATE INDEX IF NOT EXISTS idx_output_devices_room ON room_output_devices (room_id, output_type, priority);`,
		`CREATE TABLE IF NOT EXISTS users (
			id BIGSERIAL PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			alias TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL DEFAULT 'household',
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE TABLE IF NOT EXISTS radio_devices (
			mac TEXT PRIMARY KEY,
			user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			label TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE TABLE IF NOT EXISTS notifications (
			id BIGSERIAL PRIMARY KEY,
			event_type TEXT NOT NULL,
			title TEXT NOT NULL,
			message TEXT NOT NULL,
			urgency TEXT NOT NULL DEFAULT 'info',
			room_id BIGINT NULL,
			room_name TEXT NOT NULL DEFAULT '',
			source TEXT NOT NULL,
			source_data TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'pending',
			tts_delivered BOOLEAN NOT NULL DEFAULT FALSE,
			delivered_to TEXT NOT NULL DEFAULT '',
			dedup_key TEXT NOT NULL,
			privacy TEXT NOT NULL DEFAULT 'public',
			target_user_id BIGINT NULL,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			delivered_at TIMESTAMPTZ NULL,
			acknowledged_at TIMESTAMPTZ NULL,
			acknowledged_by TEXT NOT NULL DEFAULT '',
			expires_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_notifications_dedup ON notifications (dedup_key, created_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_notifications_room ON notifications (room_id, created_at DESC);`,
		`CREATE TABLE IF NOT EXISTS reminders (
			id BIGSERIAL PRIMARY KEY,
			message TEXT NOT NULL,
			trigger_at TIMESTAMPTZ NOT NULL,
			room_id BIGINT NULL,
			room_name TEXT NOT NULL DEFAULT '',
			user_id BIGINT NULL,
			session_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'pending',
			fired_at TIMESTAMPTZ NULL,
			notification_id BIGINT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_reminders_due ON reminders (status, trigger_at);`,
		`CREATE TABLE IF NOT EXISTS scheduled_jobs (
			id BIGSERIAL PRIMARY KEY,
			name TEXT NOT NULL,
			job_type TEXT NOT NULL,
			schedule_cron TEXT NOT NULL,
			next_run_at TIMESTAMPTZ NOT NULL,
			last_run_at TIMESTAMPTZ NULL,
			config TEXT NOT NULL DEFAULT '{}',
			room_id BIGINT NULL,
			is_enabled BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE TABLE IF NOT EXISTS system_settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS voiceprints (
			user_id BIGINT PRIMARY KEY REFERENCES users(id) ON DELETE CASCADE,
			alias TEXT NOT NULL DEFAULT '',
			embedding vector(%d) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`, VoiceprintDim),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS memories (
			id TEXT PRIMARY KEY,
			user_id BIGINT NULL,
			kind TEXT NOT NULL DEFAULT 'memory',
			content TEXT NOT NULL,
			embedding vector(%d),
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`, s.embeddingDim),
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *Store) Close() {
	s.pool.Close()
}
