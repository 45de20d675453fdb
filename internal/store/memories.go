package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
)

// Memory is one embedded fact saved from a conversation.
type Memory struct {
	ID        string    `json:"id"`
	UserID    *int64    `json:"user_id,omitempty"`
	Kind      string    `json:"kind"`
	Content   string    `json:"content"`
	Score     float64   `json:"score,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// SaveMemory embeds nothing itself; the caller supplies the vector.
func (s *Store) SaveMemory(ctx context.Context, userID *int64, kind, content string, embedding []float32) (Memory, error) {
	if len(embedding) != s.embeddingDim {
		return Memory{}, fmt.Errorf("save memory: embedding has %d dims, want %d", len(embedding), s.embeddingDim)
	}
	m := Memory{ID: uuid.NewString(), UserID: userID, Kind: kind, Content: content}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO memories (id, user_id, kind, content, embedding)
		 VALUES ($1, $2, $3, $4, $5) RETURNING created_at`,
		m.ID, m.UserID, m.Kind, m.Content, pgvector.NewVector(embedding)).Scan(&m.CreatedAt)
	if err != nil {
		return Memory{}, fmt.Errorf("save memory: %w", err)
	}
	return m, nil
}

// SearchMemories returns the closest active memories by cosine distance.
// Score is 1 - distance, so higher is closer.
func (s *Store) SearchMemories(ctx context.Context, embedding []float32, userID *int64, limit int) ([]Memory, error) {
	if len(embedding) != s.embeddingDim {
		return nil, fmt.Errorf("search memories: embedding has %d dims, want %d", len(embedding), s.embeddingDim)
	}
	if limit <= 0 {
		limit = 5
	}
	query := `SELECT id, user_id, kind, content, created_at, 1 - (embedding <=> $1) AS score
	          FROM memories WHERE is_active`
	args := []any{pgvector.NewVector(embedding)}
	if userID != nil {
		query += ` AND (user_id IS NULL OR user_id = $2)`
		args = append(args, *userID)
	}
	query += fmt.Sprintf(` ORDER BY embedding <=> $1 ASC LIMIT %d`, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search memories: %w", err)
	}
	defer rows.Close()
	var out []Memory
	for rows.Next() {
		var m Memory
		if err := rows.Scan(&m.ID, &m.UserID, &m.Kind, &m.Content, &m.CreatedAt, &m.Score); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ForgetMemory soft-deletes a memory.
func (s *Store) ForgetMemory(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE memories SET is_active = FALSE WHERE id = $1 AND is_active`, id)
	if err != nil {
		return fmt.Errorf("forget memory: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
