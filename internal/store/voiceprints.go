package store

import (
	"context"
	"fmt"

	"github.com/pgvector/pgvector-go"
)

// VoiceprintDim is the embedding size produced by ECAPA-style speaker
// encoders. Fixed at enrollment time; changing it requires re-enrolling.
const VoiceprintDim = 192

// Voiceprint binds a speaker embedding to an enrolled user.
type Voiceprint struct {
	UserID    int64     `json:"user_id"`
	UserName  string    `json:"user_name"`
	Alias     string    `json:"alias,omitempty"`
	Embedding []float32 `json:"-"`
}

// EnrollVoiceprint stores or replaces the reference embedding for a user.
func (s *Store) EnrollVoiceprint(ctx context.Context, userID int64, alias string, embedding []float32) error {
	if len(embedding) != VoiceprintDim {
		return fmt.Errorf("enroll voiceprint: embedding has %d dims, want %d", len(embedding), VoiceprintDim)
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO voiceprints (user_id, alias, embedding)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE SET alias = EXCLUDED.alias,
			embedding = EXCLUDED.embedding, updated_at = now()`,
		userID, alias, pgvector.NewVector(embedding))
	if err != nil {
		return fmt.Errorf("enroll voiceprint: %w", err)
	}
	return nil
}

// ListVoiceprints returns every enrolled speaker with its embedding.
func (s *Store) ListVoiceprints(ctx context.Context) ([]Voiceprint, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT v.user_id, u.name, v.alias, v.embedding
		FROM voiceprints v JOIN users u ON u.id = v.user_id
		WHERE u.is_active
		ORDER BY u.name`)
	if err != nil {
		return nil, fmt.Errorf("list voiceprints: %w", err)
	}
	defer rows.Close()

	var out []Voiceprint
	for rows.Next() {
		var vp Voiceprint
		var vec pgvector.Vector
		if err := rows.Scan(&vp.UserID, &vp.UserName, &vp.Alias, &vec); err != nil {
			return nil, fmt.Errorf("scan voiceprint: %w", err)
		}
		vp.Embedding = vec.Slice()
		out = append(out, vp)
	}
	return out, rows.Err()
}
