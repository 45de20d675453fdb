package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/renfield-voice/renfield/internal/audio"
)

// EnrolledSpeaker is one voice-enrolled user with a reference embedding.
type EnrolledSpeaker struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Alias     string    `json:"alias,omitempty"`
	Embedding []float32 `json:"embedding"`
}

// Identification is a positive speaker match.
type Identification struct {
	ID    int64   `json:"id"`
	Name  string  `json:"name"`
	Alias string  `json:"alias,omitempty"`
	Score float64 `json:"score"`
}

// SpeakerID extracts voice embeddings via an HTTP service and matches them
// against enrolled speakers by cosine similarity.
type SpeakerID struct {
	url        string
	threshold  float64
	sampleRate int
	client     *http.Client
}

type SpeakerIDConfig struct {
	URL        string
	Threshold  float64
	SampleRate int
	Timeout    time.Duration
}

func NewSpeakerID(cfg SpeakerIDConfig) *SpeakerID {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 0.7
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &SpeakerID{
		url:        strings.TrimSpace(cfg.URL),
		threshold:  cfg.Threshold,
		sampleRate: cfg.SampleRate,
		client:     &http.Client{Timeout: cfg.Timeout},
	}
}

type embeddingResponse struct {
	Embedding []float32 `json:"embedding"`
}

// ExtractEmbedding posts utterance audio and returns its voice embedding.
func (s *SpeakerID) ExtractEmbedding(ctx context.Context, pcm []byte) ([]float32, error) {
	wav, err := audio.EncodeWAVPCM16LE(pcm, s.sampleRate)
	if err != nil {
		return nil, fmt.Errorf("encode wav: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(wav))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "audio/wav")

	res, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return nil, fmt.Errorf("speaker-id http status %d: %s", res.StatusCode, strings.TrimSpace(string(msg)))
	}
	var out embeddingResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(out.Embedding) == 0 {
		return nil, fmt.Errorf("empty embedding")
	}
	return out.Embedding, nil
}

// Identify matches an embedding against the enrolled set. A nil result
// means nobody scored above the threshold.
func (s *SpeakerID) Identify(embedding []float32, enrolled []EnrolledSpeaker) *Identification {
	var best *Identification
	for _, sp := range enrolled {
		score := CosineSimilarity(embedding, sp.Embedding)
		if score < s.threshold {
			continue
		}
		if best == nil || score > best.Score {
			best = &Identification{ID: sp.ID, Name: sp.Name, Alias: sp.Alias, Score: score}
		}
	}
	return best
}

// CosineSimilarity returns the cosine of the angle between a and b, or 0
// for mismatched or zero vectors.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
