package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// TTS renders text into WAV audio via an HTTP speech service.
type TTS struct {
	url      string
	voice    string
	language string
	client   *http.Client
}

type TTSConfig struct {
	URL      string
	Voice    string
	Language string
	Timeout  time.Duration
}

func NewTTS(cfg TTSConfig) *TTS {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &TTS{
		url:      strings.TrimSpace(cfg.URL),
		voice:    cfg.Voice,
		language: cfg.Language,
		client:   &http.Client{Timeout: cfg.Timeout},
	}
}

type ttsRequest struct {
	Text     string `json:"text"`
	Voice    string `json:"voice,omitempty"`
	Language string `json:"language,omitempty"`
}

// Synthesize posts text and returns the WAV payload.
func (t *TTS) Synthesize(ctx context.Context, text, language string) ([]byte, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("empty text")
	}
	if language == "" {
		language = t.language
	}
	payload, err := json.Marshal(ttsRequest{Text: text, Voice: t.voice, Language: language})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return nil, fmt.Errorf("tts http status %d: %s", res.StatusCode, strings.TrimSpace(string(msg)))
	}
	wav, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("read audio: %w", err)
	}
	if len(wav) == 0 {
		return nil, fmt.Errorf("empty audio payload")
	}
	return wav, nil
}
