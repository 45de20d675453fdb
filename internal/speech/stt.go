package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/renfield-voice/renfield/internal/audio"
)

// STT transcribes buffered utterance audio via an HTTP speech service.
type STT struct {
	url        string
	language   string
	sampleRate int
	client     *http.Client
}

type STTConfig struct {
	URL        string
	Language   string
	SampleRate int
	Timeout    time.Duration
}

func NewSTT(cfg STTConfig) *STT {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	return &STT{
		url:        strings.TrimSpace(cfg.URL),
		language:   cfg.Language,
		sampleRate: cfg.SampleRate,
		client:     &http.Client{Timeout: cfg.Timeout},
	}
}

type sttResponse struct {
	Text string `json:"text"`
}

// Transcribe wraps raw PCM in a WAV container and posts it as multipart
// form data, the shape whisper-server style endpoints expect.
func (s *STT) Transcribe(ctx context.Context, pcm []byte, language string) (string, error) {
	if len(pcm) == 0 {
		return "", nil
	}
	wav, err := audio.EncodeWAVPCM16LE(pcm, s.sampleRate)
	if err != nil {
		return "", fmt.Errorf("encode wav: %w", err)
	}
	if language == "" {
		language = s.language
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "utterance.wav")
	if err != nil {
		return "", fmt.Errorf("build form: %w", err)
	}
	if _, err := part.Write(wav); err != nil {
		return "", fmt.Errorf("write form: %w", err)
	}
	if language != "" {
		if err := mw.WriteField("language", language); err != nil {
			return "", fmt.Errorf("write form: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("close form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, &body)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	res, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return "", fmt.Errorf("stt http status %d: %s", res.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out sttResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	return strings.TrimSpace(out.Text), nil
}
