package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/renfield-voice/renfield/internal/reliability"
)

// Message is one turn of a chat exchange.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Client talks to an Ollama-compatible HTTP endpoint.
type Client struct {
	baseURL        string
	model          string
	embeddingModel string
	client         *http.Client
}

// Config for the client. EmbeddingModel falls back to Model when empty.
type Config struct {
	BaseURL        string
	Model          string
	EmbeddingModel string
	Timeout        time.Duration
}

func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.EmbeddingModel == "" {
		cfg.EmbeddingModel = cfg.Model
	}
	return &Client{
		baseURL:        strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		model:          cfg.Model,
		embeddingModel: cfg.EmbeddingModel,
		client:         &http.Client{Timeout: cfg.Timeout},
	}
}

type chatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
}

type chatResponse struct {
	Message Message `json:"message"`
}

// Chat runs a non-streaming chat completion.
func (c *Client) Chat(ctx context.Context, messages []Message) (string, error) {
	var res chatResponse
	if err := c.post(ctx, "/api/chat", chatRequest{
		Model:    c.model,
		Messages: messages,
		Stream:   false,
	}, &res); err != nil {
		return "", fmt.Errorf("chat: %w", err)
	}
	return strings.TrimSpace(res.Message.Content), nil
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type generateResponse struct {
	Response string `json:"response"`
}

// Generate runs a one-shot completion for a bare prompt.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	var res generateResponse
	if err := c.post(ctx, "/api/generate", generateRequest{
		Model:  c.model,
		Prompt: prompt,
		Stream: false,
	}, &res); err != nil {
		return "", fmt.Errorf("generate: %w", err)
	}
	return strings.TrimSpace(res.Response), nil
}

type embeddingsRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embeddingsResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embeddings returns the embedding vector for text.
func (c *Client) Embeddings(ctx context.Context, text string) ([]float32, error) {
	var res embeddingsResponse
	if err := c.post(ctx, "/api/embeddings", embeddingsRequest{
		Model:  c.embeddingModel,
		Prompt: text,
	}, &res); err != nil {
		return nil, fmt.Errorf("embeddings: %w", err)
	}
	if len(res.Embedding) == 0 {
		return nil, fmt.Errorf("embeddings: empty vector from model %s", c.embeddingModel)
	}
	return res.Embedding, nil
}

// Retry policy for transient upstream statuses. Transport failures are not
// retried here; the circuit breaker owns that failure mode.
const (
	maxRetries   = 2
	retryBase    = 250 * time.Millisecond
	retryCeiling = 2 * time.Second
)

func (c *Client) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		res, err := c.client.Do(req)
		if err != nil {
			return fmt.Errorf("send request: %w", err)
		}
		if res.StatusCode >= 200 && res.StatusCode < 300 {
			err = json.NewDecoder(res.Body).Decode(out)
			res.Body.Close()
			if err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
			return nil
		}

		msg, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		res.Body.Close()
		statusErr := fmt.Errorf("llm http status %d: %s", res.StatusCode, strings.TrimSpace(string(msg)))
		if attempt >= maxRetries || !reliability.IsRetryableHTTPStatus(res.StatusCode) {
			return statusErr
		}
		select {
		case <-ctx.Done():
			return statusErr
		case <-time.After(reliability.ExponentialBackoff(attempt, retryBase, retryCeiling)):
		}
	}
}
