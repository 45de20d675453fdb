package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

var ErrEntityNotFound = errors.New("entity not found")

// Area is one bridge-side room grouping.
type Area struct {
	ID   string `json:"area_id"`
	Name string `json:"name"`
	Icon string `json:"icon,omitempty"`
}

// EntityState is the bridge's view of one entity.
type EntityState struct {
	EntityID   string         `json:"entity_id"`
	State      string         `json:"state"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Client talks to a Home-Assistant-compatible REST bridge with a bearer
// token. Every call carries a bounded timeout.
type Client struct {
	baseURL        string
	token          string
	client         *http.Client
	serviceTimeout time.Duration
	probeTimeout   time.Duration
}

type Config struct {
	BaseURL        string
	Token          string
	ServiceTimeout time.Duration
	ProbeTimeout   time.Duration
}

func NewClient(cfg Config) *Client {
	if cfg.ServiceTimeout <= 0 {
		cfg.ServiceTimeout = 10 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 3 * time.Second
	}
	return &Client{
		baseURL:        strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		token:          cfg.Token,
		client:         &http.Client{},
		serviceTimeout: cfg.ServiceTimeout,
		probeTimeout:   cfg.ProbeTimeout,
	}
}

// ListAreas fetches the area registry.
func (c *Client) ListAreas(ctx context.Context) ([]Area, error) {
	ctx, cancel := context.WithTimeout(ctx, c.serviceTimeout)
	defer cancel()
	var areas []Area
	if err := c.do(ctx, http.MethodGet, "/api/areas", nil, &areas); err != nil {
		return nil, fmt.Errorf("list areas: %w", err)
	}
	return areas, nil
}

// CreateArea registers a new area and returns it.
func (c *Client) CreateArea(ctx context.Context, name, icon string) (Area, error) {
	ctx, cancel := context.WithTimeout(ctx, c.serviceTimeout)
	defer cancel()
	var created Area
	payload := map[string]string{"name": name}
	if icon != "" {
		payload["icon"] = icon
	}
	if err := c.do(ctx, http.MethodPost, "/api/areas", payload, &created); err != nil {
		return Area{}, fmt.Errorf("create area: %w", err)
	}
	return created, nil
}

// ListStates fetches every entity state.
func (c *Client) ListStates(ctx context.Context) ([]EntityState, error) {
	ctx, cancel := context.WithTimeout(ctx, c.serviceTimeout)
	defer cancel()
	var states []EntityState
	if err := c.do(ctx, http.MethodGet, "/api/states", nil, &states); err != nil {
		return nil, fmt.Errorf("list states: %w", err)
	}
	return states, nil
}

// GetState fetches one entity state.
func (c *Client) GetState(ctx context.Context, entityID string) (EntityState, error) {
	ctx, cancel := context.WithTimeout(ctx, c.probeTimeout)
	defer cancel()
	var state EntityState
	err := c.do(ctx, http.MethodGet, "/api/states/"+url.PathEscape(entityID), nil, &state)
	if err != nil {
		return EntityState{}, fmt.Errorf("get state %s: %w", entityID, err)
	}
	return state, nil
}

// CallService invokes domain.service, optionally scoped to an entity.
func (c *Client) CallService(ctx context.Context, domain, service, entityID string, data map[string]any) error {
	ctx, cancel := context.WithTimeout(ctx, c.serviceTimeout)
	defer cancel()
	payload := make(map[string]any, len(data)+1)
	for k, v := range data {
		payload[k] = v
	}
	if entityID != "" {
		payload["entity_id"] = entityID
	}
	path := "/api/services/" + url.PathEscape(domain) + "/" + url.PathEscape(service)
	if err := c.do(ctx, http.MethodPost, path, payload, nil); err != nil {
		return fmt.Errorf("call %s.%s: %w", domain, service, err)
	}
	return nil
}

// PlayerState probes a media player for the router.
func (c *Client) PlayerState(ctx context.Context, entityID string) (string, error) {
	state, err := c.GetState(ctx, entityID)
	if err != nil {
		return "", err
	}
	return state.State, nil
}

// PlayerVolume reads a media player's volume level.
func (c *Client) PlayerVolume(ctx context.Context, entityID string) (float64, error) {
	state, err := c.GetState(ctx, entityID)
	if err != nil {
		return 0, err
	}
	raw, ok := state.Attributes["volume_level"]
	if !ok {
		return 0, fmt.Errorf("entity %s has no volume_level", entityID)
	}
	switch v := raw.(type) {
	case float64:
		return v, nil
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, fmt.Errorf("entity %s volume_level %q: %w", entityID, v, err)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("entity %s volume_level has type %T", entityID, raw)
	}
}

// SetPlayerVolume sets a media player's volume level.
func (c *Client) SetPlayerVolume(ctx context.Context, entityID string, volume float64) error {
	return c.CallService(ctx, "media_player", "volume_set", entityID, map[string]any{
		"volume_level": volume,
	})
}

// PlayMedia asks a media player to play an audio URL. Used for bridge-side
// TTS playback against the cached audio server.
func (c *Client) PlayMedia(ctx context.Context, entityID, mediaURL string) error {
	return c.CallService(ctx, "media_player", "play_media", entityID, map[string]any{
		"media_content_id":   mediaURL,
		"media_content_type": "music",
	})
}

func (c *Client) do(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotFound {
		return ErrEntityNotFound
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return fmt.Errorf("bridge http status %d: %s", res.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out != nil {
		if err := json.NewDecoder(res.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
