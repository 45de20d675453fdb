package ttscache

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var ErrNotFound = errors.New("cached audio not found")

// Cache holds rendered TTS audio on disk under opaque ids so the home
// bridge can pull it over HTTP for playback.
type Cache struct {
	dir    string
	ttl    time.Duration
	logger zerolog.Logger

	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

func New(dir string, ttl time.Duration, logger zerolog.Logger) (*Cache, error) {
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "renfield-tts")
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return &Cache{
		dir:     dir,
		ttl:     ttl,
		logger:  logger.With().Str("component", "ttscache").Logger(),
		entries: make(map[string]time.Time),
		now:     func() time.Time { return time.Now() },
	}, nil
}

// Put stores a WAV payload and returns its opaque id.
func (c *Cache) Put(wav []byte) (string, error) {
	id := uuid.NewString()
	if err := os.WriteFile(c.path(id), wav, 0o644); err != nil {
		return "", fmt.Errorf("write cached audio: %w", err)
	}
	c.mu.Lock()
	c.entries[id] = c.now()
	c.mu.Unlock()
	return id, nil
}

// Get returns the payload for id, or ErrNotFound for unknown or expired
// entries.
func (c *Cache) Get(id string) ([]byte, error) {
	if uuid.Validate(id) != nil {
		return nil, ErrNotFound
	}
	c.mu.Lock()
	created, ok := c.entries[id]
	expired := ok && c.now().Sub(created) > c.ttl
	c.mu.Unlock()
	if !ok || expired {
		return nil, ErrNotFound
	}
	wav, err := os.ReadFile(c.path(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read cached audio: %w", err)
	}
	return wav, nil
}

// Sweep deletes entries older than the TTL and returns how many went.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	cutoff := c.now().Add(-c.ttl)
	var stale []string
	for id, created := range c.entries {
		if created.Before(cutoff) {
			stale = append(stale, id)
			delete(c.entries, id)
		}
	}
	c.mu.Unlock()

	for _, id := range stale {
		if err := os.Remove(c.path(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
			c.logger.Warn().Err(err).Str("id", id).Msg("cache file removal failed")
		}
	}
	return len(stale)
}

func (c *Cache) path(id string) string {
	return filepath.Join(c.dir, id+".wav")
}
