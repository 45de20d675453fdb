package notify

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// PendingSource is an integration exposing a pending-notifications tool.
// Invoke returns a response that contains a JSON array of Request entries,
// possibly wrapped in surrounding prose.
type PendingSource interface {
	Name() string
	Invoke(ctx context.Context) (string, error)
}

// Poller periodically drains integrations into the pipeline. Every entry
// must carry a source-provided dedup_key; keyless entries are dropped.
type Poller struct {
	pipeline *Pipeline
	sources  []PendingSource
	interval time.Duration
	logger   zerolog.Logger
}

func NewPoller(pipeline *Pipeline, sources []PendingSource, interval time.Duration, logger zerolog.Logger) *Poller {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Poller{
		pipeline: pipeline,
		sources:  sources,
		interval: interval,
		logger:   logger.With().Str("component", "notify_poller").Logger(),
	}
}

// Run polls until ctx ends.
func (p *Poller) Run(ctx context.Context) {
	t := time.NewTicker(p.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			p.PollOnce(ctx)
		}
	}
}

// PollOnce drains every source a single time.
func (p *Poller) PollOnce(ctx context.Context) {
	for _, src := range p.sources {
		raw, err := src.Invoke(ctx)
		if err != nil {
			p.logger.Warn().Err(err).Str("source", src.Name()).Msg("poll failed")
			continue
		}
		entries, err := extractEntries(raw)
		if err != nil {
			p.logger.Warn().Err(err).Str("source", src.Name()).Msg("unparseable poll response")
			continue
		}
		for _, req := range entries {
			if req.DedupKey == "" {
				p.logger.Warn().Str("source", src.Name()).Str("event_type", req.EventType).
					Msg("entry without dedup_key rejected")
				continue
			}
			if req.Source == "" {
				req.Source = "poll:" + src.Name()
			}
			if _, err := p.pipeline.Submit(ctx, req); err != nil {
				p.logger.Error().Err(err).Str("source", src.Name()).Msg("poll entry submit failed")
			}
		}
	}
}

// extractEntries pulls the first JSON array out of a tool response. Tools
// often wrap their payload in explanatory text.
func extractEntries(raw string) ([]Request, error) {
	start := strings.Index(raw, "[")
	end := strings.LastIndex(raw, "]")
	if start < 0 || end <= start {
		return nil, errors.New("no JSON array in response")
	}
	var entries []Request
	if err := json.Unmarshal([]byte(raw[start:end+1]), &entries); err != nil {
		return nil, err
	}
	return entries, nil
}
