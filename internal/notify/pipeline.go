package notify

import (
	"context"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/renfield-voice/renfield/internal/device"
	"github.com/renfield-voice/renfield/internal/observability"
	"github.com/renfield-voice/renfield/internal/protocol"
	"github.com/renfield-voice/renfield/internal/routing"
	"github.com/renfield-voice/renfield/internal/store"
)

// Submission outcomes.
const (
	OutcomeCreated    = "created"
	OutcomeSuppressed = "suppressed"
)

// Request is the payload shape shared by webhook, scheduler and poller
// ingress.
type Request struct {
	EventType    string `json:"event_type"`
	Title        string `json:"title"`
	Message      string `json:"message"`
	Urgency      string `json:"urgency,omitempty"`
	Room         string `json:"room,omitempty"`
	TTS          bool   `json:"tts,omitempty"`
	Data         string `json:"data,omitempty"`
	Privacy      string `json:"privacy,omitempty"`
	TargetUserID *int64 `json:"target_user_id,omitempty"`
	Source       string `json:"source,omitempty"`
	DedupKey     string `json:"dedup_key,omitempty"`
}

// Outcome reports what Submit did.
type Outcome struct {
	Status       string              `json:"status"`
	Notification *store.Notification `json:"notification,omitempty"`
}

// Storage is the persistence surface the pipeline needs.
type Storage interface {
	CreateNotification(ctx context.Context, n store.Notification) (store.Notification, error)
	HasRecentDedupKey(ctx context.Context, key string, window time.Duration) (bool, error)
	MarkDelivered(ctx context.Context, id int64, deliveredTo []string, ttsDelivered bool) error
	AcknowledgeNotification(ctx context.Context, id int64, by string) error
	DismissNotification(ctx context.Context, id int64) error
	CleanupExpiredNotifications(ctx context.Context) (int64, error)
	ListNotifications(ctx context.Context, f store.NotificationFilter) ([]store.Notification, error)
	RoomByNameOrAlias(ctx context.Context, name string) (store.Room, error)
	UserRoles(ctx context.Context, names []string) (map[string]string, error)
}

// PresenceView is the tracker surface the privacy gate consults.
type PresenceView interface {
	RoomOccupants(roomID int64) []UserPresenceInfo
	IsUserAloneInRoom(userID int64) (alone bool, known bool)
}

// UserPresenceInfo is the occupant data the gate needs.
type UserPresenceInfo struct {
	UserID   int64
	UserName string
}

// Sink routes TTS audio to the best output in a room and enforces the
// configured bridge volume before playback.
type Sink interface {
	Route(ctx context.Context, roomID int64, outputType, inputDeviceID string) (routing.Decision, error)
	ApplyVolume(ctx context.Context, d routing.Decision, audioBytes int)
}

// AudioCache stores synthesized audio for URL-based bridge playback.
type AudioCache interface {
	Put(wav []byte) (string, error)
}

// MediaPlayer starts playback of a URL on a bridge entity.
type MediaPlayer interface {
	PlayMedia(ctx context.Context, entityID, mediaURL string) error
}

// Synthesizer renders text into WAV bytes.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, language string) ([]byte, error)
}

// Options tunes pipeline behaviour.
type Options struct {
	DedupWindow     time.Duration
	TTL             time.Duration
	Language        string
	PresenceEnabled bool
	RecentKeysCap   int
	CacheBaseURL    string
}

// Pipeline is the single delivery path for proactive messages.
type Pipeline struct {
	storage  Storage
	registry *device.Registry
	presence PresenceView
	router   Sink
	tts      Synthesizer
	opts     Options
	logger   zerolog.Logger
	metrics  *observability.Metrics

	cache  AudioCache
	player MediaPlayer

	recent *recentKeys
	now    func() time.Time
}

// SetBridgePlayback enables notification audio on bridge-only room chains.
func (p *Pipeline) SetBridgePlayback(cache AudioCache, player MediaPlayer) {
	p.cache = cache
	p.player = player
}

func NewPipeline(storage Storage, registry *device.Registry, presence PresenceView, router Sink, tts Synthesizer, opts Options, logger zerolog.Logger, metrics *observability.Metrics) *Pipeline {
	if opts.DedupWindow <= 0 {
		opts.DedupWindow = time.Minute
	}
	if opts.TTL <= 0 {
		opts.TTL = 24 * time.Hour
	}
	if opts.RecentKeysCap <= 0 {
		opts.RecentKeysCap = 1000
	}
	return &Pipeline{
		storage:  storage,
		registry: registry,
		presence: presence,
		router:   router,
		tts:      tts,
		opts:     opts,
		logger:   logger.With().Str("component", "notify").Logger(),
		metrics:  metrics,
		recent:   newRecentKeys(opts.RecentKeysCap),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source. Test hook.
func (p *Pipeline) SetClock(now func() time.Time) { p.now = now }

// DedupKey derives the suppression key for a payload lacking one.
func DedupKey(eventType, title, message, roomName string) string {
	h := sha1.Sum([]byte(eventType + "|" + title + "|" + message + "|" + roomName))
	return hex.EncodeToString(h[:])
}

// Submit runs a payload through dedup, persistence and delivery. A
// suppressed duplicate is a distinct outcome, not an error.
func (p *Pipeline) Submit(ctx context.Context, req Request) (Outcome, error) {
	if req.EventType == "" || req.Message == "" {
		return Outcome{}, fmt.Errorf("event_type and message are required")
	}
	if req.Urgency == "" {
		req.Urgency = store.UrgencyInfo
	}
	if req.Privacy == "" {
		req.Privacy = store.PrivacyPublic
	}
	if req.Source == "" {
		req.Source = "webhook"
	}

	var roomID *int64
	roomName := req.Room
	if req.Room != "" {
		room, err := p.storage.RoomByNameOrAlias(ctx, req.Room)
		switch {
		case err == nil:
			roomID = &room.ID
			roomName = room.Name
		case errors.Is(err, store.ErrNotFound):
			// Deliverable room-less; keep the caller's label.
		default:
			return Outcome{}, fmt.Errorf("resolve room: %w", err)
		}
	}

	key := req.DedupKey
	if key == "" {
		key = DedupKey(req.EventType, req.Title, req.Message, roomName)
	}
	now := p.now()
	if p.recent.seen(key, now, p.opts.DedupWindow) {
		p.countNotification("suppressed")
		return Outcome{Status: OutcomeSuppressed}, nil
	}
	dup, err := p.storage.HasRecentDedupKey(ctx, key, p.opts.DedupWindow)
	if err != nil {
		return Outcome{}, fmt.Errorf("dedup check: %w", err)
	}
	if dup {
		p.recent.add(key, now)
		p.countNotification("suppressed")
		return Outcome{Status: OutcomeSuppressed}, nil
	}

	n, err := p.storage.CreateNotification(ctx, store.Notification{
		EventType:    req.EventType,
		Title:        req.Title,
		Message:      req.Message,
		Urgency:      req.Urgency,
		RoomID:       roomID,
		RoomName:     roomName,
		Source:       req.Source,
		SourceData:   req.Data,
		DedupKey:     key,
		Privacy:      req.Privacy,
		TargetUserID: req.TargetUserID,
		ExpiresAt:    now.Add(p.opts.TTL),
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("persist notification: %w", err)
	}
	p.recent.add(key, now)
	p.countNotification("created")

	deliveredTo, ttsDelivered := p.deliver(ctx, n, req.TTS)
	if err := p.storage.MarkDelivered(ctx, n.ID, deliveredTo, ttsDelivered); err != nil {
		p.logger.Error().Err(err).Int64("notification_id", n.ID).Msg("mark delivered failed")
	} else {
		n.Status = store.StatusDelivered
		n.DeliveredTo = deliveredTo
		n.TTSDelivered = ttsDelivered
	}
	return Outcome{Status: OutcomeCreated, Notification: &n}, nil
}

// deliver fans the notification out to displays and, when permitted, plays
// TTS. Delivery failures degrade, they never fail the submission.
func (p *Pipeline) deliver(ctx context.Context, n store.Notification, wantTTS bool) (deliveredTo []string, ttsDelivered bool) {
	ttsAllowed := wantTTS && p.ShouldPlayTTS(ctx, n.Privacy, n.TargetUserID, n.RoomID)

	frame := protocol.Notification{
		Type:           protocol.TypeNotification,
		NotificationID: n.ID,
		Title:          n.Title,
		Message:        n.Message,
		Urgency:        n.Urgency,
		Source:         n.Source,
		Room:           n.RoomName,
		TTSHandled:     ttsAllowed,
		CreatedAt:      n.CreatedAt.Format(time.RFC3339),
	}
	room := ""
	if n.RoomID != nil {
		room = n.RoomName
	}
	deliveredTo = p.registry.BroadcastToRoom(room, frame, "", func(c protocol.Capabilities) bool {
		return c.NotificationDisplay || c.Display
	})

	if !ttsAllowed || p.tts == nil {
		return deliveredTo, false
	}
	speech := n.Message
	if n.Title != "" {
		speech = n.Title + ". " + n.Message
	}
	wav, err := p.tts.Synthesize(ctx, speech, p.opts.Language)
	if err != nil {
		p.logger.Warn().Err(err).Int64("notification_id", n.ID).Msg("tts synthesis failed")
		return deliveredTo, false
	}
	audioFrame := protocol.TTSAudio{
		Type:        protocol.TypeTTSAudio,
		SessionID:   fmt.Sprintf("notification-%d", n.ID),
		AudioBase64: base64.StdEncoding.EncodeToString(wav),
		IsFinal:     true,
	}

	if n.RoomID != nil && p.router != nil {
		decision, err := p.router.Route(ctx, *n.RoomID, store.OutputAudio, "")
		if err == nil && decision.TargetID != "" {
			switch decision.TargetType {
			case routing.TargetLocal:
				if sendErr := p.registry.SendTo(decision.TargetID, audioFrame); sendErr == nil {
					return mergeIDs(deliveredTo, []string{decision.TargetID}), true
				}
				p.logger.Warn().Str("device_id", decision.TargetID).Int64("notification_id", n.ID).
					Msg("routed tts delivery failed, broadcasting")
			case routing.TargetBridge:
				if p.playViaBridge(ctx, decision, wav, n.ID) {
					return mergeIDs(deliveredTo, []string{decision.TargetID}), true
				}
			}
		}
	}
	sent := p.registry.BroadcastToRoom(room, audioFrame, "", func(c protocol.Capabilities) bool {
		return c.Speaker
	})
	return mergeIDs(deliveredTo, sent), len(sent) > 0
}

// playViaBridge caches the audio and starts URL playback on the routed
// bridge entity, applying the configured volume first. A false return
// falls back to the local broadcast path.
func (p *Pipeline) playViaBridge(ctx context.Context, decision routing.Decision, wav []byte, notificationID int64) bool {
	if p.cache == nil || p.player == nil {
		return false
	}
	p.router.ApplyVolume(ctx, decision, len(wav))
	id, err := p.cache.Put(wav)
	if err != nil {
		p.logger.Warn().Err(err).Int64("notification_id", notificationID).Msg("audio cache write failed")
		return false
	}
	url := strings.TrimRight(p.opts.CacheBaseURL, "/") + "/v1/tts-cache/" + id
	if err := p.player.PlayMedia(ctx, decision.TargetID, url); err != nil {
		p.logger.Warn().Err(err).Str("entity_id", decision.TargetID).
			Int64("notification_id", notificationID).Msg("bridge playback failed")
		return false
	}
	return true
}

// ShouldPlayTTS is the privacy gate. Unknown levels and disabled tracking
// both fail safe.
func (p *Pipeline) ShouldPlayTTS(ctx context.Context, privacy string, targetUserID, roomID *int64) bool {
	switch privacy {
	case store.PrivacyPublic:
		return true
	case store.PrivacyPersonal:
		if !p.opts.PresenceEnabled || p.presence == nil || roomID == nil {
			return false
		}
		occupants := p.presence.RoomOccupants(*roomID)
		if len(occupants) == 0 {
			return false
		}
		names := make([]string, 0, len(occupants))
		for _, o := range occupants {
			names = append(names, o.UserName)
		}
		roles, err := p.storage.UserRoles(ctx, names)
		if err != nil {
			p.logger.Warn().Err(err).Msg("role lookup failed, denying personal tts")
			return false
		}
		for _, o := range occupants {
			if roles[o.UserName] != store.RoleHousehold {
				return false
			}
		}
		return true
	case store.PrivacyConfidential:
		if !p.opts.PresenceEnabled || p.presence == nil || targetUserID == nil {
			return false
		}
		alone, known := p.presence.IsUserAloneInRoom(*targetUserID)
		return known && alone
	default:
		return false
	}
}

// Acknowledge transitions a notification to acknowledged.
func (p *Pipeline) Acknowledge(ctx context.Context, id int64, by string) error {
	return p.storage.AcknowledgeNotification(ctx, id, by)
}

// Dismiss soft-deletes a notification.
func (p *Pipeline) Dismiss(ctx context.Context, id int64) error {
	return p.storage.DismissNotification(ctx, id)
}

// List returns active, unexpired notifications.
func (p *Pipeline) List(ctx context.Context, f store.NotificationFilter) ([]store.Notification, error) {
	return p.storage.ListNotifications(ctx, f)
}

// StartCleanup sweeps expired notifications until ctx ends.
func (p *Pipeline) StartCleanup(ctx context.Context, interval time.Duration) {
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				n, err := p.storage.CleanupExpiredNotifications(ctx)
				if err != nil {
					p.logger.Error().Err(err).Msg("notification cleanup failed")
				} else if n > 0 {
					p.logger.Debug().Int64("deleted", n).Msg("expired notifications swept")
				}
			}
		}
	}()
}

func (p *Pipeline) countNotification(outcome string) {
	if p.metrics != nil {
		p.metrics.Notifications.WithLabelValues(outcome).Inc()
	}
}

func mergeIDs(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, id := range append(a, b...) {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
