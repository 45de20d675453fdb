package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/renfield-voice/renfield/internal/config"
	"github.com/renfield-voice/renfield/internal/device"
	"github.com/renfield-voice/renfield/internal/notify"
	"github.com/renfield-voice/renfield/internal/observability"
	"github.com/renfield-voice/renfield/internal/presence"
	"github.com/renfield-voice/renfield/internal/schedule"
	"github.com/renfield-voice/renfield/internal/store"
	"github.com/renfield-voice/renfield/internal/wakeword"
)

// NotifyService is the pipeline surface the webhook and lifecycle handlers
// need.
type NotifyService interface {
	Submit(ctx context.Context, req notify.Request) (notify.Outcome, error)
	Acknowledge(ctx context.Context, id int64, by string) error
	Dismiss(ctx context.Context, id int64) error
	List(ctx context.Context, f store.NotificationFilter) ([]store.Notification, error)
}

// ReminderService creates and manages one-shot reminders.
type ReminderService interface {
	Create(ctx context.Context, req schedule.CreateRequest) (store.Reminder, error)
	Cancel(ctx context.Context, id int64) error
	List(ctx context.Context, status string, limit int) ([]store.Reminder, error)
}

// JobService manages recurring scheduled jobs.
type JobService interface {
	CreateJob(ctx context.Context, name, jobType, cron, config string, roomID *int64) (store.ScheduledJob, error)
	ListJobs(ctx context.Context) ([]store.ScheduledJob, error)
}

// SettingsStore holds the webhook token.
type SettingsStore interface {
	GetSetting(ctx context.Context, key string) (string, bool, error)
	SetSetting(ctx context.Context, key, value string) error
}

// Directory is the persistence surface for rooms, users, and the two
// enrollment kinds (BLE radios, voiceprints).
type Directory interface {
	EnsureRoom(ctx context.Context, name, source string) (store.Room, error)
	EnsureUser(ctx context.Context, name, role string) (store.User, error)
	UpsertRadioDevice(ctx context.Context, mac, name string, userID int64) error
	ListRadioDevices(ctx context.Context) ([]store.RadioDevice, error)
	EnrollVoiceprint(ctx context.Context, userID int64, alias string, embedding []float32) error
	ListVoiceprints(ctx context.Context) ([]store.Voiceprint, error)
}

// AudioCache serves synthesized audio by id.
type AudioCache interface {
	Get(id string) ([]byte, error)
}

// UtteranceProcessor runs the voice flow once a capture ends.
type UtteranceProcessor interface {
	ProcessSession(ctx context.Context, sessionID string)
}

// Server exposes the device socket and the operational REST surface.
type Server struct {
	cfg       config.Config
	registry  *device.Registry
	fabric    *wakeword.Fabric
	tracker   *presence.Tracker
	notifier  NotifyService
	reminders ReminderService
	jobs      JobService
	settings  SettingsStore
	directory Directory
	cache     AudioCache
	processor UtteranceProcessor
	metrics   *observability.Metrics
	latency   *observability.LatencyWindow
	logger    zerolog.Logger
	upgrader  websocket.Upgrader
}

// SetLatencyWindow exposes voice stage latencies on GET /v1/latency.
func (s *Server) SetLatencyWindow(w *observability.LatencyWindow) { s.latency = w }

func New(
	cfg config.Config,
	registry *device.Registry,
	fabric *wakeword.Fabric,
	tracker *presence.Tracker,
	notifier NotifyService,
	reminders ReminderService,
	jobs JobService,
	settings SettingsStore,
	directory Directory,
	cache AudioCache,
	processor UtteranceProcessor,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *Server {
	return &Server{
		cfg:       cfg,
		registry:  registry,
		fabric:    fabric,
		tracker:   tracker,
		notifier:  notifier,
		reminders: reminders,
		jobs:      jobs,
		settings:  settings,
		directory: directory,
		cache:     cache,
		processor: processor,
		metrics:   metrics,
		logger:    logger.With().Str("component", "httpapi").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Browser clients must come from our own origin unless the
				// deployment opted out. Satellites omit Origin entirely.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Get("/ws", s.handleDeviceWS)

	r.Group(func(r chi.Router) {
		r.Use(httprate.LimitByIP(s.cfg.WebhookRatePerMin, time.Minute))
		r.Use(s.webhookAuth)
		r.Post("/notify", s.handleWebhook)
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.adminAuth)

		r.Get("/devices", s.handleListDevices)
		r.Get("/presence", s.handlePresence)

		r.Get("/wakeword/config", s.handleGetWakewordConfig)
		r.Patch("/wakeword/config", s.handlePatchWakewordConfig)
		r.Get("/wakeword/sync", s.handleWakewordSync)

		r.Get("/notifications", s.handleListNotifications)
		r.Post("/notifications/{id}/ack", s.handleAckNotification)
		r.Post("/notifications/{id}/dismiss", s.handleDismissNotification)

		r.Post("/reminders", s.handleCreateReminder)
		r.Get("/reminders", s.handleListReminders)
		r.Delete("/reminders/{id}", s.handleCancelReminder)

		r.Post("/jobs", s.handleCreateJob)
		r.Get("/jobs", s.handleListJobs)

		r.Post("/radio-devices", s.handleEnrollRadioDevice)
		r.Get("/radio-devices", s.handleListRadioDevices)
		r.Post("/voiceprints", s.handleEnrollVoiceprint)
		r.Get("/voiceprints", s.handleListVoiceprints)

		r.Post("/webhook/token/rotate", s.handleRotateWebhookToken)

		r.Get("/latency", s.handleLatency)

		// The bridge media player fetches cached audio with no credentials;
		// adminAuth exempts this path.
		r.Get("/tts-cache/{id}", s.handleTTSCache)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"devices": len(s.registry.Snapshot()),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (s *Server) handleLatency(w http.ResponseWriter, _ *http.Request) {
	if s.latency == nil {
		respondError(w, http.StatusNotFound, "latency_disabled", "latency window not configured")
		return
	}
	respondJSON(w, http.StatusOK, s.latency.Snapshot())
}

// adminAuth guards the /v1 surface with the shared secret when enabled.
func (s *Server) adminAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.cfg.AuthEnabled {
			next.ServeHTTP(w, r)
			return
		}
		// Cache fetches are driven by the bridge, which has no secret.
		if strings.HasPrefix(r.URL.Path, "/v1/tts-cache/") {
			next.ServeHTTP(w, r)
			return
		}
		if subtle.ConstantTimeCompare([]byte(bearerToken(r)), []byte(s.cfg.SecretKey)) != 1 {
			respondError(w, http.StatusUnauthorized, "unauthorized", "invalid or missing bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// webhookAuth validates the rotating webhook token stored in settings.
func (s *Server) webhookAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok, err := s.settings.GetSetting(r.Context(), store.SettingWebhookToken)
		if err != nil {
			respondError(w, http.StatusInternalServerError, "settings_unavailable", err.Error())
			return
		}
		if !ok || token == "" {
			respondError(w, http.StatusServiceUnavailable, "webhook_disabled", "no webhook token configured")
			return
		}
		if subtle.ConstantTimeCompare([]byte(bearerToken(r)), []byte(token)) != 1 {
			respondError(w, http.StatusUnauthorized, "unauthorized", "invalid webhook token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
