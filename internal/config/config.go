package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// DefaultSecretKey is the placeholder shipped in example env files. Startup
// refuses to enable auth while the secret still holds this value.
const DefaultSecretKey = "change-me"

// Config contains all runtime settings for the coordination core.
type Config struct {
	BindAddr         string
	PublicURL        string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	LogLevel         string
	LogPretty        bool
	Language         string

	AllowAnyOrigin bool

	AuthEnabled bool
	SecretKey   string

	// Device registry / session manager.
	HeartbeatTimeout   time.Duration
	ReaperInterval     time.Duration
	SessionMaxDuration time.Duration
	MaxMessageBytes    int
	MaxAudioBufferMB   int

	// Wake-word fabric defaults (runtime values live in system settings).
	WakewordEnabled    bool
	WakewordKeyword    string
	WakewordThreshold  float64
	WakewordCooldownMS int

	// Presence tracker.
	PresenceEnabled         bool
	PresenceRSSIThreshold   int
	PresenceStaleTimeout    time.Duration
	PresenceHysteresisScans int

	// Output router.
	RouteProbeTimeout    time.Duration
	BridgePCMBytesPerSec int
	VolumeRestoreMargin  time.Duration
	BridgeCallTimeout    time.Duration

	// Notification pipeline.
	DedupWindow       time.Duration
	NotificationTTL   time.Duration
	WebhookRatePerMin int
	NotifySweepEvery  time.Duration

	// Reminder + scheduler loops.
	ReminderTick  time.Duration
	SchedulerTick time.Duration

	// Circuit breakers.
	BreakerFailureThreshold int
	BreakerRecoveryTimeout  time.Duration
	BreakerHalfOpenMax      int

	// Agent loop guards.
	AgentStepTimeout   time.Duration
	AgentTotalTimeout  time.Duration
	AgentMaxSteps      int
	AgentHistoryWindow int
	AgentLoopWindow    int

	// External collaborators.
	DatabaseURL        string
	EmbeddingDim       int
	LLMBaseURL         string
	LLMChatModel       string
	LLMEmbedModel      string
	STTBaseURL         string
	TTSBaseURL         string
	SpeakerIDBaseURL   string
	SpeakerIDThreshold float64
	BridgeBaseURL      string
	BridgeToken        string

	// TTS cache.
	TTSCacheDir    string
	TTSCacheMaxAge time.Duration
	TTSCacheSweep  time.Duration
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("RENFIELD_BIND_ADDR", ":8080"),
		PublicURL:        envOrDefault("RENFIELD_PUBLIC_URL", "http://localhost:8080"),
		MetricsNamespace: envOrDefault("RENFIELD_METRICS_NAMESPACE", "renfield"),
		LogLevel:         envOrDefault("RENFIELD_LOG_LEVEL", "info"),
		Language:         envOrDefault("RENFIELD_LANGUAGE", "en"),
		SecretKey:        envOrDefault("RENFIELD_SECRET_KEY", DefaultSecretKey),

		WakewordKeyword:    envOrDefault("RENFIELD_WAKEWORD_KEYWORD", "hey_jarvis"),
		WakewordThreshold:  0.5,
		WakewordCooldownMS: 2000,
		WakewordEnabled:    true,

		PresenceEnabled:         true,
		PresenceRSSIThreshold:   -80,
		PresenceStaleTimeout:    3 * time.Minute,
		PresenceHysteresisScans: 2,

		ShutdownTimeout:    15 * time.Second,
		HeartbeatTimeout:   90 * time.Second,
		ReaperInterval:     10 * time.Second,
		SessionMaxDuration: 60 * time.Second,
		MaxMessageBytes:    1 << 20,
		MaxAudioBufferMB:   10,

		RouteProbeTimeout:    3 * time.Second,
		BridgePCMBytesPerSec: 32000,
		VolumeRestoreMargin:  time.Second,
		BridgeCallTimeout:    10 * time.Second,

		DedupWindow:       60 * time.Second,
		NotificationTTL:   24 * time.Hour,
		WebhookRatePerMin: 60,
		NotifySweepEvery:  10 * time.Minute,

		ReminderTick:  5 * time.Second,
		SchedulerTick: 20 * time.Second,

		BreakerFailureThreshold: 5,
		BreakerRecoveryTimeout:  30 * time.Second,
		BreakerHalfOpenMax:      2,

		AgentStepTimeout:   30 * time.Second,
		AgentTotalTimeout:  2 * time.Minute,
		AgentMaxSteps:      8,
		AgentHistoryWindow: 12,
		AgentLoopWindow:    3,

		EmbeddingDim:       768,
		LLMBaseURL:         envOrDefault("RENFIELD_LLM_URL", "http://localhost:11434"),
		LLMChatModel:       envOrDefault("RENFIELD_LLM_CHAT_MODEL", "qwen2.5:7b"),
		LLMEmbedModel:      envOrDefault("RENFIELD_LLM_EMBED_MODEL", "nomic-embed-text"),
		STTBaseURL:         strings.TrimSpace(os.Getenv("RENFIELD_STT_URL")),
		TTSBaseURL:         strings.TrimSpace(os.Getenv("RENFIELD_TTS_URL")),
		SpeakerIDBaseURL:   strings.TrimSpace(os.Getenv("RENFIELD_SPEAKER_ID_URL")),
		SpeakerIDThreshold: 0.25,
		BridgeBaseURL:      strings.TrimSpace(os.Getenv("RENFIELD_BRIDGE_URL")),
		BridgeToken:        strings.TrimSpace(os.Getenv("RENFIELD_BRIDGE_TOKEN")),
		DatabaseURL:        strings.TrimSpace(os.Getenv("DATABASE_URL")),

		TTSCacheDir:    envOrDefault("RENFIELD_TTS_CACHE_DIR", os.TempDir()+"/renfield-tts"),
		TTSCacheMaxAge: time.Hour,
		TTSCacheSweep:  10 * time.Minute,
	}

	var err error
	for _, f := range []struct {
		key string
		dst *time.Duration
	}{
		{"RENFIELD_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
		{"RENFIELD_HEARTBEAT_TIMEOUT", &cfg.HeartbeatTimeout},
		{"RENFIELD_REAPER_INTERVAL", &cfg.ReaperInterval},
		{"RENFIELD_SESSION_MAX_DURATION", &cfg.SessionMaxDuration},
		{"RENFIELD_PRESENCE_STALE_TIMEOUT", &cfg.PresenceStaleTimeout},
		{"RENFIELD_ROUTE_PROBE_TIMEOUT", &cfg.RouteProbeTimeout},
		{"RENFIELD_BRIDGE_CALL_TIMEOUT", &cfg.BridgeCallTimeout},
		{"RENFIELD_DEDUP_WINDOW", &cfg.DedupWindow},
		{"RENFIELD_NOTIFICATION_TTL", &cfg.NotificationTTL},
		{"RENFIELD_REMINDER_TICK", &cfg.ReminderTick},
		{"RENFIELD_SCHEDULER_TICK", &cfg.SchedulerTick},
		{"RENFIELD_BREAKER_RECOVERY_TIMEOUT", &cfg.BreakerRecoveryTimeout},
		{"RENFIELD_AGENT_STEP_TIMEOUT", &cfg.AgentStepTimeout},
		{"RENFIELD_AGENT_TOTAL_TIMEOUT", &cfg.AgentTotalTimeout},
		{"RENFIELD_TTS_CACHE_MAX_AGE", &cfg.TTSCacheMaxAge},
	} {
		*f.dst, err = durationFromEnv(f.key, *f.dst)
		if err != nil {
			return Config{}, err
		}
	}

	for _, f := range []struct {
		key string
		dst *int
	}{
		{"RENFIELD_MAX_MESSAGE_BYTES", &cfg.MaxMessageBytes},
		{"RENFIELD_MAX_AUDIO_BUFFER_MB", &cfg.MaxAudioBufferMB},
		{"RENFIELD_WAKEWORD_COOLDOWN_MS", &cfg.WakewordCooldownMS},
		{"RENFIELD_PRESENCE_RSSI_THRESHOLD", &cfg.PresenceRSSIThreshold},
		{"RENFIELD_PRESENCE_HYSTERESIS_SCANS", &cfg.PresenceHysteresisScans},
		{"RENFIELD_BRIDGE_PCM_BYTES_PER_SEC", &cfg.BridgePCMBytesPerSec},
		{"RENFIELD_WEBHOOK_RATE_PER_MIN", &cfg.WebhookRatePerMin},
		{"RENFIELD_BREAKER_FAILURE_THRESHOLD", &cfg.BreakerFailureThreshold},
		{"RENFIELD_BREAKER_HALF_OPEN_MAX", &cfg.BreakerHalfOpenMax},
		{"RENFIELD_AGENT_MAX_STEPS", &cfg.AgentMaxSteps},
		{"RENFIELD_AGENT_HISTORY_WINDOW", &cfg.AgentHistoryWindow},
		{"RENFIELD_AGENT_LOOP_WINDOW", &cfg.AgentLoopWindow},
		{"RENFIELD_EMBEDDING_DIM", &cfg.EmbeddingDim},
	} {
		*f.dst, err = intFromEnv(f.key, *f.dst)
		if err != nil {
			return Config{}, err
		}
	}

	cfg.WakewordThreshold, err = floatFromEnv("RENFIELD_WAKEWORD_THRESHOLD", cfg.WakewordThreshold)
	if err != nil {
		return Config{}, err
	}
	cfg.SpeakerIDThreshold, err = floatFromEnv("RENFIELD_SPEAKER_ID_THRESHOLD", cfg.SpeakerIDThreshold)
	if err != nil {
		return Config{}, err
	}
	for _, f := range []struct {
		key string
		dst *bool
	}{
		{"RENFIELD_ALLOW_ANY_ORIGIN", &cfg.AllowAnyOrigin},
		{"RENFIELD_AUTH_ENABLED", &cfg.AuthEnabled},
		{"RENFIELD_PRESENCE_ENABLED", &cfg.PresenceEnabled},
		{"RENFIELD_WAKEWORD_ENABLED", &cfg.WakewordEnabled},
		{"RENFIELD_LOG_PRETTY", &cfg.LogPretty},
	} {
		*f.dst, err = boolFromEnv(f.key, *f.dst)
		if err != nil {
			return Config{}, err
		}
	}

	if cfg.AuthEnabled && cfg.SecretKey == DefaultSecretKey {
		return Config{}, fmt.Errorf("RENFIELD_AUTH_ENABLED is set but RENFIELD_SECRET_KEY still holds the default value")
	}
	if cfg.HeartbeatTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("RENFIELD_HEARTBEAT_TIMEOUT must be at least 5s")
	}
	if cfg.SessionMaxDuration < time.Second {
		return Config{}, fmt.Errorf("RENFIELD_SESSION_MAX_DURATION must be at least 1s")
	}
	if cfg.MaxMessageBytes <= 0 || cfg.MaxAudioBufferMB <= 0 {
		return Config{}, fmt.Errorf("message and audio buffer caps must be positive")
	}
	if cfg.WakewordThreshold < 0.1 || cfg.WakewordThreshold > 1.0 {
		return Config{}, fmt.Errorf("RENFIELD_WAKEWORD_THRESHOLD must be in [0.1, 1.0]")
	}
	if cfg.WakewordCooldownMS < 500 || cfg.WakewordCooldownMS > 10000 {
		return Config{}, fmt.Errorf("RENFIELD_WAKEWORD_COOLDOWN_MS must be in [500, 10000]")
	}
	if cfg.PresenceHysteresisScans < 1 {
		return Config{}, fmt.Errorf("RENFIELD_PRESENCE_HYSTERESIS_SCANS must be at least 1")
	}
	if cfg.EmbeddingDim <= 0 {
		return Config{}, fmt.Errorf("RENFIELD_EMBEDDING_DIM must be positive")
	}
	if cfg.BreakerFailureThreshold <= 0 || cfg.BreakerHalfOpenMax <= 0 {
		return Config{}, fmt.Errorf("breaker thresholds must be positive")
	}

	return cfg, nil
}

// MaxAudioBufferBytes converts the configured megabyte cap to bytes.
func (c Config) MaxAudioBufferBytes() int {
	return c.MaxAudioBufferMB << 20
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
