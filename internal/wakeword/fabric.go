package wakeword

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/renfield-voice/renfield/internal/protocol"
)

// Settings store keys.
const (
	KeyKeyword    = "wakeword.keyword"
	KeyThreshold  = "wakeword.threshold"
	KeyCooldownMS = "wakeword.cooldown_ms"
)

var (
	ErrInvalidThreshold = errors.New("threshold must be in [0.1, 1.0]")
	ErrInvalidCooldown  = errors.New("cooldown_ms must be in [500, 10000]")
	ErrEmptyKeyword     = errors.New("keyword must not be empty")
)

// Config is the wake-word configuration every detecting endpoint runs.
type Config struct {
	Keyword    string  `json:"keyword"`
	Threshold  float64 `json:"threshold"`
	CooldownMS int     `json:"cooldown_ms"`
	Enabled    bool    `json:"enabled"`
}

// Update carries a partial configuration change; nil fields are untouched.
type Update struct {
	Keyword    *string  `json:"keyword,omitempty"`
	Threshold  *float64 `json:"threshold,omitempty"`
	CooldownMS *int     `json:"cooldown_ms,omitempty"`
}

// SyncStatus is the last-known ack state for one device. It survives
// disconnects so the dashboard keeps the last confirmed keyword set.
type SyncStatus struct {
	DeviceID       string    `json:"device_id"`
	DeviceType     string    `json:"device_type,omitempty"`
	Synced         bool      `json:"synced"`
	ConfigVersion  int64     `json:"config_version"`
	ActiveKeywords []string  `json:"active_keywords,omitempty"`
	FailedKeywords []string  `json:"failed_keywords,omitempty"`
	Error          string    `json:"error,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// AggregateStatus summarizes sync state across all known devices.
type AggregateStatus struct {
	ConfigVersion int64        `json:"config_version"`
	SyncedCount   int          `json:"synced_count"`
	PendingCount  int          `json:"pending_count"`
	AllSynced     bool         `json:"all_synced"`
	Devices       []SyncStatus `json:"devices"`
}

// SettingsStore persists the three scalar settings.
type SettingsStore interface {
	GetSetting(ctx context.Context, key string) (string, bool, error)
	SetSetting(ctx context.Context, key, value string) error
}

// Sender matches the device channel write half.
type Sender interface {
	Send(v any) error
}

type subscriber struct {
	ch         Sender
	deviceID   string
	deviceType string
}

// Fabric is the single source of truth for wake-word configuration. It
// pushes updates to subscribed channels and tracks per-device acks.
type Fabric struct {
	mu            sync.Mutex
	subscribers   map[Sender]subscriber
	syncStates    map[string]*SyncStatus
	configVersion int64

	store    SettingsStore
	defaults Config
	log      zerolog.Logger
}

func NewFabric(store SettingsStore, defaults Config, log zerolog.Logger) *Fabric {
	return &Fabric{
		subscribers: make(map[Sender]subscriber),
		syncStates:  make(map[string]*SyncStatus),
		store:       store,
		defaults:    defaults,
		log:         log.With().Str("component", "wakeword").Logger(),
	}
}

// GetConfig returns the active configuration, falling back to static
// defaults for any unset setting.
func (f *Fabric) GetConfig(ctx context.Context) (Config, error) {
	cfg := f.defaults
	if f.store == nil {
		return cfg, nil
	}
	if v, ok, err := f.store.GetSetting(ctx, KeyKeyword); err != nil {
		return Config{}, fmt.Errorf("load keyword: %w", err)
	} else if ok {
		cfg.Keyword = v
	}
	if v, ok, err := f.store.GetSetting(ctx, KeyThreshold); err != nil {
		return Config{}, fmt.Errorf("load threshold: %w", err)
	} else if ok {
		if _, err := fmt.Sscanf(v, "%f", &cfg.Threshold); err != nil {
			return Config{}, fmt.Errorf("stored threshold %q: %w", v, err)
		}
	}
	if v, ok, err := f.store.GetSetting(ctx, KeyCooldownMS); err != nil {
		return Config{}, fmt.Errorf("load cooldown: %w", err)
	} else if ok {
		if _, err := fmt.Sscanf(v, "%d", &cfg.CooldownMS); err != nil {
			return Config{}, fmt.Errorf("stored cooldown %q: %w", v, err)
		}
	}
	return cfg, nil
}

// UpdateConfig validates and applies a partial update, bumps the version,
// marks every known device pending, and broadcasts the new configuration.
// Invalid values fail before any side effect.
func (f *Fabric) UpdateConfig(ctx context.Context, upd Update) (Config, int64, error) {
	if upd.Keyword != nil && *upd.Keyword == "" {
		return Config{}, 0, ErrEmptyKeyword
	}
	if upd.Threshold != nil && (*upd.Threshold < 0.1 || *upd.Threshold > 1.0) {
		return Config{}, 0, ErrInvalidThreshold
	}
	if upd.CooldownMS != nil && (*upd.CooldownMS < 500 || *upd.CooldownMS > 10000) {
		return Config{}, 0, ErrInvalidCooldown
	}

	cfg, err := f.GetConfig(ctx)
	if err != nil {
		return Config{}, 0, err
	}
	if upd.Keyword != nil {
		cfg.Keyword = *upd.Keyword
		if err := f.setSetting(ctx, KeyKeyword, cfg.Keyword); err != nil {
			return Config{}, 0, err
		}
	}
	if upd.Threshold != nil {
		cfg.Threshold = *upd.Threshold
		if err := f.setSetting(ctx, KeyThreshold, fmt.Sprintf("%g", cfg.Threshold)); err != nil {
			return Config{}, 0, err
		}
	}
	if upd.CooldownMS != nil {
		cfg.CooldownMS = *upd.CooldownMS
		if err := f.setSetting(ctx, KeyCooldownMS, fmt.Sprintf("%d", cfg.CooldownMS)); err != nil {
			return Config{}, 0, err
		}
	}

	f.mu.Lock()
	f.configVersion++
	version := f.configVersion
	for _, st := range f.syncStates {
		st.Synced = false
	}
	targets := make([]subscriber, 0, len(f.subscribers))
	for _, sub := range f.subscribers {
		targets = append(targets, sub)
	}
	f.mu.Unlock()

	frame := ConfigFrame(cfg, version)
	for _, sub := range targets {
		if err := sub.ch.Send(frame); err != nil {
			f.log.Warn().Err(err).Str("device_id", sub.deviceID).Msg("config broadcast failed, dropping subscriber")
			f.Unsubscribe(sub.ch)
		}
	}

	f.log.Info().Int64("config_version", version).Str("keyword", cfg.Keyword).Msg("wake-word config updated")
	return cfg, version, nil
}

func (f *Fabric) setSetting(ctx context.Context, key, value string) error {
	if f.store == nil {
		return nil
	}
	if err := f.store.SetSetting(ctx, key, value); err != nil {
		return fmt.Errorf("persist %s: %w", key, err)
	}
	return nil
}

// ConfigFrame renders a configuration as the wire frame devices consume.
func ConfigFrame(cfg Config, version int64) protocol.ConfigUpdate {
	return protocol.ConfigUpdate{
		Type: protocol.TypeConfigUpdate,
		Config: map[string]any{
			"keyword":     cfg.Keyword,
			"threshold":   cfg.Threshold,
			"cooldown_ms": cfg.CooldownMS,
			"enabled":     cfg.Enabled,
		},
		ConfigVersion: version,
	}
}

// Subscribe adds a channel to the observer set. Known devices start pending.
func (f *Fabric) Subscribe(ch Sender, deviceID, deviceType string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribers[ch] = subscriber{ch: ch, deviceID: deviceID, deviceType: deviceType}
	if deviceID == "" {
		return
	}
	if _, ok := f.syncStates[deviceID]; !ok {
		f.syncStates[deviceID] = &SyncStatus{
			DeviceID:      deviceID,
			DeviceType:    deviceType,
			Synced:        false,
			ConfigVersion: f.configVersion,
			UpdatedAt:     time.Now().UTC(),
		}
	}
}

// Unsubscribe removes a channel. The sync record is kept.
func (f *Fabric) Unsubscribe(ch Sender) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subscribers, ch)
}

// HandleConfigAck records a device's sync acknowledgment.
func (f *Fabric) HandleConfigAck(deviceID string, ack protocol.ConfigAck) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.syncStates[deviceID]
	if !ok {
		st = &SyncStatus{DeviceID: deviceID}
		f.syncStates[deviceID] = st
	}
	st.Synced = ack.Success
	st.ConfigVersion = ack.ConfigVersion
	st.ActiveKeywords = ack.ActiveKeywords
	st.FailedKeywords = ack.FailedKeywords
	st.Error = ack.Error
	st.UpdatedAt = time.Now().UTC()
}

// DeviceSyncStatus reports one device's sync record.
func (f *Fabric) DeviceSyncStatus(deviceID string) (SyncStatus, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.syncStates[deviceID]
	if !ok {
		return SyncStatus{}, false
	}
	return *st, true
}

// Status aggregates sync state across every known device.
func (f *Fabric) Status() AggregateStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	agg := AggregateStatus{ConfigVersion: f.configVersion}
	for _, st := range f.syncStates {
		agg.Devices = append(agg.Devices, *st)
		if st.Synced {
			agg.SyncedCount++
		} else {
			agg.PendingCount++
		}
	}
	agg.AllSynced = agg.PendingCount == 0 && agg.SyncedCount > 0
	return agg
}

// Version returns the current config version.
func (f *Fabric) Version() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.configVersion
}
