package device

import (
	"time"

	"github.com/renfield-voice/renfield/internal/protocol"
)

// Type enumerates the endpoint kinds that can register.
type Type string

const (
	TypeSatellite  Type = "satellite"
	TypeWebPanel   Type = "web_panel"
	TypeWebTablet  Type = "web_tablet"
	TypeWebBrowser Type = "web_browser"
	TypeWebKiosk   Type = "web_kiosk"
)

// State tracks what an endpoint (or its session) is currently doing.
type State string

const (
	StateIdle       State = "idle"
	StateListening  State = "listening"
	StateProcessing State = "processing"
	StateSpeaking   State = "speaking"
	StateError      State = "error"
)

// Session end reasons sent in session_end frames.
const (
	EndCompleted  = "completed"
	EndSilence    = "silence"
	EndTimeout    = "timeout"
	EndCancelled  = "cancelled"
	EndDisconnect = "disconnect"
	EndError      = "error"
)

// Sender is the outbound half of a device channel. Close is idempotent.
type Sender interface {
	Send(v any) error
	Close() error
}

// Device is the live record for one connected endpoint.
type Device struct {
	ID               string                    `json:"device_id"`
	Type             Type                      `json:"device_type"`
	RoomName         string                    `json:"room_name"`
	RoomID           int64                     `json:"room_id"`
	DeviceName       string                    `json:"device_name,omitempty"`
	Capabilities     protocol.Capabilities     `json:"capabilities"`
	State            State                     `json:"state"`
	ConnectedAt      time.Time                 `json:"connected_at"`
	LastHeartbeat    time.Time                 `json:"last_heartbeat"`
	CurrentSessionID string                    `json:"current_session_id,omitempty"`
	IsStationary     bool                      `json:"is_stationary"`
	UserAgent        string                    `json:"user_agent,omitempty"`
	RemoteAddr       string                    `json:"remote_addr,omitempty"`
	Version          string                    `json:"version,omitempty"`
	Metrics          protocol.SatelliteMetrics `json:"metrics,omitempty"`
}

// TriggerInfo records what started a session.
type TriggerInfo struct {
	Source     string  `json:"source"` // wakeword or button
	Keyword    string  `json:"keyword,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
}

// Session is the lifecycle of one utterance on one device.
type Session struct {
	ID            string      `json:"session_id"`
	DeviceID      string      `json:"device_id"`
	RoomID        int64       `json:"room_id"`
	RoomName      string      `json:"room_name"`
	State         State       `json:"state"`
	Trigger       TriggerInfo `json:"trigger"`
	AudioSequence int         `json:"audio_sequence"`
	StartedAt     time.Time   `json:"started_at"`
	MaxDuration   time.Duration
	Transcription string `json:"transcription,omitempty"`
	ResponseText  string `json:"response_text,omitempty"`
	SpeakerName   string `json:"speaker_name,omitempty"`
	SpeakerAlias  string `json:"speaker_alias,omitempty"`

	chunks   [][]byte
	audioLen int
	spoke    bool
}

// defaultCapabilities is the feature matrix applied when a register frame
// carries an all-zero capability record.
var defaultCapabilities = map[Type]protocol.Capabilities{
	TypeSatellite: {
		Microphone:          true,
		Speaker:             true,
		Wakeword:            true,
		WakewordMethod:      "openwakeword",
		LEDRing:             true,
		LEDCount:            12,
		Button:              true,
		NotificationDisplay: false,
	},
	TypeWebPanel: {
		Microphone:          true,
		Speaker:             true,
		Display:             true,
		DisplaySize:         "large",
		NotificationDisplay: true,
	},
	TypeWebTablet: {
		Microphone:          true,
		Speaker:             true,
		Display:             true,
		DisplaySize:         "medium",
		NotificationDisplay: true,
	},
	TypeWebBrowser: {
		Microphone:          true,
		Speaker:             true,
		Display:             true,
		DisplaySize:         "medium",
		NotificationDisplay: true,
	},
	TypeWebKiosk: {
		Display:             true,
		DisplaySize:         "large",
		NotificationDisplay: true,
	},
}

// ApplyCapabilityDefaults fills in the per-type feature matrix when the
// client sent an empty capability record.
func ApplyCapabilityDefaults(t Type, caps protocol.Capabilities) protocol.Capabilities {
	if caps != (protocol.Capabilities{}) {
		return caps
	}
	if def, ok := defaultCapabilities[t]; ok {
		return def
	}
	return caps
}

// ValidType reports whether t is a known device type.
func ValidType(t Type) bool {
	switch t {
	case TypeSatellite, TypeWebPanel, TypeWebTablet, TypeWebBrowser, TypeWebKiosk:
		return true
	}
	return false
}
