package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies websocket payload variants.
type MessageType string

// Device to server.
const (
	TypeRegister  MessageType = "register"
	TypeHeartbeat MessageType = "heartbeat"
	TypeWakeword  MessageType = "wakeword"
	TypeAudio     MessageType = "audio"
	TypeAudioEnd  MessageType = "audio_end"
	TypeButton    MessageType = "button"
	TypeBLEReport MessageType = "ble_report"
	TypeConfigAck MessageType = "config_ack"
)

// Server to device.
const (
	TypeState          MessageType = "state"
	TypeTranscription  MessageType = "transcription"
	TypeStream         MessageType = "stream"
	TypeResponseText   MessageType = "response_text"
	TypeAction         MessageType = "action"
	TypeTTSAudio       MessageType = "tts_audio"
	TypeSessionEnd     MessageType = "session_end"
	TypeNotification   MessageType = "notification"
	TypeConfigUpdate   MessageType = "config_update"
	TypeServerShutdown MessageType = "server_shutdown"
	TypeError          MessageType = "error"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// Capabilities describes what an endpoint can do. Immutable for the
// duration of a connection.
type Capabilities struct {
	Microphone          bool   `json:"microphone"`
	Speaker             bool   `json:"speaker"`
	Wakeword            bool   `json:"wakeword"`
	WakewordMethod      string `json:"wakeword_method,omitempty"`
	Display             bool   `json:"display"`
	DisplaySize         string `json:"display_size,omitempty"`
	LEDRing             bool   `json:"led_ring"`
	LEDCount            int    `json:"led_count,omitempty"`
	Button              bool   `json:"button"`
	NotificationDisplay bool   `json:"notification_display"`
}

// SatelliteMetrics carries live telemetry reported with heartbeats.
type SatelliteMetrics struct {
	AudioRMS    float64 `json:"audio_rms,omitempty"`
	CPUPercent  float64 `json:"cpu_percent,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	ErrorCount  int     `json:"error_count,omitempty"`
}

type Register struct {
	Type         MessageType  `json:"type"`
	DeviceID     string       `json:"device_id"`
	DeviceType   string       `json:"device_type"`
	Room         string       `json:"room"`
	Capabilities Capabilities `json:"capabilities"`
	DeviceName   string       `json:"device_name,omitempty"`
	IsStationary bool         `json:"is_stationary,omitempty"`
	Version      string       `json:"version,omitempty"`
}

type Heartbeat struct {
	Type    MessageType       `json:"type"`
	Metrics *SatelliteMetrics `json:"metrics,omitempty"`
	Version string            `json:"version,omitempty"`
}

type Wakeword struct {
	Type       MessageType `json:"type"`
	Keyword    string      `json:"keyword"`
	Confidence float64     `json:"confidence"`
	SessionID  string      `json:"session_id,omitempty"`
}

type Audio struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	AudioBase64 string      `json:"audio"`
	Sequence    int         `json:"sequence"`
}

type AudioEnd struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
}

type Button struct {
	Type   MessageType `json:"type"`
	Action string      `json:"action"`
}

type BLEDevice struct {
	MAC  string `json:"mac"`
	RSSI int    `json:"rssi"`
}

type BLEReport struct {
	Type     MessageType `json:"type"`
	RoomID   int64       `json:"room_id,omitempty"`
	RoomName string      `json:"room_name,omitempty"`
	Devices  []BLEDevice `json:"devices"`
}

type ConfigAck struct {
	Type           MessageType `json:"type"`
	ConfigVersion  int64       `json:"config_version"`
	Success        bool        `json:"success"`
	ActiveKeywords []string    `json:"active_keywords,omitempty"`
	FailedKeywords []string    `json:"failed_keywords,omitempty"`
	Error          string      `json:"error,omitempty"`
}

type State struct {
	Type  MessageType `json:"type"`
	State string      `json:"state"`
}

type Transcription struct {
	Type         MessageType `json:"type"`
	SessionID    string      `json:"session_id"`
	Text         string      `json:"text"`
	SpeakerName  string      `json:"speaker_name,omitempty"`
	SpeakerAlias string      `json:"speaker_alias,omitempty"`
}

type Stream struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Content   string      `json:"content"`
}

type ResponseText struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Text      string      `json:"text"`
	IsFinal   bool        `json:"is_final"`
}

type Action struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Intent    string      `json:"intent"`
	Success   bool        `json:"success"`
}

type TTSAudio struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	AudioBase64 string      `json:"audio"`
	IsFinal     bool        `json:"is_final"`
}

type SessionEnd struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Reason    string      `json:"reason"`
}

type Notification struct {
	Type           MessageType `json:"type"`
	NotificationID int64       `json:"notification_id"`
	Title          string      `json:"title"`
	Message        string      `json:"message"`
	Urgency        string      `json:"urgency"`
	Source         string      `json:"source"`
	Room           string      `json:"room,omitempty"`
	TTSHandled     bool        `json:"tts_handled"`
	CreatedAt      string      `json:"created_at"`
}

type ConfigUpdate struct {
	Type          MessageType    `json:"type"`
	Config        map[string]any `json:"config"`
	ConfigVersion int64          `json:"config_version"`
}

type ServerShutdown struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	Code      string      `json:"code"`
	Detail    string      `json:"detail,omitempty"`
}

// ParseDeviceMessage decodes and validates one inbound frame.
func ParseDeviceMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeRegister:
		var msg Register
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.DeviceID == "" || msg.DeviceType == "" {
			return nil, errors.New("invalid register: device_id and device_type required")
		}
		return msg, nil
	case TypeHeartbeat:
		var msg Heartbeat
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeWakeword:
		var msg Wakeword
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Keyword == "" {
			return nil, errors.New("invalid wakeword: keyword required")
		}
		return msg, nil
	case TypeAudio:
		var msg Audio
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.AudioBase64 == "" {
			return nil, errors.New("invalid audio: session_id and audio required")
		}
		return msg, nil
	case TypeAudioEnd:
		var msg AudioEnd
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" {
			return nil, errors.New("invalid audio_end: session_id required")
		}
		return msg, nil
	case TypeButton:
		var msg Button
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Action != "press" && msg.Action != "release" {
			return nil, errors.New("invalid button: action must be press or release")
		}
		return msg, nil
	case TypeBLEReport:
		var msg BLEReport
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeConfigAck:
		var msg ConfigAck
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
