package store

import (
	"context"
	"fmt"
)

// Output types for room sinks.
const (
	OutputAudio  = "audio"
	OutputVisual = "visual"
)

// RoomOutputDevice is one configured sink in a room. Exactly one of
// LocalDeviceID and BridgeEntityID is set (enforced by a table check).
type RoomOutputDevice struct {
	ID                int64    `json:"id"`
	RoomID            int64    `json:"room_id"`
	OutputType        string   `json:"output_type"`
	LocalDeviceID     string   `json:"local_device_id,omitempty"`
	BridgeEntityID    string   `json:"bridge_entity_id,omitempty"`
	Priority          int      `json:"priority"`
	AllowInterruption bool     `json:"allow_interruption"`
	TTSVolume         *float64 `json:"tts_volume,omitempty"`
	DeviceName        string   `json:"device_name,omitempty"`
	IsEnabled         bool     `json:"is_enabled"`
}

// EnabledOutputs lists enabled sinks for (room, type), best priority first.
func (s *Store) EnabledOutputs(ctx context.Context, roomID int64, outputType string) ([]RoomOutputDevice, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, room_id, output_type, local_device_id, bridge_entity_id,
		        priority, allow_interruption, tts_volume, device_name, is_enabled
		 FROM room_output_devices
		 WHERE room_id = $1 AND output_type = $2 AND is_enabled
		 ORDER BY priority ASC, id ASC`,
		roomID, outputType)
	if err != nil {
		return nil, fmt.Errorf("list outputs: %w", err)
	}
	defer rows.Close()
	var out []RoomOutputDevice
	for rows.Next() {
		var d RoomOutputDevice
		if err := rows.Scan(&d.ID, &d.RoomID, &d.OutputType, &d.LocalDeviceID, &d.BridgeEntityID,
			&d.Priority, &d.AllowInterruption, &d.TTSVolume, &d.DeviceName, &d.IsEnabled); err != nil {
			return nil, fmt.Errorf("scan output: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
