package httpapi

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/renfield-voice/renfield/internal/device"
	"github.com/renfield-voice/renfield/internal/presence"
	"github.com/renfield-voice/renfield/internal/protocol"
	"github.com/renfield-voice/renfield/internal/wakeword"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsReadTimeout  = 120 * time.Second
	wsSendBuffer   = 256
)

var errChannelClosed = errors.New("channel closed")
var errChannelFull = errors.New("channel send buffer full")

// wsChannel adapts a websocket connection to the device.Sender interface.
// All writes go through a single pump goroutine; Send never blocks.
type wsChannel struct {
	conn *websocket.Conn
	out  chan any
	done chan struct{}
	once sync.Once
}

func newWSChannel(conn *websocket.Conn) *wsChannel {
	return &wsChannel{
		conn: conn,
		out:  make(chan any, wsSendBuffer),
		done: make(chan struct{}),
	}
}

func (c *wsChannel) Send(v any) error {
	select {
	case <-c.done:
		return errChannelClosed
	default:
	}
	select {
	case c.out <- v:
		return nil
	default:
		return errChannelFull
	}
}

func (c *wsChannel) Close() error {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
	return nil
}

func (c *wsChannel) writePump(onError func()) {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.out:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.conn.WriteJSON(msg); err != nil {
				onError()
				_ = c.Close()
				return
			}
		}
	}
}

// handleDeviceWS owns one endpoint connection: upgrade, register, dispatch
// inbound frames, tear down.
func (s *Server) handleDeviceWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	ch := newWSChannel(conn)
	go ch.writePump(func() {
		if s.metrics != nil {
			s.metrics.WSWriteErrors.WithLabelValues("write_json").Inc()
		}
	})

	conn.SetReadLimit(int64(s.cfg.MaxMessageBytes))
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})

	var deviceID string
	defer func() {
		if deviceID != "" {
			s.registry.Unregister(deviceID)
		}
		s.fabric.Unsubscribe(ch)
		_ = ch.Close()
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		if msgType != websocket.TextMessage {
			continue
		}

		parsed, err := protocol.ParseDeviceMessage(data)
		if err != nil {
			_ = ch.Send(protocol.ErrorEvent{
				Type:   protocol.TypeError,
				Code:   "invalid_message",
				Detail: err.Error(),
			})
			continue
		}
		if s.metrics != nil {
			if t, ok := frameType(parsed); ok {
				s.metrics.WSMessages.WithLabelValues("inbound", string(t)).Inc()
			}
		}

		switch msg := parsed.(type) {
		case protocol.Register:
			deviceID = s.handleRegister(r, msg, ch)
		case protocol.Heartbeat:
			if deviceID != "" {
				_ = s.registry.UpdateHeartbeat(deviceID, msg.Metrics)
			}
		case protocol.Wakeword:
			s.startSession(deviceID, device.TriggerInfo{
				Source:     "wakeword",
				Keyword:    msg.Keyword,
				Confidence: msg.Confidence,
			}, msg.SessionID, ch)
		case protocol.Button:
			if msg.Action == "press" {
				s.startSession(deviceID, device.TriggerInfo{Source: "button"}, "", ch)
			}
		case protocol.Audio:
			if err := s.registry.BufferAudioBase64(msg.SessionID, msg.AudioBase64, msg.Sequence); err != nil {
				s.registry.SendError(msg.SessionID, "audio_rejected", err.Error())
			}
		case protocol.AudioEnd:
			// Processing runs detached so the read loop keeps serving
			// heartbeats and presence reports.
			go s.processor.ProcessSession(context.WithoutCancel(r.Context()), msg.SessionID)
		case protocol.BLEReport:
			s.handleBLEReport(deviceID, msg)
		case protocol.ConfigAck:
			if deviceID != "" {
				s.fabric.HandleConfigAck(deviceID, msg)
			}
		}
	}
}

// handleRegister admits the endpoint, resolves its room against the store,
// subscribes it to wake-word updates, and pushes the current configuration.
func (s *Server) handleRegister(r *http.Request, msg protocol.Register, ch *wsChannel) string {
	_, err := s.registry.Register(device.RegisterRequest{
		DeviceID:     msg.DeviceID,
		Type:         device.Type(msg.DeviceType),
		RoomName:     msg.Room,
		DeviceName:   msg.DeviceName,
		Capabilities: msg.Capabilities,
		IsStationary: msg.IsStationary,
		UserAgent:    r.UserAgent(),
		RemoteAddr:   r.RemoteAddr,
		Version:      msg.Version,
	}, ch)
	if err != nil {
		_ = ch.Send(protocol.ErrorEvent{
			Type:   protocol.TypeError,
			Code:   "register_rejected",
			Detail: err.Error(),
		})
		return ""
	}

	if s.directory != nil && msg.Room != "" {
		if room, err := s.directory.EnsureRoom(r.Context(), msg.Room, string(protocol.TypeRegister)); err == nil {
			_ = s.registry.SetRoomID(msg.DeviceID, room.ID)
		} else {
			s.logger.Warn().Err(err).Str("room", msg.Room).Msg("room resolution failed")
		}
	}

	s.fabric.Subscribe(ch, msg.DeviceID, msg.DeviceType)
	if msg.Capabilities.Wakeword || msg.DeviceType == string(device.TypeSatellite) {
		cfg, err := s.fabric.GetConfig(r.Context())
		if err != nil {
			s.logger.Warn().Err(err).Msg("wake-word config load failed")
		} else {
			_ = ch.Send(wakeword.ConfigFrame(cfg, s.fabric.Version()))
		}
	}

	s.logger.Info().Str("device_id", msg.DeviceID).Str("device_type", msg.DeviceType).
		Str("room", msg.Room).Msg("device connected")
	return msg.DeviceID
}

func (s *Server) startSession(deviceID string, trigger device.TriggerInfo, preassigned string, ch *wsChannel) {
	if deviceID == "" {
		_ = ch.Send(protocol.ErrorEvent{Type: protocol.TypeError, Code: "not_registered"})
		return
	}
	if _, err := s.registry.StartSession(deviceID, trigger, preassigned); err != nil {
		// First trigger wins; a duplicate wakeword during a live session is
		// routine, not a client fault worth an error frame.
		if !errors.Is(err, device.ErrSessionExists) {
			_ = ch.Send(protocol.ErrorEvent{Type: protocol.TypeError, Code: "session_rejected", Detail: err.Error()})
		}
	}
}

func (s *Server) handleBLEReport(deviceID string, msg protocol.BLEReport) {
	if deviceID == "" || s.tracker == nil {
		return
	}
	roomID, roomName := msg.RoomID, msg.RoomName
	if roomID == 0 {
		if d, ok := s.registry.Get(deviceID); ok {
			roomID, roomName = d.RoomID, d.RoomName
		}
	}
	reported := make([]presence.ReportedDevice, 0, len(msg.Devices))
	for _, dev := range msg.Devices {
		reported = append(reported, presence.ReportedDevice{MAC: dev.MAC, RSSI: dev.RSSI})
	}
	s.tracker.ProcessReport(deviceID, roomID, roomName, reported)
}

func frameType(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.Register:
		return m.Type, true
	case protocol.Heartbeat:
		return m.Type, true
	case protocol.Wakeword:
		return m.Type, true
	case protocol.Audio:
		return m.Type, true
	case protocol.AudioEnd:
		return m.Type, true
	case protocol.Button:
		return m.Type, true
	case protocol.BLEReport:
		return m.Type, true
	case protocol.ConfigAck:
		return m.Type, true
	default:
		return "", false
	}
}
