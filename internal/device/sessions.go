package device

import (
	"bytes"
	"encoding/base64"

	"github.com/google/uuid"

	"github.com/renfield-voice/renfield/internal/protocol"
)

// StartSession creates a session for a device. Returns ErrUnknownDevice for
// unregistered devices and ErrSessionExists when the device already holds
// one (first trigger wins).
func (r *Registry) StartSession(deviceID string, trigger TriggerInfo, preassignedID string) (string, error) {
	r.mu.Lock()
	d, ok := r.devices[deviceID]
	if !ok {
		r.mu.Unlock()
		return "", ErrUnknownDevice
	}
	if d.CurrentSessionID != "" {
		r.mu.Unlock()
		return "", ErrSessionExists
	}

	id := preassignedID
	if id == "" {
		id = uuid.NewString()
	}
	s := &Session{
		ID:          id,
		DeviceID:    deviceID,
		RoomID:      d.RoomID,
		RoomName:    d.RoomName,
		State:       StateListening,
		Trigger:     trigger,
		StartedAt:   r.now(),
		MaxDuration: r.opts.SessionMaxDuration,
	}
	r.sessions[id] = s
	d.CurrentSessionID = id
	d.State = StateListening
	ch := r.channels[deviceID]
	r.mu.Unlock()

	if ch != nil {
		_ = ch.Send(protocol.State{Type: protocol.TypeState, State: string(StateListening)})
	}
	if r.metrics != nil {
		r.metrics.ActiveSessions.Inc()
		r.metrics.SessionEvents.WithLabelValues("started").Inc()
	}
	r.log.Debug().Str("session_id", id).Str("device_id", deviceID).
		Str("trigger", trigger.Source).Msg("session started")
	return id, nil
}

// BufferAudio appends one chunk, enforcing the per-message and cumulative
// caps. A rejected chunk leaves the buffer unchanged.
func (r *Registry) BufferAudio(sessionID string, chunk []byte, sequence int) error {
	if r.opts.MaxMessageBytes > 0 && len(chunk) > r.opts.MaxMessageBytes {
		return ErrMessageTooLarge
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return ErrUnknownSession
	}
	if r.opts.MaxAudioBufferBytes > 0 && s.audioLen+len(chunk) > r.opts.MaxAudioBufferBytes {
		return ErrBufferFull
	}
	// Chunks are consumed in arrival order; the sequence number is advisory.
	s.chunks = append(s.chunks, chunk)
	s.audioLen += len(chunk)
	s.AudioSequence = sequence
	return nil
}

// BufferAudioBase64 decodes a wire chunk and appends it.
func (r *Registry) BufferAudioBase64(sessionID, audioBase64 string, sequence int) error {
	raw, err := base64.StdEncoding.DecodeString(audioBase64)
	if err != nil {
		return err
	}
	return r.BufferAudio(sessionID, raw, sequence)
}

// AudioBuffer returns the concatenated capture, or nil for unknown sessions.
func (r *Registry) AudioBuffer(sessionID string) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return nil
	}
	var buf bytes.Buffer
	buf.Grow(s.audioLen)
	for _, c := range s.chunks {
		buf.Write(c)
	}
	return buf.Bytes()
}

// GetSession returns a copy of the session record without its audio buffer.
func (r *Registry) GetSession(sessionID string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return Session{}, false
	}
	c := *s
	c.chunks = nil
	return c, true
}

// SessionCount reports the number of live sessions.
func (r *Registry) SessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// SetSessionState mirrors the state onto the owning device and pushes a
// state frame down the channel.
func (r *Registry) SetSessionState(sessionID string, state State) error {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return ErrUnknownSession
	}
	s.State = state
	var ch Sender
	if d, ok := r.devices[s.DeviceID]; ok {
		d.State = state
		ch = r.channels[s.DeviceID]
	}
	r.mu.Unlock()

	if ch != nil {
		// Channel errors are local; the reaper will collect a dead device.
		_ = ch.Send(protocol.State{Type: protocol.TypeState, State: string(state)})
	}
	return nil
}

// SetTranscription records STT output and the identified speaker.
func (r *Registry) SetTranscription(sessionID, text, speakerName, speakerAlias string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return ErrUnknownSession
	}
	s.Transcription = text
	s.SpeakerName = speakerName
	s.SpeakerAlias = speakerAlias
	return nil
}

// SendTranscription pushes the recognized text to the owning device.
func (r *Registry) SendTranscription(sessionID, text, speakerName, speakerAlias string) {
	r.sendToSession(sessionID, protocol.Transcription{
		Type:         protocol.TypeTranscription,
		SessionID:    sessionID,
		Text:         text,
		SpeakerName:  speakerName,
		SpeakerAlias: speakerAlias,
	})
}

// SendStreamChunk pushes an incremental response fragment.
func (r *Registry) SendStreamChunk(sessionID, content string) {
	r.sendToSession(sessionID, protocol.Stream{
		Type:      protocol.TypeStream,
		SessionID: sessionID,
		Content:   content,
	})
}

// SendResponseText pushes assistant text; records it on the session when final.
func (r *Registry) SendResponseText(sessionID, text string, isFinal bool) {
	r.mu.Lock()
	if s, ok := r.sessions[sessionID]; ok && isFinal {
		s.ResponseText = text
	}
	r.mu.Unlock()
	r.sendToSession(sessionID, protocol.ResponseText{
		Type:      protocol.TypeResponseText,
		SessionID: sessionID,
		Text:      text,
		IsFinal:   isFinal,
	})
}

// SendActionResult pushes an intent execution result.
func (r *Registry) SendActionResult(sessionID, intent string, success bool) {
	r.sendToSession(sessionID, protocol.Action{
		Type:      protocol.TypeAction,
		SessionID: sessionID,
		Intent:    intent,
		Success:   success,
	})
}

// SendTTSAudio pushes synthesized audio to the owning device. Suppressed
// silently when the device has no speaker. The first emission moves the
// session to speaking.
func (r *Registry) SendTTSAudio(sessionID string, wav []byte, isFinal bool) {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	d, dok := r.devices[s.DeviceID]
	if !dok || !d.Capabilities.Speaker {
		r.mu.Unlock()
		return
	}
	first := !s.spoke
	s.spoke = true
	r.mu.Unlock()

	if first {
		_ = r.SetSessionState(sessionID, StateSpeaking)
	}
	r.sendToSession(sessionID, protocol.TTSAudio{
		Type:        protocol.TypeTTSAudio,
		SessionID:   sessionID,
		AudioBase64: base64.StdEncoding.EncodeToString(wav),
		IsFinal:     isFinal,
	})
}

// SendError pushes a short error frame for a session-level fault.
func (r *Registry) SendError(sessionID, code, detail string) {
	r.sendToSession(sessionID, protocol.ErrorEvent{
		Type:      protocol.TypeError,
		SessionID: sessionID,
		Code:      code,
		Detail:    detail,
	})
}

// EndSession releases the device and removes the session, notifying the
// device with session_end followed by an idle state frame.
func (r *Registry) EndSession(sessionID, reason string) error {
	r.mu.Lock()
	if _, ok := r.sessions[sessionID]; !ok {
		r.mu.Unlock()
		return ErrUnknownSession
	}
	batch := r.endSessionLocked(sessionID, reason)
	r.mu.Unlock()

	r.deliverFrames([]targetedFrames{batch})
	return nil
}

// endSessionLocked performs the map mutations and returns the frames the
// caller must deliver once the lock is released. Callers hold r.mu.
func (r *Registry) endSessionLocked(sessionID, reason string) targetedFrames {
	s, ok := r.sessions[sessionID]
	if !ok {
		return targetedFrames{}
	}
	delete(r.sessions, sessionID)

	var ch Sender
	if d, ok := r.devices[s.DeviceID]; ok && d.CurrentSessionID == sessionID {
		d.CurrentSessionID = ""
		d.State = StateIdle
		ch = r.channels[s.DeviceID]
	}

	if r.metrics != nil {
		r.metrics.ActiveSessions.Dec()
		r.metrics.SessionEvents.WithLabelValues("ended_" + reason).Inc()
		r.metrics.AudioBufferBytes.Observe(float64(s.audioLen))
	}
	r.log.Debug().Str("session_id", sessionID).Str("reason", reason).Msg("session ended")

	return targetedFrames{
		ch: ch,
		frames: []any{
			protocol.SessionEnd{Type: protocol.TypeSessionEnd, SessionID: sessionID, Reason: reason},
			protocol.State{Type: protocol.TypeState, State: string(StateIdle)},
		},
	}
}

func (r *Registry) sendToSession(sessionID string, frame any) {
	r.mu.Lock()
	var ch Sender
	if s, ok := r.sessions[sessionID]; ok {
		ch = r.channels[s.DeviceID]
	}
	r.mu.Unlock()

	if ch == nil {
		return
	}
	if err := ch.Send(frame); err != nil {
		if r.metrics != nil {
			r.metrics.WSWriteErrors.WithLabelValues("session_frame").Inc()
		}
	}
}
