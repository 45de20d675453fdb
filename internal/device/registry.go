package device

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/renfield-voice/renfield/internal/observability"
	"github.com/renfield-voice/renfield/internal/protocol"
)

var (
	ErrUnknownDevice   = errors.New("unknown device")
	ErrUnknownSession  = errors.New("unknown session")
	ErrSessionExists   = errors.New("device already has an active session")
	ErrMessageTooLarge = errors.New("audio chunk exceeds max message size")
	ErrBufferFull      = errors.New("session audio buffer cap reached")
	ErrInvalidType     = errors.New("invalid device type")
)

// Options bounds registry behaviour; all fields are required.
type Options struct {
	HeartbeatTimeout    time.Duration
	SessionMaxDuration  time.Duration
	MaxMessageBytes     int
	MaxAudioBufferBytes int
}

// Registry owns every connected endpoint and its voice session. One mutex
// covers the device map and the session map so cross-invariants (a device
// has at most one session, a session always points at a live device) hold
// inside a single critical section.
type Registry struct {
	mu       sync.Mutex
	devices  map[string]*Device
	channels map[string]Sender
	sessions map[string]*Session

	opts    Options
	now     func() time.Time
	log     zerolog.Logger
	metrics *observability.Metrics
}

func NewRegistry(opts Options, metrics *observability.Metrics, log zerolog.Logger) *Registry {
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = 90 * time.Second
	}
	if opts.SessionMaxDuration <= 0 {
		opts.SessionMaxDuration = 60 * time.Second
	}
	return &Registry{
		devices:  make(map[string]*Device),
		channels: make(map[string]Sender),
		sessions: make(map[string]*Session),
		opts:     opts,
		now:      func() time.Time { return time.Now().UTC() },
		log:      log.With().Str("component", "registry").Logger(),
		metrics:  metrics,
	}
}

// SetClock replaces the time source, for tests.
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// RegisterRequest carries everything needed to admit an endpoint.
type RegisterRequest struct {
	DeviceID     string
	Type         Type
	RoomName     string
	DeviceName   string
	Capabilities protocol.Capabilities
	IsStationary bool
	UserAgent    string
	RemoteAddr   string
	Version      string
}

// Register admits an endpoint. An existing record for the same device_id is
// replaced: its channel is force-closed and its session ended with
// reason=disconnect. Reconnection is the steady state, not an error.
func (r *Registry) Register(req RegisterRequest, ch Sender) (Device, error) {
	if !ValidType(req.Type) {
		return Device{}, ErrInvalidType
	}

	r.mu.Lock()
	now := r.now()

	var stale Sender
	var endFrames []targetedFrames
	var replacedType Type
	replaced := false
	if prev, ok := r.devices[req.DeviceID]; ok {
		if prev.CurrentSessionID != "" {
			endFrames = append(endFrames, r.endSessionLocked(prev.CurrentSessionID, EndDisconnect))
		}
		stale = r.channels[req.DeviceID]
		replaced = true
		replacedType = prev.Type
	}

	d := &Device{
		ID:            req.DeviceID,
		Type:          req.Type,
		RoomName:      req.RoomName,
		DeviceName:    req.DeviceName,
		Capabilities:  ApplyCapabilityDefaults(req.Type, req.Capabilities),
		State:         StateIdle,
		ConnectedAt:   now,
		LastHeartbeat: now,
		IsStationary:  req.IsStationary || req.Type == TypeSatellite,
		UserAgent:     req.UserAgent,
		RemoteAddr:    req.RemoteAddr,
		Version:       req.Version,
	}
	r.devices[req.DeviceID] = d
	r.channels[req.DeviceID] = ch
	snapshot := *d
	r.mu.Unlock()

	// The departing channel is being discarded; close errors are irrelevant.
	if stale != nil {
		_ = stale.Close()
	}
	r.deliverFrames(endFrames)

	if r.metrics != nil {
		// A reconnect replaces the old record, so the gauge must not grow.
		if replaced {
			r.metrics.ConnectedDevices.WithLabelValues(string(replacedType)).Dec()
		}
		r.metrics.ConnectedDevices.WithLabelValues(string(req.Type)).Inc()
	}
	r.log.Info().Str("device_id", req.DeviceID).Str("device_type", string(req.Type)).
		Str("room", req.RoomName).Msg("device registered")
	return snapshot, nil
}

// Unregister drops an endpoint, ending any session it holds.
func (r *Registry) Unregister(deviceID string) {
	r.mu.Lock()
	d, ok := r.devices[deviceID]
	var frames []targetedFrames
	var ch Sender
	if ok {
		if d.CurrentSessionID != "" {
			frames = append(frames, r.endSessionLocked(d.CurrentSessionID, EndDisconnect))
		}
		ch = r.channels[deviceID]
		delete(r.devices, deviceID)
		delete(r.channels, deviceID)
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	if ch != nil {
		_ = ch.Close()
	}
	if r.metrics != nil {
		r.metrics.ConnectedDevices.WithLabelValues(string(d.Type)).Dec()
	}
	r.log.Info().Str("device_id", deviceID).Msg("device unregistered")
}

// UpdateHeartbeat refreshes liveness and merges satellite telemetry.
func (r *Registry) UpdateHeartbeat(deviceID string, metrics *protocol.SatelliteMetrics) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[deviceID]
	if !ok {
		return ErrUnknownDevice
	}
	d.LastHeartbeat = r.now()
	if metrics != nil && d.Type == TypeSatellite {
		d.Metrics = *metrics
	}
	return nil
}

// SetRoomID attaches the persisted room identity after resolution.
func (r *Registry) SetRoomID(deviceID string, roomID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[deviceID]
	if !ok {
		return ErrUnknownDevice
	}
	d.RoomID = roomID
	return nil
}

// Get returns a copy of the device record.
func (r *Registry) Get(deviceID string) (Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[deviceID]
	if !ok {
		return Device{}, false
	}
	return *d, true
}

// Snapshot lists all connected devices.
func (r *Registry) Snapshot() []Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, *d)
	}
	return out
}

// RoomDevices lists connected devices in a room, matched by name.
func (r *Registry) RoomDevices(roomName string) []Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Device
	for _, d := range r.devices {
		if d.RoomName == roomName {
			out = append(out, *d)
		}
	}
	return out
}

// CapabilityFilter selects devices during a broadcast.
type CapabilityFilter func(protocol.Capabilities) bool

// BroadcastToRoom sends msg to every device in room (all devices when room
// is empty), skipping exclude and devices failing the filter. Write errors
// are logged; the iteration never aborts. Returns the ids written to.
func (r *Registry) BroadcastToRoom(roomName string, msg any, exclude string, filter CapabilityFilter) []string {
	type target struct {
		id string
		ch Sender
	}
	r.mu.Lock()
	var targets []target
	for id, d := range r.devices {
		if id == exclude {
			continue
		}
		if roomName != "" && d.RoomName != roomName {
			continue
		}
		if filter != nil && !filter(d.Capabilities) {
			continue
		}
		if ch, ok := r.channels[id]; ok {
			targets = append(targets, target{id: id, ch: ch})
		}
	}
	r.mu.Unlock()

	delivered := make([]string, 0, len(targets))
	for _, t := range targets {
		if err := t.ch.Send(msg); err != nil {
			if r.metrics != nil {
				r.metrics.WSWriteErrors.WithLabelValues("broadcast").Inc()
			}
			r.log.Warn().Err(err).Str("device_id", t.id).Msg("broadcast write failed")
			continue
		}
		delivered = append(delivered, t.id)
	}
	return delivered
}

// SendTo writes one frame to a single device.
func (r *Registry) SendTo(deviceID string, msg any) error {
	r.mu.Lock()
	ch, ok := r.channels[deviceID]
	r.mu.Unlock()
	if !ok {
		return ErrUnknownDevice
	}
	if err := ch.Send(msg); err != nil {
		if r.metrics != nil {
			r.metrics.WSWriteErrors.WithLabelValues("direct").Inc()
		}
		return err
	}
	return nil
}

// BroadcastAll sends msg to every connected device.
func (r *Registry) BroadcastAll(msg any) []string {
	return r.BroadcastToRoom("", msg, "", nil)
}

// CleanupStale ends sessions past their max duration and drops devices past
// the heartbeat timeout. Invoked by the reaper.
func (r *Registry) CleanupStale() {
	r.mu.Lock()
	now := r.now()
	var frames []targetedFrames
	for id, s := range r.sessions {
		if now.Sub(s.StartedAt) > s.MaxDuration {
			r.log.Warn().Str("session_id", id).Str("device_id", s.DeviceID).Msg("session timed out")
			frames = append(frames, r.endSessionLocked(id, EndTimeout))
		}
	}
	var dropped []*Device
	var staleChans []Sender
	for id, d := range r.devices {
		if now.Sub(d.LastHeartbeat) <= r.opts.HeartbeatTimeout {
			continue
		}
		if d.CurrentSessionID != "" {
			frames = append(frames, r.endSessionLocked(d.CurrentSessionID, EndDisconnect))
		}
		if ch, ok := r.channels[id]; ok {
			staleChans = append(staleChans, ch)
		}
		dropped = append(dropped, d)
		delete(r.devices, id)
		delete(r.channels, id)
	}
	r.mu.Unlock()

	r.deliverFrames(frames)
	for _, ch := range staleChans {
		_ = ch.Close()
	}
	for _, d := range dropped {
		if r.metrics != nil {
			r.metrics.ConnectedDevices.WithLabelValues(string(d.Type)).Dec()
		}
		r.log.Warn().Str("device_id", d.ID).Time("last_heartbeat", d.LastHeartbeat).
			Msg("device reaped after heartbeat timeout")
	}
}

// StartReaper launches the periodic stale sweep until ctx is cancelled.
func (r *Registry) StartReaper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.CleanupStale()
			}
		}
	}()
}

// targetedFrames pairs a channel with frames to write after the lock drops.
type targetedFrames struct {
	ch     Sender
	frames []any
}

func (r *Registry) deliverFrames(batches []targetedFrames) {
	for _, b := range batches {
		if b.ch == nil {
			continue
		}
		for _, f := range b.frames {
			if err := b.ch.Send(f); err != nil {
				if r.metrics != nil {
					r.metrics.WSWriteErrors.WithLabelValues("session_end").Inc()
				}
				break
			}
		}
	}
}
