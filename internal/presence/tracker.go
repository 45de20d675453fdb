package presence

import (
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/renfield-voice/renfield/internal/observability"
)

// EventType enumerates presence transitions surfaced to hooks.
type EventType string

const (
	EventEnterRoom    EventType = "presence_enter_room"
	EventLeaveRoom    EventType = "presence_leave_room"
	EventFirstArrived EventType = "presence_first_arrived"
	EventLastLeft     EventType = "presence_last_left"
)

// Event is the hook payload for a presence transition.
type Event struct {
	Type        EventType `json:"type"`
	UserID      int64     `json:"user_id"`
	UserName    string    `json:"user_name,omitempty"`
	RoomID      int64     `json:"room_id"`
	RoomName    string    `json:"room_name,omitempty"`
	SatelliteID string    `json:"satellite_id,omitempty"`
	Confidence  float64   `json:"confidence"`
}

// Hook receives presence events. Handlers run on their own goroutine;
// failures never affect tracking.
type Hook func(Event)

// RadioDevice binds a BLE MAC to an enrolled user.
type RadioDevice struct {
	MAC      string
	UserID   int64
	UserName string
}

// Sighting is one observation of a MAC by one satellite.
type Sighting struct {
	SatelliteID string
	RoomID      int64
	RoomName    string
	RSSI        int
	Timestamp   time.Time
}

// UserPresence is the committed room assignment for one user.
type UserPresence struct {
	UserID      int64     `json:"user_id"`
	UserName    string    `json:"user_name,omitempty"`
	RoomID      int64     `json:"room_id"`
	RoomName    string    `json:"room_name,omitempty"`
	SatelliteID string    `json:"satellite_id,omitempty"`
	Confidence  float64   `json:"confidence"`
	LastSeen    time.Time `json:"last_seen"`

	pendingRoomID   int64
	pendingRoomName string
	pendingCount    int
}

// Options tunes the tracker.
type Options struct {
	RSSIThreshold   int
	StaleTimeout    time.Duration
	HysteresisScans int
}

const maxSightingsPerMAC = 16

// Tracker resolves user location from noisy radio sightings. It holds no
// I/O; persistence of enrollments is the caller's concern.
type Tracker struct {
	mu        sync.Mutex
	known     map[string]RadioDevice  // MAC -> user
	sightings map[string][]Sighting   // MAC -> recent ring
	presence  map[int64]*UserPresence // user id -> committed assignment
	hooks     []Hook

	opts    Options
	now     func() time.Time
	log     zerolog.Logger
	metrics *observability.Metrics
}

func NewTracker(opts Options, metrics *observability.Metrics, log zerolog.Logger) *Tracker {
	if opts.RSSIThreshold == 0 {
		opts.RSSIThreshold = -80
	}
	if opts.StaleTimeout <= 0 {
		opts.StaleTimeout = 3 * time.Minute
	}
	if opts.HysteresisScans < 1 {
		opts.HysteresisScans = 2
	}
	return &Tracker{
		known:     make(map[string]RadioDevice),
		sightings: make(map[string][]Sighting),
		presence:  make(map[int64]*UserPresence),
		opts:      opts,
		now:       func() time.Time { return time.Now().UTC() },
		log:       log.With().Str("component", "presence").Logger(),
		metrics:   metrics,
	}
}

// SetClock replaces the time source, for tests.
func (t *Tracker) SetClock(now func() time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.now = now
}

// LoadDevices replaces the MAC registry. Called at startup from persistence.
func (t *Tracker) LoadDevices(devices []RadioDevice) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.known = make(map[string]RadioDevice, len(devices))
	for _, d := range devices {
		t.known[strings.ToLower(d.MAC)] = d
	}
}

// AddHook registers a presence event handler.
func (t *Tracker) AddHook(h Hook) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hooks = append(t.hooks, h)
}

// ReportedDevice is one entry of a BLE scan report.
type ReportedDevice struct {
	MAC  string
	RSSI int
}

// ProcessReport ingests one satellite scan report. Unknown MACs are
// silently ignored.
func (t *Tracker) ProcessReport(satelliteID string, roomID int64, roomName string, devices []ReportedDevice) {
	t.mu.Lock()
	now := t.now()
	var events []Event

	for _, rd := range devices {
		// MACs arrive in whatever case the scanner reports.
		mac := strings.ToLower(rd.MAC)
		user, known := t.known[mac]
		if !known {
			continue
		}
		ring := append(t.sightings[mac], Sighting{
			SatelliteID: satelliteID,
			RoomID:      roomID,
			RoomName:    roomName,
			RSSI:        rd.RSSI,
			Timestamp:   now,
		})
		ring = pruneSightings(ring, now.Add(-t.opts.StaleTimeout))
		if len(ring) > maxSightingsPerMAC {
			ring = ring[len(ring)-maxSightingsPerMAC:]
		}
		t.sightings[mac] = ring

		events = append(events, t.resolveLocked(user, ring, now)...)
	}

	events = append(events, t.cleanupLocked(now)...)
	t.mu.Unlock()

	t.emit(events)
}

// Cleanup removes presence entries whose last sighting went stale.
func (t *Tracker) Cleanup() {
	t.mu.Lock()
	events := t.cleanupLocked(t.now())
	t.mu.Unlock()
	t.emit(events)
}

// resolveLocked recomputes the room assignment for one user from their
// sighting ring and applies hysteresis. Caller holds t.mu.
func (t *Tracker) resolveLocked(user RadioDevice, ring []Sighting, now time.Time) []Event {
	winnerID, winnerName, winnerSat, score := scoreRooms(ring, t.opts.RSSIThreshold)
	if winnerID == 0 && winnerName == "" {
		return nil
	}

	p, ok := t.presence[user.UserID]
	if !ok {
		// First assignment ever commits immediately.
		houseWasEmpty := len(t.presence) == 0
		p = &UserPresence{
			UserID:      user.UserID,
			UserName:    user.UserName,
			RoomID:      winnerID,
			RoomName:    winnerName,
			SatelliteID: winnerSat,
			Confidence:  score,
			LastSeen:    now,
		}
		t.presence[user.UserID] = p
		events := []Event{t.eventFor(EventEnterRoom, p)}
		if houseWasEmpty {
			events = append(events, t.eventFor(EventFirstArrived, p))
		}
		return events
	}

	p.LastSeen = now
	if winnerID == p.RoomID {
		// Reinforce: reset the counter and refresh confidence.
		p.pendingCount = 1
		p.pendingRoomID = winnerID
		p.Confidence = score
		p.SatelliteID = winnerSat
		return nil
	}

	if winnerID == p.pendingRoomID {
		p.pendingCount++
	} else {
		p.pendingRoomID = winnerID
		p.pendingRoomName = winnerName
		p.pendingCount = 1
	}
	if p.pendingCount < t.opts.HysteresisScans {
		return nil
	}

	// Commit the transition.
	old := *p
	p.RoomID = winnerID
	p.RoomName = winnerName
	p.SatelliteID = winnerSat
	p.Confidence = score
	p.pendingCount = 1

	events := []Event{t.eventForRoom(EventLeaveRoom, &old, old.RoomID, old.RoomName)}
	if t.roomEmptyLocked(old.RoomID, user.UserID) {
		events = append(events, t.eventForRoom(EventLastLeft, &old, old.RoomID, old.RoomName))
	}
	events = append(events, t.eventFor(EventEnterRoom, p))
	return events
}

func (t *Tracker) cleanupLocked(now time.Time) []Event {
	cutoff := now.Add(-t.opts.StaleTimeout)
	var events []Event
	for id, p := range t.presence {
		if p.LastSeen.After(cutoff) {
			continue
		}
		old := *p
		delete(t.presence, id)
		events = append(events, t.eventForRoom(EventLeaveRoom, &old, old.RoomID, old.RoomName))
		if t.roomEmptyLocked(old.RoomID, id) {
			events = append(events, t.eventForRoom(EventLastLeft, &old, old.RoomID, old.RoomName))
		}
	}
	for mac, ring := range t.sightings {
		pruned := pruneSightings(ring, cutoff)
		if len(pruned) == 0 {
			delete(t.sightings, mac)
		} else {
			t.sightings[mac] = pruned
		}
	}
	return events
}

func (t *Tracker) roomEmptyLocked(roomID int64, except int64) bool {
	for id, p := range t.presence {
		if id == except {
			continue
		}
		if p.RoomID == roomID {
			return false
		}
	}
	return true
}

func (t *Tracker) eventFor(typ EventType, p *UserPresence) Event {
	return t.eventForRoom(typ, p, p.RoomID, p.RoomName)
}

func (t *Tracker) eventForRoom(typ EventType, p *UserPresence, roomID int64, roomName string) Event {
	return Event{
		Type:        typ,
		UserID:      p.UserID,
		UserName:    p.UserName,
		RoomID:      roomID,
		RoomName:    roomName,
		SatelliteID: p.SatelliteID,
		Confidence:  p.Confidence,
	}
}

func (t *Tracker) emit(events []Event) {
	if len(events) == 0 {
		return
	}
	t.mu.Lock()
	hooks := make([]Hook, len(t.hooks))
	copy(hooks, t.hooks)
	t.mu.Unlock()

	for _, ev := range events {
		if t.metrics != nil {
			t.metrics.PresenceEvents.WithLabelValues(string(ev.Type)).Inc()
		}
		t.log.Debug().Str("event", string(ev.Type)).Int64("user_id", ev.UserID).
			Int64("room_id", ev.RoomID).Msg("presence event")
		for _, h := range hooks {
			go func(h Hook, ev Event) {
				defer func() { _ = recover() }()
				h(ev)
			}(h, ev)
		}
	}
}

// UserPresenceFor returns the committed assignment for a user.
func (t *Tracker) UserPresenceFor(userID int64) (UserPresence, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.presence[userID]
	if !ok {
		return UserPresence{}, false
	}
	return *p, true
}

// RoomOccupants lists users currently assigned to a room.
func (t *Tracker) RoomOccupants(roomID int64) []UserPresence {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []UserPresence
	for _, p := range t.presence {
		if p.RoomID == roomID {
			out = append(out, *p)
		}
	}
	return out
}

// Snapshot lists every tracked user.
func (t *Tracker) Snapshot() []UserPresence {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]UserPresence, 0, len(t.presence))
	for _, p := range t.presence {
		out = append(out, *p)
	}
	return out
}

// IsUserAloneInRoom reports whether the user is the sole occupant of their
// room. known=false means the user is untracked.
func (t *Tracker) IsUserAloneInRoom(userID int64) (alone bool, known bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.presence[userID]
	if !ok {
		return false, false
	}
	for id, other := range t.presence {
		if id != userID && other.RoomID == p.RoomID {
			return false, true
		}
	}
	return true, true
}

func pruneSightings(ring []Sighting, cutoff time.Time) []Sighting {
	out := ring[:0]
	for _, s := range ring {
		if s.Timestamp.After(cutoff) {
			out = append(out, s)
		}
	}
	return out
}

// scoreRooms aggregates sightings per candidate room: 70% weight on the
// best single RSSI, 30% on satellite coverage. Sightings below the RSSI
// threshold are dropped first.
func scoreRooms(ring []Sighting, rssiThreshold int) (roomID int64, roomName, satelliteID string, score float64) {
	type agg struct {
		best     float64
		bestSat  string
		roomName string
		sats     map[string]struct{}
	}
	rooms := make(map[int64]*agg)
	for _, s := range ring {
		if s.RSSI < rssiThreshold {
			continue
		}
		a, ok := rooms[s.RoomID]
		if !ok {
			a = &agg{sats: make(map[string]struct{}), roomName: s.RoomName}
			rooms[s.RoomID] = a
		}
		rs := rssiScore(s.RSSI)
		if rs >= a.best {
			a.best = rs
			a.bestSat = s.SatelliteID
		}
		if s.RoomName != "" {
			a.roomName = s.RoomName
		}
		a.sats[s.SatelliteID] = struct{}{}
	}

	best := -1.0
	for id, a := range rooms {
		coverage := float64(len(a.sats)) / 3.0
		if coverage > 1 {
			coverage = 1
		}
		total := 0.7*a.best + 0.3*coverage
		if total > best {
			best = total
			roomID = id
			roomName = a.roomName
			satelliteID = a.bestSat
			score = clamp01(total)
		}
	}
	return roomID, roomName, satelliteID, score
}

func rssiScore(rssi int) float64 {
	return clamp01(float64(rssi+90) / 60.0)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
