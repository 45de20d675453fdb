package notify

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/renfield-voice/renfield/internal/device"
	"github.com/renfield-voice/renfield/internal/protocol"
	"github.com/renfield-voice/renfield/internal/routing"
	"github.com/renfield-voice/renfield/internal/store"
)

type memStorage struct {
	mu            sync.Mutex
	nextID        int64
	notifications map[int64]*store.Notification
	rooms         map[string]store.Room
	roles         map[string]string
}

func newMemStorage() *memStorage {
	return &memStorage{
		notifications: make(map[int64]*store.Notification),
		rooms:         make(map[string]store.Room),
		roles:         make(map[string]string),
	}
}

func (m *memStorage) CreateNotification(_ context.Context, n store.Notification) (store.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	n.ID = m.nextID
	n.Status = store.StatusPending
	n.CreatedAt = time.Now().UTC()
	cp := n
	m.notifications[n.ID] = &cp
	return n, nil
}

func (m *memStorage) HasRecentDedupKey(_ context.Context, key string, window time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().UTC().Add(-window)
	for _, n := range m.notifications {
		if n.DedupKey == key && n.CreatedAt.After(cutoff) {
			return true, nil
		}
	}
	return false, nil
}

func (m *memStorage) MarkDelivered(_ context.Context, id int64, deliveredTo []string, tts bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.notifications[id]
	if !ok {
		return store.ErrNotFound
	}
	n.Status = store.StatusDelivered
	n.DeliveredTo = deliveredTo
	n.TTSDelivered = tts
	return nil
}

func (m *memStorage) AcknowledgeNotification(_ context.Context, id int64, by string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.notifications[id]
	if !ok {
		return store.ErrNotFound
	}
	n.Status = store.StatusAcknowledged
	n.AcknowledgedBy = by
	return nil
}

func (m *memStorage) DismissNotification(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.notifications[id]; !ok {
		return store.ErrNotFound
	}
	delete(m.notifications, id)
	return nil
}

func (m *memStorage) CleanupExpiredNotifications(context.Context) (int64, error) { return 0, nil }

func (m *memStorage) ListNotifications(_ context.Context, _ store.NotificationFilter) ([]store.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Notification
	for _, n := range m.notifications {
		out = append(out, *n)
	}
	return out, nil
}

func (m *memStorage) RoomByNameOrAlias(_ context.Context, name string) (store.Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.rooms[name]; ok {
		return r, nil
	}
	if r, ok := m.rooms[store.NormalizeRoomName(name)]; ok {
		return r, nil
	}
	return store.Room{}, store.ErrNotFound
}

func (m *memStorage) UserRoles(_ context.Context, names []string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string)
	for _, n := range names {
		if r, ok := m.roles[n]; ok {
			out[n] = r
		}
	}
	return out, nil
}

func (m *memStorage) get(id int64) store.Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.notifications[id]
}

type memPresence struct {
	occupants map[int64][]UserPresenceInfo
	alone     map[int64]bool
}

func (m *memPresence) RoomOccupants(roomID int64) []UserPresenceInfo {
	return m.occupants[roomID]
}

func (m *memPresence) IsUserAloneInRoom(userID int64) (bool, bool) {
	alone, ok := m.alone[userID]
	return alone, ok
}

type fixedRouter struct {
	decision    routing.Decision
	err         error
	outputType  string
	volumeCalls int
}

func (f *fixedRouter) Route(_ context.Context, _ int64, outputType, _ string) (routing.Decision, error) {
	f.outputType = outputType
	return f.decision, f.err
}

func (f *fixedRouter) ApplyVolume(context.Context, routing.Decision, int) {
	f.volumeCalls++
}

type memCache struct{ id string }

func (m *memCache) Put([]byte) (string, error) { return m.id, nil }

type memPlayer struct {
	entity string
	url    string
}

func (m *memPlayer) PlayMedia(_ context.Context, entityID, mediaURL string) error {
	m.entity = entityID
	m.url = mediaURL
	return nil
}

type memTTS struct{}

func (memTTS) Synthesize(_ context.Context, text, _ string) ([]byte, error) {
	return []byte("WAV:" + text), nil
}

type recordingChannel struct {
	mu     sync.Mutex
	frames []any
}

func (c *recordingChannel) Send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, v)
	return nil
}

func (c *recordingChannel) Close() error { return nil }

func (c *recordingChannel) byType(t protocol.MessageType) []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []any
	for _, f := range c.frames {
		switch v := f.(type) {
		case protocol.Notification:
			if v.Type == t {
				out = append(out, v)
			}
		case protocol.TTSAudio:
			if v.Type == t {
				out = append(out, v)
			}
		}
	}
	return out
}

func newTestRegistry() *device.Registry {
	return device.NewRegistry(device.Options{
		MaxMessageBytes:     1 << 20,
		MaxAudioBufferBytes: 1 << 20,
	}, nil, zerolog.Nop())
}

func register(t *testing.T, reg *device.Registry, id, room string, caps protocol.Capabilities) *recordingChannel {
	t.Helper()
	ch := &recordingChannel{}
	_, err := reg.Register(device.RegisterRequest{
		DeviceID:     id,
		Type:         device.TypeSatellite,
		RoomName:     room,
		Capabilities: caps,
	}, ch)
	if err != nil {
		t.Fatalf("register %s: %v", id, err)
	}
	return ch
}

func satelliteCaps() protocol.Capabilities {
	return protocol.Capabilities{Microphone: true, Speaker: true, NotificationDisplay: true}
}

func newPipeline(st *memStorage, reg *device.Registry, pres PresenceView, router Sink) *Pipeline {
	return NewPipeline(st, reg, pres, router, memTTS{}, Options{
		DedupWindow:     time.Minute,
		TTL:             24 * time.Hour,
		PresenceEnabled: true,
	}, zerolog.Nop(), nil)
}

func TestSubmitCreatesAndDelivers(t *testing.T) {
	st := newMemStorage()
	st.rooms["Kitchen"] = store.Room{ID: 7, Name: "Kitchen", IsActive: true}
	reg := newTestRegistry()
	ch := register(t, reg, "sat-1", "Kitchen", satelliteCaps())
	p := newPipeline(st, reg, &memPresence{}, nil)

	out, err := p.Submit(context.Background(), Request{
		EventType: "doorbell.ring",
		Title:     "Doorbell",
		Message:   "Someone is at the door",
		Room:      "Kitchen",
		TTS:       true,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if out.Status != OutcomeCreated || out.Notification == nil {
		t.Fatalf("outcome: %+v", out)
	}
	if len(ch.byType(protocol.TypeNotification)) != 1 {
		t.Fatal("notification frame not delivered")
	}
	audio := ch.byType(protocol.TypeTTSAudio)
	if len(audio) != 1 {
		t.Fatal("tts frame not delivered")
	}
	if got := audio[0].(protocol.TTSAudio).SessionID; !strings.HasPrefix(got, "notification-") {
		t.Fatalf("tts session id %q", got)
	}
	stored := st.get(out.Notification.ID)
	if stored.Status != store.StatusDelivered || !stored.TTSDelivered {
		t.Fatalf("stored: %+v", stored)
	}
	if len(stored.DeliveredTo) != 1 || stored.DeliveredTo[0] != "sat-1" {
		t.Fatalf("delivered_to: %v", stored.DeliveredTo)
	}
}

func TestSubmitSuppressesDuplicateInWindow(t *testing.T) {
	st := newMemStorage()
	reg := newTestRegistry()
	p := newPipeline(st, reg, &memPresence{}, nil)

	req := Request{EventType: "washer.done", Title: "Washer", Message: "Laundry finished"}
	first, err := p.Submit(context.Background(), req)
	if err != nil || first.Status != OutcomeCreated {
		t.Fatalf("first submit: %v %+v", err, first)
	}
	second, err := p.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if second.Status != OutcomeSuppressed {
		t.Fatalf("duplicate not suppressed: %+v", second)
	}
	if len(st.notifications) != 1 {
		t.Fatalf("stored %d notifications, want 1", len(st.notifications))
	}
}

func TestSubmitDifferentRoomsDistinctKeys(t *testing.T) {
	st := newMemStorage()
	p := newPipeline(st, newTestRegistry(), &memPresence{}, nil)

	for _, room := range []string{"Kitchen", "Bedroom"} {
		out, err := p.Submit(context.Background(), Request{
			EventType: "window.open", Message: "Window left open", Room: room,
		})
		if err != nil || out.Status != OutcomeCreated {
			t.Fatalf("room %s: %v %+v", room, err, out)
		}
	}
}

func TestSubmitCallerDedupKeyWins(t *testing.T) {
	st := newMemStorage()
	p := newPipeline(st, newTestRegistry(), &memPresence{}, nil)

	a, _ := p.Submit(context.Background(), Request{
		EventType: "x", Message: "first body", DedupKey: "shared-key",
	})
	b, err := p.Submit(context.Background(), Request{
		EventType: "x", Message: "a completely different body", DedupKey: "shared-key",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if a.Status != OutcomeCreated || b.Status != OutcomeSuppressed {
		t.Fatalf("outcomes: %+v %+v", a, b)
	}
}

func TestPrivacyGate(t *testing.T) {
	st := newMemStorage()
	st.roles["alice"] = store.RoleHousehold
	st.roles["bob"] = store.RoleHousehold
	st.roles["visitor"] = store.RoleGuest
	roomID := int64(3)
	target := int64(11)

	cases := []struct {
		name      string
		privacy   string
		occupants []UserPresenceInfo
		alone     map[int64]bool
		target    *int64
		room      *int64
		enabled   bool
		want      bool
	}{
		{"public always", store.PrivacyPublic, nil, nil, nil, nil, true, true},
		{"public even without tracking", store.PrivacyPublic, nil, nil, nil, nil, false, true},
		{"personal all household", store.PrivacyPersonal,
			[]UserPresenceInfo{{UserID: 1, UserName: "alice"}, {UserID: 2, UserName: "bob"}},
			nil, nil, &roomID, true, true},
		{"personal guest present", store.PrivacyPersonal,
			[]UserPresenceInfo{{UserID: 1, UserName: "alice"}, {UserID: 9, UserName: "visitor"}},
			nil, nil, &roomID, true, false},
		{"personal empty room", store.PrivacyPersonal, nil, nil, nil, &roomID, true, false},
		{"personal no room", store.PrivacyPersonal, nil, nil, nil, nil, true, false},
		{"confidential alone", store.PrivacyConfidential, nil,
			map[int64]bool{target: true}, &target, &roomID, true, true},
		{"confidential not alone", store.PrivacyConfidential, nil,
			map[int64]bool{target: false}, &target, &roomID, true, false},
		{"confidential untracked", store.PrivacyConfidential, nil,
			map[int64]bool{}, &target, &roomID, true, false},
		{"confidential no target", store.PrivacyConfidential, nil, nil, nil, &roomID, true, false},
		{"tracking disabled denies personal", store.PrivacyPersonal,
			[]UserPresenceInfo{{UserID: 1, UserName: "alice"}}, nil, nil, &roomID, false, false},
		{"unknown level denied", "secret", nil, nil, nil, &roomID, true, false},
	}
	for _, tc := range cases {
		pres := &memPresence{
			occupants: map[int64][]UserPresenceInfo{roomID: tc.occupants},
			alone:     tc.alone,
		}
		p := NewPipeline(st, newTestRegistry(), pres, nil, memTTS{}, Options{
			PresenceEnabled: tc.enabled,
		}, zerolog.Nop(), nil)
		got := p.ShouldPlayTTS(context.Background(), tc.privacy, tc.target, tc.room)
		if got != tc.want {
			t.Fatalf("%s: got %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestDeliverRoutedTTSGoesToSingleDevice(t *testing.T) {
	st := newMemStorage()
	st.rooms["Kitchen"] = store.Room{ID: 7, Name: "Kitchen", IsActive: true}
	reg := newTestRegistry()
	primary := register(t, reg, "primary", "Kitchen", satelliteCaps())
	secondary := register(t, reg, "secondary", "Kitchen", satelliteCaps())
	router := &fixedRouter{decision: routing.Decision{
		TargetID:     "primary",
		TargetType:   routing.TargetLocal,
		Availability: routing.AvailabilityAvailable,
	}}
	p := newPipeline(st, reg, &memPresence{}, router)

	out, err := p.Submit(context.Background(), Request{
		EventType: "timer.done", Message: "Timer finished", Room: "Kitchen", TTS: true,
	})
	if err != nil || out.Status != OutcomeCreated {
		t.Fatalf("submit: %v %+v", err, out)
	}
	if len(primary.byType(protocol.TypeTTSAudio)) != 1 {
		t.Fatal("routed device got no tts")
	}
	if len(secondary.byType(protocol.TypeTTSAudio)) != 0 {
		t.Fatal("tts broadcast despite routed target")
	}
	// Both displays still get the notification frame.
	if len(secondary.byType(protocol.TypeNotification)) != 1 {
		t.Fatal("secondary missed the notification frame")
	}
}

func TestDeliverBridgeTargetPlaysFromCacheURL(t *testing.T) {
	st := newMemStorage()
	st.rooms["Kitchen"] = store.Room{ID: 7, Name: "Kitchen", IsActive: true}
	reg := newTestRegistry()
	display := register(t, reg, "kiosk", "Kitchen", protocol.Capabilities{NotificationDisplay: true})
	router := &fixedRouter{decision: routing.Decision{
		TargetID:     "media_player.kitchen",
		TargetType:   routing.TargetBridge,
		Availability: routing.AvailabilityAvailable,
	}}
	cache := &memCache{id: "aaaabbbb-cccc-4ddd-8eee-ffff00001111"}
	player := &memPlayer{}
	p := NewPipeline(st, reg, &memPresence{}, router, memTTS{}, Options{
		DedupWindow:     time.Minute,
		TTL:             24 * time.Hour,
		PresenceEnabled: true,
		CacheBaseURL:    "http://renfield.local:8080",
	}, zerolog.Nop(), nil)
	p.SetBridgePlayback(cache, player)

	out, err := p.Submit(context.Background(), Request{
		EventType: "oven.done", Message: "Oven preheated", Room: "Kitchen", TTS: true,
	})
	if err != nil || out.Status != OutcomeCreated {
		t.Fatalf("submit: %v %+v", err, out)
	}
	if router.outputType != store.OutputAudio {
		t.Fatalf("router asked for output type %q, want %q", router.outputType, store.OutputAudio)
	}
	if router.volumeCalls != 1 {
		t.Fatalf("volume applied %d times, want 1", router.volumeCalls)
	}
	if player.entity != "media_player.kitchen" {
		t.Fatalf("played on %q", player.entity)
	}
	want := "http://renfield.local:8080/v1/tts-cache/" + cache.id
	if player.url != want {
		t.Fatalf("media url %q, want %q", player.url, want)
	}
	if len(display.byType(protocol.TypeTTSAudio)) != 0 {
		t.Fatal("tts broadcast despite bridge playback")
	}
	stored := st.get(out.Notification.ID)
	if !stored.TTSDelivered {
		t.Fatalf("stored: %+v", stored)
	}
}

func TestRoomlessNotificationBroadcastsEverywhere(t *testing.T) {
	st := newMemStorage()
	reg := newTestRegistry()
	a := register(t, reg, "a", "Kitchen", satelliteCaps())
	b := register(t, reg, "b", "Bedroom", satelliteCaps())
	p := newPipeline(st, reg, &memPresence{}, nil)

	out, err := p.Submit(context.Background(), Request{
		EventType: "system.update", Message: "Update available", TTS: true,
	})
	if err != nil || out.Status != OutcomeCreated {
		t.Fatalf("submit: %v %+v", err, out)
	}
	for name, ch := range map[string]*recordingChannel{"a": a, "b": b} {
		if len(ch.byType(protocol.TypeNotification)) != 1 {
			t.Fatalf("%s missed notification", name)
		}
		if len(ch.byType(protocol.TypeTTSAudio)) != 1 {
			t.Fatalf("%s missed tts", name)
		}
	}
}

func TestUnresolvedRoomStaysRoomless(t *testing.T) {
	st := newMemStorage()
	p := newPipeline(st, newTestRegistry(), &memPresence{}, nil)

	out, err := p.Submit(context.Background(), Request{
		EventType: "garage.open", Message: "Garage door open", Room: "Garage",
	})
	if err != nil || out.Status != OutcomeCreated {
		t.Fatalf("submit: %v %+v", err, out)
	}
	stored := st.get(out.Notification.ID)
	if stored.RoomID != nil {
		t.Fatalf("room id set for unknown room: %v", *stored.RoomID)
	}
	if stored.RoomName != "Garage" {
		t.Fatalf("room label %q", stored.RoomName)
	}
}

func TestDedupKeyShape(t *testing.T) {
	k := DedupKey("a", "b", "c", "d")
	if len(k) != 40 {
		t.Fatalf("key length %d, want 40 hex chars", len(k))
	}
	if k != DedupKey("a", "b", "c", "d") {
		t.Fatal("key not deterministic")
	}
	if k == DedupKey("a", "b", "c", "e") {
		t.Fatal("key ignores room")
	}
}
