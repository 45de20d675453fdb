package wakeword

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/rs/zerolog"

	"github.com/renfield-voice/renfield/internal/protocol"
)

type memSettings struct {
	values map[string]string
}

func (m *memSettings) GetSetting(_ context.Context, key string) (string, bool, error) {
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *memSettings) SetSetting(_ context.Context, key, value string) error {
	if m.values == nil {
		m.values = map[string]string{}
	}
	m.values[key] = value
	return nil
}

type memSender struct {
	frames []any
	fail   bool
}

func (s *memSender) Send(v any) error {
	if s.fail {
		return errors.New("broken pipe")
	}
	s.frames = append(s.frames, v)
	return nil
}

func defaults() Config {
	return Config{Keyword: "hey_jarvis", Threshold: 0.5, CooldownMS: 2000, Enabled: true}
}

func TestGetConfigFallsBackToDefaults(t *testing.T) {
	f := NewFabric(&memSettings{}, defaults(), zerolog.Nop())
	cfg, err := f.GetConfig(context.Background())
	if err != nil {
		t.Fatalf("GetConfig error = %v", err)
	}
	if cfg != defaults() {
		t.Fatalf("GetConfig = %+v, want defaults", cfg)
	}
}

func TestUpdateConfigValidatesWithoutSideEffects(t *testing.T) {
	store := &memSettings{}
	f := NewFabric(store, defaults(), zerolog.Nop())

	bad := 0.05
	if _, _, err := f.UpdateConfig(context.Background(), Update{Threshold: &bad}); err != ErrInvalidThreshold {
		t.Fatalf("error = %v, want ErrInvalidThreshold", err)
	}
	cd := 100
	if _, _, err := f.UpdateConfig(context.Background(), Update{CooldownMS: &cd}); err != ErrInvalidCooldown {
		t.Fatalf("error = %v, want ErrInvalidCooldown", err)
	}
	empty := ""
	if _, _, err := f.UpdateConfig(context.Background(), Update{Keyword: &empty}); err != ErrEmptyKeyword {
		t.Fatalf("error = %v, want ErrEmptyKeyword", err)
	}
	if len(store.values) != 0 {
		t.Fatalf("invalid update wrote settings: %v", store.values)
	}
	if f.Version() != 0 {
		t.Fatalf("invalid update bumped version to %d", f.Version())
	}
}

func TestUpdateConfigBroadcastsAndTracksAcks(t *testing.T) {
	f := NewFabric(&memSettings{}, defaults(), zerolog.Nop())

	senders := make([]*memSender, 4)
	for i := range senders {
		senders[i] = &memSender{}
		f.Subscribe(senders[i], fmt.Sprintf("dev-%d", i), "satellite")
	}

	kw := "hey_mycroft"
	cfg, version, err := f.UpdateConfig(context.Background(), Update{Keyword: &kw})
	if err != nil {
		t.Fatalf("UpdateConfig error = %v", err)
	}
	if cfg.Keyword != "hey_mycroft" || version != 1 {
		t.Fatalf("cfg.Keyword=%q version=%d, want hey_mycroft/1", cfg.Keyword, version)
	}

	for i, s := range senders {
		if len(s.frames) != 1 {
			t.Fatalf("sender %d received %d frames, want 1", i, len(s.frames))
		}
		upd, ok := s.frames[0].(protocol.ConfigUpdate)
		if !ok {
			t.Fatalf("sender %d frame = %T, want ConfigUpdate", i, s.frames[0])
		}
		if upd.ConfigVersion != 1 || upd.Config["keyword"] != "hey_mycroft" {
			t.Fatalf("bad config_update: %+v", upd)
		}
	}

	// Half the devices ack.
	for i := 0; i < 2; i++ {
		f.HandleConfigAck(fmt.Sprintf("dev-%d", i), protocol.ConfigAck{
			ConfigVersion:  1,
			Success:        true,
			ActiveKeywords: []string{"hey_mycroft"},
		})
	}

	st := f.Status()
	if st.SyncedCount != 2 || st.PendingCount != 2 || st.AllSynced {
		t.Fatalf("Status = %+v, want 2 synced / 2 pending / not all synced", st)
	}

	one, ok := f.DeviceSyncStatus("dev-0")
	if !ok || !one.Synced || one.ActiveKeywords[0] != "hey_mycroft" {
		t.Fatalf("DeviceSyncStatus(dev-0) = %+v", one)
	}
}

func TestFailedAckStaysPending(t *testing.T) {
	f := NewFabric(&memSettings{}, defaults(), zerolog.Nop())
	f.Subscribe(&memSender{}, "dev-0", "satellite")

	f.HandleConfigAck("dev-0", protocol.ConfigAck{
		ConfigVersion:  1,
		Success:        false,
		FailedKeywords: []string{"hey_mycroft"},
		Error:          "model missing",
	})

	st, _ := f.DeviceSyncStatus("dev-0")
	if st.Synced {
		t.Fatalf("failed ack marked device synced")
	}
	if st.Error != "model missing" {
		t.Fatalf("Error = %q", st.Error)
	}
}

func TestBrokenSubscriberIsDropped(t *testing.T) {
	f := NewFabric(&memSettings{}, defaults(), zerolog.Nop())
	good := &memSender{}
	bad := &memSender{fail: true}
	f.Subscribe(good, "good", "satellite")
	f.Subscribe(bad, "bad", "satellite")

	kw := "computer"
	if _, _, err := f.UpdateConfig(context.Background(), Update{Keyword: &kw}); err != nil {
		t.Fatalf("UpdateConfig error = %v", err)
	}

	// Second update: only the good subscriber should be reached.
	kw2 := "jarvis"
	if _, _, err := f.UpdateConfig(context.Background(), Update{Keyword: &kw2}); err != nil {
		t.Fatalf("UpdateConfig error = %v", err)
	}
	if len(good.frames) != 2 {
		t.Fatalf("good subscriber got %d frames, want 2", len(good.frames))
	}

	// Sync record for the dropped device persists.
	if _, ok := f.DeviceSyncStatus("bad"); !ok {
		t.Fatalf("sync record dropped with the subscriber")
	}
}

func TestGetConfigReadsStoredValues(t *testing.T) {
	store := &memSettings{values: map[string]string{
		KeyKeyword:    "alexa",
		KeyThreshold:  "0.7",
		KeyCooldownMS: "1500",
	}}
	f := NewFabric(store, defaults(), zerolog.Nop())
	cfg, err := f.GetConfig(context.Background())
	if err != nil {
		t.Fatalf("GetConfig error = %v", err)
	}
	if cfg.Keyword != "alexa" || cfg.Threshold != 0.7 || cfg.CooldownMS != 1500 {
		t.Fatalf("GetConfig = %+v", cfg)
	}
	if !cfg.Enabled {
		t.Fatalf("enabled flag must come from static config")
	}
}
