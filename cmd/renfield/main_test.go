package main

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"github.com/renfield-voice/renfield/internal/config"
	"github.com/renfield-voice/renfield/internal/intent"
	"github.com/renfield-voice/renfield/internal/presence"
	"github.com/renfield-voice/renfield/internal/store"
)

func TestNewLoggerFallsBackToInfo(t *testing.T) {
	logger := newLogger(config.Config{LogLevel: "nonsense"})
	if got := logger.GetLevel(); got != zerolog.InfoLevel {
		t.Fatalf("level %v, want info", got)
	}
	logger = newLogger(config.Config{LogLevel: "debug"})
	if got := logger.GetLevel(); got != zerolog.DebugLevel {
		t.Fatalf("level %v, want debug", got)
	}
}

func TestPresenceViewBridgesTrackerOccupants(t *testing.T) {
	tracker := presence.NewTracker(presence.Options{}, nil, zerolog.Nop())

	// Enrollments come out of the store; the tracker speaks its own type.
	radios := []store.RadioDevice{
		{MAC: "AA:BB:CC:DD:EE:FF", Name: "mina-watch", UserID: 4, UserName: "Mina"},
	}
	known := make([]presence.RadioDevice, 0, len(radios))
	for _, d := range radios {
		known = append(known, presence.RadioDevice{MAC: d.MAC, UserID: d.UserID, UserName: d.UserName})
	}
	tracker.LoadDevices(known)

	tracker.ProcessReport("sat-kitchen", 7, "Kitchen", []presence.ReportedDevice{
		{MAC: "aa:bb:cc:dd:ee:ff", RSSI: -42},
	})

	view := presenceView{tracker}
	occupants := view.RoomOccupants(7)
	if len(occupants) != 1 || occupants[0].UserID != 4 || occupants[0].UserName != "Mina" {
		t.Fatalf("occupants: %+v", occupants)
	}
	alone, ok := view.IsUserAloneInRoom(4)
	if !ok || !alone {
		t.Fatalf("alone=%v known=%v", alone, ok)
	}
}

func TestPendingSourcesPicksOnlyPendingTools(t *testing.T) {
	reg := intent.NewRegistry()
	noop := func(context.Context, intent.Intent) (intent.Result, error) {
		return intent.Result{}, nil
	}
	for _, name := range []string{"mail.pending_notifications", "core.set_reminder", "calendar.pending_notifications"} {
		if err := reg.Register(intent.ToolSpec{Qualified: name, Description: name}, noop); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}

	sources := pendingSources(reg)
	if len(sources) != 2 {
		t.Fatalf("got %d sources, want 2", len(sources))
	}
	names := map[string]bool{}
	for _, s := range sources {
		names[s.Name()] = true
	}
	if !names["mail.pending_notifications"] || !names["calendar.pending_notifications"] {
		t.Fatalf("sources: %v", names)
	}
}
