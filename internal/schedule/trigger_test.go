package schedule

import (
	"errors"
	"testing"
	"time"
)

var triggerNow = time.Date(2026, 8, 24, 14, 30, 0, 0, time.UTC)

func TestParseTriggerRelative(t *testing.T) {
	cases := []struct {
		spec string
		want time.Duration
	}{
		{"in 10 minutes", 10 * time.Minute},
		{"in 1 minute", time.Minute},
		{"in 5 minuten", 5 * time.Minute},
		{"in 30 seconds", 30 * time.Second},
		{"in 45 sekunden", 45 * time.Second},
		{"in 2 hours", 2 * time.Hour},
		{"in 1 stunde", time.Hour},
		{"IN 3 Minutes", 3 * time.Minute},
	}
	for _, tc := range cases {
		at, err := ParseTrigger(tc.spec, triggerNow)
		if err != nil {
			t.Fatalf("ParseTrigger(%q): %v", tc.spec, err)
		}
		if !at.Equal(triggerNow.Add(tc.want)) {
			t.Fatalf("ParseTrigger(%q) = %v, want now+%v", tc.spec, at, tc.want)
		}
	}
}

func TestParseTriggerTimeOfDay(t *testing.T) {
	at, err := ParseTrigger("at 16:45", triggerNow)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if at.Hour() != 16 || at.Minute() != 45 || at.Day() != triggerNow.Day() {
		t.Fatalf("same-day trigger: %v", at)
	}

	// 08:00 already passed at 14:30, so it rolls to tomorrow.
	at, err = ParseTrigger("um 08:00", triggerNow)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if at.Day() != triggerNow.Day()+1 || at.Hour() != 8 {
		t.Fatalf("rollover trigger: %v", at)
	}
	if !at.After(triggerNow) {
		t.Fatal("trigger not in the future")
	}
}

func TestParseTriggerISO(t *testing.T) {
	at, err := ParseTrigger("2026-12-24T18:00:00Z", triggerNow)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if at.Month() != time.December || at.Hour() != 18 {
		t.Fatalf("iso trigger: %v", at)
	}

	if _, err := ParseTrigger("2020-01-01T00:00:00Z", triggerNow); !errors.Is(err, ErrTriggerInPast) {
		t.Fatalf("past iso: %v, want ErrTriggerInPast", err)
	}
}

func TestParseTriggerRejectsGarbage(t *testing.T) {
	for _, spec := range []string{"", "soon", "in minutes", "in five minutes", "at 25:00", "in 10 fortnights"} {
		if _, err := ParseTrigger(spec, triggerNow); !errors.Is(err, ErrUnparseableTrigger) {
			t.Fatalf("ParseTrigger(%q) = %v, want ErrUnparseableTrigger", spec, err)
		}
	}
}

func TestParseTriggerDurationLaw(t *testing.T) {
	// now + parsed duration equals trigger_at exactly for relative specs.
	at, err := ParseTrigger("in 10 minutes", triggerNow)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got := at.Sub(triggerNow); got != 10*time.Minute {
		t.Fatalf("offset = %v, want 10m", got)
	}
}
