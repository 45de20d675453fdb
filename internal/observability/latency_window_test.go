package observability

import (
	"testing"
	"time"
)

func TestLatencyWindowPercentiles(t *testing.T) {
	w := NewLatencyWindow(100)
	for i := 1; i <= 100; i++ {
		w.Observe("transcribe", time.Duration(i)*time.Millisecond)
	}

	snap := w.Snapshot()
	if len(snap.Stages) != 1 {
		t.Fatalf("stages = %d, want 1", len(snap.Stages))
	}
	s := snap.Stages[0]
	if s.Stage != "transcribe" || s.Samples != 100 {
		t.Fatalf("stage %+v", s)
	}
	if s.LastMS != 100 {
		t.Fatalf("last = %v, want 100", s.LastMS)
	}
	if s.P50MS < 50 || s.P50MS > 51 {
		t.Fatalf("p50 = %v", s.P50MS)
	}
	if s.P95MS < 95 || s.P95MS > 96 {
		t.Fatalf("p95 = %v", s.P95MS)
	}
	if s.TargetP95MS != 1500 {
		t.Fatalf("target = %v", s.TargetP95MS)
	}
}

func TestLatencyWindowRingOverwrite(t *testing.T) {
	w := NewLatencyWindow(4)
	for i := 0; i < 10; i++ {
		w.Observe("respond", time.Duration(i)*time.Millisecond)
	}
	snap := w.Snapshot()
	if snap.Stages[0].Samples != 4 {
		t.Fatalf("samples = %d, want 4", snap.Stages[0].Samples)
	}
	// Last four observations were 6..9 ms.
	if snap.Stages[0].AvgMS != 7.5 {
		t.Fatalf("avg = %v, want 7.5", snap.Stages[0].AvgMS)
	}
}

func TestLatencyWindowIndicatorsAndReset(t *testing.T) {
	w := NewLatencyWindow(8)
	w.ObserveIndicator("agent_degraded")
	w.ObserveIndicator("agent_degraded")
	w.ObserveIndicator("  ")

	snap := w.Snapshot()
	if len(snap.Indicators) != 1 || snap.Indicators[0].Count != 2 {
		t.Fatalf("indicators %+v", snap.Indicators)
	}

	w.Reset()
	snap = w.Snapshot()
	if len(snap.Stages) != 0 || len(snap.Indicators) != 0 {
		t.Fatalf("reset left data: %+v", snap)
	}
}

func TestLatencyWindowIgnoresInvalid(t *testing.T) {
	w := NewLatencyWindow(8)
	w.Observe("", time.Millisecond)
	w.Observe("transcribe", -time.Millisecond)
	if snap := w.Snapshot(); len(snap.Stages) != 0 {
		t.Fatalf("invalid samples recorded: %+v", snap.Stages)
	}
}
