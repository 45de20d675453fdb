package reliability

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestBreaker(threshold, halfOpenMax int, recovery time.Duration) (*CircuitBreaker, *time.Time) {
	cb := NewCircuitBreaker(BreakerOptions{
		Name:             "test",
		FailureThreshold: threshold,
		RecoveryTimeout:  recovery,
		HalfOpenMaxCalls: halfOpenMax,
	}, zerolog.Nop(), nil)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	cb.SetClock(func() time.Time { return now })
	return cb, &now
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	cb, _ := newTestBreaker(3, 2, 30*time.Second)
	for i := 0; i < 2; i++ {
		cb.RecordFailure()
		if cb.State() != StateClosed {
			t.Fatalf("opened after %d failures", i+1)
		}
	}
	cb.RecordFailure()
	if cb.State() != StateOpen {
		t.Fatal("did not open at threshold")
	}
	if err := cb.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("open breaker allowed a call: %v", err)
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	cb, _ := newTestBreaker(3, 2, 30*time.Second)
	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()
	if cb.State() != StateClosed {
		t.Fatal("non-consecutive failures tripped the breaker")
	}
}

func TestBreakerRecoversThroughHalfOpen(t *testing.T) {
	cb, now := newTestBreaker(1, 2, 30*time.Second)
	cb.RecordFailure()
	if cb.State() != StateOpen {
		t.Fatal("not open")
	}

	*now = now.Add(29 * time.Second)
	if err := cb.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatal("allowed before recovery timeout")
	}

	*now = now.Add(2 * time.Second)
	if err := cb.Allow(); err != nil {
		t.Fatalf("first probe rejected: %v", err)
	}
	if cb.State() != StateHalfOpen {
		t.Fatal("not half-open after first probe")
	}
	if err := cb.Allow(); err != nil {
		t.Fatalf("second probe rejected: %v", err)
	}
	if err := cb.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatal("probe budget not enforced")
	}

	cb.RecordSuccess()
	if cb.State() != StateHalfOpen {
		t.Fatal("closed after a single probe success")
	}
	cb.RecordSuccess()
	if cb.State() != StateClosed {
		t.Fatal("did not close after all probes succeeded")
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	cb, now := newTestBreaker(1, 2, 10*time.Second)
	cb.RecordFailure()
	*now = now.Add(11 * time.Second)
	if err := cb.Allow(); err != nil {
		t.Fatalf("probe rejected: %v", err)
	}
	cb.RecordFailure()
	if cb.State() != StateOpen {
		t.Fatal("half-open failure did not reopen")
	}
	if err := cb.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatal("reopened breaker allowed a call before timeout")
	}
}

func TestBreakerDo(t *testing.T) {
	cb, _ := newTestBreaker(1, 1, 10*time.Second)
	boom := errors.New("boom")
	if err := cb.Do(func() error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("got %v, want upstream error", err)
	}
	if err := cb.Do(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("got %v, want ErrCircuitOpen", err)
	}
}
