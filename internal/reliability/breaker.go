package reliability

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/renfield-voice/renfield/internal/observability"
)

// Breaker states.
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrCircuitOpen is returned while the breaker is shedding load.
var ErrCircuitOpen = errors.New("circuit breaker open")

// BreakerOptions configures one CircuitBreaker.
type BreakerOptions struct {
	Name             string
	FailureThreshold int
	RecoveryTimeout  time.Duration
	HalfOpenMaxCalls int
}

// CircuitBreaker is a three-state guard around an unreliable upstream.
// Closed counts consecutive failures; open rejects until the recovery
// timeout passes; half-open lets a bounded number of probes through and
// closes only if every probe succeeds.
type CircuitBreaker struct {
	opts    BreakerOptions
	logger  zerolog.Logger
	metrics *observability.Metrics

	mu            sync.Mutex
	state         BreakerState
	failures      int
	openedAt      time.Time
	halfOpenCalls int
	halfOpenOK    int
	now           func() time.Time
}

func NewCircuitBreaker(opts BreakerOptions, logger zerolog.Logger, metrics *observability.Metrics) *CircuitBreaker {
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 5
	}
	if opts.RecoveryTimeout <= 0 {
		opts.RecoveryTimeout = 30 * time.Second
	}
	if opts.HalfOpenMaxCalls <= 0 {
		opts.HalfOpenMaxCalls = 2
	}
	cb := &CircuitBreaker{
		opts:    opts,
		logger:  logger.With().Str("breaker", opts.Name).Logger(),
		metrics: metrics,
		now:     time.Now,
	}
	cb.publishState(StateClosed)
	return cb
}

// SetClock replaces the time source. Test hook.
func (cb *CircuitBreaker) SetClock(now func() time.Time) {
	cb.mu.Lock()
	cb.now = now
	cb.mu.Unlock()
}

// Allow reports whether a call may proceed. A true result from the open
// state moves the breaker to half-open and consumes one probe slot.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case StateClosed:
		return nil
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.opts.RecoveryTimeout {
			return ErrCircuitOpen
		}
		cb.transition(StateHalfOpen)
		cb.halfOpenCalls = 1
		cb.halfOpenOK = 0
		return nil
	case StateHalfOpen:
		if cb.halfOpenCalls >= cb.opts.HalfOpenMaxCalls {
			return ErrCircuitOpen
		}
		cb.halfOpenCalls++
		return nil
	default:
		return ErrCircuitOpen
	}
}

// RecordSuccess reports a completed call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.halfOpenOK++
		if cb.halfOpenOK >= cb.opts.HalfOpenMaxCalls {
			cb.failures = 0
			cb.transition(StateClosed)
		}
	}
}

// RecordFailure reports a failed call.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.metrics != nil {
		cb.metrics.BreakerFailures.WithLabelValues(cb.opts.Name).Inc()
	}
	switch cb.state {
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.opts.FailureThreshold {
			cb.openedAt = cb.now()
			cb.transition(StateOpen)
		}
	case StateHalfOpen:
		cb.openedAt = cb.now()
		cb.transition(StateOpen)
	}
}

// Do runs fn under the breaker, recording its outcome.
func (cb *CircuitBreaker) Do(fn func() error) error {
	if err := cb.Allow(); err != nil {
		return err
	}
	if err := fn(); err != nil {
		cb.RecordFailure()
		return err
	}
	cb.RecordSuccess()
	return nil
}

// State returns the current state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) transition(to BreakerState) {
	from := cb.state
	cb.state = to
	if from != to {
		cb.logger.Info().Str("from", from.String()).Str("to", to.String()).Msg("breaker transition")
	}
	cb.publishState(to)
}

func (cb *CircuitBreaker) publishState(s BreakerState) {
	if cb.metrics != nil {
		cb.metrics.BreakerState.WithLabelValues(cb.opts.Name).Set(float64(s))
	}
}
