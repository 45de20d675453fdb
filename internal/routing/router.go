package routing

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/renfield-voice/renfield/internal/device"
	"github.com/renfield-voice/renfield/internal/observability"
	"github.com/renfield-voice/renfield/internal/store"
)

// Target and availability tags carried in routing decisions.
const (
	TargetLocal  = "local"
	TargetBridge = "bridge"

	AvailabilityAvailable   = "available"
	AvailabilityBusy        = "busy"
	AvailabilityOff         = "off"
	AvailabilityUnavailable = "unavailable"
)

// Decision is the routing outcome for one payload.
type Decision struct {
	OutputDevice    *store.RoomOutputDevice `json:"output_device,omitempty"`
	TargetID        string                  `json:"target_id"`
	TargetType      string                  `json:"target_type,omitempty"`
	Availability    string                  `json:"availability,omitempty"`
	FallbackToInput bool                    `json:"fallback_to_input"`
	Reason          string                  `json:"reason"`
}

// OutputStore lists configured sinks per room.
type OutputStore interface {
	EnabledOutputs(ctx context.Context, roomID int64, outputType string) ([]store.RoomOutputDevice, error)
}

// MediaBridge probes and drives bridge-side media players.
type MediaBridge interface {
	PlayerState(ctx context.Context, entityID string) (string, error)
	PlayerVolume(ctx context.Context, entityID string) (float64, error)
	SetPlayerVolume(ctx context.Context, entityID string, volume float64) error
}

// Options tunes router probing and volume discipline.
type Options struct {
	ProbeTimeout    time.Duration
	PCMBytesPerSec  int
	RestoreMargin   time.Duration
	VolumeTolerance float64
}

// Router selects the best sink in a room for a TTS or visual payload.
type Router struct {
	outputs  OutputStore
	registry *device.Registry
	bridge   MediaBridge
	opts     Options
	logger   zerolog.Logger
	metrics  *observability.Metrics
	sleep    func(ctx context.Context, d time.Duration)
}

func NewRouter(outputs OutputStore, registry *device.Registry, bridge MediaBridge, opts Options, logger zerolog.Logger, metrics *observability.Metrics) *Router {
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 3 * time.Second
	}
	if opts.PCMBytesPerSec <= 0 {
		opts.PCMBytesPerSec = 32000
	}
	if opts.RestoreMargin <= 0 {
		opts.RestoreMargin = time.Second
	}
	if opts.VolumeTolerance <= 0 {
		opts.VolumeTolerance = 0.01
	}
	return &Router{
		outputs:  outputs,
		registry: registry,
		bridge:   bridge,
		opts:     opts,
		logger:   logger.With().Str("component", "router").Logger(),
		metrics:  metrics,
		sleep: func(ctx context.Context, d time.Duration) {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
			case <-t.C:
			}
		},
	}
}

// Route walks the room's configured sinks in priority order and returns the
// first usable one. A busy sink qualifies only when it allows interruption.
// With no usable sink the decision falls back to the capturing device, or
// carries an empty target when there is none.
func (r *Router) Route(ctx context.Context, roomID int64, outputType, inputDeviceID string) (Decision, error) {
	sinks, err := r.outputs.EnabledOutputs(ctx, roomID, outputType)
	if err != nil {
		return Decision{}, err
	}

	for i := range sinks {
		sink := sinks[i]
		var targetType, targetID string
		if sink.LocalDeviceID != "" {
			targetType, targetID = TargetLocal, sink.LocalDeviceID
		} else {
			targetType, targetID = TargetBridge, sink.BridgeEntityID
		}
		availability := r.probe(ctx, targetType, targetID, outputType)
		r.countDecision(targetType, availability)

		switch availability {
		case AvailabilityAvailable:
			return Decision{
				OutputDevice: &sink,
				TargetID:     targetID,
				TargetType:   targetType,
				Availability: availability,
				Reason:       "available",
			}, nil
		case AvailabilityBusy:
			if sink.AllowInterruption {
				return Decision{
					OutputDevice: &sink,
					TargetID:     targetID,
					TargetType:   targetType,
					Availability: availability,
					Reason:       "busy_interruptible",
				}, nil
			}
		}
	}

	if inputDeviceID != "" {
		if _, ok := r.registry.Get(inputDeviceID); ok {
			r.countDecision(TargetLocal, "fallback")
			return Decision{
				TargetID:        inputDeviceID,
				TargetType:      TargetLocal,
				Availability:    AvailabilityAvailable,
				FallbackToInput: true,
				Reason:          "fallback_to_input",
			}, nil
		}
	}
	r.countDecision("none", "suppressed")
	return Decision{Reason: "no_output_available"}, nil
}

func (r *Router) probe(ctx context.Context, targetType, targetID, outputType string) string {
	switch targetType {
	case TargetLocal:
		d, ok := r.registry.Get(targetID)
		if !ok {
			return AvailabilityUnavailable
		}
		switch outputType {
		case store.OutputAudio:
			if !d.Capabilities.Speaker {
				return AvailabilityUnavailable
			}
		case store.OutputVisual:
			if !d.Capabilities.Display {
				return AvailabilityUnavailable
			}
		}
		switch d.State {
		case device.StateIdle, device.StateProcessing, device.StateListening:
			return AvailabilityAvailable
		default:
			return AvailabilityBusy
		}
	case TargetBridge:
		if r.bridge == nil {
			return AvailabilityUnavailable
		}
		probeCtx, cancel := context.WithTimeout(ctx, r.opts.ProbeTimeout)
		defer cancel()
		state, err := r.bridge.PlayerState(probeCtx, targetID)
		if err != nil {
			r.logger.Warn().Err(err).Str("entity", targetID).Msg("bridge probe failed")
			return AvailabilityUnavailable
		}
		switch state {
		case "idle", "paused", "standby", "on":
			return AvailabilityAvailable
		case "playing", "buffering":
			return AvailabilityBusy
		case "off":
			return AvailabilityOff
		default:
			return AvailabilityUnavailable
		}
	}
	return AvailabilityUnavailable
}

// ApplyVolume sets the sink's configured TTS volume before playback and
// schedules a restore of the previous volume once playback should be done.
// The restore runs detached; its failure is only logged.
func (r *Router) ApplyVolume(ctx context.Context, d Decision, audioBytes int) {
	if d.TargetType != TargetBridge || d.OutputDevice == nil || d.OutputDevice.TTSVolume == nil || r.bridge == nil {
		return
	}
	entity := d.TargetID
	want := *d.OutputDevice.TTSVolume

	probeCtx, cancel := context.WithTimeout(ctx, r.opts.ProbeTimeout)
	current, err := r.bridge.PlayerVolume(probeCtx, entity)
	cancel()
	if err != nil {
		r.logger.Warn().Err(err).Str("entity", entity).Msg("volume read failed")
		return
	}
	diff := current - want
	if diff < 0 {
		diff = -diff
	}
	if diff < r.opts.VolumeTolerance {
		return
	}

	setCtx, cancel := context.WithTimeout(ctx, r.opts.ProbeTimeout)
	err = r.bridge.SetPlayerVolume(setCtx, entity, want)
	cancel()
	if err != nil {
		r.logger.Warn().Err(err).Str("entity", entity).Msg("volume set failed")
		return
	}

	playback := time.Duration(audioBytes) * time.Second / time.Duration(r.opts.PCMBytesPerSec)
	delay := playback + r.opts.RestoreMargin
	go func() {
		r.sleep(context.Background(), delay)
		restoreCtx, cancel := context.WithTimeout(context.Background(), r.opts.ProbeTimeout)
		defer cancel()
		if err := r.bridge.SetPlayerVolume(restoreCtx, entity, current); err != nil {
			r.logger.Warn().Err(err).Str("entity", entity).Msg("volume restore failed")
		}
	}()
}

func (r *Router) countDecision(targetType, availability string) {
	if r.metrics != nil {
		r.metrics.RouterDecisions.WithLabelValues(targetType, availability).Inc()
	}
}
