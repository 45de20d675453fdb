package voice

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/renfield-voice/renfield/internal/agent"
	"github.com/renfield-voice/renfield/internal/audio"
	"github.com/renfield-voice/renfield/internal/device"
	"github.com/renfield-voice/renfield/internal/observability"
	"github.com/renfield-voice/renfield/internal/protocol"
	"github.com/renfield-voice/renfield/internal/reliability"
	"github.com/renfield-voice/renfield/internal/routing"
	"github.com/renfield-voice/renfield/internal/speech"
	"github.com/renfield-voice/renfield/internal/store"
)

// Transcriber converts captured PCM into text.
type Transcriber interface {
	Transcribe(ctx context.Context, pcm []byte, language string) (string, error)
}

// Synthesizer renders reply text as WAV audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, language string) ([]byte, error)
}

// SpeakerResolver names the person behind an utterance. Optional. The
// resolver owns the wire format; it receives the normalized PCM capture.
type SpeakerResolver interface {
	IdentifySpeaker(ctx context.Context, pcm []byte) (*speech.Identification, error)
}

// Responder produces the assistant reply for a transcribed utterance.
type Responder interface {
	Run(ctx context.Context, userText string) agent.Reply
}

// OutputRouter picks a spoken-output sink for devices without a speaker
// and enforces the configured bridge volume before playback.
type OutputRouter interface {
	Route(ctx context.Context, roomID int64, outputType, inputDeviceID string) (routing.Decision, error)
	ApplyVolume(ctx context.Context, d routing.Decision, audioBytes int)
}

// AudioCache stores synthesized audio for URL-based playback.
type AudioCache interface {
	Put(wav []byte) (string, error)
}

// MediaPlayer starts playback of a URL on a bridge entity.
type MediaPlayer interface {
	PlayMedia(ctx context.Context, entityID, mediaURL string) error
}

// Options tunes one processor instance.
type Options struct {
	Language     string
	CacheBaseURL string
	SpeakerIDMax time.Duration
}

// Processor turns a finished audio capture into a spoken reply: preprocess,
// transcribe, identify the speaker, run the agent, synthesize, deliver.
// Every stage failure ends the session with an explicit reason instead of
// leaving the device stuck in processing.
type Processor struct {
	registry *device.Registry
	pre      *audio.Preprocessor
	stt      Transcriber
	tts      Synthesizer
	speakers SpeakerResolver
	agent    Responder
	router   OutputRouter
	cache    AudioCache
	player   MediaPlayer

	sttBreaker *reliability.CircuitBreaker
	ttsBreaker *reliability.CircuitBreaker

	window *observability.LatencyWindow

	opts    Options
	logger  zerolog.Logger
	metrics *observability.Metrics
}

func NewProcessor(
	registry *device.Registry,
	stt Transcriber,
	tts Synthesizer,
	responder Responder,
	opts Options,
	logger zerolog.Logger,
	metrics *observability.Metrics,
) *Processor {
	if opts.SpeakerIDMax <= 0 {
		opts.SpeakerIDMax = 2 * time.Second
	}
	return &Processor{
		registry: registry,
		pre:      audio.NewPreprocessor(),
		stt:      stt,
		tts:      tts,
		agent:    responder,
		opts:     opts,
		logger:   logger.With().Str("component", "voice").Logger(),
		metrics:  metrics,
	}
}

// SetSpeakerResolver enables best-effort speaker identification.
func (p *Processor) SetSpeakerResolver(r SpeakerResolver) { p.speakers = r }

// SetBridgeOutput enables routed playback for speakerless input devices.
func (p *Processor) SetBridgeOutput(router OutputRouter, cache AudioCache, player MediaPlayer) {
	p.router = router
	p.cache = cache
	p.player = player
}

// SetBreakers guards the speech adapters.
func (p *Processor) SetBreakers(stt, tts *reliability.CircuitBreaker) {
	p.sttBreaker = stt
	p.ttsBreaker = tts
}

// SetLatencyWindow enables per-stage latency tracking. Nil-safe.
func (p *Processor) SetLatencyWindow(w *observability.LatencyWindow) { p.window = w }

// ProcessSession runs the full utterance flow for a session whose capture
// has ended. It always terminates the session.
func (p *Processor) ProcessSession(ctx context.Context, sessionID string) {
	sess, ok := p.registry.GetSession(sessionID)
	if !ok {
		return
	}
	log := p.logger.With().Str("session_id", sessionID).Str("device_id", sess.DeviceID).Logger()

	pcm := p.registry.AudioBuffer(sessionID)
	if len(pcm) == 0 {
		log.Debug().Msg("no audio captured")
		_ = p.registry.EndSession(sessionID, device.EndSilence)
		return
	}
	_ = p.registry.SetSessionState(sessionID, device.StateProcessing)
	turnStart := time.Now()

	normalized, err := p.pre.Normalize(pcm)
	if err != nil {
		log.Warn().Err(err).Msg("audio preprocessing failed, using raw capture")
		normalized = pcm
	}

	sttStart := time.Now()
	text, err := p.transcribe(ctx, normalized)
	p.window.Observe("transcribe", time.Since(sttStart))
	if err != nil {
		p.countUpstream("stt", "transcribe_failed")
		log.Error().Err(err).Msg("transcription failed")
		p.registry.SendError(sessionID, "stt_failed", err.Error())
		_ = p.registry.EndSession(sessionID, device.EndError)
		return
	}
	if strings.TrimSpace(text) == "" {
		_ = p.registry.EndSession(sessionID, device.EndSilence)
		return
	}

	speakerName, speakerAlias := p.identifySpeaker(ctx, normalized, log)
	_ = p.registry.SetTranscription(sessionID, text, speakerName, speakerAlias)
	p.registry.SendTranscription(sessionID, text, speakerName, speakerAlias)

	agentStart := time.Now()
	reply := p.agent.Run(ctx, text)
	p.window.Observe("respond", time.Since(agentStart))
	for _, a := range reply.Actions {
		p.registry.SendActionResult(sessionID, a.Intent, a.Success)
	}
	if reply.Degraded {
		p.window.ObserveIndicator("agent_degraded")
		log.Warn().Str("reason", reply.Reason).Msg("agent degraded")
	}
	p.registry.SendResponseText(sessionID, reply.Text, true)

	p.speak(ctx, sess, reply.Text, log)
	p.window.Observe("turn_total", time.Since(turnStart))
	_ = p.registry.EndSession(sessionID, device.EndCompleted)
}

func (p *Processor) transcribe(ctx context.Context, pcm []byte) (string, error) {
	if p.stt == nil {
		return "", fmt.Errorf("no transcriber configured")
	}
	var text string
	run := func() error {
		var err error
		text, err = p.stt.Transcribe(ctx, pcm, p.opts.Language)
		return err
	}
	if p.sttBreaker != nil {
		return text, p.sttBreaker.Do(run)
	}
	return text, run()
}

// identifySpeaker is best effort: failures and low-confidence matches leave
// the utterance anonymous.
func (p *Processor) identifySpeaker(ctx context.Context, pcm []byte, log zerolog.Logger) (name, alias string) {
	if p.speakers == nil {
		return "", ""
	}
	idCtx, cancel := context.WithTimeout(ctx, p.opts.SpeakerIDMax)
	defer cancel()
	ident, err := p.speakers.IdentifySpeaker(idCtx, pcm)
	if err != nil {
		p.countUpstream("speaker_id", "identify_failed")
		log.Debug().Err(err).Msg("speaker identification failed")
		return "", ""
	}
	if ident == nil {
		return "", ""
	}
	return ident.Name, ident.Alias
}

// speak delivers the reply audio. Devices with a speaker get it on their
// own channel; otherwise the room's output chain is consulted and a bridge
// sink plays the audio from the cache URL.
func (p *Processor) speak(ctx context.Context, sess device.Session, text string, log zerolog.Logger) {
	if p.tts == nil || strings.TrimSpace(text) == "" {
		return
	}
	ttsStart := time.Now()
	wav, err := p.synthesize(ctx, text)
	p.window.Observe("synthesize", time.Since(ttsStart))
	if err != nil {
		p.countUpstream("tts", "synthesize_failed")
		log.Warn().Err(err).Msg("synthesis failed, reply stays text-only")
		return
	}

	if d, ok := p.registry.Get(sess.DeviceID); ok && d.Capabilities.Speaker {
		p.registry.SendTTSAudio(sess.ID, wav, true)
		return
	}
	if p.router == nil {
		return
	}

	decision, err := p.router.Route(ctx, sess.RoomID, store.OutputAudio, sess.DeviceID)
	if err != nil || decision.TargetID == "" {
		log.Debug().Err(err).Msg("no spoken output for speakerless device")
		return
	}
	switch decision.TargetType {
	case routing.TargetLocal:
		// The routed device is not the session owner, so the frame goes
		// directly to its channel.
		frame := protocol.TTSAudio{
			Type:        protocol.TypeTTSAudio,
			SessionID:   sess.ID,
			AudioBase64: base64.StdEncoding.EncodeToString(wav),
			IsFinal:     true,
		}
		if err := p.registry.SendTo(decision.TargetID, frame); err != nil {
			log.Debug().Err(err).Str("target_id", decision.TargetID).Msg("routed audio delivery failed")
		}
	case routing.TargetBridge:
		if p.cache == nil || p.player == nil {
			return
		}
		p.router.ApplyVolume(ctx, decision, len(wav))
		id, err := p.cache.Put(wav)
		if err != nil {
			log.Warn().Err(err).Msg("audio cache write failed")
			return
		}
		url := strings.TrimRight(p.opts.CacheBaseURL, "/") + "/v1/tts-cache/" + id
		if err := p.player.PlayMedia(ctx, decision.TargetID, url); err != nil {
			p.countUpstream("bridge", "play_media_failed")
			log.Warn().Err(err).Str("entity_id", decision.TargetID).Msg("bridge playback failed")
		}
	}
}

func (p *Processor) synthesize(ctx context.Context, text string) ([]byte, error) {
	var wav []byte
	run := func() error {
		var err error
		wav, err = p.tts.Synthesize(ctx, text, p.opts.Language)
		return err
	}
	if p.ttsBreaker != nil {
		return wav, p.ttsBreaker.Do(run)
	}
	return wav, run()
}

func (p *Processor) countUpstream(upstream, code string) {
	if p.metrics != nil {
		p.metrics.UpstreamErrors.WithLabelValues(upstream, code).Inc()
	}
}
