package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/renfield-voice/renfield/internal/agent"
	"github.com/renfield-voice/renfield/internal/bridge"
	"github.com/renfield-voice/renfield/internal/config"
	"github.com/renfield-voice/renfield/internal/device"
	"github.com/renfield-voice/renfield/internal/httpapi"
	"github.com/renfield-voice/renfield/internal/intent"
	"github.com/renfield-voice/renfield/internal/llm"
	"github.com/renfield-voice/renfield/internal/notify"
	"github.com/renfield-voice/renfield/internal/observability"
	"github.com/renfield-voice/renfield/internal/presence"
	"github.com/renfield-voice/renfield/internal/protocol"
	"github.com/renfield-voice/renfield/internal/reliability"
	"github.com/renfield-voice/renfield/internal/routing"
	"github.com/renfield-voice/renfield/internal/schedule"
	"github.com/renfield-voice/renfield/internal/speech"
	"github.com/renfield-voice/renfield/internal/store"
	"github.com/renfield-voice/renfield/internal/ttscache"
	"github.com/renfield-voice/renfield/internal/voice"
	"github.com/renfield-voice/renfield/internal/wakeword"
)

const systemPrompt = `You are Renfield, a household voice assistant. Answer briefly and
conversationally. Use a tool when the user asks for an action; answer in
plain text when no action is needed.`

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	logger := newLogger(cfg)

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	if cfg.DatabaseURL == "" {
		logger.Fatal().Msg("DATABASE_URL is required")
	}
	st, err := store.New(ctx, cfg.DatabaseURL, cfg.EmbeddingDim)
	if err != nil {
		logger.Fatal().Err(err).Msg("store init failed")
	}
	defer st.Close()

	registry := device.NewRegistry(device.Options{
		HeartbeatTimeout:    cfg.HeartbeatTimeout,
		SessionMaxDuration:  cfg.SessionMaxDuration,
		MaxMessageBytes:     cfg.MaxMessageBytes,
		MaxAudioBufferBytes: cfg.MaxAudioBufferBytes(),
	}, metrics, logger)

	fabric := wakeword.NewFabric(st, wakeword.Config{
		Keyword:    cfg.WakewordKeyword,
		Threshold:  cfg.WakewordThreshold,
		CooldownMS: cfg.WakewordCooldownMS,
		Enabled:    cfg.WakewordEnabled,
	}, logger)

	tracker := presence.NewTracker(presence.Options{
		RSSIThreshold:   cfg.PresenceRSSIThreshold,
		StaleTimeout:    cfg.PresenceStaleTimeout,
		HysteresisScans: cfg.PresenceHysteresisScans,
	}, metrics, logger)
	if radios, err := st.ListRadioDevices(ctx); err != nil {
		logger.Warn().Err(err).Msg("radio device load failed, presence starts empty")
	} else {
		known := make([]presence.RadioDevice, 0, len(radios))
		for _, d := range radios {
			known = append(known, presence.RadioDevice{MAC: d.MAC, UserID: d.UserID, UserName: d.UserName})
		}
		tracker.LoadDevices(known)
	}

	var bridgeClient *bridge.Client
	if cfg.BridgeBaseURL != "" {
		bridgeClient = bridge.NewClient(bridge.Config{
			BaseURL:        cfg.BridgeBaseURL,
			Token:          cfg.BridgeToken,
			ServiceTimeout: cfg.BridgeCallTimeout,
			ProbeTimeout:   cfg.RouteProbeTimeout,
		})
	}
	var media routing.MediaBridge
	if bridgeClient != nil {
		media = bridgeClient
	}

	router := routing.NewRouter(st, registry, media, routing.Options{
		ProbeTimeout:   cfg.RouteProbeTimeout,
		PCMBytesPerSec: cfg.BridgePCMBytesPerSec,
		RestoreMargin:  cfg.VolumeRestoreMargin,
	}, logger, metrics)

	var ttsClient *speech.TTS
	if cfg.TTSBaseURL != "" {
		ttsClient = speech.NewTTS(speech.TTSConfig{
			URL:      cfg.TTSBaseURL,
			Language: cfg.Language,
		})
	}
	var synth notify.Synthesizer
	if ttsClient != nil {
		synth = ttsClient
	}

	pipeline := notify.NewPipeline(st, registry, presenceView{tracker}, router, synth, notify.Options{
		DedupWindow:     cfg.DedupWindow,
		TTL:             cfg.NotificationTTL,
		Language:        cfg.Language,
		PresenceEnabled: cfg.PresenceEnabled,
		CacheBaseURL:    cfg.PublicURL,
	}, logger, metrics)

	llmClient := llm.NewClient(llm.Config{
		BaseURL:        cfg.LLMBaseURL,
		Model:          cfg.LLMChatModel,
		EmbeddingModel: cfg.LLMEmbedModel,
	})

	newBreaker := func(name string) *reliability.CircuitBreaker {
		return reliability.NewCircuitBreaker(reliability.BreakerOptions{
			Name:             name,
			FailureThreshold: cfg.BreakerFailureThreshold,
			RecoveryTimeout:  cfg.BreakerRecoveryTimeout,
			HalfOpenMaxCalls: cfg.BreakerHalfOpenMax,
		}, logger, metrics)
	}

	reminderSvc := schedule.NewReminderService(st, pipeline, logger, metrics)
	scheduler := schedule.NewScheduler(st, pipeline, llmClient, logger, metrics)

	tools := intent.NewRegistry()
	if err := registerTools(tools, toolDeps{
		reminders: reminderSvc,
		pipeline:  pipeline,
		st:        st,
		llm:       llmClient,
		bridge:    bridgeClient,
	}); err != nil {
		logger.Fatal().Err(err).Msg("tool registration failed")
	}

	agentRunner := agent.New(llmClient, tools, newBreaker("llm"), agent.Options{
		StepTimeout:   cfg.AgentStepTimeout,
		TotalTimeout:  cfg.AgentTotalTimeout,
		MaxSteps:      cfg.AgentMaxSteps,
		HistoryWindow: cfg.AgentHistoryWindow,
		LoopWindow:    cfg.AgentLoopWindow,
		SystemPrompt:  systemPrompt,
	}, logger)

	var stt voice.Transcriber
	if cfg.STTBaseURL != "" {
		stt = speech.NewSTT(speech.STTConfig{
			URL:      cfg.STTBaseURL,
			Language: cfg.Language,
		})
	}
	var ttsForVoice voice.Synthesizer
	if ttsClient != nil {
		ttsForVoice = ttsClient
	}

	cache, err := ttscache.New(cfg.TTSCacheDir, cfg.TTSCacheMaxAge, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("tts cache init failed")
	}
	if bridgeClient != nil {
		pipeline.SetBridgePlayback(cache, bridgeClient)
	}

	processor := voice.NewProcessor(registry, stt, ttsForVoice, agentRunner, voice.Options{
		Language:     cfg.Language,
		CacheBaseURL: cfg.PublicURL,
	}, logger, metrics)
	processor.SetBreakers(newBreaker("stt"), newBreaker("tts"))
	latency := observability.NewLatencyWindow(256)
	processor.SetLatencyWindow(latency)
	if cfg.SpeakerIDBaseURL != "" {
		processor.SetSpeakerResolver(&speakerResolver{
			client: speech.NewSpeakerID(speech.SpeakerIDConfig{
				URL:       cfg.SpeakerIDBaseURL,
				Threshold: cfg.SpeakerIDThreshold,
			}),
			st: st,
		})
	}
	if bridgeClient != nil {
		processor.SetBridgeOutput(router, cache, bridgeClient)
	}

	if _, ok, err := st.GetSetting(ctx, store.SettingWebhookToken); err != nil {
		logger.Fatal().Err(err).Msg("settings read failed")
	} else if !ok {
		token := uuid.NewString()
		if err := st.SetSetting(ctx, store.SettingWebhookToken, token); err != nil {
			logger.Fatal().Err(err).Msg("webhook token bootstrap failed")
		}
		logger.Info().Msg("webhook token generated, read it from settings or rotate via POST /v1/webhook/token/rotate")
		logger.Debug().Str("token", token).Msg("initial webhook token")
	}

	api := httpapi.New(cfg, registry, fabric, tracker, pipeline, reminderSvc,
		scheduler, st, st, cache, processor, metrics, logger)
	api.SetLatencyWindow(latency)
	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	runCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry.StartReaper(runCtx, cfg.ReaperInterval)
	pipeline.StartCleanup(runCtx, cfg.NotifySweepEvery)

	g, loopCtx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		reminderSvc.Run(loopCtx, cfg.ReminderTick)
		return nil
	})
	g.Go(func() error {
		scheduler.Run(loopCtx, cfg.SchedulerTick)
		return nil
	})
	g.Go(func() error {
		tickEvery(loopCtx, 30*time.Second, tracker.Cleanup)
		return nil
	})
	g.Go(func() error {
		tickEvery(loopCtx, cfg.TTSCacheSweep, func() { cache.Sweep() })
		return nil
	})
	if sources := pendingSources(tools); len(sources) > 0 {
		poller := notify.NewPoller(pipeline, sources, 5*time.Minute, logger)
		g.Go(func() error {
			poller.Run(loopCtx)
			return nil
		})
	}

	go func() {
		logger.Info().Str("addr", cfg.BindAddr).Msg("server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("listen error")
		}
	}()

	<-runCtx.Done()
	logger.Info().Msg("shutdown signal received")

	registry.BroadcastAll(protocol.ServerShutdown{
		Type:    protocol.TypeServerShutdown,
		Message: "server shutting down",
	})

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("graceful shutdown failed")
		_ = httpServer.Close()
	}
	_ = g.Wait()

	logger.Info().Msg("shutdown complete")
}

func newLogger(cfg config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	out := zerolog.New(os.Stderr)
	if cfg.LogPretty {
		out = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	return out.Level(level).With().Timestamp().Logger()
}

func tickEvery(ctx context.Context, interval time.Duration, f func()) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			f()
		}
	}
}

// presenceView narrows the tracker to the occupancy questions the
// notification gate asks.
type presenceView struct {
	tracker *presence.Tracker
}

func (p presenceView) RoomOccupants(roomID int64) []notify.UserPresenceInfo {
	occupants := p.tracker.RoomOccupants(roomID)
	out := make([]notify.UserPresenceInfo, 0, len(occupants))
	for _, o := range occupants {
		out = append(out, notify.UserPresenceInfo{UserID: o.UserID, UserName: o.UserName})
	}
	return out
}

func (p presenceView) IsUserAloneInRoom(userID int64) (alone bool, known bool) {
	return p.tracker.IsUserAloneInRoom(userID)
}

// speakerResolver matches an utterance embedding against the enrolled
// voiceprints in the store.
type speakerResolver struct {
	client *speech.SpeakerID
	st     *store.Store
}

func (r *speakerResolver) IdentifySpeaker(ctx context.Context, pcm []byte) (*speech.Identification, error) {
	embedding, err := r.client.ExtractEmbedding(ctx, pcm)
	if err != nil {
		return nil, err
	}
	prints, err := r.st.ListVoiceprints(ctx)
	if err != nil {
		return nil, err
	}
	enrolled := make([]speech.EnrolledSpeaker, 0, len(prints))
	for _, v := range prints {
		enrolled = append(enrolled, speech.EnrolledSpeaker{
			ID:        v.UserID,
			Name:      v.UserName,
			Alias:     v.Alias,
			Embedding: v.Embedding,
		})
	}
	return r.client.Identify(embedding, enrolled), nil
}
