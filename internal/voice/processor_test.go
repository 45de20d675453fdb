package voice

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/renfield-voice/renfield/internal/agent"
	"github.com/renfield-voice/renfield/internal/device"
	"github.com/renfield-voice/renfield/internal/protocol"
	"github.com/renfield-voice/renfield/internal/routing"
	"github.com/renfield-voice/renfield/internal/speech"
	"github.com/renfield-voice/renfield/internal/store"
)

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
		switch m := f.(type) {
		case protocol.Transcription:
			if m.Type == t {
				out = append(out, m)
			}
		case protocol.ResponseText:
			if m.Type == t {
				out = append(out, m)
			}
		case protocol.Action:
			if m.Type == t {
				out = append(out, m)
			}
		case protocol.TTSAudio:
			if m.Type == t {
				out = append(out, m)
			}
		case protocol.SessionEnd:
			if m.Type == t {
				out = append(out, m)
			}
		case protocol.ErrorEvent:
			if m.Type == t {
				out = append(out, m)
			}
		}
	}
	return out
}

type fakeSTT struct {
	text  string
	err   error
	calls int
}

func (f *fakeSTT) Transcribe(context.Context, []byte, string) (string, error) {
	f.calls++
	return f.text, f.err
}

type fakeTTS struct {
	wav []byte
	err error
}

func (f *fakeTTS) Synthesize(context.Context, string, string) ([]byte, error) {
	return f.wav, f.err
}

type fakeResponder struct {
	reply agent.Reply
	heard string
}

func (f *fakeResponder) Run(_ context.Context, text string) agent.Reply {
	f.heard = text
	return f.reply
}

type fakeResolver struct{ ident *speech.Identification }

func (f *fakeResolver) IdentifySpeaker(context.Context, []byte) (*speech.Identification, error) {
	return f.ident, nil
}

type fakeRouter struct {
	decision    routing.Decision
	outputType  string
	volumeCalls int
	volumeBytes int
}

func (f *fakeRouter) Route(_ context.Context, _ int64, outputType, _ string) (routing.Decision, error) {
	f.outputType = outputType
	return f.decision, nil
}

func (f *fakeRouter) ApplyVolume(_ context.Context, _ routing.Decision, audioBytes int) {
	f.volumeCalls++
	f.volumeBytes = audioBytes
}

type fakeCache struct{ id string }

func (f *fakeCache) Put([]byte) (string, error) { return f.id, nil }

type fakePlayer struct {
	entity string
	url    string
}

func (f *fakePlayer) PlayMedia(_ context.Context, entityID, mediaURL string) error {
	f.entity = entityID
	f.url = mediaURL
	return nil
}

func newTestRegistry(t *testing.T) *device.Registry {
	t.Helper()
	return device.NewRegistry(device.Options{}, nil, zerolog.Nop())
}

func startCapturedSession(t *testing.T, reg *device.Registry, deviceType device.Type, pcm []byte) (string, *recordingChannel) {
	t.Helper()
	ch := &recordingChannel{}
	_, err := reg.Register(device.RegisterRequest{
		DeviceID: "dev-1",
		Type:     deviceType,
		RoomName: "kitchen",
	}, ch)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	id, err := reg.StartSession("dev-1", device.TriggerInfo{Source: "wakeword"}, "")
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	if len(pcm) > 0 {
		if err := reg.BufferAudio(id, pcm, 0); err != nil {
			t.Fatalf("buffer audio: %v", err)
		}
	}
	return id, ch
}

func somePCM() []byte {
	pcm := make([]byte, 3200)
	for i := 0; i < len(pcm); i += 2 {
		pcm[i] = 0x10
		pcm[i+1] = 0x01
	}
	return pcm
}

func TestProcessSessionHappyPath(t *testing.T) {
	reg := newTestRegistry(t)
	id, ch := startCapturedSession(t, reg, device.TypeSatellite, somePCM())

	responder := &fakeResponder{reply: agent.Reply{
		Text:    "Done, the light is on.",
		Actions: []agent.ActionRecord{{Intent: "core.lights", Success: true}},
	}}
	p := NewProcessor(reg, &fakeSTT{text: "turn on the light"}, &fakeTTS{wav: []byte("RIFFwav")},
		responder, Options{Language: "en"}, zerolog.Nop(), nil)

	p.ProcessSession(context.Background(), id)

	if responder.heard != "turn on the light" {
		t.Fatalf("agent heard %q", responder.heard)
	}
	if got := ch.byType(protocol.TypeTranscription); len(got) != 1 {
		t.Fatalf("transcription frames: %d", len(got))
	}
	if got := ch.byType(protocol.TypeAction); len(got) != 1 {
		t.Fatalf("action frames: %d", len(got))
	}
	texts := ch.byType(protocol.TypeResponseText)
	if len(texts) != 1 || !texts[0].(protocol.ResponseText).IsFinal {
		t.Fatalf("response frames: %+v", texts)
	}
	if got := ch.byType(protocol.TypeTTSAudio); len(got) != 1 {
		t.Fatalf("tts frames: %d", len(got))
	}
	ends := ch.byType(protocol.TypeSessionEnd)
	if len(ends) != 1 || ends[0].(protocol.SessionEnd).Reason != device.EndCompleted {
		t.Fatalf("session end: %+v", ends)
	}
	if _, ok := reg.GetSession(id); ok {
		t.Fatal("session still live after processing")
	}
}

func TestProcessSessionEmptyCaptureEndsWithSilence(t *testing.T) {
	reg := newTestRegistry(t)
	id, ch := startCapturedSession(t, reg, device.TypeSatellite, nil)

	stt := &fakeSTT{text: "should not run"}
	p := NewProcessor(reg, stt, nil, &fakeResponder{}, Options{}, zerolog.Nop(), nil)
	p.ProcessSession(context.Background(), id)

	if stt.calls != 0 {
		t.Fatal("transcriber called for empty capture")
	}
	ends := ch.byType(protocol.TypeSessionEnd)
	if len(ends) != 1 || ends[0].(protocol.SessionEnd).Reason != device.EndSilence {
		t.Fatalf("session end: %+v", ends)
	}
}

func TestProcessSessionSTTFailure(t *testing.T) {
	reg := newTestRegistry(t)
	id, ch := startCapturedSession(t, reg, device.TypeSatellite, somePCM())

	p := NewProcessor(reg, &fakeSTT{err: errors.New("upstream down")}, nil,
		&fakeResponder{}, Options{}, zerolog.Nop(), nil)
	p.ProcessSession(context.Background(), id)

	if got := ch.byType(protocol.TypeError); len(got) != 1 {
		t.Fatalf("error frames: %d", len(got))
	}
	ends := ch.byType(protocol.TypeSessionEnd)
	if len(ends) != 1 || ends[0].(protocol.SessionEnd).Reason != device.EndError {
		t.Fatalf("session end: %+v", ends)
	}
}

func TestProcessSessionBlankTranscriptEndsWithSilence(t *testing.T) {
	reg := newTestRegistry(t)
	id, ch := startCapturedSession(t, reg, device.TypeSatellite, somePCM())

	p := NewProcessor(reg, &fakeSTT{text: "   "}, nil, &fakeResponder{}, Options{}, zerolog.Nop(), nil)
	p.ProcessSession(context.Background(), id)

	ends := ch.byType(protocol.TypeSessionEnd)
	if len(ends) != 1 || ends[0].(protocol.SessionEnd).Reason != device.EndSilence {
		t.Fatalf("session end: %+v", ends)
	}
}

func TestProcessSessionCarriesSpeakerIdentity(t *testing.T) {
	reg := newTestRegistry(t)
	id, ch := startCapturedSession(t, reg, device.TypeSatellite, somePCM())

	p := NewProcessor(reg, &fakeSTT{text: "hello"}, nil,
		&fakeResponder{reply: agent.Reply{Text: "hi"}}, Options{}, zerolog.Nop(), nil)
	p.SetSpeakerResolver(&fakeResolver{ident: &speech.Identification{Name: "Mina", Alias: "mina"}})
	p.ProcessSession(context.Background(), id)

	frames := ch.byType(protocol.TypeTranscription)
	if len(frames) != 1 {
		t.Fatalf("transcription frames: %d", len(frames))
	}
	tr := frames[0].(protocol.Transcription)
	if tr.SpeakerName != "Mina" || tr.SpeakerAlias != "mina" {
		t.Fatalf("speaker: %+v", tr)
	}
}

func TestSpeakerlessDevicePlaysThroughBridge(t *testing.T) {
	reg := newTestRegistry(t)
	id, _ := startCapturedSession(t, reg, device.TypeWebKiosk, somePCM())

	cache := &fakeCache{id: "11111111-2222-4333-8444-555555555555"}
	player := &fakePlayer{}
	router := &fakeRouter{decision: routing.Decision{
		TargetID:   "media_player.kitchen",
		TargetType: routing.TargetBridge,
	}}
	p := NewProcessor(reg, &fakeSTT{text: "what is the weather"}, &fakeTTS{wav: []byte("RIFFwav")},
		&fakeResponder{reply: agent.Reply{Text: "Sunny."}},
		Options{CacheBaseURL: "http://renfield.local:8080"}, zerolog.Nop(), nil)
	p.SetBridgeOutput(router, cache, player)

	p.ProcessSession(context.Background(), id)

	if router.outputType != store.OutputAudio {
		t.Fatalf("router asked for output type %q, want %q", router.outputType, store.OutputAudio)
	}
	if router.volumeCalls != 1 || router.volumeBytes != len("RIFFwav") {
		t.Fatalf("volume discipline: %d calls with %d bytes", router.volumeCalls, router.volumeBytes)
	}
	if player.entity != "media_player.kitchen" {
		t.Fatalf("played on %q", player.entity)
	}
	want := "http://renfield.local:8080/v1/tts-cache/" + cache.id
	if player.url != want {
		t.Fatalf("media url %q, want %q", player.url, want)
	}
	if !strings.HasPrefix(player.url, "http://") {
		t.Fatalf("url scheme: %q", player.url)
	}
}
