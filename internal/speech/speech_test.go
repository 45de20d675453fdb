package speech

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestTranscribePostsWAVForm(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		if got := r.FormValue("language"); got != "de" {
			t.Fatalf("language %q", got)
		}
		f, _, err := r.FormFile("file")
		if err != nil {
			t.Fatalf("form file: %v", err)
		}
		defer f.Close()
		head := make([]byte, 4)
		f.Read(head)
		if string(head) != "RIFF" {
			t.Fatalf("payload is not wav: %q", head)
		}
		json.NewEncoder(w).Encode(map[string]string{"text": " mach das licht an "})
	}))
	defer srv.Close()

	stt := NewSTT(STTConfig{URL: srv.URL})
	text, err := stt.Transcribe(context.Background(), make([]byte, 320), "de")
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if text != "mach das licht an" {
		t.Fatalf("text %q", text)
	}
}

func TestTranscribeEmptyAudioShortCircuits(t *testing.T) {
	stt := NewSTT(STTConfig{URL: "http://unreachable.invalid"})
	text, err := stt.Transcribe(context.Background(), nil, "")
	if err != nil || text != "" {
		t.Fatalf("got %q %v", text, err)
	}
}

func TestSynthesizeReturnsAudio(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ttsRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Text != "hello" || req.Language != "en" {
			t.Fatalf("request: %+v", req)
		}
		w.Write([]byte("RIFFfake"))
	}))
	defer srv.Close()

	tts := NewTTS(TTSConfig{URL: srv.URL, Language: "en"})
	wav, err := tts.Synthesize(context.Background(), " hello ", "")
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if string(wav) != "RIFFfake" {
		t.Fatalf("audio %q", wav)
	}

	if _, err := tts.Synthesize(context.Background(), "  ", ""); err == nil {
		t.Fatal("empty text accepted")
	}
}

func TestCosineSimilarity(t *testing.T) {
	a := []float32{1, 0, 0}
	if got := CosineSimilarity(a, []float32{1, 0, 0}); math.Abs(got-1) > 1e-9 {
		t.Fatalf("identical vectors: %v", got)
	}
	if got := CosineSimilarity(a, []float32{0, 1, 0}); math.Abs(got) > 1e-9 {
		t.Fatalf("orthogonal vectors: %v", got)
	}
	if got := CosineSimilarity(a, []float32{-1, 0, 0}); math.Abs(got+1) > 1e-9 {
		t.Fatalf("opposite vectors: %v", got)
	}
	if got := CosineSimilarity(a, []float32{1, 0}); got != 0 {
		t.Fatalf("mismatched lengths: %v", got)
	}
	if got := CosineSimilarity(a, []float32{0, 0, 0}); got != 0 {
		t.Fatalf("zero vector: %v", got)
	}
}

func TestIdentifyThresholdAndBestMatch(t *testing.T) {
	sid := NewSpeakerID(SpeakerIDConfig{Threshold: 0.8})
	enrolled := []EnrolledSpeaker{
		{ID: 1, Name: "alice", Embedding: []float32{1, 0, 0}},
		{ID: 2, Name: "bob", Embedding: []float32{0.9, 0.1, 0}},
	}

	got := sid.Identify([]float32{0.9, 0.1, 0}, enrolled)
	if got == nil {
		t.Fatal("no match above threshold")
	}
	if got.ID != 2 {
		t.Fatalf("matched %s, want bob (closer)", got.Name)
	}

	if got := sid.Identify([]float32{0, 0, 1}, enrolled); got != nil {
		t.Fatalf("matched %v below threshold", got)
	}
	if got := sid.Identify([]float32{1, 0, 0}, nil); got != nil {
		t.Fatalf("matched %v with empty enrollment", got)
	}
}
