package audio

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"
)

func pcmFromSamples(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

func samplesFromPCM(t *testing.T, pcm []byte) []int16 {
	t.Helper()
	if len(pcm)%2 != 0 {
		t.Fatalf("odd pcm length %d", len(pcm))
	}
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}

func TestNormalizePreservesLength(t *testing.T) {
	p := NewPreprocessor()
	for _, n := range []int{0, 1, 7, 160, 1024} {
		samples := make([]int16, n)
		for i := range samples {
			samples[i] = int16(1000 * math.Sin(float64(i)/10))
		}
		in := pcmFromSamples(samples)
		out, err := p.Normalize(in)
		if err != nil {
			t.Fatalf("normalize: %v", err)
		}
		if len(out) != len(in) {
			t.Fatalf("length changed: in %d out %d", len(in), len(out))
		}
	}
}

func TestNormalizeLeavesSilenceUntouched(t *testing.T) {
	p := NewPreprocessor()
	silence := pcmFromSamples(make([]int16, 320))
	out, err := p.Normalize(silence)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if !bytes.Equal(out, silence) {
		t.Fatal("silence was modified")
	}

	// Low-level noise under the floor also passes through.
	quiet := make([]int16, 320)
	for i := range quiet {
		quiet[i] = int16((i % 3) - 1)
	}
	in := pcmFromSamples(quiet)
	out, err = p.Normalize(in)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if !bytes.Equal(out, in) {
		t.Fatal("sub-floor audio was modified")
	}
}

func TestNormalizeRaisesQuietSpeech(t *testing.T) {
	p := NewPreprocessor()
	samples := make([]int16, 1600)
	for i := range samples {
		samples[i] = int16(500 * math.Sin(float64(i)/8))
	}
	out, err := p.Normalize(pcmFromSamples(samples))
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	got := samplesFromPCM(t, out)
	var sumSq float64
	for _, s := range got {
		sumSq += float64(s) * float64(s)
	}
	rms := math.Sqrt(sumSq / float64(len(got)))
	if math.Abs(rms-p.TargetRMS) > p.TargetRMS*0.05 {
		t.Fatalf("rms after normalize = %.1f, want about %.1f", rms, p.TargetRMS)
	}
}

func TestNormalizeRejectsOddLength(t *testing.T) {
	p := NewPreprocessor()
	if _, err := p.Normalize([]byte{1, 2, 3}); err != ErrOddLength {
		t.Fatalf("got %v, want ErrOddLength", err)
	}
}

func TestBeamformZeroSteeringAveragesChannels(t *testing.T) {
	// Frames: (100, 300), (-200, 400), (0, 0), (1000, -1000)
	stereo := pcmFromSamples([]int16{100, 300, -200, 400, 0, 0, 1000, -1000})
	b := &Beamformer{}
	mono, err := b.ProcessBytes(stereo)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	got := samplesFromPCM(t, mono)
	want := []int16{200, 100, 0, 0}
	if len(got) != len(want) {
		t.Fatalf("got %d samples, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sample %d = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestBeamformPreservesSampleCount(t *testing.T) {
	for _, frames := range []int{0, 1, 99, 480} {
		stereo := make([]byte, frames*4)
		for _, delay := range []int{0, 2, -3} {
			b := &Beamformer{SteeringDelay: delay}
			mono, err := b.ProcessBytes(stereo)
			if err != nil {
				t.Fatalf("process: %v", err)
			}
			if len(mono) != frames*2 {
				t.Fatalf("frames=%d delay=%d: got %d bytes, want %d", frames, delay, len(mono), frames*2)
			}
		}
	}
}

func TestBeamformRejectsUnalignedInput(t *testing.T) {
	b := &Beamformer{}
	if _, err := b.ProcessBytes(make([]byte, 6)); err != ErrOddLength {
		t.Fatalf("got %v, want ErrOddLength", err)
	}
}

func TestEncodeWAVHeader(t *testing.T) {
	pcm := pcmFromSamples([]int16{1, 2, 3, 4})
	wav, err := EncodeWAVPCM16LE(pcm, 16000)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(wav) != 44+len(pcm) {
		t.Fatalf("wav length %d, want %d", len(wav), 44+len(pcm))
	}
	if string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		t.Fatal("missing RIFF/WAVE magic")
	}
	if rate := binary.LittleEndian.Uint32(wav[24:28]); rate != 16000 {
		t.Fatalf("sample rate %d, want 16000", rate)
	}
	if !bytes.Equal(wav[44:], pcm) {
		t.Fatal("payload mismatch")
	}
}
