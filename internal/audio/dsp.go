package audio

import (
	"encoding/binary"
	"errors"
	"math"
)

var ErrOddLength = errors.New("pcm byte length is not sample-aligned")

// Preprocessor applies level normalization to PCM16LE mono audio before
// speech recognition.
type Preprocessor struct {
	// TargetRMS is the desired RMS level in int16 units.
	TargetRMS float64
	// SilenceRMS is the floor below which audio is passed through unchanged.
	SilenceRMS float64
}

func NewPreprocessor() *Preprocessor {
	return &Preprocessor{TargetRMS: 4000, SilenceRMS: 120}
}

// Normalize scales samples toward the target RMS. The output has the same
// byte length as the input, and audio at or below the silence floor comes
// back untouched.
func (p *Preprocessor) Normalize(pcm []byte) ([]byte, error) {
	if len(pcm)%2 != 0 {
		return nil, ErrOddLength
	}
	out := make([]byte, len(pcm))
	copy(out, pcm)

	n := len(pcm) / 2
	if n == 0 {
		return out, nil
	}
	var sumSq float64
	for i := 0; i < n; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
		sumSq += s * s
	}
	rms := math.Sqrt(sumSq / float64(n))
	if rms <= p.SilenceRMS {
		return out, nil
	}

	gain := p.TargetRMS / rms
	for i := 0; i < n; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) * gain
		if s > math.MaxInt16 {
			s = math.MaxInt16
		} else if s < math.MinInt16 {
			s = math.MinInt16
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(s)))
	}
	return out, nil
}

// Beamformer folds interleaved stereo PCM16LE into mono. Steering delays
// the right channel by a whole number of samples before summing; zero
// steering is a plain channel average.
type Beamformer struct {
	// SteeringDelay is the right-channel delay in samples. Negative values
	// delay the left channel instead.
	SteeringDelay int
}

// ProcessBytes converts interleaved stereo frames into mono samples. The
// output holds exactly one sample per input frame.
func (b *Beamformer) ProcessBytes(stereo []byte) ([]byte, error) {
	if len(stereo)%4 != 0 {
		return nil, ErrOddLength
	}
	frames := len(stereo) / 4
	out := make([]byte, frames*2)

	leftDelay, rightDelay := 0, b.SteeringDelay
	if rightDelay < 0 {
		leftDelay, rightDelay = -rightDelay, 0
	}
	sampleAt := func(frame, channel, delay int) float64 {
		idx := frame - delay
		if idx < 0 || idx >= frames {
			return 0
		}
		return float64(int16(binary.LittleEndian.Uint16(stereo[idx*4+channel*2:])))
	}
	for i := 0; i < frames; i++ {
		mixed := (sampleAt(i, 0, leftDelay) + sampleAt(i, 1, rightDelay)) / 2
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(math.Round(mixed))))
	}
	return out, nil
}
