// Package audio holds the small PCM toolbox shared by the capture pipelines: frame
// decoding, RMS measurement, and the WAV container for standard-format artifacts.
package audio

import (
	"encoding/binary"
	"fmt"
	"math"
)

// SampleRate is the standard artifact sample rate (mono PCM-16).
const SampleRate = 48000

// Decoder turns one raw platform frame into PCM-16 samples. Implementations are owned by
// a single pipeline and need not be safe for concurrent use.
type Decoder interface {
	Decode(frame []byte) ([]int16, error)
	Close() error
}

// PCM16Decoder treats raw frames as little-endian PCM-16, the format the platform fake
// and loopback transports deliver. Real deployments substitute a codec-backed Decoder.
type PCM16Decoder struct{}

func (PCM16Decoder) Decode(frame []byte) ([]int16, error) {
	if len(frame)%2 != 0 {
		return nil, fmt.Errorf("pcm frame length %d is not sample aligned", len(frame))
	}
	samples := make([]int16, len(frame)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(frame[i*2:]))
	}
	return samples, nil
}

func (PCM16Decoder) Close() error { return nil }

// RMS computes the root mean square of a sample window, normalized to 0..1.
func RMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		f := float64(s) / math.MaxInt16
		sum += f * f
	}
	return math.Sqrt(sum / float64(len(samples)))
}
