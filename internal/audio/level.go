// Package audio provides PCM capture, chunking and buffering primitives for
// the roleplay engine. All audio is 16-bit signed little-endian PCM.
package audio

import (
	"math"
)

// RMSLevel computes the root-mean-square energy of PCM audio.
// Returns a value between 0.0 and 1.0.
func RMSLevel(pcm []byte) float64 {
	samples := len(pcm) / 2
	if samples == 0 {
		return 0
	}

	var sum float64
	for i := 0; i < len(pcm)-1; i += 2 {
		sample := int16(pcm[i]) | int16(pcm[i+1])<<8
		normalized := float64(sample) / 32768.0
		sum += normalized * normalized
	}

	return math.Sqrt(sum / float64(samples))
}

// PeakLevel returns the maximum absolute amplitude in the PCM data.
// Returns a value between 0.0 and 1.0.
func PeakLevel(pcm []byte) float64 {
	if len(pcm) < 2 {
		return 0
	}

	var maxAbs float64
	for i := 0; i < len(pcm)-1; i += 2 {
		sample := int16(pcm[i]) | int16(pcm[i+1])<<8
		// float64 avoids overflow when negating -32768.
		abs := math.Abs(float64(sample))
		if abs > maxAbs {
			maxAbs = abs
		}
	}

	return maxAbs / 32768.0
}

// DurationMs returns the duration in milliseconds of PCM audio at the given
// mono sample rate.
func DurationMs(byteLen, sampleRate int) int {
	if sampleRate <= 0 {
		return 0
	}
	samples := byteLen / 2
	return samples * 1000 / sampleRate
}
