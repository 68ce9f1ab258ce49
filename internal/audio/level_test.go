package audio

import (
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

func TestRMSLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		samples []int16
		want    float64
	}{
		{"empty", nil, 0},
		{"silence", []int16{0, 0, 0, 0}, 0},
		{"full scale", []int16{-32768, -32768}, 1.0},
		{"half scale", []int16{16384, -16384}, 0.5},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := RMSLevel(pcmFromSamples(tt.samples))
			if math.Abs(got-tt.want) > 0.001 {
				t.Fatalf("RMSLevel = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPeakLevel(t *testing.T) {
	t.Parallel()

	pcm := pcmFromSamples([]int16{100, -8192, 300})
	got := PeakLevel(pcm)
	want := 8192.0 / 32768.0
	if math.Abs(got-want) > 0.001 {
		t.Fatalf("PeakLevel = %v, want %v", got, want)
	}

	if PeakLevel(nil) != 0 {
		t.Fatal("PeakLevel of empty input should be 0")
	}

	// -32768 must not overflow when negated.
	if got := PeakLevel(pcmFromSamples([]int16{-32768})); got != 1.0 {
		t.Fatalf("PeakLevel of min sample = %v, want 1.0", got)
	}
}

func TestDurationMs(t *testing.T) {
	t.Parallel()

	// One second of 16kHz mono 16-bit audio is 32000 bytes.
	if got := DurationMs(32000, 16000); got != 1000 {
		t.Fatalf("DurationMs = %d, want 1000", got)
	}
	if got := DurationMs(8000, 16000); got != 250 {
		t.Fatalf("DurationMs = %d, want 250", got)
	}
	if got := DurationMs(32000, 0); got != 0 {
		t.Fatalf("DurationMs with zero rate = %d, want 0", got)
	}
}
