package live

import (
	"time"
)

// BoundaryDetector decides when the buffered audio for a session is complete
// enough to transcribe. It is a strategy consulted by the orchestrator on
// every ingested chunk; the accumulator byte cap independently guarantees
// forward progress regardless of what a detector returns.
type BoundaryDetector interface {
	// Observe reports whether this chunk closes the current utterance.
	Observe(level float64, at time.Time) bool
	// Reset clears detector state after a flush.
	Reset()
}

// SilenceDetectorConfig tunes the silence-based detector.
type SilenceDetectorConfig struct {
	// Threshold is the RMS level below which a chunk counts as silence.
	Threshold float64
	// SilenceWindow is how much trailing silence after voiced audio closes
	// an utterance.
	SilenceWindow time.Duration
	// MaxUtterance closes an utterance unconditionally once this much time
	// has passed since its first voiced chunk.
	MaxUtterance time.Duration
}

// SilenceDetector closes an utterance after a window of trailing silence
// following at least one voiced chunk, or when the utterance exceeds its
// hard duration limit.
type SilenceDetector struct {
	cfg SilenceDetectorConfig

	voiced     bool
	startedAt  time.Time
	lastVoiced time.Time
}

// NewSilenceDetector creates a silence-based boundary detector.
func NewSilenceDetector(cfg SilenceDetectorConfig) *SilenceDetector {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 0.015
	}
	if cfg.SilenceWindow <= 0 {
		cfg.SilenceWindow = 900 * time.Millisecond
	}
	if cfg.MaxUtterance <= 0 {
		cfg.MaxUtterance = 15 * time.Second
	}
	return &SilenceDetector{cfg: cfg}
}

// Observe implements BoundaryDetector.
func (d *SilenceDetector) Observe(level float64, at time.Time) bool {
	if level >= d.cfg.Threshold {
		if !d.voiced {
			d.voiced = true
			d.startedAt = at
		}
		d.lastVoiced = at
		return at.Sub(d.startedAt) >= d.cfg.MaxUtterance
	}

	// Silence before any speech never closes an utterance.
	if !d.voiced {
		return false
	}
	if at.Sub(d.lastVoiced) >= d.cfg.SilenceWindow {
		return true
	}
	return at.Sub(d.startedAt) >= d.cfg.MaxUtterance
}

// Reset implements BoundaryDetector.
func (d *SilenceDetector) Reset() {
	d.voiced = false
	d.startedAt = time.Time{}
	d.lastVoiced = time.Time{}
}

// WindowDetector closes an utterance after a fixed accumulation window,
// regardless of content. Useful for push-to-talk style clients and tests.
type WindowDetector struct {
	window  time.Duration
	started time.Time
}

// NewWindowDetector creates a fixed-window boundary detector.
func NewWindowDetector(window time.Duration) *WindowDetector {
	if window <= 0 {
		window = 5 * time.Second
	}
	return &WindowDetector{window: window}
}

// Observe implements BoundaryDetector.
func (d *WindowDetector) Observe(_ float64, at time.Time) bool {
	if d.started.IsZero() {
		d.started = at
		return false
	}
	return at.Sub(d.started) >= d.window
}

// Reset implements BoundaryDetector.
func (d *WindowDetector) Reset() {
	d.started = time.Time{}
}
