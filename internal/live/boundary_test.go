package live

import (
	"testing"
	"time"
)

func TestSilenceDetectorClosesAfterTrailingSilence(t *testing.T) {
	t.Parallel()

	d := NewSilenceDetector(SilenceDetectorConfig{
		Threshold:     0.015,
		SilenceWindow: 900 * time.Millisecond,
		MaxUtterance:  15 * time.Second,
	})
	base := time.Now()

	// Leading silence never closes an utterance.
	for i := 0; i < 20; i++ {
		if d.Observe(0.001, base.Add(time.Duration(i)*250*time.Millisecond)) {
			t.Fatal("silence before any speech must not close an utterance")
		}
	}

	// Speech starts.
	at := base.Add(5 * time.Second)
	if d.Observe(0.2, at) {
		t.Fatal("first voiced chunk should not close the utterance")
	}

	// Silence shorter than the window keeps the utterance open.
	if d.Observe(0.001, at.Add(500*time.Millisecond)) {
		t.Fatal("closed before the silence window elapsed")
	}
	// Window elapses.
	if !d.Observe(0.001, at.Add(1*time.Second)) {
		t.Fatal("expected close after the silence window")
	}
}

func TestSilenceDetectorVoicedResetsSilenceWindow(t *testing.T) {
	t.Parallel()

	d := NewSilenceDetector(SilenceDetectorConfig{
		Threshold:     0.015,
		SilenceWindow: 900 * time.Millisecond,
		MaxUtterance:  15 * time.Second,
	})
	base := time.Now()

	d.Observe(0.2, base)
	d.Observe(0.001, base.Add(800*time.Millisecond))
	// Speech resumes just before the window elapses.
	d.Observe(0.2, base.Add(850*time.Millisecond))
	if d.Observe(0.001, base.Add(1600*time.Millisecond)) {
		t.Fatal("silence window must restart after renewed speech")
	}
	if !d.Observe(0.001, base.Add(1800*time.Millisecond)) {
		t.Fatal("expected close once trailing silence reaches the window again")
	}
}

func TestSilenceDetectorMaxUtterance(t *testing.T) {
	t.Parallel()

	d := NewSilenceDetector(SilenceDetectorConfig{
		Threshold:     0.015,
		SilenceWindow: 900 * time.Millisecond,
		MaxUtterance:  2 * time.Second,
	})
	base := time.Now()

	// Continuous speech with no silence at all.
	d.Observe(0.2, base)
	if d.Observe(0.2, base.Add(time.Second)) {
		t.Fatal("closed before the utterance cap")
	}
	if !d.Observe(0.2, base.Add(2*time.Second)) {
		t.Fatal("expected forced close at the utterance cap")
	}
}

func TestSilenceDetectorReset(t *testing.T) {
	t.Parallel()

	d := NewSilenceDetector(SilenceDetectorConfig{SilenceWindow: 100 * time.Millisecond})
	base := time.Now()
	d.Observe(0.2, base)
	d.Reset()

	// After reset, silence alone must not close.
	if d.Observe(0.001, base.Add(time.Hour)) {
		t.Fatal("reset detector treated stale speech as current")
	}
}

func TestWindowDetector(t *testing.T) {
	t.Parallel()

	d := NewWindowDetector(time.Second)
	base := time.Now()
	if d.Observe(0.5, base) {
		t.Fatal("first observation should open the window, not close it")
	}
	if d.Observe(0, base.Add(500*time.Millisecond)) {
		t.Fatal("closed before the window elapsed")
	}
	if !d.Observe(0, base.Add(time.Second)) {
		t.Fatal("expected close at the window boundary")
	}

	d.Reset()
	if d.Observe(0, base.Add(2*time.Second)) {
		t.Fatal("reset detector should start a fresh window")
	}
}
