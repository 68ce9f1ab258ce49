package audio

import (
	"sync"
)

// Accumulator buffers audio chunks for one session until an utterance
// boundary is reached. The buffer is bounded: an append that would push it
// past the cap returns the entire pending utterance (buffered bytes plus the
// new chunk) as a forced flush so no tail data is ever dropped.
type Accumulator struct {
	mu  sync.Mutex
	buf []byte
	cap int
}

// NewAccumulator creates an accumulator bounded at capBytes.
// Default cap is 1MB, roughly 32 seconds of 16kHz mono PCM.
func NewAccumulator(capBytes int) *Accumulator {
	if capBytes <= 0 {
		capBytes = 1 << 20
	}
	return &Accumulator{
		buf: make([]byte, 0, capBytes),
		cap: capBytes,
	}
}

// Append adds a chunk. When the buffer would exceed the cap, all pending
// audio including the new chunk is returned with forced=true and the buffer
// is reset; otherwise returns (nil, false).
func (a *Accumulator) Append(p []byte) (flush []byte, forced bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.buf)+len(p) > a.cap {
		flush = make([]byte, 0, len(a.buf)+len(p))
		flush = append(flush, a.buf...)
		flush = append(flush, p...)
		a.buf = a.buf[:0]
		return flush, true
	}

	a.buf = append(a.buf, p...)
	return nil, false
}

// Flush returns all buffered audio and resets the buffer.
func (a *Accumulator) Flush() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.buf) == 0 {
		return nil
	}
	out := make([]byte, len(a.buf))
	copy(out, a.buf)
	a.buf = a.buf[:0]
	return out
}

// Len returns the number of buffered bytes.
func (a *Accumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buf)
}

// Reset discards all buffered audio.
func (a *Accumulator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.buf = a.buf[:0]
}

// Cap returns the configured byte cap.
func (a *Accumulator) Cap() int {
	return a.cap
}
