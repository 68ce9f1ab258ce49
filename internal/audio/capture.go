package audio

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// finalFlushWait bounds how long Stop's partial-chunk flush waits for a slow
// consumer before giving up.
const finalFlushWait = 5 * time.Second

var (
	// ErrNoPermission means the input device exists but access was denied.
	ErrNoPermission = errors.New("audio capture permission denied")
	// ErrDeviceUnavailable means no usable input device could be acquired.
	ErrDeviceUnavailable = errors.New("audio input device unavailable")
)

// Source is an acquired audio input producing 16-bit LE PCM. Opening the
// underlying device (and mapping OS-level permission errors to
// ErrNoPermission / ErrDeviceUnavailable) is the caller's concern; a file or
// stdin works the same way in tests and the CLI client.
type Source interface {
	io.ReadCloser
}

// Chunk is one fixed-interval slice of captured audio.
type Chunk struct {
	Data      []byte
	Level     float64
	Timestamp time.Time
}

// CaptureOptions configures a capture session.
type CaptureOptions struct {
	// Interval is the chunk emission cadence. Default 250ms.
	Interval time.Duration
	// OnVolume, if set, is called on every tick with the current input
	// level (0.0-1.0), including while muted.
	OnVolume func(level float64)
	// ReadSize is the size of individual reads from the source. Default 4KB.
	ReadSize int
}

// Capture owns an acquired Source and emits whatever audio accumulated since
// the previous tick as a Chunk on a fixed interval. Muting suppresses chunk
// emission but keeps the device and the volume meter running.
type Capture struct {
	src      Source
	interval time.Duration
	onVolume func(float64)
	readSize int

	chunks chan Chunk
	done   chan struct{}

	muted    atomic.Bool
	stopOnce sync.Once

	mu      sync.Mutex
	pending []byte
	readErr error
}

// StartCapture begins reading from src and emitting chunks.
// The source is released when Stop is called or the source drains.
func StartCapture(src Source, opts CaptureOptions) (*Capture, error) {
	if src == nil {
		return nil, ErrDeviceUnavailable
	}
	if opts.Interval <= 0 {
		opts.Interval = 250 * time.Millisecond
	}
	if opts.ReadSize <= 0 {
		opts.ReadSize = 4096
	}

	c := &Capture{
		src:      src,
		interval: opts.Interval,
		onVolume: opts.OnVolume,
		readSize: opts.ReadSize,
		chunks:   make(chan Chunk, 16),
		done:     make(chan struct{}),
	}

	go c.readLoop()
	go c.tickLoop()

	return c, nil
}

// Chunks returns the channel of captured chunks. It is closed after Stop,
// once the final partial chunk has been flushed.
func (c *Capture) Chunks() <-chan Chunk {
	return c.chunks
}

// SetMuted enables or disables chunk emission without releasing the device.
func (c *Capture) SetMuted(muted bool) {
	c.muted.Store(muted)
}

// Muted reports the current mute state.
func (c *Capture) Muted() bool {
	return c.muted.Load()
}

// Stop flushes any partial chunk and releases the source. Safe to call more
// than once and safe to call after the source has already drained.
func (c *Capture) Stop() {
	c.stopOnce.Do(func() {
		close(c.done)
		// Closing the source unblocks a pending Read.
		_ = c.src.Close()
	})
}

// Err returns the terminal read error, if any, once Chunks is closed.
// A clean drain (io.EOF) reports nil.
func (c *Capture) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readErr
}

func (c *Capture) readLoop() {
	buf := make([]byte, c.readSize)
	for {
		n, err := c.src.Read(buf)
		if n > 0 {
			c.mu.Lock()
			c.pending = append(c.pending, buf[:n]...)
			c.mu.Unlock()
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				c.mu.Lock()
				if c.readErr == nil {
					select {
					case <-c.done:
						// Expected: Stop closed the source under us.
					default:
						c.readErr = err
					}
				}
				c.mu.Unlock()
			}
			c.Stop()
			return
		}
	}
}

func (c *Capture) tickLoop() {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	defer close(c.chunks)

	for {
		select {
		case <-ticker.C:
			c.emit(false)
		case <-c.done:
			// Final flush of whatever accumulated before Stop.
			c.emit(true)
			return
		}
	}
}

func (c *Capture) emit(final bool) {
	c.mu.Lock()
	data := c.pending
	c.pending = nil
	c.mu.Unlock()

	level := RMSLevel(data)
	if c.onVolume != nil {
		c.onVolume(level)
	}

	if len(data) == 0 || c.muted.Load() {
		return
	}

	chunk := Chunk{Data: data, Level: level, Timestamp: time.Now()}
	if final {
		// The stop flush must reach the consumer even if the buffer is
		// full; bound the wait so a vanished consumer cannot wedge the
		// tick goroutine forever.
		t := time.NewTimer(finalFlushWait)
		defer t.Stop()
		select {
		case c.chunks <- chunk:
		case <-t.C:
			slog.Warn("Dropped final audio chunk, consumer stalled", "bytes", len(chunk.Data))
		}
		return
	}
	select {
	case c.chunks <- chunk:
	case <-c.done:
	}
}
