// Package transcript writes per-session NDJSON transcript logs. This is an
// audit sink beside the durable store: best-effort, asynchronous, and never
// allowed to block or fail a turn cycle.
package transcript

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
)

// Config controls transcript logging.
type Config struct {
	Enabled bool
	// Dir is the root directory; events land in Dir/<userID>/<sessionID>.ndjson.
	Dir string
	// GlobalEnabled additionally appends every event to GlobalPath.
	GlobalEnabled bool
	GlobalPath    string
	// QueueSize bounds the async queue. Events beyond it are dropped and counted.
	QueueSize int
}

// Event is one NDJSON transcript line.
type Event struct {
	Timestamp string         `json:"ts"`
	UserID    string         `json:"user_id"`
	SessionID string         `json:"session_id"`
	EventType string         `json:"event_type"`
	Role      string         `json:"role,omitempty"`
	Text      string         `json:"text,omitempty"`
	TurnCount int            `json:"turn_count,omitempty"`
	AudioRef  string         `json:"audio_ref,omitempty"`
	Meta      map[string]any `json:"meta,omitempty"`
}

// Logger is the transcript sink interface consumed by the engine.
type Logger interface {
	Log(event Event)
	Close() error
}

// NopLogger discards all events.
type NopLogger struct{}

// Log implements Logger.
func (NopLogger) Log(Event) {}

// Close implements Logger.
func (NopLogger) Close() error { return nil }

// FileLogger writes events asynchronously to per-session NDJSON files.
type FileLogger struct {
	cfg    Config
	logger *slog.Logger

	queue     chan Event
	wg        sync.WaitGroup
	closeOnce sync.Once
	dropped   atomic.Int64

	// closeMu serializes Log against Close so the queue is never written
	// after it is closed.
	closeMu sync.RWMutex
	closed  bool

	global *os.File
}

// New creates a transcript logger. Returns a NopLogger when disabled.
func New(cfg Config, logger *slog.Logger) (Logger, error) {
	if !cfg.Enabled {
		return NopLogger{}, nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("create transcript dir: %w", err)
	}

	l := &FileLogger{
		cfg:    cfg,
		logger: logger,
		queue:  make(chan Event, cfg.QueueSize),
	}

	if cfg.GlobalEnabled {
		if err := os.MkdirAll(filepath.Dir(cfg.GlobalPath), 0755); err != nil {
			return nil, fmt.Errorf("create global transcript dir: %w", err)
		}
		f, err := os.OpenFile(cfg.GlobalPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("open global transcript file: %w", err)
		}
		l.global = f
	}

	l.wg.Add(1)
	go l.writeLoop()

	return l, nil
}

// Log enqueues an event. Drops (and counts) when the queue is full so a slow
// disk can never stall a session.
func (l *FileLogger) Log(event Event) {
	l.closeMu.RLock()
	defer l.closeMu.RUnlock()
	if l.closed {
		return
	}
	select {
	case l.queue <- event:
	default:
		n := l.dropped.Add(1)
		if n%100 == 1 {
			l.logger.Warn("transcript log queue full, dropping events", "dropped_total", n)
		}
	}
}

// Close drains the queue and closes open files.
func (l *FileLogger) Close() error {
	l.closeOnce.Do(func() {
		l.closeMu.Lock()
		l.closed = true
		close(l.queue)
		l.closeMu.Unlock()
	})
	l.wg.Wait()
	if l.global != nil {
		return l.global.Close()
	}
	return nil
}

func (l *FileLogger) writeLoop() {
	defer l.wg.Done()
	for event := range l.queue {
		l.write(event)
	}
}

func (l *FileLogger) write(event Event) {
	line, err := json.Marshal(event)
	if err != nil {
		l.logger.Warn("failed to marshal transcript event", "error", err)
		return
	}
	line = append(line, '\n')

	dir := filepath.Join(l.cfg.Dir, sanitizePathComponent(event.UserID))
	if err := os.MkdirAll(dir, 0755); err != nil {
		l.logger.Warn("failed to create transcript session dir", "error", err)
		return
	}
	path := filepath.Join(dir, sanitizePathComponent(event.SessionID)+".ndjson")
	if err := appendFile(path, line); err != nil {
		l.logger.Warn("failed to append transcript event", "path", path, "error", err)
	}

	if l.global != nil {
		if _, err := l.global.Write(line); err != nil {
			l.logger.Warn("failed to append global transcript event", "error", err)
		}
	}
}

// Dropped returns how many events were discarded due to a full queue.
func (l *FileLogger) Dropped() int64 {
	return l.dropped.Load()
}

func appendFile(path string, line []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(line)
	return err
}

// sanitizePathComponent keeps user-supplied IDs from escaping the log dir.
func sanitizePathComponent(s string) string {
	if s == "" {
		return "unknown"
	}
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '-', r == '_', r == '.':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
