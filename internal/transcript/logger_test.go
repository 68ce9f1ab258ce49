package transcript

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestFileLoggerWritesPerSessionNDJSON(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	logger, err := New(Config{
		Enabled:   true,
		Dir:       dir,
		QueueSize: 16,
	}, slog.Default())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer func() { _ = logger.Close() }()

	logger.Log(Event{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		UserID:    "anon_abc",
		SessionID: "sess-1",
		EventType: "turn",
		Role:      "user",
		Text:      "do you have a minute?",
		TurnCount: 1,
	})

	path := filepath.Join(dir, "anon_abc", "sess-1.ndjson")
	line := waitForLogLine(t, path)
	var got Event
	if err := json.Unmarshal([]byte(line), &got); err != nil {
		t.Fatalf("failed to unmarshal log line: %v", err)
	}
	if got.Text != "do you have a minute?" {
		t.Fatalf("unexpected text: %q", got.Text)
	}
	if got.EventType != "turn" || got.Role != "user" {
		t.Fatalf("unexpected event fields: %+v", got)
	}
}

func TestFileLoggerGlobalFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	globalPath := filepath.Join(dir, "all.ndjson")
	logger, err := New(Config{
		Enabled:       true,
		Dir:           filepath.Join(dir, "sessions"),
		GlobalEnabled: true,
		GlobalPath:    globalPath,
		QueueSize:     16,
	}, slog.Default())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	logger.Log(Event{UserID: "u1", SessionID: "s1", EventType: "session-started"})
	logger.Log(Event{UserID: "u2", SessionID: "s2", EventType: "session-started"})
	if err := logger.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, err := os.ReadFile(globalPath)
	if err != nil {
		t.Fatalf("read global file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("global file has %d lines, want 2", len(lines))
	}
}

func TestFileLoggerCloseDrainsQueue(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	logger, err := New(Config{Enabled: true, Dir: dir, QueueSize: 64}, slog.Default())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	for i := 0; i < 20; i++ {
		logger.Log(Event{UserID: "u1", SessionID: "s1", EventType: "turn", TurnCount: i + 1})
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	// Log after Close is a silent no-op.
	logger.Log(Event{UserID: "u1", SessionID: "s1", EventType: "turn"})

	data, err := os.ReadFile(filepath.Join(dir, "u1", "s1.ndjson"))
	if err != nil {
		t.Fatalf("read session file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 20 {
		t.Fatalf("drained %d lines, want all 20", len(lines))
	}
}

func TestDisabledLoggerIsNop(t *testing.T) {
	t.Parallel()

	logger, err := New(Config{Enabled: false}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, ok := logger.(NopLogger); !ok {
		t.Fatalf("disabled config returned %T, want NopLogger", logger)
	}
	logger.Log(Event{})
	if err := logger.Close(); err != nil {
		t.Fatalf("NopLogger Close = %v", err)
	}
}

func TestSanitizePathComponent(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"anon_abc123", "anon_abc123"},
		{"../../etc/passwd", ".._.._etc_passwd"},
		{"", "unknown"},
		{"sess 1/2", "sess_1_2"},
	}
	for _, tt := range tests {
		if got := sanitizePathComponent(tt.in); got != tt.want {
			t.Fatalf("sanitizePathComponent(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func waitForLogLine(t *testing.T, path string) string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		data, err := os.ReadFile(path)
		if err == nil && len(data) > 0 {
			lines := strings.Split(strings.TrimSpace(string(data)), "\n")
			if len(lines) > 0 {
				return lines[len(lines)-1]
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for log file %s", path)
	return ""
}
