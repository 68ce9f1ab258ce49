// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	DBPath      string
	MediaDir    string
	Session     SessionConfig
	Audio       AudioConfig
	Backend     BackendConfig
	Transcript  TranscriptLogConfig
}

// SessionConfig controls session lifecycle policy.
type SessionConfig struct {
	// IdleTimeout is how long a session may go without voiced audio before
	// it is warned with session-ending.
	IdleTimeout time.Duration
	// IdleGrace is how long after the idle warning the session is ended.
	IdleGrace time.Duration
	// ReaperInterval is how often the background reaper sweeps for
	// abandoned sessions.
	ReaperInterval time.Duration
	// AbandonedAfter is how long a session may sit with no activity and no
	// attached client before the reaper force-ends it.
	AbandonedAfter time.Duration
	// RetentionTTL is how long ended session rows are kept in the store.
	RetentionTTL time.Duration
}

// AudioConfig controls chunking and utterance boundary detection.
type AudioConfig struct {
	SampleRate int
	// AccumulatorCap bounds the bytes buffered per session awaiting an
	// utterance boundary. Reaching it forces an early flush.
	AccumulatorCap int
	// SilenceThreshold is the RMS level below which a chunk counts as silence.
	SilenceThreshold float64
	// SilenceWindow is how much trailing silence closes an utterance.
	SilenceWindow time.Duration
	// MaxUtterance force-closes an utterance regardless of silence.
	MaxUtterance time.Duration
}

// BackendConfig configures the speech and dialogue backends.
type BackendConfig struct {
	BaseURL           string
	APIKey            string
	ChatModel         string
	TranscribeModel   string
	SpeechModel       string
	Voice             string
	SynthesisEnabled  bool
	TranscribeTimeout time.Duration
	GenerateTimeout   time.Duration
	SynthesizeTimeout time.Duration
}

// TranscriptLogConfig controls NDJSON transcript logging.
type TranscriptLogConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("TRANSCRIPT_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		DBPath:      getEnv("DB_PATH", "./data/roleplay.db"),
		MediaDir:    getEnv("MEDIA_DIR", "./data/media"),
		Session: SessionConfig{
			IdleTimeout:    getEnvDuration("SESSION_IDLE_TIMEOUT", 60*time.Second),
			IdleGrace:      getEnvDuration("SESSION_IDLE_GRACE", 15*time.Second),
			ReaperInterval: getEnvDuration("SESSION_REAPER_INTERVAL", time.Minute),
			AbandonedAfter: getEnvDuration("SESSION_ABANDONED_AFTER", 5*time.Minute),
			RetentionTTL:   getEnvDuration("SESSION_RETENTION_TTL", 7*24*time.Hour),
		},
		Audio: AudioConfig{
			SampleRate:       getEnvInt("AUDIO_SAMPLE_RATE", 16000),
			AccumulatorCap:   getEnvInt("AUDIO_ACCUMULATOR_CAP", 1<<20),
			SilenceThreshold: getEnvFloat("AUDIO_SILENCE_THRESHOLD", 0.015),
			SilenceWindow:    getEnvDuration("AUDIO_SILENCE_WINDOW", 900*time.Millisecond),
			MaxUtterance:     getEnvDuration("AUDIO_MAX_UTTERANCE", 15*time.Second),
		},
		Backend: BackendConfig{
			BaseURL:           getEnv("AI_BASE_URL", ""),
			APIKey:            getEnv("AI_API_KEY", ""),
			ChatModel:         getEnv("AI_CHAT_MODEL", "gpt-4o-mini"),
			TranscribeModel:   getEnv("AI_TRANSCRIBE_MODEL", "whisper-1"),
			SpeechModel:       getEnv("AI_SPEECH_MODEL", "tts-1"),
			Voice:             getEnv("AI_VOICE", "alloy"),
			SynthesisEnabled:  getEnvBool("AI_SYNTHESIS_ENABLED", false),
			TranscribeTimeout: getEnvDuration("AI_TRANSCRIBE_TIMEOUT", 10*time.Second),
			GenerateTimeout:   getEnvDuration("AI_GENERATE_TIMEOUT", 20*time.Second),
			SynthesizeTimeout: getEnvDuration("AI_SYNTHESIZE_TIMEOUT", 20*time.Second),
		},
		Transcript: TranscriptLogConfig{
			Enabled:       getEnvBool("TRANSCRIPT_LOG_ENABLED", true),
			Dir:           getEnv("TRANSCRIPT_LOG_DIR", "./data/logs/transcripts"),
			GlobalEnabled: getEnvBool("TRANSCRIPT_LOG_GLOBAL_ENABLED", false),
			GlobalPath:    getEnv("TRANSCRIPT_LOG_GLOBAL_PATH", "./data/logs/transcripts/all.ndjson"),
			QueueSize:     queueSize,
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.Audio.SampleRate <= 0 {
		return fmt.Errorf("AUDIO_SAMPLE_RATE must be > 0")
	}
	if c.Audio.AccumulatorCap <= 0 {
		return fmt.Errorf("AUDIO_ACCUMULATOR_CAP must be > 0")
	}
	if c.Audio.SilenceThreshold < 0 || c.Audio.SilenceThreshold > 1 {
		return fmt.Errorf("AUDIO_SILENCE_THRESHOLD must be in [0,1]")
	}
	if c.Session.IdleTimeout <= 0 {
		return fmt.Errorf("SESSION_IDLE_TIMEOUT must be > 0")
	}
	if c.Transcript.Dir == "" {
		return fmt.Errorf("TRANSCRIPT_LOG_DIR cannot be empty")
	}
	if c.Transcript.GlobalPath == "" {
		return fmt.Errorf("TRANSCRIPT_LOG_GLOBAL_PATH cannot be empty")
	}
	if c.Transcript.QueueSize <= 0 {
		return fmt.Errorf("TRANSCRIPT_LOG_QUEUE_SIZE must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
