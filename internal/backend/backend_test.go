package backend

import (
	"context"
	"encoding/binary"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/pitchlab/roleplay/internal/domain"
	openai "github.com/sashabaranov/go-openai"
)

func TestWavBytesHeader(t *testing.T) {
	t.Parallel()

	// One second of 16kHz mono audio.
	pcm := make([]byte, 32000)
	wav := wavBytes(pcm, 16000)

	if len(wav) != 44+len(pcm) {
		t.Fatalf("wav length = %d, want %d", len(wav), 44+len(pcm))
	}
	if string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		t.Fatal("missing RIFF/WAVE markers")
	}
	if rate := binary.LittleEndian.Uint32(wav[24:28]); rate != 16000 {
		t.Fatalf("sample rate = %d, want 16000", rate)
	}
	if channels := binary.LittleEndian.Uint16(wav[22:24]); channels != 1 {
		t.Fatalf("channels = %d, want 1", channels)
	}
	if dataLen := binary.LittleEndian.Uint32(wav[40:44]); dataLen != 32000 {
		t.Fatalf("data length = %d, want 32000", dataLen)
	}
}

func TestWavDuration(t *testing.T) {
	t.Parallel()

	pcm := make([]byte, 32000)
	wav := wavBytes(pcm, 16000)
	if got := wavDuration(wav); got != time.Second {
		t.Fatalf("wavDuration = %v, want 1s", got)
	}

	if got := wavDuration([]byte("not a wav")); got != 0 {
		t.Fatalf("wavDuration of garbage = %v, want 0", got)
	}
	if got := wavDuration(nil); got != 0 {
		t.Fatalf("wavDuration of nil = %v, want 0", got)
	}
}

func TestPersonaPrompt(t *testing.T) {
	t.Parallel()

	p := domain.PersonaConfig{
		Name:        "Dana",
		Role:        "VP of Operations",
		Background:  "Two failed rollouts behind her.",
		Personality: "Skeptical but fair.",
		Concerns:    []string{"hidden costs", "adoption"},
		Objections:  []string{"Your competitor quoted less"},
	}
	prompt := personaPrompt(p, "You reached Dana between meetings.")

	for _, want := range []string{
		"Dana", "VP of Operations", "hidden costs; adoption",
		"Your competitor quoted less", "You reached Dana between meetings.",
		endCallMarker,
	} {
		if !strings.Contains(prompt, want) {
			t.Fatalf("prompt missing %q:\n%s", want, prompt)
		}
	}

	// Optional sections disappear when unset.
	bare := personaPrompt(domain.PersonaConfig{Name: "Sam", Role: "buyer"}, "")
	for _, absent := range []string{"Background:", "Concerns", "Objections", "Scene:"} {
		if strings.Contains(bare, absent) {
			t.Fatalf("bare prompt should not contain %q:\n%s", absent, bare)
		}
	}
}

func TestTranscribeSilenceGate(t *testing.T) {
	t.Parallel()

	o, err := NewOpenAI(OpenAIConfig{APIKey: "test-key", SilenceThreshold: 0.015})
	if err != nil {
		t.Fatalf("NewOpenAI failed: %v", err)
	}

	// All-zero PCM is pure silence; the adapter must not touch the network.
	_, err = o.Transcribe(context.Background(), make([]byte, 16000), SessionContext{SampleRate: 16000})
	if !errors.Is(err, ErrEmptyAudio) {
		t.Fatalf("silent PCM error = %v, want ErrEmptyAudio", err)
	}

	_, err = o.Transcribe(context.Background(), nil, SessionContext{})
	if !errors.Is(err, ErrEmptyAudio) {
		t.Fatalf("empty PCM error = %v, want ErrEmptyAudio", err)
	}
}

func TestClassifyError(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"deadline", context.DeadlineExceeded, ErrTimeout},
		{"cancel", context.Canceled, context.Canceled},
		{"rate limit", &openai.APIError{HTTPStatusCode: http.StatusTooManyRequests}, ErrBackendUnavailable},
		{"server error", &openai.APIError{HTTPStatusCode: http.StatusBadGateway}, ErrBackendUnavailable},
		{
			"content filter",
			&openai.APIError{HTTPStatusCode: http.StatusBadRequest, Message: "blocked by content policy"},
			ErrContentPolicy,
		},
		{"unknown", errors.New("connection reset"), ErrBackendUnavailable},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := classifyError(ctx, tt.err)
			if !errors.Is(got, tt.want) {
				t.Fatalf("classifyError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestNewOpenAIRequiresKey(t *testing.T) {
	t.Parallel()

	if _, err := NewOpenAI(OpenAIConfig{}); err == nil {
		t.Fatal("expected an error without an API key")
	}
}
