package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pitchlab/roleplay/internal/audio"
	"github.com/pitchlab/roleplay/internal/domain"
	openai "github.com/sashabaranov/go-openai"
)

// historyWindow bounds how many prior turns are sent to the chat backend.
const historyWindow = 20

// endCallMarker is the token the persona appends when it decides the
// conversation is over. Stripped from the reply before it reaches the client.
const endCallMarker = "[END_CALL]"

// OpenAIConfig configures the OpenAI-backed adapters.
type OpenAIConfig struct {
	BaseURL         string
	APIKey          string
	ChatModel       string
	TranscribeModel string
	SpeechModel     string
	Voice           string
	MediaDir        string

	// SilenceThreshold is the RMS level below which an utterance is treated
	// as empty without calling the backend at all.
	SilenceThreshold float64

	TranscribeTimeout time.Duration
	GenerateTimeout   time.Duration
	SynthesizeTimeout time.Duration
}

// OpenAI implements Transcriber, Generator and Synthesizer against the
// OpenAI-compatible API surface (Whisper, chat completions, speech).
type OpenAI struct {
	client *openai.Client
	cfg    OpenAIConfig
}

var (
	_ Transcriber = (*OpenAI)(nil)
	_ Generator   = (*OpenAI)(nil)
	_ Synthesizer = (*OpenAI)(nil)
)

// NewOpenAI creates the adapter set. MediaDir is created if missing.
func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai backend: API key is required")
	}
	if cfg.ChatModel == "" {
		cfg.ChatModel = "gpt-4o-mini"
	}
	if cfg.TranscribeModel == "" {
		cfg.TranscribeModel = string(openai.Whisper1)
	}
	if cfg.SpeechModel == "" {
		cfg.SpeechModel = string(openai.TTSModel1)
	}
	if cfg.Voice == "" {
		cfg.Voice = string(openai.VoiceAlloy)
	}
	if cfg.SilenceThreshold <= 0 {
		cfg.SilenceThreshold = 0.015
	}
	if cfg.TranscribeTimeout <= 0 {
		cfg.TranscribeTimeout = 10 * time.Second
	}
	if cfg.GenerateTimeout <= 0 {
		cfg.GenerateTimeout = 20 * time.Second
	}
	if cfg.SynthesizeTimeout <= 0 {
		cfg.SynthesizeTimeout = 20 * time.Second
	}
	if cfg.MediaDir != "" {
		if err := os.MkdirAll(cfg.MediaDir, 0755); err != nil {
			return nil, fmt.Errorf("create media dir: %w", err)
		}
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}

	return &OpenAI{
		client: openai.NewClientWithConfig(clientConfig),
		cfg:    cfg,
	}, nil
}

// Transcribe converts one utterance of PCM audio to text.
func (o *OpenAI) Transcribe(ctx context.Context, pcm []byte, sc SessionContext) (string, error) {
	if len(pcm) == 0 {
		return "", ErrEmptyAudio
	}
	// Cheap local silence gate before spending a backend call.
	if audio.RMSLevel(pcm) < o.cfg.SilenceThreshold {
		return "", ErrEmptyAudio
	}

	sampleRate := sc.SampleRate
	if sampleRate <= 0 {
		sampleRate = 16000
	}

	ctx, cancel := context.WithTimeout(ctx, o.cfg.TranscribeTimeout)
	defer cancel()

	resp, err := o.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    o.cfg.TranscribeModel,
		FilePath: "utterance.wav",
		Reader:   bytes.NewReader(wavBytes(pcm, sampleRate)),
		Language: sc.Language,
	})
	if err != nil {
		return "", classifyError(ctx, err)
	}

	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return "", ErrEmptyAudio
	}
	return text, nil
}

// GenerateTurn produces the persona's next reply from the persona config,
// the bounded history window and the latest user transcript.
func (o *OpenAI) GenerateTurn(ctx context.Context, req GenerateRequest) (*GenerateResult, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.GenerateTimeout)
	defer cancel()

	messages := []openai.ChatCompletionMessage{{
		Role:    openai.ChatMessageRoleSystem,
		Content: personaPrompt(req.Persona, req.OpeningPrompt),
	}}

	history := req.History
	if len(history) > historyWindow {
		history = history[len(history)-historyWindow:]
	}
	for _, turn := range history {
		role := openai.ChatMessageRoleUser
		if turn.Role == domain.RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		} else if turn.Role == domain.RoleSystem {
			role = openai.ChatMessageRoleSystem
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: turn.Text})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.UserText,
	})

	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    o.cfg.ChatModel,
		Messages: messages,
	})
	if err != nil {
		return nil, classifyError(ctx, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: empty completion response", ErrBackendUnavailable)
	}

	choice := resp.Choices[0]
	if choice.FinishReason == openai.FinishReasonContentFilter {
		return nil, ErrContentPolicy
	}

	text := strings.TrimSpace(choice.Message.Content)
	shouldEnd := strings.Contains(text, endCallMarker)
	if shouldEnd {
		text = strings.TrimSpace(strings.ReplaceAll(text, endCallMarker, ""))
	}
	if text == "" {
		return nil, fmt.Errorf("%w: blank reply", ErrBackendUnavailable)
	}

	return &GenerateResult{Text: text, ShouldEnd: shouldEnd}, nil
}

// Synthesize renders a reply as speech and stores it under MediaDir.
func (o *OpenAI) Synthesize(ctx context.Context, text string) (*SpeechResult, error) {
	if o.cfg.MediaDir == "" {
		return nil, fmt.Errorf("%w: media dir not configured", ErrBackendUnavailable)
	}

	ctx, cancel := context.WithTimeout(ctx, o.cfg.SynthesizeTimeout)
	defer cancel()

	resp, err := o.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          openai.SpeechModel(o.cfg.SpeechModel),
		Voice:          openai.SpeechVoice(o.cfg.Voice),
		Input:          text,
		ResponseFormat: openai.SpeechResponseFormatWav,
	})
	if err != nil {
		return nil, classifyError(ctx, err)
	}
	defer resp.Close()

	var data bytes.Buffer
	if _, err := data.ReadFrom(resp); err != nil {
		return nil, fmt.Errorf("%w: read speech stream: %v", ErrBackendUnavailable, err)
	}

	ref := uuid.NewString() + ".wav"
	path := filepath.Join(o.cfg.MediaDir, ref)
	if err := os.WriteFile(path, data.Bytes(), 0644); err != nil {
		return nil, fmt.Errorf("write speech artifact: %w", err)
	}

	return &SpeechResult{
		AudioRef: ref,
		AudioURL: "/media/" + ref,
		Duration: wavDuration(data.Bytes()),
	}, nil
}

func personaPrompt(p domain.PersonaConfig, openingPrompt string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, %s, in a live sales roleplay. Stay in character at all times.\n", p.Name, p.Role)
	if p.Background != "" {
		fmt.Fprintf(&b, "Background: %s\n", p.Background)
	}
	if p.Personality != "" {
		fmt.Fprintf(&b, "Personality: %s\n", p.Personality)
	}
	if len(p.Concerns) > 0 {
		fmt.Fprintf(&b, "Your concerns: %s\n", strings.Join(p.Concerns, "; "))
	}
	if len(p.Objections) > 0 {
		fmt.Fprintf(&b, "Objections you raise when the pitch is weak: %s\n", strings.Join(p.Objections, "; "))
	}
	if len(p.IdealResponses) > 0 {
		fmt.Fprintf(&b, "You respond well to: %s\n", strings.Join(p.IdealResponses, "; "))
	}
	if openingPrompt != "" {
		fmt.Fprintf(&b, "Scene: %s\n", openingPrompt)
	}
	b.WriteString("Keep replies short and spoken, one to three sentences. ")
	fmt.Fprintf(&b, "If you decide the call is over (you bought, declined for good, or hung up), append %s to your reply.", endCallMarker)
	return b.String()
}

// classifyError maps transport/API failures onto the adapter error taxonomy.
func classifyError(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return context.Canceled
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == http.StatusBadRequest && strings.Contains(strings.ToLower(apiErr.Message), "content"):
			return fmt.Errorf("%w: %s", ErrContentPolicy, apiErr.Message)
		case apiErr.HTTPStatusCode == http.StatusTooManyRequests || apiErr.HTTPStatusCode >= 500:
			return fmt.Errorf("%w: %s", ErrBackendUnavailable, apiErr.Message)
		}
	}
	slog.Debug("Unclassified backend error", "error", err)
	return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
}
