// Package backend wraps the external speech and dialogue services behind
// narrow adapter interfaces. Vendor wire formats stay inside this package;
// the engine only sees transcripts, replies and artifact references.
package backend

import (
	"context"
	"errors"
	"time"

	"github.com/pitchlab/roleplay/internal/domain"
)

var (
	// ErrBackendUnavailable means the service could not be reached or
	// returned a server-side failure.
	ErrBackendUnavailable = errors.New("backend unavailable")
	// ErrTimeout means the bounded adapter deadline elapsed.
	ErrTimeout = errors.New("backend call timed out")
	// ErrEmptyAudio means the buffer contained no usable speech. Non-fatal:
	// the orchestrator skips the turn.
	ErrEmptyAudio = errors.New("audio contains no speech")
	// ErrContentPolicy means the generation backend refused the request.
	ErrContentPolicy = errors.New("content policy violation")
)

// SessionContext carries per-session hints for transcription.
type SessionContext struct {
	SessionID  string
	UserID     string
	SampleRate int
	Language   string
}

// Transcriber converts an accumulated utterance to text.
// Implementations must apply a bounded timeout and return ErrEmptyAudio for
// silence-only buffers rather than fabricating a transcript.
type Transcriber interface {
	Transcribe(ctx context.Context, pcm []byte, sc SessionContext) (string, error)
}

// GenerateRequest is one dialogue generation call.
type GenerateRequest struct {
	Persona       domain.PersonaConfig
	OpeningPrompt string
	// History is the ordered prior transcript. Context-window trimming is
	// the adapter's job, not the caller's.
	History  []domain.Turn
	UserText string
}

// GenerateResult is the persona's next turn.
type GenerateResult struct {
	Text string
	// ShouldEnd is set when the persona has wrapped up the conversation
	// on its own (bought, hung up, asked to be called back).
	ShouldEnd bool
}

// Generator produces the buyer persona's next reply.
type Generator interface {
	GenerateTurn(ctx context.Context, req GenerateRequest) (*GenerateResult, error)
}

// SpeechResult references a synthesized speech artifact.
type SpeechResult struct {
	// AudioRef is the stable artifact reference recorded on the turn.
	AudioRef string
	// AudioURL is where a client can fetch the audio.
	AudioURL string
	Duration time.Duration
}

// Synthesizer turns a reply into audible speech. Optional: a nil Synthesizer
// disables avatar-response events.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (*SpeechResult, error)
}
