// Package live implements the real-time roleplay session engine: the
// websocket channel, the per-session orchestrator state machine, utterance
// boundary detection and the termination policy.
package live

// Client → server event types.
const (
	EventStartSession = "start-session"
	EventAudioChunk   = "audio-chunk"
	EventEndSession   = "end-session"
)

// Server → client event types.
const (
	EventSessionStarted    = "session-started"
	EventAudioReceived     = "audio-received"
	EventTranscription     = "transcription"
	EventAIResponse        = "ai-response"
	EventAvatarResponse    = "avatar-response"
	EventSessionEnding     = "session-ending"
	EventSessionEnded      = "session-ended"
	EventSessionForceEnded = "session-force-ended"
	EventError             = "error"
)

// Error type strings carried on ErrorEvent.
const (
	ErrorTypeBackendUnavailable = "backend-unavailable"
	ErrorTypeTimeout            = "timeout"
	ErrorTypeContentPolicy      = "content-policy-violation"
	ErrorTypeSessionTerminal    = "session-terminal"
	ErrorTypeSessionNotFound    = "session-not-found"
	ErrorTypeScenarioNotFound   = "scenario-not-found"
	ErrorTypeBadRequest         = "bad-request"
)

// ClientEvent is the envelope for everything a client sends. Type selects
// which of the remaining fields are meaningful.
type ClientEvent struct {
	Type       string `json:"type"`
	SessionID  string `json:"sessionId"`
	ScenarioID string `json:"scenarioId,omitempty"`
	// AudioData is base64-encoded PCM for audio-chunk events.
	AudioData string `json:"audioData,omitempty"`
	// Timestamp is the client capture time in Unix milliseconds.
	Timestamp int64 `json:"timestamp,omitempty"`
}

// SessionStartedEvent acknowledges start-session. Re-sent verbatim when a
// reconnecting client replays start-session on an active session.
type SessionStartedEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	MaxTurns  int    `json:"maxTurns"`
}

// AudioReceivedEvent acknowledges one ingested audio chunk.
type AudioReceivedEvent struct {
	Type      string `json:"type"`
	AudioSize int    `json:"audioSize"`
}

// TranscriptionEvent carries the finalized transcript of one user utterance.
type TranscriptionEvent struct {
	Type      string `json:"type"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

// AIResponseEvent carries the persona's reply for a completed turn.
type AIResponseEvent struct {
	Type      string `json:"type"`
	Text      string `json:"text"`
	TurnCount int    `json:"turnCount"`
	Timestamp int64  `json:"timestamp"`
}

// AvatarResponseEvent references synthesized speech/video for the last reply.
type AvatarResponseEvent struct {
	Type     string  `json:"type"`
	AudioURL string  `json:"audioUrl,omitempty"`
	VideoURL string  `json:"videoUrl,omitempty"`
	Duration float64 `json:"duration"`
}

// SessionEndingEvent warns that the session is about to end (turn limit
// approaching or idle timeout) so the client can wrap up.
type SessionEndingEvent struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// SessionEndedEvent reports graceful completion.
type SessionEndedEvent struct {
	Type       string  `json:"type"`
	Reason     string  `json:"reason"`
	TotalTurns int     `json:"totalTurns"`
	Duration   float64 `json:"duration"`
}

// SessionForceEndedEvent reports abnormal termination.
type SessionForceEndedEvent struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// ErrorEvent reports a non-terminal engine error to the client.
type ErrorEvent struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	ErrorType string `json:"errorType"`
}

func sessionStarted(sessionID string, maxTurns int) SessionStartedEvent {
	return SessionStartedEvent{Type: EventSessionStarted, SessionID: sessionID, MaxTurns: maxTurns}
}

func audioReceived(size int) AudioReceivedEvent {
	return AudioReceivedEvent{Type: EventAudioReceived, AudioSize: size}
}

func transcription(text string, ts int64) TranscriptionEvent {
	return TranscriptionEvent{Type: EventTranscription, Text: text, Timestamp: ts}
}

func aiResponse(text string, turnCount int, ts int64) AIResponseEvent {
	return AIResponseEvent{Type: EventAIResponse, Text: text, TurnCount: turnCount, Timestamp: ts}
}

func avatarResponse(audioURL, videoURL string, durationSec float64) AvatarResponseEvent {
	return AvatarResponseEvent{Type: EventAvatarResponse, AudioURL: audioURL, VideoURL: videoURL, Duration: durationSec}
}

func sessionEnding(reason string) SessionEndingEvent {
	return SessionEndingEvent{Type: EventSessionEnding, Reason: reason}
}

func sessionEnded(reason string, totalTurns int, durationSec float64) SessionEndedEvent {
	return SessionEndedEvent{Type: EventSessionEnded, Reason: reason, TotalTurns: totalTurns, Duration: durationSec}
}

func sessionForceEnded(reason string) SessionForceEndedEvent {
	return SessionForceEndedEvent{Type: EventSessionForceEnded, Reason: reason}
}

func errorEvent(errType, message string) ErrorEvent {
	return ErrorEvent{Type: EventError, Message: message, ErrorType: errType}
}
