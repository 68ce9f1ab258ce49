package domain

import (
	"time"
)

// TurnRole attributes an utterance to a speaker.
type TurnRole string

const (
	// RoleUser is the trainee's transcribed speech.
	RoleUser TurnRole = "user"
	// RoleAssistant is the buyer persona's generated reply.
	RoleAssistant TurnRole = "assistant"
	// RoleSystem is an engine-injected annotation.
	RoleSystem TurnRole = "system"
)

// Turn is one immutable utterance in a session transcript. Once appended to
// the recorder it is never modified.
type Turn struct {
	ID        string
	SessionID string
	Role      TurnRole
	Text      string
	// AudioRef optionally points at a stored audio artifact (trainee audio
	// or synthesized speech). Ownership of the artifact is external.
	AudioRef  string
	Timestamp time.Time
}
