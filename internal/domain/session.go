package domain

import (
	"time"
)

// SessionState is the lifecycle state of a roleplay session.
type SessionState string

const (
	// StateCreated means the session row exists but start-session has not arrived.
	StateCreated SessionState = "created"
	// StateActive means the session is running turn cycles.
	StateActive SessionState = "active"
	// StateEnding means the session has been warned and is wrapping up.
	StateEnding SessionState = "ending"
	// StateEnded means the session completed gracefully.
	StateEnded SessionState = "ended"
	// StateForceEnded means the session was terminated abnormally.
	StateForceEnded SessionState = "force_ended"
)

// Terminal reports whether no further transitions or turns are allowed.
func (s SessionState) Terminal() bool {
	return s == StateEnded || s == StateForceEnded
}

// Session is one live roleplay instance between a trainee and a buyer persona.
type Session struct {
	ID         string
	ScenarioID string
	UserID     string
	State      SessionState
	TurnCount  int
	MaxTurns   int
	EndReason  string
	StartedAt  time.Time
	EndedAt    *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Duration returns the wall-clock length of the session. For a session that
// has not ended yet it measures up to now.
func (s *Session) Duration() time.Duration {
	if s.StartedAt.IsZero() {
		return 0
	}
	if s.EndedAt != nil {
		return s.EndedAt.Sub(s.StartedAt)
	}
	return time.Since(s.StartedAt)
}

// CanAppendTurn reports whether another completed turn fits under the limit.
func (s *Session) CanAppendTurn() bool {
	return !s.State.Terminal() && s.TurnCount < s.MaxTurns
}
