package live

import (
	"time"

	"github.com/pitchlab/roleplay/internal/domain"
)

// Termination reason strings surfaced on session-ending / session-ended /
// session-force-ended events.
const (
	ReasonTurnLimit            = "turn-limit"
	ReasonTurnLimitApproaching = "turn-limit-approaching"
	ReasonIdleTimeout          = "idle-timeout"
	ReasonClientRequest        = "client-request"
	ReasonPersonaEnded         = "persona-ended"
	ReasonGenerationFailure    = "generation-failure"
	ReasonAbandoned            = "abandoned"
	ReasonFlagged              = "flagged"
	ReasonShutdown             = "server-shutdown"
)

// Decision is the outcome of a termination policy check.
type Decision int

const (
	// DecisionContinue keeps the session running.
	DecisionContinue Decision = iota
	// DecisionWarn emits session-ending but keeps accepting turns.
	DecisionWarn
	// DecisionEnd terminates gracefully.
	DecisionEnd
	// DecisionForceEnd terminates abnormally, skipping wrap-up.
	DecisionForceEnd
)

// String returns a readable decision name for logs.
func (d Decision) String() string {
	switch d {
	case DecisionContinue:
		return "continue"
	case DecisionWarn:
		return "warn"
	case DecisionEnd:
		return "end"
	case DecisionForceEnd:
		return "force-end"
	default:
		return "unknown"
	}
}

// PolicyInput is a snapshot of the session facts the policy decides on.
type PolicyInput struct {
	State     domain.SessionState
	TurnCount int
	MaxTurns  int
	// IdleFor is how long since the last audio arrived.
	IdleFor     time.Duration
	IdleTimeout time.Duration
	IdleGrace   time.Duration
	// Flagged marks an externally signalled abuse/error condition.
	Flagged bool
}

// Decide is the pure turn & termination policy: it inspects a session
// snapshot and returns what should happen next plus the reason string to
// surface. It performs no I/O and keeps the tie-break rules (warn exactly
// one turn before the limit, grace period after the idle warning) in one
// independently testable place.
func Decide(in PolicyInput) (Decision, string) {
	if in.State.Terminal() {
		return DecisionContinue, ""
	}
	if in.Flagged {
		return DecisionForceEnd, ReasonFlagged
	}
	if in.MaxTurns > 0 && in.TurnCount >= in.MaxTurns {
		return DecisionEnd, ReasonTurnLimit
	}

	if in.IdleTimeout > 0 && in.IdleFor >= in.IdleTimeout {
		if in.IdleFor >= in.IdleTimeout+in.IdleGrace {
			return DecisionEnd, ReasonIdleTimeout
		}
		return DecisionWarn, ReasonIdleTimeout
	}

	// Warn exactly one turn before the limit so the trainee can wrap up.
	if in.MaxTurns > 0 && in.TurnCount == in.MaxTurns-1 {
		return DecisionWarn, ReasonTurnLimitApproaching
	}

	return DecisionContinue, ""
}
