package live

import (
	"testing"
	"time"

	"github.com/pitchlab/roleplay/internal/domain"
)

func TestDecide(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		in         PolicyInput
		want       Decision
		wantReason string
	}{
		{
			name: "mid-session continues",
			in:   PolicyInput{State: domain.StateActive, TurnCount: 2, MaxTurns: 10},
			want: DecisionContinue,
		},
		{
			name:       "turn limit reached ends gracefully",
			in:         PolicyInput{State: domain.StateActive, TurnCount: 10, MaxTurns: 10},
			want:       DecisionEnd,
			wantReason: ReasonTurnLimit,
		},
		{
			name:       "count past limit still ends",
			in:         PolicyInput{State: domain.StateActive, TurnCount: 11, MaxTurns: 10},
			want:       DecisionEnd,
			wantReason: ReasonTurnLimit,
		},
		{
			name:       "one turn before limit warns",
			in:         PolicyInput{State: domain.StateActive, TurnCount: 9, MaxTurns: 10},
			want:       DecisionWarn,
			wantReason: ReasonTurnLimitApproaching,
		},
		{
			name: "two turns before limit does not warn",
			in:   PolicyInput{State: domain.StateActive, TurnCount: 8, MaxTurns: 10},
			want: DecisionContinue,
		},
		{
			name: "single-turn session warns before its only turn",
			in:   PolicyInput{State: domain.StateActive, TurnCount: 0, MaxTurns: 1},
			want: DecisionWarn,
			// With a single-turn session the approach warning and the first
			// turn coincide.
			wantReason: ReasonTurnLimitApproaching,
		},
		{
			name: "idle past timeout warns",
			in: PolicyInput{
				State: domain.StateActive, TurnCount: 1, MaxTurns: 10,
				IdleFor: 61 * time.Second, IdleTimeout: 60 * time.Second, IdleGrace: 15 * time.Second,
			},
			want:       DecisionWarn,
			wantReason: ReasonIdleTimeout,
		},
		{
			name: "idle past grace ends",
			in: PolicyInput{
				State: domain.StateActive, TurnCount: 1, MaxTurns: 10,
				IdleFor: 76 * time.Second, IdleTimeout: 60 * time.Second, IdleGrace: 15 * time.Second,
			},
			want:       DecisionEnd,
			wantReason: ReasonIdleTimeout,
		},
		{
			name: "idle below timeout continues",
			in: PolicyInput{
				State: domain.StateActive, TurnCount: 1, MaxTurns: 10,
				IdleFor: 30 * time.Second, IdleTimeout: 60 * time.Second, IdleGrace: 15 * time.Second,
			},
			want: DecisionContinue,
		},
		{
			name: "idle check disabled when timeout is zero",
			in: PolicyInput{
				State: domain.StateActive, TurnCount: 1, MaxTurns: 10,
				IdleFor: time.Hour,
			},
			want: DecisionContinue,
		},
		{
			name:       "flagged session force-ends",
			in:         PolicyInput{State: domain.StateActive, TurnCount: 1, MaxTurns: 10, Flagged: true},
			want:       DecisionForceEnd,
			wantReason: ReasonFlagged,
		},
		{
			name: "flag wins over turn limit",
			in:   PolicyInput{State: domain.StateActive, TurnCount: 10, MaxTurns: 10, Flagged: true},
			want: DecisionForceEnd,
			wantReason: ReasonFlagged,
		},
		{
			name: "terminal session is left alone",
			in:   PolicyInput{State: domain.StateEnded, TurnCount: 10, MaxTurns: 10, Flagged: true},
			want: DecisionContinue,
		},
		{
			name: "unlimited turns never hit the limit",
			in:   PolicyInput{State: domain.StateActive, TurnCount: 500, MaxTurns: 0},
			want: DecisionContinue,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, reason := Decide(tt.in)
			if got != tt.want {
				t.Fatalf("Decide = %v, want %v", got, tt.want)
			}
			if reason != tt.wantReason {
				t.Fatalf("reason = %q, want %q", reason, tt.wantReason)
			}
		})
	}
}

func TestDecisionString(t *testing.T) {
	t.Parallel()

	if DecisionWarn.String() != "warn" || DecisionForceEnd.String() != "force-end" {
		t.Fatal("unexpected decision names")
	}
	if Decision(99).String() != "unknown" {
		t.Fatal("out-of-range decision should stringify as unknown")
	}
}
