// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/pitchlab/roleplay/internal/domain"
)

// ErrScenarioNotFound is returned when a scenario ID does not exist.
var ErrScenarioNotFound = errors.New("scenario not found")

// ErrSessionNotFound is returned when a session ID does not exist.
var ErrSessionNotFound = errors.New("session not found")

// Repository defines persistence for trainees, scenarios, sessions and the
// append-only turn log. Scenarios are read-only to the engine; turns are
// append-only and idempotent on turn ID.
type Repository interface {
	// GetUser retrieves a user by their user ID. Returns (nil, nil) when absent.
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// UpsertUser creates or updates a user record.
	UpsertUser(ctx context.Context, user *domain.User) error

	// UpdateLastSeen updates the last_seen_at timestamp for a user.
	UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error

	// GetScenario retrieves a scenario with its persona configuration.
	GetScenario(ctx context.Context, scenarioID string) (*domain.Scenario, error)

	// ListScenarios returns all scenarios ordered by title.
	ListScenarios(ctx context.Context) ([]*domain.Scenario, error)

	// CreateSession persists a new session record. Session IDs are supplied
	// externally and never reused; creating a duplicate ID is an error.
	CreateSession(ctx context.Context, session *domain.Session) error

	// GetSession retrieves a session by ID.
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)

	// UpdateSession persists state, turn count and termination fields.
	UpdateSession(ctx context.Context, session *domain.Session) error

	// AppendTurn appends a turn to the session transcript. Replaying the
	// same turn ID is a no-op, not an error.
	AppendTurn(ctx context.Context, turn *domain.Turn) error

	// ListTurns returns the recorded turns for a session in append order.
	ListTurns(ctx context.Context, sessionID string) ([]*domain.Turn, error)

	// CleanupEndedSessions removes terminal sessions (and their turns)
	// whose end time is older than ttl. Returns the number of sessions removed.
	CleanupEndedSessions(ctx context.Context, ttl time.Duration) (int64, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
