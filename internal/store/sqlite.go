package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pitchlab/roleplay/internal/domain"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	if err := store.seedScenarios(); err != nil {
		return nil, fmt.Errorf("seed scenarios: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		last_seen_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS scenarios (
		scenario_id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		opening_prompt TEXT NOT NULL,
		max_turns INTEGER NOT NULL,
		persona_json TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		scenario_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		state TEXT NOT NULL,
		turn_count INTEGER NOT NULL DEFAULT 0,
		max_turns INTEGER NOT NULL,
		end_reason TEXT NOT NULL DEFAULT '',
		started_at INTEGER NOT NULL,
		ended_at INTEGER,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_ended ON sessions(ended_at) WHERE ended_at IS NOT NULL;

	CREATE TABLE IF NOT EXISTS turns (
		turn_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		role TEXT NOT NULL,
		text TEXT NOT NULL,
		audio_ref TEXT NOT NULL DEFAULT '',
		ts INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_id, ts);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// seedScenarios installs a starter scenario so a fresh server is usable
// without an external scenario management service.
func (s *SQLiteStore) seedScenarios() error {
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM scenarios`).Scan(&count); err != nil {
		return fmt.Errorf("count scenarios: %w", err)
	}
	if count > 0 {
		return nil
	}

	persona := domain.PersonaConfig{
		Name:        "Dana Whitfield",
		Role:        "VP of Operations at a mid-size logistics company",
		Background:  "Evaluating workflow software after two failed rollouts. Budget-conscious and short on time.",
		Personality: "Skeptical but fair. Interrupts vague answers, warms up to concrete numbers.",
		Concerns:    []string{"implementation time", "hidden costs", "staff adoption"},
		Objections:  []string{"We already tried something like this", "Your competitor quoted 30% less"},
		IdealResponses: []string{
			"Acknowledge the past failures before pitching",
			"Quantify rollout time with a reference customer",
		},
	}
	personaJSON, err := json.Marshal(persona)
	if err != nil {
		return fmt.Errorf("marshal seed persona: %w", err)
	}

	now := time.Now().Unix()
	_, err = s.db.Exec(`
		INSERT INTO scenarios (scenario_id, title, opening_prompt, max_turns, persona_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		"cold-call-dana", "Cold call: skeptical operations VP",
		"You reached Dana between meetings. You have one shot to earn a follow-up call.",
		10, string(personaJSON), now, now,
	)
	if err != nil {
		return fmt.Errorf("insert seed scenario: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// GetUser retrieves a user by their user ID.
func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	query := `
		SELECT user_id, username, last_seen_at, created_at, updated_at
		FROM users WHERE user_id = ?`

	row := s.db.QueryRowContext(ctx, query, userID)

	var user domain.User
	var lastSeen, createdAt, updatedAt int64

	err := row.Scan(&user.UserID, &user.Username, &lastSeen, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}

	user.LastSeenAt = time.Unix(lastSeen, 0)
	user.CreatedAt = time.Unix(createdAt, 0)
	user.UpdatedAt = time.Unix(updatedAt, 0)

	return &user, nil
}

// UpsertUser creates or updates a user record.
func (s *SQLiteStore) UpsertUser(ctx context.Context, user *domain.User) error {
	query := `
	INSERT INTO users (user_id, username, last_seen_at, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		username = excluded.username,
		last_seen_at = excluded.last_seen_at,
		updated_at = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, query,
		user.UserID, user.Username,
		user.LastSeenAt.Unix(), user.CreatedAt.Unix(), user.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// UpdateLastSeen updates the last_seen_at timestamp for a user.
func (s *SQLiteStore) UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error {
	query := `UPDATE users SET last_seen_at = ?, updated_at = ? WHERE user_id = ?`
	if _, err := s.db.ExecContext(ctx, query, lastSeen.Unix(), time.Now().Unix(), userID); err != nil {
		return fmt.Errorf("update last_seen: %w", err)
	}
	return nil
}

// GetScenario retrieves a scenario with its persona configuration.
func (s *SQLiteStore) GetScenario(ctx context.Context, scenarioID string) (*domain.Scenario, error) {
	query := `
		SELECT scenario_id, title, opening_prompt, max_turns, persona_json, created_at, updated_at
		FROM scenarios WHERE scenario_id = ?`

	row := s.db.QueryRowContext(ctx, query, scenarioID)
	sc, err := scanScenario(row)
	if err == sql.ErrNoRows {
		return nil, ErrScenarioNotFound
	}
	if err != nil {
		return nil, err
	}
	return sc, nil
}

// ListScenarios returns all scenarios ordered by title.
func (s *SQLiteStore) ListScenarios(ctx context.Context) ([]*domain.Scenario, error) {
	query := `
		SELECT scenario_id, title, opening_prompt, max_turns, persona_json, created_at, updated_at
		FROM scenarios ORDER BY title`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query scenarios: %w", err)
	}
	defer rows.Close()

	var scenarios []*domain.Scenario
	for rows.Next() {
		sc, err := scanScenario(rows)
		if err != nil {
			return nil, err
		}
		scenarios = append(scenarios, sc)
	}
	return scenarios, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanScenario(row rowScanner) (*domain.Scenario, error) {
	var sc domain.Scenario
	var personaJSON string
	var createdAt, updatedAt int64

	err := row.Scan(&sc.ID, &sc.Title, &sc.OpeningPrompt, &sc.MaxTurns, &personaJSON, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan scenario row: %w", err)
	}

	if err := json.Unmarshal([]byte(personaJSON), &sc.Persona); err != nil {
		return nil, fmt.Errorf("decode persona for scenario %s: %w", sc.ID, err)
	}
	sc.CreatedAt = time.Unix(createdAt, 0)
	sc.UpdatedAt = time.Unix(updatedAt, 0)
	return &sc, nil
}

// CreateSession persists a new session record.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *domain.Session) error {
	query := `
	INSERT INTO sessions (session_id, scenario_id, user_id, state, turn_count, max_turns,
		end_reason, started_at, ended_at, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		session.ID, session.ScenarioID, session.UserID, string(session.State),
		session.TurnCount, session.MaxTurns, session.EndReason,
		session.StartedAt.Unix(), endedAtArg(session.EndedAt),
		session.CreatedAt.Unix(), session.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by ID.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	query := `
		SELECT session_id, scenario_id, user_id, state, turn_count, max_turns,
		       end_reason, started_at, ended_at, created_at, updated_at
		FROM sessions WHERE session_id = ?`

	row := s.db.QueryRowContext(ctx, query, sessionID)

	var sess domain.Session
	var state string
	var startedAt, createdAt, updatedAt int64
	var endedAt sql.NullInt64

	err := row.Scan(
		&sess.ID, &sess.ScenarioID, &sess.UserID, &state,
		&sess.TurnCount, &sess.MaxTurns, &sess.EndReason,
		&startedAt, &endedAt, &createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}

	sess.State = domain.SessionState(state)
	sess.StartedAt = time.Unix(startedAt, 0)
	sess.CreatedAt = time.Unix(createdAt, 0)
	sess.UpdatedAt = time.Unix(updatedAt, 0)
	if endedAt.Valid {
		t := time.Unix(endedAt.Int64, 0)
		sess.EndedAt = &t
	}

	return &sess, nil
}

// UpdateSession persists state, turn count and termination fields.
func (s *SQLiteStore) UpdateSession(ctx context.Context, session *domain.Session) error {
	query := `
	UPDATE sessions SET state = ?, turn_count = ?, end_reason = ?, ended_at = ?, updated_at = ?
	WHERE session_id = ?`

	result, err := s.db.ExecContext(ctx, query,
		string(session.State), session.TurnCount, session.EndReason,
		endedAtArg(session.EndedAt), time.Now().Unix(), session.ID,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// AppendTurn appends a turn to the transcript. Duplicate turn IDs are ignored.
func (s *SQLiteStore) AppendTurn(ctx context.Context, turn *domain.Turn) error {
	query := `
	INSERT OR IGNORE INTO turns (turn_id, session_id, role, text, audio_ref, ts)
	VALUES (?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		turn.ID, turn.SessionID, string(turn.Role), turn.Text, turn.AudioRef,
		turn.Timestamp.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("append turn: %w", err)
	}
	return nil
}

// ListTurns returns the recorded turns for a session in append order.
func (s *SQLiteStore) ListTurns(ctx context.Context, sessionID string) ([]*domain.Turn, error) {
	query := `
		SELECT turn_id, session_id, role, text, audio_ref, ts
		FROM turns WHERE session_id = ? ORDER BY ts, rowid`

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	var turns []*domain.Turn
	for rows.Next() {
		var t domain.Turn
		var role string
		var ts int64
		if err := rows.Scan(&t.ID, &t.SessionID, &role, &t.Text, &t.AudioRef, &ts); err != nil {
			return nil, fmt.Errorf("scan turn row: %w", err)
		}
		t.Role = domain.TurnRole(role)
		t.Timestamp = time.UnixMilli(ts)
		turns = append(turns, &t)
	}
	return turns, rows.Err()
}

// CleanupEndedSessions removes terminal sessions and their turns older than ttl.
func (s *SQLiteStore) CleanupEndedSessions(ctx context.Context, ttl time.Duration) (int64, error) {
	cutoff := time.Now().Add(-ttl).Unix()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin cleanup tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM turns WHERE session_id IN (
			SELECT session_id FROM sessions WHERE ended_at IS NOT NULL AND ended_at < ?
		)`, cutoff); err != nil {
		return 0, fmt.Errorf("delete expired turns: %w", err)
	}

	result, err := tx.ExecContext(ctx,
		`DELETE FROM sessions WHERE ended_at IS NOT NULL AND ended_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit cleanup tx: %w", err)
	}
	return deleted, nil
}

func endedAtArg(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}
