package live

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pitchlab/roleplay/internal/backend"
	"github.com/pitchlab/roleplay/internal/domain"
	"github.com/pitchlab/roleplay/internal/store"
)

// memRepo is an in-memory Repository for engine tests.
type memRepo struct {
	mu        sync.Mutex
	users     map[string]*domain.User
	scenarios map[string]*domain.Scenario
	sessions  map[string]*domain.Session
	turns     map[string][]*domain.Turn
	turnIDs   map[string]bool
}

func newMemRepo() *memRepo {
	return &memRepo{
		users:     make(map[string]*domain.User),
		scenarios: make(map[string]*domain.Scenario),
		sessions:  make(map[string]*domain.Session),
		turns:     make(map[string][]*domain.Turn),
		turnIDs:   make(map[string]bool),
	}
}

func (r *memRepo) addScenario(sc *domain.Scenario) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scenarios[sc.ID] = sc
}

func (r *memRepo) GetUser(_ context.Context, userID string) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.users[userID], nil
}

func (r *memRepo) UpsertUser(_ context.Context, user *domain.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[user.UserID] = user
	return nil
}

func (r *memRepo) UpdateLastSeen(_ context.Context, userID string, lastSeen time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := r.users[userID]; ok {
		u.LastSeenAt = lastSeen
	}
	return nil
}

func (r *memRepo) GetScenario(_ context.Context, scenarioID string) (*domain.Scenario, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sc, ok := r.scenarios[scenarioID]
	if !ok {
		return nil, store.ErrScenarioNotFound
	}
	return sc, nil
}

func (r *memRepo) ListScenarios(_ context.Context) ([]*domain.Scenario, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*domain.Scenario, 0, len(r.scenarios))
	for _, sc := range r.scenarios {
		out = append(out, sc)
	}
	return out, nil
}

func (r *memRepo) CreateSession(_ context.Context, session *domain.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *session
	r.sessions[session.ID] = &cp
	return nil
}

func (r *memRepo) GetSession(_ context.Context, sessionID string) (*domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, store.ErrSessionNotFound
	}
	cp := *s
	return &cp, nil
}

func (r *memRepo) UpdateSession(_ context.Context, session *domain.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *session
	r.sessions[session.ID] = &cp
	return nil
}

func (r *memRepo) AppendTurn(_ context.Context, turn *domain.Turn) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.turnIDs[turn.ID] {
		return nil
	}
	r.turnIDs[turn.ID] = true
	cp := *turn
	r.turns[turn.SessionID] = append(r.turns[turn.SessionID], &cp)
	return nil
}

func (r *memRepo) ListTurns(_ context.Context, sessionID string) ([]*domain.Turn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*domain.Turn(nil), r.turns[sessionID]...), nil
}

func (r *memRepo) CleanupEndedSessions(_ context.Context, ttl time.Duration) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := time.Now().Add(-ttl)
	var n int64
	for id, s := range r.sessions {
		if s.State.Terminal() && s.EndedAt != nil && s.EndedAt.Before(cutoff) {
			delete(r.sessions, id)
			delete(r.turns, id)
			n++
		}
	}
	return n, nil
}

func (r *memRepo) Ping(context.Context) error { return nil }
func (r *memRepo) Close() error               { return nil }

// scriptedTranscriber returns canned transcripts, or scripted errors.
type scriptedTranscriber struct {
	mu    sync.Mutex
	texts []string
	errs  []error
	calls int
}

func (f *scriptedTranscriber) Transcribe(ctx context.Context, _ []byte, _ backend.SessionContext) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return "", f.errs[i]
	}
	if i < len(f.texts) {
		return f.texts[i], nil
	}
	return "hello there", nil
}

func (f *scriptedTranscriber) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// scriptedGenerator returns canned persona replies, or scripted errors.
type scriptedGenerator struct {
	mu       sync.Mutex
	replies  []backend.GenerateResult
	errs     []error
	calls    int
	blockCtx bool
	requests []backend.GenerateRequest
}

func (f *scriptedGenerator) GenerateTurn(ctx context.Context, req backend.GenerateRequest) (*backend.GenerateResult, error) {
	f.mu.Lock()
	i := f.calls
	f.calls++
	f.requests = append(f.requests, req)
	block := f.blockCtx
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	if i < len(f.replies) {
		r := f.replies[i]
		return &r, nil
	}
	return &backend.GenerateResult{Text: "interesting, tell me more"}, nil
}

func (f *scriptedGenerator) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// recordingSink captures every emitted event.
type recordingSink struct {
	mu     sync.Mutex
	events []any
}

func (s *recordingSink) Send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, v)
	return nil
}

func (s *recordingSink) all() []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]any(nil), s.events...)
}

func (s *recordingSink) typesOf() []string {
	var out []string
	for _, ev := range s.all() {
		switch e := ev.(type) {
		case SessionStartedEvent:
			out = append(out, e.Type)
		case AudioReceivedEvent:
			out = append(out, e.Type)
		case TranscriptionEvent:
			out = append(out, e.Type)
		case AIResponseEvent:
			out = append(out, e.Type)
		case AvatarResponseEvent:
			out = append(out, e.Type)
		case SessionEndingEvent:
			out = append(out, e.Type)
		case SessionEndedEvent:
			out = append(out, e.Type)
		case SessionForceEndedEvent:
			out = append(out, e.Type)
		case ErrorEvent:
			out = append(out, e.Type)
		}
	}
	return out
}

func (s *recordingSink) has(eventType string) bool {
	for _, t := range s.typesOf() {
		if t == eventType {
			return true
		}
	}
	return false
}

func testScenario(maxTurns int) *domain.Scenario {
	return &domain.Scenario{
		ID:            "sc-1",
		Title:         "Cold call",
		OpeningPrompt: "You are receiving a cold call from a software vendor.",
		MaxTurns:      maxTurns,
		Persona: domain.PersonaConfig{
			Name: "Dana",
			Role: "Head of Procurement",
		},
	}
}

// voicedChunk is 250ms of loud 16kHz audio; well above any silence threshold.
func voicedChunk() []byte {
	out := make([]byte, 8000)
	for i := 0; i < len(out); i += 2 {
		out[i] = 0x00
		out[i+1] = 0x40 // 16384, half scale
	}
	return out
}

// silentChunk is 250ms of pure silence.
func silentChunk() []byte {
	return make([]byte, 8000)
}

func waitDone(t *testing.T, o *Orchestrator) {
	t.Helper()
	select {
	case <-o.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the session to reach a terminal state")
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}
