package live

import (
	"context"
	"log/slog"
	"sync"

	"github.com/pitchlab/roleplay/internal/backend"
	"github.com/pitchlab/roleplay/internal/store"
	"github.com/pitchlab/roleplay/internal/transcript"
)

// Registry owns the live orchestrators, keyed by session ID. Sessions are
// created on start-session and removed when they reach a terminal state.
// There is deliberately no process-wide singleton: everything that needs the
// registry receives this object.
type Registry struct {
	repo       store.Repository
	transcrib  backend.Transcriber
	generator  backend.Generator
	synth      backend.Synthesizer
	tlog       transcript.Logger
	orchConfig OrchestratorConfig

	mu       sync.RWMutex
	sessions map[string]*Orchestrator
}

// NewRegistry creates a session registry with the shared collaborators every
// orchestrator needs.
func NewRegistry(
	repo store.Repository,
	transcriber backend.Transcriber,
	generator backend.Generator,
	synthesizer backend.Synthesizer,
	tlog transcript.Logger,
	orchConfig OrchestratorConfig,
) *Registry {
	return &Registry{
		repo:       repo,
		transcrib:  transcriber,
		generator:  generator,
		synth:      synthesizer,
		tlog:       tlog,
		orchConfig: orchConfig,
		sessions:   make(map[string]*Orchestrator),
	}
}

// GetOrCreate returns the orchestrator for sessionID, creating one if it
// does not exist yet. The bool reports whether it was newly created.
func (r *Registry) GetOrCreate(sessionID string) (*Orchestrator, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if orch, ok := r.sessions[sessionID]; ok {
		return orch, false
	}

	orch := NewOrchestrator(
		sessionID,
		r.repo,
		r.transcrib,
		r.generator,
		r.synth,
		r.tlog,
		r.orchConfig,
		r.remove,
	)
	r.sessions[sessionID] = orch
	slog.Info("Session registered", "session_id", sessionID, "active_sessions", len(r.sessions))
	return orch, true
}

// Get returns the orchestrator for sessionID, or nil.
func (r *Registry) Get(sessionID string) *Orchestrator {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[sessionID]
}

// List returns a snapshot of all live orchestrators.
func (r *Registry) List() []*Orchestrator {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Orchestrator, 0, len(r.sessions))
	for _, orch := range r.sessions {
		out = append(out, orch)
	}
	return out
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Shutdown gracefully ends every live session (server shutdown path).
func (r *Registry) Shutdown(ctx context.Context) {
	live := r.List()
	for _, orch := range live {
		_ = orch.End(ReasonShutdown)
	}
	// Wait for the terminal state to be persisted, bounded by ctx.
	for _, orch := range live {
		select {
		case <-orch.Done():
		case <-ctx.Done():
			return
		}
	}
}

// Discard drops a never-started orchestrator, e.g. after a failed
// start-session (unknown scenario). Started sessions remove themselves via
// their terminal transition.
func (r *Registry) Discard(sessionID string) {
	r.remove(sessionID)
}

// remove is installed as every orchestrator's onClose callback.
func (r *Registry) remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[sessionID]; ok {
		delete(r.sessions, sessionID)
		slog.Info("Session unregistered", "session_id", sessionID, "active_sessions", len(r.sessions))
	}
}
