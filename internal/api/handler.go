// Package api provides the HTTP surface around the live engine: health,
// scenario listing and post-session transcript review. Everything here is
// read-only; the engine itself speaks over the websocket.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pitchlab/roleplay/internal/identity"
	"github.com/pitchlab/roleplay/internal/live"
	"github.com/pitchlab/roleplay/internal/store"
)

// Handler serves the read-only HTTP API.
type Handler struct {
	repo     store.Repository
	registry *live.Registry
}

// NewHandler creates an API handler.
func NewHandler(repo store.Repository, registry *live.Registry) *Handler {
	return &Handler{repo: repo, registry: registry}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// RegisterRoutes registers the API routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/healthz", h.HandleHealth)
		r.Get("/scenarios", h.HandleListScenarios)
		r.Get("/sessions/{sessionID}", h.HandleGetSession)
	})
}

// HandleHealth reports database connectivity and live session count.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ok"
	code := http.StatusOK
	if err := h.repo.Ping(ctx); err != nil {
		slog.Error("Health check failed", "error", err)
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	JSON(w, code, map[string]any{
		"status":        status,
		"live_sessions": h.registry.Count(),
	})
}

type scenarioSummary struct {
	ID            string `json:"id"`
	Title         string `json:"title"`
	OpeningPrompt string `json:"openingPrompt"`
	MaxTurns      int    `json:"maxTurns"`
	PersonaName   string `json:"personaName"`
	PersonaRole   string `json:"personaRole"`
}

// HandleListScenarios lists the available training scenarios. Persona
// internals (objections, ideal responses) stay server-side so trainees
// cannot read the answer key.
func (h *Handler) HandleListScenarios(w http.ResponseWriter, r *http.Request) {
	scenarios, err := h.repo.ListScenarios(r.Context())
	if err != nil {
		slog.Error("Failed to list scenarios", "error", err)
		Error(w, http.StatusInternalServerError, "failed to list scenarios")
		return
	}

	out := make([]scenarioSummary, 0, len(scenarios))
	for _, sc := range scenarios {
		out = append(out, scenarioSummary{
			ID:            sc.ID,
			Title:         sc.Title,
			OpeningPrompt: sc.OpeningPrompt,
			MaxTurns:      sc.MaxTurns,
			PersonaName:   sc.Persona.Name,
			PersonaRole:   sc.Persona.Role,
		})
	}
	JSON(w, http.StatusOK, map[string]any{"scenarios": out})
}

type turnView struct {
	ID        string `json:"id"`
	Role      string `json:"role"`
	Text      string `json:"text"`
	AudioRef  string `json:"audioRef,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

type sessionView struct {
	ID         string     `json:"id"`
	ScenarioID string     `json:"scenarioId"`
	State      string     `json:"state"`
	TurnCount  int        `json:"turnCount"`
	MaxTurns   int        `json:"maxTurns"`
	EndReason  string     `json:"endReason,omitempty"`
	StartedAt  time.Time  `json:"startedAt"`
	EndedAt    *time.Time `json:"endedAt,omitempty"`
	Turns      []turnView `json:"turns"`
}

// HandleGetSession returns a session summary plus its recorded transcript.
// Only the owning trainee may read it.
func (h *Handler) HandleGetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	userID := identity.UserIDFromContext(r.Context())

	sess, err := h.repo.GetSession(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			Error(w, http.StatusNotFound, "session not found")
			return
		}
		slog.Error("Failed to load session", "session_id", sessionID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	if sess.UserID != userID {
		Error(w, http.StatusNotFound, "session not found")
		return
	}

	turns, err := h.repo.ListTurns(r.Context(), sessionID)
	if err != nil {
		slog.Error("Failed to load turns", "session_id", sessionID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load transcript")
		return
	}

	view := sessionView{
		ID:         sess.ID,
		ScenarioID: sess.ScenarioID,
		State:      string(sess.State),
		TurnCount:  sess.TurnCount,
		MaxTurns:   sess.MaxTurns,
		EndReason:  sess.EndReason,
		StartedAt:  sess.StartedAt,
		EndedAt:    sess.EndedAt,
		Turns:      make([]turnView, 0, len(turns)),
	}
	for _, t := range turns {
		view.Turns = append(view.Turns, turnView{
			ID:        t.ID,
			Role:      string(t.Role),
			Text:      t.Text,
			AudioRef:  t.AudioRef,
			Timestamp: t.Timestamp.UnixMilli(),
		})
	}
	JSON(w, http.StatusOK, view)
}
