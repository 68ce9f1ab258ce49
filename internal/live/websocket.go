package live

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/pitchlab/roleplay/internal/identity"
	"github.com/pitchlab/roleplay/internal/store"
)

// WebSocketHandler handles WebSocket-based roleplay sessions.
type WebSocketHandler struct {
	repo          store.Repository
	registry      *Registry
	allowedOrigin string
	isDev         bool
}

// NewWebSocketHandler creates a new WebSocket handler.
func NewWebSocketHandler(repo store.Repository, registry *Registry, allowedOrigin string, isDev bool) *WebSocketHandler {
	return &WebSocketHandler{
		repo:          repo,
		registry:      registry,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
	}
}

// wsSink adapts a websocket connection to the orchestrator Sink. Writes use
// context.Background() because the websocket library tracks its own
// connection state; the handler context only guards setup.
type wsSink struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// Send implements Sink.
func (s *wsSink) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Write(context.Background(), websocket.MessageText, data)
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	slog.Info("WebSocket connection request", "user_id", userID, "ip", r.RemoteAddr)

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "user_id", userID)
		return
	}
	ws.SetReadLimit(h.readLimit())
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "connection closed"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "user_id", userID)
		}
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sink := &wsSink{conn: ws}
	var attached *Orchestrator
	defer func() {
		if attached != nil {
			attached.Detach(sink)
		}
	}()

	h.readLoop(ctx, ws, sink, userID, &attached)
	slog.Info("WebSocket connection closed", "user_id", userID)
}

// readLimit sizes the inbound frame cap so one flush-sized audio chunk fits:
// base64 inflates the accumulator cap by 4/3, plus envelope headroom.
func (h *WebSocketHandler) readLimit() int64 {
	capBytes := h.registry.orchConfig.AccumulatorCap
	if capBytes <= 0 {
		capBytes = 1 << 20
	}
	return int64(capBytes)/3*4 + 4096
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

func (h *WebSocketHandler) readLoop(ctx context.Context, ws *websocket.Conn, sink *wsSink, userID string, attached **Orchestrator) {
	for {
		_, message, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("WebSocket closed by client", "user_id", userID)
			} else if !errors.Is(err, context.Canceled) {
				slog.Warn("WebSocket read error", "error", err, "user_id", userID)
			}
			return
		}

		var ev ClientEvent
		if err := json.Unmarshal(message, &ev); err != nil {
			h.sendError(sink, ErrorTypeBadRequest, "malformed event")
			continue
		}
		if ev.SessionID == "" {
			h.sendError(sink, ErrorTypeBadRequest, "sessionId is required")
			continue
		}

		switch ev.Type {
		case EventStartSession:
			h.handleStart(ctx, ev, sink, userID, attached)
		case EventAudioChunk:
			h.handleAudio(ev, sink)
		case EventEndSession:
			h.handleEnd(ev, sink)
		default:
			h.sendError(sink, ErrorTypeBadRequest, "unknown event type: "+ev.Type)
		}

		// Update last seen asynchronously with timeout.
		go func() {
			updateCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := h.repo.UpdateLastSeen(updateCtx, userID, time.Now()); err != nil {
				slog.Warn("Failed to update last seen", "error", err)
			}
		}()
	}
}

func (h *WebSocketHandler) handleStart(ctx context.Context, ev ClientEvent, sink *wsSink, userID string, attached **Orchestrator) {
	if ev.ScenarioID == "" {
		h.sendError(sink, ErrorTypeBadRequest, "scenarioId is required")
		return
	}

	orch, created := h.registry.GetOrCreate(ev.SessionID)

	// Attach before Start so session-started reaches this client.
	if *attached != nil && *attached != orch {
		(*attached).Detach(sink)
	}
	orch.Attach(sink)
	*attached = orch

	if err := orch.Start(ctx, ev.ScenarioID, userID); err != nil {
		switch {
		case errors.Is(err, ErrSessionTerminal):
			h.sendError(sink, ErrorTypeSessionTerminal, "session already ended")
		case errors.Is(err, store.ErrScenarioNotFound):
			h.sendError(sink, ErrorTypeScenarioNotFound, "scenario not found: "+ev.ScenarioID)
		default:
			slog.Error("Failed to start session", "session_id", ev.SessionID, "error", err)
			h.sendError(sink, ErrorTypeBackendUnavailable, "failed to start session")
		}
		if created {
			orch.Detach(sink)
			*attached = nil
			h.registry.Discard(ev.SessionID)
		}
	}
}

func (h *WebSocketHandler) handleAudio(ev ClientEvent, sink *wsSink) {
	orch := h.registry.Get(ev.SessionID)
	if orch == nil {
		h.sendNoSession(ev.SessionID, sink)
		return
	}

	data, err := base64.StdEncoding.DecodeString(ev.AudioData)
	if err != nil {
		h.sendError(sink, ErrorTypeBadRequest, "audioData is not valid base64")
		return
	}

	at := time.Now()
	if ev.Timestamp > 0 {
		at = time.UnixMilli(ev.Timestamp)
	}

	if err := orch.HandleAudio(data, at); err != nil {
		switch {
		case errors.Is(err, ErrSessionTerminal):
			h.sendError(sink, ErrorTypeSessionTerminal, "session already ended")
		case errors.Is(err, ErrSessionNotFound):
			h.sendError(sink, ErrorTypeSessionNotFound, "session not started")
		default:
			slog.Warn("Failed to ingest audio chunk", "session_id", ev.SessionID, "error", err)
		}
	}
}

func (h *WebSocketHandler) handleEnd(ev ClientEvent, sink *wsSink) {
	orch := h.registry.Get(ev.SessionID)
	if orch == nil {
		h.sendNoSession(ev.SessionID, sink)
		return
	}
	if err := orch.End(ReasonClientRequest); err != nil {
		if errors.Is(err, ErrSessionTerminal) {
			h.sendError(sink, ErrorTypeSessionTerminal, "session already ended")
			return
		}
		slog.Warn("Failed to end session", "session_id", ev.SessionID, "error", err)
	}
}

// sendNoSession classifies a registry miss: a session ID the store knows as
// ended stays terminal on replay, anything else was never started.
func (h *WebSocketHandler) sendNoSession(sessionID string, sink *wsSink) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if sess, err := h.repo.GetSession(ctx, sessionID); err == nil && sess.State.Terminal() {
		h.sendError(sink, ErrorTypeSessionTerminal, "session already ended")
		return
	}
	h.sendError(sink, ErrorTypeSessionNotFound, "no live session: "+sessionID)
}

func (h *WebSocketHandler) sendError(sink *wsSink, errType, message string) {
	if err := sink.Send(errorEvent(errType, message)); err != nil {
		slog.Debug("Failed to send error event", "error", err)
	}
}
