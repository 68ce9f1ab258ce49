package live

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pitchlab/roleplay/internal/audio"
	"github.com/pitchlab/roleplay/internal/backend"
	"github.com/pitchlab/roleplay/internal/domain"
	"github.com/pitchlab/roleplay/internal/store"
	"github.com/pitchlab/roleplay/internal/transcript"
)

var (
	// ErrSessionTerminal is returned for events arriving after the session
	// reached a terminal state.
	ErrSessionTerminal = errors.New("session already ended")
	// ErrSessionNotFound is returned for events referencing an unknown session.
	ErrSessionNotFound = errors.New("session not found")
)

// idleCheckInterval is how often the run loop consults the idle policy.
const idleCheckInterval = time.Second

// maxPendingUtterances bounds how many flushed utterances may queue while a
// turn cycle is in flight. Beyond it the oldest pending utterances are
// coalesced, never dropped.
const maxPendingUtterances = 8

// Sink receives outbound server events. The websocket handler implements it;
// tests substitute a recorder. A nil sink (detached client) drops events;
// the durable transcript still lands in the store.
type Sink interface {
	Send(v any) error
}

// OrchestratorConfig carries the per-session tuning knobs.
type OrchestratorConfig struct {
	SampleRate     int
	AccumulatorCap int
	IdleTimeout    time.Duration
	IdleGrace      time.Duration
	// NewDetector builds the utterance boundary strategy for this session.
	NewDetector func() BoundaryDetector
}

// Orchestrator runs one session: it serializes audio ingestion, sequences
// transcription → generation → recording for each utterance, applies the
// termination policy and emits outbound events. All turn processing happens
// on a single run goroutine so at most one turn cycle is ever in flight.
type Orchestrator struct {
	sessionID string
	repo      store.Repository
	transcrib backend.Transcriber
	generator backend.Generator
	synth     backend.Synthesizer
	tlog      transcript.Logger
	cfg       OrchestratorConfig

	acc      *audio.Accumulator
	detector BoundaryDetector

	ctx    context.Context
	cancel context.CancelFunc
	wake   chan struct{}
	endCh  chan struct{}
	done   chan struct{}

	// onClose is invoked exactly once after the terminal transition.
	onClose func(sessionID string)

	mu            sync.Mutex
	sess          *domain.Session
	scenario      *domain.Scenario
	sink          Sink
	history       []domain.Turn
	pending       [][]byte
	lastAudio     time.Time
	lastTurnTS    time.Time
	warned        bool
	idleWarned    bool
	flagged       bool
	flagReason    string
	endRequested  bool
	endReason     string
	cycleCancel   context.CancelFunc
	droppedEvents int64
	endOnce       sync.Once
}

// NewOrchestrator creates an orchestrator for a not-yet-started session.
func NewOrchestrator(
	sessionID string,
	repo store.Repository,
	transcriber backend.Transcriber,
	generator backend.Generator,
	synthesizer backend.Synthesizer,
	tlog transcript.Logger,
	cfg OrchestratorConfig,
	onClose func(sessionID string),
) *Orchestrator {
	if cfg.NewDetector == nil {
		cfg.NewDetector = func() BoundaryDetector {
			return NewSilenceDetector(SilenceDetectorConfig{})
		}
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if tlog == nil {
		tlog = transcript.NopLogger{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		sessionID: sessionID,
		repo:      repo,
		transcrib: transcriber,
		generator: generator,
		synth:     synthesizer,
		tlog:      tlog,
		cfg:       cfg,
		acc:       audio.NewAccumulator(cfg.AccumulatorCap),
		detector:  cfg.NewDetector(),
		ctx:       ctx,
		cancel:    cancel,
		wake:      make(chan struct{}, 1),
		endCh:     make(chan struct{}),
		done:      make(chan struct{}),
		onClose:   onClose,
	}
}

// ID returns the session ID.
func (o *Orchestrator) ID() string {
	return o.sessionID
}

// State returns the current session state, or StateCreated before Start.
func (o *Orchestrator) State() domain.SessionState {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.sess == nil {
		return domain.StateCreated
	}
	return o.sess.State
}

// LastActivity returns when audio last arrived (or when the session started).
func (o *Orchestrator) LastActivity() time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.lastAudio.IsZero() {
		return o.lastAudio
	}
	if o.sess != nil {
		return o.sess.StartedAt
	}
	return time.Time{}
}

// Attached reports whether a client sink is currently connected.
func (o *Orchestrator) Attached() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sink != nil
}

// Attach binds the outbound event sink, replacing any previous one
// (reconnection takes over the session).
func (o *Orchestrator) Attach(s Sink) {
	o.mu.Lock()
	o.sink = s
	o.mu.Unlock()
}

// Detach removes the sink if it is still the given one. Events emitted while
// detached are dropped; the session itself keeps running until the policy or
// the reaper ends it.
func (o *Orchestrator) Detach(s Sink) {
	o.mu.Lock()
	if o.sink == s {
		o.sink = nil
	}
	o.mu.Unlock()
}

// Start handles start-session. First call validates the scenario, persists
// the session record and launches the run loop; replaying start-session on
// an active session only re-acknowledges with the original maxTurns.
func (o *Orchestrator) Start(ctx context.Context, scenarioID, userID string) error {
	o.mu.Lock()
	if o.sess != nil {
		if o.sess.State.Terminal() {
			o.mu.Unlock()
			return ErrSessionTerminal
		}
		// Idempotent re-issue: re-sync the client, change nothing.
		maxTurns := o.sess.MaxTurns
		o.mu.Unlock()
		o.emit(sessionStarted(o.sessionID, maxTurns))
		slog.Info("Session start replayed", "session_id", o.sessionID)
		return nil
	}
	o.mu.Unlock()

	// A fresh orchestrator for a session ID the store already knows means
	// the session ended in an earlier connection; a replayed start must not
	// resurrect it.
	if prior, err := o.repo.GetSession(ctx, o.sessionID); err == nil {
		if prior.State.Terminal() {
			return ErrSessionTerminal
		}
	} else if !errors.Is(err, store.ErrSessionNotFound) {
		return fmt.Errorf("load session %s: %w", o.sessionID, err)
	}

	scenario, err := o.repo.GetScenario(ctx, scenarioID)
	if err != nil {
		return fmt.Errorf("load scenario %s: %w", scenarioID, err)
	}

	now := time.Now()
	sess := &domain.Session{
		ID:         o.sessionID,
		ScenarioID: scenario.ID,
		UserID:     userID,
		State:      domain.StateActive,
		MaxTurns:   scenario.MaxTurns,
		StartedAt:  now,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := o.repo.CreateSession(ctx, sess); err != nil {
		return fmt.Errorf("create session record: %w", err)
	}

	o.mu.Lock()
	if o.sess != nil {
		// Lost a start race with ourselves; first writer wins.
		maxTurns := o.sess.MaxTurns
		o.mu.Unlock()
		o.emit(sessionStarted(o.sessionID, maxTurns))
		return nil
	}
	o.sess = sess
	o.scenario = scenario
	o.lastAudio = now
	o.mu.Unlock()

	go o.run()

	o.emit(sessionStarted(o.sessionID, scenario.MaxTurns))
	o.tlog.Log(transcript.Event{
		Timestamp: now.UTC().Format(time.RFC3339Nano),
		UserID:    userID,
		SessionID: o.sessionID,
		EventType: "session-started",
		Meta:      map[string]any{"scenario_id": scenario.ID, "max_turns": scenario.MaxTurns},
	})
	slog.Info("Session started",
		"session_id", o.sessionID,
		"user_id", userID,
		"scenario_id", scenario.ID,
		"max_turns", scenario.MaxTurns,
	)
	return nil
}

// HandleAudio ingests one audio chunk. Never blocks on turn processing: the
// chunk lands in the accumulator and, when a boundary is reached, the flushed
// utterance is queued for the run loop.
func (o *Orchestrator) HandleAudio(data []byte, at time.Time) error {
	if len(data) == 0 {
		return nil
	}
	if at.IsZero() {
		at = time.Now()
	}

	o.mu.Lock()
	if o.sess == nil {
		o.mu.Unlock()
		return ErrSessionNotFound
	}
	if o.sess.State.Terminal() || o.endRequested {
		o.mu.Unlock()
		return ErrSessionTerminal
	}
	o.lastAudio = time.Now()

	level := audio.RMSLevel(data)
	boundary := o.detector.Observe(level, at)

	var utterance []byte
	if flush, forced := o.acc.Append(data); forced {
		// Cap reached: flush early rather than drop the tail.
		o.detector.Reset()
		utterance = flush
	} else if boundary {
		o.detector.Reset()
		utterance = o.acc.Flush()
	}

	if len(utterance) > 0 {
		o.pending = append(o.pending, utterance)
		// Coalesce rather than drop if the backend is slow and utterances pile up.
		if len(o.pending) > maxPendingUtterances {
			merged := append(o.pending[0], o.pending[1]...)
			o.pending = append([][]byte{merged}, o.pending[2:]...)
		}
	}
	o.mu.Unlock()

	o.emit(audioReceived(len(data)))

	if len(utterance) > 0 {
		select {
		case o.wake <- struct{}{}:
		default:
		}
	}
	return nil
}

// End requests graceful termination (explicit end-session). An in-flight
// adapter call is cancelled cooperatively; its result is discarded.
func (o *Orchestrator) End(reason string) error {
	o.mu.Lock()
	if o.sess == nil {
		o.mu.Unlock()
		return ErrSessionNotFound
	}
	if o.sess.State.Terminal() {
		o.mu.Unlock()
		return ErrSessionTerminal
	}
	if !o.endRequested {
		o.endRequested = true
		o.endReason = reason
		o.sess.State = domain.StateEnding
		if o.cycleCancel != nil {
			o.cycleCancel()
		}
	}
	o.mu.Unlock()

	o.endOnce.Do(func() { close(o.endCh) })
	return nil
}

// Flag marks the session for forced termination (abuse detection or
// administrative action). The next policy check force-ends it.
func (o *Orchestrator) Flag(reason string) {
	o.mu.Lock()
	o.flagged = true
	if reason != "" {
		o.flagReason = reason
	}
	if o.cycleCancel != nil {
		o.cycleCancel()
	}
	o.mu.Unlock()

	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// Done is closed once the session has reached a terminal state and the run
// loop has exited.
func (o *Orchestrator) Done() <-chan struct{} {
	return o.done
}

func (o *Orchestrator) run() {
	defer close(o.done)
	defer o.cancel()

	ticker := time.NewTicker(idleCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.ctx.Done():
			return
		case <-o.endCh:
			// Explicit end-session. Any in-flight cycle was already
			// cancelled before we got here.
			o.finish(o.requestedReason())
			return
		case <-o.wake:
			if o.processPending() {
				return
			}
		case <-ticker.C:
			if o.checkPolicy(true) {
				return
			}
		}
	}
}

func (o *Orchestrator) requestedReason() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.endReason != "" {
		return o.endReason
	}
	return ReasonClientRequest
}

// processPending drains queued utterances one turn cycle at a time.
// Returns true when the session reached a terminal state.
func (o *Orchestrator) processPending() bool {
	for {
		o.mu.Lock()
		if o.sess == nil || o.sess.State.Terminal() || o.endRequested {
			terminal := o.sess != nil && o.sess.State.Terminal()
			o.mu.Unlock()
			return terminal
		}
		if o.flagged {
			reason := o.flagReason
			o.mu.Unlock()
			if reason == "" {
				reason = ReasonFlagged
			}
			o.forceEnd(reason)
			return true
		}
		if len(o.pending) == 0 {
			o.mu.Unlock()
			return false
		}
		utterance := o.pending[0]
		o.pending = o.pending[1:]
		o.mu.Unlock()

		if o.processUtterance(utterance) {
			return true
		}
	}
}

// processUtterance runs one full turn cycle. Returns true when the session
// reached a terminal state during the cycle.
func (o *Orchestrator) processUtterance(utterance []byte) bool {
	cycleCtx, cycleCancel := context.WithCancel(o.ctx)
	o.mu.Lock()
	o.cycleCancel = cycleCancel
	sess := o.sess
	scenario := o.scenario
	history := make([]domain.Turn, len(o.history))
	copy(history, o.history)
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.cycleCancel = nil
		o.mu.Unlock()
		cycleCancel()
	}()

	sc := backend.SessionContext{
		SessionID:  sess.ID,
		UserID:     sess.UserID,
		SampleRate: o.cfg.SampleRate,
	}

	// Transcription: one retry, never fatal to the session.
	var text string
	err := o.callWithRetry(cycleCtx, func(ctx context.Context) error {
		var terr error
		text, terr = o.transcrib.Transcribe(ctx, utterance, sc)
		return terr
	})
	if o.discardIfEnding() {
		return false
	}
	if err != nil {
		if errors.Is(err, backend.ErrEmptyAudio) {
			slog.Debug("Silence-only utterance skipped", "session_id", sess.ID, "bytes", len(utterance))
			return false
		}
		if errors.Is(err, context.Canceled) {
			return false
		}
		slog.Warn("Transcription failed after retry", "session_id", sess.ID, "error", err)
		o.emit(errorEvent(errorTypeFor(err), "transcription failed: "+err.Error()))
		return false
	}

	userTS := o.nextTurnTimestamp()
	o.emit(transcription(text, userTS.UnixMilli()))

	// Generation: one retry; persistent failure stalls the conversation,
	// which force-ends the session.
	var result *backend.GenerateResult
	err = o.callWithRetry(cycleCtx, func(ctx context.Context) error {
		var gerr error
		result, gerr = o.generator.GenerateTurn(ctx, backend.GenerateRequest{
			Persona:       scenario.Persona,
			OpeningPrompt: scenario.OpeningPrompt,
			History:       history,
			UserText:      text,
		})
		return gerr
	})
	if o.discardIfEnding() {
		return false
	}
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return false
		}
		slog.Error("Generation failed after retry", "session_id", sess.ID, "error", err)
		o.emit(errorEvent(errorTypeFor(err), "generation failed: "+err.Error()))
		o.forceEnd(ReasonGenerationFailure)
		return true
	}

	asstTS := o.nextTurnTimestamp()
	newCount := sess.TurnCount + 1
	o.emit(aiResponse(result.Text, newCount, asstTS.UnixMilli()))

	// Optional speech synthesis. Failures degrade to text-only, never fatal.
	var audioRef string
	if o.synth != nil {
		speech, serr := o.synth.Synthesize(cycleCtx, result.Text)
		if serr != nil {
			if !errors.Is(serr, context.Canceled) {
				slog.Warn("Speech synthesis failed", "session_id", sess.ID, "error", serr)
			}
		} else {
			audioRef = speech.AudioRef
			o.emit(avatarResponse(speech.AudioURL, "", speech.Duration.Seconds()))
		}
	}

	userTurn := domain.Turn{
		ID:        uuid.NewString(),
		SessionID: sess.ID,
		Role:      domain.RoleUser,
		Text:      text,
		Timestamp: userTS,
	}
	asstTurn := domain.Turn{
		ID:        uuid.NewString(),
		SessionID: sess.ID,
		Role:      domain.RoleAssistant,
		Text:      result.Text,
		AudioRef:  audioRef,
		Timestamp: asstTS,
	}
	o.recordTurn(userTurn)
	o.recordTurn(asstTurn)

	o.mu.Lock()
	o.history = append(o.history, userTurn, asstTurn)
	o.sess.TurnCount = newCount
	o.mu.Unlock()
	o.persistSession()

	slog.Info("Turn completed",
		"session_id", sess.ID,
		"turn_count", newCount,
		"max_turns", sess.MaxTurns,
	)

	if o.checkPolicy(false) {
		return true
	}

	if result.ShouldEnd {
		o.finish(ReasonPersonaEnded)
		return true
	}
	return false
}

// discardIfEnding reports whether an end request arrived while an adapter
// call was in flight; the caller discards its result either way.
func (o *Orchestrator) discardIfEnding() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.endRequested || (o.sess != nil && o.sess.State.Terminal())
}

// callWithRetry invokes fn, retrying exactly once on transient backend
// failures. Cancellation is never retried.
func (o *Orchestrator) callWithRetry(ctx context.Context, fn func(context.Context) error) error {
	err := fn(ctx)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return context.Canceled
	}
	if errors.Is(err, backend.ErrTimeout) || errors.Is(err, backend.ErrBackendUnavailable) {
		slog.Debug("Retrying backend call", "session_id", o.sessionID, "error", err)
		return fn(ctx)
	}
	return err
}

// checkPolicy consults the termination policy. idle selects whether this is
// the periodic idle check or the post-turn check. Returns true when the
// session reached a terminal state.
func (o *Orchestrator) checkPolicy(idle bool) bool {
	o.mu.Lock()
	if o.sess == nil || o.sess.State.Terminal() {
		terminal := o.sess != nil && o.sess.State.Terminal()
		o.mu.Unlock()
		return terminal
	}

	in := PolicyInput{
		State:       o.sess.State,
		TurnCount:   o.sess.TurnCount,
		MaxTurns:    o.sess.MaxTurns,
		IdleTimeout: o.cfg.IdleTimeout,
		IdleGrace:   o.cfg.IdleGrace,
		Flagged:     o.flagged,
	}
	if idle && !o.lastAudio.IsZero() {
		in.IdleFor = time.Since(o.lastAudio)
	}

	decision, reason := Decide(in)

	switch decision {
	case DecisionContinue:
		o.mu.Unlock()
		return false
	case DecisionWarn:
		alreadyWarned := (reason == ReasonTurnLimitApproaching && o.warned) ||
			(reason == ReasonIdleTimeout && o.idleWarned)
		if reason == ReasonTurnLimitApproaching {
			o.warned = true
		} else {
			o.idleWarned = true
		}
		transitioned := o.sess.State == domain.StateActive
		if transitioned {
			o.sess.State = domain.StateEnding
		}
		o.mu.Unlock()
		if !alreadyWarned {
			o.emit(sessionEnding(reason))
			slog.Info("Session ending soon", "session_id", o.sessionID, "reason", reason)
		}
		if transitioned {
			o.persistSession()
		}
		return false
	case DecisionEnd:
		o.mu.Unlock()
		o.finish(reason)
		return true
	case DecisionForceEnd:
		o.mu.Unlock()
		o.forceEnd(reason)
		return true
	}
	o.mu.Unlock()
	return false
}

// finish performs the graceful terminal transition.
func (o *Orchestrator) finish(reason string) {
	o.mu.Lock()
	if o.sess == nil || o.sess.State.Terminal() {
		o.mu.Unlock()
		return
	}
	now := time.Now()
	o.sess.State = domain.StateEnded
	o.sess.EndReason = reason
	o.sess.EndedAt = &now
	totalTurns := o.sess.TurnCount
	duration := o.sess.Duration()
	userID := o.sess.UserID
	o.acc.Reset()
	o.pending = nil
	o.mu.Unlock()

	o.persistSession()
	o.emit(sessionEnded(reason, totalTurns, duration.Seconds()))
	o.tlog.Log(transcript.Event{
		Timestamp: now.UTC().Format(time.RFC3339Nano),
		UserID:    userID,
		SessionID: o.sessionID,
		EventType: "session-ended",
		TurnCount: totalTurns,
		Meta:      map[string]any{"reason": reason, "duration_sec": duration.Seconds()},
	})
	slog.Info("Session ended",
		"session_id", o.sessionID,
		"reason", reason,
		"total_turns", totalTurns,
		"duration", duration,
	)

	o.cancel()
	if o.onClose != nil {
		o.onClose(o.sessionID)
	}
}

// forceEnd performs the abnormal terminal transition, bypassing wrap-up.
func (o *Orchestrator) forceEnd(reason string) {
	o.mu.Lock()
	if o.sess == nil || o.sess.State.Terminal() {
		o.mu.Unlock()
		return
	}
	now := time.Now()
	o.sess.State = domain.StateForceEnded
	o.sess.EndReason = reason
	o.sess.EndedAt = &now
	userID := o.sess.UserID
	totalTurns := o.sess.TurnCount
	o.acc.Reset()
	o.pending = nil
	o.mu.Unlock()

	o.persistSession()
	o.emit(sessionForceEnded(reason))
	o.tlog.Log(transcript.Event{
		Timestamp: now.UTC().Format(time.RFC3339Nano),
		UserID:    userID,
		SessionID: o.sessionID,
		EventType: "session-force-ended",
		TurnCount: totalTurns,
		Meta:      map[string]any{"reason": reason},
	})
	slog.Warn("Session force-ended", "session_id", o.sessionID, "reason", reason)

	o.cancel()
	if o.onClose != nil {
		o.onClose(o.sessionID)
	}
}

// recordTurn appends a turn to the durable recorder and the audit log.
// Recorder errors are logged, not fatal: the session is worth more than a
// single missed row, and AppendTurn is idempotent if retried out of band.
func (o *Orchestrator) recordTurn(turn domain.Turn) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.repo.AppendTurn(ctx, &turn); err != nil {
		slog.Error("Failed to record turn", "session_id", turn.SessionID, "turn_id", turn.ID, "error", err)
	}

	o.mu.Lock()
	userID := ""
	turnCount := 0
	if o.sess != nil {
		userID = o.sess.UserID
		turnCount = o.sess.TurnCount
	}
	o.mu.Unlock()

	o.tlog.Log(transcript.Event{
		Timestamp: turn.Timestamp.UTC().Format(time.RFC3339Nano),
		UserID:    userID,
		SessionID: turn.SessionID,
		EventType: "turn",
		Role:      string(turn.Role),
		Text:      turn.Text,
		TurnCount: turnCount,
		AudioRef:  turn.AudioRef,
	})
}

func (o *Orchestrator) persistSession() {
	o.mu.Lock()
	if o.sess == nil {
		o.mu.Unlock()
		return
	}
	snapshot := *o.sess
	o.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.repo.UpdateSession(ctx, &snapshot); err != nil {
		slog.Error("Failed to persist session state", "session_id", snapshot.ID, "error", err)
	}
}

// nextTurnTimestamp returns a timestamp strictly after the previous turn's,
// keeping transcript ordering monotonic even under clock jitter.
func (o *Orchestrator) nextTurnTimestamp() time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()
	now := time.Now()
	if !now.After(o.lastTurnTS) {
		now = o.lastTurnTS.Add(time.Millisecond)
	}
	o.lastTurnTS = now
	return now
}

func (o *Orchestrator) emit(v any) {
	o.mu.Lock()
	sink := o.sink
	o.mu.Unlock()

	if sink == nil {
		o.mu.Lock()
		o.droppedEvents++
		o.mu.Unlock()
		return
	}
	if err := sink.Send(v); err != nil {
		slog.Debug("Failed to send event to client", "session_id", o.sessionID, "error", err)
	}
}

func errorTypeFor(err error) string {
	switch {
	case errors.Is(err, backend.ErrTimeout):
		return ErrorTypeTimeout
	case errors.Is(err, backend.ErrContentPolicy):
		return ErrorTypeContentPolicy
	case errors.Is(err, backend.ErrBackendUnavailable):
		return ErrorTypeBackendUnavailable
	default:
		return ErrorTypeBackendUnavailable
	}
}
