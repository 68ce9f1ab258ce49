package live

import (
	"context"
	"log/slog"
	"time"

	"github.com/pitchlab/roleplay/internal/shared"
	"github.com/pitchlab/roleplay/internal/store"
)

// ReaperConfig controls the background session reaper.
type ReaperConfig struct {
	// Interval is how often the sweep runs.
	Interval time.Duration
	// AbandonedAfter force-ends sessions with no attached client and no
	// audio for this long (transport dropped without end-session and the
	// client never reconnected).
	AbandonedAfter time.Duration
	// RetentionTTL prunes terminal session rows older than this.
	RetentionTTL time.Duration
}

// StartReaper runs a background goroutine that force-ends abandoned live
// sessions and prunes aged terminal rows from the store. Returns when ctx
// is cancelled.
func StartReaper(ctx context.Context, registry *Registry, repo store.Repository, cfg ReaperConfig) {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.AbandonedAfter <= 0 {
		cfg.AbandonedAfter = 5 * time.Minute
	}
	if cfg.RetentionTTL <= 0 {
		cfg.RetentionTTL = 7 * 24 * time.Hour
	}

	ticker := time.NewTicker(cfg.Interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Session reaper started",
			"interval", cfg.Interval,
			"abandoned_after", cfg.AbandonedAfter,
			"retention_ttl", cfg.RetentionTTL,
		)

		for {
			select {
			case <-ticker.C:
				sweep(ctx, registry, repo, cfg)
			case <-ctx.Done():
				slog.Info("Session reaper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func sweep(ctx context.Context, registry *Registry, repo store.Repository, cfg ReaperConfig) {
	now := time.Now()
	reaped := 0
	for _, orch := range registry.List() {
		if orch.State().Terminal() {
			continue
		}
		if orch.Attached() {
			continue
		}
		last := orch.LastActivity()
		if last.IsZero() || now.Sub(last) < cfg.AbandonedAfter {
			continue
		}
		slog.Info("Reaping abandoned session",
			"session_id", orch.ID(),
			"idle_for", now.Sub(last),
		)
		orch.Flag(ReasonAbandoned)
		reaped++
	}
	if reaped > 0 {
		slog.Info("Session reaper sweep completed", "reaped", reaped)
	}

	if deleted, err := cleanupWithRetry(ctx, repo, cfg.RetentionTTL); err != nil {
		slog.Error("Session reaper failed to prune ended sessions", "error", err)
	} else if deleted > 0 {
		slog.Info("Session reaper pruned ended sessions", "count", deleted)
	}
}

// cleanupWithRetry prunes aged rows with exponential backoff to ride out
// SQLITE_BUSY while a turn cycle is writing.
func cleanupWithRetry(ctx context.Context, repo store.Repository, ttl time.Duration) (int64, error) {
	maxRetries := 3
	baseDelay := 100 * time.Millisecond

	var deleted int64
	var err error
	for i := 0; i < maxRetries; i++ {
		deleted, err = repo.CleanupEndedSessions(ctx, ttl)
		if err == nil {
			return deleted, nil
		}
		if shared.IsSQLiteConflictError(err) && i < maxRetries-1 {
			delay := baseDelay * time.Duration(1<<i)
			slog.Debug("Cleanup hit busy database, retrying", "attempt", i+1, "delay", delay)
			time.Sleep(delay)
			continue
		}
		return 0, err
	}
	return 0, err
}
