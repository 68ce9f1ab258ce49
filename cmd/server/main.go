// PitchLab - Sales Roleplay Training Server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/pitchlab/roleplay/internal/api"
	"github.com/pitchlab/roleplay/internal/backend"
	"github.com/pitchlab/roleplay/internal/config"
	"github.com/pitchlab/roleplay/internal/identity"
	"github.com/pitchlab/roleplay/internal/live"
	"github.com/pitchlab/roleplay/internal/middleware"
	"github.com/pitchlab/roleplay/internal/store"
	"github.com/pitchlab/roleplay/internal/transcript"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	ai, err := backend.NewOpenAI(backend.OpenAIConfig{
		BaseURL:           cfg.Backend.BaseURL,
		APIKey:            cfg.Backend.APIKey,
		ChatModel:         cfg.Backend.ChatModel,
		TranscribeModel:   cfg.Backend.TranscribeModel,
		SpeechModel:       cfg.Backend.SpeechModel,
		Voice:             cfg.Backend.Voice,
		MediaDir:          cfg.MediaDir,
		SilenceThreshold:  cfg.Audio.SilenceThreshold,
		TranscribeTimeout: cfg.Backend.TranscribeTimeout,
		GenerateTimeout:   cfg.Backend.GenerateTimeout,
		SynthesizeTimeout: cfg.Backend.SynthesizeTimeout,
	})
	if err != nil {
		slog.Error("Failed to initialize AI backend", "error", err)
		os.Exit(1)
	}

	var synth backend.Synthesizer
	if cfg.Backend.SynthesisEnabled {
		synth = ai
		slog.Info("Speech synthesis enabled", "voice", cfg.Backend.Voice)
	} else {
		slog.Info("Speech synthesis disabled, sessions run text-only")
	}

	tlog, err := transcript.New(transcript.Config{
		Enabled:       cfg.Transcript.Enabled,
		Dir:           cfg.Transcript.Dir,
		GlobalEnabled: cfg.Transcript.GlobalEnabled,
		GlobalPath:    cfg.Transcript.GlobalPath,
		QueueSize:     cfg.Transcript.QueueSize,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize transcript logger", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := tlog.Close(); closeErr != nil {
			slog.Error("Failed to close transcript logger", "error", closeErr)
		}
	}()

	// Initialize the live session registry.
	audioCfg := cfg.Audio
	registry := live.NewRegistry(repo, ai, ai, synth, tlog, live.OrchestratorConfig{
		SampleRate:     audioCfg.SampleRate,
		AccumulatorCap: audioCfg.AccumulatorCap,
		IdleTimeout:    cfg.Session.IdleTimeout,
		IdleGrace:      cfg.Session.IdleGrace,
		NewDetector: func() live.BoundaryDetector {
			return live.NewSilenceDetector(live.SilenceDetectorConfig{
				Threshold:     audioCfg.SilenceThreshold,
				SilenceWindow: audioCfg.SilenceWindow,
				MaxUtterance:  audioCfg.MaxUtterance,
			})
		},
	})

	// Initialize handlers.
	apiHandler := api.NewHandler(repo, registry)
	wsHandler := live.NewWebSocketHandler(repo, registry, cfg.FrontendURL, cfg.IsDevelopment())

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS([]string{"*"}))
	r.Use(identity.Middleware(repo, cfg.IsDevelopment()))

	// All routes use identity middleware (no auth needed).
	apiHandler.RegisterRoutes(r)

	// WebSocket endpoint.
	r.Get("/ws/roleplay", wsHandler.ServeHTTP)

	// Synthesized speech files.
	if err := os.MkdirAll(cfg.MediaDir, 0o755); err != nil {
		slog.Error("Failed to create media directory", "error", err)
		os.Exit(1)
	}
	fileServer := http.StripPrefix("/media/", http.FileServer(http.Dir(cfg.MediaDir)))
	r.Get("/media/*", fileServer.ServeHTTP)

	// Create server.
	// Note: websocket connections require long timeouts (no WriteTimeout).
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	// Start the session reaper.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	live.StartReaper(ctx, registry, repo, live.ReaperConfig{
		Interval:       cfg.Session.ReaperInterval,
		AbandonedAfter: cfg.Session.AbandonedAfter,
		RetentionTTL:   cfg.Session.RetentionTTL,
	})
	slog.Info("Session reaper started",
		"interval", cfg.Session.ReaperInterval,
		"abandoned_after", cfg.Session.AbandonedAfter,
		"retention_ttl", cfg.Session.RetentionTTL)

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// End live sessions first so their final state is persisted before the
	// listener stops accepting the events.
	registry.Shutdown(shutdownCtx)

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
