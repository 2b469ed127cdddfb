// Scamnet - Agentic Scam-Baiting Honeypot Server
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

	"github.com/adjoshi/scamnet/internal/api"
	"github.com/adjoshi/scamnet/internal/config"
	"github.com/adjoshi/scamnet/internal/extract"
	"github.com/adjoshi/scamnet/internal/generate"
	"github.com/adjoshi/scamnet/internal/honeypot"
	"github.com/adjoshi/scamnet/internal/keypool"
	"github.com/adjoshi/scamnet/internal/middleware"
	"github.com/adjoshi/scamnet/internal/report"
	"github.com/adjoshi/scamnet/internal/store"
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

	slog.Info("Starting server", "port", cfg.Port, "auth", cfg.AuthEnabled())

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

	keys := keypool.NewRegistry(cfg.FastRouterKeys, cfg.OpenAIKeys)
	slog.Info("Credential pools loaded",
		"fastrouter_keys", len(cfg.FastRouterKeys), "openai_keys", len(cfg.OpenAIKeys))

	primary := generate.NewClient(generate.ClientConfig{
		BaseURL:       cfg.FastRouterBaseURL,
		Model:         cfg.FastRouterModel,
		Timeout:       cfg.GenerateTimeout,
		HistoryWindow: cfg.HistoryWindow,
	})
	var fallbackKey string
	if len(cfg.OpenAIKeys) > 0 {
		fallbackKey = cfg.OpenAIKeys[0]
	}
	fallback := generate.NewClient(generate.ClientConfig{
		BaseURL:       cfg.OpenAIBaseURL,
		Model:         cfg.OpenAIModel,
		APIKey:        fallbackKey,
		Timeout:       cfg.GenerateTimeout,
		HistoryWindow: cfg.HistoryWindow,
	})

	var sink report.Sink = report.LogSink{}
	if cfg.CallbackURL != "" {
		sink = report.NewHTTPSink(cfg.CallbackURL)
	}
	scheduler := report.NewScheduler(repo, sink, cfg.ReportDelay)
	scheduler.OnDelivered = keys.Release

	orchestrator := honeypot.New(repo, keys, primary, fallback, extract.New(), scheduler,
		honeypot.Config{MatureTurns: cfg.MatureTurns})

	handler := api.NewHandler(orchestrator, repo, api.HandlerConfig{
		TurnTimeout:      cfg.TurnTimeout,
		ResponseDelayMax: cfg.ResponseDelayMax,
	})

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS([]string{"*"}))
	r.Use(middleware.APIKey(cfg.APIKey))

	handler.RegisterRoutes(r)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start retention worker.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store.StartRetentionWorker(ctx, repo, cfg.SessionRetention, 0)

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

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	// Cancel pending report timers; undelivered reports re-arm on the next
	// eligible turn after restart.
	scheduler.Stop()

	slog.Info("Server stopped successfully")
}
