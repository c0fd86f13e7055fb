// OutreachAI session service.
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

	"github.com/ashureev/outreach-ai/internal/agent"
	"github.com/ashureev/outreach-ai/internal/api"
	"github.com/ashureev/outreach-ai/internal/config"
	"github.com/ashureev/outreach-ai/internal/identity"
	"github.com/ashureev/outreach-ai/internal/relay"
	"github.com/ashureev/outreach-ai/internal/session"
	"github.com/ashureev/outreach-ai/internal/store"
	"github.com/ashureev/outreach-ai/internal/stream"
	"github.com/ashureev/outreach-ai/web"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	updates := make(chan *session.Update, 256)
	hub := relay.NewHub(relay.Config{
		RetryDelay:        cfg.SSE.RetryDelay,
		KeepaliveInterval: cfg.SSE.KeepaliveInterval,
		QueueSize:         cfg.SSE.ReplayQueueSize,
		AllowedOrigin:     cfg.FrontendURL,
		IsDev:             cfg.IsDevelopment(),
	}, updates, logger)
	defer hub.Close()

	// Agent sessions (optional).
	var sessions *session.Manager
	var agentProbe api.ProbeFunc
	//nolint:nestif // Startup wiring is intentionally sequential to keep dependency setup explicit.
	if cfg.AIEnabled() {
		if cfg.Agent.GRPCHealthAddr != "" {
			if err := agent.ProbeHealth(ctx, cfg.Agent.GRPCHealthAddr, cfg.Agent.ConnectTimeout, logger); err != nil {
				slog.Warn("Agent health probe failed, sessions may fail to start", "error", err)
			}
			agentProbe = func(ctx context.Context) error {
				return agent.ProbeHealth(ctx, cfg.Agent.GRPCHealthAddr, cfg.Agent.ConnectTimeout, logger)
			}
		}

		conversationLogger, err := agent.NewConversationLogger(agent.ConversationLogConfig{
			Enabled:       cfg.ConversationLog.Enabled,
			Dir:           cfg.ConversationLog.Dir,
			GlobalEnabled: cfg.ConversationLog.GlobalEnabled,
			GlobalPath:    cfg.ConversationLog.GlobalPath,
			QueueSize:     cfg.ConversationLog.QueueSize,
		}, logger)
		if err != nil {
			slog.Error("Failed to initialize conversation logger", "error", err)
			os.Exit(1)
		}
		defer func() {
			if closeErr := conversationLogger.Close(); closeErr != nil {
				slog.Error("Failed to close conversation logger", "error", closeErr)
			}
		}()

		backend := agent.NewClient(agent.ClientConfig{
			BaseURL:        cfg.Agent.BaseURL,
			RequestTimeout: cfg.Agent.RequestTimeout,
		}, logger)

		// Streams stay open for the life of a session, so no client timeout.
		streamHTTP := &http.Client{}
		sessions = session.NewManager(session.ManagerConfig{
			Agent: backend,
			NewStream: func() session.Streamer {
				return stream.NewClient(cfg.Agent.BaseURL, streamHTTP, logger)
			},
			Store:                  repo,
			Updates:                updates,
			ConversationLog:        conversationLogger,
			Logger:                 logger,
			CompletionSummaryDelay: cfg.Agent.CompletionSummaryDelay,
			RequestTimeout:         cfg.Agent.RequestTimeout,
		})
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			sessions.Shutdown(shutdownCtx)
		}()

		sessions.StartReaper(ctx, cfg.SessionTTL)
		slog.Info("Agent sessions enabled", "agent", cfg.Agent.BaseURL, "session_ttl", cfg.SessionTTL)
	} else {
		slog.Info("AI features disabled (AGENT_BASE_URL not set)")
	}

	limiter := api.NewRateLimiter(cfg.RateLimit.RequestsPerWindow, cfg.RateLimit.WindowDuration)
	defer limiter.Stop()

	// Initialize handlers.
	handler := api.NewHandler(api.Options{
		Repo:               repo,
		Sessions:           sessions,
		Hub:                hub,
		Limiter:            limiter,
		MaxRequestBodySize: cfg.SSE.MaxRequestBodySize,
		Logger:             logger,
	})
	healthHandler := api.NewHealthHandler(repo, cfg.Agent.ConnectTimeout, agentProbe)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(api.CORS(cfg.FrontendURL, cfg.IsDevelopment()))

	// Public routes.
	healthHandler.RegisterHealth(r)

	// Everything else runs under the anonymous identity.
	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(repo, cfg.IsDevelopment()))
		handler.RegisterRoutes(r)
	})

	if cfg.StaticDir != "" {
		r.Handle("/*", web.SPAHandler(os.DirFS(cfg.StaticDir)))
	}

	// Note: SSE connections require long timeouts (no WriteTimeout)
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,                 // 0 = no timeout for SSE support
		IdleTimeout:  120 * time.Second, // 2 minutes for idle connections
	}

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

	slog.Info("Server stopped successfully")
}
