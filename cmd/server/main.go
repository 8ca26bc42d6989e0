// Netquery Insight Chat - chat adapter server
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
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keo571/netquery-insight-chat/internal/adapter"
	"github.com/keo571/netquery-insight-chat/internal/api"
	"github.com/keo571/netquery-insight-chat/internal/config"
	"github.com/keo571/netquery-insight-chat/internal/health"
	"github.com/keo571/netquery-insight-chat/internal/middleware"
	"github.com/keo571/netquery-insight-chat/internal/netquery"
	"github.com/keo571/netquery-insight-chat/internal/observability"
	"github.com/keo571/netquery-insight-chat/internal/store"
	"github.com/keo571/netquery-insight-chat/web"
)

func main() {
	envErr := godotenv.Load()

	cfg, err := config.LoadFromEnv()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg, os.Stdout)
	slog.SetDefault(logger)
	if envErr != nil {
		slog.Info("No .env file found, using environment variables")
	}

	slog.Info("Starting server",
		"port", cfg.Port,
		"dev", cfg.IsDevelopment(),
		"netquery_url", cfg.Netquery.BaseURL,
		"database", cfg.Netquery.Database,
	)

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
	if counts, err := repo.CountFeedback(context.Background()); err == nil {
		slog.Info("Database connected", "path", cfg.DBPath, "feedback", counts)
	}

	backend, err := netquery.New(netquery.Config{
		BaseURL:         cfg.Netquery.BaseURL,
		Timeout:         cfg.Netquery.Timeout,
		DownloadTimeout: cfg.Netquery.DownloadTimeout,
		Logger:          logger,
	})
	if err != nil {
		slog.Error("Failed to initialize Netquery client", "error", err)
		os.Exit(1)
	}

	sessions := adapter.NewSessionStore(cfg.Session.TTL, cfg.Session.MaxHistory, logger)
	sessions.OnChange(observability.SetSessionsActive)

	conversationLogger, err := adapter.NewConversationLogger(adapter.ConversationLogConfig{
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

	svc := adapter.NewService(backend, sessions, adapter.Options{
		Database:            cfg.Netquery.Database,
		InitialRows:         cfg.Display.InitialRows,
		AnalyzedRows:        cfg.Display.BackendCacheRows,
		ContextExchanges:    cfg.Session.ContextExchanges,
		SplitInterpretation: cfg.SplitInterpretation,
	}, adapter.WithConversationLogger(conversationLogger), adapter.WithLogger(logger))
	defer func() {
		if closeErr := svc.Close(); closeErr != nil {
			slog.Error("Failed to close conversation log", "error", closeErr)
		}
	}()

	// Initialize handlers.
	chatHandler := adapter.NewHandler(svc, adapter.HandlerConfig{
		KeepaliveInterval: cfg.SSE.KeepaliveInterval,
		MaxRequestBody:    cfg.SSE.MaxRequestBody,
		AllowedOrigins:    cfg.AllowedOrigins,
		RateLimit:         cfg.RateLimit.Requests,
		RateWindow:        cfg.RateLimit.Window,
	}, logger)
	restHandler := api.NewHandler(backend, repo, api.Config{
		Database:       cfg.Netquery.Database,
		SchemaCacheTTL: cfg.SchemaCacheTTL,
		AnalyzedRows:   cfg.Display.BackendCacheRows,
	}, logger)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(observability.TraceMiddleware)
	r.Use(observability.LoggingMiddleware(logger))
	r.Use(observability.MetricsMiddleware)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	restHandler.RegisterRoutes(r)
	chatHandler.RegisterRoutes(r)
	r.Handle("/metrics", promhttp.Handler())

	// Serve embedded frontend (SPA catch-all).
	r.Handle("/*", web.SPAHandler())

	// Note: SSE connections require long timeouts (no WriteTimeout)
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // 0 = no timeout for SSE support
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	prober := health.NewProber(backend, cfg.Health.ProbeInterval, logger)
	prober.Start(ctx)
	if cfg.Health.GRPCAddr != "" {
		if _, err := prober.Serve(ctx, cfg.Health.GRPCAddr); err != nil {
			slog.Error("Failed to start gRPC health server", "addr", cfg.Health.GRPCAddr, "error", err)
			os.Exit(1)
		}
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

	// Hijacked WebSocket connections are not tracked by Shutdown.
	chatHandler.Connections().CloseAll("server shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
