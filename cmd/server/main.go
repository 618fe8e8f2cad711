// deploychat gateway server
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

	"github.com/ashureev/deploychat/internal/api"
	"github.com/ashureev/deploychat/internal/config"
	"github.com/ashureev/deploychat/internal/engine"
	"github.com/ashureev/deploychat/internal/gateway"
	"github.com/ashureev/deploychat/internal/middleware"
	"github.com/ashureev/deploychat/internal/store"
	"github.com/ashureev/deploychat/internal/verify"
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

	eng, err := newEngine(cfg, logger)
	if err != nil {
		slog.Error("Failed to initialize deployment engine", "error", err)
		os.Exit(1)
	}
	defer eng.Close()

	var checker *verify.Checker
	if cfg.Verify.Enabled {
		checker = verify.NewChecker(cfg.Verify.HealthyStatus, cfg.Verify.Timeout, logger)
		checker.Attempts = cfg.Verify.Attempts
		slog.Info("Post-deploy verification enabled", "healthy_status", cfg.Verify.HealthyStatus.String())
	}

	// Initialize handlers.
	wsHandler := gateway.NewHandler(repo, eng, gateway.Options{
		Checker:        checker,
		ReplaySize:     cfg.ReplayBufferSize,
		RateLimit:      cfg.ChatRateLimit.Max,
		RateWindow:     cfg.ChatRateLimit.Window,
		AllowedOrigins: cfg.AllowedOrigins(),
		Logger:         logger,
	})
	defer wsHandler.Close()

	baseHandler := api.NewHandler(repo)
	deploymentHandler := api.NewDeploymentHandler(baseHandler)
	healthHandler := api.NewHealthHandler(repo, eng)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(middleware.RedactAPIKey)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(cfg.AllowedOrigins()))

	// Public routes.
	healthHandler.RegisterHealth(r)

	// Everything else needs the API key when one is configured.
	r.Group(func(r chi.Router) {
		r.Use(middleware.APIKey(cfg.APIKey))
		deploymentHandler.RegisterRoutes(r)
		wsHandler.RegisterRoutes(r)
	})

	// Create server.
	// WebSocket connections are long lived, so there is no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	wsHandler.StartSweeper(ctx, cfg.SessionTTL, gateway.DefaultSweepInterval)

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

	// Hijacked websocket connections are not tracked by Shutdown; the
	// handler closes them itself.
	wsHandler.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}

// newEngine connects to the configured engine, or runs the scripted one
// when no address is set.
func newEngine(cfg *config.Config, logger *slog.Logger) (engine.Engine, error) {
	if cfg.Engine.Addr == "" {
		slog.Info("ENGINE_ADDR not set, using the scripted engine", "delay", cfg.Engine.ScriptedDelay)
		s := engine.NewScripted(cfg.Engine.ScriptedDelay, logger)
		s.FailAt = cfg.Engine.FailAt
		return s, nil
	}
	slog.Info("Connecting to deployment engine via gRPC", "address", cfg.Engine.Addr)
	eng, err := engine.NewGrpcEngine(engine.DefaultGrpcConfig(cfg.Engine.Addr), logger)
	if err != nil {
		return nil, err
	}
	return eng, nil
}
