// Cogni Chat - conversation server for a retrieval-augmented answering service.
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
	"golang.org/x/sync/errgroup"

	"github.com/ashureev/cogni-chat/internal/answer"
	"github.com/ashureev/cogni-chat/internal/api"
	"github.com/ashureev/cogni-chat/internal/chat"
	"github.com/ashureev/cogni-chat/internal/config"
	"github.com/ashureev/cogni-chat/internal/identity"
	"github.com/ashureev/cogni-chat/internal/middleware"
	"github.com/ashureev/cogni-chat/internal/store"
	"github.com/ashureev/cogni-chat/internal/turnlog"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	level := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		slog.Error("Server exited with error", "error", err)
		os.Exit(1)
	}
	slog.Info("Server stopped successfully")
}

func run(logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	pingCtx, cancelPing := context.WithTimeout(context.Background(), cfg.Timeout.HealthCheck)
	err = repo.Ping(pingCtx)
	cancelPing()
	if err != nil {
		return err
	}
	slog.Info("Database connected", "path", cfg.DBPath)

	answerer, err := answer.New(cfg.Answer)
	if err != nil {
		return err
	}
	if closer, ok := answerer.(answer.Closer); ok {
		defer closer.Close()
	}
	slog.Info("Answering service configured", "grpc_addr", cfg.Answer.GRPCAddr, "url", cfg.Answer.URL)

	turnLog, err := turnlog.New(turnlog.Config{
		Enabled:       cfg.TurnLog.Enabled,
		Dir:           cfg.TurnLog.Dir,
		GlobalEnabled: cfg.TurnLog.GlobalEnabled,
		GlobalPath:    cfg.TurnLog.GlobalPath,
		GlobalMaxMB:   cfg.TurnLog.GlobalMaxMB,
		QueueSize:     cfg.TurnLog.QueueSize,
	}, logger)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := turnLog.Close(); closeErr != nil {
			slog.Error("Failed to close turn log", "error", closeErr)
		}
	}()

	svc := chat.NewService(repo, answerer,
		chat.WithLogger(logger),
		chat.WithTurnLog(turnLog),
		chat.WithAnswerTimeout(cfg.Answer.Timeout),
	)

	limiter := middleware.NewRateLimiter(cfg.RateLimit.RequestsPerWindow, cfg.RateLimit.WindowDuration)
	defer limiter.Stop()

	chatHandler := api.NewChatHandler(svc, identity.NewJWTVerifier(cfg.JWTSecret), limiter, cfg.MaxRequestBodySize)
	chatHandler.SetAllowedOrigins(cfg.CORSOrigins)
	healthHandler := api.NewHealthHandler(repo, cfg.Timeout.HealthCheck)

	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(cfg.CORSOrigins))

	r.Method(http.MethodGet, "/api/health", healthHandler)
	chatHandler.RegisterRoutes(r)

	// Note: chat sockets are long-lived and turns wait on the answering
	// service, so there is no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}
	srv.RegisterOnShutdown(chatHandler.CloseSockets)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down gracefully...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeout.Shutdown)
		defer cancel()
		shutdownErr := srv.Shutdown(shutdownCtx)
		// Socket turns keep writing to the store after their socket closes.
		if err := chatHandler.WaitForTurns(shutdownCtx); err != nil {
			slog.Warn("Socket turns still running at shutdown", "error", err)
		}
		return shutdownErr
	})

	return g.Wait()
}
