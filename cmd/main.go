package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/satriahrh/bookvoice/server/adapters"
	"github.com/satriahrh/bookvoice/server/adapters/elevenlabs"
	"github.com/satriahrh/bookvoice/server/adapters/mongo"
	"github.com/satriahrh/bookvoice/server/domain/repositories"
	"github.com/satriahrh/bookvoice/server/internal/api"
	"github.com/satriahrh/bookvoice/server/internal/auth"
	"github.com/satriahrh/bookvoice/server/internal/config"
	"github.com/satriahrh/bookvoice/server/internal/websocket"
	"github.com/satriahrh/bookvoice/server/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Logger configuration depends on cfg, so fall back to a production logger here.
		logger, _ := zap.NewProduction()
		logger.Fatal("Invalid configuration", zap.Error(err))
	}

	// Initialize logger
	var logger *zap.Logger
	if cfg.Development() {
		logger, _ = zap.NewDevelopment()
	} else {
		logger, _ = zap.NewProduction()
	}
	defer logger.Sync()

	for _, warning := range cfg.Warnings() {
		logger.Warn(warning)
	}

	// Create Echo instance
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: func() string { return uuid.NewString() },
	}))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:       true,
		LogMethod:    true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogError:     true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := []zap.Field{
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
				zap.String("request_id", v.RequestID),
			}
			if v.Error != nil {
				logger.Error("Request failed", append(fields, zap.Error(v.Error))...)
				return nil
			}
			logger.Info("Request", fields...)
			return nil
		},
	}))

	// Conversation history: MongoDB when configured, memory otherwise
	var conversations repositories.ConversationRepository
	var mongoClient *mongo.Client
	if cfg.MongoURI != "" {
		mongoClient, err = mongo.NewClient(context.Background(), cfg.MongoURI, cfg.MongoDatabase, logger)
		if err != nil {
			logger.Fatal("Failed to connect to MongoDB", zap.Error(err))
		}
		repo := mongo.NewConversationRepository(mongoClient.Database, logger)
		if err := repo.EnsureIndexes(context.Background()); err != nil {
			logger.Fatal("Failed to create conversation indexes", zap.Error(err))
		}
		conversations = repo
	} else {
		conversations = adapters.NewMemoryConversationRepository()
	}

	// Credential proxy. Without an API key there is no upstream to call.
	var provider repositories.SignedURLProvider
	if cfg.ElevenLabsAPIKey != "" {
		client, err := elevenlabs.NewSignedURLClient(elevenlabs.Config{
			APIKey:     cfg.ElevenLabsAPIKey,
			APIBaseURL: cfg.ElevenLabsBaseURL,
			Timeout:    cfg.ElevenLabsTimeout,
		}, logger)
		if err != nil {
			logger.Fatal("Failed to create ElevenLabs client", zap.Error(err))
		}
		provider = client
	}
	credentials := usecase.NewCredentialService(cfg, provider, logger)
	tokens := auth.NewTokenIssuer(cfg.JWTSecret, cfg.TicketTTL)

	// Initialize WebSocket hub; each client gets its own ElevenLabs dialer
	hub := websocket.NewHub(credentials, func(sink repositories.AudioSink) repositories.SessionOpener {
		return elevenlabs.NewDialer(elevenlabs.SessionConfig{}, sink, logger)
	}, conversations, logger)
	go hub.Run()

	reaper := websocket.NewConversationReaper(conversations, cfg.ConversationMaxAge, logger)
	reaper.Start()

	// Initialize API routes
	api.InitRoutes(e, hub, credentials, tokens, conversations, cfg.CredentialRateLimit, logger)

	// Graceful shutdown
	go func() {
		if err := e.Start(":" + cfg.Port); err != nil && err != http.ErrServerClosed {
			logger.Fatal("shutting down the server", zap.Error(err))
		}
	}()

	logger.Info("Server started",
		zap.String("port", cfg.Port),
		zap.String("env", cfg.Env),
		zap.Bool("demo_mode", cfg.DemoMode()))

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Server is shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := e.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}
	if err := hub.Shutdown(ctx); err != nil {
		logger.Error("Failed to close websocket clients", zap.Error(err))
	}
	reaper.Stop()
	if mongoClient != nil {
		_ = mongoClient.Close(ctx)
	}

	logger.Info("Server exited")
}
