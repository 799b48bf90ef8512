package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hugh/escanv/internal/api"
	"github.com/hugh/escanv/internal/assistant"
	"github.com/hugh/escanv/internal/database"
	"github.com/hugh/escanv/internal/events"
	"github.com/hugh/escanv/internal/housekeeping"
	"github.com/hugh/escanv/internal/scan"
	"github.com/hugh/escanv/internal/scanengine"
	"github.com/hugh/escanv/pkg/config"
	"github.com/hugh/escanv/pkg/util"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
)

func main() {
	// Load .env file
	_ = godotenv.Load()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Initialize logger
	logger := util.NewLogger(cfg.Server.Env)
	slog.SetDefault(logger)

	logger.Info("starting E-scanV server",
		"env", cfg.Server.Env,
		"addr", cfg.Server.Addr(),
		"database", cfg.Database.Driver,
	)

	// Connect to database
	db, err := database.Connect(&cfg.Database, logger)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	if err := database.AutoMigrate(db); err != nil {
		logger.Error("failed to migrate database", "error", err)
		os.Exit(1)
	}

	// Connect to Redis. Snapshot fan-out is optional.
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
	})
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		logger.Warn("failed to connect to Redis, snapshot publishing disabled", "error", err)
		_ = redisClient.Close()
		redisClient = nil
	}

	// Scan sessions
	engine := scanengine.NewClient(scanengine.Config{
		BaseURL: cfg.ScanEngine.URL,
		APIKey:  cfg.ScanEngine.APIKey,
		Timeout: cfg.ScanEngine.Timeout(),
	}, logger)
	scans := scan.NewManager(engine, scan.Config{
		PollInterval:     cfg.ScanEngine.PollInterval(),
		InitialPollDelay: cfg.ScanEngine.InitialPollDelay(),
		ProgressFloor:    cfg.ScanEngine.ProgressFloor,
		ProgressCap:      cfg.ScanEngine.ProgressCap,
	}, logger)

	var publisher *events.Publisher
	if redisClient != nil {
		publisher = events.NewPublisher(redisClient, cfg.Redis.SnapshotTTL(), logger)
		scans.Observe(publisher.Observer())
		scans.OnRemove(publisher.RemovalHook())
	}

	// Assistant
	gateway := assistant.NewGateway(assistant.GatewayConfig{
		URL:     cfg.Assistant.GatewayURL,
		APIKey:  cfg.Assistant.APIKey,
		Model:   cfg.Assistant.Model,
		Timeout: cfg.Assistant.Timeout(),
	}, logger)
	transcripts := database.NewTranscriptStore(db)
	chat := assistant.New(gateway, transcripts, logger)
	conversations := assistant.NewRegistry(transcripts)

	// Housekeeping
	sweeper, err := housekeeping.New(cfg.Housekeeping.Schedule, scans, cfg.Housekeeping.SessionMaxAge(), logger)
	if err != nil {
		logger.Error("invalid housekeeping schedule", "error", err)
		os.Exit(1)
	}
	sweeper.Start()

	// Create router
	router := api.NewRouter(api.RouterConfig{
		DB:             db,
		Redis:          redisClient,
		Logger:         logger,
		Scans:          scans,
		Publisher:      publisher,
		Assistant:      chat,
		Conversations:  conversations,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		RateLimitReqs:  cfg.RateLimit.Requests,
		RateLimitSecs:  cfg.RateLimit.WindowSeconds,
	})

	// Create HTTP server. Streaming handlers clear their own write deadline.
	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("server listening", "addr", cfg.Server.Addr())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	router.Close()
	sweeper.Stop(ctx)

	// Cancel in-flight polling
	scans.Close()

	// Close Redis connection
	if redisClient != nil {
		redisClient.Close()
	}

	// Close database connection
	sqlDB, _ := db.DB()
	sqlDB.Close()

	logger.Info("server stopped")
}
