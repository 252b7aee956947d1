package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bobby-s-dev/weather-radio/internal/announce"
	"github.com/bobby-s-dev/weather-radio/internal/api"
	"github.com/bobby-s-dev/weather-radio/internal/audio"
	"github.com/bobby-s-dev/weather-radio/internal/clock"
	"github.com/bobby-s-dev/weather-radio/internal/config"
	"github.com/bobby-s-dev/weather-radio/internal/models"
	"github.com/bobby-s-dev/weather-radio/internal/services"
	"github.com/bobby-s-dev/weather-radio/pkg/client"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

func main() {
	// Initialize logger
	level := zap.NewAtomicLevel()
	zapConfig := zap.NewProductionConfig()
	zapConfig.Level = level
	logger, _ := zapConfig.Build()
	defer logger.Sync()

	zap.ReplaceGlobals(logger)
	logger.Info("Starting Weather Radio Service")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}
	if err := level.UnmarshalText([]byte(cfg.Server.LogLevel)); err != nil {
		logger.Warn("Invalid log level, keeping info", zap.String("level", cfg.Server.LogLevel))
	}

	// Song library
	index, err := services.LoadIndex(cfg.Songs.Dir, services.IndexOptions{
		ReservedPrefix: cfg.Songs.ReservedPrefix,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to index songs", zap.Error(err))
	}

	preparer, err := audio.NewZstdPreparer(cfg.Songs.CompressionLevel)
	if err != nil {
		logger.Fatal("Failed to initialize preparer", zap.Error(err))
	}
	defer preparer.Close()

	// Weather
	clientConfig := client.ClientConfig{
		Timeout:        cfg.Weather.Timeout,
		MaxRetries:     cfg.Retry.MaxRetries,
		RetryDelay:     cfg.Retry.Delay,
		Multiplier:     cfg.Retry.Multiplier,
		Threshold:      cfg.CircuitBreaker.Threshold,
		BreakerTimeout: cfg.CircuitBreaker.Timeout,
	}
	weatherClient := client.NewOpenWeatherClient(cfg.Weather.OpenWeatherURL, clientConfig, logger)
	oracle := services.NewOracle(weatherClient, services.OracleConfig{
		Location: models.Location{
			Latitude:  cfg.Weather.Latitude,
			Longitude: cfg.Weather.Longitude,
		},
		APIKey:        cfg.Weather.OpenWeatherAPIKey,
		Cooldown:      cfg.Weather.Cooldown,
		Timeout:       cfg.Weather.Timeout,
		RetryInterval: cfg.Weather.RetryInterval,
	}, logger)

	// Rooms
	mixer := audio.NewMixer(cfg.Playback.ByteRate, logger)
	feed := announce.NewFeed(cfg.Announce.History, logger)
	radio := services.NewRadio(index, preparer, oracle, clock.New(), mixer, feed, services.StationConfig{
		Volume:         cfg.Playback.Volume,
		Loop:           cfg.Playback.Loop,
		RolloverOffset: cfg.Playback.RolloverOffset,
	}, logger)

	// A missing track for the current hour is a library problem; say so early.
	warmCtx, warmCancel := context.WithTimeout(context.Background(), cfg.Weather.Timeout+time.Second)
	if key, err := radio.CheckCurrentKey(warmCtx); err != nil {
		logger.Warn("No track for the current hour", zap.String("key", string(key)), zap.Error(err))
	} else {
		logger.Info("Current track resolved", zap.String("key", string(key)))
	}
	warmCancel()

	// Create Fiber app
	app := fiber.New(fiber.Config{
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		ErrorHandler: api.ErrorHandler,
	})

	// Setup handlers and routes
	handler := api.NewHandler(radio, index, oracle, feed, mixer, logger)
	api.SetupRoutes(app, handler, logger)

	// Start server in goroutine
	go func() {
		addr := ":" + cfg.Server.Port
		logger.Info("Starting server", zap.String("address", addr))

		if err := app.Listen(addr); err != nil {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Leaving every room also closes listener streams
	if err := radio.Shutdown(ctx); err != nil {
		logger.Error("Radio shutdown failed", zap.Error(err))
	}

	if err := app.ShutdownWithContext(ctx); err != nil {
		logger.Error("Server shutdown failed", zap.Error(err))
	}

	logger.Info("Server stopped")
}
