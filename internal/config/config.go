package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

type Config struct {
	Server struct {
		Port         string `validate:"required,numeric"`
		ReadTimeout  time.Duration
		WriteTimeout time.Duration
		LogLevel     string `validate:"oneof=debug info warn error"`
	}

	Weather struct {
		OpenWeatherAPIKey string        `validate:"required"`
		OpenWeatherURL    string        `validate:"required,url"`
		Latitude          float64       `validate:"gte=-90,lte=90"`
		Longitude         float64       `validate:"gte=-180,lte=180"`
		Cooldown          time.Duration `validate:"gt=0"`
		Timeout           time.Duration `validate:"gt=0"`
		RetryInterval     time.Duration `validate:"gte=0"`
	}

	Songs struct {
		Dir              string `validate:"required"`
		ReservedPrefix   string
		CompressionLevel int `validate:"gte=1,lte=4"`
	}

	Playback struct {
		Volume         float64 `validate:"gte=0,lte=2"`
		Loop           bool
		RolloverOffset time.Duration `validate:"gt=0,lt=1m"`
		ByteRate       int           `validate:"gt=0"`
	}

	Announce struct {
		History int `validate:"gt=0"`
	}

	CircuitBreaker struct {
		Threshold int `validate:"gt=0"`
		Timeout   time.Duration
	}

	Retry struct {
		MaxRetries int `validate:"gte=0"`
		Delay      time.Duration
		Multiplier float64 `validate:"gte=1"`
	}
}

func LoadConfig() (*Config, error) {
	// Load .env file if exists
	if err := godotenv.Load(); err != nil {
		zap.L().Info("No .env file found, using environment variables")
	}

	cfg := &Config{}

	// Server configuration
	cfg.Server.Port = getEnv("FIBER_PORT", "8080")
	cfg.Server.ReadTimeout = parseDuration(getEnv("FIBER_READ_TIMEOUT", "10s"))
	// zero: listeners keep the stream open indefinitely
	cfg.Server.WriteTimeout = parseDuration(getEnv("FIBER_WRITE_TIMEOUT", "0s"))
	cfg.Server.LogLevel = getEnv("LOG_LEVEL", "info")

	// Weather configuration
	cfg.Weather.OpenWeatherAPIKey = getEnv("OPENWEATHER_API_KEY", "")
	cfg.Weather.OpenWeatherURL = getEnv("OPENWEATHER_URL", "https://api.openweathermap.org/data/2.5")
	lat, ok := os.LookupEnv("WEATHER_LATITUDE")
	if !ok {
		return nil, fmt.Errorf("WEATHER_LATITUDE is required")
	}
	lon, ok := os.LookupEnv("WEATHER_LONGITUDE")
	if !ok {
		return nil, fmt.Errorf("WEATHER_LONGITUDE is required")
	}
	cfg.Weather.Latitude = parseFloat(lat)
	cfg.Weather.Longitude = parseFloat(lon)
	cfg.Weather.Cooldown = parseDuration(getEnv("WEATHER_COOLDOWN", "10m"))
	cfg.Weather.Timeout = parseDuration(getEnv("WEATHER_TIMEOUT", "10s"))
	cfg.Weather.RetryInterval = parseDuration(getEnv("WEATHER_RETRY_INTERVAL", "30s"))

	// Song library
	cfg.Songs.Dir = getEnv("SONG_DIR", "songs/")
	cfg.Songs.ReservedPrefix = getEnv("SONG_RESERVED_PREFIX", "REA")
	cfg.Songs.CompressionLevel = parseInt(getEnv("COMPRESSION_LEVEL", "3"))

	// Playback policy
	cfg.Playback.Volume = parseFloat(getEnv("PLAYBACK_VOLUME", "1.0"))
	cfg.Playback.Loop = parseBool(getEnv("PLAYBACK_LOOP", "true"))
	cfg.Playback.RolloverOffset = parseDuration(getEnv("ROLLOVER_OFFSET", "500ms"))
	cfg.Playback.ByteRate = parseInt(getEnv("STREAM_BYTE_RATE", "16000"))

	cfg.Announce.History = parseInt(getEnv("ANNOUNCE_HISTORY", "50"))

	// Circuit breaker configuration
	cfg.CircuitBreaker.Threshold = parseInt(getEnv("CIRCUIT_BREAKER_THRESHOLD", "3"))
	cfg.CircuitBreaker.Timeout = parseDuration(getEnv("CIRCUIT_BREAKER_TIMEOUT", "30s"))

	// Retry configuration
	cfg.Retry.MaxRetries = parseInt(getEnv("MAX_RETRIES", "3"))
	cfg.Retry.Delay = parseDuration(getEnv("RETRY_DELAY", "1s"))
	cfg.Retry.Multiplier = parseFloat(getEnv("RETRY_MULTIPLIER", "2"))

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseDuration(value string) time.Duration {
	duration, err := time.ParseDuration(value)
	if err != nil {
		zap.L().Warn("Failed to parse duration", zap.String("value", value), zap.Error(err))
		return 0
	}
	return duration
}

func parseInt(value string) int {
	intValue, err := strconv.Atoi(value)
	if err != nil {
		zap.L().Warn("Failed to parse int", zap.String("value", value), zap.Error(err))
		return 0
	}
	return intValue
}

func parseFloat(value string) float64 {
	floatValue, err := strconv.ParseFloat(value, 64)
	if err != nil {
		zap.L().Warn("Failed to parse float", zap.String("value", value), zap.Error(err))
		return 0
	}
	return floatValue
}

func parseBool(value string) bool {
	boolValue, err := strconv.ParseBool(value)
	if err != nil {
		zap.L().Warn("Failed to parse bool", zap.String("value", value), zap.Error(err))
		return false
	}
	return boolValue
}
