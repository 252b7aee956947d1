package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("OPENWEATHER_API_KEY", "test-key")
	t.Setenv("WEATHER_LATITUDE", "50.08")
	t.Setenv("WEATHER_LONGITUDE", "14.42")
}

func TestLoadConfigDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, time.Duration(0), cfg.Server.WriteTimeout)
	assert.Equal(t, "info", cfg.Server.LogLevel)
	assert.Equal(t, 10*time.Minute, cfg.Weather.Cooldown)
	assert.Equal(t, 10*time.Second, cfg.Weather.Timeout)
	assert.Equal(t, 50.08, cfg.Weather.Latitude)
	assert.Equal(t, "songs/", cfg.Songs.Dir)
	assert.Equal(t, "REA", cfg.Songs.ReservedPrefix)
	assert.Equal(t, 1.0, cfg.Playback.Volume)
	assert.True(t, cfg.Playback.Loop)
	assert.Equal(t, 500*time.Millisecond, cfg.Playback.RolloverOffset)
	assert.Equal(t, 3, cfg.CircuitBreaker.Threshold)
	assert.Equal(t, 2.0, cfg.Retry.Multiplier)
}

func TestLoadConfigOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("WEATHER_COOLDOWN", "5m")
	t.Setenv("PLAYBACK_LOOP", "false")
	t.Setenv("PLAYBACK_VOLUME", "0.5")
	t.Setenv("SONG_DIR", "/srv/songs")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 5*time.Minute, cfg.Weather.Cooldown)
	assert.False(t, cfg.Playback.Loop)
	assert.Equal(t, 0.5, cfg.Playback.Volume)
	assert.Equal(t, "/srv/songs", cfg.Songs.Dir)
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	tests := map[string][2]string{
		"missing api key":   {"OPENWEATHER_API_KEY", ""},
		"latitude range":    {"WEATHER_LATITUDE", "91"},
		"negative offset":   {"ROLLOVER_OFFSET", "-1s"},
		"zero cooldown":     {"WEATHER_COOLDOWN", "nonsense"},
		"volume too loud":   {"PLAYBACK_VOLUME", "3"},
		"bad log level":     {"LOG_LEVEL", "chatty"},
		"bad compression":   {"COMPRESSION_LEVEL", "9"},
		"breaker threshold": {"CIRCUIT_BREAKER_THRESHOLD", "0"},
	}

	for name, env := range tests {
		t.Run(name, func(t *testing.T) {
			setRequired(t)
			t.Setenv(env[0], env[1])

			_, err := LoadConfig()
			assert.Error(t, err)
		})
	}
}

func TestLoadConfigRequiresLocation(t *testing.T) {
	t.Setenv("OPENWEATHER_API_KEY", "test-key")
	t.Setenv("WEATHER_LONGITUDE", "14.42")

	_, err := LoadConfig()
	assert.ErrorContains(t, err, "WEATHER_LATITUDE")
}
