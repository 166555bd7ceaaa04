package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaults(t *testing.T) {
	cfg := LoadConfig()

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 5*time.Second, cfg.Signaling.EngineOpTimeout)
	assert.Equal(t, 3, cfg.Signaling.JoinRetries)
	assert.Equal(t, 128, cfg.Signaling.MaxRoomIDLength)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SIGNAL_PORT", "9090")
	t.Setenv("SIGNAL_ENGINE_OP_TIMEOUT_MS", "250")
	t.Setenv("REDIS_ENABLED", "false")
	t.Setenv("LOG_LEVEL", "debug")

	cfg := LoadConfig()
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 250*time.Millisecond, cfg.Signaling.EngineOpTimeout)
	assert.False(t, cfg.Redis.Enabled)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestMalformedEnvFallsBack(t *testing.T) {
	t.Setenv("SIGNAL_PORT", "not-a-number")
	t.Setenv("REDIS_ENABLED", "maybe")

	cfg := LoadConfig()
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.True(t, cfg.Redis.Enabled)
}
