package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 5, cfg.MaxAuthAttempts)
	assert.Equal(t, time.Minute, cfg.AuthWindow)
	assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("REDIS_URL", "redis://localhost:6379/1")
	t.Setenv("MAX_AUTH_ATTEMPTS", "3")
	t.Setenv("AUTH_ATTEMPT_WINDOW", "30s")
	t.Setenv("SEND_BUFFER", "not-a-number")

	cfg := Load()
	assert.Equal(t, "9000", cfg.Port)
	assert.Equal(t, "redis://localhost:6379/1", cfg.RedisURL)
	assert.Equal(t, 3, cfg.MaxAuthAttempts)
	assert.Equal(t, 30*time.Second, cfg.AuthWindow)
	assert.Equal(t, 256, cfg.SendBuffer, "unparsable values fall back")
}

func TestLoadClient(t *testing.T) {
	t.Setenv("CHAT_USER_ID", "U1")
	t.Setenv("RECONNECT_DELAY", "250ms")

	cfg := LoadClient()
	assert.Equal(t, "ws://localhost:8080/ws", cfg.URL)
	assert.Equal(t, "U1", cfg.UserID)
	assert.Equal(t, 250*time.Millisecond, cfg.ReconnectDelay)
	assert.Equal(t, 5, cfg.MaxAttempts)
}

func TestSlogLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, SlogLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, SlogLevel("warning"))
	assert.Equal(t, slog.LevelError, SlogLevel("error"))
	assert.Equal(t, slog.LevelInfo, SlogLevel(""))
}
