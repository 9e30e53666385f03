package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port            string
	RedisURL        string
	AuthIssuerURL   string
	AuthHMACSecret  string
	LogLevel        string
	MaxAuthAttempts int
	AuthWindow      time.Duration
	SendBuffer      int
	ActionQueue     int
	ShutdownTimeout time.Duration
}

func Load() *Config {
	return &Config{
		Port:            getEnv("PORT", "8080"),
		RedisURL:        getEnv("REDIS_URL", ""),
		AuthIssuerURL:   getEnv("AUTH_ISSUER_URL", ""),
		AuthHMACSecret:  getEnv("AUTH_HMAC_SECRET", ""),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		MaxAuthAttempts: getEnvInt("MAX_AUTH_ATTEMPTS", 5),
		AuthWindow:      getEnvDuration("AUTH_ATTEMPT_WINDOW", time.Minute),
		SendBuffer:      getEnvInt("SEND_BUFFER", 256),
		ActionQueue:     getEnvInt("ACTION_QUEUE", 64),
		ShutdownTimeout: getEnvDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
	}
}

// ClientConfig configures the terminal client.
type ClientConfig struct {
	URL            string
	Token          string
	UserID         string
	ChannelID      string
	LogLevel       string
	ReconnectDelay time.Duration
	MaxAttempts    int
	ConnectTimeout time.Duration
}

func LoadClient() *ClientConfig {
	return &ClientConfig{
		URL:            getEnv("CHAT_URL", "ws://localhost:8080/ws"),
		Token:          getEnv("CHAT_TOKEN", ""),
		UserID:         getEnv("CHAT_USER_ID", ""),
		ChannelID:      getEnv("CHAT_CHANNEL_ID", ""),
		LogLevel:       getEnv("LOG_LEVEL", "warn"),
		ReconnectDelay: getEnvDuration("RECONNECT_DELAY", time.Second),
		MaxAttempts:    getEnvInt("RECONNECT_MAX_ATTEMPTS", 5),
		ConnectTimeout: getEnvDuration("CONNECT_TIMEOUT", 10*time.Second),
	}
}

// SlogLevel maps a LOG_LEVEL value to a slog level, defaulting to info.
func SlogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}
