package config

import "time"

// BackendConfig holds the development backend configuration.
type BackendConfig struct {
	// Server settings
	HTTPPort int

	// Database
	DatabaseURL string

	// Auth settings
	APIToken  string // Static bearer token; empty disables auth
	UserEmail string

	// WebSocket settings
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	MaxMessageSize int64

	// Demo data
	SeedBotID string
	SeedLogs  int

	Version  string
	LogLevel string
}

// LoadBackend loads the development backend configuration from environment variables.
func LoadBackend() *BackendConfig {
	return &BackendConfig{
		HTTPPort:       getEnvInt("HTTP_PORT", 5300),
		DatabaseURL:    getEnv("DATABASE_URL", "file:devbackend.db?mode=rwc"),
		APIToken:       getEnv("API_TOKEN", ""),
		UserEmail:      getEnv("USER_EMAIL", "admin@example.com"),
		PingInterval:   time.Duration(getEnvInt("WS_PING_INTERVAL_MS", 30000)) * time.Millisecond,
		WriteTimeout:   time.Duration(getEnvInt("WS_WRITE_TIMEOUT_MS", 10000)) * time.Millisecond,
		ReadTimeout:    time.Duration(getEnvInt("WS_READ_TIMEOUT_MS", 90000)) * time.Millisecond,
		MaxMessageSize: int64(getEnvInt("WS_MAX_MESSAGE_SIZE", 1<<20)),
		SeedBotID:      getEnv("SEED_BOT_ID", "demo-bot"),
		SeedLogs:       getEnvInt("SEED_LOGS", 50),
		Version:        getEnv("BACKEND_VERSION", "v0.0.0-dev"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
	}
}
