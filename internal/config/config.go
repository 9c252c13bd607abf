// Package config provides configuration for the console and the development backend.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the console configuration.
type Config struct {
	// Platform settings
	BaseURL        string        `yaml:"base_url"`
	Token          string        `yaml:"token"`
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// Local state (sqlite)
	StatePath string `yaml:"state_path"`

	WebSocket WebSocketConfig `yaml:"websocket"`
	Logs      LogsConfig      `yaml:"logs"`

	// Logging
	LogLevel string `yaml:"log_level"`
}

// WebSocketConfig tunes the pipeline debug WebSocket client.
type WebSocketConfig struct {
	ReconnectDelay       time.Duration `yaml:"reconnect_delay"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`
	PongTimeout          time.Duration `yaml:"pong_timeout"`
	HandshakeTimeout     time.Duration `yaml:"handshake_timeout"`
}

// LogsConfig tunes the bot log viewer.
type LogsConfig struct {
	PageSize       int           `yaml:"page_size"`
	PushInterval   time.Duration `yaml:"push_interval"`
	ScrollDebounce time.Duration `yaml:"scroll_debounce"`
	PolicyFile     string        `yaml:"policy_file"`
}

// Default returns the built-in console configuration.
func Default() *Config {
	return &Config{
		BaseURL:        "http://localhost:5300",
		RequestTimeout: 15 * time.Second,
		StatePath:      filepath.Join(configDir(), "state.db"),
		WebSocket: WebSocketConfig{
			ReconnectDelay:       3 * time.Second,
			MaxReconnectAttempts: 5,
			HeartbeatInterval:    30 * time.Second,
			PongTimeout:          60 * time.Second,
			HandshakeTimeout:     10 * time.Second,
		},
		Logs: LogsConfig{
			PageSize:       10,
			PushInterval:   3 * time.Second,
			ScrollDebounce: 300 * time.Millisecond,
		},
		LogLevel: "info",
	}
}

// DefaultPath returns the default location of the config file.
func DefaultPath() string {
	return filepath.Join(configDir(), "config.yaml")
}

// Load builds the console configuration: defaults, then the YAML file at
// path, then a .env file in the working directory, then BOTCONSOLE_*
// environment variables. A missing file at the default path is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	if err := cfg.loadFile(path); err != nil && (explicit || !errors.Is(err, fs.ErrNotExist)) {
		return nil, err
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.BaseURL = getEnv("BOTCONSOLE_BASE_URL", c.BaseURL)
	c.Token = getEnv("BOTCONSOLE_TOKEN", c.Token)
	c.RequestTimeout = getEnvDuration("BOTCONSOLE_TIMEOUT_MS", c.RequestTimeout)
	c.StatePath = getEnv("BOTCONSOLE_STATE_PATH", c.StatePath)
	c.LogLevel = getEnv("BOTCONSOLE_LOG_LEVEL", c.LogLevel)

	c.WebSocket.ReconnectDelay = getEnvDuration("BOTCONSOLE_WS_RECONNECT_DELAY_MS", c.WebSocket.ReconnectDelay)
	c.WebSocket.MaxReconnectAttempts = getEnvInt("BOTCONSOLE_WS_MAX_RECONNECT_ATTEMPTS", c.WebSocket.MaxReconnectAttempts)
	c.WebSocket.HeartbeatInterval = getEnvDuration("BOTCONSOLE_WS_HEARTBEAT_MS", c.WebSocket.HeartbeatInterval)
	c.WebSocket.PongTimeout = getEnvDuration("BOTCONSOLE_WS_PONG_TIMEOUT_MS", c.WebSocket.PongTimeout)

	c.Logs.PageSize = getEnvInt("BOTCONSOLE_LOGS_PAGE_SIZE", c.Logs.PageSize)
	c.Logs.PushInterval = getEnvDuration("BOTCONSOLE_LOGS_PUSH_INTERVAL_MS", c.Logs.PushInterval)
	c.Logs.PolicyFile = getEnv("BOTCONSOLE_LOGS_POLICY_FILE", c.Logs.PolicyFile)
}

// Validate checks the configuration for values the console cannot run with.
func (c *Config) Validate() error {
	u, err := url.Parse(c.BaseURL)
	if err != nil || u.Host == "" {
		return fmt.Errorf("invalid base_url %q", c.BaseURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("base_url must be http or https, got %q", u.Scheme)
	}
	if c.RequestTimeout <= 0 {
		return errors.New("request_timeout must be positive")
	}
	if c.WebSocket.MaxReconnectAttempts < 0 {
		return errors.New("websocket.max_reconnect_attempts must not be negative")
	}
	if c.WebSocket.HeartbeatInterval <= 0 {
		return errors.New("websocket.heartbeat_interval must be positive")
	}
	if c.WebSocket.PongTimeout > 0 && c.WebSocket.PongTimeout < c.WebSocket.HeartbeatInterval {
		return errors.New("websocket.pong_timeout must not be shorter than the heartbeat interval")
	}
	if c.Logs.PageSize <= 0 {
		return errors.New("logs.page_size must be positive")
	}
	return nil
}

func configDir() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ".botconsole"
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "botconsole")
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if ms, err := strconv.Atoi(val); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultVal
}
