package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/MimeLyc/transcript-overlay/pkg/log"
)

// Config holds all application configuration.
// Values come from environment variables with defaults; a .env file is
// loaded first when present.
//
// Environment Variables:
// HTTP:
// - HTTP_ADDR: listen address (default: :8080)
// - HTTP_RATE_LIMIT: requests per minute per client IP (default: 300)
// - HTTP_ALLOW_ORIGIN: CORS origin for the browser extension (default: *)
// - HTTP_UI_DIR: static settings UI directory, served when set
//
// Sources:
// - CAPTIONS_BASE_URL: caption host (default: https://www.youtube.com)
// - CAPTIONS_TIMEOUT: caption fetch timeout (default: 15s)
// - BACKEND_RATE_LIMIT: backend requests per second (default: 5)
// - POLL_INTERVAL: delay between status checks (default: 5s)
// - POLL_MAX_ATTEMPTS: status checks before giving up (default: 60)
//
// Cache:
// - CACHE_BACKEND: sqlite, memory, redis or badger (default: sqlite)
// - REDIS_ADDR, REDIS_PASSWORD, REDIS_DB: redis connection
// - BADGER_DIR: badger directory (default: $DATA_DIR/badger)
//
// System:
// - DATA_DIR: data directory (default: /app/data)
// - PREFETCH_WORKERS: prefetch workers (default: 2)
// - LOG_LEVEL: debug, info, warn or error (default: info)
//
// Runtime settings defaults (overridden by SETTINGS_FILE):
// - BACKEND_URL, PREFERRED_LANGUAGE (default: en), SWEEP_CRON (default: 0 * * * *)
type Config struct {
	HTTP     HTTPConfig      `json:"http"`
	Captions CaptionsConfig  `json:"captions"`
	Backend  BackendConfig   `json:"backend"`
	Cache    CacheConfig     `json:"cache"`
	System   SystemConfig    `json:"system"`
	Settings RuntimeSettings `json:"settings"`
}

type HTTPConfig struct {
	Addr        string `json:"addr"`
	RateLimit   int    `json:"rate_limit"`
	AllowOrigin string `json:"allow_origin"`
	UIDir       string `json:"ui_dir"`
}

type CaptionsConfig struct {
	BaseURL string        `json:"base_url"`
	Timeout time.Duration `json:"timeout"`
}

type BackendConfig struct {
	RateLimit       float64       `json:"rate_limit"`
	PollInterval    time.Duration `json:"poll_interval"`
	PollMaxAttempts int           `json:"poll_max_attempts"`
}

const (
	CacheSQLite = "sqlite"
	CacheMemory = "memory"
	CacheRedis  = "redis"
	CacheBadger = "badger"
)

type CacheConfig struct {
	Backend       string `json:"backend"`
	RedisAddr     string `json:"redis_addr"`
	RedisPassword string `json:"-"`
	RedisDB       int    `json:"redis_db"`
	BadgerDir     string `json:"badger_dir"`
}

type SystemConfig struct {
	DataDir         string `json:"data_dir"`
	PrefetchWorkers int    `json:"prefetch_workers"`
	LogLevel        string `json:"log_level"`
	SettingsFile    string `json:"settings_file"`
}

// DBPath is the SQLite database inside the data directory.
func (c *Config) DBPath() string {
	return filepath.Join(c.System.DataDir, "transcriptd.db")
}

// Option is a function type for configuring Config
type Option func(*Config)

// LoadDotEnv loads the given env files (".env" when none are named) without
// overriding variables that are already set. Missing files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// NewFromEnv creates a new Config instance with values from environment variables and options
func NewFromEnv(opts ...Option) (*Config, error) {
	dataDir := getEnvString("DATA_DIR", "/app/data")
	config := &Config{
		HTTP: HTTPConfig{
			Addr:        getEnvString("HTTP_ADDR", ":8080"),
			RateLimit:   getEnvInt("HTTP_RATE_LIMIT", 300),
			AllowOrigin: getEnvString("HTTP_ALLOW_ORIGIN", "*"),
			UIDir:       getEnvString("HTTP_UI_DIR", ""),
		},
		Captions: CaptionsConfig{
			BaseURL: getEnvString("CAPTIONS_BASE_URL", "https://www.youtube.com"),
			Timeout: getEnvDuration("CAPTIONS_TIMEOUT", 15*time.Second),
		},
		Backend: BackendConfig{
			RateLimit:       getEnvFloat("BACKEND_RATE_LIMIT", 5),
			PollInterval:    getEnvDuration("POLL_INTERVAL", 5*time.Second),
			PollMaxAttempts: getEnvInt("POLL_MAX_ATTEMPTS", 60),
		},
		Cache: CacheConfig{
			Backend:       strings.ToLower(getEnvString("CACHE_BACKEND", CacheSQLite)),
			RedisAddr:     getEnvString("REDIS_ADDR", "localhost:6379"),
			RedisPassword: getEnvString("REDIS_PASSWORD", ""),
			RedisDB:       getEnvInt("REDIS_DB", 0),
			BadgerDir:     getEnvString("BADGER_DIR", filepath.Join(dataDir, "badger")),
		},
		System: SystemConfig{
			DataDir:         dataDir,
			PrefetchWorkers: getEnvInt("PREFETCH_WORKERS", 2),
			LogLevel:        getEnvString("LOG_LEVEL", "info"),
			SettingsFile:    RuntimeSettingsFilePath(),
		},
		Settings: RuntimeSettings{
			BackendURL:        getEnvString("BACKEND_URL", ""),
			PreferredLanguage: getEnvString("PREFERRED_LANGUAGE", "en"),
			SweepCron:         getEnvString("SWEEP_CRON", DefaultSweepCron),
		},
	}

	// Apply custom options
	for _, opt := range opts {
		opt(config)
	}

	if err := config.validate(); err != nil {
		return nil, err
	}

	log.Info("Config: addr=%s cache=%s data_dir=%s backend=%q", config.HTTP.Addr, config.Cache.Backend, config.System.DataDir, config.Settings.BackendURL)
	return config, nil
}

// validate checks if all required configuration is properly set
func (c *Config) validate() error {
	switch c.Cache.Backend {
	case CacheSQLite, CacheMemory, CacheRedis, CacheBadger:
	default:
		return fmt.Errorf("unknown CACHE_BACKEND %q", c.Cache.Backend)
	}
	if c.Backend.PollMaxAttempts <= 0 {
		return fmt.Errorf("POLL_MAX_ATTEMPTS must be positive")
	}
	if c.Backend.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive")
	}
	return c.Settings.Validate()
}

// getEnvString gets a string value from environment variables with default
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an integer value from environment variables with default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvFloat gets a float value from environment variables with default
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("15s") or whole seconds ("15").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}
