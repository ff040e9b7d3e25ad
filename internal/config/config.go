// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the application configuration.
type Config struct {
	TelegramBotToken string
	DatabasePath     string
	LogLevel         string

	// PollTick is how often the scheduler looks for due feeds.
	PollTick time.Duration
	// MaxConcurrentFetches bounds simultaneous in-flight feed fetches.
	MaxConcurrentFetches int
	// HistoryDays is the dedup-record retention horizon.
	HistoryDays int

	// DegradedAfter and DisabledAfter are the consecutive-failure
	// point thresholds of the health state machine.
	DegradedAfter int
	DisabledAfter int

	// DigestHour anchors the daily digest flush (0-23, UTC);
	// DigestInterval is the period between flushes.
	DigestHour     int
	DigestInterval time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	token := os.Getenv("TELEGRAM_BOT_TOKEN")
	if token == "" {
		return nil, fmt.Errorf("TELEGRAM_BOT_TOKEN is required")
	}

	dbPath := os.Getenv("DATABASE_PATH")
	if dbPath == "" {
		dbPath = "./data/sentinel.db"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}

	pollTickSeconds, err := intEnv("POLL_TICK_SECONDS", 60)
	if err != nil {
		return nil, err
	}
	maxFetches, err := intEnv("MAX_CONCURRENT_FETCHES", 5)
	if err != nil {
		return nil, err
	}
	historyDays, err := intEnv("HISTORY_DAYS", 7)
	if err != nil {
		return nil, err
	}
	degradedAfter, err := intEnv("DEGRADED_AFTER", 3)
	if err != nil {
		return nil, err
	}
	disabledAfter, err := intEnv("DISABLED_AFTER", 10)
	if err != nil {
		return nil, err
	}
	digestHour, err := intEnv("DIGEST_HOUR", 9)
	if err != nil {
		return nil, err
	}
	digestIntervalHours, err := intEnv("DIGEST_INTERVAL_HOURS", 24)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		TelegramBotToken:     token,
		DatabasePath:         dbPath,
		LogLevel:             logLevel,
		PollTick:             time.Duration(pollTickSeconds) * time.Second,
		MaxConcurrentFetches: maxFetches,
		HistoryDays:          historyDays,
		DegradedAfter:        degradedAfter,
		DisabledAfter:        disabledAfter,
		DigestHour:           digestHour,
		DigestInterval:       time.Duration(digestIntervalHours) * time.Hour,
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.PollTick <= 0 {
		return fmt.Errorf("POLL_TICK_SECONDS must be positive")
	}
	if c.MaxConcurrentFetches <= 0 {
		return fmt.Errorf("MAX_CONCURRENT_FETCHES must be positive")
	}
	if c.HistoryDays <= 0 {
		return fmt.Errorf("HISTORY_DAYS must be positive")
	}
	if c.DegradedAfter <= 0 || c.DisabledAfter <= c.DegradedAfter {
		return fmt.Errorf("health thresholds must satisfy 0 < DEGRADED_AFTER < DISABLED_AFTER")
	}
	if c.DigestHour < 0 || c.DigestHour > 23 {
		return fmt.Errorf("DIGEST_HOUR must be between 0 and 23")
	}
	if c.DigestInterval <= 0 {
		return fmt.Errorf("DIGEST_INTERVAL_HOURS must be positive")
	}
	return nil
}

func intEnv(key string, def int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return v, nil
}
