// Package config handles application configuration from environment
// variables and an optional YAML file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the application configuration.
type Config struct {
	DatabasePath string
	DatabaseURL  string
	LogLevel     string

	EncryptionKey  string
	TelegramAPIURL string
	SendRate       int

	CheckSchedule string
	HTTPAddr      string
	CronToken     string

	PageSize     int
	Workers      int
	FetchTimeout time.Duration
	SendTimeout  time.Duration

	RedisURL string
	LockTTL  time.Duration
}

var defaults = map[string]string{
	"DATABASE_PATH":    "./data/notify.db",
	"LOG_LEVEL":        "info",
	"TELEGRAM_API_URL": "https://api.telegram.org/bot%s/%s",
	"SEND_RATE":        "20",
	"CHECK_SCHEDULE":   "@every 15m",
	"PAGE_SIZE":        "100",
	"WORKERS":          "1",
	"FETCH_TIMEOUT":    "30s",
	"SEND_TIMEOUT":     "15s",
	"LOCK_TTL":         "10m",
}

// Keys lists every supported setting.
var Keys = []string{
	"DATABASE_PATH", "DATABASE_URL", "LOG_LEVEL",
	"ENCRYPTION_KEY", "TELEGRAM_API_URL", "SEND_RATE",
	"CHECK_SCHEDULE", "HTTP_ADDR", "CRON_TOKEN",
	"PAGE_SIZE", "WORKERS", "FETCH_TIMEOUT", "SEND_TIMEOUT",
	"REDIS_URL", "LOCK_TTL",
}

// Load reads configuration. Values come from, in order of precedence,
// environment variables, the YAML file named by CONFIG_FILE, and defaults.
func Load() (*Config, error) {
	file := map[string]string{}
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		var err error
		if file, err = readFile(path); err != nil {
			return nil, err
		}
	}

	get := func(key string) string {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			return v
		}
		if v, ok := file[key]; ok && v != "" {
			return v
		}
		return defaults[key]
	}

	cfg := &Config{
		DatabasePath:   get("DATABASE_PATH"),
		DatabaseURL:    get("DATABASE_URL"),
		LogLevel:       get("LOG_LEVEL"),
		EncryptionKey:  get("ENCRYPTION_KEY"),
		TelegramAPIURL: get("TELEGRAM_API_URL"),
		CheckSchedule:  get("CHECK_SCHEDULE"),
		HTTPAddr:       get("HTTP_ADDR"),
		CronToken:      get("CRON_TOKEN"),
		RedisURL:       get("REDIS_URL"),
	}

	var err error
	if cfg.SendRate, err = positiveInt("SEND_RATE", get("SEND_RATE")); err != nil {
		return nil, err
	}
	if cfg.PageSize, err = positiveInt("PAGE_SIZE", get("PAGE_SIZE")); err != nil {
		return nil, err
	}
	if cfg.Workers, err = positiveInt("WORKERS", get("WORKERS")); err != nil {
		return nil, err
	}
	if cfg.FetchTimeout, err = positiveDuration("FETCH_TIMEOUT", get("FETCH_TIMEOUT")); err != nil {
		return nil, err
	}
	if cfg.SendTimeout, err = positiveDuration("SEND_TIMEOUT", get("SEND_TIMEOUT")); err != nil {
		return nil, err
	}
	if cfg.LockTTL, err = positiveDuration("LOCK_TTL", get("LOCK_TTL")); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.EncryptionKey == "" {
		return fmt.Errorf("ENCRYPTION_KEY is required")
	}
	if len(c.EncryptionKey) < 32 {
		return fmt.Errorf("ENCRYPTION_KEY must be at least 32 bytes")
	}
	if c.HTTPAddr != "" && c.CronToken == "" {
		return fmt.Errorf("CRON_TOKEN is required when HTTP_ADDR is set")
	}
	if strings.Count(c.TelegramAPIURL, "%s") != 2 {
		return fmt.Errorf("TELEGRAM_API_URL must contain two %%s placeholders (token, method)")
	}
	return nil
}

// ScheduleEnabled reports whether the built-in cron trigger should run.
func (c *Config) ScheduleEnabled() bool {
	return c.CheckSchedule != "" && !strings.EqualFold(c.CheckSchedule, "off")
}

func positiveInt(key, raw string) (int, error) {
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %d", key, n)
	}
	return n, nil
}

func positiveDuration(key, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %s", key, d)
	}
	return d, nil
}
