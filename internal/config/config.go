// Package config loads service settings from the environment, optionally
// seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverLibSQL   = "libsql"
)

// Config holds every setting of the server.
type Config struct {
	Port            string        `env:"PORT,default=8080"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT,default=10s"`

	StoreDriver    string `env:"STORE_DRIVER,default=memory"`
	DatabaseURL    string `env:"DATABASE_URL"`
	TursoAuthToken string `env:"TURSO_AUTH_TOKEN"`

	TelegramToken       string `env:"TELEGRAM_TOKEN"`
	TelegramAdminChatID int64  `env:"TELEGRAM_ADMIN_CHAT_ID,default=0"`
	AdminPassword       string `env:"ADMIN_PASSWORD"`
	AdminTelegramIDsRaw string `env:"ADMIN_TELEGRAM_IDS"`
	AdminTelegramIDs    []int64

	RedisURL string `env:"REDIS_URL"`

	DrawSchedule       string        `env:"DRAW_SCHEDULE,default=@every 1m"`
	ReservationMinutes int           `env:"RESERVATION_MINUTES,default=15"`
	LockRetries        int           `env:"LOCK_RETRIES,default=3"`
	LockBaseDelay      time.Duration `env:"LOCK_BASE_DELAY,default=25ms"`
	LockJitter         time.Duration `env:"LOCK_JITTER,default=10ms"`
	RandomRateLimit    int           `env:"RANDOM_RATE_LIMIT,default=30"`
	RandomRateWindow   time.Duration `env:"RANDOM_RATE_WINDOW,default=1m"`
	RealtimeDebounce   time.Duration `env:"REALTIME_DEBOUNCE,default=500ms"`

	LogLevel  string `env:"LOG_LEVEL,default=info"`
	LogFormat string `env:"LOG_FORMAT,default=text"`
}

// Load reads .env (if present) and the environment.
func Load() (Config, error) {
	_ = godotenv.Load() // .env is optional
	return FromEnv()
}

// FromEnv decodes and validates the current environment.
func FromEnv() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("decode environment: %w", err)
	}
	ids, err := parseIDs(cfg.AdminTelegramIDsRaw)
	if err != nil {
		return Config{}, err
	}
	cfg.AdminTelegramIDs = ids
	return cfg, cfg.Validate()
}

// Validate checks the settings are coherent.
func (c Config) Validate() error {
	var problems []string
	switch c.StoreDriver {
	case DriverMemory:
	case DriverPostgres, DriverLibSQL:
		if c.DatabaseURL == "" {
			problems = append(problems, fmt.Sprintf("DATABASE_URL is required for STORE_DRIVER=%s", c.StoreDriver))
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown STORE_DRIVER %q", c.StoreDriver))
	}
	if c.ReservationMinutes < 1 || c.ReservationMinutes > 24*60 {
		problems = append(problems, "RESERVATION_MINUTES must be between 1 and 1440")
	}
	if c.LockRetries < 0 {
		problems = append(problems, "LOCK_RETRIES must not be negative")
	}
	if c.LockBaseDelay <= 0 {
		problems = append(problems, "LOCK_BASE_DELAY must be positive")
	}
	if c.RandomRateLimit < 1 || c.RandomRateWindow <= 0 {
		problems = append(problems, "RANDOM_RATE_LIMIT and RANDOM_RATE_WINDOW must be positive")
	}
	if c.RealtimeDebounce <= 0 {
		problems = append(problems, "REALTIME_DEBOUNCE must be positive")
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		problems = append(problems, fmt.Sprintf("LOG_LEVEL: %v", err))
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		problems = append(problems, "LOG_FORMAT must be text or json")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// DSN returns the connection string for the configured SQL driver. For
// libSQL the auth token is appended as the authToken query parameter.
func (c Config) DSN() string {
	if c.StoreDriver != DriverLibSQL || c.TursoAuthToken == "" {
		return c.DatabaseURL
	}
	u, err := url.Parse(c.DatabaseURL)
	if err != nil {
		return c.DatabaseURL
	}
	q := u.Query()
	q.Set("authToken", c.TursoAuthToken)
	u.RawQuery = q.Encode()
	return u.String()
}

// NewLogger builds the process logger from LOG_LEVEL and LOG_FORMAT.
func (c Config) NewLogger() *logrus.Logger {
	log := logrus.New()
	if level, err := logrus.ParseLevel(c.LogLevel); err == nil {
		log.SetLevel(level)
	}
	if c.LogFormat == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return log
}

func parseIDs(raw string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("ADMIN_TELEGRAM_IDS: %q is not a numeric id", part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
