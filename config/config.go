// Package config loads service configuration from the environment, after an
// optional .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/warp/power-ledger/billing"
)

type Config struct {
	// HTTP Server
	Port        string
	CORSOrigins []string

	// Identity
	JWTSecret string

	// Storage
	DataBackend  string
	SQLiteDBPath string

	// AMQP (optional)
	AMQPURL        string
	AMQPExchange   string
	AMQPRoutingKey string

	// Redis lock (optional, in-process lock otherwise)
	RedisAddr string
	LockTTL   time.Duration

	// Logging
	LogLevel  string
	LogFormat string

	// Billing
	DefaultAncillaryCost string
	DefaultNote          string
	UnbilledLookback     int
	ReminderInterval     time.Duration

	// Demo data loaded at startup
	ScenarioFile string
}

// Load reads files (".env" when none are given) into the environment without
// overriding variables that are already set, then builds the Config. Missing
// files are ignored.
func Load(files ...string) (*Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		CORSOrigins: getEnvList("CORS_ORIGINS", []string{"*"}),

		JWTSecret: getEnv("JWT_SECRET", ""),

		DataBackend:  getEnv("DATA_BACKEND", "memory"),
		SQLiteDBPath: getEnv("SQLITE_DB_PATH", "./data/power-ledger.db"),

		AMQPURL:        getEnv("AMQP_URL", ""),
		AMQPExchange:   getEnv("AMQP_EXCHANGE", "power-ledger"),
		AMQPRoutingKey: getEnv("AMQP_ROUTING_KEY", "household"),

		RedisAddr: getEnv("REDIS_ADDR", ""),
		LockTTL:   getEnvDuration("LOCK_TTL", 30*time.Second),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "text"),

		DefaultAncillaryCost: getEnv("DEFAULT_ANCILLARY_COST", billing.DefaultAncillaryCost.String()),
		DefaultNote:          getEnv("DEFAULT_NOTE", billing.DefaultNote),
		UnbilledLookback:     getEnvInt("UNBILLED_LOOKBACK", billing.DefaultUnbilledLookback),
		ReminderInterval:     getEnvDuration("REMINDER_INTERVAL", 6*time.Hour),

		ScenarioFile: getEnv("SCENARIO_FILE", ""),
	}
	return cfg, nil
}

// AncillaryCost parses DefaultAncillaryCost. Call Validate first.
func (c *Config) AncillaryCost() decimal.Decimal {
	d, err := decimal.NewFromString(c.DefaultAncillaryCost)
	if err != nil {
		return billing.DefaultAncillaryCost
	}
	return d
}

// Validate validates the configuration and returns an error if invalid
func (c *Config) Validate() error {
	var problems []string

	if port, err := strconv.Atoi(c.Port); err != nil {
		problems = append(problems, fmt.Sprintf("invalid port '%s': must be a number", c.Port))
	} else if port < 1 || port > 65535 {
		problems = append(problems, fmt.Sprintf("invalid port %d: must be between 1 and 65535", port))
	}

	switch c.DataBackend {
	case "memory":
	case "sqlite":
		if c.SQLiteDBPath == "" {
			problems = append(problems, "SQLite database path cannot be empty when using sqlite backend")
		} else if dir := filepath.Dir(c.SQLiteDBPath); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				problems = append(problems, fmt.Sprintf("cannot create SQLite database directory '%s': %v", dir, err))
			}
		}
	default:
		problems = append(problems, fmt.Sprintf("invalid data backend '%s': must be one of [memory sqlite]", c.DataBackend))
	}

	if c.AMQPURL != "" {
		if parsed, err := url.Parse(c.AMQPURL); err != nil {
			problems = append(problems, fmt.Sprintf("invalid AMQP URL '%s': %v", c.AMQPURL, err))
		} else if parsed.Scheme != "amqp" && parsed.Scheme != "amqps" {
			problems = append(problems, fmt.Sprintf("invalid AMQP URL scheme '%s': must be 'amqp' or 'amqps'", parsed.Scheme))
		}
		if c.AMQPExchange == "" {
			problems = append(problems, "AMQP exchange name cannot be empty when AMQP URL is provided")
		}
	}

	if c.RedisAddr != "" && c.LockTTL < time.Second {
		problems = append(problems, fmt.Sprintf("invalid lock TTL %v: must be at least 1 second", c.LockTTL))
	}

	switch strings.ToLower(c.LogFormat) {
	case "json", "text":
	default:
		problems = append(problems, fmt.Sprintf("invalid log format '%s': must be 'json' or 'text'", c.LogFormat))
	}

	if d, err := decimal.NewFromString(c.DefaultAncillaryCost); err != nil {
		problems = append(problems, fmt.Sprintf("invalid default ancillary cost '%s': must be a number", c.DefaultAncillaryCost))
	} else if d.IsNegative() {
		problems = append(problems, fmt.Sprintf("invalid default ancillary cost %s: must not be negative", d))
	}

	if c.UnbilledLookback < 1 || c.UnbilledLookback > 36 {
		problems = append(problems, fmt.Sprintf("invalid unbilled lookback %d: must be between 1 and 36", c.UnbilledLookback))
	}

	if c.ReminderInterval != 0 && c.ReminderInterval < time.Minute {
		problems = append(problems, fmt.Sprintf("invalid reminder interval %v: must be 0 (disabled) or at least 1 minute", c.ReminderInterval))
	}

	if c.ScenarioFile != "" {
		if _, err := os.Stat(c.ScenarioFile); err != nil {
			problems = append(problems, fmt.Sprintf("scenario file '%s' is not readable: %v", c.ScenarioFile, err))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("configuration validation failed:\n- %s", strings.Join(problems, "\n- "))
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
